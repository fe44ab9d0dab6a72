// Package knowledge 提供研究报告引用的静态笔记库。
package knowledge
