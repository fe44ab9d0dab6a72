// Package session 实现付费会话的状态机：创建会话并报价、确认付款、派发任务、
// 接收任务状态回调以及过期清理。
//
// 同一会话的状态变更串行执行，不同会话之间完全并行。付款确认是单向锁存：
// 一旦记录了交易引用，后续确认只返回缓存结果，不再访问账本。
package session
