// Package payment 校验链上交易是否满足会话的付款要求，并保证每笔交易只为一个会话付款。
package payment
