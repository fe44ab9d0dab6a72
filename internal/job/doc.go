// Package job 管理付款确认后派发的研究任务：持久化、排队、执行、事件推送与状态回调。
package job
