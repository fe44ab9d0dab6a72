package job

import "context"

// Store 抽象了任务状态的持久化接口。
type Store interface {
	// Create 写入新任务，ID 已存在时返回 ErrConflict。
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// FindBySession 返回会话对应的任务。
	FindBySession(ctx context.Context, sessionID string) (*Job, error)
	// Claim 把排队中的任务置为运行中并增加尝试次数。
	Claim(ctx context.Context, id string) (*Job, error)
	MarkComplete(ctx context.Context, id, artifactKey string) error
	// MarkFailed 记录失败；terminal 为 false 时任务回到排队状态等待重试。
	MarkFailed(ctx context.Context, id, code, lastError string, terminal bool) error
	Close() error
}
