package session

import (
	"context"
	"time"
)

// Store 定义会话持久化接口。
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Update 覆盖已存在的会话。
	Update(ctx context.Context, s *Session) error
	// UpdateIf 仅当已存储会话的状态仍为 expect 时覆盖，否则返回 ErrStale。
	// 多个网关进程共享存储时，付款确认与过期都经由它完成状态迁移。
	UpdateIf(ctx context.Context, s *Session, expect State) error
	FindByJob(ctx context.Context, jobID string) (*Session, error)
	// ListExpired 返回 before 之前已过付款期限、仍在等待付款的会话。
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Session, error)
	// Purge 删除 before 之前进入终态的会话，返回删除数量。
	Purge(ctx context.Context, before time.Time) (int, error)
	Close() error
}
