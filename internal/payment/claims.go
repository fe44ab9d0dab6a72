package payment

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/pkg/logger"
)

// ClaimRegistry 记录交易与会话的对应关系，保证一笔交易最多为一个会话付款。
type ClaimRegistry interface {
	// Claim 为 sessionID 占用 txRef。同一会话重复占用是幂等的，
	// 被其他会话占用时返回 PAYMENT_ALREADY_CLAIMED。
	Claim(ctx context.Context, txRef, sessionID string) error
	// Owner 返回占用 txRef 的会话。
	Owner(ctx context.Context, txRef string) (string, bool, error)
}

// ConflictError 构造交易已被占用的错误。
func ConflictError(txRef, owner, sessionID string) error {
	logger.Audit().Warn("重复使用的付款交易",
		slog.String("tx_hash", txRef),
		slog.String("claimed_by", owner),
		slog.String("session_id", sessionID),
	)
	return xerrors.New(CodeAlreadyClaimed, "该交易已用于其他会话",
		xerrors.WithMetadata("tx_hash", txRef),
	)
}

// MemoryClaims 是进程内的 ClaimRegistry。
type MemoryClaims struct {
	mu     sync.Mutex
	claims map[string]string
}

// NewMemoryClaims 创建内存实现。
func NewMemoryClaims() *MemoryClaims {
	return &MemoryClaims{claims: make(map[string]string)}
}

var _ ClaimRegistry = (*MemoryClaims)(nil)

// Claim 实现 ClaimRegistry。
func (m *MemoryClaims) Claim(_ context.Context, txRef, sessionID string) error {
	key := NormalizeRef(txRef)
	if key == "" || strings.TrimSpace(sessionID) == "" {
		return xerrors.New(xerrors.CodeValidation, "txRef 与 sessionID 均不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.claims[key]; ok {
		if owner == sessionID {
			return nil
		}
		return ConflictError(key, owner, sessionID)
	}
	m.claims[key] = sessionID
	return nil
}

// Owner 实现 ClaimRegistry。
func (m *MemoryClaims) Owner(_ context.Context, txRef string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.claims[NormalizeRef(txRef)]
	return owner, ok, nil
}
