package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/payment"
)

// ClaimStore 使用 payment_claims 表的主键保证一笔交易只能支付一个会话。
type ClaimStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewClaimStore 构造交易占用登记表。
func NewClaimStore(db *sql.DB) *ClaimStore {
	return &ClaimStore{db: db, now: time.Now}
}

var _ payment.ClaimRegistry = (*ClaimStore)(nil)

// Claim 实现 payment.ClaimRegistry。
func (s *ClaimStore) Claim(ctx context.Context, txRef, sessionID string) error {
	key := payment.NormalizeRef(txRef)
	if key == "" || strings.TrimSpace(sessionID) == "" {
		return xerrors.New(xerrors.CodeValidation, "txRef 与 sessionID 均不能为空")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO payment_claims (tx_ref, session_id, claimed_at) VALUES (?, ?, ?)`,
		key, sessionID, s.now().UnixMilli())
	if err == nil {
		return nil
	}
	if !isDuplicateKey(err) {
		return storageError(err, "登记付款交易失败")
	}
	owner, ok, ownerErr := s.Owner(ctx, key)
	if ownerErr != nil {
		return ownerErr
	}
	if ok && owner == sessionID {
		return nil
	}
	return payment.ConflictError(key, owner, sessionID)
}

// Owner 实现 payment.ClaimRegistry。
func (s *ClaimStore) Owner(ctx context.Context, txRef string) (string, bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM payment_claims WHERE tx_ref = ?`, payment.NormalizeRef(txRef)).Scan(&owner)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, storageError(err, "查询付款交易失败")
	}
	return owner, true, nil
}
