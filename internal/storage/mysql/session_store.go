package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"math/big"
	"time"

	"OpenClaw-Gateway/internal/job"
	"OpenClaw-Gateway/internal/session"
)

const sessionColumns = `id, message, state, amount, token, recipient, reference, expires_at, tx_ref, amount_paid, job_id, job_status, failure_reason, created_at, updated_at, confirmed_at`

// SessionStore 把会话保存在 sessions 表中。
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore 基于已迁移的连接构造会话存储。
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

var _ session.Store = (*SessionStore)(nil)

// Create 实现 session.Store。
func (s *SessionStore) Create(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.Message,
		string(sess.State),
		amountString(sess.Requirement.Amount),
		sess.Requirement.Token,
		sess.Requirement.Recipient,
		sess.Requirement.Reference,
		toMillis(sess.Requirement.ExpiresAt),
		sess.TxRef,
		amountString(sess.AmountPaid),
		sess.JobID,
		string(sess.JobStatus),
		sess.FailureReason,
		toMillis(sess.CreatedAt),
		toMillis(sess.UpdatedAt),
		toMillis(sess.ConfirmedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return session.ErrConflict
		}
		return storageError(err, "写入会话失败")
	}
	return nil
}

// Get 实现 session.Store。
func (s *SessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

const sessionUpdate = `UPDATE sessions SET message = ?, state = ?, amount = ?, token = ?, recipient = ?, reference = ?, expires_at = ?, tx_ref = ?, amount_paid = ?, job_id = ?, job_status = ?, failure_reason = ?, updated_at = ?, confirmed_at = ? WHERE id = ?`

// Update 覆盖会话的可变字段。MySQL 对未改变的行报告 0 行受影响，此时回查以区分不存在的会话。
func (s *SessionStore) Update(ctx context.Context, sess *session.Session) error {
	affected, err := s.update(ctx, sessionUpdate, sess)
	if err != nil {
		return err
	}
	if affected == 0 {
		_, err := s.Get(ctx, sess.ID)
		return err
	}
	return nil
}

// UpdateIf 实现 session.Store。状态条件写在 WHERE 子句中，由数据库保证多个实例间的原子性。
func (s *SessionStore) UpdateIf(ctx context.Context, sess *session.Session, expect session.State) error {
	affected, err := s.update(ctx, sessionUpdate+` AND state = ?`, sess, string(expect))
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	current, err := s.Get(ctx, sess.ID)
	if err != nil {
		return err
	}
	if current.State != expect {
		return session.ErrStale
	}
	return nil
}

func (s *SessionStore) update(ctx context.Context, query string, sess *session.Session, extra ...any) (int64, error) {
	args := []any{
		sess.Message,
		string(sess.State),
		amountString(sess.Requirement.Amount),
		sess.Requirement.Token,
		sess.Requirement.Recipient,
		sess.Requirement.Reference,
		toMillis(sess.Requirement.ExpiresAt),
		sess.TxRef,
		amountString(sess.AmountPaid),
		sess.JobID,
		string(sess.JobStatus),
		sess.FailureReason,
		toMillis(sess.UpdatedAt),
		toMillis(sess.ConfirmedAt),
		sess.ID,
	}
	res, err := s.db.ExecContext(ctx, query, append(args, extra...)...)
	if err != nil {
		return 0, storageError(err, "更新会话失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storageError(err, "读取更新结果失败")
	}
	return affected, nil
}

// FindByJob 实现 session.Store。
func (s *SessionStore) FindByJob(ctx context.Context, jobID string) (*session.Session, error) {
	if jobID == "" {
		return nil, session.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE job_id = ? LIMIT 1`, jobID)
	return scanSession(row)
}

// ListExpired 实现 session.Store。
func (s *SessionStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*session.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE state = ? AND expires_at > 0 AND expires_at <= ? ORDER BY expires_at ASC LIMIT ?`,
		string(session.StateAwaitingPayment), toMillis(before), limit)
	if err != nil {
		return nil, storageError(err, "查询过期会话失败")
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历过期会话失败")
	}
	return out, nil
}

// Purge 实现 session.Store。
func (s *SessionStore) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE state IN (?, ?) AND updated_at < ?`,
		string(session.StateCompleted), string(session.StateFailed), toMillis(before))
	if err != nil {
		return 0, storageError(err, "清理会话失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storageError(err, "读取清理结果失败")
	}
	return int(affected), nil
}

// Close 由持有连接的一方负责关闭数据库。
func (s *SessionStore) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		sess                                     session.Session
		state, amount, amountPaid, jobStatus     string
		expiresAt, createdAt, updatedAt, confirm int64
	)
	err := row.Scan(
		&sess.ID,
		&sess.Message,
		&state,
		&amount,
		&sess.Requirement.Token,
		&sess.Requirement.Recipient,
		&sess.Requirement.Reference,
		&expiresAt,
		&sess.TxRef,
		&amountPaid,
		&sess.JobID,
		&jobStatus,
		&sess.FailureReason,
		&createdAt,
		&updatedAt,
		&confirm,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, session.ErrNotFound
		}
		return nil, storageError(err, "读取会话失败")
	}
	sess.State = session.State(state)
	sess.JobStatus = job.Status(jobStatus)
	sess.Requirement.Amount = parseAmount(amount)
	sess.Requirement.ExpiresAt = fromMillis(expiresAt)
	sess.AmountPaid = parseAmount(amountPaid)
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	sess.ConfirmedAt = fromMillis(confirm)
	return &sess, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func parseAmount(s string) *big.Int {
	if s == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return v
}
