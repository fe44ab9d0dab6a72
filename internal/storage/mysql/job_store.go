package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/job"
)

const jobColumns = `id, session_id, prompt, status, attempts, max_retries, last_error, error_code, artifact_key, created_at, updated_at`

// JobStore 把任务状态保存在 jobs 表中，领取操作依赖条件更新保证同一时刻只有一个消费者运行任务。
type JobStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewJobStore 构造任务存储。
func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db, now: time.Now}
}

var _ job.Store = (*JobStore)(nil)

// Create 实现 job.Store。
func (s *JobStore) Create(ctx context.Context, j *job.Job) error {
	if j == nil || j.ID == "" {
		return xerrors.New(job.CodeValidation, "任务 ID 不能为空")
	}
	now := s.now().Unix()
	if j.CreatedAt == 0 {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.SessionID, j.Prompt, string(j.Status), j.Attempts, j.MaxRetries, j.LastError, j.ErrorCode, j.ArtifactKey, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return job.ErrConflict
		}
		return storageError(err, "写入任务失败")
	}
	return nil
}

// Get 实现 job.Store。
func (s *JobStore) Get(ctx context.Context, id string) (*job.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

// FindBySession 实现 job.Store。
func (s *JobStore) FindBySession(ctx context.Context, sessionID string) (*job.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE session_id = ? LIMIT 1`, sessionID))
}

// Claim 实现 job.Store。
func (s *JobStore) Claim(ctx context.Context, id string) (*job.Job, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, attempts = attempts + 1, last_error = '', error_code = '', updated_at = ? WHERE id = ? AND status = ? AND attempts < max_retries`,
		string(job.StatusRunning), s.now().Unix(), id, string(job.StatusQueued))
	if err != nil {
		return nil, storageError(err, "领取任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, storageError(err, "读取领取结果失败")
	}

	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected > 0 {
		return current, nil
	}
	switch current.Status {
	case job.StatusComplete:
		return current, job.ErrCompleted
	case job.StatusFailed:
		return current, job.ErrExhausted
	case job.StatusQueued:
		if current.Attempts >= current.MaxRetries {
			return current, job.ErrExhausted
		}
	}
	return current, job.ErrConflict
}

// MarkComplete 实现 job.Store。
func (s *JobStore) MarkComplete(ctx context.Context, id, artifactKey string) error {
	return s.update(ctx, `UPDATE jobs SET status = ?, artifact_key = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`,
		string(job.StatusComplete), artifactKey, s.now().Unix(), id)
}

// MarkFailed 实现 job.Store。
func (s *JobStore) MarkFailed(ctx context.Context, id, code, lastError string, terminal bool) error {
	status := job.StatusQueued
	if terminal {
		status = job.StatusFailed
	}
	return s.update(ctx, `UPDATE jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, code, s.now().Unix(), id)
}

// Close 由持有连接的一方负责关闭数据库。
func (s *JobStore) Close() error {
	return nil
}

func (s *JobStore) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storageError(err, "更新任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageError(err, "读取更新结果失败")
	}
	if affected == 0 {
		id, _ := args[len(args)-1].(string)
		_, err := s.Get(ctx, id)
		return err
	}
	return nil
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j      job.Job
		status string
	)
	err := row.Scan(&j.ID, &j.SessionID, &j.Prompt, &status, &j.Attempts, &j.MaxRetries, &j.LastError, &j.ErrorCode, &j.ArtifactKey, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNotFound
		}
		return nil, storageError(err, "读取任务失败")
	}
	j.Status = job.Status(status)
	return &j, nil
}
