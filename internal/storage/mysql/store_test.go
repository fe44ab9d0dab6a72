package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"math/big"
	"testing"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/job"
	"OpenClaw-Gateway/internal/payment"
	"OpenClaw-Gateway/internal/session"
)

var duplicateKey = &gomysql.MySQLError{Number: 1062, Message: "Duplicate entry"}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}},
		}),
		beginOp(),
		execOp(readMigrationStatement("0002_create_jobs.sql"), mockResult{}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
		beginOp(),
		execOp(readMigrationStatement("0003_create_payment_claims.sql"), mockResult{}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if got := drv.argsOf(4)[0]; got != "0002" {
		t.Fatalf("unexpected recorded version %v", got)
	}
}

func TestMigrateRollsBackFailedStatement(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp("", mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{"0001"}, {"0002"}},
		}),
		beginOp(),
		execErrOp("", errors.New("syntax error")),
		rollbackOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	err := Migrate(context.Background(), db)
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func sessionRow(id, state string, expiresAt int64) []driver.Value {
	return []driver.Value{
		id, "what is a rollup?", state, "500000", "USDC", "0xrecipient", id, expiresAt,
		"", "", "", "", "", int64(1_000), int64(2_000), int64(0),
	}
}

var sessionRowColumns = []string{
	"id", "message", "state", "amount", "token", "recipient", "reference", "expires_at",
	"tx_ref", "amount_paid", "job_id", "job_status", "failure_reason", "created_at", "updated_at", "confirmed_at",
}

func TestSessionStoreCreateAndGet(t *testing.T) {
	t.Parallel()

	expires := time.UnixMilli(600_000).UTC()
	ops := []mockOperation{
		execOp("", mockResult{rowsAffected: 1}),
		queryOp(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, mockRowsData{
			columns: sessionRowColumns,
			values:  [][]driver.Value{sessionRow("s-1", "AWAITING_PAYMENT", expires.UnixMilli())},
		}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewSessionStore(db)
	ctx := context.Background()
	err := store.Create(ctx, &session.Session{
		ID:      "s-1",
		Message: "what is a rollup?",
		State:   session.StateAwaitingPayment,
		Requirement: payment.Requirement{
			Amount:    big.NewInt(500_000),
			Token:     "USDC",
			Recipient: "0xrecipient",
			Reference: "s-1",
			ExpiresAt: expires,
		},
		CreatedAt: time.UnixMilli(1_000),
		UpdatedAt: time.UnixMilli(2_000),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	args := drv.argsOf(0)
	if args[3] != "500000" || args[7] != expires.UnixMilli() || args[9] != "" || args[15] != int64(0) {
		t.Fatalf("unexpected insert args %v", args)
	}

	got, err := store.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != session.StateAwaitingPayment || got.Requirement.Amount.Int64() != 500_000 {
		t.Fatalf("unexpected session %+v", got)
	}
	if !got.ExpiresAt().Equal(expires) || got.AmountPaid != nil || !got.ConfirmedAt.IsZero() {
		t.Fatalf("unexpected time or amount fields %+v", got)
	}
}

func TestSessionStoreConflictAndMissing(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execErrOp("", duplicateKey),
		execOp("", mockResult{rowsAffected: 0}),
		queryOp("", mockRowsData{columns: sessionRowColumns}),
		queryOp("", mockRowsData{columns: sessionRowColumns}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewSessionStore(db)
	ctx := context.Background()
	if err := store.Create(ctx, &session.Session{ID: "s-1"}); !errors.Is(err, session.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := store.Update(ctx, &session.Session{ID: "ghost"}); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
	if _, err := store.FindByJob(ctx, "job-404"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected not found by job, got %v", err)
	}
	if _, err := store.FindByJob(ctx, ""); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected empty job id to miss, got %v", err)
	}
}

func TestSessionStoreUpdateUnchangedRow(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp("", mockResult{rowsAffected: 0}),
		queryOp("", mockRowsData{
			columns: sessionRowColumns,
			values:  [][]driver.Value{sessionRow("s-1", "CONFIRMED", 0)},
		}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	sess := &session.Session{ID: "s-1", State: session.StateConfirmed, TxRef: "0xabc", AmountPaid: big.NewInt(7)}
	if err := NewSessionStore(db).Update(context.Background(), sess); err != nil {
		t.Fatalf("update: %v", err)
	}
	args := drv.argsOf(0)
	if args[1] != "CONFIRMED" || args[7] != "0xabc" || args[8] != "7" || args[len(args)-1] != "s-1" {
		t.Fatalf("unexpected update args %v", args)
	}
}

func TestSessionStoreUpdateIf(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(sessionUpdate+` AND state = ?`, mockResult{rowsAffected: 1}),
		execOp("", mockResult{rowsAffected: 0}),
		queryOp("", mockRowsData{
			columns: sessionRowColumns,
			values:  [][]driver.Value{sessionRow("s-1", "CONFIRMED", 0)},
		}),
		execOp("", mockResult{rowsAffected: 0}),
		queryOp("", mockRowsData{columns: sessionRowColumns}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewSessionStore(db)
	ctx := context.Background()
	latched := &session.Session{ID: "s-1", State: session.StateConfirmed, TxRef: "0xabc", JobID: "job-1"}
	if err := store.UpdateIf(ctx, latched, session.StateAwaitingPayment); err != nil {
		t.Fatalf("update if: %v", err)
	}
	args := drv.argsOf(0)
	if args[len(args)-2] != "s-1" || args[len(args)-1] != "AWAITING_PAYMENT" {
		t.Fatalf("unexpected conditional update args %v", args)
	}

	rival := &session.Session{ID: "s-1", State: session.StateConfirmed, TxRef: "0xdef", JobID: "job-2"}
	if err := store.UpdateIf(ctx, rival, session.StateAwaitingPayment); !errors.Is(err, session.ErrStale) {
		t.Fatalf("expected stale, got %v", err)
	}
	if err := store.UpdateIf(ctx, &session.Session{ID: "ghost"}, session.StateAwaitingPayment); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSessionStoreListExpiredAndPurge(t *testing.T) {
	t.Parallel()

	before := time.UnixMilli(900_000)
	ops := []mockOperation{
		queryOp(`SELECT `+sessionColumns+` FROM sessions WHERE state = ? AND expires_at > 0 AND expires_at <= ? ORDER BY expires_at ASC LIMIT ?`, mockRowsData{
			columns: sessionRowColumns,
			values: [][]driver.Value{
				sessionRow("s-1", "AWAITING_PAYMENT", 100_000),
				sessionRow("s-2", "AWAITING_PAYMENT", 200_000),
			},
		}),
		execOp(`DELETE FROM sessions WHERE state IN (?, ?) AND updated_at < ?`, mockResult{rowsAffected: 3}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewSessionStore(db)
	ctx := context.Background()
	expired, err := store.ListExpired(ctx, before, 0)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 2 || expired[0].ID != "s-1" || expired[1].ID != "s-2" {
		t.Fatalf("unexpected expired sessions %+v", expired)
	}
	if args := drv.argsOf(0); args[0] != "AWAITING_PAYMENT" || args[1] != before.UnixMilli() || args[2] != int64(100) {
		t.Fatalf("unexpected list args %v", args)
	}

	purged, err := store.Purge(ctx, before)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 3 {
		t.Fatalf("expected 3 purged, got %d", purged)
	}
	if args := drv.argsOf(1); args[0] != "COMPLETED" || args[1] != "FAILED" {
		t.Fatalf("unexpected purge args %v", args)
	}
}

var jobRowColumns = []string{
	"id", "session_id", "prompt", "status", "attempts", "max_retries", "last_error", "error_code", "artifact_key", "created_at", "updated_at",
}

func jobRow(status string, attempts int64) []driver.Value {
	return []driver.Value{"job-1", "s-1", "rollups", status, attempts, int64(3), "", "", "", int64(10), int64(20)}
}

func TestJobStoreCreateConflict(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp("", mockResult{rowsAffected: 1}),
		execErrOp("", duplicateKey),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewJobStore(db)
	store.now = func() time.Time { return time.Unix(42, 0) }
	ctx := context.Background()
	first := &job.Job{ID: "job-1", SessionID: "s-1", Status: job.StatusQueued, MaxRetries: 3}
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.CreatedAt != 42 || first.UpdatedAt != 42 {
		t.Fatalf("timestamps not populated: %+v", first)
	}
	if err := store.Create(ctx, &job.Job{ID: "job-2", SessionID: "s-1"}); !errors.Is(err, job.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := store.Create(ctx, &job.Job{}); xerrors.CodeOf(err) != job.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestJobStoreClaim(t *testing.T) {
	t.Parallel()

	claimSQL := `UPDATE jobs SET status = ?, attempts = attempts + 1, last_error = '', error_code = '', updated_at = ? WHERE id = ? AND status = ? AND attempts < max_retries`
	cases := []struct {
		name     string
		affected int64
		row      []driver.Value
		wantErr  error
	}{
		{name: "claimed", affected: 1, row: jobRow("running", 1)},
		{name: "completed", row: jobRow("complete", 1), wantErr: job.ErrCompleted},
		{name: "running elsewhere", row: jobRow("running", 1), wantErr: job.ErrConflict},
		{name: "failed", row: jobRow("failed", 3), wantErr: job.ErrExhausted},
		{name: "attempts used up", row: jobRow("queued", 3), wantErr: job.ErrExhausted},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ops := []mockOperation{
				execOp(claimSQL, mockResult{rowsAffected: tc.affected}),
				queryOp("", mockRowsData{columns: jobRowColumns, values: [][]driver.Value{tc.row}}),
			}
			db, drv := newMockDB(t, ops)
			defer drv.assertConsumed(t)
			defer db.Close()

			got, err := NewJobStore(db).Claim(context.Background(), "job-1")
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("claim: %v", err)
				}
				if got.Status != job.StatusRunning || got.Attempts != 1 {
					t.Fatalf("unexpected job %+v", got)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestJobStoreMarkFailedAndComplete(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`UPDATE jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`, mockResult{rowsAffected: 1}),
		execOp(`UPDATE jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`, mockResult{rowsAffected: 1}),
		execOp(`UPDATE jobs SET status = ?, artifact_key = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`, mockResult{rowsAffected: 0}),
		queryOp("", mockRowsData{columns: jobRowColumns}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewJobStore(db)
	ctx := context.Background()
	if err := store.MarkFailed(ctx, "job-1", "JOB_PROCESSING_FAILED", "boom", false); err != nil {
		t.Fatalf("mark retry: %v", err)
	}
	if err := store.MarkFailed(ctx, "job-1", "JOB_PROCESSING_FAILED", "boom", true); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}
	if drv.argsOf(0)[0] != "queued" || drv.argsOf(1)[0] != "failed" {
		t.Fatalf("unexpected statuses %v / %v", drv.argsOf(0), drv.argsOf(1))
	}
	if err := store.MarkComplete(ctx, "job-404", "job-404"); !errors.Is(err, job.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClaimStore(t *testing.T) {
	t.Parallel()

	insertSQL := `INSERT INTO payment_claims (tx_ref, session_id, claimed_at) VALUES (?, ?, ?)`
	ownerSQL := `SELECT session_id FROM payment_claims WHERE tx_ref = ?`
	ownerRows := mockRowsData{columns: []string{"session_id"}, values: [][]driver.Value{{"s-1"}}}
	ops := []mockOperation{
		execOp(insertSQL, mockResult{rowsAffected: 1}),
		execErrOp(insertSQL, duplicateKey),
		queryOp(ownerSQL, ownerRows),
		execErrOp(insertSQL, duplicateKey),
		queryOp(ownerSQL, ownerRows),
		queryOp(ownerSQL, mockRowsData{columns: []string{"session_id"}}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	claims := NewClaimStore(db)
	ctx := context.Background()
	if err := claims.Claim(ctx, "  0xABC ", "s-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got := drv.argsOf(0)[0]; got != "0xabc" {
		t.Fatalf("expected normalized ref, got %v", got)
	}
	if err := claims.Claim(ctx, "0xabc", "s-1"); err != nil {
		t.Fatalf("repeat claim by owner should succeed: %v", err)
	}
	if err := claims.Claim(ctx, "0xabc", "s-2"); xerrors.CodeOf(err) != payment.CodeAlreadyClaimed {
		t.Fatalf("expected already claimed, got %v", err)
	}
	if _, ok, err := claims.Owner(ctx, "0xdef"); err != nil || ok {
		t.Fatalf("expected unknown ref, got ok=%v err=%v", ok, err)
	}
	if err := claims.Claim(ctx, "", "s-1"); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
