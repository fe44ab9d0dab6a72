package job

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	job := &Job{ID: "j1", SessionID: "s1", Prompt: "p", Status: StatusQueued, MaxRetries: 2}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.CreatedAt == 0 || job.UpdatedAt == 0 {
		t.Fatalf("timestamps not assigned")
	}
	if err := store.Create(ctx, &Job{ID: "j1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}
	if err := store.Create(ctx, &Job{ID: "j2", SessionID: "s1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on duplicate session, got %v", err)
	}

	claimed, err := store.Claim(ctx, "j1")
	if err != nil || claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claim %+v err=%v", claimed, err)
	}
	if _, err := store.Claim(ctx, "j1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict while running, got %v", err)
	}

	if err := store.MarkFailed(ctx, "j1", "X", "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ := store.Get(ctx, "j1")
	if got.Status != StatusQueued || got.LastError != "boom" {
		t.Fatalf("expected re-queued job, got %+v", got)
	}

	if _, err := store.Claim(ctx, "j1"); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	_ = store.MarkFailed(ctx, "j1", "X", "boom", false)
	if _, err := store.Claim(ctx, "j1"); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected exhausted after max retries, got %v", err)
	}

	if err := store.MarkComplete(ctx, "j1", "j1"); err != nil {
		t.Fatalf("mark complete: %v", err)
	}
	bySession, err := store.FindBySession(ctx, "s1")
	if err != nil || bySession.Status != StatusComplete || bySession.ArtifactKey != "j1" {
		t.Fatalf("unexpected job by session %+v err=%v", bySession, err)
	}
	if _, err := store.Claim(ctx, "j1"); !errors.Is(err, ErrCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
	if _, err := store.FindBySession(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
