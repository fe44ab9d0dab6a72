package report

import (
	"context"
	"testing"

	xerrors "OpenClaw-Gateway/internal/errors"
)

func TestStores(t *testing.T) {
	t.Parallel()

	file, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	for name, store := range map[string]Store{"memory": NewMemoryStore(), "file": file} {
		store := store
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			if _, err := store.Get(ctx, "job-1"); !IsNotFound(err) {
				t.Fatalf("expected not found before put, got %v", err)
			}
			if err := store.Put(ctx, Artifact{Key: "job-1", Name: "report.md", ContentType: "text/markdown", Body: []byte("# Report")}); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, err := store.Get(ctx, "job-1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if string(got.Body) != "# Report" || got.ContentType != "text/markdown" || got.Name != "report.md" || got.CreatedAt.IsZero() {
				t.Fatalf("unexpected artifact %+v", got)
			}
			if err := store.Delete(ctx, "job-1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := store.Get(ctx, "job-1"); !IsNotFound(err) {
				t.Fatalf("expected not found after delete, got %v", err)
			}
			if err := store.Put(ctx, Artifact{}); xerrors.CodeOf(err) != xerrors.CodeValidation {
				t.Fatalf("expected validation error for empty key, got %v", err)
			}
		})
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	t.Parallel()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	if err := store.Put(context.Background(), Artifact{Key: "../escape", Body: []byte("x")}); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := store.Get(context.Background(), "../escape"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
