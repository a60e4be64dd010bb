package memory

import (
	"context"
	"testing"

	"github.com/ggoodman/mcp-context-gateway/storage"
	"github.com/ggoodman/mcp-context-gateway/storage/storagetest"
)

func TestMemoryStorage(t *testing.T) {
	storagetest.RunStorageTests(t, func(t *testing.T) storage.Storage {
		s := New()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestCanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Get(ctx, "c", "x"); err == nil {
		t.Fatalf("expected error from canceled context")
	}
	if err := s.Put(ctx, &storage.Record{Collection: "c", ID: "x"}); err == nil {
		t.Fatalf("expected error from canceled context")
	}
}
