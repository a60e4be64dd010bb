// Package storagetest is a conformance suite shared by every storage backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-context-gateway/storage"
)

// StorageFactory creates a new, empty Storage instance for testing.
type StorageFactory func(t *testing.T) storage.Storage

// RunStorageTests runs the complete Storage test suite against the provided factory.
func RunStorageTests(t *testing.T, factory StorageFactory) {
	t.Run("PutAndGet", func(t *testing.T) { testPutAndGet(t, factory) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("PutOverwrites", func(t *testing.T) { testPutOverwrites(t, factory) })
	t.Run("PutRejectsUnaddressed", func(t *testing.T) { testPutRejectsUnaddressed(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("QueryByWorkspace", func(t *testing.T) { testQueryByWorkspace(t, factory) })
	t.Run("QueryLimitAndOrder", func(t *testing.T) { testQueryLimitAndOrder(t, factory) })
	t.Run("CollectionsIsolated", func(t *testing.T) { testCollectionsIsolated(t, factory) })
	t.Run("ReturnedRecordsAreCopies", func(t *testing.T) { testReturnedRecordsAreCopies(t, factory) })
	t.Run("ConcurrentPuts", func(t *testing.T) { testConcurrentPuts(t, factory) })
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testPutAndGet(t *testing.T, factory StorageFactory) {
	s := factory(t)
	ctx := testCtx(t)

	rec := &storage.Record{Collection: "documents", ID: "d1", WorkspaceID: "w1", Data: []byte(`{"title":"Roadmap"}`)}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, err := s.Get(ctx, "documents", "d1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil {
		t.Fatalf("expected record, got nil")
	}
	if want, got := `{"title":"Roadmap"}`, string(got.Data); want != got {
		t.Fatalf("data: want %s, got %s", want, got)
	}
	if want, got := "w1", got.WorkspaceID; want != got {
		t.Fatalf("workspace: want %q, got %q", want, got)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatalf("expected UpdatedAt to be stamped")
	}
}

func testGetMissing(t *testing.T, factory StorageFactory) {
	s := factory(t)
	ctx := testCtx(t)

	got, err := s.Get(ctx, "documents", "nope")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil record, got %+v", got)
	}
}

func testPutOverwrites(t *testing.T, factory StorageFactory) {
	s := factory(t)
	ctx := testCtx(t)

	for _, data := range []string{`{"v":1}`, `{"v":2}`} {
		if err := s.Put(ctx, &storage.Record{Collection: "c", ID: "x", WorkspaceID: "w1", Data: []byte(data)}); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}
	got, err := s.Get(ctx, "c", "x")
	if err != nil || got == nil {
		t.Fatalf("get failed: %v %v", got, err)
	}
	if want, got := `{"v":2}`, string(got.Data); want != got {
		t.Fatalf("data: want %s, got %s", want, got)
	}
	all, err := s.Query(ctx, "c")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if want, got := 1, len(all); want != got {
		t.Fatalf("records: want %d, got %d", want, got)
	}
}

func testPutRejectsUnaddressed(t *testing.T, factory StorageFactory) {
	s := factory(t)
	ctx := testCtx(t)

	err := s.Put(ctx, &storage.Record{Collection: "c", Data: []byte(`{}`)})
	if !errors.Is(err, storage.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}

func testDelete(t *testing.T, factory StorageFactory) {
	s := factory(t)
	ctx := testCtx(t)

	if err := s.Put(ctx, &storage.Record{Collection: "c", ID: "x", Data: []byte(`{}`)}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := s.Delete(ctx, "c", "x"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	got, err := s.Get(ctx, "c", "x")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected record to be deleted")
	}
	if err := s.Delete(ctx, "c", "x"); err != nil {
		t.Fatalf("deleting a missing record should succeed, got %v", err)
	}
}

func testQueryByWorkspace(t *testing.T, factory StorageFactory) {
	s := factory(t)
	ctx := testCtx(t)

	for i, ws := range []string{"w1", "w2", "w1"} {
		rec := &storage.Record{Collection: "documents", ID: fmt.Sprintf("d%d", i), WorkspaceID: ws, Data: []byte(`{}`)}
		if err := s.Put(ctx, rec); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	got, err := s.Query(ctx, "documents", storage.WithWorkspace("w1"))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if want, got := 2, len(got); want != got {
		t.Fatalf("records: want %d, got %d", want, got)
	}
	for _, rec := range got {
		if rec.WorkspaceID != "w1" {
			t.Fatalf("foreign record leaked into query: %+v", rec)
		}
	}

	none, err := s.Query(ctx, "documents", storage.WithWorkspace("w3"))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no records for unknown workspace, got %d", len(none))
	}
}

func testQueryLimitAndOrder(t *testing.T, factory StorageFactory) {
	s := factory(t)
	ctx := testCtx(t)

	for _, id := range []string{"c", "a", "d", "b"} {
		if err := s.Put(ctx, &storage.Record{Collection: "c", ID: id, Data: []byte(`{}`)}); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}

	got, err := s.Query(ctx, "c", storage.WithLimit(3))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if want, got := 3, len(got); want != got {
		t.Fatalf("records: want %d, got %d", want, got)
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].ID != want {
			t.Fatalf("record %d: want %q, got %q", i, want, got[i].ID)
		}
	}
}

func testCollectionsIsolated(t *testing.T, factory StorageFactory) {
	s := factory(t)
	ctx := testCtx(t)

	if err := s.Put(ctx, &storage.Record{Collection: "documents", ID: "x", Data: []byte(`{"k":"doc"}`)}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := s.Put(ctx, &storage.Record{Collection: "diagrams", ID: "x", Data: []byte(`{"k":"diag"}`)}); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	got, err := s.Get(ctx, "documents", "x")
	if err != nil || got == nil {
		t.Fatalf("get failed: %v %v", got, err)
	}
	if want, got := `{"k":"doc"}`, string(got.Data); want != got {
		t.Fatalf("data: want %s, got %s", want, got)
	}
}

func testReturnedRecordsAreCopies(t *testing.T, factory StorageFactory) {
	s := factory(t)
	ctx := testCtx(t)

	rec := &storage.Record{Collection: "c", ID: "x", Data: []byte(`{"a":1}`)}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	rec.Data[2] = 'b'

	got, err := s.Get(ctx, "c", "x")
	if err != nil || got == nil {
		t.Fatalf("get failed: %v %v", got, err)
	}
	got.Data[2] = 'z'

	again, err := s.Get(ctx, "c", "x")
	if err != nil || again == nil {
		t.Fatalf("get failed: %v %v", again, err)
	}
	if want, got := `{"a":1}`, string(again.Data); want != got {
		t.Fatalf("stored data was mutated through a returned record: want %s, got %s", want, got)
	}
}

func testConcurrentPuts(t *testing.T, factory StorageFactory) {
	s := factory(t)
	ctx := testCtx(t)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Put(ctx, &storage.Record{Collection: "c", ID: fmt.Sprintf("r%02d", i), WorkspaceID: "w", Data: []byte(`{}`)})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent put failed: %v", err)
		}
	}

	got, err := s.Query(ctx, "c", storage.WithWorkspace("w"))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if want, got := n, len(got); want != got {
		t.Fatalf("records: want %d, got %d", want, got)
	}
}
