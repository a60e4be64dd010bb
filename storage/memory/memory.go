// Package memory provides an in-memory implementation of the storage
// interface. It is the default backend for local runs and tests; data does
// not survive a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/mcp-context-gateway/storage"
)

// Storage implements the storage.Storage interface using in-memory maps.
type Storage struct {
	mu          sync.RWMutex
	collections map[string]map[string]*storage.Record
	now         func() time.Time
}

// New creates a new in-memory storage implementation.
func New() *Storage {
	return &Storage{
		collections: make(map[string]map[string]*storage.Record),
		now:         time.Now,
	}
}

// Get retrieves a copy of the stored record.
func (s *Storage) Get(ctx context.Context, collection, id string) (*storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.collections[collection][id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

// Put stores a copy of rec.
func (s *Storage) Put(ctx context.Context, rec *storage.Record) error {
	if err := storage.Validate(rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c := rec.Clone()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[c.Collection]
	if !ok {
		coll = make(map[string]*storage.Record)
		s.collections[c.Collection] = coll
	}
	coll[c.ID] = c
	return nil
}

// Delete removes a record.
func (s *Storage) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.collections[collection], id)
	return nil
}

// Query returns copies of the matching records ordered by id.
func (s *Storage) Query(ctx context.Context, collection string, opts ...storage.Option) ([]*storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	options := storage.ApplyOptions(opts...)

	s.mu.RLock()
	out := make([]*storage.Record, 0, len(s.collections[collection]))
	for _, rec := range s.collections[collection] {
		if options.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if options.Limit > 0 && len(out) > options.Limit {
		out = out[:options.Limit]
	}
	return out, nil
}

// Close drops all stored data.
func (s *Storage) Close() error {
	s.mu.Lock()
	s.collections = make(map[string]map[string]*storage.Record)
	s.mu.Unlock()
	return nil
}

// Compile-time interface check
var _ storage.Storage = (*Storage)(nil)
