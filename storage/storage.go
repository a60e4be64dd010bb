// Package storage defines the document store the gateway reads workspace
// data from and persists access policies into.
//
// Records live in named collections and are addressed by id. Every record
// carries the workspace it belongs to so that queries can be scoped to a
// single tenant. Backends treat the payload as opaque JSON and upsert whole
// records.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Storage is the document-store collaborator.
type Storage interface {
	// Get returns the record stored under id in collection.
	// Returns a nil Record if it doesn't exist.
	// Returns error only for legitimate storage system failures.
	Get(ctx context.Context, collection, id string) (*Record, error)

	// Put upserts rec. UpdatedAt is stamped by the backend when zero.
	Put(ctx context.Context, rec *Record) error

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, collection, id string) error

	// Query returns the records of collection matching the options, ordered
	// by id.
	Query(ctx context.Context, collection string, opts ...Option) ([]*Record, error)

	// Close closes the storage backend and releases resources.
	Close() error
}

// Record is one stored document.
type Record struct {
	Collection  string          `json:"collection"`
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspaceId,omitempty"`
	Data        json.RawMessage `json:"data"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Data = append(json.RawMessage(nil), r.Data...)
	return &c
}

// Decode unmarshals the record payload into v.
func (r *Record) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}

// NewRecord marshals v into a record payload.
func NewRecord(collection, id, workspaceID string, v any) (*Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Record{Collection: collection, ID: id, WorkspaceID: workspaceID, Data: data}, nil
}

// Option configures Query.
type Option func(*Options)

// Options contains the query filters.
type Options struct {
	WorkspaceID *string // Optional: only records of this workspace
	Limit       int     // Optional: at most this many records (0 = unlimited)
}

// WithWorkspace restricts a query to one workspace.
func WithWorkspace(workspaceID string) Option {
	return func(opts *Options) {
		opts.WorkspaceID = &workspaceID
	}
}

// WithLimit caps the number of records a query returns.
func WithLimit(n int) Option {
	return func(opts *Options) {
		opts.Limit = n
	}
}

// ApplyOptions folds opts into an Options value.
func ApplyOptions(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Matches reports whether rec satisfies the workspace filter.
func (o *Options) Matches(rec *Record) bool {
	return o.WorkspaceID == nil || rec.WorkspaceID == *o.WorkspaceID
}

// Error types
var (
	// ErrInvalidRecord is returned by Put for records without collection or id.
	ErrInvalidRecord = errors.New("storage: record requires collection and id")
)

// Validate checks the addressing fields of rec.
func Validate(rec *Record) error {
	if rec == nil || rec.Collection == "" || rec.ID == "" {
		return ErrInvalidRecord
	}
	return nil
}
