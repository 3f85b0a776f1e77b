// Package store persists the correlation between upstream-visible internal
// ids and downstream identifiers. It is the only durable state in the bridge
// and the sole source of truth for which downstream record backs which
// upstream identity.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Record is one identity correlation entry.
type Record struct {
	// InternalID is generated by the bridge, unique, immutable, and the
	// only id ever exposed upstream.
	InternalID string
	// ExternalID is the upstream system's own stable identifier; unique
	// when present.
	ExternalID string
	// DownstreamID is the identifier assigned by the downstream system.
	// It referenced a live downstream resource at the last successful
	// sync, but may go stale if the record is deleted out-of-band.
	DownstreamID string
	// DownstreamUserName is a denormalized copy of the downstream
	// username, kept so filtered listing needs no round trip.
	DownstreamUserName string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Fields carries the mutable subset of a record for Update. Nil pointers
// leave the field untouched.
type Fields struct {
	DownstreamID       *string
	DownstreamUserName *string
}

// ConflictError reports a uniqueness violation on create
type ConflictError struct {
	Field string
	Value string
}

// Error implements the error interface
func (e *ConflictError) Error() string {
	return fmt.Sprintf("correlation record with %s %q already exists", e.Field, e.Value)
}

// ErrNotFound is returned by Update when no record has the given internal id
var ErrNotFound = errors.New("correlation record not found")

// Store is the correlation store contract. Implementations must enforce the
// uniqueness of InternalID and ExternalID atomically at the storage layer,
// so that two concurrent creates with the same external id cannot both
// succeed. Lookups return (nil, nil) when no record matches.
type Store interface {
	Create(ctx context.Context, rec *Record) (*Record, error)
	FindByInternalID(ctx context.Context, id string) (*Record, error)
	FindByExternalID(ctx context.Context, id string) (*Record, error)
	FindByDownstreamID(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, internalID string, fields Fields) (*Record, error)
	Delete(ctx context.Context, internalID string) (bool, error)
	// List returns all records, most recently created first.
	List(ctx context.Context) ([]*Record, error)
	Close() error
}
