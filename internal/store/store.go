// Package store declares the record-store contract the state machine core
// depends on. The core never mutates records itself; it requests mutation
// through this interface and works with whatever the store reads back.
package store

import (
	"context"
	"errors"
	"time"

	"caseline/internal/domain"
)

var (
	// ErrNotFound reports that the referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports that a versioned write lost a concurrent race;
	// the caller must re-read and retry.
	ErrConflict = errors.New("version conflict")
	// ErrUnavailable reports a transport or infrastructure failure talking
	// to the store. It is surfaced as-is; retry policy belongs to the caller.
	ErrUnavailable = errors.New("store unavailable")
)

// Update carries the field changes of a single transition. Timestamp marks are
// applied only when non-nil; the store never clears a mark that is already set.
type Update struct {
	State          string
	StateEnteredAt time.Time
	AnsweredAt     *time.Time
	ResolvedAt     *time.Time
	ClosedAt       *time.Time

	// Transition and Actor feed the store-side audit log.
	Transition string
	Actor      string
}

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	State           string
	Assignee        string
	MinPriority     *int
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// Store is the remote record store seen by the core.
type Store interface {
	// Read fetches a record. Fails with ErrNotFound if absent.
	Read(ctx context.Context, entityType, id string) (domain.WorkItem, error)
	// Write applies updates if the stored version still equals
	// expectedVersion, then returns the record as re-read from the store.
	// Fails with ErrConflict on a stale version.
	Write(ctx context.Context, entityType, id string, u Update, expectedVersion int64) (domain.WorkItem, error)
	// List returns records of one entity type matching the filter.
	List(ctx context.Context, entityType string, f Filter) ([]domain.WorkItem, error)
}
