// Package query schedules, batches and deduplicates backend queries in front of a cache.Store.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrQueryFailed matches every error produced by a failing producer.
	ErrQueryFailed = errors.New("query failed")

	// ErrNoProducer is returned when a query has no producer and none is registered for its key.
	ErrNoProducer = errors.New("no producer registered for query key")

	// ErrClosed is returned by operations on a closed scheduler.
	ErrClosed = errors.New("scheduler closed")
)

// Priority orders buffered queries. Higher runs first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Producer fetches the value for one query key from the backend.
type Producer func(ctx context.Context) (any, error)

// Query is a request for the value behind Key.
type Query struct {
	Key      string
	Producer Producer
	Priority Priority

	// TTL for the cached result, zero uses the scheduler default.
	TTL time.Duration

	// EnqueuedAt is stamped by Schedule when zero.
	EnqueuedAt time.Time
}

// QueryError wraps the error returned by a producer.
type QueryError struct {
	Key string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %q: %v", e.Key, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

func (e *QueryError) Is(target error) bool {
	return target == ErrQueryFailed
}

// Action is the kind of write that triggered an invalidation.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func (a Action) refetches() bool {
	return a == ActionCreate || a == ActionUpdate
}
