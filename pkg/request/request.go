// Package request defines the unit of work that flows through the batching
// scheduler: the resource key used to group mergeable calls, the per-operation
// parameter variants, and the single-fire completion handle returned to callers.
package request

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
)

// Operation is the kind of backend call a request performs.
type Operation string

const (
	// OpSelect reads rows.
	OpSelect Operation = "select"

	// OpInsert writes new rows.
	OpInsert Operation = "insert"

	// OpUpdate patches existing rows.
	OpUpdate Operation = "update"

	// OpDelete removes rows.
	OpDelete Operation = "delete"
)

// ParseOperation converts a string into an Operation.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToLower(s)); op {
	case OpSelect, OpInsert, OpUpdate, OpDelete:
		return op, nil
	default:
		return "", fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, s)
	}
}

// Priority orders requests inside a resource bucket. Higher values dispatch first.
type Priority int

const (
	// PriorityLow is the zero value.
	PriorityLow Priority = iota

	// PriorityMedium sits between low and high.
	PriorityMedium

	// PriorityHigh dispatches first. Retried requests are escalated to it.
	PriorityHigh
)

// String returns the lower-case name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts "high", "medium" or "low" into a Priority.
// An empty string maps to PriorityMedium.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "high":
		return PriorityHigh, nil
	case "medium", "":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityLow, fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, s)
	}
}

// ResourceKey groups requests that may be merged into the same backend round-trip.
type ResourceKey struct {
	Resource  string
	Operation Operation
}

// String returns "resource:operation".
func (k ResourceKey) String() string {
	return k.Resource + ":" + string(k.Operation)
}

// Row is a single record exchanged with the backend, keyed by column name.
type Row map[string]any

// Result is what a caller receives once its request completes.
type Result struct {
	Rows []Row `json:"rows"`
}

// First returns the first row of the result, or nil when there is none.
func (r Result) First() Row {
	if len(r.Rows) == 0 {
		return nil
	}
	return r.Rows[0]
}

// Pending is one caller's unit of work while it is owned by the scheduler.
//
// Attempt and Priority are mutated only by the scheduler, executor and retry
// manager. EnqueuedAt keeps the first submission time across retries.
type Pending struct {
	ID         string
	Key        ResourceKey
	Params     Params
	Priority   Priority
	EnqueuedAt time.Time
	Attempt    int

	future *Future
}

// NewPending creates a request for resource with a fresh completion handle.
func NewPending(resource string, params Params, priority Priority, now time.Time) *Pending {
	var op Operation
	if params != nil {
		op = params.Operation()
	}
	return &Pending{
		ID:         xid.New().String(),
		Key:        ResourceKey{Resource: resource, Operation: op},
		Params:     params,
		Priority:   priority,
		EnqueuedAt: now,
		future:     newFuture(),
	}
}

// Future returns the caller-facing handle of the request.
func (p *Pending) Future() *Future {
	return p.future
}

// Resolve completes the request successfully. It reports whether this call
// completed the handle.
func (p *Pending) Resolve(res Result) bool {
	return p.future.complete(res, nil)
}

// Reject completes the request with err. It reports whether this call
// completed the handle.
func (p *Pending) Reject(err error) bool {
	return p.future.complete(Result{}, err)
}

// Completed reports whether the handle has already fired.
func (p *Pending) Completed() bool {
	return p.future.Completed()
}

// Validate checks resource and params before a request is accepted.
func (p *Pending) Validate() error {
	if strings.TrimSpace(p.Key.Resource) == "" {
		return fmt.Errorf("%w: resource name is required", ErrInvalidRequest)
	}
	if p.Params == nil {
		return fmt.Errorf("%w: params are required", ErrInvalidRequest)
	}
	return p.Params.Validate()
}
