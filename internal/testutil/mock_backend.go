// Package testutil provides testing utilities for the batching scheduler.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/quota-batcher/pkg/backend"
	"github.com/Sternrassler/quota-batcher/pkg/request"
)

// Call records one invocation of the mock backend.
type Call struct {
	Operation request.Operation
	Resource  string
	Query     backend.Query
	Rows      []request.Row
	Patch     request.Row
	At        time.Time
}

// MockBackend is an in-memory backend.Backend keyed by resource and identifier.
type MockBackend struct {
	mu       sync.Mutex
	tables   map[string]map[string]request.Row
	idColumn string
	calls    []Call
	nextID   int

	// Failure injection: the next failNext calls return failErr.
	failNext int
	failErr  error
	failOp   request.Operation

	// Delay is applied to every call.
	Delay time.Duration

	inFlight    int
	maxInFlight int
}

// NewMockBackend creates an empty mock with "id" as identifier column.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		tables:   make(map[string]map[string]request.Row),
		idColumn: "id",
	}
}

// Seed stores rows in resource. Every row must carry an "id".
func (m *MockBackend) Seed(resource string, rows ...request.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(resource)
	for _, row := range rows {
		t[fmt.Sprint(row[m.idColumn])] = copyRow(row)
	}
}

// FailNext makes the next n calls of op fail with err. An empty op matches every operation.
func (m *MockBackend) FailNext(n int, op request.Operation, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failOp = op
	m.failErr = err
}

// Calls returns a copy of the recorded calls.
func (m *MockBackend) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount returns the number of calls made for op. An empty op counts all calls.
func (m *MockBackend) CallCount(op request.Operation) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if op == "" || c.Operation == op {
			n++
		}
	}
	return n
}

// MaxInFlight returns the peak number of concurrent calls observed.
func (m *MockBackend) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// Reset clears recorded calls and tracking counters.
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.maxInFlight = 0
}

func (m *MockBackend) table(resource string) map[string]request.Row {
	t, ok := m.tables[resource]
	if !ok {
		t = make(map[string]request.Row)
		m.tables[resource] = t
	}
	return t
}

// begin records the call, applies delay and failure injection.
func (m *MockBackend) begin(ctx context.Context, c Call) error {
	m.mu.Lock()
	c.At = time.Now()
	m.calls = append(m.calls, c)
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	var err error
	if m.failNext > 0 && (m.failOp == "" || m.failOp == c.Operation) {
		m.failNext--
		err = m.failErr
	}
	delay := m.Delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (m *MockBackend) end() {
	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()
}

func (m *MockBackend) match(row request.Row, q backend.Query) bool {
	if len(q.IDs) > 0 {
		id := fmt.Sprint(row[m.idColumn])
		found := false
		for _, want := range q.IDs {
			if want == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for col, val := range q.Filter {
		if fmt.Sprint(row[col]) != fmt.Sprint(val) {
			return false
		}
	}
	return true
}

// matching returns matching rows sorted by identifier.
func (m *MockBackend) matching(resource string, q backend.Query) []request.Row {
	t := m.table(resource)
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []request.Row
	for _, id := range ids {
		if m.match(t[id], q) {
			out = append(out, t[id])
		}
	}
	return out
}

// Select implements backend.Backend.
func (m *MockBackend) Select(ctx context.Context, resource string, q backend.Query) ([]request.Row, error) {
	defer m.end()
	if err := m.begin(ctx, Call{Operation: request.OpSelect, Resource: resource, Query: q}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := []request.Row{}
	for _, row := range m.matching(resource, q) {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		out = append(out, copyRow(row))
	}
	return out, nil
}

// Insert implements backend.Backend. Rows without an id get a generated one.
func (m *MockBackend) Insert(ctx context.Context, resource string, rows []request.Row) ([]request.Row, error) {
	defer m.end()
	if err := m.begin(ctx, Call{Operation: request.OpInsert, Resource: resource, Rows: rows}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(resource)
	out := make([]request.Row, 0, len(rows))
	for _, row := range rows {
		stored := copyRow(row)
		if _, ok := stored[m.idColumn]; !ok {
			m.nextID++
			stored[m.idColumn] = fmt.Sprintf("gen-%d", m.nextID)
		}
		t[fmt.Sprint(stored[m.idColumn])] = stored
		out = append(out, copyRow(stored))
	}
	return out, nil
}

// Update implements backend.Backend.
func (m *MockBackend) Update(ctx context.Context, resource string, q backend.Query, patch request.Row) ([]request.Row, error) {
	defer m.end()
	if err := m.begin(ctx, Call{Operation: request.OpUpdate, Resource: resource, Query: q, Patch: patch}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := []request.Row{}
	for _, row := range m.matching(resource, q) {
		for k, v := range patch {
			row[k] = v
		}
		out = append(out, copyRow(row))
	}
	return out, nil
}

// Delete implements backend.Backend.
func (m *MockBackend) Delete(ctx context.Context, resource string, q backend.Query) ([]request.Row, error) {
	defer m.end()
	if err := m.begin(ctx, Call{Operation: request.OpDelete, Resource: resource, Query: q}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(resource)
	out := []request.Row{}
	for _, row := range m.matching(resource, q) {
		delete(t, fmt.Sprint(row[m.idColumn]))
		out = append(out, row)
	}
	return out, nil
}

func copyRow(row request.Row) request.Row {
	out := make(request.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
