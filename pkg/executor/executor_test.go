package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/quota-batcher/internal/testutil"
	"github.com/Sternrassler/quota-batcher/pkg/backend"
	"github.com/Sternrassler/quota-batcher/pkg/request"
)

type recordingHandler struct {
	mu     sync.Mutex
	reqs   []*request.Pending
	causes []error
}

func (h *recordingHandler) HandleFailure(reqs []*request.Pending, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reqs = append(h.reqs, reqs...)
	h.causes = append(h.causes, cause)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reqs)
}

func newTestExecutor(t *testing.T) (*Executor, *testutil.MockBackend, *recordingHandler) {
	t.Helper()
	mock := testutil.NewMockBackend()
	handler := &recordingHandler{}
	return New(mock, handler, DefaultConfig(), zerolog.Nop()), mock, handler
}

func pending(resource string, params request.Params) *request.Pending {
	return request.NewPending(resource, params, request.PriorityMedium, time.Now())
}

func key(resource string, op request.Operation) request.ResourceKey {
	return request.ResourceKey{Resource: resource, Operation: op}
}

func waitResult(t *testing.T, p *request.Pending) (request.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return p.Future().Wait(ctx)
}

func TestExecute_SelectMergesByID(t *testing.T) {
	exec, mock, _ := newTestExecutor(t)
	mock.Seed("prayers", request.Row{"id": "p1", "name": "fajr"}, request.Row{"id": "p2", "name": "dhuhr"})

	chunk := []*request.Pending{
		pending("prayers", request.SelectParams{ID: "p1"}),
		pending("prayers", request.SelectParams{ID: "p2"}),
		pending("prayers", request.SelectParams{ID: "p1", Columns: []string{"name"}}),
	}

	calls := exec.Execute(context.Background(), key("prayers", request.OpSelect), chunk)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, mock.CallCount(request.OpSelect))
	assert.Equal(t, []string{"p1", "p2"}, mock.Calls()[0].Query.IDs, "duplicate ids are queried once")

	res, err := waitResult(t, chunk[0])
	require.NoError(t, err)
	assert.Equal(t, "fajr", res.First()["name"])

	res, err = waitResult(t, chunk[1])
	require.NoError(t, err)
	assert.Equal(t, "dhuhr", res.First()["name"])

	res, err = waitResult(t, chunk[2])
	require.NoError(t, err)
	assert.Equal(t, request.Row{"name": "fajr"}, res.First())
}

func TestExecute_SelectMissingID(t *testing.T) {
	exec, mock, _ := newTestExecutor(t)
	mock.Seed("prayers", request.Row{"id": "p1"})

	found := pending("prayers", request.SelectParams{ID: "p1"})
	missing := pending("prayers", request.SelectParams{ID: "nope"})

	exec.Execute(context.Background(), key("prayers", request.OpSelect), []*request.Pending{found, missing})

	_, err := waitResult(t, found)
	require.NoError(t, err)

	_, err = waitResult(t, missing)
	require.Error(t, err)
	assert.ErrorIs(t, err, request.ErrNotFound)
	var nf *request.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.ID)
}

func TestExecute_SelectFilterRunsIndividually(t *testing.T) {
	exec, mock, _ := newTestExecutor(t)
	mock.Seed("prayers",
		request.Row{"id": "p1", "city": "cairo"},
		request.Row{"id": "p2", "city": "rabat"},
		request.Row{"id": "p3", "city": "cairo"},
	)

	cairo := pending("prayers", request.SelectParams{Filter: request.Filter{"city": "cairo"}})
	rabat := pending("prayers", request.SelectParams{Filter: request.Filter{"city": "rabat"}})
	byID := pending("prayers", request.SelectParams{ID: "p2"})

	calls := exec.Execute(context.Background(), key("prayers", request.OpSelect), []*request.Pending{cairo, rabat, byID})
	assert.Equal(t, 3, calls)

	res, err := waitResult(t, cairo)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)

	res, err = waitResult(t, rabat)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)

	_, err = waitResult(t, byID)
	require.NoError(t, err)
}

func TestExecute_FilteredIDSelectNotMerged(t *testing.T) {
	exec, mock, _ := newTestExecutor(t)
	mock.Seed("prayers",
		request.Row{"id": "p1", "owner": "u1"},
		request.Row{"id": "p2", "owner": "u2"},
	)

	plain := pending("prayers", request.SelectParams{ID: "p2"})
	wrongOwner := pending("prayers", request.SelectParams{ID: "p1", Filter: request.Filter{"owner": "u2"}})
	rightOwner := pending("prayers", request.SelectParams{ID: "p1", Filter: request.Filter{"owner": "u1"}})

	chunk := []*request.Pending{plain, wrongOwner, rightOwner}
	assert.Equal(t, 3, Calls(request.OpSelect, chunk))
	exec.Execute(context.Background(), key("prayers", request.OpSelect), chunk)

	res, err := waitResult(t, wrongOwner)
	require.NoError(t, err)
	assert.Empty(t, res.Rows, "the filter still applies to an id select")

	res, err = waitResult(t, rightOwner)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "p1", res.First()["id"])

	res, err = waitResult(t, plain)
	require.NoError(t, err)
	assert.Equal(t, "p2", res.First()["id"])
}

func TestExecute_FilteredIDDeleteNotMerged(t *testing.T) {
	exec, mock, _ := newTestExecutor(t)
	mock.Seed("prayers", request.Row{"id": "p1", "owner": "u1"})

	p := pending("prayers", request.DeleteParams{ID: "p1", Filter: request.Filter{"owner": "u2"}})
	exec.Execute(context.Background(), key("prayers", request.OpDelete), []*request.Pending{p})

	res, err := waitResult(t, p)
	require.NoError(t, err)
	assert.Empty(t, res.Rows)

	rows, err := mock.Select(context.Background(), "prayers", backend.Query{IDs: []string{"p1"}})
	require.NoError(t, err)
	assert.Len(t, rows, 1, "a row failing the filter is kept")
}

func TestCalls(t *testing.T) {
	sel := func(p request.SelectParams) *request.Pending { return pending("prayers", p) }
	upd := pending("prayers", request.UpdateParams{ID: "p1", Patch: request.Row{"done": true}})
	del := pending("prayers", request.DeleteParams{ID: "p1"})

	tests := []struct {
		name  string
		op    request.Operation
		chunk []*request.Pending
		want  int
	}{
		{"empty", request.OpSelect, nil, 0},
		{"merged selects", request.OpSelect, []*request.Pending{sel(request.SelectParams{ID: "p1"}), sel(request.SelectParams{ID: "p2"})}, 1},
		{"merged plus filters", request.OpSelect, []*request.Pending{
			sel(request.SelectParams{ID: "p1"}),
			sel(request.SelectParams{Filter: request.Filter{"city": "fez"}}),
			sel(request.SelectParams{Limit: 3}),
		}, 3},
		{"updates", request.OpUpdate, []*request.Pending{upd, upd, upd}, 3},
		{"wrong params are not called", request.OpUpdate, []*request.Pending{upd, del}, 1},
		{"merged deletes", request.OpDelete, []*request.Pending{del, del}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Calls(tt.op, tt.chunk))
		})
	}
}

func TestSplit(t *testing.T) {
	var updates []*request.Pending
	for i := 0; i < 5; i++ {
		updates = append(updates, pending("prayers", request.UpdateParams{ID: "p1", Patch: request.Row{"n": i}}))
	}

	parts := Split(request.OpUpdate, updates, 2)
	require.Len(t, parts, 3)
	assert.Equal(t, updates[0:2], parts[0])
	assert.Equal(t, updates[2:4], parts[1])
	assert.Equal(t, updates[4:5], parts[2])

	selects := []*request.Pending{
		pending("prayers", request.SelectParams{ID: "p1"}),
		pending("prayers", request.SelectParams{ID: "p2"}),
		pending("prayers", request.SelectParams{Filter: request.Filter{"city": "fez"}}),
		pending("prayers", request.SelectParams{ID: "p3"}),
		pending("prayers", request.SelectParams{Filter: request.Filter{"city": "rabat"}}),
	}
	parts = Split(request.OpSelect, selects, 2)
	require.Len(t, parts, 2)
	assert.Equal(t, selects[0:4], parts[0], "ids share the merged call")
	assert.Equal(t, selects[4:], parts[1])
	for _, part := range parts {
		assert.LessOrEqual(t, Calls(request.OpSelect, part), 2)
	}

	assert.Len(t, Split(request.OpUpdate, updates, 10), 1)
	assert.Len(t, Split(request.OpUpdate, updates, 0), 5, "at least one call per part")
}

func TestExecute_InsertPositionalMapping(t *testing.T) {
	exec, mock, _ := newTestExecutor(t)

	a := pending("prayers", request.InsertParams{Rows: []request.Row{{"name": "fajr"}, {"name": "dhuhr"}}})
	b := pending("prayers", request.InsertParams{Rows: []request.Row{{"name": "isha"}}})

	calls := exec.Execute(context.Background(), key("prayers", request.OpInsert), []*request.Pending{a, b})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, mock.CallCount(request.OpInsert))
	assert.Len(t, mock.Calls()[0].Rows, 3)

	res, err := waitResult(t, a)
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "fajr", res.Rows[0]["name"])
	assert.Equal(t, "dhuhr", res.Rows[1]["name"])

	res, err = waitResult(t, b)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "isha", res.Rows[0]["name"])
	assert.NotEmpty(t, res.Rows[0]["id"])
}

func TestExecute_InsertGroupsByColumnSet(t *testing.T) {
	exec, mock, handler := newTestExecutor(t)

	plain := pending("prayers", request.InsertParams{Rows: []request.Row{{"id": "a1", "title": "fajr", "owner": "u1"}}})
	answered := pending("prayers", request.InsertParams{Rows: []request.Row{{"id": "b1", "title": "isha", "owner": "u2", "answered": true}}})
	plainToo := pending("prayers", request.InsertParams{Rows: []request.Row{{"owner": "u3", "id": "c1", "title": "asr"}}})

	chunk := []*request.Pending{plain, answered, plainToo}
	assert.Equal(t, 2, Calls(request.OpInsert, chunk))

	calls := exec.Execute(context.Background(), key("prayers", request.OpInsert), chunk)
	assert.Equal(t, 2, calls)

	inserts := mock.Calls()
	require.Len(t, inserts, 2)
	assert.Len(t, inserts[0].Rows, 2, "rows with the same columns share one insert")
	assert.Len(t, inserts[1].Rows, 1)
	for _, c := range inserts {
		first := c.Rows[0]
		for _, row := range c.Rows {
			assert.Len(t, row, len(first), "every row of one insert carries the same columns")
		}
	}

	for id, p := range map[string]*request.Pending{"a1": plain, "b1": answered, "c1": plainToo} {
		res, err := waitResult(t, p)
		require.NoError(t, err)
		assert.Equal(t, id, res.First()["id"])
	}
	assert.Zero(t, handler.count())
}

type shortInsertBackend struct {
	*testutil.MockBackend
}

func (b shortInsertBackend) Insert(ctx context.Context, resource string, rows []request.Row) ([]request.Row, error) {
	out, err := b.MockBackend.Insert(ctx, resource, rows)
	if err != nil || len(out) == 0 {
		return out, err
	}
	return out[:len(out)-1], nil
}

func TestExecute_InsertCountMismatch(t *testing.T) {
	handler := &recordingHandler{}
	exec := New(shortInsertBackend{testutil.NewMockBackend()}, handler, DefaultConfig(), zerolog.Nop())

	a := pending("prayers", request.InsertParams{Rows: []request.Row{{"id": "a1"}}})
	b := pending("prayers", request.InsertParams{Rows: []request.Row{{"id": "b1"}}})
	exec.Execute(context.Background(), key("prayers", request.OpInsert), []*request.Pending{a, b})

	for _, p := range []*request.Pending{a, b} {
		_, err := waitResult(t, p)
		assert.ErrorIs(t, err, request.ErrResultMismatch)
	}
	assert.Zero(t, handler.count(), "mismatch is not retried")
}

func TestExecute_UpdateFansOut(t *testing.T) {
	mock := testutil.NewMockBackend()
	mock.Delay = 20 * time.Millisecond
	cfg := DefaultConfig()
	cfg.FanOut = 2
	exec := New(mock, &recordingHandler{}, cfg, zerolog.Nop())

	var chunk []*request.Pending
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		mock.Seed("prayers", request.Row{"id": id, "done": false})
		chunk = append(chunk, pending("prayers", request.UpdateParams{ID: id, Patch: request.Row{"done": true}}))
	}

	calls := exec.Execute(context.Background(), key("prayers", request.OpUpdate), chunk)
	assert.Equal(t, 5, calls)
	assert.Equal(t, 5, mock.CallCount(request.OpUpdate))
	assert.LessOrEqual(t, mock.MaxInFlight(), 2)

	for _, p := range chunk {
		res, err := waitResult(t, p)
		require.NoError(t, err)
		require.Len(t, res.Rows, 1)
		assert.Equal(t, true, res.First()["done"])
	}
}

func TestExecute_DeleteMergesByID(t *testing.T) {
	exec, mock, _ := newTestExecutor(t)
	mock.Seed("prayers", request.Row{"id": "p1"}, request.Row{"id": "p2"}, request.Row{"id": "p3", "city": "fez"})

	d1 := pending("prayers", request.DeleteParams{ID: "p1"})
	d2 := pending("prayers", request.DeleteParams{ID: "p2"})
	gone := pending("prayers", request.DeleteParams{ID: "p9"})
	byFilter := pending("prayers", request.DeleteParams{Filter: request.Filter{"city": "fez"}})

	calls := exec.Execute(context.Background(), key("prayers", request.OpDelete), []*request.Pending{d1, d2, gone, byFilter})
	assert.Equal(t, 2, calls)

	_, err := waitResult(t, d1)
	require.NoError(t, err)
	_, err = waitResult(t, d2)
	require.NoError(t, err)
	_, err = waitResult(t, gone)
	assert.ErrorIs(t, err, request.ErrNotFound)

	res, err := waitResult(t, byFilter)
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
}

func TestExecute_TransientFailureGoesToHandler(t *testing.T) {
	exec, mock, handler := newTestExecutor(t)
	mock.Seed("prayers", request.Row{"id": "p1"})
	mock.FailNext(1, request.OpSelect, errors.New("connection reset"))

	chunk := []*request.Pending{
		pending("prayers", request.SelectParams{ID: "p1"}),
		pending("prayers", request.SelectParams{ID: "p2"}),
	}
	exec.Execute(context.Background(), key("prayers", request.OpSelect), chunk)

	assert.Equal(t, 2, handler.count())
	for _, p := range chunk {
		assert.False(t, p.Completed(), "transient failures are not delivered")
	}
}

func TestExecute_PermanentFailureDelivered(t *testing.T) {
	exec, mock, handler := newTestExecutor(t)
	cause := backend.Permanent(errors.New("syntax error"))
	mock.FailNext(1, request.OpInsert, cause)

	p := pending("prayers", request.InsertParams{Rows: []request.Row{{"id": "x"}}})
	exec.Execute(context.Background(), key("prayers", request.OpInsert), []*request.Pending{p})

	_, err := waitResult(t, p)
	require.Error(t, err)
	assert.True(t, backend.IsPermanent(err))
	assert.Zero(t, handler.count())
}

func TestExecute_CanceledContextRejectsAsClosed(t *testing.T) {
	exec, mock, handler := newTestExecutor(t)
	mock.Delay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := pending("prayers", request.SelectParams{ID: "p1"})
	exec.Execute(ctx, key("prayers", request.OpSelect), []*request.Pending{p})

	_, err := waitResult(t, p)
	assert.ErrorIs(t, err, request.ErrSchedulerClosed)
	assert.Zero(t, handler.count())
}

func TestUniqueIDs(t *testing.T) {
	assert.Equal(t, []string{"b", "a", "c"}, uniqueIDs([]string{"b", "a", "b", "c", "a"}))
	assert.Empty(t, uniqueIDs(nil))
}

func TestProject(t *testing.T) {
	row := request.Row{"id": "p1", "name": "fajr", "city": "cairo"}

	tests := []struct {
		name string
		cols []string
		want request.Row
	}{
		{"all columns", nil, row},
		{"subset", []string{"name"}, request.Row{"name": "fajr"}},
		{"unknown column skipped", []string{"name", "nope"}, request.Row{"name": "fajr"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := project(row, tt.cols)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecute_MixedInsertOnSQLite(t *testing.T) {
	b, err := backend.Open(backend.Config{
		Driver:       backend.DriverSQLite,
		DSN:          "file:" + filepath.Join(t.TempDir(), "exec.db"),
		IDColumn:     "id",
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	_, err = b.DB().Exec(`CREATE TABLE prayers (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		owner TEXT NOT NULL,
		answered INTEGER NOT NULL DEFAULT 0
	)`)
	require.NoError(t, err)

	handler := &recordingHandler{}
	exec := New(b, handler, DefaultConfig(), zerolog.Nop())

	plain := pending("prayers", request.InsertParams{Rows: []request.Row{{"id": "p1", "title": "health", "owner": "u1"}}})
	answered := pending("prayers", request.InsertParams{Rows: []request.Row{{"id": "p2", "title": "family", "owner": "u1", "answered": 1}}})
	exec.Execute(context.Background(), key("prayers", request.OpInsert), []*request.Pending{plain, answered})

	res, err := waitResult(t, plain)
	require.NoError(t, err)
	assert.Equal(t, "p1", res.First()["id"])

	res, err = waitResult(t, answered)
	require.NoError(t, err)
	assert.Equal(t, "p2", res.First()["id"])
	assert.Zero(t, handler.count())
}
