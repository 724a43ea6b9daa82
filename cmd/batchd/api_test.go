package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/quota-batcher/internal/testutil"
	"github.com/Sternrassler/quota-batcher/pkg/backend"
	"github.com/Sternrassler/quota-batcher/pkg/request"
	"github.com/Sternrassler/quota-batcher/pkg/scheduler"
)

func setupAPI(t *testing.T, checks map[string]HealthCheck) (*httptest.Server, *scheduler.Scheduler, *testutil.MockBackend) {
	t.Helper()

	mock := testutil.NewMockBackend()
	mock.Seed("prayers",
		request.Row{"id": "p1", "name": "fajr", "city": "cairo"},
		request.Row{"id": "p2", "name": "dhuhr", "city": "rabat"},
	)

	logger := zerolog.Nop()
	opts := scheduler.DefaultOptions(mock)
	opts.Config.BatchWindow = 5 * time.Millisecond
	opts.Config.RetryDelay = 5 * time.Millisecond
	opts.Logger = &logger

	sched, err := scheduler.New(opts)
	require.NoError(t, err)

	srv := httptest.NewServer(newRouter(sched, checks, logger))
	t.Cleanup(func() {
		srv.Close()
		_ = sched.Close(context.Background())
	})
	return srv, sched, mock
}

func do(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := setupAPI(t, map[string]HealthCheck{
		"backend": func(context.Context) error { return nil },
	})

	resp, _ := do(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthEndpoint_DependencyDown(t *testing.T) {
	srv, _, _ := setupAPI(t, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})

	resp, _ := do(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSubmitSelect(t *testing.T) {
	srv, _, mock := setupAPI(t, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/resources/prayers/select", map[string]any{"id": "p1", "priority": "high"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rows := body["rows"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "fajr", rows[0].(map[string]any)["name"])
	assert.Equal(t, 1, mock.CallCount(request.OpSelect))
}

func TestSubmitSelect_NotFound(t *testing.T) {
	srv, _, _ := setupAPI(t, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/resources/prayers/select", map[string]any{"id": "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["error"], "not found")
}

func TestSubmitInsertUpdateDelete(t *testing.T) {
	srv, _, _ := setupAPI(t, nil)
	base := srv.URL + "/v1/resources/prayers/"

	resp, body := do(t, http.MethodPost, base+"insert", map[string]any{
		"rows": []map[string]any{{"id": "p3", "name": "asr"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["rows"], 1)

	resp, body = do(t, http.MethodPost, base+"update", map[string]any{
		"id":    "p3",
		"patch": map[string]any{"name": "maghrib"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "maghrib", body["rows"].([]any)[0].(map[string]any)["name"])

	resp, _ = do(t, http.MethodPost, base+"delete", map[string]any{"id": "p3"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, base+"select", map[string]any{"id": "p3"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmit_BadRequests(t *testing.T) {
	srv, _, _ := setupAPI(t, nil)

	tests := []struct {
		name string
		path string
		body any
	}{
		{"unknown operation", "/v1/resources/prayers/upsert", map[string]any{"id": "p1"}},
		{"unknown priority", "/v1/resources/prayers/select", map[string]any{"id": "p1", "priority": "urgent"}},
		{"insert without rows", "/v1/resources/prayers/insert", map[string]any{}},
		{"update without patch", "/v1/resources/prayers/update", map[string]any{"id": "p1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, srv.URL+tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestSubmit_RetryExhausted(t *testing.T) {
	srv, sched, mock := setupAPI(t, nil)
	attempts := 0
	require.NoError(t, sched.UpdateConfig(scheduler.ConfigPatch{RetryAttempts: &attempts}))
	mock.FailNext(1, request.OpSelect, errors.New("connection reset"))

	resp, _ := do(t, http.MethodPost, srv.URL+"/v1/resources/prayers/select", map[string]any{"id": "p1"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestStatusAndClearQueue(t *testing.T) {
	srv, sched, _ := setupAPI(t, nil)
	window := time.Hour
	require.NoError(t, sched.UpdateConfig(scheduler.ConfigPatch{BatchWindow: &window}))

	f := sched.Submit("prayers", request.SelectParams{ID: "p1"}, request.PriorityLow)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["pending"])
	assert.Equal(t, map[string]any{"prayers:select": float64(1)}, body["buckets"])

	resp, body = do(t, http.MethodDelete, srv.URL+"/v1/queue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["cleared"])

	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, request.ErrQueueCleared)
}

func TestPatchConfig(t *testing.T) {
	srv, sched, _ := setupAPI(t, nil)

	resp, body := do(t, http.MethodPatch, srv.URL+"/v1/config", map[string]any{
		"max_batch_size": 25,
		"batch_window":   "200ms",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(25), body["max_batch_size"])
	assert.Equal(t, "200ms", body["batch_window"])
	assert.Equal(t, 25, sched.Config().MaxBatchSize)
	assert.Equal(t, 200*time.Millisecond, sched.Config().BatchWindow)

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/config", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPatchConfig_Invalid(t *testing.T) {
	srv, sched, _ := setupAPI(t, nil)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown key", map[string]any{"max_batch": 5}},
		{"invalid value", map[string]any{"max_batch_size": 0}},
		{"bad duration", map[string]any{"batch_window": "soon"}},
		{"empty patch", map[string]any{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := do(t, http.MethodPatch, srv.URL+"/v1/config", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Equal(t, 10, sched.Config().MaxBatchSize)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := setupAPI(t, nil)

	do(t, http.MethodPost, srv.URL+"/v1/resources/prayers/select", map[string]any{"id": "p2"})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	for _, name := range []string{"batcher_batches_total", "batcher_http_requests_total", "batcher_queue_depth"} {
		assert.Contains(t, buf.String(), name)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{request.ErrInvalidRequest, http.StatusBadRequest},
		{&request.NotFoundError{Resource: "prayers", ID: "p1"}, http.StatusNotFound},
		{request.ErrQueueCleared, http.StatusServiceUnavailable},
		{request.ErrSchedulerClosed, http.StatusServiceUnavailable},
		{&request.RetryExhaustedError{Attempts: 3}, http.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", request.ErrResultMismatch), http.StatusBadGateway},
		{backend.Permanent(errors.New("constraint")), http.StatusUnprocessableEntity},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestConfigCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batchd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  max_batch_size: 42\n"), 0o600))

	cmd := newRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetArgs([]string{"config", "--config", path, "--env-file", ""})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "MaxBatchSize:42")
}
