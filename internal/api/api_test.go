package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exploit-executor/internal/config"
	"exploit-executor/internal/executor"
	"exploit-executor/internal/model"
	"exploit-executor/internal/monitor"
	"exploit-executor/internal/storage"
)

const testKey = "test-key"

type fakePublisher struct {
	mu   sync.Mutex
	cmds []model.Command
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, cmd model.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cmds = append(f.cmds, cmd)
	return nil
}

type fakeExecutions struct {
	mu    sync.Mutex
	execs map[int64]model.Execution
}

func (f *fakeExecutions) GetExecution(_ context.Context, id int64) (*model.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.execs[id]
	if !ok {
		return nil, storage.ErrExecutionNotFound
	}
	return &e, nil
}

func (f *fakeExecutions) setStatus(id int64, status model.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.execs[id]
	e.Status = status
	f.execs[id] = e
}

type fakeInFlight []executor.InFlight

func (f fakeInFlight) InFlight() []executor.InFlight { return f }

type fakeHealth bool

func (f fakeHealth) Healthy(context.Context) bool { return bool(f) }

type testEnv struct {
	publisher  *fakePublisher
	executions *fakeExecutions
	broker     *Broker
	metrics    *monitor.Metrics
	handler    http.Handler
}

func newTestEnv(t *testing.T, db HealthChecker, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Security.AllowedKeys = []string{testKey}
	if mutate != nil {
		mutate(cfg)
	}

	env := &testEnv{
		publisher: &fakePublisher{},
		executions: &fakeExecutions{execs: map[int64]model.Execution{
			11: {ID: 11, JobID: 1, Target: model.Target{ID: 1, IP: "10.0.0.1"}, Status: model.StatusFinished, Stdout: "flag{1}"},
			12: {ID: 12, JobID: 1, Target: model.Target{ID: 2, IP: "10.0.0.2"}, Status: model.StatusRunning},
		}},
		broker:  NewBroker(16),
		metrics: monitor.NewMetrics(),
	}
	inflight := fakeInFlight{{TaskID: "t1", JobID: 1, StartedAt: time.Unix(100, 0).UTC()}}
	handlers := NewHandlers(env.publisher, env.executions, inflight, env.broker, 20*time.Millisecond)
	env.handler = NewServer(cfg, handlers, db, env.metrics).Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if authed {
		req.Header.Set("X-API-Key", testKey)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestQueueAndCancelPublishCommands(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(t, http.MethodPost, "/jobs/5/queue", true)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp CommandResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, CommandResponse{Action: model.ActionQueue, JobID: 5, Status: "accepted"}, resp)

	rec = env.do(t, http.MethodPost, "/jobs/5/cancel", true)
	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, []model.Command{
		{Action: model.ActionQueue, JobID: 5},
		{Action: model.ActionCancel, JobID: 5},
	}, env.publisher.cmds)
}

func TestQueueRejectsBadID(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	for _, path := range []string{"/jobs/abc/queue", "/jobs/0/queue", "/jobs/-3/queue"} {
		rec := env.do(t, http.MethodPost, path, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
	assert.Empty(t, env.publisher.cmds)
}

func TestQueuePublishFailure(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.publisher.err = errors.New("connection refused")

	rec := env.do(t, http.MethodPost, "/jobs/5/queue", true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "QUEUE_UNAVAILABLE", resp.Code)
	assert.NotEmpty(t, resp.RequestID)
}

func TestInFlight(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(t, http.MethodGet, "/jobs/inflight", true)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp InFlightResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "t1", resp.Jobs[0].TaskID)
}

func TestGetExecution(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(t, http.MethodGet, "/executions/11", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var exec model.Execution
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&exec))
	assert.Equal(t, "flag{1}", exec.Stdout)
	assert.Equal(t, model.StatusFinished, exec.Status)

	rec = env.do(t, http.MethodGet, "/executions/99", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuth(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		rec := env.do(t, http.MethodGet, "/jobs/inflight", false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		req := httptest.NewRequest(http.MethodGet, "/jobs/inflight", nil)
		req.Header.Set("X-API-Key", "nope")
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bearer token", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		req := httptest.NewRequest(http.MethodGet, "/jobs/inflight", nil)
		req.Header.Set("Authorization", "Bearer "+testKey)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("custom header", func(t *testing.T) {
		env := newTestEnv(t, nil, func(c *config.Config) { c.Security.APIKeyHeader = "X-Executor-Key" })
		req := httptest.NewRequest(http.MethodGet, "/jobs/inflight", nil)
		req.Header.Set("X-Executor-Key", testKey)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("no keys rejects", func(t *testing.T) {
		env := newTestEnv(t, nil, func(c *config.Config) { c.Security.AllowedKeys = nil })
		rec := env.do(t, http.MethodGet, "/jobs/inflight", false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("no keys with unauthenticated allowed", func(t *testing.T) {
		env := newTestEnv(t, nil, func(c *config.Config) {
			c.Security.AllowedKeys = nil
			c.Security.AllowUnauthenticated = true
		})
		rec := env.do(t, http.MethodGet, "/jobs/inflight", false)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("health bypasses auth", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		rec := env.do(t, http.MethodGet, "/health", false)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, fakeHealth(true), nil)
	rec := env.do(t, http.MethodGet, "/health", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Database)
	assert.Equal(t, 1, resp.JobsInFlight)

	env = newTestEnv(t, fakeHealth(false), nil)
	rec = env.do(t, http.MethodGet, "/health", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/health", false)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMetricsUseRoutePattern(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	env.do(t, http.MethodPost, "/jobs/5/queue", true)
	env.do(t, http.MethodPost, "/jobs/6/queue", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.HTTPRequestsTotal.WithLabelValues("/jobs/{id}/queue", "202")))

	rec := env.do(t, http.MethodGet, "/metrics", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "executor_api_requests_total")
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RequestIDMiddleware(RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStreamTerminalExecution(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	rec := env.do(t, http.MethodGet, "/executions/11/stream", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: done\n")
	assert.Contains(t, rec.Body.String(), `"stdout":"flag{1}"`)
	assert.Zero(t, env.broker.Subscribers(11))
}

func TestStreamUnknownExecution(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rec := env.do(t, http.MethodGet, "/executions/99/stream", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, env.broker.Subscribers(99))
}

func TestStreamLiveOutput(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/executions/12/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool { return env.broker.Subscribers(12) == 1 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, env.broker.Send(ctx, model.OutputMessage{ExecutionID: 12, IsStdout: true, Chunk: "hello"}))
	require.NoError(t, env.broker.Send(ctx, model.OutputMessage{ExecutionID: 12, IsStdout: false, Chunk: "warn"}))
	// Other executions never reach this stream.
	require.NoError(t, env.broker.Send(ctx, model.OutputMessage{ExecutionID: 11, IsStdout: true, Chunk: "other"}))

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	readUntil := func(want string) {
		t.Helper()
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
			if scanner.Text() == want {
				return
			}
		}
		t.Fatalf("stream ended before %q, got %v", want, lines)
	}

	readUntil("data: warn")
	env.executions.setStatus(12, model.StatusFinished)
	readUntil("event: done")

	body := strings.Join(lines, "\n")
	assert.Contains(t, body, "event: stdout\ndata: hello")
	assert.Contains(t, body, "event: stderr\ndata: warn")
	assert.NotContains(t, body, "other")
	require.Eventually(t, func() bool { return env.broker.Subscribers(12) == 0 }, time.Second, 5*time.Millisecond)
}

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker(1)
	ctx := context.Background()

	// No subscribers is not an error.
	require.NoError(t, b.Send(ctx, model.OutputMessage{ExecutionID: 1, Chunk: "x"}))

	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubC()

	msg := model.OutputMessage{ExecutionID: 1, IsStdout: true, Chunk: "one"}
	require.NoError(t, b.Send(ctx, msg))
	assert.Equal(t, msg, <-a)
	assert.Equal(t, msg, <-c)

	// A full subscriber drops instead of blocking.
	require.NoError(t, b.Send(ctx, model.OutputMessage{ExecutionID: 1, Chunk: "two"}))
	require.NoError(t, b.Send(ctx, model.OutputMessage{ExecutionID: 1, Chunk: "three"}))
	assert.Equal(t, "two", (<-a).Chunk)

	unsubA()
	unsubA()
	assert.Equal(t, 1, b.Subscribers(1))
}

func TestSSEWriterPrefixesEveryLine(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec, "stdout")
	require.NotNil(t, w)

	n, err := w.Write([]byte("a\nevent: done\nb"))
	require.NoError(t, err)
	assert.Equal(t, 15, n)
	assert.Equal(t, "event: stdout\ndata: a\ndata: event: done\ndata: b\n\n", rec.Body.String())
}
