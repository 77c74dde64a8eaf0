package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/slotctl/internal/cluster"
	"github.com/dreamware/slotctl/internal/config"
	"github.com/dreamware/slotctl/internal/coordstore"
	"github.com/dreamware/slotctl/internal/executor"
	"github.com/dreamware/slotctl/internal/migration"
	"github.com/dreamware/slotctl/internal/registry"
)

// envelope mirrors cluster.Response with the payload left raw.
type envelope struct {
	ErrorCode int `json:"error_code"`
	Result    struct {
		Data json.RawMessage `json:"data"`
		Job  string          `json:"job"`
	} `json:"result"`
}

func succeed() executor.Executor {
	return executor.Func(func(context.Context, []string) (*executor.Result, error) {
		return &executor.Result{Action: executor.ActionSuccess}, nil
	})
}

var up = registry.ProberFunc(func(context.Context, string) error { return nil })

func newTestServer(t *testing.T, exec executor.Executor, prober registry.Prober) *server {
	t.Helper()
	cfg := config.Default()
	cfg.Coord.Backend = "memory"
	cfg.SlotMap.SnapshotPath = filepath.Join(t.TempDir(), "slotmap")
	cfg.Migration.CommitBackoff = time.Millisecond
	cfg.Stat.ProbeTimeout = 50 * time.Millisecond

	s := newServer(cfg, coordstore.NewMemoryStore(), exec, prober)
	require.NoError(t, s.slots.Load(context.Background()))
	return s
}

func call(t *testing.T, h http.Handler, method, path, body string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec.Code, env
}

func message(t *testing.T, env envelope) string {
	t.Helper()
	var msg string
	require.NoError(t, json.Unmarshal(env.Result.Data, &msg))
	return msg
}

// withNodes registers two nodes and initializes the slot map over them
func withNodes(t *testing.T, s *server) http.Handler {
	t.Helper()
	h := s.routes()
	for _, body := range []string{
		`{"masternode":"10.0.0.1:7000","backnode":"10.0.0.11:7000"}`,
		`{"masternode":"10.0.0.2:7000"}`,
	} {
		_, env := call(t, h, http.MethodPost, "/api/nodes", body)
		require.Equal(t, cluster.CodeSuccess, env.ErrorCode)
	}
	_, env := call(t, h, http.MethodPost, "/api/slots/init", `{}`)
	require.Equal(t, cluster.CodeSuccess, env.ErrorCode)
	return h
}

func TestHandleNodes(t *testing.T) {
	s := newTestServer(t, succeed(), up)
	h := s.routes()

	_, env := call(t, h, http.MethodPost, "/api/nodes", `{"masternode":"10.0.0.1:7000","backnode":"10.0.0.11:7000"}`)
	require.Equal(t, cluster.CodeSuccess, env.ErrorCode)
	var added nodeView
	require.NoError(t, json.Unmarshal(env.Result.Data, &added))
	assert.Equal(t, nodeView{
		ID: 0, IP: "10.0.0.1", Port: 7000, SlaveIP: "10.0.0.11", SlavePort: 7000, Status: "unknown",
	}, added)

	_, env = call(t, h, http.MethodGet, "/api/nodes", "")
	require.Equal(t, cluster.CodeSuccess, env.ErrorCode)
	var listed []nodeView
	require.NoError(t, json.Unmarshal(env.Result.Data, &listed))
	assert.Equal(t, []nodeView{added}, listed)

	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"duplicate master", "/api/nodes", `{"masternode":"10.0.0.1:7000"}`, cluster.CodeNodeExist},
		{"master reused as slave", "/api/nodes", `{"masternode":"10.0.0.5:7000","backnode":"10.0.0.1:7000"}`, cluster.CodeNodeExist},
		{"unknown field", "/api/nodes", `{"masternode":"10.0.0.5:7000","weight":3}`, cluster.CodeParamError},
		{"malformed json", "/api/nodes", `{"masternode":`, cluster.CodeParamError},
		{"missing master", "/api/nodes", `{}`, cluster.CodeParamError},
		{"remove without id", "/api/nodes/remove", `{}`, cluster.CodeParamError},
		{"remove unknown id", "/api/nodes/remove", `{"id":7}`, cluster.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, env := call(t, h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.code, env.ErrorCode)
			assert.NotEmpty(t, message(t, env))
		})
	}

	_, env = call(t, h, http.MethodPost, "/api/nodes/remove", `{"id":0}`)
	assert.Equal(t, cluster.CodeSuccess, env.ErrorCode)
	assert.JSONEq(t, `0`, string(env.Result.Data))

	_, env = call(t, h, http.MethodGet, "/api/nodes", "")
	assert.JSONEq(t, `[]`, string(env.Result.Data))
}

func TestHandleAddNodeUnreachable(t *testing.T) {
	down := registry.ProberFunc(func(ctx context.Context, addr string) error {
		return errors.New("connection refused")
	})
	h := newTestServer(t, succeed(), down).routes()

	_, env := call(t, h, http.MethodPost, "/api/nodes", `{"masternode":"10.0.0.1:7000"}`)
	assert.Equal(t, cluster.CodeNodeUnreachable, env.ErrorCode)

	_, env = call(t, h, http.MethodPost, "/api/proxies", `{"ip":"10.0.0.9","port":22121}`)
	assert.Equal(t, cluster.CodeNodeUnreachable, env.ErrorCode)
}

func TestHandleRemoveNodeInUse(t *testing.T) {
	h := withNodes(t, newTestServer(t, succeed(), up))

	_, env := call(t, h, http.MethodPost, "/api/nodes/remove", `{"id":1}`)
	assert.Equal(t, cluster.CodeNodeInUse, env.ErrorCode)
}

func TestHandleRemoveMigrationTarget(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	gated := executor.Func(func(context.Context, []string) (*executor.Result, error) {
		started <- struct{}{}
		<-release
		return &executor.Result{Action: executor.ActionSuccess}, nil
	})
	s := newTestServer(t, gated, up)
	h := withNodes(t, s)

	_, env := call(t, h, http.MethodPost, "/api/nodes", `{"masternode":"10.0.0.3:7000"}`)
	require.Equal(t, cluster.CodeSuccess, env.ErrorCode)
	_, env = call(t, h, http.MethodPost, "/api/slots/migrate",
		`{"start_slot":0,"end_slot":10,"ip":"10.0.0.3","port":7000,"async":true}`)
	require.Equal(t, cluster.CodeSuccess, env.ErrorCode)
	<-started

	_, env = call(t, h, http.MethodPost, "/api/nodes/remove", `{"id":2}`)
	assert.Equal(t, cluster.CodeNodeInUse, env.ErrorCode)

	close(release)
	s.orch.Wait()
	owner, err := s.slots.Owner(0)
	require.NoError(t, err)
	assert.Equal(t, 2, owner)
}

func TestHandleProxies(t *testing.T) {
	h := newTestServer(t, succeed(), up).routes()

	_, env := call(t, h, http.MethodGet, "/api/proxies", "")
	require.Equal(t, cluster.CodeSuccess, env.ErrorCode)
	assert.JSONEq(t, `[]`, string(env.Result.Data))

	_, env = call(t, h, http.MethodPost, "/api/proxies", `{"ip":"10.0.0.9","port":22121}`)
	require.Equal(t, cluster.CodeSuccess, env.ErrorCode)
	assert.JSONEq(t, `{"num":"10.0.0.9:22121","ip":"10.0.0.9","port":22121}`, string(env.Result.Data))

	_, env = call(t, h, http.MethodPost, "/api/proxies", `{"ip":"10.0.0.9","port":22121}`)
	assert.Equal(t, cluster.CodeProxyExist, env.ErrorCode)

	_, env = call(t, h, http.MethodPost, "/api/proxies", `{"ip":"10.0.0.9"}`)
	assert.Equal(t, cluster.CodeParamError, env.ErrorCode)

	_, env = call(t, h, http.MethodGet, "/api/proxies", "")
	assert.JSONEq(t, `[{"num":"10.0.0.9:22121","ip":"10.0.0.9","port":22121}]`, string(env.Result.Data))

	_, env = call(t, h, http.MethodPost, "/api/proxies/remove", `{"ip":"10.0.0.9","port":22121}`)
	assert.Equal(t, cluster.CodeSuccess, env.ErrorCode)

	_, env = call(t, h, http.MethodPost, "/api/proxies/remove", `{"ip":"10.0.0.9","port":22121}`)
	assert.Equal(t, cluster.CodeNotFound, env.ErrorCode)
}

func TestHandleSlotsLifecycle(t *testing.T) {
	s := newTestServer(t, succeed(), up)
	h := s.routes()

	// Degraded until initialized
	_, env := call(t, h, http.MethodGet, "/api/slots", "")
	assert.Equal(t, cluster.CodeNotReady, env.ErrorCode)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, env = call(t, h, http.MethodPost, "/api/slots/init", `{}`)
	assert.Equal(t, cluster.CodeParamError, env.ErrorCode, "no nodes registered")

	h = withNodes(t, s)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ready":true,"version":1}`, rec.Body.String())

	_, env = call(t, h, http.MethodGet, "/api/slots", "")
	require.Equal(t, cluster.CodeSuccess, env.ErrorCode)
	var records []cluster.SlotRecord
	require.NoError(t, json.Unmarshal(env.Result.Data, &records))
	require.Len(t, records, cluster.SlotCount)
	assert.Equal(t, cluster.SlotRecord{Num: 0, NodeIndex: 0, Migrating: "false"}, records[0])
	assert.Equal(t, cluster.SlotRecord{Num: 16383, NodeIndex: 1, Migrating: "false"}, records[16383])

	_, env = call(t, h, http.MethodGet, "/api/slots/ranges", "")
	assert.JSONEq(t, `[{"range":{"start_slot":0,"end_slot":8191},"node_index":0},{"range":{"start_slot":8192,"end_slot":16383},"node_index":1}]`,
		string(env.Result.Data))

	_, env = call(t, h, http.MethodPost, "/api/slots/init", `{}`)
	assert.Equal(t, cluster.CodeParamError, env.ErrorCode, "already initialized")

	_, env = call(t, h, http.MethodPost, "/api/slots/init", `{"nodes":[0]}`)
	assert.Equal(t, cluster.CodeParamError, env.ErrorCode)
}

func TestHandleMigrate(t *testing.T) {
	var got []string
	s := newTestServer(t, executor.Func(func(ctx context.Context, args []string) (*executor.Result, error) {
		got = args
		return &executor.Result{Action: executor.ActionSuccess}, nil
	}), up)
	h := withNodes(t, s)

	_, env := call(t, h, http.MethodPost, "/api/slots/migrate",
		`{"start_slot":0,"end_slot":2,"ip":"10.0.0.2","port":7000}`)
	require.Equal(t, cluster.CodeSuccess, env.ErrorCode, string(env.Result.Data))
	assert.JSONEq(t, `0`, string(env.Result.Data))
	require.NotEmpty(t, env.Result.Job)
	assert.Equal(t, []string{"-s", "0,1,2", "-h", "10.0.0.2", "-p", "7000", "-z", "127.0.0.1:2181"}, got)

	owner, err := s.slots.Owner(2)
	require.NoError(t, err)
	assert.Equal(t, 1, owner)

	_, env = call(t, h, http.MethodGet, "/api/migrations/"+env.Result.Job, "")
	require.Equal(t, cluster.CodeSuccess, env.ErrorCode)
	var st migration.JobStatus
	require.NoError(t, json.Unmarshal(env.Result.Data, &st))
	assert.Equal(t, migration.StateSucceeded, st.State)
	assert.Equal(t, cluster.SlotRange{Start: 0, End: 2}, st.Range)

	// Same request again is a no-op
	_, env = call(t, h, http.MethodPost, "/api/slots/migrate",
		`{"start_slot":0,"end_slot":2,"ip":"10.0.0.2","port":7000}`)
	assert.Equal(t, cluster.CodeSuccess, env.ErrorCode)
	assert.Equal(t, int64(2), s.slots.Version())

	_, env = call(t, h, http.MethodGet, "/api/migrations", "")
	var jobs []migration.JobStatus
	require.NoError(t, json.Unmarshal(env.Result.Data, &jobs))
	assert.Len(t, jobs, 2)
}

func TestHandleMigrateRejects(t *testing.T) {
	h := withNodes(t, newTestServer(t, succeed(), up))

	tests := []struct {
		name string
		body string
		code int
	}{
		{"missing end", `{"start_slot":0,"ip":"10.0.0.2","port":7000}`, cluster.CodeParamError},
		{"reversed range", `{"start_slot":9,"end_slot":0,"ip":"10.0.0.2","port":7000}`, cluster.CodeParamError},
		{"out of bounds", `{"start_slot":0,"end_slot":16384,"ip":"10.0.0.2","port":7000}`, cluster.CodeParamError},
		{"missing target", `{"start_slot":0,"end_slot":1}`, cluster.CodeParamError},
		{"unknown target", `{"start_slot":0,"end_slot":1,"ip":"10.9.9.9","port":7000}`, cluster.CodeParamError},
		{"unknown field", `{"start_slot":0,"end_slot":1,"ip":"10.0.0.2","port":7000,"force":true}`, cluster.CodeParamError},
		{"partially owned", `{"start_slot":8000,"end_slot":8300,"ip":"10.0.0.2","port":7000}`, cluster.CodeParamError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, env := call(t, h, http.MethodPost, "/api/slots/migrate", tt.body)
			assert.Equal(t, tt.code, env.ErrorCode)
			assert.NotEmpty(t, message(t, env))
			assert.Empty(t, env.Result.Job)
		})
	}
}

func TestHandleMigrateExecutorFailure(t *testing.T) {
	s := newTestServer(t, executor.Func(func(context.Context, []string) (*executor.Result, error) {
		return &executor.Result{Action: executor.ActionFailure, Message: "target disk full"}, nil
	}), up)
	h := withNodes(t, s)

	_, env := call(t, h, http.MethodPost, "/api/slots/migrate",
		`{"start_slot":0,"end_slot":9,"ip":"10.0.0.2","port":7000}`)
	assert.Equal(t, cluster.CodeExecutorError, env.ErrorCode)
	assert.Equal(t, "target disk full", message(t, env))
	assert.NotEmpty(t, env.Result.Job)

	owner, err := s.slots.Owner(0)
	require.NoError(t, err)
	assert.Equal(t, 0, owner)
	assert.Equal(t, int64(1), s.slots.Version())
}

func TestHandleMigrateAsync(t *testing.T) {
	release := make(chan struct{})
	s := newTestServer(t, executor.Func(func(context.Context, []string) (*executor.Result, error) {
		<-release
		return &executor.Result{Action: executor.ActionSuccess}, nil
	}), up)
	h := withNodes(t, s)

	_, env := call(t, h, http.MethodPost, "/api/slots/migrate",
		`{"start_slot":100,"end_slot":199,"ip":"10.0.0.2","port":7000,"async":true}`)
	require.Equal(t, cluster.CodeSuccess, env.ErrorCode)
	job := env.Result.Job
	require.NotEmpty(t, job)

	// An overlapping request is locked out while the first runs
	_, env = call(t, h, http.MethodPost, "/api/slots/migrate",
		`{"start_slot":150,"end_slot":250,"ip":"10.0.0.2","port":7000}`)
	assert.Equal(t, cluster.CodeRangeLocked, env.ErrorCode)

	close(release)
	s.orch.Wait()

	_, env = call(t, h, http.MethodGet, "/api/migrations/"+job, "")
	var st migration.JobStatus
	require.NoError(t, json.Unmarshal(env.Result.Data, &st))
	assert.Equal(t, migration.StateSucceeded, st.State)

	_, env = call(t, h, http.MethodGet, "/api/migrations/m999", "")
	assert.Equal(t, cluster.CodeNotFound, env.ErrorCode)
}

func TestHandleReconcile(t *testing.T) {
	s := newTestServer(t, succeed(), up)
	h := withNodes(t, s)

	_, env := call(t, h, http.MethodPost, "/api/slots/reconcile",
		`{"start_slot":8000,"end_slot":8191,"ip":"10.0.0.2","port":7000}`)
	require.Equal(t, cluster.CodeSuccess, env.ErrorCode)
	assert.NotEmpty(t, env.Result.Job)
	assert.Equal(t, 8192+192, s.slots.Counts()[1])

	_, env = call(t, h, http.MethodPost, "/api/slots/reconcile",
		`{"start_slot":0,"end_slot":1,"ip":"10.0.0.2","port":7000,"async":true}`)
	assert.Equal(t, cluster.CodeParamError, env.ErrorCode)
}

func TestHandleStatAndMemInfo(t *testing.T) {
	h := newTestServer(t, succeed(), up).routes()

	_, env := call(t, h, http.MethodGet, "/api/stat", "")
	assert.Equal(t, cluster.CodeSuccess, env.ErrorCode)
	assert.JSONEq(t, `[]`, string(env.Result.Data))

	_, env = call(t, h, http.MethodGet, "/api/meminfo", "")
	assert.Equal(t, cluster.CodeSuccess, env.ErrorCode)
	assert.JSONEq(t, `[]`, string(env.Result.Data))
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	h := newTestServer(t, succeed(), up).routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "slotctl_slot_map_version")
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestServer(t, succeed(), up).routes()

	code, _ := call(t, h, http.MethodGet, "/api/slots/migrate", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)

	code, _ = call(t, h, http.MethodDelete, "/api/nodes", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}
