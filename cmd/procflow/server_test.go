package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/procflow/api"
	"github.com/BaSui01/procflow/api/handlers"
	"github.com/BaSui01/procflow/config"
	"github.com/BaSui01/procflow/internal/metrics"
	"github.com/BaSui01/procflow/process"
	"github.com/BaSui01/procflow/testutil/fixtures"
)

// promauto 注册到默认 registry，同一命名空间只能创建一次
var (
	collectorOnce sync.Once
	testCollector *metrics.Collector
)

func sharedCollector() *metrics.Collector {
	collectorOnce.Do(func() {
		testCollector = metrics.NewCollector("procflow_server_test", nil)
	})
	return testCollector
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ticket.yaml"), []byte(fixtures.TicketDocumentYAML), 0o600))

	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Server.MetricsPort = 0
	cfg.Server.RateLimitRPS = 0
	cfg.Runtime.DefinitionsDir = dir
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s := NewServer(cfg, zaptest.NewLogger(t),
		WithCollector(sharedCollector()),
		WithFuncRegistry(fixtures.FuncRegistry()),
	)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Init(ctx))
	t.Cleanup(func() {
		cancel()
		s.Close(context.Background())
	})
	return s
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func call(t *testing.T, h http.Handler, method, path string, body any, header map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	var env envelope
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w, env
}

func TestServer_LoadsDefinitions(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	def, ok := s.Runtime().ProcessDefinition("ticket")
	require.True(t, ok)
	assert.Equal(t, "ticket", def.ID())

	w, env := call(t, s.Handler(), http.MethodPost, "/api/v1/processes",
		api.CreateProcessRequest{ProcessID: "ticket", Input: map[string]any{"amount": 20.0}}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var inst process.Instance
	require.NoError(t, json.Unmarshal(env.Data, &inst))
	assert.Equal(t, "open", inst.State)

	w, env = call(t, s.Handler(), http.MethodPost, "/api/v1/processes/"+inst.ID+"/events",
		api.TransitionRequest{Event: "ESCALATE"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Instance process.Instance `json:"instance"`
		Changed  bool             `json:"changed"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.True(t, resp.Changed)
	assert.Equal(t, "escalated", resp.Instance.State)
}

func TestServer_RequestIDEchoed(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	w, _ := call(t, s.Handler(), http.MethodGet, "/health", nil, map[string]string{RequestIDHeader: "req-abc"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-abc", w.Header().Get(RequestIDHeader))

	w, _ = call(t, s.Handler(), http.MethodGet, "/health", nil, nil)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestServer_APIKeys(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.APIKeys = []string{"k1"}
	s := newTestServer(t, cfg)
	h := s.Handler()

	w, _ := call(t, h, http.MethodGet, "/api/v1/processes", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, env := call(t, h, http.MethodGet, "/api/v1/processes", nil, map[string]string{"X-API-Key": "k1"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)

	w, _ = call(t, h, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// webhook 由签名保护，未注册路径返回 404 而不是 401
	w, _ = call(t, h, http.MethodPost, "/webhooks/unknown", map[string]any{"type": "x"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_EventJournal(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	h := s.Handler()

	w, _ := call(t, h, http.MethodPost, "/api/v1/events",
		api.EmitEventRequest{Type: "ticket.imported", Payload: map[string]any{"n": 1}}, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.NotNil(t, s.journal)
	require.NoError(t, s.journal.Flush(context.Background()))

	w, env := call(t, h, http.MethodGet, "/api/v1/events?type=ticket.imported", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var list api.EventListResponse
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "api", list.Events[0].Source)
	assert.JSONEq(t, `{"n":1}`, string(list.Events[0].Payload))

	r := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, r)
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	var ready handlers.ServiceHealthResponse
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &ready))
	assert.Equal(t, handlers.StatusHealthy, ready.Status)
	assert.Equal(t, "pass", ready.Checks["journal"].Status)
	require.NotNil(t, ready.Runtime)
	assert.Equal(t, 1, ready.Runtime.Definitions)
}

func TestServer_JournalDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Enabled = false
	s := newTestServer(t, cfg)

	w, _ := call(t, s.Handler(), http.MethodGet, "/api/v1/events", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_OnDefinitionFile(t *testing.T) {
	cfg := testConfig(t)
	s := newTestServer(t, cfg)

	path := filepath.Join(cfg.Runtime.DefinitionsDir, "order.json")
	doc := process.ToDocument(mustDefine(t, fixtures.OrderProcess()))
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	s.onDefinitionFile(config.FileEvent{Path: path, Op: config.FileOpCreate})
	_, ok := s.Runtime().ProcessDefinition("order")
	assert.True(t, ok)

	// 已注册的 ID 保持不变
	s.onDefinitionFile(config.FileEvent{Path: filepath.Join(cfg.Runtime.DefinitionsDir, "ticket.yaml"), Op: config.FileOpWrite})
	assert.Len(t, s.Runtime().ProcessDefinitions(), 2)

	// 无效文件只记录日志
	bad := filepath.Join(cfg.Runtime.DefinitionsDir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("id: [broken"), 0o600))
	s.onDefinitionFile(config.FileEvent{Path: bad, Op: config.FileOpCreate})
	s.onDefinitionFile(config.FileEvent{Path: path, Op: config.FileOpRemove})
	assert.Len(t, s.Runtime().ProcessDefinitions(), 2)
}

func mustDefine(t *testing.T, cfg process.Config) *process.Definition {
	t.Helper()
	def, err := process.Define(cfg)
	require.NoError(t, err)
	return def
}

func TestServer_RunUntilCancelled(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.httpManager.IsRunning, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.httpManager.ListenAddr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_RunRequiresInit(t *testing.T) {
	s := NewServer(config.DefaultConfig(), zap.NewNop())
	assert.Error(t, s.Run(context.Background()))
}
