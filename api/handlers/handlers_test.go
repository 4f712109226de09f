package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/procflow/integration"
	"github.com/BaSui01/procflow/journal"
	"github.com/BaSui01/procflow/runtime"
	"github.com/BaSui01/procflow/testutil/fixtures"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

type apiEnv struct {
	rt      *runtime.Runtime
	store   *journal.MemoryStore
	journal *journal.Recorder
	mux     *http.ServeMux
	webhook *WebhookHandler
}

type envOption func(*envConfig)

type envConfig struct {
	webhookOpts []WebhookOption
	noJournal   bool
}

func withWebhookOptions(opts ...WebhookOption) envOption {
	return func(c *envConfig) { c.webhookOpts = append(c.webhookOpts, opts...) }
}

func withoutJournal() envOption {
	return func(c *envConfig) { c.noJournal = true }
}

func newAPIEnv(t *testing.T, opts ...envOption) *apiEnv {
	t.Helper()

	var cfg envConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	integrationOpts := integration.DefaultOptions()
	integrationOpts.Sleeper = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	rt := runtime.New(
		runtime.WithLogger(zap.NewNop()),
		runtime.WithIntegrationOptions(integrationOpts),
	)

	env := &apiEnv{rt: rt, mux: http.NewServeMux()}

	var store journal.Store
	if !cfg.noJournal {
		env.store = journal.NewMemoryStore(100)
		env.journal = journal.NewRecorder(env.store, zap.NewNop())
		env.journal.Attach(rt.Bus())
		t.Cleanup(func() { _ = env.journal.Close(context.Background()) })
		store = env.store
	}

	env.webhook = NewWebhookHandler(rt.Integration(), "/webhooks/", zap.NewNop(), cfg.webhookOpts...)
	Routes{
		Health:   NewHealthHandler(zap.NewNop(), WithRuntimeStats(rt)),
		Process:  NewProcessHandler(rt, fixtures.FuncRegistry(), zap.NewNop()),
		Events:   NewEventHandler(rt, store, zap.NewNop()),
		Tasks:    NewTaskHandler(rt, zap.NewNop()),
		Services: NewServiceHandler(rt, zap.NewNop()),
		Webhooks: env.webhook,
		Version:  "test",
	}.Register(env.mux)

	return env
}

// do 发送请求，body 为 string/[]byte 时原样发送，否则编码为 JSON
func (e *apiEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	r := httptest.NewRequest(method, path, reader)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		r.Header.Set(headers[i], headers[i+1])
	}

	// 日志异步写入，请求前后各等一次队列写完
	e.flushJournal(t)
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)
	e.flushJournal(t)
	return w
}

func (e *apiEnv) flushJournal(t *testing.T) {
	t.Helper()
	if e.journal != nil {
		require.NoError(t, e.journal.Flush(context.Background()))
	}
}

type testResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorInfo      `json:"error"`
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) testResponse {
	t.Helper()
	var resp testResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "body: %s", w.Body.String())
	return resp
}

// decodeData 解码成功响应的 data 字段
func decodeData[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	resp := decodeResponse(t, w)
	require.True(t, resp.Success, "body: %s", w.Body.String())
	var v T
	require.NoError(t, json.Unmarshal(resp.Data, &v))
	return v
}

// errorCode 解码失败响应的错误码
func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	resp := decodeResponse(t, w)
	require.False(t, resp.Success, "body: %s", w.Body.String())
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}
