package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/BaSui01/procflow/types"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func errorCodeOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	assert.False(t, body.Success)
	return body.Error.Code
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(SecurityHeaders()(okHandler()), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "1; mode=block", w.Header().Get("X-XSS-Protection"))
	assert.Equal(t, "default-src 'self'", w.Header().Get("Content-Security-Policy"))
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	serve(Chain(okHandler(), mark("outer"), mark("middle"), mark("inner")), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "middle", "inner"}, order)
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = types.RequestID(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		w := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
		id := w.Header().Get(RequestIDHeader)
		assert.NotEmpty(t, id)
		assert.Equal(t, id, seen)
	})

	t.Run("propagated", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set(RequestIDHeader, "req-123")
		w := serve(h, r)
		assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
		assert.Equal(t, "req-123", seen)
	})
}

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), Recovery(zap.New(core)), RequestID())

	w := serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/processes", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, string(types.ErrInternalError), errorCodeOf(t, w))
	require.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), RequestID(), RequestLogger(zap.New(core)))

	r := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
	r.Header.Set(RequestIDHeader, "req-log")
	serve(h, r)

	entries := logs.FilterMessage("request").AllUntimed()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "POST", fields["method"])
	assert.Equal(t, int64(http.StatusTeapot), fields["status"])
	assert.Equal(t, "req-log", fields["request_id"])
}

type httpCall struct {
	method, path string
	status       int
	respSize     int64
}

type fakeHTTPMetrics struct {
	mu    sync.Mutex
	calls []httpCall
}

func (f *fakeHTTPMetrics) RecordHTTPRequest(method, path string, status int, _ time.Duration, _, responseSize int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, httpCall{method, path, status, responseSize})
}

func TestMetricsMiddleware(t *testing.T) {
	rec := &fakeHTTPMetrics{}
	h := MetricsMiddleware(rec, "/webhooks/")(okHandler())

	serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/processes/0b5c1d", nil))
	serve(h, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil))

	require.Len(t, rec.calls, 2)
	assert.Equal(t, httpCall{"GET", "/api/v1/processes/:id", http.StatusOK, 2}, rec.calls[0])
	assert.Equal(t, "/webhooks/:path", rec.calls[1].path)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/metrics", "/metrics"},
		{"/api/v1/processes", "/api/v1/processes"},
		{"/api/v1/processes/order-42", "/api/v1/processes/:id"},
		{"/api/v1/processes/order-42/events", "/api/v1/processes/:id/events"},
		{"/api/v1/definitions/ticket", "/api/v1/definitions/:id"},
		{"/api/v1/tasks/double/execute", "/api/v1/tasks/:id/execute"},
		{"/api/v1/services/payments/operations/charge", "/api/v1/services/:id/operations/:op"},
		{"/api/v1/services/payments/breaker/reset", "/api/v1/services/:id/breaker/reset"},
		{"/api/v1/events/stream", "/api/v1/events/stream"},
		{"/webhooks/payments", "/webhooks/:path"},
		{"/api/v1/unknown/x", "unmatched"},
		{"/favicon.ico", "unmatched"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.path, "/webhooks/"))
		})
	}
}

func TestOTelTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	var traceID string
	h := OTelTracing("/webhooks/")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID, _ = types.TraceID(r.Context())
		w.WriteHeader(http.StatusBadGateway)
	}))
	serve(h, httptest.NewRequest(http.MethodPost, "/api/v1/services/payments/operations/charge", nil))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /api/v1/services/:id/operations/:op", spans[0].Name())
	assert.Equal(t, spans[0].SpanContext().TraceID().String(), traceID)
	assert.Equal(t, "Error", spans[0].Status().Code.String())
}

func TestAPIKeyAuth(t *testing.T) {
	h := APIKeyAuth([]string{"secret-key"}, []string{"/health"}, []string{"/webhooks/"}, zap.NewNop())(okHandler())

	tests := []struct {
		name       string
		path       string
		key        string
		wantStatus int
	}{
		{"valid key", "/api/v1/processes", "secret-key", http.StatusOK},
		{"missing key", "/api/v1/processes", "", http.StatusUnauthorized},
		{"wrong key", "/api/v1/processes", "nope", http.StatusUnauthorized},
		{"public path", "/health", "", http.StatusOK},
		{"webhook prefix", "/webhooks/payments", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				r.Header.Set("X-API-Key", tt.key)
			}
			w := serve(h, r)
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Equal(t, string(types.ErrUnauthorized), errorCodeOf(t, w))
			}
		})
	}

	t.Run("disabled without keys", func(t *testing.T) {
		open := APIKeyAuth(nil, nil, nil, zap.NewNop())(okHandler())
		assert.Equal(t, http.StatusOK, serve(open, httptest.NewRequest(http.MethodGet, "/api/v1/processes", nil)).Code)
	})
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimiter(ctx, 1, 1, zap.NewNop())(okHandler())

	req := func(addr string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/processes", nil)
		r.RemoteAddr = addr
		return serve(h, r)
	}

	assert.Equal(t, http.StatusOK, req("10.0.0.1:1234").Code)
	w := req("10.0.0.1:5678")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, string(types.ErrRateLimited), errorCodeOf(t, w))
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// 按 IP 独立计数
	assert.Equal(t, http.StatusOK, req("10.0.0.2:1234").Code)

	t.Run("disabled", func(t *testing.T) {
		open := RateLimiter(ctx, 0, 0, zap.NewNop())(okHandler())
		for range 5 {
			assert.Equal(t, http.StatusOK, serve(open, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
		}
	})
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(okHandler())

	preflight := func(origin string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodOptions, "/api/v1/processes", nil)
		r.Header.Set("Origin", origin)
		r.Header.Set("Access-Control-Request-Method", http.MethodPost)
		return serve(h, r)
	}

	w := preflight("https://app.example.com")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = preflight("https://evil.example.com")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/processes", nil)
	r.Header.Set("Origin", "https://app.example.com")
	w = serve(h, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = serve(h, httptest.NewRequest(http.MethodGet, "/api/v1/processes", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
