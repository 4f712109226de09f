package handlers

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/procflow/api"
	"github.com/BaSui01/procflow/circuitbreaker"
	"github.com/BaSui01/procflow/integration"
	"github.com/BaSui01/procflow/testutil/mocks"
	"github.com/BaSui01/procflow/types"
)

func registerPayments(t *testing.T, env *apiEnv, svc *mocks.MockService) {
	t.Helper()
	cfg := svc.Config()
	cfg.CircuitBreaker = &circuitbreaker.Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 1,
	}
	require.NoError(t, env.rt.RegisterService("payments", cfg))
}

func TestServiceHandler_Operation(t *testing.T) {
	env := newAPIEnv(t)
	svc := mocks.NewMockService(integration.ServiceTypeHTTP).
		WithFailFirst("charge", 2, errors.New("503 from upstream")).
		WithResult("charge", map[string]any{"status": "ok"})
	registerPayments(t, env, svc)

	w := env.do(t, http.MethodPost, "/api/v1/services/payments/operations/charge", api.OperationRequest{
		Input: map[string]any{"amount": 10},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeData[api.OperationResponse](t, w)
	assert.Equal(t, "payments", resp.Service)
	assert.Equal(t, "charge", resp.Operation)
	assert.Equal(t, map[string]any{"status": "ok"}, resp.Output)

	// 默认策略 3 次尝试，前 2 次失败
	assert.Equal(t, 3, svc.CallCount("charge"))
}

func TestServiceHandler_OperationWithoutBody(t *testing.T) {
	env := newAPIEnv(t)
	svc := mocks.NewMockService("").WithResult("ping", "pong")
	registerPayments(t, env, svc)

	w := env.do(t, http.MethodPost, "/api/v1/services/payments/operations/ping", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "pong", decodeData[api.OperationResponse](t, w).Output)
}

func TestServiceHandler_OperationErrors(t *testing.T) {
	env := newAPIEnv(t)
	svc := mocks.NewMockService(integration.ServiceTypeHTTP).
		WithError("refund", errors.New("card declined")).
		WithPanic("explode", "bad state")
	cfg := svc.Config()
	cfg.DisableCircuitBreaker = true
	require.NoError(t, env.rt.RegisterService("payments", cfg))

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{"unknown service", "/api/v1/services/nope/operations/refund", http.StatusNotFound, types.ErrNotFound},
		{"unknown operation", "/api/v1/services/payments/operations/nope", http.StatusNotFound, types.ErrNotFound},
		{"returned error", "/api/v1/services/payments/operations/refund", http.StatusBadGateway, types.ErrServiceOperation},
		{"panic", "/api/v1/services/payments/operations/explode", http.StatusBadGateway, types.ErrServiceOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, tt.path, nil)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, string(tt.wantCode), errorCode(t, w))
		})
	}
}

func TestServiceHandler_CircuitOpenAndReset(t *testing.T) {
	env := newAPIEnv(t)
	svc := mocks.NewMockService(integration.ServiceTypeHTTP).
		WithError("charge", errors.New("connection refused"))
	registerPayments(t, env, svc)

	w := env.do(t, http.MethodPost, "/api/v1/services/payments/operations/charge", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
	calls := svc.CallCount("charge")

	// 熔断器已打开，不再调用实现
	w = env.do(t, http.MethodPost, "/api/v1/services/payments/operations/charge", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, string(types.ErrCircuitOpen), errorCode(t, w))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, calls, svc.CallCount("charge"))

	w = env.do(t, http.MethodGet, "/api/v1/services", nil)
	require.Equal(t, http.StatusOK, w.Code)
	infos := decodeData[[]integration.Info](t, w)
	require.Len(t, infos, 1)
	require.NotNil(t, infos[0].Breaker)
	assert.Equal(t, circuitbreaker.StateOpen, infos[0].Breaker.State)

	w = env.do(t, http.MethodPost, "/api/v1/services/payments/breaker/reset", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	info := decodeData[integration.Info](t, w)
	assert.Equal(t, circuitbreaker.StateClosed, info.Breaker.State)
	assert.Equal(t, circuitbreaker.StateClosed, env.rt.Integration().BreakerStates()["payments"])

	w = env.do(t, http.MethodPost, "/api/v1/services/nope/breaker/reset", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
