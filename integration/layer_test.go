package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/procflow/circuitbreaker"
	"github.com/BaSui01/procflow/eventbus"
	"github.com/BaSui01/procflow/retry"
	"github.com/BaSui01/procflow/types"
)

type recordedOp struct {
	service, operation, status string
}

type fakeMetrics struct {
	mu     sync.Mutex
	ops    []recordedOp
	states map[string]circuitbreaker.State
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{states: make(map[string]circuitbreaker.State)}
}

func (m *fakeMetrics) RecordServiceOperation(serviceID, operation, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, recordedOp{serviceID, operation, status})
}

func (m *fakeMetrics) RecordCircuitState(serviceID string, state circuitbreaker.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[serviceID] = state
}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestLayer(t *testing.T) (*Layer, *eventbus.Bus, *fakeMetrics, *testClock) {
	t.Helper()
	bus := eventbus.New(zap.NewNop())
	metrics := newFakeMetrics()
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts := DefaultOptions()
	opts.Metrics = metrics
	opts.Clock = clock.Now
	opts.Sleeper = noSleep
	return NewLayer(bus, zap.NewNop(), opts), bus, metrics, clock
}

func collect(bus *eventbus.Bus, eventType string) *[]eventbus.Event {
	var events []eventbus.Event
	bus.Subscribe(eventType, func(_ context.Context, evt eventbus.Event) error {
		events = append(events, evt)
		return nil
	})
	return &events
}

func TestRegisterService(t *testing.T) {
	layer, _, metrics, _ := newTestLayer(t)

	svc, err := layer.RegisterService("payments", ServiceConfig{
		Type:     ServiceTypeHTTP,
		Provider: "stripe",
		Operations: map[string]Operation{
			"charge": func(context.Context, any) (any, error) { return nil, nil },
			"refund": func(context.Context, any) (any, error) { return nil, nil },
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"charge", "refund"}, svc.Operations())
	assert.NotNil(t, svc.Breaker())
	assert.Equal(t, retry.DefaultPolicy().MaxAttempts, svc.RetryPolicy().MaxAttempts)
	assert.Equal(t, circuitbreaker.StateClosed, metrics.states["payments"])

	_, err = layer.RegisterService("payments", ServiceConfig{})
	assert.True(t, types.IsCode(err, types.ErrValidation))

	_, err = layer.RegisterService("", ServiceConfig{})
	assert.True(t, types.IsCode(err, types.ErrValidation))

	_, err = layer.RegisterService("bad", ServiceConfig{Operations: map[string]Operation{"x": nil}})
	assert.True(t, types.IsCode(err, types.ErrValidation))

	bare, err := layer.RegisterService("scheduler", ServiceConfig{
		Type:                  ServiceTypeScheduler,
		DisableCircuitBreaker: true,
	})
	require.NoError(t, err)
	assert.Nil(t, bare.Breaker())
	assert.Equal(t, map[string]circuitbreaker.State{"payments": circuitbreaker.StateClosed}, layer.BreakerStates())

	infos := layer.Services()
	require.Len(t, infos, 2)
	assert.Equal(t, "payments", infos[0].ID)
	assert.NotNil(t, infos[0].Breaker)
	assert.Nil(t, infos[1].Breaker)
}

func TestExecuteOperation_NotFound(t *testing.T) {
	layer, _, _, _ := newTestLayer(t)
	_, err := layer.RegisterService("payments", ServiceConfig{Operations: map[string]Operation{
		"charge": func(context.Context, any) (any, error) { return "ok", nil },
	}})
	require.NoError(t, err)

	_, err = layer.ExecuteOperation(context.Background(), "missing", "charge", nil)
	assert.ErrorIs(t, err, ErrServiceNotFound)
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	_, err = layer.ExecuteOperation(context.Background(), "payments", "missing", nil)
	assert.ErrorIs(t, err, ErrOperationNotFound)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestExecuteOperation_RetriesThenSucceeds(t *testing.T) {
	layer, bus, metrics, _ := newTestLayer(t)
	errorEvents := collect(bus, ErrorEventType("payments"))

	calls := 0
	_, err := layer.RegisterService("payments", ServiceConfig{
		RetryPolicy: &retry.Policy{MaxAttempts: 3, Backoff: retry.BackoffFixed, InitialDelay: time.Millisecond},
		Operations: map[string]Operation{
			"charge": func(_ context.Context, input any) (any, error) {
				calls++
				if calls < 3 {
					return nil, errors.New("transient")
				}
				return input, nil
			},
		},
	})
	require.NoError(t, err)

	out, err := layer.ExecuteOperation(context.Background(), "payments", "charge", 42)
	require.NoError(t, err)
	assert.Equal(t, 42, out)
	assert.Equal(t, 3, calls)
	assert.Empty(t, *errorEvents)
	assert.Equal(t, []recordedOp{{"payments", "charge", "success"}}, metrics.ops)
}

func TestExecuteOperation_FinalFailureEmitsErrorEvent(t *testing.T) {
	layer, bus, _, _ := newTestLayer(t)
	errorEvents := collect(bus, ErrorEventType("payments"))

	var last error
	_, err := layer.RegisterService("payments", ServiceConfig{
		RetryPolicy: &retry.Policy{MaxAttempts: 2},
		Operations: map[string]Operation{
			"charge": func(context.Context, any) (any, error) {
				last = errors.New("declined")
				return nil, last
			},
		},
	})
	require.NoError(t, err)

	_, err = layer.ExecuteOperation(context.Background(), "payments", "charge", map[string]any{"amount": 10})
	assert.Same(t, last, err)

	require.Len(t, *errorEvents, 1)
	payload := (*errorEvents)[0].Payload.(map[string]any)
	assert.Equal(t, "charge", payload["operationName"])
	assert.Equal(t, map[string]any{"amount": 10}, payload["input"])
	assert.Same(t, last, payload["error"])
}

func TestExecuteOperation_OpenCircuitSkipsRetries(t *testing.T) {
	layer, bus, metrics, clock := newTestLayer(t)
	errorEvents := collect(bus, ErrorEventType("payments"))

	calls := 0
	_, err := layer.RegisterService("payments", ServiceConfig{
		RetryPolicy:    &retry.Policy{MaxAttempts: 3},
		CircuitBreaker: &circuitbreaker.Config{FailureThreshold: 2, ResetTimeout: time.Second, SuccessThreshold: 1},
		Operations: map[string]Operation{
			"charge": func(context.Context, any) (any, error) {
				calls++
				return nil, errors.New("down")
			},
		},
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := layer.ExecuteOperation(context.Background(), "payments", "charge", nil)
		require.Error(t, err)
	}
	assert.Equal(t, 6, calls)
	assert.Equal(t, circuitbreaker.StateOpen, layer.BreakerStates()["payments"])
	assert.Equal(t, circuitbreaker.StateOpen, metrics.states["payments"])

	_, err = layer.ExecuteOperation(context.Background(), "payments", "charge", nil)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 6, calls)
	assert.Len(t, *errorEvents, 3)
	assert.Equal(t, "rejected", metrics.ops[len(metrics.ops)-1].status)

	clock.now = clock.now.Add(time.Second)
	require.NoError(t, layer.ResetBreaker("payments"))
	assert.Equal(t, circuitbreaker.StateClosed, layer.BreakerStates()["payments"])
	assert.True(t, types.IsCode(layer.ResetBreaker("missing"), types.ErrNotFound))
}

func TestExecuteOperation_PanicBecomesServiceOperationError(t *testing.T) {
	layer, _, _, _ := newTestLayer(t)
	_, err := layer.RegisterService("svc", ServiceConfig{
		RetryPolicy: &retry.Policy{MaxAttempts: 1},
		Operations: map[string]Operation{
			"boom": func(context.Context, any) (any, error) { panic("kaboom") },
		},
	})
	require.NoError(t, err)

	_, err = layer.ExecuteOperation(context.Background(), "svc", "boom", nil)
	assert.True(t, types.IsCode(err, types.ErrServiceOperation))
}

// =============================================================================
// Webhooks
// =============================================================================

func TestWebhook_RegisterAndProcess(t *testing.T) {
	layer, bus, _, _ := newTestLayer(t)
	forwarded := collect(bus, WebhookEventType("saga", "step.completed"))

	_, err := layer.RegisterWebhookHandler("saga", WebhookConfig{})
	assert.ErrorIs(t, err, ErrServiceNotFound)

	_, err = layer.RegisterService("saga", ServiceConfig{Type: ServiceTypeSaga})
	require.NoError(t, err)

	var handled []eventbus.Event
	wh, err := layer.RegisterWebhookHandler("saga", WebhookConfig{
		Path: "/hooks/saga/",
		Handlers: map[string]WebhookHandler{
			"step.completed": func(_ context.Context, evt eventbus.Event) error {
				handled = append(handled, evt)
				return nil
			},
			"step.failed": func(context.Context, eventbus.Event) error {
				return errors.New("rejected")
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "hooks/saga", wh.Path)

	found, ok := layer.WebhookByPath("/hooks/saga")
	require.True(t, ok)
	assert.Equal(t, "saga", found.ServiceID)

	out, err := layer.ProcessWebhookEvent(context.Background(), "saga", InboundEvent{
		Type:    "step.completed",
		Payload: map[string]any{"step": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "service.saga.step.completed", out.Type)
	require.Len(t, handled, 1)
	require.Len(t, *forwarded, 1)
	assert.Equal(t, map[string]any{"step": 1}, (*forwarded)[0].Payload)
	assert.Equal(t, "webhook:saga", (*forwarded)[0].Source)

	// 投递 ID 保留在来源中
	_, err = layer.ProcessWebhookEvent(context.Background(), "saga", InboundEvent{ID: "dlv_9", Type: "step.completed"})
	require.NoError(t, err)
	require.Len(t, handled, 2)
	assert.Equal(t, "dlv_9", handled[1].ID)
	require.Len(t, *forwarded, 2)
	assert.Equal(t, "webhook:saga:dlv_9", (*forwarded)[1].Source)
	assert.NotEqual(t, "dlv_9", (*forwarded)[1].ID)

	_, err = layer.ProcessWebhookEvent(context.Background(), "saga", InboundEvent{Type: "step.failed"})
	assert.EqualError(t, err, "rejected")

	// 没有处理器的类型直接转发
	unhandled := collect(bus, WebhookEventType("saga", "noop"))
	_, err = layer.ProcessWebhookEvent(context.Background(), "saga", InboundEvent{Type: "noop"})
	require.NoError(t, err)
	assert.Len(t, *unhandled, 1)

	_, err = layer.ProcessWebhookEvent(context.Background(), "other", InboundEvent{Type: "x"})
	assert.ErrorIs(t, err, ErrWebhookNotFound)
	_, err = layer.ProcessWebhookEvent(context.Background(), "saga", InboundEvent{})
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestLayer_NilContext(t *testing.T) {
	layer, _, _, _ := newTestLayer(t)
	_, err := layer.RegisterService("saga", ServiceConfig{
		Type: ServiceTypeSaga,
		Operations: map[string]Operation{
			"step": func(ctx context.Context, _ any) (any, error) { return "ok", ctx.Err() },
		},
	})
	require.NoError(t, err)
	_, err = layer.RegisterWebhookHandler("saga", WebhookConfig{})
	require.NoError(t, err)

	var nilCtx context.Context
	out, err := layer.ExecuteOperation(nilCtx, "saga", "step", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	evt, err := layer.ProcessWebhookEvent(nilCtx, "saga", InboundEvent{Type: "step.completed"})
	require.NoError(t, err)
	assert.Equal(t, "service.saga.step.completed", evt.Type)
}

func TestWebhook_PathConflict(t *testing.T) {
	layer, _, _, _ := newTestLayer(t)
	for _, id := range []string{"a", "b"} {
		_, err := layer.RegisterService(id, ServiceConfig{})
		require.NoError(t, err)
	}
	_, err := layer.RegisterWebhookHandler("a", WebhookConfig{Path: "shared"})
	require.NoError(t, err)
	_, err = layer.RegisterWebhookHandler("b", WebhookConfig{Path: "shared"})
	assert.True(t, types.IsCode(err, types.ErrValidation))

	wh, err := layer.RegisterWebhookHandler("b", WebhookConfig{})
	require.NoError(t, err)
	assert.Equal(t, "b", wh.Path)
}

func TestWebhook_Verify(t *testing.T) {
	wh := &Webhook{ServiceID: "svc", Path: "svc", secret: "s3cret"}
	body := []byte(`{"type":"ping"}`)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "svc"}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	wrongToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "svc"}).SignedString([]byte("other"))
	require.NoError(t, err)

	tests := []struct {
		name      string
		signature string
		auth      string
		wantErr   bool
	}{
		{"valid signature", Sign("s3cret", body), "", false},
		{"wrong secret", Sign("other", body), "", true},
		{"bad prefix", "md5=abc", "", true},
		{"bad hex", "sha256=zz", "", true},
		{"valid bearer", "", "Bearer " + token, false},
		{"wrong bearer", "", "Bearer " + wrongToken, true},
		{"missing", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wh.Verify(body, tt.signature, tt.auth)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidSignature)
				assert.True(t, types.IsCode(err, types.ErrUnauthorized))
				return
			}
			assert.NoError(t, err)
		})
	}

	open := &Webhook{ServiceID: "svc"}
	assert.False(t, open.Signed())
	assert.NoError(t, open.Verify(body, "", ""))
}
