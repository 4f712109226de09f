package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/procflow/api"
	"github.com/BaSui01/procflow/eventbus"
	"github.com/BaSui01/procflow/integration"
	"github.com/BaSui01/procflow/internal/cache"
	"github.com/BaSui01/procflow/testutil"
	"github.com/BaSui01/procflow/testutil/fixtures"
	"github.com/BaSui01/procflow/testutil/mocks"
	"github.com/BaSui01/procflow/types"
)

// registerPaymentsWebhook 注册 payments 服务及其签名 webhook
func registerPaymentsWebhook(t *testing.T, env *apiEnv, handlers map[string]integration.WebhookHandler) {
	t.Helper()
	require.NoError(t, env.rt.RegisterService("payments", mocks.NewMockService(integration.ServiceTypeHTTP).Config()))
	_, err := env.rt.Integration().RegisterWebhookHandler("payments", integration.WebhookConfig{
		Path:     "payments",
		Secret:   fixtures.WebhookSecret,
		Handlers: handlers,
	})
	require.NoError(t, err)
}

func newDeduper(t *testing.T) (*miniredis.Miniredis, *cache.Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	m := cache.NewManagerFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() { _ = m.Close() })
	return mr, m
}

func TestWebhookHandler_SignedDelivery(t *testing.T) {
	env := newAPIEnv(t)
	registerPaymentsWebhook(t, env, nil)
	rec := testutil.RecordEventType(env.rt.Bus(), "service.payments.charge.succeeded")
	defer rec.Stop()

	body, sig := fixtures.SignedWebhook(fixtures.WebhookSecret, "evt_1", "charge.succeeded", map[string]any{"amount": 42})
	w := env.do(t, http.MethodPost, "/webhooks/payments", body, integration.SignatureHeader, sig)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	resp := decodeData[api.WebhookAccepted](t, w)
	assert.Equal(t, "service.payments.charge.succeeded", resp.EventType)
	assert.NotEmpty(t, resp.EventID)
	assert.False(t, resp.Duplicate)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "webhook:payments:evt_1", events[0].Source)
	assert.Equal(t, map[string]any{"amount": float64(42)}, events[0].Payload)
}

func TestWebhookHandler_BearerToken(t *testing.T) {
	env := newAPIEnv(t)
	registerPaymentsWebhook(t, env, nil)

	body := fixtures.WebhookBody("", "refund.created", nil)
	w := env.do(t, http.MethodPost, "/webhooks/payments/", body,
		"Authorization", "Bearer "+fixtures.BearerToken(fixtures.WebhookSecret, time.Minute))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "service.payments.refund.created", decodeData[api.WebhookAccepted](t, w).EventType)
}

func TestWebhookHandler_TypeFromHeader(t *testing.T) {
	env := newAPIEnv(t)
	registerPaymentsWebhook(t, env, nil)

	body, sig := fixtures.SignedWebhook(fixtures.WebhookSecret, "", "", map[string]any{"id": "ch_1"})
	w := env.do(t, http.MethodPost, "/webhooks/payments", body,
		integration.SignatureHeader, sig,
		EventTypeHeader, "charge.captured",
	)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "service.payments.charge.captured", decodeData[api.WebhookAccepted](t, w).EventType)
}

func TestWebhookHandler_Rejections(t *testing.T) {
	env := newAPIEnv(t, withWebhookOptions(WithMaxBodyBytes(256)))
	registerPaymentsWebhook(t, env, nil)

	valid, _ := fixtures.SignedWebhook(fixtures.WebhookSecret, "", "charge.succeeded", nil)
	untyped, untypedSig := fixtures.SignedWebhook(fixtures.WebhookSecret, "", "", nil)
	large, largeSig := fixtures.SignedWebhook(fixtures.WebhookSecret, "", "charge.succeeded", strings.Repeat("x", 512))

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		headers    []string
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{
			name:       "method not allowed",
			method:     http.MethodGet,
			path:       "/webhooks/payments",
			wantStatus: http.StatusMethodNotAllowed,
			wantCode:   types.ErrInvalidRequest,
		},
		{
			name:       "unknown path",
			method:     http.MethodPost,
			path:       "/webhooks/unknown",
			body:       valid,
			wantStatus: http.StatusNotFound,
			wantCode:   types.ErrNotFound,
		},
		{
			name:       "missing signature",
			method:     http.MethodPost,
			path:       "/webhooks/payments",
			body:       valid,
			wantStatus: http.StatusUnauthorized,
			wantCode:   types.ErrUnauthorized,
		},
		{
			name:       "bad signature",
			method:     http.MethodPost,
			path:       "/webhooks/payments",
			body:       valid,
			headers:    []string{integration.SignatureHeader, integration.Sign("wrong", valid)},
			wantStatus: http.StatusUnauthorized,
			wantCode:   types.ErrUnauthorized,
		},
		{
			name:       "token signed with another secret",
			method:     http.MethodPost,
			path:       "/webhooks/payments",
			body:       valid,
			headers:    []string{"Authorization", "Bearer " + fixtures.BearerToken("other", time.Minute)},
			wantStatus: http.StatusUnauthorized,
			wantCode:   types.ErrUnauthorized,
		},
		{
			name:       "missing event type",
			method:     http.MethodPost,
			path:       "/webhooks/payments",
			body:       untyped,
			headers:    []string{integration.SignatureHeader, untypedSig},
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrValidation,
		},
		{
			name:       "body too large",
			method:     http.MethodPost,
			path:       "/webhooks/payments",
			body:       large,
			headers:    []string{integration.SignatureHeader, largeSig},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   types.ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.body, tt.headers...)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, string(tt.wantCode), errorCode(t, w))
		})
	}

	t.Run("allow header", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/webhooks/payments", nil)
		assert.Equal(t, http.MethodPost, w.Header().Get("Allow"))
	})
}

func TestWebhookHandler_Dedup(t *testing.T) {
	mr, dedup := newDeduper(t)
	env := newAPIEnv(t, withWebhookOptions(WithDeduper(dedup, time.Hour)))
	registerPaymentsWebhook(t, env, nil)
	rec := testutil.RecordEventType(env.rt.Bus(), "service.payments.charge.succeeded")
	defer rec.Stop()

	body, sig := fixtures.SignedWebhook(fixtures.WebhookSecret, "evt_42", "charge.succeeded", nil)

	w := env.do(t, http.MethodPost, "/webhooks/payments", body, integration.SignatureHeader, sig)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.True(t, mr.Exists("procflow:dedup:payments:evt_42"))

	w = env.do(t, http.MethodPost, "/webhooks/payments", body, integration.SignatureHeader, sig)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeData[api.WebhookAccepted](t, w)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, "evt_42", resp.EventID)
	require.NotNil(t, resp.FirstSeenAt)

	assert.Len(t, rec.Events(), 1)

	// 过期后重新处理
	mr.FastForward(2 * time.Hour)
	w = env.do(t, http.MethodPost, "/webhooks/payments", body, integration.SignatureHeader, sig)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Len(t, rec.Events(), 2)
}

func TestWebhookHandler_DedupReleasedOnFailure(t *testing.T) {
	mr, dedup := newDeduper(t)
	env := newAPIEnv(t, withWebhookOptions(WithDeduper(dedup, time.Hour)))

	fail := true
	registerPaymentsWebhook(t, env, map[string]integration.WebhookHandler{
		"charge.succeeded": func(context.Context, eventbus.Event) error {
			if fail {
				return errors.New("ledger unavailable")
			}
			return nil
		},
	})

	body, sig := fixtures.SignedWebhook(fixtures.WebhookSecret, "evt_7", "charge.succeeded", nil)

	w := env.do(t, http.MethodPost, "/webhooks/payments", body, integration.SignatureHeader, sig)
	require.Equal(t, http.StatusInternalServerError, w.Code, w.Body.String())
	assert.False(t, mr.Exists("procflow:dedup:payments:evt_7"))

	// 发送方重试时正常处理
	fail = false
	w = env.do(t, http.MethodPost, "/webhooks/payments", body, integration.SignatureHeader, sig)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

func TestWebhookHandler_DedupUnavailable(t *testing.T) {
	mr, dedup := newDeduper(t)
	env := newAPIEnv(t, withWebhookOptions(WithDeduper(dedup, time.Hour)))
	registerPaymentsWebhook(t, env, nil)
	mr.Close()

	body, sig := fixtures.SignedWebhook(fixtures.WebhookSecret, "evt_9", "charge.succeeded", nil)
	w := env.do(t, http.MethodPost, "/webhooks/payments", body, integration.SignatureHeader, sig)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

func TestWebhookHandler_DrivesProcess(t *testing.T) {
	env := newAPIEnv(t)
	registerPaymentsWebhook(t, env, nil)
	_, err := env.rt.DefineProcess(fixtures.PaymentProcess())
	require.NoError(t, err)
	inst, err := env.rt.CreateProcess(context.Background(), "payment", nil)
	require.NoError(t, err)
	require.Equal(t, "awaiting", inst.State)

	body, sig := fixtures.SignedWebhook(fixtures.WebhookSecret, "evt_1", "charge.succeeded", map[string]any{"charge": "ch_1"})
	w := env.do(t, http.MethodPost, "/webhooks/payments", body, integration.SignatureHeader, sig)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	got, err := env.rt.GetProcess(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "paid", got.State)
	assert.Equal(t, "ch_1", got.Context["charge"])
}
