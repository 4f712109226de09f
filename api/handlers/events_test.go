package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/procflow/api"
	"github.com/BaSui01/procflow/eventbus"
	"github.com/BaSui01/procflow/testutil"
	"github.com/BaSui01/procflow/types"
)

func TestEventHandler_EmitAndList(t *testing.T) {
	env := newAPIEnv(t)
	rec := testutil.RecordEventType(env.rt, "order.shipped")

	w := env.do(t, http.MethodPost, "/api/v1/events", api.EmitEventRequest{
		Type:    "order.shipped",
		Payload: map[string]any{"orderId": "o-1"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	evt := decodeData[eventbus.Event](t, w)
	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, "api", evt.Source)
	assert.False(t, evt.Timestamp.IsZero())
	require.Equal(t, 1, rec.Count("order.shipped"))

	env.do(t, http.MethodPost, "/api/v1/events", api.EmitEventRequest{Type: "order.paid", Source: "billing"})

	w = env.do(t, http.MethodGet, "/api/v1/events?type=order.shipped", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeData[api.EventListResponse](t, w)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, evt.ID, list.Events[0].ID)
	assert.JSONEq(t, `{"orderId":"o-1"}`, string(list.Events[0].Payload))

	w = env.do(t, http.MethodGet, "/api/v1/events?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list = decodeData[api.EventListResponse](t, w)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "order.paid", list.Events[0].Type)
}

func TestEventHandler_EmitValidation(t *testing.T) {
	env := newAPIEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/events", api.EmitEventRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(types.ErrInvalidRequest), errorCode(t, w))
}

func TestEventHandler_ListQueryErrors(t *testing.T) {
	env := newAPIEnv(t)

	for _, q := range []string{"since=yesterday", "limit=-1", "limit=abc"} {
		t.Run(q, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/v1/events?"+q, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestEventHandler_ListSince(t *testing.T) {
	env := newAPIEnv(t)
	env.rt.EmitEvent(context.Background(), "tick", nil)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	w := env.do(t, http.MethodGet, "/api/v1/events?since="+future, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeData[api.EventListResponse](t, w)
	assert.Equal(t, 0, list.Total)
	assert.NotNil(t, list.Events)
}

func TestEventHandler_JournalDisabled(t *testing.T) {
	env := newAPIEnv(t, withoutJournal())

	w := env.do(t, http.MethodGet, "/api/v1/events", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, string(types.ErrServiceUnavailable), errorCode(t, w))
}

func TestEventHandler_Stream(t *testing.T) {
	env := newAPIEnv(t)
	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/stream?type=order.shipped"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// 订阅在握手完成后注册
	require.Eventually(t, func() bool {
		return env.rt.Bus().SubscriberCount("order.shipped") > 0
	}, 2*time.Second, 10*time.Millisecond)

	env.rt.EmitEvent(ctx, "order.ignored", nil)
	sent := env.rt.EmitEvent(ctx, "order.shipped", map[string]any{"orderId": "o-9"})

	var got eventbus.Event
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "order.shipped", got.Type)
	payload, ok := got.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "o-9", payload["orderId"])

	// 客户端断开后取消订阅
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	assert.Eventually(t, func() bool {
		return env.rt.Bus().SubscriberCount("order.shipped") == 0
	}, 2*time.Second, 10*time.Millisecond)
}
