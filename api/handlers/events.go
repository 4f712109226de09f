package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/procflow/api"
	"github.com/BaSui01/procflow/eventbus"
	"github.com/BaSui01/procflow/journal"
	"github.com/BaSui01/procflow/runtime"
	"github.com/BaSui01/procflow/types"
)

// =============================================================================
// 📡 事件 Handler
// =============================================================================

// 单个 websocket 订阅者的缓冲，满时丢弃新事件
const streamBufferSize = 64

// EventHandler 事件发布、日志查询与实时推送
type EventHandler struct {
	rt     *runtime.Runtime
	store  journal.Store
	logger *zap.Logger
}

// NewEventHandler 创建事件处理器，store 为 nil 表示未启用事件日志
func NewEventHandler(rt *runtime.Runtime, store journal.Store, logger *zap.Logger) *EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHandler{
		rt:     rt,
		store:  store,
		logger: logger.With(zap.String("handler", "events")),
	}
}

// HandleEmit POST /api/v1/events
func (h *EventHandler) HandleEmit(w http.ResponseWriter, r *http.Request) {
	var req api.EmitEventRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Type == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "type is required", h.logger)
		return
	}

	source := req.Source
	if source == "" {
		source = "api"
	}
	evt := h.rt.Emit(r.Context(), eventbus.NewEvent(req.Type, req.Payload).WithSource(source))
	WriteStatus(w, http.StatusAccepted, evt)
}

// HandleList GET /api/v1/events?type=&since=&limit=
func (h *EventHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		WriteErrorMessage(w, http.StatusServiceUnavailable, types.ErrServiceUnavailable, "event journal is disabled", h.logger)
		return
	}

	q, apiErr := parseJournalQuery(r)
	if apiErr != nil {
		WriteError(w, apiErr, h.logger)
		return
	}

	records, err := h.store.List(r.Context(), q)
	if err != nil {
		WriteAnyError(w, err, types.ErrInternalError, h.logger)
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	WriteSuccess(w, api.EventListResponse{Events: records, Total: len(records)})
}

func parseJournalQuery(r *http.Request) (journal.Query, *types.Error) {
	values := r.URL.Query()
	q := journal.Query{Type: values.Get("type")}

	if s := values.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, types.NewError(types.ErrInvalidRequest, "since must be an RFC3339 timestamp").WithCause(err)
		}
		q.Since = since
	}
	if s := values.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			return q, types.NewError(types.ErrInvalidRequest, "limit must be a non-negative integer")
		}
		q.Limit = limit
	}
	return q, nil
}

// HandleStream GET /api/v1/events/stream?type=
// 升级为 websocket，按 JSON 文本帧推送总线事件。慢消费者的事件会被丢弃。
func (h *EventHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("type")
	if eventType == "" {
		eventType = eventbus.Wildcard
	}

	// 长连接不受服务端 WriteTimeout 约束
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept 已写出错误响应
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	events := make(chan eventbus.Event, streamBufferSize)
	sub := h.rt.Subscribe(eventType, func(_ context.Context, evt eventbus.Event) error {
		select {
		case events <- evt:
		default:
			h.logger.Warn("event stream buffer full, dropping event",
				zap.String("event_type", evt.Type),
				zap.String("event_id", evt.ID),
			)
		}
		return nil
	})
	defer sub.Unsubscribe()

	// 只写不读，CloseRead 负责处理控制帧并在客户端断开时取消 ctx
	ctx := conn.CloseRead(r.Context())
	h.logger.Debug("event stream opened", zap.String("event_type", eventType))

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("event stream closed", zap.String("event_type", eventType))
			return
		case evt := <-events:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancel()
			if err != nil {
				h.logger.Debug("event stream write failed", zap.Error(err))
				return
			}
		}
	}
}
