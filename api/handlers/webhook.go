package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/procflow/api"
	"github.com/BaSui01/procflow/integration"
	"github.com/BaSui01/procflow/types"
)

// =============================================================================
// 🪝 Webhook Handler
// =============================================================================

// EventTypeHeader 请求体未携带 type 时使用的事件类型头
const EventTypeHeader = "X-Event-Type"

// Deduper 记录已处理的投递 ID。cache.Manager 满足该接口。
type Deduper interface {
	// Claim 首次出现时返回 first=true；重复时返回首次写入的 value
	Claim(ctx context.Context, key, value string, ttl time.Duration) (prev string, first bool, err error)
	Release(ctx context.Context, key string) error
}

// WebhookHandler 接收外部服务回调，转发到事件总线
type WebhookHandler struct {
	layer    *integration.Layer
	prefix   string
	dedup    Deduper
	dedupTTL time.Duration
	maxBody  int64
	now      func() time.Time
	logger   *zap.Logger
}

// WebhookOption 配置 WebhookHandler
type WebhookOption func(*WebhookHandler)

// WithDeduper 启用按事件 ID 去重，ttl <= 0 时不去重
func WithDeduper(d Deduper, ttl time.Duration) WebhookOption {
	return func(h *WebhookHandler) {
		h.dedup = d
		h.dedupTTL = ttl
	}
}

// WithMaxBodyBytes 覆盖请求体上限
func WithMaxBodyBytes(n int64) WebhookOption {
	return func(h *WebhookHandler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// NewWebhookHandler 创建处理器，prefix 为挂载路径（如 /webhooks/）
func NewWebhookHandler(layer *integration.Layer, prefix string, logger *zap.Logger, opts ...WebhookOption) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &WebhookHandler{
		layer:   layer,
		prefix:  prefix,
		maxBody: DefaultMaxBodyBytes,
		now:     time.Now,
		logger:  logger.With(zap.String("handler", "webhook")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP 处理 POST {prefix}{path}
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		WriteErrorMessage(w, http.StatusMethodNotAllowed, types.ErrInvalidRequest, "method not allowed", h.logger)
		return
	}

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, h.prefix), "/")
	wh, ok := h.layer.WebhookByPath(path)
	if !ok {
		WriteError(w, types.NewNotFoundError("webhook", path), h.logger)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteErrorMessage(w, http.StatusRequestEntityTooLarge, types.ErrInvalidRequest, "request body too large", h.logger)
			return
		}
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "failed to read request body", h.logger)
		return
	}

	if err := wh.Verify(body, r.Header.Get(integration.SignatureHeader), r.Header.Get("Authorization")); err != nil {
		h.logger.Warn("webhook verification failed",
			zap.String("service", wh.ServiceID),
			zap.String("remote_addr", r.RemoteAddr),
		)
		WriteAnyError(w, err, types.ErrUnauthorized, h.logger)
		return
	}

	var in integration.InboundEvent
	if err := json.Unmarshal(body, &in); err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid JSON body").WithCause(err), h.logger)
		return
	}
	if in.Type == "" {
		in.Type = r.Header.Get(EventTypeHeader)
	}

	ctx := r.Context()
	dedupKey := ""
	if in.ID != "" && h.dedup != nil && h.dedupTTL > 0 {
		dedupKey = wh.ServiceID + ":" + in.ID
		prev, first, err := h.dedup.Claim(ctx, dedupKey, h.now().UTC().Format(time.RFC3339), h.dedupTTL)
		if err != nil {
			// 去重存储不可用时照常处理，宁可重复也不丢事件
			h.logger.Warn("webhook dedup unavailable", zap.String("service", wh.ServiceID), zap.Error(err))
			dedupKey = ""
		} else if !first {
			h.logger.Info("duplicate webhook delivery ignored",
				zap.String("service", wh.ServiceID),
				zap.String("event_id", in.ID),
			)
			resp := api.WebhookAccepted{EventID: in.ID, EventType: in.Type, Duplicate: true}
			if seen, err := time.Parse(time.RFC3339, prev); err == nil {
				resp.FirstSeenAt = &seen
			}
			WriteSuccess(w, resp)
			return
		}
	}

	evt, err := h.layer.ProcessWebhookEvent(ctx, wh.ServiceID, in)
	if err != nil {
		if dedupKey != "" {
			// 处理失败允许发送方重试
			if relErr := h.dedup.Release(context.WithoutCancel(ctx), dedupKey); relErr != nil {
				h.logger.Warn("failed to release webhook dedup key", zap.String("key", dedupKey), zap.Error(relErr))
			}
		}
		WriteAnyError(w, err, types.ErrInternalError, h.logger)
		return
	}

	WriteStatus(w, http.StatusAccepted, api.WebhookAccepted{
		EventID:   evt.ID,
		EventType: evt.Type,
	})
}
