package integration

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/BaSui01/procflow/eventbus"
	"github.com/BaSui01/procflow/types"
)

// SignatureHeader HMAC 签名头，格式 sha256=<hex>
const SignatureHeader = "X-Signature-256"

// WebhookHandler 处理某一类型的入站事件。返回错误时事件不会被转发。
type WebhookHandler func(ctx context.Context, evt eventbus.Event) error

// WebhookConfig webhook 注册参数
type WebhookConfig struct {
	// Path 为空时使用服务 ID
	Path     string
	Secret   string
	Handlers map[string]WebhookHandler
}

// Webhook 已注册的 webhook
type Webhook struct {
	ServiceID string
	Path      string
	secret    string
	handlers  map[string]WebhookHandler
}

// InboundEvent 入站 webhook 事件
type InboundEvent struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// WebhookEventType 返回入站事件在总线上的类型 service.<id>.<type>
func WebhookEventType(serviceID, eventType string) string {
	return fmt.Sprintf("service.%s.%s", serviceID, eventType)
}

// RegisterWebhookHandler 为已注册的服务挂载 webhook
func (l *Layer) RegisterWebhookHandler(serviceID string, cfg WebhookConfig) (*Webhook, error) {
	path := strings.Trim(cfg.Path, "/")
	if path == "" {
		path = serviceID
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.services[serviceID]; !ok {
		return nil, serviceNotFound(serviceID)
	}
	if owner, taken := l.byPath[path]; taken && owner != serviceID {
		return nil, types.NewValidationError("webhook path %q is already used by service %q", path, owner)
	}
	if prev, ok := l.webhooks[serviceID]; ok {
		delete(l.byPath, prev.Path)
	}

	wh := &Webhook{
		ServiceID: serviceID,
		Path:      path,
		secret:    cfg.Secret,
		handlers:  maps.Clone(cfg.Handlers),
	}
	l.webhooks[serviceID] = wh
	l.byPath[path] = serviceID

	l.logger.Info("webhook registered",
		zap.String("service", serviceID),
		zap.String("path", path),
		zap.Bool("signed", cfg.Secret != ""),
	)
	return wh, nil
}

// WebhookByPath 按路径查找 webhook
func (l *Layer) WebhookByPath(path string) (*Webhook, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	serviceID, ok := l.byPath[strings.Trim(path, "/")]
	if !ok {
		return nil, false
	}
	wh, ok := l.webhooks[serviceID]
	return wh, ok
}

// ProcessWebhookEvent 调用对应类型的处理器，然后以 service.<id>.<type> 转发到事件总线。
// 没有对应处理器时直接转发。
func (l *Layer) ProcessWebhookEvent(ctx context.Context, serviceID string, in InboundEvent) (eventbus.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if in.Type == "" {
		return eventbus.Event{}, types.NewValidationError("webhook event type is required")
	}

	l.mu.RLock()
	wh, ok := l.webhooks[serviceID]
	l.mu.RUnlock()
	if !ok {
		return eventbus.Event{}, types.NewNotFoundError("webhook", serviceID).WithCause(ErrWebhookNotFound).WithHTTPStatus(404)
	}

	inbound := eventbus.Event{
		ID:      in.ID,
		Type:    in.Type,
		Payload: in.Payload,
		Source:  WebhookSource(serviceID, in.ID),
	}

	if handler, ok := wh.handlers[in.Type]; ok {
		if err := safeHandle(ctx, handler, inbound); err != nil {
			l.logger.Warn("webhook handler failed",
				zap.String("service", serviceID),
				zap.String("event_type", in.Type),
				zap.Error(err),
			)
			return eventbus.Event{}, err
		}
	}

	out := eventbus.Event{
		Type:    WebhookEventType(serviceID, in.Type),
		Payload: in.Payload,
		Source:  inbound.Source,
	}
	if l.bus != nil {
		out = l.bus.Emit(ctx, out)
	}
	return out, nil
}

// WebhookSource 转发事件的来源：webhook:<service>，带投递 ID 时为 webhook:<service>:<id>，
// 与去重键 <service>:<id> 对应
func WebhookSource(serviceID, deliveryID string) string {
	if deliveryID == "" {
		return "webhook:" + serviceID
	}
	return "webhook:" + serviceID + ":" + deliveryID
}

func safeHandle(ctx context.Context, handler WebhookHandler, evt eventbus.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.Errorf(types.ErrServiceOperation, "webhook handler for %q panicked: %v", evt.Type, r)
		}
	}()
	return handler(ctx, evt)
}

// =============================================================================
// 入站校验
// =============================================================================

// Signed reports whether the webhook requires verification.
func (w *Webhook) Signed() bool { return w.secret != "" }

// Verify 校验入站请求：X-Signature-256 HMAC 或 Bearer JWT（HS256，密钥为 webhook secret）任一通过即可。
// 未配置 secret 时不校验。
func (w *Webhook) Verify(body []byte, signature, authorization string) error {
	if w.secret == "" {
		return nil
	}
	if signature != "" {
		return VerifySignature(w.secret, body, signature)
	}
	if token, ok := strings.CutPrefix(authorization, "Bearer "); ok {
		return VerifyToken(w.secret, token)
	}
	return unauthorized("missing webhook signature")
}

// Sign 计算 body 的签名头取值
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature 校验 sha256=<hex> 形式的 HMAC-SHA256 签名
func VerifySignature(secret string, body []byte, signature string) error {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return unauthorized("unsupported signature format")
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return unauthorized("malformed signature")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return unauthorized("signature mismatch")
	}
	return nil
}

// VerifyToken 校验 HS256 签名的 JWT
func VerifyToken(secret, tokenStr string) error {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return unauthorized("invalid bearer token")
	}
	return nil
}

func unauthorized(msg string) error {
	return types.NewError(types.ErrUnauthorized, msg).WithCause(ErrInvalidSignature).WithHTTPStatus(401)
}
