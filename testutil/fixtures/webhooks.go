package fixtures

import (
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BaSui01/procflow/integration"
)

// WebhookSecret 测试用 webhook 密钥
const WebhookSecret = "whsec_test"

// WebhookBody 编码入站事件
func WebhookBody(id, eventType string, payload any) []byte {
	data, err := json.Marshal(integration.InboundEvent{ID: id, Type: eventType, Payload: payload})
	if err != nil {
		panic(err)
	}
	return data
}

// SignedWebhook 返回请求体及其 X-Signature-256 取值
func SignedWebhook(secret, id, eventType string, payload any) ([]byte, string) {
	body := WebhookBody(id, eventType, payload)
	return body, integration.Sign(secret, body)
}

// BearerToken 用 secret 签发 HS256 JWT
func BearerToken(secret string, ttl time.Duration) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "webhook-test",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	return signed
}
