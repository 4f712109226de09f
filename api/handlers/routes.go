package handlers

import (
	"net/http"
	"strings"
)

// Routes 组合挂载到同一 ServeMux 的处理器，nil 字段对应的路由不注册
type Routes struct {
	Health   *HealthHandler
	Process  *ProcessHandler
	Events   *EventHandler
	Tasks    *TaskHandler
	Services *ServiceHandler
	Webhooks *WebhookHandler

	// WebhookPrefix 默认 /webhooks/
	WebhookPrefix string

	Version   string
	BuildTime string
	GitCommit string
}

// PublicPaths 无需 API Key 的路径
var PublicPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version"}

// Register 将路由注册到 mux
func (rt Routes) Register(mux *http.ServeMux) {
	if h := rt.Health; h != nil {
		mux.HandleFunc("GET /health", h.HandleHealth)
		mux.HandleFunc("GET /healthz", h.HandleHealth)
		mux.HandleFunc("GET /ready", h.HandleReady)
		mux.HandleFunc("GET /readyz", h.HandleReady)
		mux.HandleFunc("GET /version", h.HandleVersion(rt.Version, rt.BuildTime, rt.GitCommit))
	}

	if h := rt.Process; h != nil {
		mux.HandleFunc("POST /api/v1/processes", h.HandleCreate)
		mux.HandleFunc("GET /api/v1/processes", h.HandleList)
		mux.HandleFunc("GET /api/v1/processes/{id}", h.HandleGet)
		mux.HandleFunc("DELETE /api/v1/processes/{id}", h.HandleRemove)
		mux.HandleFunc("POST /api/v1/processes/{id}/events", h.HandleTransition)

		mux.HandleFunc("GET /api/v1/definitions", h.HandleListDefinitions)
		mux.HandleFunc("POST /api/v1/definitions", h.HandleRegisterDefinition)
		mux.HandleFunc("GET /api/v1/definitions/{id}", h.HandleGetDefinition)
	}

	if h := rt.Events; h != nil {
		mux.HandleFunc("POST /api/v1/events", h.HandleEmit)
		mux.HandleFunc("GET /api/v1/events", h.HandleList)
		mux.HandleFunc("GET /api/v1/events/stream", h.HandleStream)
	}

	if h := rt.Tasks; h != nil {
		mux.HandleFunc("GET /api/v1/tasks", h.HandleList)
		mux.HandleFunc("POST /api/v1/tasks/{id}/execute", h.HandleExecute)
	}

	if h := rt.Services; h != nil {
		mux.HandleFunc("GET /api/v1/services", h.HandleList)
		mux.HandleFunc("POST /api/v1/services/{id}/operations/{op}", h.HandleOperation)
		mux.HandleFunc("POST /api/v1/services/{id}/breaker/reset", h.HandleResetBreaker)
	}

	if h := rt.Webhooks; h != nil {
		mux.Handle(WebhookPattern(rt.WebhookPrefix), h)
	}
}

// WebhookPattern 规范化 webhook 前缀为以 / 结尾的子树模式
func WebhookPattern(prefix string) string {
	if prefix == "" {
		prefix = "/webhooks/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}
