package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/procflow/api"
	"github.com/BaSui01/procflow/runtime"
	"github.com/BaSui01/procflow/types"
)

// ServiceHandler 外部服务操作与熔断器管理
type ServiceHandler struct {
	rt     *runtime.Runtime
	logger *zap.Logger
}

// NewServiceHandler 创建服务处理器
func NewServiceHandler(rt *runtime.Runtime, logger *zap.Logger) *ServiceHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServiceHandler{rt: rt, logger: logger.With(zap.String("handler", "services"))}
}

// HandleList GET /api/v1/services
func (h *ServiceHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, h.rt.Integration().Services())
}

// HandleOperation POST /api/v1/services/{id}/operations/{op}
func (h *ServiceHandler) HandleOperation(w http.ResponseWriter, r *http.Request) {
	serviceID := r.PathValue("id")
	operation := r.PathValue("op")

	var req api.OperationRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}

	start := time.Now()
	out, err := h.rt.ExecuteOperation(r.Context(), serviceID, operation, req.Input)
	if err != nil {
		WriteAnyError(w, err, types.ErrServiceOperation, h.logger)
		return
	}
	WriteSuccess(w, api.OperationResponse{
		Service:   serviceID,
		Operation: operation,
		Output:    out,
		Duration:  time.Since(start).String(),
	})
}

// HandleResetBreaker POST /api/v1/services/{id}/breaker/reset
func (h *ServiceHandler) HandleResetBreaker(w http.ResponseWriter, r *http.Request) {
	serviceID := r.PathValue("id")
	if err := h.rt.Integration().ResetBreaker(serviceID); err != nil {
		WriteAnyError(w, err, types.ErrInternalError, h.logger)
		return
	}
	h.logger.Info("circuit breaker reset via API", zap.String("service", serviceID))

	svc, _ := h.rt.Integration().GetService(serviceID)
	WriteSuccess(w, svc.Info())
}
