package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/procflow/api"
	"github.com/BaSui01/procflow/runtime"
	"github.com/BaSui01/procflow/types"
)

// TaskHandler 任务查询与执行
type TaskHandler struct {
	rt     *runtime.Runtime
	logger *zap.Logger
}

// NewTaskHandler 创建任务处理器
func NewTaskHandler(rt *runtime.Runtime, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{rt: rt, logger: logger.With(zap.String("handler", "tasks"))}
}

// HandleList GET /api/v1/tasks
func (h *TaskHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	defs := h.rt.Tasks()
	infos := make([]api.TaskInfo, 0, len(defs))
	for _, def := range defs {
		info := api.TaskInfo{ID: def.ID, Name: def.Name, Description: def.Description}
		if def.Options.Timeout > 0 {
			info.Timeout = def.Options.Timeout.String()
		}
		infos = append(infos, info)
	}
	WriteSuccess(w, infos)
}

// HandleExecute POST /api/v1/tasks/{id}/execute
// 任务实现返回的普通错误按 TASK_EXECUTION 报告。
func (h *TaskHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	var req api.ExecuteTaskRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	var opts []runtime.ExecuteOption
	if req.InstanceID != "" {
		opts = append(opts, runtime.ForInstance(req.InstanceID))
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "timeout must be a positive duration", h.logger)
			return
		}
		opts = append(opts, runtime.WithTimeout(d))
	}

	start := time.Now()
	out, err := h.rt.ExecuteTask(r.Context(), taskID, req.Input, opts...)
	if err != nil {
		WriteAnyError(w, err, types.ErrTaskExecution, h.logger)
		return
	}
	WriteSuccess(w, api.ExecuteTaskResponse{
		TaskID:   taskID,
		Output:   out,
		Duration: time.Since(start).String(),
	})
}
