package handlers

import (
	"io"
	"mime"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/procflow/api"
	"github.com/BaSui01/procflow/process"
	"github.com/BaSui01/procflow/runtime"
	"github.com/BaSui01/procflow/types"
)

// =============================================================================
// 🔁 流程实例与定义 Handler
// =============================================================================

// ProcessHandler 流程实例与定义的 HTTP 处理器
type ProcessHandler struct {
	rt     *runtime.Runtime
	funcs  *process.FuncRegistry
	logger *zap.Logger
}

// NewProcessHandler 创建处理器。funcs 用于解析上传定义中的具名 guard/action，可为 nil。
func NewProcessHandler(rt *runtime.Runtime, funcs *process.FuncRegistry, logger *zap.Logger) *ProcessHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessHandler{
		rt:     rt,
		funcs:  funcs,
		logger: logger.With(zap.String("handler", "process")),
	}
}

// HandleCreate POST /api/v1/processes
func (h *ProcessHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req api.CreateProcessRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.ProcessID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "process_id is required", h.logger)
		return
	}

	var opts []runtime.CreateOption
	if req.InitialState != "" {
		opts = append(opts, runtime.WithInitialState(req.InitialState))
	}
	if req.InstanceID != "" {
		opts = append(opts, runtime.WithInstanceID(req.InstanceID))
	}

	inst, err := h.rt.CreateProcess(r.Context(), req.ProcessID, req.Input, opts...)
	if err != nil {
		WriteAnyError(w, err, types.ErrInternalError, h.logger)
		return
	}
	WriteStatus(w, http.StatusCreated, inst)
}

// HandleList GET /api/v1/processes?process_id=
func (h *ProcessHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	instances := h.rt.ListProcesses(r.URL.Query().Get("process_id"))
	if instances == nil {
		instances = []*process.Instance{}
	}
	WriteSuccess(w, api.ProcessListResponse{Instances: instances, Total: len(instances)})
}

// HandleGet GET /api/v1/processes/{id}
func (h *ProcessHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	inst, err := h.rt.GetProcess(r.PathValue("id"))
	if err != nil {
		WriteAnyError(w, err, types.ErrInternalError, h.logger)
		return
	}
	WriteSuccess(w, inst)
}

// HandleRemove DELETE /api/v1/processes/{id}
func (h *ProcessHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	if err := h.rt.RemoveProcess(r.Context(), r.PathValue("id")); err != nil {
		WriteAnyError(w, err, types.ErrInternalError, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleTransition POST /api/v1/processes/{id}/events
// 没有匹配的转换时返回 200 与未变化的实例。
func (h *ProcessHandler) HandleTransition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req api.TransitionRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Event == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "event is required", h.logger)
		return
	}

	before, err := h.rt.GetProcess(id)
	if err != nil {
		WriteAnyError(w, err, types.ErrInternalError, h.logger)
		return
	}
	inst, err := h.rt.TransitionProcess(r.Context(), id, req.Event, req.Data)
	if err != nil {
		WriteAnyError(w, err, types.ErrInternalError, h.logger)
		return
	}
	WriteSuccess(w, api.TransitionResponse{
		Instance: inst,
		Changed:  inst.Version != before.Version,
	})
}

// HandleListDefinitions GET /api/v1/definitions
func (h *ProcessHandler) HandleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs := h.rt.ProcessDefinitions()
	docs := make([]process.Document, 0, len(defs))
	for _, def := range defs {
		docs = append(docs, process.ToDocument(def))
	}
	WriteSuccess(w, api.DefinitionListResponse{Definitions: docs, Total: len(docs)})
}

// HandleGetDefinition GET /api/v1/definitions/{id}
func (h *ProcessHandler) HandleGetDefinition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	def, ok := h.rt.ProcessDefinition(id)
	if !ok {
		WriteError(w, types.NewNotFoundError("process", id), h.logger)
		return
	}
	WriteSuccess(w, process.ToDocument(def))
}

// HandleRegisterDefinition POST /api/v1/definitions，请求体为 JSON 或 YAML 文档
func (h *ProcessHandler) HandleRegisterDefinition(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, DefaultMaxBodyBytes))
	if err != nil {
		WriteErrorMessage(w, http.StatusRequestEntityTooLarge, types.ErrInvalidRequest, "request body too large", h.logger)
		return
	}

	var doc process.Document
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		doc, err = process.ParseYAML(body)
	default:
		doc, err = process.ParseJSON(body)
	}
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid definition document").WithCause(err), h.logger)
		return
	}

	def, err := doc.Build(h.funcs)
	if err != nil {
		WriteAnyError(w, err, types.ErrValidation, h.logger)
		return
	}
	if err := h.rt.RegisterProcess(def); err != nil {
		WriteAnyError(w, err, types.ErrValidation, h.logger)
		return
	}

	h.logger.Info("process definition registered via API", zap.String("process_id", def.ID()))
	WriteStatus(w, http.StatusCreated, process.ToDocument(def))
}
