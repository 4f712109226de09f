package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/procflow/api"
	"github.com/BaSui01/procflow/runtime"
	"github.com/BaSui01/procflow/task"
	"github.com/BaSui01/procflow/testutil"
	"github.com/BaSui01/procflow/testutil/mocks"
	"github.com/BaSui01/procflow/types"
)

func TestTaskHandler_List(t *testing.T) {
	env := newAPIEnv(t)
	def := mocks.NewMockTask("send-email").Definition()
	def.Description = "sends a receipt"
	def.Options.Timeout = 3 * time.Second
	require.NoError(t, env.rt.RegisterTask(def))

	w := env.do(t, http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	infos := decodeData[[]api.TaskInfo](t, w)
	require.Len(t, infos, 1)
	assert.Equal(t, "send-email", infos[0].ID)
	assert.Equal(t, "sends a receipt", infos[0].Description)
	assert.Equal(t, "3s", infos[0].Timeout)
}

func TestTaskHandler_Execute(t *testing.T) {
	env := newAPIEnv(t)
	mock := mocks.NewMockTask("double").WithFunc(func(_ context.Context, input any, _ *task.Context) (any, error) {
		n, _ := input.(float64)
		return n * 2, nil
	})
	require.NoError(t, env.rt.RegisterTask(mock.Definition()))
	rec := testutil.RecordEvents(env.rt)

	w := env.do(t, http.MethodPost, "/api/v1/tasks/double/execute", api.ExecuteTaskRequest{
		Input:      21,
		InstanceID: "order-7",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeData[api.ExecuteTaskResponse](t, w)
	assert.Equal(t, "double", resp.TaskID)
	assert.Equal(t, 42.0, resp.Output)
	assert.NotEmpty(t, resp.Duration)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "order-7", calls[0].InstanceID)
	assert.NotEmpty(t, calls[0].ExecutionID)
	assert.Equal(t, []string{runtime.EventTaskStarted, runtime.EventTaskCompleted}, rec.Types())
}

func TestTaskHandler_ExecuteErrors(t *testing.T) {
	env := newAPIEnv(t)
	require.NoError(t, env.rt.RegisterTask(mocks.NewMockTask("fail").WithError(errors.New("smtp down")).Definition()))
	require.NoError(t, env.rt.RegisterTask(mocks.NewMockTask("slow").WithDelay(time.Second).Definition()))
	require.NoError(t, env.rt.RegisterTask(mocks.NewMockTask("boom").WithFunc(func(context.Context, any, *task.Context) (any, error) {
		panic("nil map")
	}).Definition()))

	tests := []struct {
		name       string
		path       string
		body       api.ExecuteTaskRequest
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{"unknown task", "/api/v1/tasks/nope/execute", api.ExecuteTaskRequest{}, http.StatusNotFound, types.ErrNotFound},
		{"returned error", "/api/v1/tasks/fail/execute", api.ExecuteTaskRequest{}, http.StatusInternalServerError, types.ErrTaskExecution},
		{"panic", "/api/v1/tasks/boom/execute", api.ExecuteTaskRequest{}, http.StatusInternalServerError, types.ErrTaskExecution},
		{"timeout", "/api/v1/tasks/slow/execute", api.ExecuteTaskRequest{Timeout: "20ms"}, http.StatusGatewayTimeout, types.ErrTimeout},
		{"bad timeout", "/api/v1/tasks/slow/execute", api.ExecuteTaskRequest{Timeout: "soon"}, http.StatusBadRequest, types.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, string(tt.wantCode), errorCode(t, w))
		})
	}
}
