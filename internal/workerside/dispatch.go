// Package workerside is the runtime of the worker child process: it dials
// the supervisor's socket and serves the host's requests.
package workerside

import (
	"context"
	"encoding/json"

	"github.com/basket/stowage/internal/ipc"
)

// Handler has one method per ipc.WorkerAction.
type Handler interface {
	Init(ctx context.Context, req ipc.InitRequest) (ipc.InitResponse, error)
	AnalyzeObject(ctx context.Context, req ipc.AnalyzeObjectRequest) (ipc.AnalyzeObjectResponse, error)
	ExecuteTask(ctx context.Context, req ipc.ExecuteTaskRequest) (ipc.ExecuteTaskResponse, error)
	ExecuteSystemRequest(ctx context.Context, req ipc.SystemRequest) (ipc.SystemResponse, error)
	UpdateAppHashMapping(ctx context.Context, req ipc.UpdateAppHashMappingRequest) (ipc.Ack, error)
}

func Dispatcher(h Handler) ipc.InboundHandler {
	return ipc.HandlerFunc(func(ctx context.Context, action string, payload json.RawMessage) (any, error) {
		name, ok := ipc.ParseWorkerAction(action)
		if !ok {
			return nil, ipc.Unsupported("UNSUPPORTED_ACTION", "worker does not handle action %q", action)
		}
		switch name {
		case ipc.ActionInit:
			return handle(ctx, payload, h.Init)
		case ipc.ActionAnalyzeObject:
			return handle(ctx, payload, h.AnalyzeObject)
		case ipc.ActionExecuteTask:
			return handle(ctx, payload, h.ExecuteTask)
		case ipc.ActionExecuteSystemRequest:
			return handle(ctx, payload, h.ExecuteSystemRequest)
		case ipc.ActionUpdateAppHashMapping:
			return handle(ctx, payload, h.UpdateAppHashMapping)
		}
		return nil, ipc.Unsupported("UNSUPPORTED_ACTION", "worker does not handle action %q", action)
	})
}

func handle[Req, Resp any](ctx context.Context, payload json.RawMessage, fn func(context.Context, Req) (Resp, error)) (any, error) {
	var req Req
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, ipc.Invalid("BAD_PAYLOAD", "decode request: %v", err)
		}
	}
	if err := ipc.Validate(req); err != nil {
		return nil, err
	}
	return fn(ctx, req)
}
