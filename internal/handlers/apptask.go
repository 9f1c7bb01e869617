package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/stowage/internal/config"
	"github.com/basket/stowage/internal/ipc"
	"github.com/basket/stowage/internal/persistence"
	"github.com/basket/stowage/internal/scheduler"
)

// AppTaskKind is the registry key for an app-contributed task kind.
func AppTaskKind(appID, kind string) string {
	return appID + "/" + kind
}

// SplitAppTaskKind reverses AppTaskKind.
func SplitAppTaskKind(qualified string) (appID, kind string, ok bool) {
	appID, kind, ok = strings.Cut(qualified, "/")
	return appID, kind, ok && appID != "" && kind != ""
}

// RunAppTask forwards one app task kind to the worker's execute_task.
type RunAppTask struct {
	worker WorkerAPI
	appID  string
	kind   string
}

func NewRunAppTask(w WorkerAPI, appID, kind string) *RunAppTask {
	return &RunAppTask{worker: w, appID: appID, kind: kind}
}

func (h *RunAppTask) Handle(ctx context.Context, task persistence.Task, progress scheduler.Progress) error {
	res, err := h.worker.ExecuteTask(ctx, ipc.ExecuteTaskRequest{
		TaskID:        task.ID,
		AppIdentifier: h.appID,
		TaskKind:      h.kind,
		Input:         task.Input,
		FolderID:      task.SubjectFolderID,
		ObjectKey:     task.SubjectObjectKey,
	})
	if err != nil {
		var env *ipc.Error
		if errors.As(err, &env) {
			if app := env.AppOrigin(); app != nil {
				return &scheduler.ProcessorError{Code: app.Code, Message: app.Message, Details: env}
			}
		}
		return fmt.Errorf("execute %s: %w", AppTaskKind(h.appID, h.kind), err)
	}
	for _, msg := range res.Updates {
		if err := progress.Update(ctx, msg, nil); err != nil {
			return fmt.Errorf("append update: %w", err)
		}
	}
	if len(res.Result) > 0 {
		if err := progress.Update(ctx, "result", res.Result); err != nil {
			return fmt.Errorf("append result: %w", err)
		}
	}
	return nil
}

// RegisterApps registers a RunAppTask for every task kind of every app.
func RegisterApps(reg *scheduler.Registry, w WorkerAPI, apps []config.AppConfig) error {
	for _, app := range apps {
		for _, tk := range app.TaskKinds {
			var opts []scheduler.RegisterOption
			if tk.InputSchema != "" {
				opts = append(opts, scheduler.WithInputSchema(tk.InputSchema))
			}
			if err := reg.Register(AppTaskKind(app.Identifier, tk.Kind), NewRunAppTask(w, app.Identifier, tk.Kind), opts...); err != nil {
				return fmt.Errorf("register app %s: %w", app.Identifier, err)
			}
		}
	}
	return nil
}

// RegisterNewApps registers only the app task kinds reg does not know yet
// and returns them. Used when config.yaml is reloaded; a removed app keeps
// its handler so tasks already queued for it can still finish.
func RegisterNewApps(reg *scheduler.Registry, w WorkerAPI, apps []config.AppConfig) ([]string, error) {
	var added []string
	var errs []error
	for _, app := range apps {
		for _, tk := range app.TaskKinds {
			kind := AppTaskKind(app.Identifier, tk.Kind)
			if _, ok := reg.Lookup(kind); ok {
				continue
			}
			single := config.AppConfig{Identifier: app.Identifier, TaskKinds: []config.AppTaskKind{tk}}
			if err := RegisterApps(reg, w, []config.AppConfig{single}); err != nil {
				errs = append(errs, err)
				continue
			}
			added = append(added, kind)
		}
	}
	return added, errors.Join(errs...)
}
