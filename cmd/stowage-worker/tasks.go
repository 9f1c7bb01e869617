package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/stowage/internal/ipc"
	"github.com/basket/stowage/internal/workerside"
)

// builtinApp hosts the task kinds compiled into this binary.
const builtinApp = "builtin"

func registerBuiltinTasks(rt *workerside.Runtime) {
	rt.RegisterTask(builtinApp, "echo", echoTask)
	rt.RegisterTask(builtinApp, "describe", describeTask)
}

// echoTask returns its input unchanged.
func echoTask(_ context.Context, tc *workerside.TaskContext) (json.RawMessage, error) {
	tc.Update("echo")
	if len(tc.Request.Input) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return tc.Request.Input, nil
}

// describeTask reports the stored record of the task's subject object.
func describeTask(ctx context.Context, tc *workerside.TaskContext) (json.RawMessage, error) {
	folder, key := tc.Request.FolderID, tc.Request.ObjectKey
	if folder == "" || key == "" {
		var in struct {
			FolderID  string `json:"folderId"`
			ObjectKey string `json:"objectKey"`
		}
		if len(tc.Request.Input) > 0 {
			if err := json.Unmarshal(tc.Request.Input, &in); err != nil {
				return nil, ipc.Invalid("BAD_INPUT", "decode input: %v", err)
			}
		}
		folder, key = in.FolderID, in.ObjectKey
	}
	if folder == "" || key == "" {
		return nil, ipc.Invalid("SUBJECT_REQUIRED", "describe needs folderId and objectKey")
	}
	if tc.Host == nil {
		return nil, ipc.Unexpected("NO_HOST", "worker has no host connection")
	}
	obj, err := tc.Host.GetFolderObject(ctx, folder, key)
	if err != nil {
		return nil, fmt.Errorf("describe %s/%s: %w", folder, key, err)
	}
	tc.Update(fmt.Sprintf("described %s/%s", folder, key))
	return json.Marshal(obj)
}
