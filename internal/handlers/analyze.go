// Package handlers holds the task handlers the daemon registers with its
// drainers.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/stowage/internal/ipc"
	"github.com/basket/stowage/internal/persistence"
	"github.com/basket/stowage/internal/scheduler"
)

const KindAnalyzeObject = "AnalyzeObject"

// AnalyzeObjectSchema validates AnalyzeObject input at enqueue time.
const AnalyzeObjectSchema = `{
	"type": "object",
	"required": ["folderId", "objectKey"],
	"properties": {
		"folderId": {"type": "string", "minLength": 1},
		"objectKey": {"type": "string", "minLength": 1}
	}
}`

type AnalyzeObjectInput struct {
	FolderID  string `json:"folderId"`
	ObjectKey string `json:"objectKey"`
}

// WorkerAPI is the slice of worker.Client the handlers call.
type WorkerAPI interface {
	AnalyzeObject(ctx context.Context, req ipc.AnalyzeObjectRequest) (ipc.AnalyzeObjectResponse, error)
	ExecuteTask(ctx context.Context, req ipc.ExecuteTaskRequest) (ipc.ExecuteTaskResponse, error)
}

type ObjectStore interface {
	GetFolderObject(ctx context.Context, folderID, objectKey string) (*persistence.FolderObject, error)
	UpsertFolderObject(ctx context.Context, obj persistence.FolderObject) error
}

// AnalyzeObject asks the worker to inspect an object and records what it found.
type AnalyzeObject struct {
	worker  WorkerAPI
	objects ObjectStore
	logger  *slog.Logger
}

func NewAnalyzeObject(w WorkerAPI, objects ObjectStore, logger *slog.Logger) *AnalyzeObject {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalyzeObject{worker: w, objects: objects, logger: logger.With("handler", KindAnalyzeObject)}
}

func (h *AnalyzeObject) Handle(ctx context.Context, task persistence.Task, progress scheduler.Progress) error {
	var in AnalyzeObjectInput
	if err := json.Unmarshal(task.Input, &in); err != nil {
		return scheduler.NewProcessorError("BAD_INPUT", "decode input: %v", err)
	}
	if in.FolderID == "" || in.ObjectKey == "" {
		return scheduler.NewProcessorError("BAD_INPUT", "folderId and objectKey are required")
	}

	res, err := h.worker.AnalyzeObject(ctx, ipc.AnalyzeObjectRequest{
		TaskID:    task.ID,
		FolderID:  in.FolderID,
		ObjectKey: in.ObjectKey,
	})
	if err != nil {
		return fmt.Errorf("analyze object %s/%s: %w", in.FolderID, in.ObjectKey, err)
	}

	if err := h.record(ctx, res); err != nil {
		return err
	}
	summary := map[string]any{
		"contentType": res.ContentType,
		"sizeBytes":   res.SizeBytes,
	}
	if res.Hash != "" {
		summary["hash"] = res.Hash
	}
	if err := progress.Update(ctx, "analysis complete", summary); err != nil {
		h.logger.Warn("append analysis summary failed", "task_id", task.ID, "error", err)
	}
	return nil
}

// record merges the analysis into the object's metadata row.
func (h *AnalyzeObject) record(ctx context.Context, res ipc.AnalyzeObjectResponse) error {
	if h.objects == nil {
		return nil
	}
	obj, err := h.objects.GetFolderObject(ctx, res.FolderID, res.ObjectKey)
	if errors.Is(err, persistence.ErrNotFound) {
		obj = &persistence.FolderObject{FolderID: res.FolderID, ObjectKey: res.ObjectKey}
	} else if err != nil {
		return fmt.Errorf("load folder object: %w", err)
	}
	if res.ContentType != "" {
		obj.ContentType = res.ContentType
	}
	if res.SizeBytes > 0 {
		obj.SizeBytes = res.SizeBytes
	}
	if res.Hash != "" {
		obj.Hash = res.Hash
	}
	if len(res.Metadata) > 0 {
		merged := map[string]any{}
		if len(obj.Metadata) > 0 {
			_ = json.Unmarshal(obj.Metadata, &merged)
		}
		for k, v := range res.Metadata {
			merged[k] = v
		}
		raw, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode object metadata: %w", err)
		}
		obj.Metadata = raw
	}
	if err := h.objects.UpsertFolderObject(ctx, *obj); err != nil {
		return fmt.Errorf("store analysis: %w", err)
	}
	return nil
}
