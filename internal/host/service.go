// Package host serves the requests the worker sends back to the daemon.
package host

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/basket/stowage/internal/config"
	"github.com/basket/stowage/internal/ipc"
	"github.com/basket/stowage/internal/persistence"
)

// Service has one method per ipc.HostAction.
type Service interface {
	GetWorkerExecConfig(ctx context.Context, req ipc.AppRequest) (ipc.WorkerExecConfig, error)
	GetUIBundle(ctx context.Context, req ipc.AppRequest) (ipc.UIBundle, error)
	GetMetadataSignedURLs(ctx context.Context, req ipc.MetadataSignedURLsRequest) (ipc.SignedURLs, error)
	GetFolderObject(ctx context.Context, req ipc.FolderObjectRequest) (ipc.FolderObject, error)
	GetContentSignedURLs(ctx context.Context, req ipc.ContentSignedURLsRequest) (ipc.SignedURLs, error)
}

// Dispatcher adapts a Service to the router's inbound interface.
func Dispatcher(svc Service) ipc.InboundHandler {
	return ipc.HandlerFunc(func(ctx context.Context, action string, payload json.RawMessage) (any, error) {
		name, ok := ipc.ParseHostAction(action)
		if !ok {
			return nil, ipc.Unsupported("UNSUPPORTED_ACTION", "host does not handle action %q", action)
		}
		switch name {
		case ipc.ActionGetWorkerExecConfig:
			return handle(ctx, payload, svc.GetWorkerExecConfig)
		case ipc.ActionGetUIBundle:
			return handle(ctx, payload, svc.GetUIBundle)
		case ipc.ActionGetMetadataSignedURLs:
			return handle(ctx, payload, svc.GetMetadataSignedURLs)
		case ipc.ActionGetFolderObject:
			return handle(ctx, payload, svc.GetFolderObject)
		case ipc.ActionGetContentSignedURLs:
			return handle(ctx, payload, svc.GetContentSignedURLs)
		}
		return nil, ipc.Unsupported("UNSUPPORTED_ACTION", "host does not handle action %q", action)
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

// AppCatalog resolves installed apps. config.Config satisfies it.
type AppCatalog interface {
	App(identifier string) (config.AppConfig, bool)
}

// ObjectStore looks up folder object metadata.
type ObjectStore interface {
	GetFolderObject(ctx context.Context, folderID, objectKey string) (*persistence.FolderObject, error)
}

type Services struct {
	apps    func() AppCatalog
	objects ObjectStore
	signer  *Signer
	logger  *slog.Logger
}

// NewServices builds the host Service. apps is called per request so a
// reloaded configuration takes effect without restarting the worker.
func NewServices(apps func() AppCatalog, objects ObjectStore, signer *Signer, logger *slog.Logger) *Services {
	if logger == nil {
		logger = slog.Default()
	}
	return &Services{apps: apps, objects: objects, signer: signer, logger: logger.With("component", "host")}
}

func (s *Services) app(id string) (config.AppConfig, error) {
	if strings.TrimSpace(id) == "" {
		return config.AppConfig{}, ipc.Invalid("APP_REQUIRED", "appIdentifier is required")
	}
	app, ok := s.apps().App(id)
	if !ok {
		return config.AppConfig{}, ipc.NotFound("APP_NOT_FOUND", "app %q is not installed", id)
	}
	return app, nil
}

func (s *Services) GetWorkerExecConfig(_ context.Context, req ipc.AppRequest) (ipc.WorkerExecConfig, error) {
	app, err := s.app(req.AppIdentifier)
	if err != nil {
		return ipc.WorkerExecConfig{}, err
	}
	if app.Exec.Entrypoint == "" {
		return ipc.WorkerExecConfig{}, ipc.Unsupported("NO_EXEC_CONFIG", "app %q declares no worker entrypoint", app.Identifier)
	}
	return ipc.WorkerExecConfig{
		AppIdentifier:  app.Identifier,
		Runtime:        app.Exec.Runtime,
		Entrypoint:     app.Exec.Entrypoint,
		Env:            app.Exec.Env,
		MaxMemoryMB:    app.Exec.MaxMemoryMB,
		TimeoutSeconds: app.Exec.TimeoutSeconds,
	}, nil
}

func (s *Services) GetUIBundle(_ context.Context, req ipc.AppRequest) (ipc.UIBundle, error) {
	app, err := s.app(req.AppIdentifier)
	if err != nil {
		return ipc.UIBundle{}, err
	}
	if app.UIBundle == "" {
		return ipc.UIBundle{}, ipc.Unsupported("UI_BUNDLE_UNAVAILABLE", "app %q has no ui bundle", app.Identifier)
	}
	hash, err := fileHash(app.UIBundle)
	if errors.Is(err, os.ErrNotExist) {
		return ipc.UIBundle{}, ipc.NotFound("UI_BUNDLE_MISSING", "ui bundle for %q not found", app.Identifier)
	}
	if err != nil {
		return ipc.UIBundle{}, fmt.Errorf("hash ui bundle: %w", err)
	}
	return ipc.UIBundle{AppIdentifier: app.Identifier, Path: app.UIBundle, Hash: hash}, nil
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Services) GetFolderObject(ctx context.Context, req ipc.FolderObjectRequest) (ipc.FolderObject, error) {
	if req.FolderID == "" || req.ObjectKey == "" {
		return ipc.FolderObject{}, ipc.Invalid("OBJECT_REF_REQUIRED", "folderId and objectKey are required")
	}
	obj, err := s.objects.GetFolderObject(ctx, req.FolderID, req.ObjectKey)
	if errors.Is(err, persistence.ErrNotFound) {
		return ipc.FolderObject{}, ipc.NotFound("OBJECT_NOT_FOUND", "object %q not found in folder %q", req.ObjectKey, req.FolderID)
	}
	if err != nil {
		return ipc.FolderObject{}, err
	}
	return ipc.FolderObject{
		FolderID:     obj.FolderID,
		ObjectKey:    obj.ObjectKey,
		SizeBytes:    obj.SizeBytes,
		ContentType:  obj.ContentType,
		Hash:         obj.Hash,
		Metadata:     obj.Metadata,
		LastModified: obj.LastModified,
	}, nil
}

func (s *Services) GetContentSignedURLs(_ context.Context, req ipc.ContentSignedURLsRequest) (ipc.SignedURLs, error) {
	if req.FolderID == "" || len(req.ObjectKeys) == 0 {
		return ipc.SignedURLs{}, ipc.Invalid("OBJECT_REF_REQUIRED", "folderId and objectKeys are required")
	}
	method, err := normalizeMethod(req.Method)
	if err != nil {
		return ipc.SignedURLs{}, err
	}
	out := ipc.SignedURLs{URLs: make(map[string]ipc.SignedURL, len(req.ObjectKeys))}
	for _, key := range req.ObjectKeys {
		out.URLs[key] = s.signer.Sign(method, ContentPath(req.FolderID, key))
	}
	return out, nil
}

func (s *Services) GetMetadataSignedURLs(_ context.Context, req ipc.MetadataSignedURLsRequest) (ipc.SignedURLs, error) {
	if req.FolderID == "" || req.ObjectKey == "" || len(req.MetadataNames) == 0 {
		return ipc.SignedURLs{}, ipc.Invalid("METADATA_REF_REQUIRED", "folderId, objectKey and metadataNames are required")
	}
	method, err := normalizeMethod(req.Method)
	if err != nil {
		return ipc.SignedURLs{}, err
	}
	out := ipc.SignedURLs{URLs: make(map[string]ipc.SignedURL, len(req.MetadataNames))}
	for _, name := range req.MetadataNames {
		out.URLs[name] = s.signer.Sign(method, MetadataPath(req.FolderID, req.ObjectKey, name))
	}
	return out, nil
}

func normalizeMethod(m string) (string, error) {
	switch strings.ToUpper(m) {
	case "", "GET":
		return "GET", nil
	case "PUT":
		return "PUT", nil
	default:
		return "", ipc.Invalid("BAD_METHOD", "unsupported presign method %q", m)
	}
}
