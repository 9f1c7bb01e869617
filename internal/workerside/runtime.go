package workerside

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime"
	"net/http"
	neturl "net/url"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/basket/stowage/internal/ipc"
	"github.com/basket/stowage/internal/shared"
)

// Version is reported to the host in the init response.
const Version = "stowage-worker/0.3"

// sniffBytes is how much content is read to detect the content type.
const sniffBytes = 512

// TaskFunc runs one app task. Updates appended through tc are returned to
// the host with the result.
type TaskFunc func(ctx context.Context, tc *TaskContext) (json.RawMessage, error)

type TaskContext struct {
	Request ipc.ExecuteTaskRequest
	Host    *HostClient
	updates []string
}

func (tc *TaskContext) Update(msg string) {
	tc.updates = append(tc.updates, msg)
}

// SystemFunc answers one named system request.
type SystemFunc func(ctx context.Context, rt *Runtime, req ipc.SystemRequest) (json.RawMessage, error)

type Options struct {
	Logger *slog.Logger
	// HTTPClient fetches object content through signed URLs during analysis.
	// Analysis is metadata-only when nil.
	HTTPClient *http.Client
}

// Runtime implements Handler.
type Runtime struct {
	logger *slog.Logger
	http   *http.Client
	host   *HostClient

	mu         sync.RWMutex
	instanceID string
	hashes     map[string]string
	tasks      map[string]map[string]TaskFunc
	system     map[string]SystemFunc
}

func NewRuntime(opts Options) *Runtime {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	rt := &Runtime{
		logger: opts.Logger.With("component", "workerside"),
		http:   opts.HTTPClient,
		hashes: map[string]string{},
		tasks:  map[string]map[string]TaskFunc{},
		system: map[string]SystemFunc{},
	}
	rt.RegisterSystem("ping", systemPing)
	rt.RegisterSystem("app_hashes", systemAppHashes)
	rt.RegisterSystem("exec_config", systemExecConfig)
	return rt
}

// SetHost binds the client used for calls back to the host.
func (rt *Runtime) SetHost(h *HostClient) {
	rt.mu.Lock()
	rt.host = h
	rt.mu.Unlock()
}

func (rt *Runtime) hostClient() (*HostClient, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rt.host == nil {
		return nil, ipc.Unexpected("NO_HOST", "worker has no host connection")
	}
	return rt.host, nil
}

func (rt *Runtime) RegisterTask(appID, kind string, fn TaskFunc) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.tasks[appID] == nil {
		rt.tasks[appID] = map[string]TaskFunc{}
	}
	rt.tasks[appID][kind] = fn
}

func (rt *Runtime) RegisterSystem(name string, fn SystemFunc) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.system[name] = fn
}

func (rt *Runtime) AppHashes() map[string]string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return maps.Clone(rt.hashes)
}

func (rt *Runtime) Init(_ context.Context, req ipc.InitRequest) (ipc.InitResponse, error) {
	rt.mu.Lock()
	rt.instanceID = req.InstanceID
	if req.AppHashes != nil {
		rt.hashes = maps.Clone(req.AppHashes)
	}
	caps := make([]string, 0, len(ipc.WorkerActions))
	for _, a := range ipc.WorkerActions {
		caps = append(caps, string(a))
	}
	for appID, kinds := range rt.tasks {
		for kind := range kinds {
			caps = append(caps, "task:"+appID+"/"+kind)
		}
	}
	rt.mu.Unlock()
	sort.Strings(caps)
	rt.logger.Info("worker initialized", "instance_id", req.InstanceID, "host_version", req.HostVersion, "apps", len(req.AppHashes))
	return ipc.InitResponse{WorkerVersion: Version, PID: os.Getpid(), Capabilities: caps}, nil
}

func (rt *Runtime) AnalyzeObject(ctx context.Context, req ipc.AnalyzeObjectRequest) (ipc.AnalyzeObjectResponse, error) {
	host, err := rt.hostClient()
	if err != nil {
		return ipc.AnalyzeObjectResponse{}, err
	}
	obj, err := host.GetFolderObject(ctx, req.FolderID, req.ObjectKey)
	if err != nil {
		return ipc.AnalyzeObjectResponse{}, wrapHostError("ANALYZE_FAILED", "load object "+req.ObjectKey, err)
	}
	res := ipc.AnalyzeObjectResponse{
		FolderID:    obj.FolderID,
		ObjectKey:   obj.ObjectKey,
		ContentType: obj.ContentType,
		SizeBytes:   obj.SizeBytes,
		Hash:        obj.Hash,
		Metadata:    map[string]any{},
	}
	if res.ContentType == "" {
		res.ContentType = mime.TypeByExtension(path.Ext(obj.ObjectKey))
	}

	urls, err := host.GetContentSignedURLs(ctx, req.FolderID, []string{req.ObjectKey}, "GET")
	if err != nil {
		return ipc.AnalyzeObjectResponse{}, wrapHostError("ANALYZE_FAILED", "sign content url", err)
	}
	signed, ok := urls.URLs[req.ObjectKey]
	if !ok {
		return ipc.AnalyzeObjectResponse{}, ipc.Unexpected("ANALYZE_FAILED", "host returned no url for %s", req.ObjectKey)
	}
	res.Metadata["contentUrlExpiresAt"] = signed.ExpiresAt.Format(time.RFC3339)

	if rt.http != nil {
		if err := rt.fetch(ctx, signed.URL, &res); err != nil {
			rt.logger.Warn("content fetch failed; returning metadata only", "object_key", req.ObjectKey, "error", err)
			res.Metadata["fetchError"] = err.Error()
		}
	}
	if res.ContentType == "" {
		res.ContentType = "application/octet-stream"
	}
	return res, nil
}

// wrapHostError keeps the kind of a failed host call so callers can still
// tell a missing object from a broken worker.
func wrapHostError(code, message string, err error) *ipc.Error {
	cause := ipc.ToError(err)
	return (&ipc.Error{Kind: cause.Kind, Code: code, Message: message}).Wrap(cause)
}

// fetch streams the content once to hash it, size it and sniff its type.
func (rt *Runtime) fetch(ctx context.Context, url string, res *ipc.AnalyzeObjectResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := rt.http.Do(req)
	if err != nil {
		var ue *neturl.Error
		if errors.As(err, &ue) {
			ue.URL = shared.RedactURL(ue.URL)
		}
		return fmt.Errorf("get content: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get content: status %d", resp.StatusCode)
	}
	h := sha256.New()
	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(resp.Body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read content: %w", err)
	}
	head = head[:n]
	h.Write(head)
	rest, err := io.Copy(h, resp.Body)
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}
	res.SizeBytes = int64(n) + rest
	res.Hash = hex.EncodeToString(h.Sum(nil))
	if n > 0 {
		sniffed := http.DetectContentType(head)
		res.Metadata["sniffedContentType"] = sniffed
		if res.ContentType == "" {
			res.ContentType = sniffed
		}
	}
	return nil
}

func (rt *Runtime) ExecuteTask(ctx context.Context, req ipc.ExecuteTaskRequest) (ipc.ExecuteTaskResponse, error) {
	rt.mu.RLock()
	fn := rt.tasks[req.AppIdentifier][req.TaskKind]
	host := rt.host
	rt.mu.RUnlock()
	if fn == nil {
		return ipc.ExecuteTaskResponse{}, &ipc.Error{
			Kind:    ipc.KindUnsupported,
			Code:    "UNKNOWN_TASK",
			Message: fmt.Sprintf("app %q has no task %q", req.AppIdentifier, req.TaskKind),
			Origin:  ipc.OriginApp,
		}
	}

	tc := &TaskContext{Request: req, Host: host}
	result, err := rt.runTask(ctx, fn, tc)
	if err != nil {
		appErr := ipc.ToError(err)
		if appErr.Origin == "" {
			copied := *appErr
			copied.Origin = ipc.OriginApp
			appErr = &copied
		}
		rt.logger.Warn("app task failed", "app", req.AppIdentifier, "kind", req.TaskKind, "task_id", req.TaskID, "code", appErr.Code)
		out := ipc.Unexpected("EXECUTE_FAILED", "task %s/%s failed", req.AppIdentifier, req.TaskKind).Wrap(appErr)
		out.Origin = ipc.OriginWorker
		return ipc.ExecuteTaskResponse{}, out
	}
	return ipc.ExecuteTaskResponse{Result: result, Updates: tc.updates}, nil
}

func (rt *Runtime) runTask(ctx context.Context, fn TaskFunc, tc *TaskContext) (result json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result, err = nil, ipc.Unexpected("APP_PANIC", "task panicked: %v", rec)
		}
	}()
	return fn(ctx, tc)
}

func (rt *Runtime) ExecuteSystemRequest(ctx context.Context, req ipc.SystemRequest) (ipc.SystemResponse, error) {
	rt.mu.RLock()
	fn := rt.system[req.Name]
	rt.mu.RUnlock()
	if fn == nil {
		return ipc.SystemResponse{}, ipc.Unsupported("UNKNOWN_SYSTEM_REQUEST", "no system request %q", req.Name)
	}
	out, err := fn(ctx, rt, req)
	if err != nil {
		return ipc.SystemResponse{}, err
	}
	return ipc.SystemResponse{Result: out}, nil
}

func (rt *Runtime) UpdateAppHashMapping(_ context.Context, req ipc.UpdateAppHashMappingRequest) (ipc.Ack, error) {
	rt.mu.Lock()
	rt.hashes = maps.Clone(req.Mapping)
	if rt.hashes == nil {
		rt.hashes = map[string]string{}
	}
	rt.mu.Unlock()
	rt.logger.Info("app hash mapping updated", "apps", len(req.Mapping))
	return ipc.Ack{OK: true}, nil
}

func systemPing(context.Context, *Runtime, ipc.SystemRequest) (json.RawMessage, error) {
	return json.RawMessage(`{"pong":true}`), nil
}

func systemAppHashes(_ context.Context, rt *Runtime, _ ipc.SystemRequest) (json.RawMessage, error) {
	return json.Marshal(rt.AppHashes())
}

func systemExecConfig(ctx context.Context, rt *Runtime, req ipc.SystemRequest) (json.RawMessage, error) {
	host, err := rt.hostClient()
	if err != nil {
		return nil, err
	}
	cfg, err := host.GetWorkerExecConfig(ctx, req.AppIdentifier)
	if err != nil {
		return nil, err
	}
	return json.Marshal(cfg)
}
