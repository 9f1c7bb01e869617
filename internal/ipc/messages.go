package ipc

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
)

// Message is one frame on the wire.
type Message struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id"`
	Payload Envelope    `json:"payload"`
}

// Envelope names the action and carries its payload.
type Envelope struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the payload of every response frame.
type Response struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// HostAction is a request the worker sends to the host.
type HostAction string

const (
	ActionGetWorkerExecConfig   HostAction = "get_worker_exec_config"
	ActionGetUIBundle           HostAction = "get_ui_bundle"
	ActionGetMetadataSignedURLs HostAction = "get_metadata_signed_urls"
	ActionGetFolderObject       HostAction = "get_folder_object"
	ActionGetContentSignedURLs  HostAction = "get_content_signed_urls"
)

// HostActions lists every HostAction.
var HostActions = []HostAction{
	ActionGetWorkerExecConfig,
	ActionGetUIBundle,
	ActionGetMetadataSignedURLs,
	ActionGetFolderObject,
	ActionGetContentSignedURLs,
}

// WorkerAction is a request the host sends to the worker.
type WorkerAction string

const (
	ActionInit                 WorkerAction = "init"
	ActionAnalyzeObject        WorkerAction = "analyze_object"
	ActionExecuteTask          WorkerAction = "execute_task"
	ActionExecuteSystemRequest WorkerAction = "execute_system_request"
	ActionUpdateAppHashMapping WorkerAction = "update_app_hash_mapping"
)

var WorkerActions = []WorkerAction{
	ActionInit,
	ActionAnalyzeObject,
	ActionExecuteTask,
	ActionExecuteSystemRequest,
	ActionUpdateAppHashMapping,
}

// ParseHostAction reports whether name is a known HostAction.
func ParseHostAction(name string) (HostAction, bool) {
	for _, a := range HostActions {
		if string(a) == name {
			return a, true
		}
	}
	return "", false
}

func ParseWorkerAction(name string) (WorkerAction, bool) {
	for _, a := range WorkerActions {
		if string(a) == name {
			return a, true
		}
	}
	return "", false
}

// host -> worker

type InitRequest struct {
	InstanceID  string            `json:"instanceId"`
	HostVersion string            `json:"hostVersion"`
	AppHashes   map[string]string `json:"appHashes,omitempty"`
}

type InitResponse struct {
	WorkerVersion string   `json:"workerVersion"`
	PID           int      `json:"pid"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

type AnalyzeObjectRequest struct {
	TaskID    string `json:"taskId"`
	FolderID  string `json:"folderId" validate:"required"`
	ObjectKey string `json:"objectKey" validate:"required"`
}

type AnalyzeObjectResponse struct {
	FolderID    string         `json:"folderId"`
	ObjectKey   string         `json:"objectKey"`
	ContentType string         `json:"contentType"`
	SizeBytes   int64          `json:"sizeBytes"`
	Hash        string         `json:"hash,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type ExecuteTaskRequest struct {
	TaskID        string          `json:"taskId"`
	AppIdentifier string          `json:"appIdentifier"`
	TaskKind      string          `json:"taskKind" validate:"required"`
	Input         json.RawMessage `json:"input,omitempty"`
	FolderID      string          `json:"folderId,omitempty"`
	ObjectKey     string          `json:"objectKey,omitempty"`
}

type ExecuteTaskResponse struct {
	Result  json.RawMessage `json:"result,omitempty"`
	Updates []string        `json:"updates,omitempty"`
}

type SystemRequest struct {
	AppIdentifier string          `json:"appIdentifier"`
	Name          string          `json:"name" validate:"required"`
	Args          json.RawMessage `json:"args,omitempty"`
}

type SystemResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
}

type UpdateAppHashMappingRequest struct {
	Mapping map[string]string `json:"mapping"`
}

type Ack struct {
	OK bool `json:"ok"`
}

// worker -> host

type AppRequest struct {
	AppIdentifier string `json:"appIdentifier" validate:"required"`
}

type WorkerExecConfig struct {
	AppIdentifier  string            `json:"appIdentifier"`
	Runtime        string            `json:"runtime"`
	Entrypoint     string            `json:"entrypoint"`
	Env            map[string]string `json:"env,omitempty"`
	MaxMemoryMB    int               `json:"maxMemoryMb,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
}

type UIBundle struct {
	AppIdentifier string `json:"appIdentifier"`
	Path          string `json:"path"`
	Hash          string `json:"hash,omitempty"`
}

type FolderObjectRequest struct {
	FolderID  string `json:"folderId" validate:"required"`
	ObjectKey string `json:"objectKey" validate:"required"`
}

type FolderObject struct {
	FolderID     string          `json:"folderId"`
	ObjectKey    string          `json:"objectKey"`
	SizeBytes    int64           `json:"sizeBytes"`
	ContentType  string          `json:"contentType"`
	Hash         string          `json:"hash,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	LastModified time.Time       `json:"lastModified"`
}

type MetadataSignedURLsRequest struct {
	FolderID      string   `json:"folderId" validate:"required"`
	ObjectKey     string   `json:"objectKey" validate:"required"`
	MetadataNames []string `json:"metadataNames" validate:"min=1,dive,required"`
	Method        string   `json:"method,omitempty"`
}

type ContentSignedURLsRequest struct {
	FolderID   string   `json:"folderId" validate:"required"`
	ObjectKeys []string `json:"objectKeys" validate:"min=1,dive,required"`
	Method     string   `json:"method,omitempty"`
}

type SignedURL struct {
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SignedURLs is keyed by metadata name or object key.
type SignedURLs struct {
	URLs map[string]SignedURL `json:"urls"`
}
