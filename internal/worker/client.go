package worker

import (
	"context"
	"time"

	"github.com/basket/stowage/internal/ipc"
)

// Readiness gates dispatch to the worker.
type Readiness interface {
	CheckReady() error
}

type ClientOptions struct {
	AnalyzeTimeout time.Duration
	ExecuteTimeout time.Duration
	// RequestTimeout applies to the remaining actions; zero uses the router default.
	RequestTimeout time.Duration
}

// Client issues typed host-to-worker calls. Every call checks readiness
// first and fails fast with *NotReadyError.
type Client struct {
	ready  Readiness
	router *ipc.Router
	opts   ClientOptions
}

func NewClient(ready Readiness, router *ipc.Router, opts ClientOptions) *Client {
	return &Client{ready: ready, router: router, opts: opts}
}

func (c *Client) AnalyzeObject(ctx context.Context, req ipc.AnalyzeObjectRequest) (ipc.AnalyzeObjectResponse, error) {
	return call[ipc.AnalyzeObjectResponse](ctx, c, ipc.ActionAnalyzeObject, req, c.opts.AnalyzeTimeout)
}

func (c *Client) ExecuteTask(ctx context.Context, req ipc.ExecuteTaskRequest) (ipc.ExecuteTaskResponse, error) {
	return call[ipc.ExecuteTaskResponse](ctx, c, ipc.ActionExecuteTask, req, c.opts.ExecuteTimeout)
}

func (c *Client) ExecuteSystemRequest(ctx context.Context, req ipc.SystemRequest) (ipc.SystemResponse, error) {
	return call[ipc.SystemResponse](ctx, c, ipc.ActionExecuteSystemRequest, req, c.opts.RequestTimeout)
}

func (c *Client) UpdateAppHashMapping(ctx context.Context, mapping map[string]string) error {
	_, err := call[ipc.Ack](ctx, c, ipc.ActionUpdateAppHashMapping, ipc.UpdateAppHashMappingRequest{Mapping: mapping}, c.opts.RequestTimeout)
	return err
}

func call[T any](ctx context.Context, c *Client, action ipc.WorkerAction, req any, timeout time.Duration) (T, error) {
	if err := c.ready.CheckReady(); err != nil {
		var zero T
		return zero, err
	}
	return ipc.Invoke[T](ctx, c.router, string(action), req, ipc.WithTimeout(timeout))
}
