package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	stowotel "github.com/basket/stowage/internal/otel"
	"github.com/basket/stowage/internal/shared"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const DefaultTimeout = 60 * time.Second

// InboundHandler serves requests arriving from the peer.
type InboundHandler interface {
	HandleRequest(ctx context.Context, action string, payload json.RawMessage) (any, error)
}

type HandlerFunc func(ctx context.Context, action string, payload json.RawMessage) (any, error)

func (f HandlerFunc) HandleRequest(ctx context.Context, action string, payload json.RawMessage) (any, error) {
	return f(ctx, action, payload)
}

type RouterOptions struct {
	Logger         *slog.Logger
	Handler        InboundHandler
	DefaultTimeout time.Duration
	Metrics        *stowotel.Metrics
	Tracer         trace.Tracer
	// Origin is stamped on envelopes produced from local errors.
	Origin string
}

type callResult struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	action string
	conn   *Conn
	ch     chan callResult
	timer  *time.Timer
}

// Router correlates outbound requests with responses and dispatches inbound
// requests to its handler. Each correlation id resolves exactly once.
type Router struct {
	logger         *slog.Logger
	handler        InboundHandler
	defaultTimeout time.Duration
	metrics        *stowotel.Metrics
	tracer         trace.Tracer
	origin         string

	mu      sync.Mutex
	conn    *Conn
	pending map[string]*pendingCall
	closed  bool
	orphans int
}

func NewRouter(opts RouterOptions) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer(stowotel.ScopeName)
	}
	return &Router{
		logger:         opts.Logger.With("component", "ipc"),
		handler:        opts.Handler,
		defaultTimeout: opts.DefaultTimeout,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		origin:         opts.Origin,
		pending:        make(map[string]*pendingCall),
	}
}

// Attach makes c the connection used for calls and starts reading from it.
// Calls in flight on a previous connection fail with ErrConnectionLost.
func (r *Router) Attach(c *Conn) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = c.Close()
		return
	}
	prev := r.conn
	r.conn = c
	r.mu.Unlock()
	if prev != nil && prev != c {
		r.failPending(prev)
	}

	c.OnClose(func(closed *Conn, _ error) {
		r.mu.Lock()
		if r.conn == closed {
			r.conn = nil
		}
		r.mu.Unlock()
		r.failPending(closed)
	})
	go func() {
		_ = c.ReadLoop(func(frame json.RawMessage) { r.handleFrame(c, frame) })
	}()
}

func (r *Router) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Pending reports the number of unresolved calls.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Orphans reports how many responses arrived with no pending call.
func (r *Router) Orphans() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orphans
}

type callOptions struct {
	timeout time.Duration
}

type CallOption func(*callOptions)

func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Call sends action with payload and waits for the correlated response. A
// failure response is returned as *Error.
func (r *Router) Call(ctx context.Context, action string, payload any, opts ...CallOption) (json.RawMessage, error) {
	co := callOptions{timeout: r.defaultTimeout}
	for _, opt := range opts {
		opt(&co)
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("ipc %s: %w", action, err)
	}

	ctx, span := stowotel.StartIPCSpan(ctx, r.tracer, stowotel.Outbound, action, "")
	defer span.End()
	start := time.Now()

	id := uuid.NewString()
	pc := &pendingCall{action: action, ch: make(chan callResult, 1)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRouterClosed
	}
	if r.conn == nil {
		r.mu.Unlock()
		stowotel.Fail(span, ErrNotConnected)
		return nil, fmt.Errorf("ipc %s: %w", action, ErrNotConnected)
	}
	pc.conn = r.conn
	r.pending[id] = pc
	pc.timer = time.AfterFunc(co.timeout, func() {
		r.resolve(id, callResult{err: &TimeoutError{Action: action, ID: id, After: co.timeout}})
	})
	r.mu.Unlock()

	msg := Message{Type: TypeRequest, ID: id, Payload: Envelope{Action: action, Payload: body}}
	if err := pc.conn.Send(ctx, msg); err != nil {
		r.resolve(id, callResult{err: fmt.Errorf("ipc %s send: %w", action, err)})
	}

	var res callResult
	select {
	case res = <-pc.ch:
	case <-ctx.Done():
		r.resolve(id, callResult{err: ctx.Err()})
		res = <-pc.ch
	}

	timedOut := errors.Is(res.err, ErrTimeout)
	r.metrics.RecordIPC(ctx, action, time.Since(start), timedOut)
	if res.err != nil {
		if timedOut {
			r.logger.Warn("ipc request timed out", "action", action, "id", id, "timeout", co.timeout.String())
		}
		stowotel.Fail(span, res.err)
		return nil, res.err
	}

	var resp Response
	if err := json.Unmarshal(res.payload, &resp); err != nil {
		return nil, fmt.Errorf("ipc %s: decode response: %w", action, err)
	}
	if !resp.Success {
		env := resp.Error
		if env == nil {
			env = &Error{Kind: KindRemote, Code: "REMOTE_FAILURE", Message: "peer reported failure without detail"}
		}
		stowotel.Fail(span, env)
		return nil, env
	}
	return resp.Result, nil
}

// Invoke is Call with typed decoding of the result.
func Invoke[T any](ctx context.Context, r *Router, action string, req any, opts ...CallOption) (T, error) {
	var out T
	raw, err := r.Call(ctx, action, req, opts...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("ipc %s: decode result: %w", action, err)
	}
	return out, nil
}

func (r *Router) resolve(id string, res callResult) bool {
	r.mu.Lock()
	pc, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
		pc.timer.Stop()
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	pc.ch <- res
	return true
}

func (r *Router) failPending(c *Conn) {
	r.mu.Lock()
	var ids []string
	for id, pc := range r.pending {
		if pc.conn == c {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.resolve(id, callResult{err: ErrConnectionLost})
	}
}

func (r *Router) handleFrame(c *Conn, frame json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil || msg.ID == "" {
		r.logger.Debug("dropping ipc frame without message shape")
		return
	}
	switch msg.Type {
	case TypeResponse:
		if !r.resolve(msg.ID, callResult{payload: msg.Payload.Payload}) {
			r.mu.Lock()
			r.orphans++
			r.mu.Unlock()
			r.logger.Debug("dropping orphaned ipc response", "id", msg.ID, "action", msg.Payload.Action)
		}
	case TypeRequest:
		go r.serve(c, msg)
	default:
		r.logger.Debug("dropping ipc frame with unknown type", "type", string(msg.Type))
	}
}

func (r *Router) serve(c *Conn, msg Message) {
	action := msg.Payload.Action
	ctx := shared.WithScope(context.Background(), shared.Scope{TraceID: msg.ID})
	ctx, span := stowotel.StartIPCSpan(ctx, r.tracer, stowotel.Inbound, action, msg.ID)
	defer span.End()

	var (
		result any
		err    error
	)
	if r.handler == nil {
		err = Unsupported("UNSUPPORTED_ACTION", "no handler for action %q", action)
	} else {
		result, err = r.safeHandle(ctx, action, msg.Payload.Payload)
	}

	resp := Response{Success: err == nil}
	if err != nil {
		env := ToError(err)
		if env.Origin == "" && r.origin != "" {
			copied := *env
			copied.Origin = r.origin
			env = &copied
		}
		resp.Error = env
		stowotel.Fail(span, env)
		r.logger.Debug("ipc request failed", "action", action, "id", msg.ID, "kind", string(env.Kind), "code", env.Code)
	} else if result != nil {
		raw, mErr := marshalPayload(result)
		if mErr != nil {
			resp = Response{Error: Unexpected("BAD_RESULT", "encode result: %v", mErr)}
		} else {
			resp.Result = raw
		}
	}

	body, _ := json.Marshal(resp)
	out := Message{Type: TypeResponse, ID: msg.ID, Payload: Envelope{Action: action, Payload: body}}
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.Send(sendCtx, out); err != nil {
		r.logger.Warn("ipc response send failed", "action", action, "id", msg.ID, "error", err)
	}
}

func (r *Router) safeHandle(ctx context.Context, action string, payload json.RawMessage) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("ipc handler panic", "action", action, "panic", fmt.Sprint(rec))
			result, err = nil, Unexpected("HANDLER_PANIC", "handler for %q panicked", action)
		}
	}()
	return r.handler.HandleRequest(ctx, action, payload)
}

// Close fails every pending call and detaches the connection.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conn := r.conn
	r.conn = nil
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.resolve(id, callResult{err: ErrRouterClosed})
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}
