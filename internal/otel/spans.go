package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrTaskID      = attribute.Key("stowage.task.id")
	AttrTaskKind    = attribute.Key("stowage.task.kind")
	AttrOwnerID     = attribute.Key("stowage.owner.id")
	AttrTaskOutcome = attribute.Key("stowage.task.outcome")
	AttrIPCAction   = attribute.Key("stowage.ipc.action")
	AttrIPCMessage  = attribute.Key("stowage.ipc.message_id")
	AttrInstanceID  = attribute.Key("stowage.worker.instance_id")
)

// Direction says which side of the socket an IPC span belongs to.
type Direction int

const (
	// Outbound is a request this process sent and awaits.
	Outbound Direction = iota
	// Inbound is a request the peer sent for this process to serve.
	Inbound
)

// StartTaskSpan starts the span covering one handler invocation.
func StartTaskSpan(ctx context.Context, tracer trace.Tracer, taskID, taskKind, ownerID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "task "+taskKind,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrTaskID.String(taskID),
			AttrTaskKind.String(taskKind),
			AttrOwnerID.String(ownerID),
		),
	)
}

// StartIPCSpan starts a client span for Outbound calls and a server span for
// Inbound ones. msgID may be empty before the request id is assigned.
func StartIPCSpan(ctx context.Context, tracer trace.Tracer, dir Direction, action, msgID string) (context.Context, trace.Span) {
	kind, name := trace.SpanKindClient, "ipc "+action
	if dir == Inbound {
		kind, name = trace.SpanKindServer, "ipc serve "+action
	}
	attrs := []attribute.KeyValue{AttrIPCAction.String(action)}
	if msgID != "" {
		attrs = append(attrs, AttrIPCMessage.String(msgID))
	}
	return tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// EndTask tags the span with outcome and ends it.
func EndTask(span trace.Span, outcome string) {
	span.SetAttributes(AttrTaskOutcome.String(outcome))
	span.End()
}

// Fail records err on span and marks it errored. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
