package shared

import (
	"context"

	"github.com/google/uuid"
)

// CoreOwnerID is the owner identifier of platform tasks.
const CoreOwnerID = "core"

// Scope identifies the unit of work a context belongs to: one task run on
// the host, or one inbound IPC request.
type Scope struct {
	TraceID  string
	TaskID   string
	TaskKind string
	OwnerID  string
}

type scopeKey struct{}

// WithScope attaches s to ctx. Empty fields of s inherit from any scope
// already on ctx.
func WithScope(ctx context.Context, s Scope) context.Context {
	parent := ScopeFrom(ctx)
	if s.TraceID == "" {
		s.TraceID = parent.TraceID
	}
	if s.TaskID == "" {
		s.TaskID = parent.TaskID
	}
	if s.TaskKind == "" {
		s.TaskKind = parent.TaskKind
	}
	if s.OwnerID == "" {
		s.OwnerID = parent.OwnerID
	}
	return context.WithValue(ctx, scopeKey{}, s)
}

func ScopeFrom(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}

// LogAttrs returns slog key/value pairs for the non-empty fields.
func (s Scope) LogAttrs() []any {
	attrs := make([]any, 0, 8)
	for _, kv := range [...][2]string{
		{"trace_id", s.TraceID},
		{"task_id", s.TaskID},
		{"kind", s.TaskKind},
		{"owner_id", s.OwnerID},
	} {
		if kv[1] != "" {
			attrs = append(attrs, kv[0], kv[1])
		}
	}
	return attrs
}

// TraceID returns the scope's trace id, or "-" outside any scope.
func TraceID(ctx context.Context) string {
	if id := ScopeFrom(ctx).TraceID; id != "" {
		return id
	}
	return "-"
}

func NewTraceID() string {
	return uuid.NewString()
}
