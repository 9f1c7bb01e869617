// Package scheduler drains unstarted tasks from the store into registered
// handlers under a per-owner-class concurrency ceiling.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/stowage/internal/persistence"
)

var (
	ErrDuplicateKind    = errors.New("task kind already registered")
	ErrUnregisteredKind = errors.New("task kind not registered")
	ErrInvalidInput     = errors.New("task input failed validation")
)

// Progress appends entries to a running task's update log.
type Progress interface {
	Update(ctx context.Context, message string, data any) error
}

// Handler runs one claimed task. A nil return completes the task.
type Handler interface {
	Handle(ctx context.Context, task persistence.Task, progress Progress) error
}

type HandlerFunc func(ctx context.Context, task persistence.Task, progress Progress) error

func (f HandlerFunc) Handle(ctx context.Context, task persistence.Task, progress Progress) error {
	return f(ctx, task, progress)
}

type registration struct {
	handler Handler
	schema  *jsonschema.Schema
}

type RegisterOption func(kind string, reg *registration) error

// WithInputSchema validates enqueued input against a JSON schema document.
func WithInputSchema(schemaJSON string) RegisterOption {
	return func(kind string, reg *registration) error {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
		if err != nil {
			return fmt.Errorf("unmarshal schema for %s: %w", kind, err)
		}
		url := "mem://" + kind + ".json"
		c := jsonschema.NewCompiler()
		if err := c.AddResource(url, doc); err != nil {
			return fmt.Errorf("add schema resource: %w", err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", kind, err)
		}
		reg.schema = schema
		return nil
	}
}

// Registry maps task kinds to handlers. Each scheduler owns its own.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

func (r *Registry) Register(kind string, h Handler, opts ...RegisterOption) error {
	if strings.TrimSpace(kind) == "" {
		return errors.New("register handler: task kind is required")
	}
	if h == nil {
		return fmt.Errorf("register handler %s: nil handler", kind)
	}
	reg := registration{handler: h}
	for _, opt := range opts {
		if err := opt(kind, &reg); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[kind]; exists {
		return fmt.Errorf("register handler %s: %w", kind, ErrDuplicateKind)
	}
	r.entries[kind] = reg
	return nil
}

func (r *Registry) Lookup(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[kind]
	return reg.handler, ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate checks input against the kind's schema. Kinds without a schema,
// or not registered here, accept anything.
func (r *Registry) Validate(kind string, input json.RawMessage) error {
	r.mu.RLock()
	reg, ok := r.entries[kind]
	r.mu.RUnlock()
	if !ok || reg.schema == nil {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(input)))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidInput, kind, err)
	}
	if err := reg.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidInput, kind, err)
	}
	return nil
}
