package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/stowage/internal/bus"
	"github.com/basket/stowage/internal/config"
	"github.com/basket/stowage/internal/scheduler"
)

// Enqueuer is satisfied by *scheduler.Drainer.
type Enqueuer interface {
	Enqueue(ctx context.Context, req scheduler.EnqueueRequest) (scheduler.EnqueueResult, error)
}

type objectTrigger struct {
	EventID   string `json:"eventId,omitempty"`
	FolderID  string `json:"folderId"`
	ObjectKey string `json:"objectKey"`
}

// ObjectAddedTrigger turns object-added events into an AnalyzeObject task
// plus one task per app subscribed to OBJECT_ADDED.
type ObjectAddedTrigger struct {
	core   Enqueuer
	app    Enqueuer
	apps   func() []config.AppConfig
	logger *slog.Logger
}

func NewObjectAddedTrigger(core, app Enqueuer, apps func() []config.AppConfig, logger *slog.Logger) *ObjectAddedTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	if apps == nil {
		apps = func() []config.AppConfig { return nil }
	}
	return &ObjectAddedTrigger{core: core, app: app, apps: apps, logger: logger.With("component", "object_trigger")}
}

// Handle enqueues the tasks for one event. Redelivering the same event
// resolves to the tasks already enqueued.
func (t *ObjectAddedTrigger) Handle(ctx context.Context, ev bus.ObjectAddedEvent) ([]scheduler.EnqueueResult, error) {
	if ev.FolderID == "" || ev.ObjectKey == "" {
		return nil, errors.New("object added event: folder id and object key are required")
	}
	dedupe := objectTrigger{EventID: ev.EventID, FolderID: ev.FolderID, ObjectKey: ev.ObjectKey}
	var out []scheduler.EnqueueResult

	res, err := t.core.Enqueue(ctx, scheduler.EnqueueRequest{
		Kind:      KindAnalyzeObject,
		Input:     AnalyzeObjectInput{FolderID: ev.FolderID, ObjectKey: ev.ObjectKey},
		FolderID:  ev.FolderID,
		ObjectKey: ev.ObjectKey,
		Dedupe:    dedupe,
		EventKind: bus.KindObjectAdded,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue analysis: %w", err)
	}
	out = append(out, res)

	var errs []error
	for _, app := range t.apps() {
		kind, ok := app.Subscribes[bus.KindObjectAdded]
		if !ok || t.app == nil {
			continue
		}
		res, err := t.app.Enqueue(ctx, scheduler.EnqueueRequest{
			Kind:      AppTaskKind(app.Identifier, kind),
			OwnerID:   app.Identifier,
			Input:     AnalyzeObjectInput{FolderID: ev.FolderID, ObjectKey: ev.ObjectKey},
			FolderID:  ev.FolderID,
			ObjectKey: ev.ObjectKey,
			Dedupe:    dedupe,
			EventKind: bus.KindObjectAdded,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s for app %s: %w", kind, app.Identifier, err))
			continue
		}
		out = append(out, res)
	}
	return out, errors.Join(errs...)
}

// triggerBuffer bounds queued object-added events. An event missed because
// the buffer was full is logged; the drain tick does not recover it.
const triggerBuffer = 1024

// Run consumes object-added events from the bus until ctx is done.
func (t *ObjectAddedTrigger) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe(bus.TopicObjectAdded, bus.Exact(), bus.WithBuffer(triggerBuffer))
	defer b.Unsubscribe(sub)
	var missed int64
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if m := sub.Missed(); m > missed {
				t.logger.Error("object added events lost; trigger fell behind", "lost", m-missed)
				missed = m
			}
			payload, ok := ev.Payload.(bus.ObjectAddedEvent)
			if !ok {
				t.logger.Warn("ignoring object added event with unexpected payload", "type", fmt.Sprintf("%T", ev.Payload))
				continue
			}
			results, err := t.Handle(ctx, payload)
			if err != nil {
				t.logger.Error("object added trigger failed", "folder_id", payload.FolderID, "object_key", payload.ObjectKey, "error", err)
			}
			for _, r := range results {
				t.logger.Debug("object added trigger enqueued", "task_id", r.TaskID, "already_enqueued", r.AlreadyEnqueued)
			}
		}
	}
}
