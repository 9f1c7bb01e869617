package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/basket/stowage/internal/audit"
	"github.com/basket/stowage/internal/bus"
	"github.com/basket/stowage/internal/config"
	"github.com/basket/stowage/internal/persistence"
	"github.com/google/uuid"
)

// runEnqueueObjectCommand records an object in folder_objects and turns the
// resulting object-added event into task rows. The running daemon picks the
// rows up on its next drain tick.
func runEnqueueObjectCommand(ctx context.Context, home string, args []string) int {
	fs := flag.NewFlagSet("enqueue-object", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	eventID := fs.String("event-id", "", "platform event id; repeating an id enqueues nothing new (default: random)")
	contentType := fs.String("content-type", "", "object content type")
	size := fs.Int64("size", 0, "object size in bytes")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: stowaged enqueue-object [-event-id id] [-content-type type] [-size n] <folder> <key>")
		return 2
	}
	folder, key := strings.TrimSpace(fs.Arg(0)), strings.TrimSpace(fs.Arg(1))
	if folder == "" || key == "" {
		fmt.Fprintln(os.Stderr, "enqueue-object: folder and key must be non-empty")
		return 2
	}
	if *eventID == "" {
		*eventID = uuid.NewString()
	}

	cfg, store, err := openForCommand(home)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()
	defer func() { _ = audit.Close() }()

	if err := store.UpsertFolderObject(ctx, persistence.FolderObject{
		FolderID:     folder,
		ObjectKey:    key,
		SizeBytes:    *size,
		ContentType:  *contentType,
		LastModified: time.Now().UTC(),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "record object: %v\n", err)
		return 1
	}

	// Drainers here are never started; they only validate and insert.
	pipe, err := newPipeline(pipelineOptions{
		Live:   newLiveConfig(cfg),
		Store:  store,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build pipeline: %v\n", err)
		return 1
	}
	results, err := pipe.trigger.Handle(ctx, bus.ObjectAddedEvent{EventID: *eventID, FolderID: folder, ObjectKey: key})
	if out, mErr := json.Marshal(map[string]any{"event_id": *eventID, "tasks": results}); mErr == nil {
		fmt.Println(string(out))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		return 1
	}
	audit.Record(audit.Allow, "object.enqueue", *eventID, folder+"/"+key)
	return 0
}

func runRequeueCommand(ctx context.Context, home string, args []string) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(os.Stderr, "usage: stowaged requeue <task-id>")
		return 2
	}
	_, store, err := openForCommand(home)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()
	defer func() { _ = audit.Close() }()

	taskID := strings.TrimSpace(args[0])
	if err := store.RequeueTask(ctx, taskID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "requeue %s: no such task\n", taskID)
		} else {
			fmt.Fprintf(os.Stderr, "requeue %s: %v\n", taskID, err)
		}
		return 1
	}
	audit.Record(audit.Allow, "task.requeue", "operator", taskID)
	fmt.Printf("requeued %s\n", taskID)
	return 0
}

func openForCommand(home string) (config.Config, *persistence.Store, error) {
	cfg, err := config.LoadFrom(home)
	if err != nil {
		return cfg, nil, fmt.Errorf("config load: %w", err)
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return cfg, nil, fmt.Errorf("open store: %w", err)
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		_ = store.Close()
		return cfg, nil, fmt.Errorf("init audit log: %w", err)
	}
	return cfg, store, nil
}
