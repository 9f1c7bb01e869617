package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventLevel string

const (
	LevelInfo  EventLevel = "INFO"
	LevelWarn  EventLevel = "WARN"
	LevelError EventLevel = "ERROR"
)

// Event is an append-only record of something that happened.
type Event struct {
	ID        string          `json:"id"`
	EmitterID string          `json:"emitter_id"`
	Kind      string          `json:"event_kind"`
	Payload   json.RawMessage `json:"payload"`
	FolderID  string          `json:"folder_id,omitempty"`
	ObjectKey string          `json:"object_key,omitempty"`
	Level     EventLevel      `json:"level"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Store) insertEventTx(ctx context.Context, tx *sql.Tx, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Level == "" {
		ev.Level = LevelInfo
	}
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage(`{}`)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.timestamp()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, emitter_id, event_kind, payload_json, folder_id, object_key, level, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, ev.ID, ev.EmitterID, ev.Kind, string(ev.Payload), nullString(ev.FolderID), nullString(ev.ObjectKey), string(ev.Level), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// AppendEvent records an event on its own.
func (s *Store) AppendEvent(ctx context.Context, ev Event) (string, error) {
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin event tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := s.insertEventTx(ctx, tx, &ev); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return ev.ID, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	var (
		ev      Event
		payload string
		folder  sql.NullString
		object  sql.NullString
		level   string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, emitter_id, event_kind, payload_json, folder_id, object_key, level, created_at
		FROM events WHERE id = ?;
	`, id).Scan(&ev.ID, &ev.EmitterID, &ev.Kind, &payload, &folder, &object, &level, &ev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	ev.Payload = json.RawMessage(payload)
	ev.FolderID = folder.String
	ev.ObjectKey = object.String
	ev.Level = EventLevel(level)
	return &ev, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
