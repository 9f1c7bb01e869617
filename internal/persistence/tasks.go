package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type OwnerClass string

const (
	OwnerCore OwnerClass = "CORE"
	OwnerApp  OwnerClass = "APP"
)

type TaskState string

const (
	StateUnstarted TaskState = "unstarted"
	StateStarted   TaskState = "started"
	StateCompleted TaskState = "completed"
	StateErrored   TaskState = "errored"
)

// ErrorCodeAbandoned marks a task whose run never reached a terminal state.
const ErrorCodeAbandoned = "ABANDONED"

type Task struct {
	ID               string          `json:"id"`
	OwnerClass       OwnerClass      `json:"owner_class"`
	OwnerID          string          `json:"owner_id"`
	TaskKind         string          `json:"task_kind"`
	Input            json.RawMessage `json:"input"`
	SubjectFolderID  string          `json:"subject_folder_id,omitempty"`
	SubjectObjectKey string          `json:"subject_object_key,omitempty"`
	TriggerEventID   string          `json:"trigger_event_id"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	ErrorAt          *time.Time      `json:"error_at,omitempty"`
	ErrorCode        string          `json:"error_code,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	ErrorDetails     json.RawMessage `json:"error_details,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// State derives the lifecycle state from the timestamp triple.
func (t Task) State() TaskState {
	switch {
	case t.StartedAt == nil:
		return StateUnstarted
	case t.CompletedAt != nil:
		return StateCompleted
	case t.ErrorAt != nil:
		return StateErrored
	default:
		return StateStarted
	}
}

type TaskUpdate struct {
	TaskID  string          `json:"task_id"`
	Seq     int             `json:"seq"`
	At      time.Time       `json:"at"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewTask is an insert request. Trigger is written in the same transaction.
type NewTask struct {
	OwnerClass       OwnerClass
	OwnerID          string
	TaskKind         string
	Input            json.RawMessage
	SubjectFolderID  string
	SubjectObjectKey string
	IdempotencyKey   string
	Trigger          Event
}

const taskColumns = `id, owner_class, owner_id, task_kind, input_json, subject_folder_id, subject_object_key,
	trigger_event_id, idempotency_key, started_at, completed_at, error_at, error_code, error_message,
	error_details, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		owner, input                           string
		folder, object, key, code, msg, detail sql.NullString
		started, completed, errored            sql.NullTime
	)
	if err := scanFn(
		&task.ID, &owner, &task.OwnerID, &task.TaskKind, &input, &folder, &object,
		&task.TriggerEventID, &key, &started, &completed, &errored, &code, &msg,
		&detail, &task.CreatedAt, &task.UpdatedAt,
	); err != nil {
		return err
	}
	task.OwnerClass = OwnerClass(owner)
	task.Input = json.RawMessage(input)
	task.SubjectFolderID = folder.String
	task.SubjectObjectKey = object.String
	task.IdempotencyKey = key.String
	task.StartedAt = timePtr(started)
	task.CompletedAt = timePtr(completed)
	task.ErrorAt = timePtr(errored)
	task.ErrorCode = code.String
	task.ErrorMessage = msg.String
	if detail.Valid && detail.String != "" {
		task.ErrorDetails = json.RawMessage(detail.String)
	}
	return nil
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

// InsertTaskWithEvent writes the trigger event and the task atomically. When
// a task with the same idempotency key exists, nothing is written and the
// existing id is returned with created=false.
func (s *Store) InsertTaskWithEvent(ctx context.Context, nt NewTask) (taskID string, created bool, err error) {
	if nt.OwnerClass != OwnerCore && nt.OwnerClass != OwnerApp {
		return "", false, fmt.Errorf("insert task: unknown owner class %q", nt.OwnerClass)
	}
	if strings.TrimSpace(nt.TaskKind) == "" {
		return "", false, fmt.Errorf("insert task: task kind is required")
	}
	if len(nt.Input) == 0 {
		nt.Input = json.RawMessage(`{}`)
	}

	err = retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin insert task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if nt.IdempotencyKey != "" {
			existing, err := findByKeyTx(ctx, tx, nt.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != "" {
				taskID, created = existing, false
				return nil
			}
		}

		trigger := nt.Trigger
		if trigger.FolderID == "" {
			trigger.FolderID = nt.SubjectFolderID
		}
		if trigger.ObjectKey == "" {
			trigger.ObjectKey = nt.SubjectObjectKey
		}
		if err := s.insertEventTx(ctx, tx, &trigger); err != nil {
			return err
		}

		id := uuid.NewString()
		now := s.timestamp()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, owner_class, owner_id, task_kind, input_json, subject_folder_id,
				subject_object_key, trigger_event_id, idempotency_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, id, string(nt.OwnerClass), nt.OwnerID, nt.TaskKind, string(nt.Input),
			nullString(nt.SubjectFolderID), nullString(nt.SubjectObjectKey), trigger.ID,
			nullString(nt.IdempotencyKey), now, now); err != nil {
			if isUniqueViolation(err) && nt.IdempotencyKey != "" {
				return errDuplicateKey
			}
			return fmt.Errorf("insert task: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit insert task tx: %w", err)
		}
		taskID, created = id, true
		return nil
	})
	if errors.Is(err, errDuplicateKey) {
		existing, lookupErr := s.FindByIdempotencyKey(ctx, nt.IdempotencyKey)
		if lookupErr != nil {
			return "", false, lookupErr
		}
		return existing.ID, false, nil
	}
	if err != nil {
		return "", false, err
	}
	return taskID, created, nil
}

var errDuplicateKey = errors.New("duplicate idempotency key")

func findByKeyTx(ctx context.Context, tx *sql.Tx, key string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM tasks WHERE idempotency_key = ?;`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup idempotency key: %w", err)
	}
	return id, nil
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE idempotency_key = ?;`, key)
	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find task by key: %w", err)
	}
	return &task, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// kindFilter builds "AND task_kind IN (...)" or "NOT IN" for the given kinds.
func kindFilter(kinds []string, negate bool) (string, []any) {
	if len(kinds) == 0 {
		if negate {
			return "", nil
		}
		return " AND 0", nil
	}
	op := "IN"
	if negate {
		op = "NOT IN"
	}
	args := make([]any, 0, len(kinds))
	for _, k := range kinds {
		args = append(args, k)
	}
	return fmt.Sprintf(" AND task_kind %s (%s)", op, strings.TrimSuffix(strings.Repeat("?,", len(kinds)), ",")), args
}

func (s *Store) listUnstarted(ctx context.Context, owner OwnerClass, kinds []string, negate bool, limit int) ([]Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	filter, kindArgs := kindFilter(kinds, negate)
	args := append([]any{string(owner)}, kindArgs...)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE owner_class = ? AND started_at IS NULL`+filter+`
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list unstarted tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// ListUnstarted returns up to limit unstarted tasks of the owner class whose
// kind is one of kinds, oldest first.
func (s *Store) ListUnstarted(ctx context.Context, owner OwnerClass, kinds []string, limit int) ([]Task, error) {
	return s.listUnstarted(ctx, owner, kinds, false, limit)
}

// ListUnstartedExcept returns unstarted tasks whose kind is not in kinds.
func (s *Store) ListUnstartedExcept(ctx context.Context, owner OwnerClass, kinds []string, limit int) ([]Task, error) {
	return s.listUnstarted(ctx, owner, kinds, true, limit)
}

func (s *Store) HasUnstarted(ctx context.Context, owner OwnerClass, kinds []string) (bool, error) {
	filter, kindArgs := kindFilter(kinds, false)
	args := append([]any{string(owner)}, kindArgs...)
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM tasks WHERE owner_class = ? AND started_at IS NULL`+filter+`);
	`, args...).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check unstarted tasks: %w", err)
	}
	return exists == 1, nil
}

// CountRunning counts claimed tasks without a terminal timestamp.
func (s *Store) CountRunning(ctx context.Context, owner OwnerClass) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE owner_class = ? AND started_at IS NOT NULL AND completed_at IS NULL AND error_at IS NULL;
	`, string(owner)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running tasks: %w", err)
	}
	return n, nil
}

// ClaimTask sets started_at only if it was null and returns the value it
// wrote. Exactly one caller wins; losers get a zero time and false.
func (s *Store) ClaimTask(ctx context.Context, taskID string) (time.Time, bool, error) {
	var (
		startedAt time.Time
		claimed   bool
	)
	err := retryOnBusy(ctx, func() error {
		now := s.timestamp()
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET started_at = ?, updated_at = ?
			WHERE id = ? AND started_at IS NULL;
		`, now, now, taskID)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim task rows affected: %w", err)
		}
		claimed = n == 1
		if claimed {
			startedAt = now
		}
		return nil
	})
	return startedAt, claimed, err
}

func (s *Store) CompleteTask(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, func() error {
		now := s.timestamp()
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET completed_at = ?, updated_at = ?
			WHERE id = ? AND started_at IS NOT NULL AND completed_at IS NULL AND error_at IS NULL;
		`, now, now, taskID)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		return requireOneRow(res, taskID)
	})
}

// FailTask records the errored terminal state. details may be nil.
func (s *Store) FailTask(ctx context.Context, taskID, code, message string, details json.RawMessage) error {
	return retryOnBusy(ctx, func() error {
		now := s.timestamp()
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET error_at = ?, error_code = ?, error_message = ?, error_details = ?, updated_at = ?
			WHERE id = ? AND started_at IS NOT NULL AND completed_at IS NULL AND error_at IS NULL;
		`, now, code, message, nullString(string(details)), now, taskID)
		if err != nil {
			return fmt.Errorf("fail task: %w", err)
		}
		return requireOneRow(res, taskID)
	})
}

func requireOneRow(res sql.Result, taskID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("task %s: %w", taskID, ErrInvalidTransition)
	}
	return nil
}

// AppendUpdate adds an entry to the task's ordered update log.
func (s *Store) AppendUpdate(ctx context.Context, taskID, message string, data any) error {
	var dataJSON sql.NullString
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal update data: %w", err)
		}
		dataJSON = sql.NullString{String: string(raw), Valid: true}
	}
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var seq int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM task_updates WHERE task_id = ?;`, taskID).Scan(&seq); err != nil {
			return fmt.Errorf("next update seq: %w", err)
		}
		now := s.timestamp()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_updates (task_id, seq, at, message, data_json) VALUES (?, ?, ?, ?, ?);
		`, taskID, seq, now, message, dataJSON); err != nil {
			return fmt.Errorf("insert task update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET updated_at = ? WHERE id = ?;`, now, taskID); err != nil {
			return fmt.Errorf("touch task: %w", err)
		}
		return tx.Commit()
	})
}

func (s *Store) ListUpdates(ctx context.Context, taskID string) ([]TaskUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, seq, at, message, data_json FROM task_updates WHERE task_id = ? ORDER BY seq ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task updates: %w", err)
	}
	defer rows.Close()

	var out []TaskUpdate
	for rows.Next() {
		var u TaskUpdate
		var data sql.NullString
		if err := rows.Scan(&u.TaskID, &u.Seq, &u.At, &u.Message, &data); err != nil {
			return nil, fmt.Errorf("scan task update: %w", err)
		}
		if data.Valid {
			u.Data = json.RawMessage(data.String)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// RecoverStale marks tasks that were claimed more than olderThan ago and
// never finished as errored with ErrorCodeAbandoned.
func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recover tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, started_at FROM tasks
		WHERE started_at IS NOT NULL AND completed_at IS NULL AND error_at IS NULL;
	`)
	if err != nil {
		return 0, fmt.Errorf("query in-flight tasks: %w", err)
	}
	now := s.timestamp()
	cutoff := now.Add(-olderThan)
	var stale []string
	for rows.Next() {
		var id string
		var started time.Time
		if err := rows.Scan(&id, &started); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan in-flight task: %w", err)
		}
		if started.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, fmt.Errorf("close in-flight rows: %w", err)
	}

	var recovered int64
	for _, id := range stale {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET error_at = ?, error_code = ?, error_message = ?, updated_at = ?
			WHERE id = ? AND completed_at IS NULL AND error_at IS NULL;
		`, now, ErrorCodeAbandoned, "task did not finish before the stale deadline", now, id)
		if err != nil {
			return 0, fmt.Errorf("mark task abandoned: %w", err)
		}
		n, _ := res.RowsAffected()
		recovered += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recover tx: %w", err)
	}
	return recovered, nil
}

// RequeueTask returns an errored task to the unstarted state.
func (s *Store) RequeueTask(ctx context.Context, taskID string) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State() != StateErrored {
		return fmt.Errorf("requeue task %s in state %s: %w", taskID, task.State(), ErrInvalidTransition)
	}
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET started_at = NULL, error_at = NULL, error_code = NULL, error_message = NULL,
				error_details = NULL, updated_at = ?
			WHERE id = ? AND error_at IS NOT NULL AND completed_at IS NULL;
		`, s.timestamp(), taskID)
		if err != nil {
			return fmt.Errorf("requeue task: %w", err)
		}
		return requireOneRow(res, taskID)
	})
}

// ReleaseTask returns a started, unfinished task to unstarted so another
// drain cycle can claim it.
func (s *Store) ReleaseTask(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET started_at = NULL, updated_at = ?
			WHERE id = ? AND started_at IS NOT NULL AND completed_at IS NULL AND error_at IS NULL;
		`, s.timestamp(), taskID)
		if err != nil {
			return fmt.Errorf("release task: %w", err)
		}
		return requireOneRow(res, taskID)
	})
}
