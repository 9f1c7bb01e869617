package persistence_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/stowage/internal/persistence"
	"golang.org/x/sync/errgroup"
)

func insertTask(t *testing.T, store *persistence.Store, owner persistence.OwnerClass, kind, key string) string {
	t.Helper()
	id, created, err := store.InsertTaskWithEvent(context.Background(), persistence.NewTask{
		OwnerClass:       owner,
		OwnerID:          "core",
		TaskKind:         kind,
		Input:            json.RawMessage(`{"folderId":"f1","objectKey":"k1"}`),
		SubjectFolderID:  "f1",
		SubjectObjectKey: "k1",
		IdempotencyKey:   key,
		Trigger:          persistence.Event{EmitterID: "core", Kind: "object_added"},
	})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if !created {
		t.Fatalf("expected new task for key %q", key)
	}
	return id
}

func TestInsertTaskWithEvent_LinksTrigger(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	id := insertTask(t, store, persistence.OwnerCore, "AnalyzeObject", "key-1")

	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State() != persistence.StateUnstarted {
		t.Fatalf("expected unstarted, got %s", task.State())
	}
	ev, err := store.GetEvent(ctx, task.TriggerEventID)
	if err != nil {
		t.Fatalf("trigger event must exist: %v", err)
	}
	if ev.FolderID != "f1" || ev.ObjectKey != "k1" {
		t.Fatalf("trigger should inherit subject, got %+v", ev)
	}
}

func TestInsertTaskWithEvent_IdempotentKey(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	first := insertTask(t, store, persistence.OwnerCore, "AnalyzeObject", "same-key")

	second, created, err := store.InsertTaskWithEvent(ctx, persistence.NewTask{
		OwnerClass:     persistence.OwnerCore,
		OwnerID:        "core",
		TaskKind:       "AnalyzeObject",
		IdempotencyKey: "same-key",
		Trigger:        persistence.Event{EmitterID: "core", Kind: "object_added"},
	})
	if err != nil {
		t.Fatalf("duplicate insert should not error: %v", err)
	}
	if created || second != first {
		t.Fatalf("expected existing task %s, got %s created=%v", first, second, created)
	}

	var tasks, events int
	_ = store.DB().QueryRow(`SELECT COUNT(*) FROM tasks;`).Scan(&tasks)
	_ = store.DB().QueryRow(`SELECT COUNT(*) FROM events;`).Scan(&events)
	if tasks != 1 || events != 1 {
		t.Fatalf("expected one task and one event, got %d tasks %d events", tasks, events)
	}
}

func TestInsertTaskWithEvent_ConcurrentDuplicates(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	var created atomic.Int32
	ids := make([]string, 8)
	var g errgroup.Group
	for i := range ids {
		g.Go(func() error {
			id, ok, err := store.InsertTaskWithEvent(ctx, persistence.NewTask{
				OwnerClass:     persistence.OwnerCore,
				OwnerID:        "core",
				TaskKind:       "AnalyzeObject",
				IdempotencyKey: "burst",
				Trigger:        persistence.Event{EmitterID: "core", Kind: "object_added"},
			})
			if ok {
				created.Add(1)
			}
			ids[i] = id
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent insert: %v", err)
	}
	if created.Load() != 1 {
		t.Fatalf("expected exactly one created task, got %d", created.Load())
	}
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("expected all callers to see %s, got %v", ids[0], ids)
		}
	}
}

func TestInsertTaskWithEvent_Validates(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	if _, _, err := store.InsertTaskWithEvent(ctx, persistence.NewTask{OwnerClass: "OTHER", TaskKind: "x"}); err == nil {
		t.Fatal("expected unknown owner class error")
	}
	if _, _, err := store.InsertTaskWithEvent(ctx, persistence.NewTask{OwnerClass: persistence.OwnerApp}); err == nil {
		t.Fatal("expected missing kind error")
	}
}

func TestClaimTask_SingleWinnerUnderRace(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	id := insertTask(t, store, persistence.OwnerCore, "AnalyzeObject", "race")

	const racers = 16
	var wins atomic.Int32
	var won atomic.Pointer[time.Time]
	var g errgroup.Group
	for i := 0; i < racers; i++ {
		g.Go(func() error {
			at, ok, err := store.ClaimTask(ctx, id)
			if ok {
				wins.Add(1)
				won.Store(&at)
			} else if !at.IsZero() {
				t.Errorf("losing claim returned time %v", at)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("claim race: %v", err)
	}
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins.Load())
	}

	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.State() != persistence.StateStarted {
		t.Fatalf("expected started, got %s", task.State())
	}
	if task.StartedAt == nil || !task.StartedAt.Equal(*won.Load()) {
		t.Fatalf("started_at = %v, claim returned %v", task.StartedAt, *won.Load())
	}
}

func TestTaskTransitions(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	done := insertTask(t, store, persistence.OwnerCore, "AnalyzeObject", "done")
	if err := store.CompleteTask(ctx, done); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("completing an unstarted task should fail, got %v", err)
	}
	if _, ok, err := store.ClaimTask(ctx, done); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if err := store.CompleteTask(ctx, done); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.FailTask(ctx, done, "X", "late", nil); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("failing a completed task should fail, got %v", err)
	}
	task, _ := store.GetTask(ctx, done)
	if task.State() != persistence.StateCompleted {
		t.Fatalf("expected completed, got %s", task.State())
	}

	failed := insertTask(t, store, persistence.OwnerCore, "AnalyzeObject", "failed")
	if _, _, err := store.ClaimTask(ctx, failed); err != nil {
		t.Fatalf("claim: %v", err)
	}
	details := json.RawMessage(`{"kind":"not_found","message":"missing"}`)
	if err := store.FailTask(ctx, failed, "TimeoutError", "ipc request timed out", details); err != nil {
		t.Fatalf("fail: %v", err)
	}
	task, _ = store.GetTask(ctx, failed)
	if task.State() != persistence.StateErrored || task.ErrorCode != "TimeoutError" {
		t.Fatalf("unexpected errored task: %+v", task)
	}
	if string(task.ErrorDetails) != string(details) {
		t.Fatalf("error details = %s", task.ErrorDetails)
	}
}

func TestListUnstarted_FiltersAndOrders(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	store.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	a := insertTask(t, store, persistence.OwnerCore, "AnalyzeObject", "a")
	_ = insertTask(t, store, persistence.OwnerCore, "Unknown", "b")
	c := insertTask(t, store, persistence.OwnerCore, "AnalyzeObject", "c")
	_ = insertTask(t, store, persistence.OwnerApp, "AnalyzeObject", "d")

	got, err := store.ListUnstarted(ctx, persistence.OwnerCore, []string{"AnalyzeObject"}, 10)
	if err != nil {
		t.Fatalf("list unstarted: %v", err)
	}
	if len(got) != 2 || got[0].ID != a || got[1].ID != c {
		t.Fatalf("expected [a c] in insertion order, got %+v", got)
	}

	limited, err := store.ListUnstarted(ctx, persistence.OwnerCore, []string{"AnalyzeObject"}, 1)
	if err != nil || len(limited) != 1 || limited[0].ID != a {
		t.Fatalf("limit not honored: %+v err=%v", limited, err)
	}

	none, err := store.ListUnstarted(ctx, persistence.OwnerCore, nil, 10)
	if err != nil || len(none) != 0 {
		t.Fatalf("no kinds should match nothing, got %d err=%v", len(none), err)
	}

	outside, err := store.ListUnstartedExcept(ctx, persistence.OwnerCore, []string{"AnalyzeObject"}, 10)
	if err != nil || len(outside) != 1 || outside[0].TaskKind != "Unknown" {
		t.Fatalf("expected one unregistered kind, got %+v err=%v", outside, err)
	}

	more, err := store.HasUnstarted(ctx, persistence.OwnerCore, []string{"AnalyzeObject"})
	if err != nil || !more {
		t.Fatalf("expected unstarted work, got %v err=%v", more, err)
	}
	if _, _, err := store.ClaimTask(ctx, a); err != nil {
		t.Fatalf("claim: %v", err)
	}
	running, err := store.CountRunning(ctx, persistence.OwnerCore)
	if err != nil || running != 1 {
		t.Fatalf("expected 1 running, got %d err=%v", running, err)
	}
}

func TestAppendUpdate_Ordered(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	id := insertTask(t, store, persistence.OwnerCore, "AnalyzeObject", "updates")

	for i := 1; i <= 3; i++ {
		if err := store.AppendUpdate(ctx, id, fmt.Sprintf("step %d", i), map[string]int{"step": i}); err != nil {
			t.Fatalf("append update: %v", err)
		}
	}
	if err := store.AppendUpdate(ctx, id, "no data", nil); err != nil {
		t.Fatalf("append update: %v", err)
	}
	updates, err := store.ListUpdates(ctx, id)
	if err != nil {
		t.Fatalf("list updates: %v", err)
	}
	if len(updates) != 4 {
		t.Fatalf("expected 4 updates, got %d", len(updates))
	}
	for i, u := range updates {
		if u.Seq != i+1 {
			t.Fatalf("update %d has seq %d", i, u.Seq)
		}
	}
	if string(updates[1].Data) != `{"step":2}` || updates[3].Data != nil {
		t.Fatalf("unexpected update data: %s / %s", updates[1].Data, updates[3].Data)
	}
}

func TestRecoverStale_MarksAbandoned(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	old := insertTask(t, store, persistence.OwnerCore, "AnalyzeObject", "old")
	if _, _, err := store.ClaimTask(ctx, old); err != nil {
		t.Fatalf("claim: %v", err)
	}

	now = now.Add(2 * time.Hour)
	fresh := insertTask(t, store, persistence.OwnerCore, "AnalyzeObject", "fresh")
	if _, _, err := store.ClaimTask(ctx, fresh); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := store.RecoverStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered, got %d", n)
	}
	task, _ := store.GetTask(ctx, old)
	if task.State() != persistence.StateErrored || task.ErrorCode != persistence.ErrorCodeAbandoned {
		t.Fatalf("expected abandoned, got %+v", task)
	}
	task, _ = store.GetTask(ctx, fresh)
	if task.State() != persistence.StateStarted {
		t.Fatalf("fresh task should stay started, got %s", task.State())
	}
}

func TestRequeueTask(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	id := insertTask(t, store, persistence.OwnerCore, "AnalyzeObject", "requeue")

	if err := store.RequeueTask(ctx, id); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("requeue of unstarted task should fail, got %v", err)
	}
	if _, _, err := store.ClaimTask(ctx, id); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.FailTask(ctx, id, "NotReadyError", "worker not ready", nil); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := store.RequeueTask(ctx, id); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	task, _ := store.GetTask(ctx, id)
	if task.State() != persistence.StateUnstarted || task.ErrorCode != "" {
		t.Fatalf("expected clean unstarted task, got %+v", task)
	}
	if err := store.RequeueTask(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReleaseTask(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	id := insertTask(t, store, persistence.OwnerCore, "AnalyzeObject", "release")

	if err := store.ReleaseTask(ctx, id); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("release of unstarted task should fail, got %v", err)
	}
	if _, ok, err := store.ClaimTask(ctx, id); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if err := store.ReleaseTask(ctx, id); err != nil {
		t.Fatalf("release: %v", err)
	}
	task, _ := store.GetTask(ctx, id)
	if task.State() != persistence.StateUnstarted {
		t.Fatalf("expected unstarted after release, got %s", task.State())
	}
	if _, ok, err := store.ClaimTask(ctx, id); err != nil || !ok {
		t.Fatalf("reclaim: ok=%v err=%v", ok, err)
	}
	if err := store.CompleteTask(ctx, id); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.ReleaseTask(ctx, id); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("release of completed task should fail, got %v", err)
	}
}
