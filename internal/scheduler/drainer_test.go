package scheduler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/stowage/internal/ipc"
	"github.com/basket/stowage/internal/persistence"
	"github.com/basket/stowage/internal/scheduler"
	"github.com/basket/stowage/internal/worker"
)

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "stowage.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Notify(_ context.Context, folderID, kind string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, folderID+":"+kind)
	return nil
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// startDrainer runs a drainer until the test ends.
func startDrainer(t *testing.T, cfg scheduler.Config) *scheduler.Drainer {
	t.Helper()
	d, err := scheduler.NewDrainer(cfg)
	if err != nil {
		t.Fatalf("new drainer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Wait()
	})
	return d
}

func taskState(t *testing.T, store *persistence.Store, id string) persistence.TaskState {
	t.Helper()
	task, err := store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return task.State()
}

func TestDrainer_AnalyzeObjectScenario(t *testing.T) {
	store := openTestStore(t)
	reg := scheduler.NewRegistry()

	var calls atomic.Int32
	got := make(chan json.RawMessage, 1)
	if err := reg.Register("AnalyzeObject", scheduler.HandlerFunc(func(_ context.Context, task persistence.Task, _ scheduler.Progress) error {
		calls.Add(1)
		if task.StartedAt == nil || task.State() != persistence.StateStarted {
			return errors.New("handler saw unclaimed task")
		}
		got <- task.Input
		return nil
	})); err != nil {
		t.Fatal(err)
	}

	d, err := scheduler.NewDrainer(scheduler.Config{Owner: persistence.OwnerCore, Ceiling: 10, Store: store, Registry: reg})
	if err != nil {
		t.Fatal(err)
	}
	if st := d.Status(); st.Running != 0 || st.Ceiling != 10 {
		t.Fatalf("unexpected initial status %+v", st)
	}
	res, err := d.Enqueue(context.Background(), scheduler.EnqueueRequest{
		Kind:     "AnalyzeObject",
		Input:    map[string]string{"folderId": "f1", "objectKey": "k1"},
		FolderID: "f1", ObjectKey: "k1",
	})
	if err != nil || res.AlreadyEnqueued {
		t.Fatalf("enqueue: %+v %v", res, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); d.Wait() }()
	d.Start(ctx)

	select {
	case input := <-got:
		var payload map[string]string
		if err := json.Unmarshal(input, &payload); err != nil {
			t.Fatal(err)
		}
		if payload["folderId"] != "f1" || payload["objectKey"] != "k1" {
			t.Fatalf("unexpected payload %v", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler was not invoked")
	}
	waitFor(t, 2*time.Second, func() bool { return taskState(t, store, res.TaskID) == persistence.StateCompleted })
	task, _ := store.GetTask(context.Background(), res.TaskID)
	if task.StartedAt == nil || task.OwnerID != "core" {
		t.Fatalf("unexpected task %+v", task)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler called %d times, want 1", n)
	}
}

func TestDrainer_RespectsCeiling(t *testing.T) {
	const ceiling, total = 3, 12
	store := openTestStore(t)
	reg := scheduler.NewRegistry()

	var inFlight, peak, done atomic.Int32
	_ = reg.Register("Slow", scheduler.HandlerFunc(func(context.Context, persistence.Task, scheduler.Progress) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		done.Add(1)
		return nil
	}))

	d, _ := scheduler.NewDrainer(scheduler.Config{Owner: persistence.OwnerCore, Ceiling: ceiling, Store: store, Registry: reg})
	for i := range total {
		if _, err := d.Enqueue(context.Background(), scheduler.EnqueueRequest{Kind: "Slow", Input: map[string]int{"n": i}}); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); d.Wait() }()
	d.Start(ctx)

	waitFor(t, 5*time.Second, func() bool { return done.Load() == total })
	if p := peak.Load(); p > ceiling {
		t.Fatalf("peak in-flight %d exceeds ceiling %d", p, ceiling)
	}
	if p := peak.Load(); p < 2 {
		t.Fatalf("expected handlers to overlap, peak %d", p)
	}
	waitFor(t, time.Second, func() bool { return d.Status().Running == 0 })
}

func TestDrainer_EnqueueIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	reg := scheduler.NewRegistry()
	var calls atomic.Int32
	_ = reg.Register("AnalyzeObject", scheduler.HandlerFunc(func(context.Context, persistence.Task, scheduler.Progress) error {
		calls.Add(1)
		return nil
	}))
	d := startDrainer(t, scheduler.Config{Owner: persistence.OwnerCore, Store: store, Registry: reg})

	ctx := context.Background()
	first, err := d.Enqueue(ctx, scheduler.EnqueueRequest{Kind: "AnalyzeObject", Input: json.RawMessage(`{"folderId":"f1","objectKey":"k1"}`)})
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.Enqueue(ctx, scheduler.EnqueueRequest{Kind: "AnalyzeObject", Input: json.RawMessage(`{ "objectKey": "k1", "folderId": "f1" }`)})
	if err != nil {
		t.Fatal(err)
	}
	if !second.AlreadyEnqueued || second.TaskID != first.TaskID {
		t.Fatalf("expected duplicate of %s, got %+v", first.TaskID, second)
	}
	waitFor(t, 2*time.Second, func() bool { return taskState(t, store, first.TaskID) == persistence.StateCompleted })
	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler called %d times, want 1", n)
	}
}

func TestDrainer_UnregisteredKindLoggedOnce(t *testing.T) {
	store := openTestStore(t)
	reg := scheduler.NewRegistry()
	_ = reg.Register("Known", scheduler.HandlerFunc(func(context.Context, persistence.Task, scheduler.Progress) error { return nil }))
	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))

	d := startDrainer(t, scheduler.Config{Owner: persistence.OwnerCore, Store: store, Registry: reg, Logger: logger})
	ctx := context.Background()
	mystery, err := d.Enqueue(ctx, scheduler.EnqueueRequest{Kind: "Mystery", Input: map[string]string{"x": "1"}})
	if err != nil {
		t.Fatal(err)
	}
	known, _ := d.Enqueue(ctx, scheduler.EnqueueRequest{Kind: "Known", Input: map[string]string{"x": "1"}})

	waitFor(t, 2*time.Second, func() bool { return taskState(t, store, known.TaskID) == persistence.StateCompleted })
	for range 5 {
		d.Trigger()
		time.Sleep(20 * time.Millisecond)
	}
	if got := taskState(t, store, mystery.TaskID); got != persistence.StateUnstarted {
		t.Fatalf("unregistered task state = %s, want unstarted", got)
	}
	if n := strings.Count(logs.String(), "no handler registered"); n != 1 {
		t.Fatalf("unregistered kind logged %d times, want 1", n)
	}
	if !strings.Contains(d.Status().LastError, "not registered") {
		t.Fatalf("last error = %q", d.Status().LastError)
	}
}

func TestDrainer_RecordsErrorCodes(t *testing.T) {
	store := openTestStore(t)
	reg := scheduler.NewRegistry()
	appErr := ipc.Unexpected("EXECUTE_FAILED", "task failed").Wrap(&ipc.Error{
		Kind: ipc.KindInvalid, Code: "APP_BAD_INPUT", Message: "missing page count", Origin: ipc.OriginApp,
	})
	failures := map[string]error{
		"Processor": &scheduler.ProcessorError{Code: "BAD_OBJECT", Message: "object is empty"},
		"Timeout":   fmt.Errorf("analyze: %w", &ipc.TimeoutError{Action: "analyze_object", ID: "x", After: time.Second}),
		"App":       appErr,
		"Plain":     errors.New("boom"),
	}
	for kind, failure := range failures {
		_ = reg.Register(kind, scheduler.HandlerFunc(func(context.Context, persistence.Task, scheduler.Progress) error { return failure }))
	}
	_ = reg.Register("Panics", scheduler.HandlerFunc(func(context.Context, persistence.Task, scheduler.Progress) error { panic("bad state") }))

	d := startDrainer(t, scheduler.Config{Owner: persistence.OwnerCore, Store: store, Registry: reg})
	want := map[string]string{
		"Processor": "BAD_OBJECT",
		"Timeout":   "TimeoutError",
		"App":       "APP_BAD_INPUT",
		"Plain":     "Error",
		"Panics":    "HANDLER_PANIC",
	}
	ids := map[string]string{}
	for kind := range want {
		res, err := d.Enqueue(context.Background(), scheduler.EnqueueRequest{Kind: kind})
		if err != nil {
			t.Fatal(err)
		}
		ids[kind] = res.TaskID
	}
	for kind, code := range want {
		waitFor(t, 2*time.Second, func() bool { return taskState(t, store, ids[kind]) == persistence.StateErrored })
		task, _ := store.GetTask(context.Background(), ids[kind])
		if task.ErrorCode != code {
			t.Errorf("%s: error code = %q, want %q", kind, task.ErrorCode, code)
		}
		if task.ErrorMessage == "" {
			t.Errorf("%s: empty error message", kind)
		}
	}
	task, _ := store.GetTask(context.Background(), ids["App"])
	if !strings.Contains(string(task.ErrorDetails), "EXECUTE_FAILED") {
		t.Fatalf("expected envelope chain in details, got %s", task.ErrorDetails)
	}
}

func TestDrainer_NotReadyRequeues(t *testing.T) {
	store := openTestStore(t)
	reg := scheduler.NewRegistry()
	var calls atomic.Int32
	_ = reg.Register("AnalyzeObject", scheduler.HandlerFunc(func(context.Context, persistence.Task, scheduler.Progress) error {
		if calls.Add(1) == 1 {
			return fmt.Errorf("analyze: %w", &worker.NotReadyError{InstanceID: "default", RequeueDelay: 80 * time.Millisecond})
		}
		return nil
	}))
	d := startDrainer(t, scheduler.Config{Owner: persistence.OwnerCore, Store: store, Registry: reg})
	res, _ := d.Enqueue(context.Background(), scheduler.EnqueueRequest{Kind: "AnalyzeObject", Input: map[string]string{"objectKey": "k"}})

	waitFor(t, 3*time.Second, func() bool { return taskState(t, store, res.TaskID) == persistence.StateCompleted })
	if n := calls.Load(); n != 2 {
		t.Fatalf("handler called %d times, want 2", n)
	}
	task, _ := store.GetTask(context.Background(), res.TaskID)
	if task.ErrorCode != "" {
		t.Fatalf("requeue should not record an error, got %q", task.ErrorCode)
	}
}

func TestDrainer_ValidatesInputSchema(t *testing.T) {
	store := openTestStore(t)
	reg := scheduler.NewRegistry()
	err := reg.Register("AnalyzeObject", scheduler.HandlerFunc(func(context.Context, persistence.Task, scheduler.Progress) error { return nil }),
		scheduler.WithInputSchema(`{"type":"object","required":["folderId","objectKey"],"properties":{"folderId":{"type":"string"},"objectKey":{"type":"string"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	d, _ := scheduler.NewDrainer(scheduler.Config{Owner: persistence.OwnerCore, Store: store, Registry: reg})

	_, err = d.Enqueue(context.Background(), scheduler.EnqueueRequest{Kind: "AnalyzeObject", Input: map[string]string{"folderId": "f1"}})
	if !errors.Is(err, scheduler.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := d.Enqueue(context.Background(), scheduler.EnqueueRequest{Kind: "AnalyzeObject", Input: map[string]string{"folderId": "f1", "objectKey": "k"}}); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
}

func TestDrainer_NotifiesSubjectFolder(t *testing.T) {
	store := openTestStore(t)
	reg := scheduler.NewRegistry()
	_ = reg.Register("Ok", scheduler.HandlerFunc(func(ctx context.Context, _ persistence.Task, p scheduler.Progress) error {
		return p.Update(ctx, "halfway", map[string]int{"pct": 50})
	}))
	_ = reg.Register("Bad", scheduler.HandlerFunc(func(context.Context, persistence.Task, scheduler.Progress) error {
		return scheduler.NewProcessorError("NOPE", "no")
	}))
	sink := &recordingSink{}
	d := startDrainer(t, scheduler.Config{Owner: persistence.OwnerCore, Store: store, Registry: reg, Sink: sink})

	ok, _ := d.Enqueue(context.Background(), scheduler.EnqueueRequest{Kind: "Ok", FolderID: "f1"})
	bad, _ := d.Enqueue(context.Background(), scheduler.EnqueueRequest{Kind: "Bad", FolderID: "f2"})
	waitFor(t, 2*time.Second, func() bool {
		return taskState(t, store, ok.TaskID) == persistence.StateCompleted &&
			taskState(t, store, bad.TaskID) == persistence.StateErrored
	})
	waitFor(t, time.Second, func() bool { return len(sink.snapshot()) == 4 })
	events := strings.Join(sink.snapshot(), ",")
	for _, want := range []string{"f1:TASK_STARTED", "f1:TASK_COMPLETED", "f2:TASK_STARTED", "f2:TASK_FAILED"} {
		if !strings.Contains(events, want) {
			t.Fatalf("missing %s in %s", want, events)
		}
	}
	updates, err := store.ListUpdates(context.Background(), ok.TaskID)
	if err != nil || len(updates) != 1 || updates[0].Message != "halfway" {
		t.Fatalf("unexpected updates %+v err=%v", updates, err)
	}
}

func TestDrainer_RacingDrainersClaimOnce(t *testing.T) {
	const total = 20
	store := openTestStore(t)
	var mu sync.Mutex
	seen := map[string]int{}
	handler := scheduler.HandlerFunc(func(_ context.Context, task persistence.Task, _ scheduler.Progress) error {
		mu.Lock()
		seen[task.ID]++
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	var drainers []*scheduler.Drainer
	for range 3 {
		reg := scheduler.NewRegistry()
		_ = reg.Register("AnalyzeObject", handler)
		drainers = append(drainers, startDrainer(t, scheduler.Config{Owner: persistence.OwnerCore, Ceiling: 4, Store: store, Registry: reg}))
	}
	for i := range total {
		if _, err := drainers[i%3].Enqueue(context.Background(), scheduler.EnqueueRequest{Kind: "AnalyzeObject", Input: map[string]int{"i": i}}); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == total
	})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("task %s handled %d times", id, n)
		}
	}
}

func TestDrainer_SetCeiling(t *testing.T) {
	d, err := scheduler.NewDrainer(scheduler.Config{Owner: persistence.OwnerApp, Ceiling: 5, Store: openTestStore(t)})
	if err != nil {
		t.Fatal(err)
	}
	d.SetCeiling(2)
	if got := d.Status().Ceiling; got != 2 {
		t.Fatalf("ceiling = %d, want 2", got)
	}
	d.SetCeiling(0)
	if got := d.Status().Ceiling; got != scheduler.DefaultCeiling {
		t.Fatalf("ceiling = %d, want default", got)
	}
	if _, err := d.Enqueue(context.Background(), scheduler.EnqueueRequest{Kind: "x"}); err == nil {
		t.Fatal("app enqueue without owner id should fail")
	}
}

func TestNewDrainer_RejectsBadConfig(t *testing.T) {
	if _, err := scheduler.NewDrainer(scheduler.Config{Owner: "OTHER", Store: openTestStore(t)}); err == nil {
		t.Fatal("expected owner class error")
	}
	if _, err := scheduler.NewDrainer(scheduler.Config{Owner: persistence.OwnerCore}); err == nil {
		t.Fatal("expected store error")
	}
}
