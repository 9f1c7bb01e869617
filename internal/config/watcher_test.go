package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/stowage/internal/config"
)

func startWatcher(t *testing.T, home string) *config.Watcher {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	w := config.NewWatcher(home, nil)
	w.SetDebounce(50 * time.Millisecond)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	return w
}

func expectNoReload(t *testing.T, w *config.Watcher, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected reload %+v", ev)
	case <-time.After(wait):
	}
}

func TestWatcher_CoalescesBurstIntoOneReload(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "log_level: info\n")
	w := startWatcher(t, home)

	for _, level := range []string{"warn", "error", "debug"} {
		writeConfig(t, home, "log_level: "+level+"\n")
	}

	select {
	case ev := <-w.Events():
		if ev.Path != config.ConfigPath(home) {
			t.Fatalf("path = %q", ev.Path)
		}
		if len(ev.Checksum) != 64 {
			t.Fatalf("checksum = %q", ev.Checksum)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	expectNoReload(t, w, 300*time.Millisecond)
}

func TestWatcher_SkipsUnchangedContent(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "log_level: info\n")
	w := startWatcher(t, home)

	writeConfig(t, home, "log_level: info\n")
	expectNoReload(t, w, 300*time.Millisecond)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	home := t.TempDir()
	w := startWatcher(t, home)

	if err := os.WriteFile(filepath.Join(home, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	expectNoReload(t, w, 300*time.Millisecond)
}

func TestWatcher_ClosesEventsOnCancel(t *testing.T) {
	home := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	w := config.NewWatcher(home, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
