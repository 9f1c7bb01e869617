package main

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/basket/stowage/internal/ipc"
	"github.com/basket/stowage/internal/worker"
)

func TestFatalStartup_StopsWorkerBeforeExit(t *testing.T) {
	var exits []int
	exitProcess = func(code int) { exits = append(exits, code) }
	t.Cleanup(func() { exitProcess = os.Exit })

	router := ipc.NewRouter(ipc.RouterOptions{})
	defer router.Close()
	sup := worker.NewSupervisor(worker.Config{Command: "unused", InstanceID: "t", SocketDir: t.TempDir()}, router, nil, nil)
	if err := os.WriteFile(sup.SocketPath(), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	var order []string
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	fatalStartup(logger, "E_GATEWAY_BIND", errors.New("address in use"),
		func() { order = append(order, "first") },
		sup.Stop,
		func() { order = append(order, "last") },
	)

	if len(exits) != 1 || exits[0] != 1 {
		t.Fatalf("exit calls = %v, want [1]", exits)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "last" {
		t.Fatalf("cleanup order = %v", order)
	}
	if _, err := os.Stat(sup.SocketPath()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket file should be removed by Stop, stat err = %v", err)
	}
}
