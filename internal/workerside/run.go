package workerside

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/basket/stowage/internal/ipc"
)

// SocketFromEnv returns the socket path handed down by the supervisor.
func SocketFromEnv() (string, error) {
	p := os.Getenv(ipc.SocketEnv)
	if p == "" {
		return "", fmt.Errorf("%s is not set", ipc.SocketEnv)
	}
	return p, nil
}

// Run dials the host and serves until ctx is done or the host goes away.
// Losing the host is reported as ipc.ErrConnectionLost so the process exits
// non-zero and the supervisor restarts it.
func Run(ctx context.Context, socketPath string, rt *Runtime, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := ipc.Dial(ctx, socketPath, logger)
	if err != nil {
		return err
	}
	router := ipc.NewRouter(ipc.RouterOptions{
		Logger:  logger,
		Handler: Dispatcher(rt),
		Origin:  ipc.OriginWorker,
	})
	defer router.Close()
	rt.SetHost(NewHostClient(router))
	router.Attach(conn)
	logger.Info("worker connected", "socket", socketPath, "pid", os.Getpid())

	select {
	case <-ctx.Done():
		logger.Info("worker shutting down")
		return nil
	case <-conn.Done():
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("host connection closed: %w", ipc.ErrConnectionLost)
	}
}

// ExitCode maps Run's result to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ipc.ErrConnectionLost):
		return 3
	default:
		return 1
	}
}
