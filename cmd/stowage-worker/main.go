// Command stowage-worker is the child process supervised by stowaged. It
// dials the socket named by STOWAGE_WORKER_SOCKET and serves worker actions
// until the connection drops or it is signalled.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/stowage/internal/telemetry"
	"github.com/basket/stowage/internal/workerside"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	level := flag.String("log-level", envOr("STOWAGE_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	fetch := flag.Bool("fetch", true, "download object content through signed URLs during analysis")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	// stdout is reserved; the supervisor relays stderr into the daemon log.
	logger := telemetry.NewWorkerLogger(os.Stderr, *level)

	socketPath, err := workerside.SocketFromEnv()
	if err != nil {
		logger.Error("startup failure", "reason_code", "E_SOCKET_ENV", "error", err)
		os.Exit(2)
	}

	opts := workerside.Options{Logger: logger}
	if *fetch {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	rt := workerside.NewRuntime(opts)
	registerBuiltinTasks(rt)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("worker starting", "version", Version, "socket", socketPath, "pid", os.Getpid())
	err = workerside.Run(ctx, socketPath, rt, logger)
	if err != nil {
		logger.Error("worker stopped", "error", err)
	} else {
		logger.Info("worker stopped")
	}
	os.Exit(workerside.ExitCode(err))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
