package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/stowage/internal/audit"
	"github.com/basket/stowage/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s [flags]                          Run the scheduler, worker supervisor and gateway

SUBCOMMANDS:
  %s status                           Show daemon health (/healthz)
  %s enqueue-object <folder> <key>    Record an object and enqueue its tasks
                                      Flags: -event-id, -content-type, -size
  %s requeue <task-id>                Return a task to the unstarted pool
  %s doctor [-json]                   Run diagnostic checks
  %s version                          Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  STOWAGE_HOME            Data directory (default: ~/.stowage)
  STOWAGE_WORKER_COMMAND  Worker executable
  STOWAGE_AUTH_TOKEN      Gateway bearer token
  STOWAGE_SIGNING_KEY     Storage URL signing key
`)
}

func main() {
	configHome := flag.String("config-home", "", "data directory (default: $STOWAGE_HOME or ~/.stowage)")
	workerBin := flag.String("worker-bin", "", "worker executable; overrides worker.command")
	quiet := flag.Bool("quiet", false, "log to the log file only")
	flag.Usage = printUsage
	flag.Parse()

	home := strings.TrimSpace(*configHome)
	if home == "" {
		home = config.HomeDir()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, home, args[1:]))
		case "enqueue-object":
			os.Exit(runEnqueueObjectCommand(ctx, home, args[1:]))
		case "requeue":
			os.Exit(runRequeueCommand(ctx, home, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, home, *workerBin, args[1:]))
		case "run", "daemon":
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx, daemonOptions{Home: home, WorkerBin: *workerBin, Quiet: *quiet})
}

// exitProcess is swapped in tests.
var exitProcess = os.Exit

// fatalStartup records the failure and exits 1. cleanup runs first, in
// order; startup steps past the worker spawn pass the supervisor's Stop so
// the child and its socket do not outlive the daemon.
func fatalStartup(logger *slog.Logger, reasonCode string, err error, cleanup ...func()) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.Fatal, "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	for _, fn := range cleanup {
		fn()
	}
	exitProcess(1)
}
