package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/stowage/internal/audit"
	"github.com/basket/stowage/internal/bus"
	"github.com/basket/stowage/internal/config"
	"github.com/basket/stowage/internal/cron"
	"github.com/basket/stowage/internal/gateway"
	"github.com/basket/stowage/internal/host"
	"github.com/basket/stowage/internal/ipc"
	stowotel "github.com/basket/stowage/internal/otel"
	"github.com/basket/stowage/internal/persistence"
	"github.com/basket/stowage/internal/telemetry"
	"github.com/basket/stowage/internal/worker"
)

const (
	workerBinaryName = "stowage-worker"
	shutdownTimeout  = 5 * time.Second
	hashPushTimeout  = 10 * time.Second
)

type daemonOptions struct {
	Home      string
	WorkerBin string
	Quiet     bool
}

func runDaemon(parent context.Context, opts daemonOptions) {
	cfg, err := config.LoadFrom(opts.Home)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if opts.WorkerBin != "" {
		cfg.Worker.Command = opts.WorkerBin
	}
	if cfg.Worker.Command == "" {
		cfg.Worker.Command = defaultWorkerBin()
	}

	// Audit first so logger failures are recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"version", Version, "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())
	warnExposedGateway(logger, cfg.Gateway)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	otelProvider, err := stowotel.Init(ctx, stowotel.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		InstanceID:     cfg.Worker.InstanceID,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := stowotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "path", cfg.DBPath)

	if cfg.Storage.SigningKey == "" {
		cfg.Storage.SigningKey = ephemeralKey()
		logger.Warn("storage.signing_key is not set; signed URLs use a per-process key")
	}
	signer, err := host.NewSigner(cfg.Storage.Endpoint, cfg.Storage.Bucket, cfg.Storage.SigningKey, cfg.Storage.URLExpiry())
	if err != nil {
		fatalStartup(logger, "E_SIGNER_INIT", err)
	}

	live := newLiveConfig(cfg)
	eventBus := bus.New()

	router := ipc.NewRouter(ipc.RouterOptions{
		Logger:         logger.With("component", "ipc"),
		Handler:        host.Dispatcher(host.NewServices(live.Catalog, store, signer, logger)),
		DefaultTimeout: cfg.Worker.RequestTimeout(),
		Metrics:        metrics,
		Tracer:         otelProvider.Tracer,
		Origin:         ipc.OriginHost,
	})
	defer router.Close()

	sup := worker.NewSupervisor(worker.Config{
		Command:         cfg.Worker.Command,
		Args:            cfg.Worker.Args,
		Env:             cfg.Worker.Env,
		InstanceID:      cfg.Worker.InstanceID,
		SocketDir:       cfg.SocketDir(),
		RestartBackoff:  cfg.Worker.RestartBackoff(),
		InitTimeout:     cfg.Worker.InitTimeout(),
		NotReadyRequeue: cfg.Worker.NotReadyRequeue(),
		AppHashes:       func() map[string]string { return appHashes(live.Get()) },
	}, router, logger, metrics)
	client := worker.NewClient(sup, router, worker.ClientOptions{
		AnalyzeTimeout: cfg.Worker.AnalyzeTimeout(),
		ExecuteTimeout: cfg.Worker.ExecuteTimeout(),
		RequestTimeout: cfg.Worker.RequestTimeout(),
	})

	pipe, err := newPipeline(pipelineOptions{
		Live:    live,
		Store:   store,
		Worker:  client,
		Sink:    bus.NewSink(eventBus),
		Logger:  logger,
		Metrics: metrics,
		Tracer:  otelProvider.Tracer,
	})
	if err != nil {
		fatalStartup(logger, "E_PIPELINE_INIT", err)
	}

	if err := sup.Start(ctx); err != nil {
		fatalStartup(logger, "E_WORKER_START", err, sup.Stop)
	}
	defer sup.HandleSignals()()
	logger.Info("startup phase", "phase", "worker_spawned",
		"command", cfg.Worker.Command, "socket", sup.SocketPath())

	pipe.core.Start(ctx)
	pipe.app.Start(ctx)
	go pipe.trigger.Run(ctx, eventBus)

	tick, err := cron.NewScheduler(cron.Config{
		Schedule: cfg.Scheduler.PollSchedule,
		Jobs:     []cron.Job{{Name: "drain", Run: func(context.Context) { pipe.triggerAll() }}},
		Logger:   logger,
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err, sup.Stop)
	}
	tick.Start(ctx)
	logger.Info("startup phase", "phase", "drainers_started", "poll_schedule", cfg.Scheduler.PollSchedule)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err, sup.Stop)
	}
	go watchConfig(ctx, watcher, cfg, pipe, sup, client, logger)

	limiter := gateway.NewConnectLimiter(cfg.Gateway.ConnectsPerMinute, cfg.Gateway.BurstSize)
	limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
	gw := gateway.New(gateway.Config{
		Bus:          eventBus,
		AuthToken:    cfg.Gateway.AuthToken,
		AllowOrigins: cfg.Gateway.AllowOrigins,
		Worker:       sup,
		Drainers:     []gateway.DrainerStatus{pipe.core, pipe.app},
		DBCheck:      store.DB().PingContext,
		Limiter:      limiter,
		Logger:       logger,
	})
	server := &http.Server{Handler: gw.Handler(), ReadHeaderTimeout: 10 * time.Second}
	ln, err := net.Listen("tcp", cfg.Gateway.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_BIND", err, sup.Stop)
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "gateway_listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Intake first, then drainers and their handlers, then the worker.
	shutdownCtx, stopShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopShutdown()
	_ = server.Shutdown(shutdownCtx)
	gw.Close()
	tick.Stop()
	cancel()
	pipe.wait()
	sup.Stop()
	logger.Info("shutdown complete")
}

// watchConfig applies config.yaml edits until ctx ends. Worker and storage
// settings need a restart; ceilings and apps apply live.
func watchConfig(ctx context.Context, w *config.Watcher, boot config.Config, pipe *pipeline, sup *worker.Supervisor, client *worker.Client, logger *slog.Logger) {
	for ev := range w.Events() {
		next, err := config.LoadFrom(boot.HomeDir)
		if err != nil {
			logger.Error("config.yaml reload rejected; retaining previous config", "path", ev.Path, "checksum", ev.Checksum, "error", err)
			continue
		}
		next.Worker = boot.Worker
		next.Storage = boot.Storage
		next.Gateway = boot.Gateway

		prev := pipe.live.Get()
		added := pipe.reload(next)
		logger.Info("config hot-reloaded",
			"fingerprint", next.Fingerprint(),
			"core_concurrency", next.Scheduler.CoreConcurrency,
			"app_concurrency", next.Scheduler.AppConcurrency,
			"added_task_kinds", added)

		hashes := appHashes(next)
		if maps.Equal(appHashes(prev), hashes) || !sup.Ready() {
			// A worker that is not ready picks the mapping up at init.
			continue
		}
		pushCtx, cancel := context.WithTimeout(ctx, hashPushTimeout)
		if err := client.UpdateAppHashMapping(pushCtx, hashes); err != nil {
			logger.Warn("push app hash mapping failed", "error", err)
		}
		cancel()
	}
}

func warnExposedGateway(logger *slog.Logger, gw config.GatewayConfig) {
	host, _, err := net.SplitHostPort(gw.BindAddr)
	if err != nil {
		return
	}
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "127.0.0.1" || h == "localhost" || h == "::1" {
		return
	}
	if gw.AuthToken == "" {
		logger.Warn("gateway bound to a non-loopback address without auth_token", "bind_addr", gw.BindAddr)
	}
	if len(gw.AllowOrigins) == 0 {
		logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected", "bind_addr", gw.BindAddr)
	}
}

// defaultWorkerBin looks for the worker next to this executable, then on PATH.
func defaultWorkerBin() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), workerBinaryName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return workerBinaryName
}

func ephemeralKey() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
