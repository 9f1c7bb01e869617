package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/basket/stowage/internal/config"
	"github.com/basket/stowage/internal/handlers"
	"github.com/basket/stowage/internal/host"
	stowotel "github.com/basket/stowage/internal/otel"
	"github.com/basket/stowage/internal/persistence"
	"github.com/basket/stowage/internal/scheduler"
	"go.opentelemetry.io/otel/trace"
)

// liveConfig holds the most recently loaded config.yaml.
type liveConfig struct {
	mu  sync.RWMutex
	cfg config.Config
}

func newLiveConfig(cfg config.Config) *liveConfig {
	return &liveConfig{cfg: cfg}
}

func (l *liveConfig) Get() config.Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *liveConfig) Set(cfg config.Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

func (l *liveConfig) Apps() []config.AppConfig { return l.Get().Apps }

func (l *liveConfig) Catalog() host.AppCatalog { return l.Get() }

// appHashes fingerprints each installed app. The worker uses the mapping to
// notice app code changes.
func appHashes(cfg config.Config) map[string]string {
	out := make(map[string]string, len(cfg.Apps))
	for _, app := range cfg.Apps {
		h := sha256.New()
		fmt.Fprintf(h, "%s|%s|%s|%s", app.Identifier, app.Exec.Runtime, app.Exec.Entrypoint, app.UIBundle)
		envKeys := make([]string, 0, len(app.Exec.Env))
		for k := range app.Exec.Env {
			envKeys = append(envKeys, k)
		}
		sort.Strings(envKeys)
		for _, k := range envKeys {
			fmt.Fprintf(h, "|env:%s=%s", k, app.Exec.Env[k])
		}
		for _, tk := range app.TaskKinds {
			fmt.Fprintf(h, "|task:%s:%s", tk.Kind, tk.InputSchema)
		}
		out[app.Identifier] = hex.EncodeToString(h.Sum(nil))
	}
	return out
}

type pipelineOptions struct {
	Live    *liveConfig
	Store   *persistence.Store
	Worker  handlers.WorkerAPI
	Sink    scheduler.Sink
	Logger  *slog.Logger
	Metrics *stowotel.Metrics
	Tracer  trace.Tracer
}

// pipeline is the CORE and APP drainers with their registries and the
// object-added trigger feeding them.
type pipeline struct {
	live    *liveConfig
	worker  handlers.WorkerAPI
	logger  *slog.Logger
	appReg  *scheduler.Registry
	core    *scheduler.Drainer
	app     *scheduler.Drainer
	trigger *handlers.ObjectAddedTrigger
}

func newPipeline(opts pipelineOptions) (*pipeline, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Live.Get()

	coreReg := scheduler.NewRegistry()
	if err := coreReg.Register(handlers.KindAnalyzeObject,
		handlers.NewAnalyzeObject(opts.Worker, opts.Store, logger),
		scheduler.WithInputSchema(handlers.AnalyzeObjectSchema)); err != nil {
		return nil, fmt.Errorf("register core handlers: %w", err)
	}
	appReg := scheduler.NewRegistry()
	if err := handlers.RegisterApps(appReg, opts.Worker, cfg.Apps); err != nil {
		return nil, err
	}

	// Stale recovery is table-wide; only the CORE drainer runs it.
	core, err := scheduler.NewDrainer(scheduler.Config{
		Owner:      persistence.OwnerCore,
		Ceiling:    cfg.Scheduler.CoreConcurrency,
		StaleAfter: cfg.Scheduler.StaleAfter(),
		Store:      opts.Store,
		Registry:   coreReg,
		Sink:       opts.Sink,
		Logger:     logger,
		Metrics:    opts.Metrics,
		Tracer:     opts.Tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("core drainer: %w", err)
	}
	app, err := scheduler.NewDrainer(scheduler.Config{
		Owner:    persistence.OwnerApp,
		Ceiling:  cfg.Scheduler.AppConcurrency,
		Store:    opts.Store,
		Registry: appReg,
		Sink:     opts.Sink,
		Logger:   logger,
		Metrics:  opts.Metrics,
		Tracer:   opts.Tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("app drainer: %w", err)
	}

	return &pipeline{
		live:    opts.Live,
		worker:  opts.Worker,
		logger:  logger,
		appReg:  appReg,
		core:    core,
		app:     app,
		trigger: handlers.NewObjectAddedTrigger(core, app, opts.Live.Apps, logger),
	}, nil
}

func (p *pipeline) triggerAll() {
	p.core.Trigger()
	p.app.Trigger()
}

func (p *pipeline) wait() {
	p.core.Wait()
	p.app.Wait()
}

// reload applies a re-read config.yaml: concurrency ceilings change in
// place and newly declared app task kinds get handlers.
func (p *pipeline) reload(cfg config.Config) []string {
	p.live.Set(cfg)
	p.core.SetCeiling(cfg.Scheduler.CoreConcurrency)
	p.app.SetCeiling(cfg.Scheduler.AppConcurrency)
	added, err := handlers.RegisterNewApps(p.appReg, p.worker, cfg.Apps)
	if err != nil {
		p.logger.Error("register reloaded app tasks", "error", err)
	}
	if len(added) > 0 {
		p.app.Trigger()
	}
	return added
}
