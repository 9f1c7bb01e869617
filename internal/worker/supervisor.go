// Package worker supervises the out-of-process worker and exposes typed
// calls into it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/basket/stowage/internal/ipc"
	stowotel "github.com/basket/stowage/internal/otel"
	"github.com/basket/stowage/internal/shared"
)

// SocketEnv carries the socket path to the child.
const SocketEnv = ipc.SocketEnv

// HostVersion is reported to the worker during init.
const HostVersion = "stowaged/0.3"

var (
	ErrNotReady = errors.New("worker not ready")
	ErrStopped  = errors.New("worker supervisor stopped")
)

// NotReadyError is returned instead of dispatching to a worker that has not
// completed init. RequeueDelay is the suggested wait before retrying.
type NotReadyError struct {
	InstanceID   string
	RequeueDelay time.Duration
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("worker %s not ready (retry in %s)", e.InstanceID, e.RequeueDelay)
}

func (e *NotReadyError) Is(target error) bool {
	return target == ErrNotReady
}

// RequeueDelayMS is the delay in milliseconds, as exposed to callers over JSON.
func (e *NotReadyError) RequeueDelayMS() int64 {
	return e.RequeueDelay.Milliseconds()
}

type Config struct {
	Command    string
	Args       []string
	Env        map[string]string
	InstanceID string
	SocketDir  string

	RestartBackoff  time.Duration
	InitTimeout     time.Duration
	NotReadyRequeue time.Duration

	// AppHashes supplies the mapping sent with init. Optional.
	AppHashes func() map[string]string
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.SocketDir == "" {
		c.SocketDir = os.TempDir()
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = 5 * time.Second
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 10 * time.Second
	}
	if c.NotReadyRequeue <= 0 {
		c.NotReadyRequeue = 10 * time.Second
	}
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	InstanceID string `json:"instance_id"`
	Ready      bool   `json:"ready"`
	PID        int    `json:"pid,omitempty"`
	Restarts   int    `json:"restarts"`
	SocketPath string `json:"socket_path"`
	LastError  string `json:"last_error,omitempty"`
}

// Supervisor owns exactly one worker child for an instance id.
type Supervisor struct {
	cfg     Config
	router  *ipc.Router
	logger  *slog.Logger
	metrics *stowotel.Metrics

	mu           sync.Mutex
	cmd          *exec.Cmd
	server       *ipc.Server
	exited       chan struct{}
	generation   int
	ready        bool
	stopping     bool
	retryPending bool
	retryTimer   *time.Timer
	restarts     int
	lastErr      error

	stopOnce sync.Once
	cancel   context.CancelFunc
}

func NewSupervisor(cfg Config, router *ipc.Router, logger *slog.Logger, metrics *stowotel.Metrics) *Supervisor {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		router:  router,
		logger:  logger.With("component", "supervisor", "instance_id", cfg.InstanceID),
		metrics: metrics,
	}
}

// SocketPath is <socket_dir>/stowage-worker-<instance>.sock.
func (s *Supervisor) SocketPath() string {
	return filepath.Join(s.cfg.SocketDir, "stowage-worker-"+s.cfg.InstanceID+".sock")
}

// Start spawns the worker. Cancelling ctx stops the supervisor.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return s.spawn()
}

func (s *Supervisor) spawn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return ErrStopped
	}
	if s.server != nil {
		_ = s.server.Close()
		s.server = nil
	}
	s.ready = false

	if s.cfg.Command == "" {
		s.lastErr = errors.New("worker command is not configured")
		s.logger.Error("worker spawn failed", "error", s.lastErr)
		return s.lastErr
	}

	path := s.SocketPath()
	server, err := ipc.Listen(path, s.logger)
	if err != nil {
		s.lastErr = err
		s.logger.Error("worker socket listen failed", "path", path, "error", err)
		return fmt.Errorf("listen worker socket: %w", err)
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Env = append(os.Environ(), SocketEnv+"="+path)
	for k, v := range s.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}
	stdout := newLineLogger(s.logger, "stdout")
	stderr := newLineLogger(s.logger, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		_ = server.Close()
		s.lastErr = err
		s.logger.Error("worker spawn failed; not restarting", "command", s.cfg.Command, "error", err)
		return fmt.Errorf("start worker %q: %w", s.cfg.Command, err)
	}

	s.generation++
	gen := s.generation
	exited := make(chan struct{})
	s.cmd = cmd
	s.server = server
	s.exited = exited
	s.lastErr = nil
	s.logger.Info("worker spawned", "pid", cmd.Process.Pid, "socket", path, "generation", gen,
		"env", shared.RedactEnv(s.cfg.Env))

	go func() {
		if err := server.Serve(func(c *ipc.Conn) { s.onConnect(gen, c) }); err != nil {
			s.logger.Warn("worker socket accept loop ended", "error", err)
		}
	}()
	go s.wait(gen, cmd, server, exited, stdout, stderr)
	return nil
}

func (s *Supervisor) onConnect(gen int, c *ipc.Conn) {
	s.mu.Lock()
	if gen != s.generation || s.stopping {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	s.ready = false
	s.mu.Unlock()

	s.router.Attach(c)
	s.logger.Info("worker connected", "generation", gen)
	go s.handshake(gen)
}

func (s *Supervisor) handshake(gen int) {
	req := ipc.InitRequest{InstanceID: s.cfg.InstanceID, HostVersion: HostVersion}
	if s.cfg.AppHashes != nil {
		req.AppHashes = s.cfg.AppHashes()
	}
	resp, err := ipc.Invoke[ipc.InitResponse](context.Background(), s.router, string(ipc.ActionInit), req, ipc.WithTimeout(s.cfg.InitTimeout))
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.stopping {
		return
	}
	if err != nil {
		s.lastErr = fmt.Errorf("worker init: %w", err)
		s.logger.Warn("worker init failed; staying not ready", "error", err)
		return
	}
	s.ready = true
	s.logger.Info("worker ready", "worker_version", resp.WorkerVersion, "worker_pid", resp.PID)
}

func (s *Supervisor) wait(gen int, cmd *exec.Cmd, server *ipc.Server, exited chan struct{}, outs ...*lineLogger) {
	err := cmd.Wait()
	for _, o := range outs {
		o.Flush()
	}
	close(exited)

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.ready = false
	s.cmd = nil
	if s.server == server {
		s.server = nil
	}
	stopping := s.stopping
	if err != nil && code != 0 {
		s.lastErr = fmt.Errorf("worker exited: %w", err)
	}
	s.mu.Unlock()

	_ = server.Close()

	switch {
	case stopping:
		s.logger.Info("worker stopped", "exit_code", code)
	case code == 0:
		s.logger.Info("worker exited cleanly; not restarting")
	default:
		s.logger.Warn("worker exited unexpectedly", "exit_code", code, "error", err)
		s.scheduleRestart()
	}
}

// scheduleRestart arms a single restart after the backoff. Further calls
// while one is pending are ignored.
func (s *Supervisor) scheduleRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryPending || s.stopping {
		return false
	}
	s.retryPending = true
	s.restarts++
	backoff := s.cfg.RestartBackoff
	s.logger.Info("worker restart scheduled", "backoff", backoff.String(), "restarts", s.restarts)
	s.retryTimer = time.AfterFunc(backoff, func() {
		s.mu.Lock()
		s.retryPending = false
		s.retryTimer = nil
		s.mu.Unlock()
		s.metrics.RecordRestart(context.Background(), s.cfg.InstanceID)
		if err := s.spawn(); err != nil && !errors.Is(err, ErrStopped) {
			s.logger.Error("worker restart failed", "error", err)
		}
	})
	return true
}

// Ready reports whether a child exists and init succeeded.
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil && s.ready
}

// CheckReady returns a *NotReadyError when the worker cannot take work.
func (s *Supervisor) CheckReady() error {
	if s.Ready() {
		return nil
	}
	return &NotReadyError{InstanceID: s.cfg.InstanceID, RequeueDelay: s.cfg.NotReadyRequeue}
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		InstanceID: s.cfg.InstanceID,
		Ready:      s.cmd != nil && s.ready,
		Restarts:   s.restarts,
		SocketPath: s.SocketPath(),
	}
	if s.cmd != nil && s.cmd.Process != nil {
		st.PID = s.cmd.Process.Pid
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Stop kills the child, closes the listener and removes the socket file.
// Only the first call has any effect.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		s.ready = false
		if s.retryTimer != nil {
			s.retryTimer.Stop()
			s.retryTimer = nil
			s.retryPending = false
		}
		cmd, server, exited, cancel := s.cmd, s.server, s.exited, s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-exited:
			case <-time.After(3 * time.Second):
				_ = cmd.Process.Kill()
				<-exited
			}
		}
		if server != nil {
			_ = server.Close()
		}
		_ = os.Remove(s.SocketPath())
		s.logger.Info("worker supervisor stopped")
	})
}

// HandleSignals stops the supervisor on SIGINT or SIGTERM. The returned
// function removes the handler.
func (s *Supervisor) HandleSignals() func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			s.logger.Info("signal received; stopping worker", "signal", sig.String())
			s.Stop()
		case <-done:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}
