// Package gateway streams folder notifications to websocket clients and
// reports daemon health over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/basket/stowage/internal/audit"
	"github.com/basket/stowage/internal/bus"
	"github.com/basket/stowage/internal/scheduler"
	"github.com/basket/stowage/internal/worker"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	defaultWriteTimeout = 5 * time.Second

	// KindSubscribed is the first message on every stream, sent once the
	// folder subscription is live.
	KindSubscribed = "SUBSCRIBED"
)

// WorkerStatus reports the supervised worker.
type WorkerStatus interface {
	Status() worker.Status
}

// DrainerStatus reports one task drainer.
type DrainerStatus interface {
	Status() scheduler.Status
}

// Config wires the server to its status sources. A nil DBCheck skips the
// store ping.
type Config struct {
	Bus          *bus.Bus
	AuthToken    string
	AllowOrigins []string
	Worker       WorkerStatus
	Drainers     []DrainerStatus
	DBCheck      func(context.Context) error
	Limiter      *ConnectLimiter
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	clients atomic.Int64
	metrics *gatewayMetrics

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config) *Server {
	if cfg.Bus == nil {
		cfg.Bus = bus.New()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
		ctx:    ctx,
		cancel: cancel,
	}
	s.metrics = newGatewayMetrics(s)
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.metrics.handler())
	mux.Handle("GET /ws", s.cfg.Limiter.Wrap(http.HandlerFunc(s.handleWS)))
	return mux
}

// Close ends every open stream. http.Server.Shutdown does not reach
// hijacked websocket connections.
func (s *Server) Close() {
	s.cancel()
}

// Clients returns the number of open streams.
func (s *Server) Clients() int64 {
	return s.clients.Load()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthy := true
	payload := map[string]any{}

	if s.cfg.DBCheck != nil {
		err := s.cfg.DBCheck(r.Context())
		payload["db_ok"] = err == nil
		if err != nil {
			healthy = false
			payload["db_error"] = err.Error()
		}
	}
	if s.cfg.Worker != nil {
		st := s.cfg.Worker.Status()
		payload["worker"] = st
		if !st.Ready {
			healthy = false
		}
	}
	drainers := make([]scheduler.Status, 0, len(s.cfg.Drainers))
	for _, d := range s.cfg.Drainers {
		drainers = append(drainers, d.Status())
	}
	payload["drainers"] = drainers
	payload["ws_clients"] = s.clients.Load()
	payload["healthy"] = healthy

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		audit.Record(audit.Reject, "gateway.ws", "unauthorized", clientKey(r))
		s.metrics.connections.WithLabelValues("unauthorized").Inc()
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	folder := strings.TrimSpace(r.URL.Query().Get("folder"))
	if folder == "" {
		s.metrics.connections.WithLabelValues("bad_request").Inc()
		http.Error(w, `{"error":"folder is required"}`, http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.metrics.connections.WithLabelValues("accept_failed").Inc()
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	s.metrics.connections.WithLabelValues("accepted").Inc()

	s.clients.Add(1)
	defer s.clients.Add(-1)

	topic := bus.FolderTopic(folder)
	sub := s.cfg.Bus.Subscribe(topic, bus.Exact())
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	// Clients only listen; CloseRead handles their close frames.
	ctx = conn.CloseRead(ctx)

	logger := s.logger.With("folder_id", folder)
	logger.Debug("stream opened")
	defer logger.Debug("stream closed")

	if err := s.write(ctx, conn, bus.FolderEvent{FolderID: folder, Kind: KindSubscribed}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			fe, ok := ev.Payload.(bus.FolderEvent)
			if !ok {
				continue
			}
			if err := s.write(ctx, conn, fe); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					logger.Warn("closing slow stream", "kind", fe.Kind)
					s.metrics.connections.WithLabelValues("backpressure").Inc()
					_ = conn.Close(websocket.StatusPolicyViolation, "backpressure")
				}
				return
			}
			s.metrics.eventsSent.Inc()
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, ev bus.FolderEvent) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, ev)
}
