package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SocketMode is applied to the socket file so a worker running as another
// OS user can connect.
const SocketMode os.FileMode = 0o666

// FrameWriteTimeout bounds how long one frame may take to reach the peer.
// A peer that stops reading for longer is treated as gone.
const FrameWriteTimeout = 10 * time.Second

// SocketEnv names the environment variable carrying the socket path to the worker.
const SocketEnv = "STOWAGE_WORKER_SOCKET"

// Conn is one framed connection. Send is safe for concurrent use.
type Conn struct {
	nc     net.Conn
	logger *slog.Logger

	mu sync.Mutex
	w  *bufio.Writer

	closeOnce sync.Once
	done      chan struct{}
	err       error
	onClose   []func(*Conn, error)
}

func NewConn(nc net.Conn, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		nc:     nc,
		logger: logger,
		w:      bufio.NewWriter(nc),
		done:   make(chan struct{}),
	}
}

// OnClose registers fn to run once when the connection closes.
func (c *Conn) OnClose(fn func(*Conn, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		go fn(c, c.err)
	default:
		c.onClose = append(c.onClose, fn)
	}
}

// Send writes msg as a whole frame and flushes it. A ctx that is already
// done fails only this send; the connection is shared, so its write deadline
// is FrameWriteTimeout rather than the caller's deadline.
func (c *Conn) Send(ctx context.Context, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	// The lock may have been held by a slow write.
	if err := ctx.Err(); err != nil {
		return err
	}

	_ = c.nc.SetWriteDeadline(time.Now().Add(FrameWriteTimeout))
	if _, err := c.w.Write(frame); err != nil {
		go c.closeWith(err)
		return fmt.Errorf("ipc write: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		go c.closeWith(err)
		return fmt.Errorf("ipc flush: %w", err)
	}
	return nil
}

// ReadLoop feeds incoming bytes through a Decoder and hands each frame to
// handle. It returns when the connection fails or is closed.
func (c *Conn) ReadLoop(handle func(json.RawMessage)) error {
	dec := NewDecoder(c.logger)
	buf := make([]byte, 64<<10)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			for _, frame := range dec.Feed(buf[:n]) {
				handle(frame)
			}
		}
		if err != nil {
			c.closeWith(err)
			return err
		}
	}
}

func (c *Conn) Close() error {
	c.closeWith(net.ErrClosed)
	return nil
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) closeWith(cause error) {
	c.closeOnce.Do(func() {
		_ = c.nc.Close()
		c.mu.Lock()
		c.err = cause
		close(c.done)
		hooks := c.onClose
		c.onClose = nil
		c.mu.Unlock()
		if cause != nil && !errors.Is(cause, net.ErrClosed) {
			c.logger.Debug("ipc connection closed", "error", cause)
		}
		for _, fn := range hooks {
			fn(c, cause)
		}
	})
}

// Server listens on a Unix socket and keeps exactly one active connection.
// A newer connection replaces the older one.
type Server struct {
	path   string
	ln     net.Listener
	logger *slog.Logger

	mu     sync.Mutex
	active *Conn
	closed bool
}

// Listen binds path, removing any stale socket file first.
func Listen(path string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, SocketMode); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return &Server{path: path, ln: ln, logger: logger}, nil
}

func (s *Server) Path() string {
	return s.path
}

// Serve accepts connections until the listener closes. onConn runs for every
// accepted connection after it becomes the active one.
func (s *Server) Serve(onConn func(*Conn)) error {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		conn := NewConn(nc, s.logger)
		conn.OnClose(func(c *Conn, _ error) {
			s.mu.Lock()
			if s.active == c {
				s.active = nil
			}
			s.mu.Unlock()
		})

		s.mu.Lock()
		prev := s.active
		s.active = conn
		s.mu.Unlock()
		if prev != nil {
			s.logger.Info("replacing active worker connection")
			_ = prev.Close()
		}
		if onConn != nil {
			onConn(conn)
		}
	}
}

// Active returns the current connection, or nil.
func (s *Server) Active() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close stops accepting, drops the active connection and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	active := s.active
	s.active = nil
	s.mu.Unlock()

	err := s.ln.Close()
	if active != nil {
		_ = active.Close()
	}
	if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// Dial connects to a listening Server.
func Dial(ctx context.Context, path string, logger *slog.Logger) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return NewConn(nc, logger), nil
}
