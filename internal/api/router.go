package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/opensandbox/webterm/internal/bridge"
	"github.com/opensandbox/webterm/internal/events"
	"github.com/opensandbox/webterm/internal/metrics"
	"github.com/opensandbox/webterm/internal/terminal"
)

// ServerOpts holds the per-session settings and collaborators.
type ServerOpts struct {
	Fetcher     bridge.Fetcher   // nil disables workspace provisioning
	Events      events.Publisher // nil discards events
	Shell       terminal.Command
	Identity    terminal.Identity
	QueueSize   int
	IdleTimeout time.Duration
	TraceFrames bool

	// StartShell overrides how a session's shell is started.
	StartShell func() (bridge.PTY, error)
}

// Server accepts WebSocket connections and runs one terminal session per
// connection.
type Server struct {
	echo *echo.Echo
	opts ServerOpts

	// sessions outlive their HTTP request context once the connection is
	// hijacked, so they hang off the server's own context instead.
	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
}

// NewServer creates a new API server with all routes configured.
func NewServer(opts ServerOpts) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	if opts.StartShell == nil {
		shell, identity := opts.Shell, opts.Identity
		if shell.Path == "" {
			shell = terminal.DefaultShell()
		}
		opts.StartShell = func() (bridge.PTY, error) {
			return startShell(shell, identity)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		echo:   e,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// Terminal sessions
	e.GET("/", s.terminalWebSocket)
	e.GET("/ws", s.terminalWebSocket)

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops accepting connections, ends every running session and
// waits for their shells to be reaped or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
