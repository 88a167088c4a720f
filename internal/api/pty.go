package api

import (
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/opensandbox/webterm/internal/bridge"
	"github.com/opensandbox/webterm/internal/metrics"
	"github.com/opensandbox/webterm/internal/terminal"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // any origin; clients are not authenticated
	},
	ReadBufferSize:  terminal.ReadBufferSize,
	WriteBufferSize: terminal.ReadBufferSize,
}

func startShell(shell terminal.Command, identity terminal.Identity) (bridge.PTY, error) {
	p, err := terminal.Open(terminal.DefaultRows, terminal.DefaultCols)
	if err != nil {
		return nil, err
	}
	cmd := shell
	cmd.Env = identity.Env(os.Environ())
	if identity.Home != "" {
		if info, err := os.Stat(identity.Home); err == nil && info.IsDir() {
			cmd.Dir = identity.Home
		}
	}
	return p.Spawn(cmd)
}

func (s *Server) terminalWebSocket(c echo.Context) error {
	// Registered before the upgrade so Shutdown cannot miss a session
	// whose connection is being hijacked.
	s.sessions.Add(1)
	defer s.sessions.Done()

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written an HTTP error response.
		log.Printf("api: websocket upgrade from %s failed: %v", c.RealIP(), err)
		return nil
	}
	defer ws.Close()

	id := uuid.New().String()[:8]
	log.Printf("api: session %s: connection from %s", id, c.RealIP())

	pty, err := s.opts.StartShell()
	if err != nil {
		metrics.SessionsTotal.WithLabelValues("setup_failed").Inc()
		log.Printf("api: session %s: shell setup failed: %v", id, err)
		reason := "shell unavailable"
		var setupErr *terminal.SetupError
		if errors.As(err, &setupErr) {
			reason = "shell " + setupErr.Op + " failed"
		}
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason),
			time.Now().Add(time.Second))
		return nil
	}

	bridge.New(bridge.Config{
		ID:          id,
		Conn:        ws,
		PTY:         pty,
		Fetcher:     s.opts.Fetcher,
		Events:      s.opts.Events,
		QueueSize:   s.opts.QueueSize,
		IdleTimeout: s.opts.IdleTimeout,
		TraceFrames: s.opts.TraceFrames,
	}).Run(s.ctx)
	return nil
}
