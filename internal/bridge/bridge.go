// Package bridge connects one WebSocket to one PTY-backed shell.
//
// A session runs four activities: pty-read, pty-write, ws-send and
// ws-receive. They share three bounded FIFO queues and one context. The
// first activity to return cancels the context; the bridge then
// terminates the shell, closes the WebSocket, and waits for the other
// three to drain out before Run returns.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/opensandbox/webterm/internal/events"
	"github.com/opensandbox/webterm/internal/metrics"
	"github.com/opensandbox/webterm/internal/storage"
	"github.com/opensandbox/webterm/internal/terminal"
)

// DefaultQueueSize bounds each internal queue. Producers block when a
// queue is full until space frees up or the session ends.
const DefaultQueueSize = 256

// terminateTimeout bounds how long shutdown waits for the shell to be reaped.
const terminateTimeout = 5 * time.Second

// Conn is the WebSocket side of a session. *websocket.Conn implements it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPingHandler(h func(appData string) error)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// PTY is the shell side of a session. *terminal.Process implements it.
type PTY interface {
	io.Reader
	io.Writer
	Terminate(ctx context.Context) error
}

// Fetcher provisions a workspace. *storage.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, slug string, progress storage.ProgressFunc) (*storage.Result, error)
}

var (
	_ Conn    = (*websocket.Conn)(nil)
	_ PTY     = (*terminal.Process)(nil)
	_ Fetcher = (*storage.Fetcher)(nil)
)

// Config holds the collaborators and tunables of one session.
type Config struct {
	ID      string // generated when empty
	Conn    Conn
	PTY     PTY
	Fetcher Fetcher          // nil disables workspace provisioning
	Events  events.Publisher // nil discards events

	QueueSize   int           // 0 means DefaultQueueSize
	IdleTimeout time.Duration // 0 disables; ends the session after this long without an inbound frame
	TraceFrames bool          // log an escaped preview of inbound keystrokes
}

// Bridge runs a single terminal session.
type Bridge struct {
	id      string
	conn    Conn
	pty     PTY
	fetcher Fetcher
	events  events.Publisher

	idleTimeout time.Duration
	traceFrames bool

	output   chan []byte // pty-read -> ws-send
	input    chan []byte // ws-receive -> pty-write
	progress chan string // fetch progress -> ws-send

	endOnce   sync.Once
	endedBy   string
	endReason error
}

// New creates a Bridge. Conn and PTY are required.
func New(cfg Config) *Bridge {
	id := cfg.ID
	if id == "" {
		id = uuid.New().String()[:8]
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	pub := cfg.Events
	if pub == nil {
		pub = events.Nop{}
	}
	return &Bridge{
		id:          id,
		conn:        cfg.Conn,
		pty:         cfg.PTY,
		fetcher:     cfg.Fetcher,
		events:      pub,
		idleTimeout: cfg.IdleTimeout,
		traceFrames: cfg.TraceFrames,
		output:      make(chan []byte, size),
		input:       make(chan []byte, size),
		progress:    make(chan string, size),
	}
}

// ID returns the session identifier used in logs and events.
func (b *Bridge) ID() string {
	return b.id
}

// Run bridges the session until any activity ends. It never fails: every
// error is logged. On return the shell has been terminated and reaped,
// the WebSocket is closed, and no activity goroutine is left running.
func (b *Bridge) Run(ctx context.Context) {
	start := time.Now()
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	log.Printf("bridge: session %s: started (provisioning=%t)", b.id, b.fetcher != nil)
	b.events.Publish(events.Event{Type: events.SessionStarted, SessionID: b.id})

	b.conn.SetPingHandler(b.handlePing)
	b.conn.SetPongHandler(func(string) error {
		metrics.FramesTotal.WithLabelValues("in", "pong").Inc()
		return nil
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	b.spawn(g, gctx, cancel, "pty-read", b.readPTY)
	b.spawn(g, gctx, cancel, "pty-write", b.writePTY)
	b.spawn(g, gctx, cancel, "ws-send", b.sendWS)
	b.spawn(g, gctx, cancel, "ws-receive", b.receiveWS)

	<-gctx.Done()
	b.shutdown()
	_ = g.Wait()

	elapsed := time.Since(start)
	metrics.SessionDuration.Observe(elapsed.Seconds())
	metrics.SessionsTotal.WithLabelValues(b.endedBy).Inc()

	attrs := map[string]string{"ended_by": b.endedBy, "duration": elapsed.Round(time.Millisecond).String()}
	if b.endReason != nil {
		attrs["reason"] = b.endReason.Error()
		log.Printf("bridge: session %s: closed after %s (%s: %v)", b.id, elapsed.Round(time.Millisecond), b.endedBy, b.endReason)
	} else {
		log.Printf("bridge: session %s: closed after %s (%s finished)", b.id, elapsed.Round(time.Millisecond), b.endedBy)
	}
	b.events.Publish(events.Event{Type: events.SessionEnded, SessionID: b.id, Attrs: attrs})
}

// spawn runs fn as one activity. Whatever way fn returns, the session
// context is cancelled so the remaining activities stop.
func (b *Bridge) spawn(g *errgroup.Group, ctx context.Context, cancel context.CancelFunc, name string, fn func(context.Context) error) {
	g.Go(func() error {
		defer cancel()
		err := fn(ctx)
		b.endOnce.Do(func() {
			b.endedBy = name
			b.endReason = err
		})
		return err
	})
}

// shutdown unblocks every activity: closing the PTY master ends pending
// reads and writes, closing the socket ends a pending ReadMessage or
// WriteMessage, and queue operations observe the cancelled context.
func (b *Bridge) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()
	if err := b.pty.Terminate(ctx); err != nil {
		log.Printf("bridge: session %s: terminate shell: %v", b.id, err)
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := b.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Printf("bridge: session %s: close frame: %v", b.id, err)
	}
	if err := b.conn.Close(); err != nil {
		log.Printf("bridge: session %s: close websocket: %v", b.id, err)
	}
}

func (b *Bridge) readPTY(ctx context.Context) error {
	buf := make([]byte, terminal.ReadBufferSize)
	for {
		n, err := b.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case b.output <- chunk:
				metrics.BytesTotal.WithLabelValues("out").Add(float64(n))
			case <-ctx.Done():
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pty read: %w", err)
		}
	}
}

func (b *Bridge) writePTY(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-b.input:
			if _, err := b.pty.Write(data); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("pty write: %w", err)
			}
			metrics.BytesTotal.WithLabelValues("in").Add(float64(len(data)))
		}
	}
}

func (b *Bridge) sendWS(ctx context.Context) error {
	for {
		var (
			msgType int
			data    []byte
			label   string
		)
		select {
		case <-ctx.Done():
			return nil
		case data = <-b.output:
			msgType, label = websocket.BinaryMessage, "binary"
		case msg := <-b.progress:
			msgType, label, data = websocket.TextMessage, "text", []byte(msg)
		}
		if err := b.conn.WriteMessage(msgType, data); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("websocket send: %w", err)
		}
		metrics.FramesTotal.WithLabelValues("out", label).Inc()
	}
}

func (b *Bridge) receiveWS(ctx context.Context) error {
	for {
		if b.idleTimeout > 0 {
			_ = b.conn.SetReadDeadline(time.Now().Add(b.idleTimeout))
		}
		msgType, data, err := b.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.As(err, &closeErr):
				log.Printf("bridge: session %s: client closed (code %d)", b.id, closeErr.Code)
				return nil
			}
			return fmt.Errorf("websocket receive: %w", err)
		}
		if err := b.dispatch(ctx, msgType, data); err != nil {
			return nil
		}
	}
}

func (b *Bridge) handlePing(appData string) error {
	metrics.FramesTotal.WithLabelValues("in", "ping").Inc()
	err := b.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

// enqueueInput queues data for the shell, in order. It fails only when
// the session is ending.
func (b *Bridge) enqueueInput(ctx context.Context, data []byte) error {
	select {
	case b.input <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendProgress queues a progress line for the client. Lines are dropped
// only once the session is ending.
func (b *Bridge) sendProgress(ctx context.Context, msg string) {
	select {
	case b.progress <- msg:
	case <-ctx.Done():
	}
}
