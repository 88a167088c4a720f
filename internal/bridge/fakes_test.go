package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type frame struct {
	msgType int
	data    []byte
}

// fakeConn is an in-memory Conn. Tests push client frames with send and
// inspect what the bridge wrote with frames.
type fakeConn struct {
	in     chan frame
	closed chan struct{}

	mu        sync.Mutex
	out       []frame
	closeSent bool
	deadline  time.Time

	closeOnce sync.Once
}

const closeFrame = -1

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan frame, 4096),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) send(msgType int, data []byte) {
	c.in <- frame{msgType: msgType, data: data}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case f := <-c.in:
		if f.msgType == closeFrame {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return f.msgType, f.data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, errors.New("i/o timeout")
	}
}

func (c *fakeConn) WriteMessage(msgType int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, frame{msgType: msgType, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) WriteControl(msgType int, data []byte, deadline time.Time) error {
	if msgType == websocket.CloseMessage {
		c.mu.Lock()
		c.closeSent = true
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetPingHandler(func(string) error) {}
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// frames returns a copy of every frame written of the given type.
func (c *fakeConn) frames(msgType int) []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []frame
	for _, f := range c.out {
		if f.msgType == msgType {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) binaryOutput() []byte {
	var buf bytes.Buffer
	for _, f := range c.frames(websocket.BinaryMessage) {
		buf.Write(f.data)
	}
	return buf.Bytes()
}

func (c *fakeConn) textOutput() []string {
	var out []string
	for _, f := range c.frames(websocket.TextMessage) {
		out = append(out, string(f.data))
	}
	return out
}

// fakePTY records everything written to it. With echo set, written bytes
// are also produced as output, like a terminal in cooked mode.
type fakePTY struct {
	echo bool

	outR *io.PipeReader
	outW *io.PipeWriter

	mu         sync.Mutex
	written    bytes.Buffer
	writes     [][]byte
	terminated bool

	termOnce sync.Once
}

func newFakePTY(echo bool) *fakePTY {
	r, w := io.Pipe()
	return &fakePTY{echo: echo, outR: r, outW: w}
}

func (p *fakePTY) Read(b []byte) (int, error) {
	return p.outR.Read(b)
}

func (p *fakePTY) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	p.written.Write(b)
	p.writes = append(p.writes, append([]byte(nil), b...))
	p.mu.Unlock()

	if p.echo {
		return p.outW.Write(b)
	}
	return len(b), nil
}

// exit simulates the shell exiting: the next read returns io.EOF.
func (p *fakePTY) exit() {
	p.outW.Close()
}

func (p *fakePTY) Terminate(ctx context.Context) error {
	p.termOnce.Do(func() {
		p.mu.Lock()
		p.terminated = true
		p.mu.Unlock()
		p.outR.CloseWithError(io.ErrClosedPipe)
		p.outW.CloseWithError(io.ErrClosedPipe)
	})
	return nil
}

func (p *fakePTY) input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func (p *fakePTY) inputChunks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.writes))
	for i, w := range p.writes {
		out[i] = string(w)
	}
	return out
}

func (p *fakePTY) isTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}
