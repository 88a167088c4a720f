package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensandbox/webterm/internal/storage"
)

// runBridge starts a session in the background and returns a channel
// that is closed when Run returns.
func runBridge(t *testing.T, cfg Config) (*Bridge, <-chan struct{}) {
	t.Helper()
	b := New(cfg)
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(context.Background())
	}()
	t.Cleanup(func() {
		cfg.Conn.Close()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("bridge did not stop during cleanup")
		}
	})
	return b, done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestKeystrokesReachPTYInOrder(t *testing.T) {
	conn := newFakeConn()
	pty := newFakePTY(true)
	_, done := runBridge(t, Config{Conn: conn, PTY: pty})

	var want bytes.Buffer
	for i := 0; i < 1000; i++ {
		payload := []byte(fmt.Sprintf("k%04d;", i))
		want.Write(payload)
		conn.send(websocket.BinaryMessage, payload)
	}

	waitFor(t, "all keystrokes", func() bool { return len(pty.input()) == want.Len() })
	if pty.input() != want.String() {
		t.Fatal("PTY input does not match the concatenated frames")
	}

	waitFor(t, "echoed output", func() bool { return len(conn.binaryOutput()) == want.Len() })
	if !bytes.Equal(conn.binaryOutput(), want.Bytes()) {
		t.Fatal("echoed output is reordered or corrupted")
	}

	conn.send(closeFrame, nil)
	waitDone(t, done)
}

func TestCloseFrameEndsSession(t *testing.T) {
	conn := newFakeConn()
	pty := newFakePTY(false)
	b, done := runBridge(t, Config{Conn: conn, PTY: pty})

	conn.send(closeFrame, nil)
	waitDone(t, done)

	if !pty.isTerminated() {
		t.Error("expected the shell to be terminated")
	}
	if !conn.isClosed() {
		t.Error("expected the websocket to be closed")
	}
	if b.endedBy != "ws-receive" {
		t.Errorf("expected ws-receive to end the session, got %s", b.endedBy)
	}
	if b.endReason != nil {
		t.Errorf("expected a clean close, got %v", b.endReason)
	}
}

func TestShellExitEndsSession(t *testing.T) {
	conn := newFakeConn()
	pty := newFakePTY(false)
	b, done := runBridge(t, Config{Conn: conn, PTY: pty})

	pty.exit()
	waitDone(t, done)

	if b.endedBy != "pty-read" {
		t.Errorf("expected pty-read to end the session, got %s", b.endedBy)
	}
	if !conn.isClosed() {
		t.Error("expected the websocket to be closed after the shell exits")
	}
	conn.mu.Lock()
	closeSent := conn.closeSent
	conn.mu.Unlock()
	if !closeSent {
		t.Error("expected a close frame to be sent")
	}
}

func TestIdleTimeoutEndsSession(t *testing.T) {
	conn := newFakeConn()
	pty := newFakePTY(false)
	b, done := runBridge(t, Config{Conn: conn, PTY: pty, IdleTimeout: 50 * time.Millisecond})

	waitDone(t, done)
	if b.endedBy != "ws-receive" || b.endReason == nil {
		t.Errorf("expected ws-receive to fail with a timeout, got %s: %v", b.endedBy, b.endReason)
	}
	if !pty.isTerminated() {
		t.Error("expected the shell to be terminated")
	}
}

func TestEmptyTextFrameIsNoop(t *testing.T) {
	conn := newFakeConn()
	pty := newFakePTY(false)
	fetcher := &stubFetcher{}
	_, done := runBridge(t, Config{Conn: conn, PTY: pty, Fetcher: fetcher})

	conn.send(websocket.TextMessage, []byte("  \t\n"))
	conn.send(websocket.BinaryMessage, []byte("ls\n"))

	waitFor(t, "keystrokes", func() bool { return pty.input() == "ls\n" })
	if n := fetcher.calls.Load(); n != 0 {
		t.Errorf("expected no fetch for an empty slug, got %d", n)
	}

	conn.send(closeFrame, nil)
	waitDone(t, done)
}

func TestTextFrameIgnoredWithoutFetcher(t *testing.T) {
	conn := newFakeConn()
	pty := newFakePTY(false)
	_, done := runBridge(t, Config{Conn: conn, PTY: pty})

	conn.send(websocket.TextMessage, []byte("demo-workspace"))
	conn.send(websocket.BinaryMessage, []byte("pwd\n"))

	waitFor(t, "keystrokes", func() bool { return pty.input() != "" })
	if got := pty.input(); got != "pwd\n" {
		t.Errorf("text frame must never reach the shell, got %q", got)
	}

	conn.send(closeFrame, nil)
	waitDone(t, done)
}

// memStore is an in-memory storage.ObjectStore.
type memStore map[string]string

func (m memStore) Describe() string { return "mem://bucket" }

func (m memStore) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	var out []storage.ObjectInfo
	for k, v := range m {
		if strings.HasPrefix(k, prefix) {
			out = append(out, storage.ObjectInfo{Key: k, Size: int64(len(v))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m memStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	v, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", key)
	}
	return io.NopCloser(strings.NewReader(v)), nil
}

func TestProvisionWorkspace(t *testing.T) {
	store := memStore{
		"workspaces/demo-workspace/a.txt":     "hello a",
		"workspaces/demo-workspace/sub/b.txt": "hello b",
	}
	root := t.TempDir()
	fetcher, err := storage.NewFetcher(store, root, "")
	if err != nil {
		t.Fatalf("NewFetcher() error: %v", err)
	}

	conn := newFakeConn()
	pty := newFakePTY(false)
	_, done := runBridge(t, Config{Conn: conn, PTY: pty, Fetcher: fetcher})

	conn.send(websocket.TextMessage, []byte(" demo-workspace \n"))

	dir := filepath.Join(fetcher.Root(), "demo-workspace")
	waitFor(t, "cd and status line", func() bool { return len(pty.inputChunks()) >= 2 })

	chunks := pty.inputChunks()
	if want := "cd '" + dir + "'\n"; chunks[0] != want {
		t.Errorf("expected %q, got %q", want, chunks[0])
	}
	if !strings.HasPrefix(chunks[1], "# workspace demo-workspace ready in "+dir) || !strings.HasSuffix(chunks[1], "\n") {
		t.Errorf("unexpected status line %q", chunks[1])
	}

	for rel, want := range map[string]string{"a.txt": "hello a", "sub/b.txt": "hello b"} {
		got, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("read %s: %v", rel, err)
		}
		if string(got) != want {
			t.Errorf("%s: expected %q, got %q", rel, want, got)
		}
	}

	waitFor(t, "completion progress", func() bool {
		text := conn.textOutput()
		return len(text) > 0 && strings.HasPrefix(text[len(text)-1], "Download completed!")
	})
	text := conn.textOutput()
	if !strings.HasPrefix(text[0], "Starting download") {
		t.Errorf("expected progress to start with the search, got %q", text[0])
	}

	// The session stays interactive.
	conn.send(websocket.BinaryMessage, []byte("ls\n"))
	waitFor(t, "keystrokes after fetch", func() bool { return strings.HasSuffix(pty.input(), "ls\n") })

	conn.send(closeFrame, nil)
	waitDone(t, done)
}

func TestProvisionEmptyWorkspace(t *testing.T) {
	fetcher, err := storage.NewFetcher(memStore{}, t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewFetcher() error: %v", err)
	}

	conn := newFakeConn()
	pty := newFakePTY(false)
	_, done := runBridge(t, Config{Conn: conn, PTY: pty, Fetcher: fetcher})

	conn.send(websocket.TextMessage, []byte("missing-workspace"))
	waitFor(t, "status line", func() bool { return pty.input() != "" })

	if got, want := pty.input(), "# no objects found for workspace missing-workspace\n"; got != want {
		t.Errorf("expected only %q, got %q", want, got)
	}
	entries, _ := os.ReadDir(fetcher.Root())
	if len(entries) != 0 {
		t.Errorf("expected no files written, found %d entries", len(entries))
	}

	conn.send(websocket.BinaryMessage, []byte("echo ok\n"))
	waitFor(t, "keystrokes", func() bool { return strings.HasSuffix(pty.input(), "echo ok\n") })

	conn.send(closeFrame, nil)
	waitDone(t, done)
}

// stubFetcher emits fixed progress lines and returns a canned outcome.
type stubFetcher struct {
	progress []string
	result   *storage.Result
	err      error
	delay    time.Duration

	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *stubFetcher) Fetch(ctx context.Context, slug string, progress storage.ProgressFunc) (*storage.Result, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxSeen.Load()
		if n <= max || f.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}

	for _, msg := range f.progress {
		progress(slug + ": " + msg)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &storage.Result{Slug: slug, Path: "/ws/" + slug, Objects: 1}, nil
}

func TestProgressOrderPreserved(t *testing.T) {
	var lines []string
	for i := 0; i < 500; i++ {
		lines = append(lines, fmt.Sprintf("step %03d", i))
	}
	fetcher := &stubFetcher{progress: lines}

	conn := newFakeConn()
	pty := newFakePTY(false)
	_, done := runBridge(t, Config{Conn: conn, PTY: pty, Fetcher: fetcher, QueueSize: 4})

	conn.send(websocket.TextMessage, []byte("ws"))
	waitFor(t, "all progress", func() bool { return len(conn.textOutput()) == len(lines) })

	for i, got := range conn.textOutput() {
		if want := "ws: " + lines[i]; got != want {
			t.Fatalf("progress %d: expected %q, got %q", i, want, got)
		}
	}

	conn.send(closeFrame, nil)
	waitDone(t, done)
}

func TestProvisionFailureIsNotFatal(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("access denied\nrm -rf ~")}

	conn := newFakeConn()
	pty := newFakePTY(false)
	_, done := runBridge(t, Config{Conn: conn, PTY: pty, Fetcher: fetcher})

	conn.send(websocket.TextMessage, []byte("broken"))
	waitFor(t, "failure line", func() bool { return pty.input() != "" })

	got := pty.input()
	if !strings.HasPrefix(got, "# workspace fetch failed: access denied") {
		t.Errorf("unexpected failure line %q", got)
	}
	if strings.Count(got, "\n") != 1 || !strings.HasSuffix(got, "\n") {
		t.Errorf("failure line must be a single line, got %q", got)
	}

	conn.send(websocket.BinaryMessage, []byte("whoami\n"))
	waitFor(t, "keystrokes after failure", func() bool { return strings.HasSuffix(pty.input(), "whoami\n") })

	select {
	case <-done:
		t.Fatal("a failed fetch must not end the session")
	default:
	}

	conn.send(closeFrame, nil)
	waitDone(t, done)
}

func TestProvisioningIsSerialized(t *testing.T) {
	fetcher := &stubFetcher{delay: 20 * time.Millisecond}

	conn := newFakeConn()
	pty := newFakePTY(false)
	_, done := runBridge(t, Config{Conn: conn, PTY: pty, Fetcher: fetcher})

	for i := 0; i < 5; i++ {
		conn.send(websocket.TextMessage, []byte(fmt.Sprintf("ws-%d", i)))
	}
	waitFor(t, "all fetches", func() bool { return fetcher.calls.Load() == 5 && len(pty.inputChunks()) == 10 })

	if max := fetcher.maxSeen.Load(); max != 1 {
		t.Errorf("expected fetches to run one at a time, saw %d concurrently", max)
	}

	chunks := pty.inputChunks()
	for i := 0; i < 5; i++ {
		if want := fmt.Sprintf("cd '/ws/ws-%d'\n", i); chunks[2*i] != want {
			t.Errorf("chunk %d: expected %q, got %q", 2*i, want, chunks[2*i])
		}
	}

	conn.send(closeFrame, nil)
	waitDone(t, done)
}

func TestSessionEndCancelsFetch(t *testing.T) {
	fetcher := &stubFetcher{delay: time.Hour}

	conn := newFakeConn()
	pty := newFakePTY(false)
	_, done := runBridge(t, Config{Conn: conn, PTY: pty, Fetcher: fetcher})

	conn.send(websocket.TextMessage, []byte("slow"))
	waitFor(t, "fetch to start", func() bool { return fetcher.inFlight.Load() == 1 })

	pty.exit()
	waitDone(t, done)

	if n := fetcher.inFlight.Load(); n != 0 {
		t.Errorf("expected the fetch to be cancelled, %d still running", n)
	}
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := newFakeConn()
			pty := newFakePTY(true)
			b := New(Config{Conn: conn, PTY: pty})
			finished := make(chan struct{})
			go func() {
				b.Run(context.Background())
				close(finished)
			}()

			msg := fmt.Sprintf("session-%d\n", i)
			conn.send(websocket.BinaryMessage, []byte(msg))
			deadline := time.Now().Add(5 * time.Second)
			for string(conn.binaryOutput()) != msg && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			if got := string(conn.binaryOutput()); got != msg {
				t.Errorf("session %d: expected %q, got %q", i, msg, got)
			}
			conn.send(closeFrame, nil)
			<-finished
		}(i)
	}
	wg.Wait()
}

func TestContextCancelStopsSession(t *testing.T) {
	conn := newFakeConn()
	pty := newFakePTY(false)
	b := New(Config{Conn: conn, PTY: pty})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	cancel()
	waitDone(t, done)
	if !pty.isTerminated() || !conn.isClosed() {
		t.Error("expected shell and websocket to be closed after cancellation")
	}
}
