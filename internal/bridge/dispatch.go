package bridge

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode"

	"github.com/gorilla/websocket"

	"github.com/opensandbox/webterm/internal/events"
	"github.com/opensandbox/webterm/internal/metrics"
)

// tracePreviewLen caps how many runes of a keystroke frame are logged.
const tracePreviewLen = 50

// dispatch routes one inbound frame. Binary frames are keystrokes for the
// shell; text frames name a workspace to fetch and are never written to
// the shell verbatim. A non-nil error means the session is ending.
func (b *Bridge) dispatch(ctx context.Context, msgType int, data []byte) error {
	switch msgType {
	case websocket.BinaryMessage:
		metrics.FramesTotal.WithLabelValues("in", "binary").Inc()
		if b.traceFrames {
			log.Printf("bridge: session %s: %d bytes from client: %s", b.id, len(data), preview(data))
		}
		return b.enqueueInput(ctx, data)

	case websocket.TextMessage:
		metrics.FramesTotal.WithLabelValues("in", "text").Inc()
		slug := strings.TrimSpace(string(data))
		if slug == "" {
			return nil
		}
		return b.provision(ctx, slug)

	default:
		metrics.FramesTotal.WithLabelValues("in", "other").Inc()
		log.Printf("bridge: session %s: ignoring frame type %d (%d bytes)", b.id, msgType, len(data))
		return nil
	}
}

// provision fetches a workspace and tells the shell about the outcome.
// It runs on the receive activity, so fetches within a session never
// overlap. A failed fetch is reported to the terminal and the session
// carries on.
func (b *Bridge) provision(ctx context.Context, slug string) error {
	if b.fetcher == nil {
		log.Printf("bridge: session %s: provisioning disabled, ignoring workspace %q", b.id, slug)
		return nil
	}

	log.Printf("bridge: session %s: fetching workspace %q", b.id, slug)
	start := time.Now()
	res, err := b.fetcher.Fetch(ctx, slug, func(msg string) {
		b.sendProgress(ctx, msg)
	})
	metrics.FetchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.FetchesTotal.WithLabelValues("error").Inc()
		log.Printf("bridge: session %s: workspace %q: %v", b.id, slug, err)
		b.events.Publish(events.Event{
			Type:      events.WorkspaceFailed,
			SessionID: b.id,
			Attrs:     map[string]string{"slug": slug, "error": err.Error()},
		})
		return b.enqueueInput(ctx, statusLine(fmt.Sprintf("workspace fetch failed: %v", err)))
	}

	if res.Objects == 0 {
		metrics.FetchesTotal.WithLabelValues("empty").Inc()
		b.events.Publish(events.Event{
			Type:      events.WorkspaceReady,
			SessionID: b.id,
			Attrs:     map[string]string{"slug": slug, "objects": "0"},
		})
		return b.enqueueInput(ctx, statusLine(fmt.Sprintf("no objects found for workspace %s", slug)))
	}

	metrics.FetchesTotal.WithLabelValues("ok").Inc()
	metrics.FetchedObjectsTotal.Add(float64(res.Objects))
	b.events.Publish(events.Event{
		Type:      events.WorkspaceReady,
		SessionID: b.id,
		Attrs: map[string]string{
			"slug":    slug,
			"path":    res.Path,
			"objects": fmt.Sprint(res.Objects),
			"bytes":   fmt.Sprint(res.Bytes),
		},
	})

	log.Printf("bridge: session %s: changing directory to %s", b.id, res.Path)
	if err := b.enqueueInput(ctx, cdCommand(res.Path)); err != nil {
		return err
	}
	return b.enqueueInput(ctx, statusLine(fmt.Sprintf("workspace %s ready in %s (%d files)", slug, res.Path, res.Objects)))
}

// cdCommand builds a shell command that changes into dir.
func cdCommand(dir string) []byte {
	return []byte("cd " + shellQuote(dir) + "\n")
}

// statusLine renders msg as a shell comment so the terminal shows it
// without the shell executing anything. Control characters are replaced
// so that msg cannot end the comment early.
func statusLine(msg string) []byte {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, msg)
	return []byte("# " + clean + "\n")
}

// shellQuote quotes s for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// preview renders data for logs, escaping control characters.
func preview(data []byte) string {
	var sb strings.Builder
	n := 0
	for _, r := range string(data) {
		if n == tracePreviewLen {
			sb.WriteString("...")
			break
		}
		if unicode.IsControl(r) {
			fmt.Fprintf(&sb, "\\x%02x", r)
		} else {
			sb.WriteRune(r)
		}
		n++
	}
	return sb.String()
}
