// Package stream moves progress events over a single long-lived HTTP body.
package stream

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sync"

	"github.com/mohammad-safakhou/fitplan/internal/events"
)

// Writer frames events onto w. Each frame goes out in a single Write under a
// lock, so frames from concurrent callers never interleave.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	// OnFrame, when set, is called after each frame is flushed.
	OnFrame func(events.Kind)
}

// NewWriter wraps w. If w implements http.Flusher it is flushed after every frame.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flusher = f
	}
	return sw
}

// WriteEvent encodes and writes one frame.
func (w *Writer) WriteEvent(ev events.Event) error {
	frame, err := events.EncodeFrame(ev)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writeLocked(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", ev.Kind(), err)
	}
	if w.OnFrame != nil {
		w.OnFrame(ev.Kind())
	}
	return nil
}

// Comment writes a comment frame (": text\n\n"), which readers ignore.
func (w *Writer) Comment(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked([]byte(": " + text + "\n\n"))
}

func (w *Writer) writeLocked(frame []byte) error {
	if _, err := w.w.Write(frame); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// Pipe writes every event of seq as it is produced. It returns the number of
// frames written; it stops early when ctx is done or a write fails.
func Pipe(ctx context.Context, w *Writer, seq iter.Seq[events.Event]) (int, error) {
	var (
		n    int
		werr error
	)
	for ev := range seq {
		if err := ctx.Err(); err != nil {
			werr = err
			break
		}
		if err := w.WriteEvent(ev); err != nil {
			werr = err
			break
		}
		n++
	}
	return n, werr
}
