// Package streaming moves server-sent event streams between the proxy's
// protocols: reading upstream SSE with idle enforcement, converting events
// across dialects, and writing client SSE with an exactly-once terminal
// event.
package streaming

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
)

const (
	// maxEventSize bounds a single SSE event. Large tool argument deltas
	// stay well under this.
	maxEventSize = 4 << 20

	scanBufferSize = 64 << 10
)

var scanBufferPool = sync.Pool{
	New: func() any {
		return make([]byte, scanBufferSize)
	},
}

// Event is one server-sent event. An empty Name means a bare data event,
// which is how OpenAI-style streams are framed.
type Event struct {
	Name string
	Data []byte
}

// IsDone reports whether the event is the OpenAI [DONE] sentinel.
func (e Event) IsDone() bool {
	return e.Name == "" && bytes.Equal(bytes.TrimSpace(e.Data), []byte("[DONE]"))
}

type eventOrErr struct {
	event Event
	err   error
}

// Reader parses SSE events from an upstream body. Scanning happens on its
// own goroutine so Next can enforce the idle timeout.
type Reader struct {
	events chan eventOrErr
	idle   time.Duration
}

// NewReader starts reading events from r. idle bounds the wait between
// consecutive events; zero disables the bound.
func NewReader(r io.Reader, idle time.Duration) *Reader {
	reader := &Reader{
		events: make(chan eventOrErr, 16),
		idle:   idle,
	}
	go reader.scan(r)
	return reader
}

func (r *Reader) scan(src io.Reader) {
	defer close(r.events)

	buf := scanBufferPool.Get().([]byte)
	defer scanBufferPool.Put(buf) //nolint:staticcheck

	scanner := bufio.NewScanner(src)
	scanner.Buffer(buf, maxEventSize)

	var name string
	var data [][]byte

	flush := func() {
		if name == "" && len(data) == 0 {
			return
		}
		r.events <- eventOrErr{event: Event{
			Name: name,
			Data: bytes.Join(data, []byte("\n")),
		}}
		name = ""
		data = nil
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			flush()
		case bytes.HasPrefix(line, []byte(":")):
			// comment, used by upstreams as a heartbeat
		case bytes.HasPrefix(line, []byte("event:")):
			name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data = append(data, append([]byte(nil), bytes.TrimSpace(line[len("data:"):])...))
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		r.events <- eventOrErr{err: err}
	}
}

// Next returns the next event. It returns io.EOF at stream end and a stream
// abort error when the idle timeout elapses with no upstream activity.
func (r *Reader) Next(ctx context.Context) (*Event, error) {
	var timeout <-chan time.Time
	if r.idle > 0 {
		timer := time.NewTimer(r.idle)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, proxyerrors.NewStreamAbortError("", "", "stream idle timeout exceeded")
	case item, ok := <-r.events:
		if !ok {
			return nil, io.EOF
		}
		if item.err != nil {
			return nil, item.err
		}
		return &item.event, nil
	}
}

// Writer emits SSE events to the client. The first Send writes the stream
// headers; Done is written at most once no matter how often it is requested.
type Writer struct {
	w     http.ResponseWriter
	f     http.Flusher
	began bool
	done  bool
}

// NewWriter wraps a response writer for SSE output.
func NewWriter(w http.ResponseWriter) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, f: f}
}

// Begin writes the SSE response headers. Safe to call more than once.
func (w *Writer) Begin() {
	if w.began {
		return
	}
	w.began = true
	h := w.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.w.WriteHeader(http.StatusOK)
	w.flush()
}

// Send writes one event and flushes it.
func (w *Writer) Send(ev Event) error {
	if w.done {
		return nil
	}
	w.Begin()

	if ev.IsDone() {
		w.done = true
	}

	if ev.Name != "" {
		if _, err := io.WriteString(w.w, "event: "+ev.Name+"\n"); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w.w, "data: "); err != nil {
		return err
	}
	if _, err := w.w.Write(ev.Data); err != nil {
		return err
	}
	if _, err := io.WriteString(w.w, "\n\n"); err != nil {
		return err
	}
	w.flush()
	return nil
}

func (w *Writer) flush() {
	if w.f != nil {
		w.f.Flush()
	}
}

// DoneEvent is the OpenAI stream termination sentinel.
func DoneEvent() Event {
	return Event{Data: []byte("[DONE]")}
}
