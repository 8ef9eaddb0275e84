package streaming

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proxyerrors "github.com/Jasonzhangf/routecodex/pkg/errors"
)

func TestReaderParsesNamedAndBareEvents(t *testing.T) {
	src := strings.Join([]string{
		": heartbeat",
		"event: message_start",
		`data: {"type":"message_start"}`,
		"",
		`data: {"id":"c1"}`,
		"",
		"data: [DONE]",
		"",
	}, "\n")

	r := NewReader(strings.NewReader(src), 0)

	ev, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "message_start", ev.Name)
	assert.JSONEq(t, `{"type":"message_start"}`, string(ev.Data))

	ev, err = r.Next(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ev.Name)
	assert.JSONEq(t, `{"id":"c1"}`, string(ev.Data))

	ev, err = r.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, ev.IsDone())

	_, err = r.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestReaderJoinsMultiLineData(t *testing.T) {
	src := "data: line one\ndata: line two\n\n"
	r := NewReader(strings.NewReader(src), 0)

	ev, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", string(ev.Data))
}

func TestReaderFlushesTrailingEventWithoutBlankLine(t *testing.T) {
	r := NewReader(strings.NewReader("data: tail"), 0)

	ev, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tail", string(ev.Data))
}

func TestReaderIdleTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	r := NewReader(pr, 50*time.Millisecond)
	_, err := r.Next(context.Background())
	require.Error(t, err)

	var perr *proxyerrors.ProxyError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, proxyerrors.KindStreamAbort, perr.Kind)
}

func TestWriterSuppressesDuplicateDone(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec)

	require.NoError(t, w.Send(Event{Data: []byte(`{"id":"c1"}`)}))
	require.NoError(t, w.Send(DoneEvent()))
	require.NoError(t, w.Send(DoneEvent()))
	require.NoError(t, w.Send(Event{Data: []byte(`{"id":"late"}`)}))

	body := rec.Body.String()
	assert.Equal(t, 1, strings.Count(body, "[DONE]"))
	assert.NotContains(t, body, "late")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestPipePassthrough(t *testing.T) {
	src := "data: {\"id\":\"c1\"}\n\ndata: [DONE]\n\n"
	rec := httptest.NewRecorder()

	err := Pipe(context.Background(), rec, io.NopCloser(strings.NewReader(src)), NewChatPassthrough(), 0)
	require.NoError(t, err)

	body := rec.Body.String()
	assert.Contains(t, body, `data: {"id":"c1"}`)
	assert.Equal(t, 1, strings.Count(body, "[DONE]"))
}

func TestPipeSynthesizesDoneOnTruncatedChatStream(t *testing.T) {
	src := "data: {\"id\":\"c1\"}\n\n"
	rec := httptest.NewRecorder()

	err := Pipe(context.Background(), rec, io.NopCloser(strings.NewReader(src)), NewChatPassthrough(), 0)
	require.NoError(t, err)
	assert.Contains(t, rec.Body.String(), "[DONE]")
}

func TestPipeEmitsErrorEventBeforeTerminalOnAbort(t *testing.T) {
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte("data: {\"id\":\"c1\"}\n\n"))
		// The stream then stalls past the idle timeout.
	}()

	rec := httptest.NewRecorder()
	err := Pipe(context.Background(), rec, pr, NewChatPassthrough(), 50*time.Millisecond)
	require.Error(t, err)

	body := rec.Body.String()
	assert.Contains(t, body, `"error"`)
	assert.Contains(t, body, "[DONE]")
	assert.Less(t, strings.Index(body, `"error"`), strings.Index(body, "[DONE]"))
}
