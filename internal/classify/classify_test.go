package classify

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

// assertTerminated checks the sequence ends with exactly one Closed and that
// nothing follows it.
func assertTerminated(t *testing.T, events []Event) Closed {
	t.Helper()
	require.NotEmpty(t, events)
	closed, ok := events[len(events)-1].(Closed)
	require.True(t, ok, "last event must be Closed, got %T", events[len(events)-1])
	for _, ev := range events[:len(events)-1] {
		_, isClosed := ev.(Closed)
		assert.False(t, isClosed, "Closed must be the final event")
	}
	return closed
}

func joinData(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if d, ok := ev.(Data); ok {
			b.Write(d.Bytes)
		}
	}
	return b.String()
}

func TestStream_HTTPRequestWithoutBody(t *testing.T) {
	raw := "GET /health HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n"
	events := collect(t, Stream(strings.NewReader(raw)))

	require.Len(t, events, 2)
	req, ok := events[0].(NewHTTPRequest)
	require.True(t, ok)
	assert.Equal(t, "GET", req.Head.Method)
	assert.Equal(t, "/health", req.Head.URI)
	assert.Equal(t, "HTTP/1.1", req.Head.Version)
	assert.Equal(t, "example.com", req.Head.Headers.Get("Host"))
	assert.True(t, req.Head.BodyFinished)

	closed := assertTerminated(t, events)
	assert.NoError(t, closed.Err)
}

func TestStream_HTTPRequestWithBody(t *testing.T) {
	raw := "POST /submit HTTP/1.1\r\nHost: example.com\r\nContent-Length: 11\r\n\r\nhello world"
	events := collect(t, Stream(strings.NewReader(raw)))

	req, ok := events[0].(NewHTTPRequest)
	require.True(t, ok)
	assert.Equal(t, "POST", req.Head.Method)
	assert.False(t, req.Head.BodyFinished)

	var body strings.Builder
	lastFrames := 0
	for _, ev := range events[1:] {
		if frame, ok := ev.(HTTPFrame); ok {
			body.Write(frame.Bytes)
			if frame.Last {
				lastFrames++
			}
		}
	}
	assert.Equal(t, "hello world", body.String())
	assert.Equal(t, 1, lastFrames, "exactly one frame carries Last")

	closed := assertTerminated(t, events)
	assert.NoError(t, closed.Err)
}

func TestStream_HTTPChunkedBody(t *testing.T) {
	raw := "POST /upload HTTP/1.1\r\nHost: example.com\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	events := collect(t, Stream(strings.NewReader(raw)))

	req, ok := events[0].(NewHTTPRequest)
	require.True(t, ok)
	assert.False(t, req.Head.BodyFinished)

	var body strings.Builder
	for _, ev := range events[1:] {
		if frame, ok := ev.(HTTPFrame); ok {
			body.Write(frame.Bytes)
		}
	}
	assert.Equal(t, "hello world", body.String())
	assertTerminated(t, events)
}

func TestStream_OpaqueTCP(t *testing.T) {
	raw := "\x00\x01\x02 not http at all"
	events := collect(t, Stream(strings.NewReader(raw)))

	assert.Equal(t, raw, joinData(events))

	// Graceful close: EndOfData precedes Closed.
	require.GreaterOrEqual(t, len(events), 2)
	_, ok := events[len(events)-2].(EndOfData)
	assert.True(t, ok)

	closed := assertTerminated(t, events)
	assert.NoError(t, closed.Err)
}

func TestStream_MethodLikePrefixButNotHTTP(t *testing.T) {
	// Starts like a request line but carries no HTTP version token.
	raw := "GET lost in translation\r\nmore bytes"
	events := collect(t, Stream(strings.NewReader(raw)))

	assert.Equal(t, raw, joinData(events))
	assertTerminated(t, events)
}

func TestStream_MalformedHeadFallsBackToTCP(t *testing.T) {
	// Valid request line, header section that cannot parse. Every byte the
	// failed parse consumed must reappear as opaque data.
	raw := "GET / HTTP/1.1\r\nbroken header line without colon\r\n\r\n"
	events := collect(t, Stream(strings.NewReader(raw)))

	for _, ev := range events {
		_, isReq := ev.(NewHTTPRequest)
		assert.False(t, isReq, "malformed request must not announce HTTP")
	}
	assert.Equal(t, raw, joinData(events))
	assertTerminated(t, events)
}

func TestStream_EmptyStream(t *testing.T) {
	events := collect(t, Stream(strings.NewReader("")))

	require.Len(t, events, 2)
	_, ok := events[0].(EndOfData)
	assert.True(t, ok)
	closed := assertTerminated(t, events)
	assert.NoError(t, closed.Err)
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestStream_TransportErrorEndsWithClosedErr(t *testing.T) {
	wantErr := errors.New("connection reset")
	events := collect(t, Stream(&failingReader{data: []byte("partial \x00 data"), err: wantErr}))

	assert.Equal(t, "partial \x00 data", joinData(events))

	closed := assertTerminated(t, events)
	assert.ErrorIs(t, closed.Err, wantErr)

	// No EndOfData on failure.
	for _, ev := range events {
		_, isEOD := ev.(EndOfData)
		assert.False(t, isEOD)
	}
}

func TestStream_ImmediateTransportError(t *testing.T) {
	wantErr := errors.New("broken pipe")
	events := collect(t, Stream(&failingReader{err: wantErr}))

	require.Len(t, events, 1)
	closed := assertTerminated(t, events)
	assert.ErrorIs(t, closed.Err, wantErr)
}

func TestStream_LongNonHTTPLineExceedingProbe(t *testing.T) {
	raw := strings.Repeat("x", ProbeWindow*2)
	events := collect(t, Stream(strings.NewReader(raw)))

	assert.Equal(t, raw, joinData(events))
	assertTerminated(t, events)
}

func TestStreamTCP_SkipsClassification(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"
	events := collect(t, StreamTCP(strings.NewReader(raw)))

	for _, ev := range events {
		_, isReq := ev.(NewHTTPRequest)
		assert.False(t, isReq, "StreamTCP never classifies")
	}
	assert.Equal(t, raw, joinData(events))
	assertTerminated(t, events)
}
