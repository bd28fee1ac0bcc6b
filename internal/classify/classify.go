// Package classify turns the raw byte stream of a captured connection into a
// sequence of connection events: either an HTTP/1.x request parsed into a
// head plus body frames, or opaque TCP data chunks.
package classify

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
)

// ProbeWindow bounds how many bytes are buffered while deciding whether a
// stream carries an HTTP/1.x request.
const ProbeWindow = 1024

// readChunk is the read size for streaming data and body frames.
const readChunk = 32 * 1024

// Event is one element of a captured connection's event sequence. The
// sequence ends with exactly one Closed, and nothing follows it.
type Event interface {
	isEvent()
}

// Data carries opaque TCP bytes.
type Data struct {
	Bytes []byte
}

// EndOfData signals that the peer half-closed an opaque TCP stream.
type EndOfData struct{}

// NewHTTPRequest announces a parsed HTTP/1.x request head. Emitted at most
// once, before any HTTPFrame.
type NewHTTPRequest struct {
	Head RequestHead
}

// HTTPFrame carries one body chunk of an HTTP request. Last is set exactly
// once per request, on the final chunk.
type HTTPFrame struct {
	Bytes []byte
	Last  bool
}

// Closed terminates the event sequence. Err is nil for graceful completion.
type Closed struct {
	Err error
}

func (Data) isEvent()           {}
func (EndOfData) isEvent()      {}
func (NewHTTPRequest) isEvent() {}
func (HTTPFrame) isEvent()      {}
func (Closed) isEvent()         {}

// RequestHead is the parsed head of an HTTP/1.x request. BodyFinished is set
// when the request declares no body, so no HTTPFrame events will follow.
type RequestHead struct {
	Method       string
	URI          string
	Version      string
	Headers      http.Header
	BodyFinished bool
}

// Stream classifies r and emits its events on the returned channel. The
// channel is closed after the final Closed event. The caller owns r and
// closes it to abort classification early.
func Stream(r io.Reader) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)
		run(r, events)
	}()
	return events
}

// StreamTCP emits r as opaque TCP events, skipping HTTP classification.
// Used by backends that only mirror raw streams.
func StreamTCP(r io.Reader) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)
		streamTCP(r, events)
	}()
	return events
}

func run(r io.Reader, events chan<- Event) {
	probe, err := fillProbe(r)
	if err != nil && len(probe) == 0 {
		if errors.Is(err, io.EOF) {
			// Peer closed without sending anything.
			events <- EndOfData{}
			events <- Closed{}
			return
		}
		events <- Closed{Err: err}
		return
	}

	// After a short probe, replay the buffered prefix in front of the rest
	// of the stream for whichever path is chosen.
	if looksLikeHTTP(probe) {
		recorded := &recordingReader{r: r}
		full := io.MultiReader(bytes.NewReader(probe), recorded)
		if streamHTTP(full, events) {
			return
		}
		// Malformed past the request line; fall back to opaque TCP,
		// replaying every byte consumed by the failed parse.
		replay := io.MultiReader(bytes.NewReader(probe), bytes.NewReader(recorded.buf), r)
		streamTCP(replay, events)
		return
	}

	streamTCP(io.MultiReader(bytes.NewReader(probe), r), events)
}

// fillProbe reads until the first line break, the probe window fills, or the
// stream ends. Returns whatever was buffered plus the terminating error, if
// any.
func fillProbe(r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, ProbeWindow)
	chunk := make([]byte, 256)
	for len(buf) < ProbeWindow && !bytes.Contains(buf, []byte("\r\n")) {
		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			return buf, err
		}
	}
	return buf, nil
}

var httpMethods = [][]byte{
	[]byte("GET "), []byte("HEAD "), []byte("POST "), []byte("PUT "),
	[]byte("DELETE "), []byte("CONNECT "), []byte("OPTIONS "),
	[]byte("TRACE "), []byte("PATCH "),
}

// looksLikeHTTP reports whether the probed prefix matches an HTTP/1.x
// request line: a known method, a target, and an HTTP/1 version before the
// first line break.
func looksLikeHTTP(probe []byte) bool {
	known := false
	for _, method := range httpMethods {
		if bytes.HasPrefix(probe, method) {
			known = true
			break
		}
	}
	if !known {
		return false
	}

	line, _, found := bytes.Cut(probe, []byte("\r\n"))
	if !found {
		return false
	}
	return bytes.Contains(line, []byte(" HTTP/1."))
}

// streamHTTP parses the request head and streams the body as frames.
// Returns false if the head fails to parse, in which case no event was
// emitted and the caller falls back to opaque TCP.
func streamHTTP(r io.Reader, events chan<- Event) bool {
	req, err := http.ReadRequest(bufio.NewReader(r))
	if err != nil {
		return false
	}

	head := RequestHead{
		Method:       req.Method,
		URI:          req.RequestURI,
		Version:      req.Proto,
		Headers:      req.Header,
		BodyFinished: req.ContentLength == 0,
	}
	events <- NewHTTPRequest{Head: head}

	if head.BodyFinished {
		events <- Closed{}
		return true
	}

	buf := make([]byte, readChunk)
	for {
		n, err := req.Body.Read(buf)
		switch {
		case errors.Is(err, io.EOF):
			frame := HTTPFrame{Last: true}
			if n > 0 {
				frame.Bytes = append([]byte(nil), buf[:n]...)
			}
			events <- frame
			events <- Closed{}
			return true
		case err != nil:
			if n > 0 {
				events <- HTTPFrame{Bytes: append([]byte(nil), buf[:n]...)}
			}
			events <- Closed{Err: err}
			return true
		default:
			events <- HTTPFrame{Bytes: append([]byte(nil), buf[:n]...)}
		}
	}
}

// streamTCP relays opaque bytes until the peer half-closes or the transport
// fails.
func streamTCP(r io.Reader, events chan<- Event) {
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			events <- Data{Bytes: append([]byte(nil), buf[:n]...)}
		}
		switch {
		case errors.Is(err, io.EOF):
			events <- EndOfData{}
			events <- Closed{}
			return
		case err != nil:
			events <- Closed{Err: err}
			return
		}
	}
}

// recordingReader remembers everything read through it, so a failed HTTP
// parse can be replayed for the opaque-TCP fallback.
type recordingReader struct {
	r   io.Reader
	buf []byte
}

func (rr *recordingReader) Read(p []byte) (int, error) {
	n, err := rr.r.Read(p)
	rr.buf = append(rr.buf, p[:n]...)
	return n, err
}
