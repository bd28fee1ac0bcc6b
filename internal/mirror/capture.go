package mirror

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/0x00A5/mirrord/internal/classify"
	"github.com/0x00A5/mirrord/internal/redirect"
)

type captureKind int

const (
	captureTCP captureKind = iota
	captureHTTP
)

// capture is one classified connection waiting to be announced: its
// addressing metadata, the classification outcome, and the remaining event
// stream.
type capture struct {
	kind captureKind
	info redirect.ConnInfo

	// head is set for HTTP captures.
	head *classify.RequestHead

	// first is the pending first event of a TCP capture, consumed during
	// classification and re-delivered ahead of events.
	first classify.Event

	events <-chan classify.Event

	// stop aborts classification and event relaying. Passthrough
	// forwarding to the original destination is unaffected.
	stop func()
}

// runCapture drives one stolen connection: forward it to its original
// destination, tee the peer's bytes through the classifier, and hand the
// classified capture to the session.
func (s *PassthroughSession) runCapture(ctx context.Context, rc *redirect.RedirectedConn) {
	peer := rc.Conn

	server, err := s.dial(ctx, "tcp", rc.Info.OriginalDestination.String())
	if err != nil {
		peer.Close()
		s.deliverCapture(ctx, failedCapture(rc.Info, err))
		return
	}

	tap := newTapBuffer()

	release := context.AfterFunc(ctx, func() {
		peer.Close()
		server.Close()
	})

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		// Peer -> original destination, with a copy into the classifier.
		_, copyErr := io.Copy(server, io.TeeReader(peer, tap))
		tap.finish(copyErr)
		if tc, ok := server.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		// Original destination -> peer.
		io.Copy(peer, server)
		if tc, ok := peer.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	go func() {
		wg.Wait()
		release()
		peer.Close()
		server.Close()
	}()

	events := classify.Stream(tap)
	first, ok := <-events
	if !ok {
		tap.Close()
		return
	}

	cap := &capture{
		info:   rc.Info,
		events: events,
		stop:   func() { tap.Close() },
	}
	if head, isHTTP := first.(classify.NewHTTPRequest); isHTTP {
		cap.kind = captureHTTP
		cap.head = &head.Head
	} else {
		cap.first = first
	}

	s.deliverCapture(ctx, cap)
}

// failedCapture builds a capture whose only event is the given failure, so
// the client sees the announced connection fail immediately.
func failedCapture(info redirect.ConnInfo, err error) *capture {
	events := make(chan classify.Event, 1)
	events <- classify.Closed{Err: err}
	close(events)
	return &capture{
		kind:   captureTCP,
		info:   info,
		events: events,
		stop:   func() {},
	}
}

func (s *PassthroughSession) deliverCapture(ctx context.Context, cap *capture) {
	select {
	case s.captures <- cap:
	case <-ctx.Done():
		cap.stop()
	}
}

// tapChunks bounds the pending mirror-copy chunks per capture. The forwarding
// path never waits on the mirror side; chunks past the bound are dropped and
// the mirrored stream ends up truncated.
const tapChunks = 256

// tapBuffer carries the mirror copy of a forwarded stream into the
// classifier. Writes come from the forwarding goroutine and never block or
// fail; the classifier reads the other end as an io.Reader.
type tapBuffer struct {
	ch      chan []byte
	done    chan struct{}
	rest    []byte
	failure error
	finish1 sync.Once
	close1  sync.Once
}

func newTapBuffer() *tapBuffer {
	return &tapBuffer{
		ch:   make(chan []byte, tapChunks),
		done: make(chan struct{}),
	}
}

func (t *tapBuffer) Write(p []byte) (int, error) {
	select {
	case <-t.done:
		return len(p), nil
	default:
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	select {
	case t.ch <- chunk:
	default:
	}
	return len(p), nil
}

// finish ends the classifier's stream: io.EOF for a graceful half-close, or
// the forwarding error. Pending chunks stay readable. Idempotent.
func (t *tapBuffer) finish(err error) {
	t.finish1.Do(func() {
		t.failure = err
		close(t.ch)
	})
}

func (t *tapBuffer) Read(p []byte) (int, error) {
	if len(t.rest) == 0 {
		select {
		case <-t.done:
			return 0, io.ErrClosedPipe
		case chunk, ok := <-t.ch:
			if !ok {
				if t.failure != nil {
					return 0, t.failure
				}
				return 0, io.EOF
			}
			t.rest = chunk
		}
	}
	n := copy(p, t.rest)
	t.rest = t.rest[n:]
	return n, nil
}

// Close abandons the mirror copy: later writes are discarded and a blocked
// classifier read fails. Forwarding is unaffected.
func (t *tapBuffer) Close() error {
	t.close1.Do(func() { close(t.done) })
	return nil
}
