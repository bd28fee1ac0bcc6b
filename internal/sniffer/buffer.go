package sniffer

import (
	"io"
	"sync"
	"sync/atomic"
)

// flowChunks bounds the number of pending payload chunks per flow. The
// capture loop never blocks on a slow consumer; chunks past the bound are
// dropped and the mirrored stream ends up truncated.
const flowChunks = 256

// flowBuffer is the read side of one mirrored flow. The capture loop pushes
// payload chunks; the session reads them as an io.ReadCloser.
type flowBuffer struct {
	ch        chan []byte
	rest      []byte
	failure   error
	finish1   sync.Once
	abandoned atomic.Bool
}

func newFlowBuffer() *flowBuffer {
	return &flowBuffer{ch: make(chan []byte, flowChunks)}
}

// push hands a payload chunk to the reader. Never blocks.
func (f *flowBuffer) push(payload []byte) {
	if f.abandoned.Load() {
		return
	}
	chunk := make([]byte, len(payload))
	copy(chunk, payload)
	select {
	case f.ch <- chunk:
	default:
	}
}

// finish ends the stream. Pending chunks are still readable; afterwards Read
// returns err, or io.EOF when err is nil. Idempotent.
func (f *flowBuffer) finish(err error) {
	f.finish1.Do(func() {
		f.failure = err
		close(f.ch)
	})
}

func (f *flowBuffer) Read(p []byte) (int, error) {
	if len(f.rest) == 0 {
		chunk, ok := <-f.ch
		if !ok {
			if f.failure != nil {
				return 0, f.failure
			}
			return 0, io.EOF
		}
		f.rest = chunk
	}
	n := copy(p, f.rest)
	f.rest = f.rest[n:]
	return n, nil
}

// Close marks the reader gone so the capture loop stops copying payloads for
// this flow.
func (f *flowBuffer) Close() error {
	f.abandoned.Store(true)
	return nil
}
