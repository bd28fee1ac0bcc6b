package mirror

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTapBuffer_ReadAfterFinishDrainsPending(t *testing.T) {
	tap := newTapBuffer()
	_, err := tap.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = tap.Write([]byte("def"))
	require.NoError(t, err)
	tap.finish(nil)

	data, err := io.ReadAll(tap)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))
}

func TestTapBuffer_FinishWithError(t *testing.T) {
	tap := newTapBuffer()
	_, err := tap.Write([]byte("partial"))
	require.NoError(t, err)
	tap.finish(io.ErrUnexpectedEOF)

	buf := make([]byte, 16)
	n, err := tap.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(buf[:n]))

	_, err = tap.Read(buf)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestTapBuffer_WriteNeverBlocksWhenFull(t *testing.T) {
	tap := newTapBuffer()
	for i := 0; i < tapChunks+20; i++ {
		n, err := tap.Write([]byte{byte(i)})
		require.NoError(t, err)
		assert.Equal(t, 1, n, "forwarding sees a full write even when the chunk is dropped")
	}
	tap.finish(nil)

	data, err := io.ReadAll(tap)
	require.NoError(t, err)
	assert.Len(t, data, tapChunks)
}

func TestTapBuffer_CloseAbandonsMirrorCopy(t *testing.T) {
	tap := newTapBuffer()
	require.NoError(t, tap.Close())

	n, err := tap.Write([]byte("dropped"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = tap.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestTapBuffer_CloseUnblocksPendingRead(t *testing.T) {
	tap := newTapBuffer()

	errs := make(chan error, 1)
	go func() {
		_, err := tap.Read(make([]byte, 8))
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tap.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, io.ErrClosedPipe)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not unblock after close")
	}
}

// A client that never drains the control channel must only degrade the
// mirror copy, never the forwarding of the stolen connection.
func TestPassthrough_SlowClientDoesNotStallForwarding(t *testing.T) {
	s, fake := newTestPassthrough(t, "1.3.0")

	var mu sync.Mutex
	forwarded := 0
	s.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		server, remote := net.Pipe()
		go func() {
			buf := make([]byte, 32*1024)
			for {
				n, err := remote.Read(buf)
				mu.Lock()
				forwarded += n
				mu.Unlock()
				if err != nil {
					return
				}
			}
		}()
		return server, nil
	}

	client := injectConn(t, fake, connInfo(nil))

	// Recv is never called, so the session consumes nothing.
	chunk := bytes.Repeat([]byte{0x2a}, 1024)
	total := 0
	for i := 0; i < tapChunks+64; i++ {
		n, err := client.Write(chunk)
		require.NoError(t, err)
		total += n
	}
	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return forwarded == total
	}, 2*time.Second, 10*time.Millisecond)
}
