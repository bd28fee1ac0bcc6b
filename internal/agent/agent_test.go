package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0x00A5/mirrord/internal/mirror"
	"github.com/0x00A5/mirrord/internal/protocol"
)

// fakeSession is a scripted mirror.Session: it records inbound client
// messages and relays whatever the test pushes into outbound.
type fakeSession struct {
	mu       sync.Mutex
	received []protocol.ClientMessage
	outbound chan protocol.AgentMessage
	recvErr  error
	closed   atomic.Bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{outbound: make(chan protocol.AgentMessage, 8)}
}

func (f *fakeSession) HandleClientMessage(msg protocol.ClientMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, msg)
	return nil
}

func (f *fakeSession) Recv(ctx context.Context) (protocol.AgentMessage, error) {
	if f.recvErr != nil {
		return protocol.AgentMessage{}, f.recvErr
	}
	select {
	case <-ctx.Done():
		return protocol.AgentMessage{}, ctx.Err()
	case m := <-f.outbound:
		return m, nil
	}
}

func (f *fakeSession) Close() {
	f.closed.Store(true)
}

func (f *fakeSession) messages() []protocol.ClientMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.ClientMessage(nil), f.received...)
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// dialAgent serves handleClient on an ephemeral listener and opens a client
// websocket to it.
func dialAgent(t *testing.T, a *Agent) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(a.handleClient))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readAgentMessage(t *testing.T, conn *websocket.Conn) protocol.AgentMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg protocol.AgentMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestAgent_VersionNegotiation(t *testing.T) {
	session := newFakeSession()
	var negotiated *protocol.NegotiatedVersion

	a := New(Config{}, func(ctx context.Context, v *protocol.NegotiatedVersion) (mirror.Session, error) {
		negotiated = v
		return session, nil
	}, testLogger())
	conn := dialAgent(t, a)

	require.NoError(t, conn.WriteJSON(protocol.ClientMessage{
		Type:                  protocol.TypeSwitchProtocolVersion,
		SwitchProtocolVersion: "1.8.0",
	}))

	msg := readAgentMessage(t, conn)
	assert.Equal(t, protocol.TypeProtocolVersionGranted, msg.Type)
	assert.Equal(t, "1.8.0", msg.GrantedVersion)

	require.NotNil(t, negotiated)
	assert.True(t, negotiated.Matches(protocol.ModeAgnosticHTTPRequests))
}

func TestAgent_VersionNegotiationCapsAtAgentVersion(t *testing.T) {
	a := New(Config{}, func(ctx context.Context, v *protocol.NegotiatedVersion) (mirror.Session, error) {
		return newFakeSession(), nil
	}, testLogger())
	conn := dialAgent(t, a)

	require.NoError(t, conn.WriteJSON(protocol.ClientMessage{
		Type:                  protocol.TypeSwitchProtocolVersion,
		SwitchProtocolVersion: "99.0.0",
	}))

	msg := readAgentMessage(t, conn)
	assert.Equal(t, protocol.TypeProtocolVersionGranted, msg.Type)
	assert.Equal(t, protocol.Version, msg.GrantedVersion)
}

func TestAgent_InvalidVersionKeepsSessionAlive(t *testing.T) {
	a := New(Config{}, func(ctx context.Context, v *protocol.NegotiatedVersion) (mirror.Session, error) {
		return newFakeSession(), nil
	}, testLogger())
	conn := dialAgent(t, a)

	require.NoError(t, conn.WriteJSON(protocol.ClientMessage{
		Type:                  protocol.TypeSwitchProtocolVersion,
		SwitchProtocolVersion: "not-a-version",
	}))

	msg := readAgentMessage(t, conn)
	assert.Equal(t, protocol.TypeLogMessage, msg.Type)
	require.NotNil(t, msg.Log)
	assert.Equal(t, protocol.LogLevelError, msg.Log.Level)

	// The channel survives a failed negotiation.
	require.NoError(t, conn.WriteJSON(protocol.ClientMessage{
		Type:                  protocol.TypeSwitchProtocolVersion,
		SwitchProtocolVersion: "1.7.0",
	}))
	msg = readAgentMessage(t, conn)
	assert.Equal(t, protocol.TypeProtocolVersionGranted, msg.Type)
}

func TestAgent_ForwardsClientMessagesToSession(t *testing.T) {
	session := newFakeSession()
	a := New(Config{}, func(ctx context.Context, v *protocol.NegotiatedVersion) (mirror.Session, error) {
		return session, nil
	}, testLogger())
	conn := dialAgent(t, a)

	require.NoError(t, conn.WriteJSON(protocol.ClientMessage{
		Type: protocol.TypePortSubscribe,
		Port: 8080,
	}))
	require.NoError(t, conn.WriteJSON(protocol.ClientMessage{
		Type:         protocol.TypeConnectionUnsubscribe,
		ConnectionID: 7,
	}))

	require.Eventually(t, func() bool {
		return len(session.messages()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	msgs := session.messages()
	assert.Equal(t, protocol.TypePortSubscribe, msgs[0].Type)
	assert.Equal(t, uint16(8080), msgs[0].Port)
	assert.Equal(t, protocol.TypeConnectionUnsubscribe, msgs[1].Type)
	assert.Equal(t, uint64(7), msgs[1].ConnectionID)
}

func TestAgent_RelaysSessionOutput(t *testing.T) {
	session := newFakeSession()
	a := New(Config{}, func(ctx context.Context, v *protocol.NegotiatedVersion) (mirror.Session, error) {
		return session, nil
	}, testLogger())
	conn := dialAgent(t, a)

	out := protocol.NewAgentMessage(protocol.TypeData)
	out.Data = &protocol.Data{ConnectionID: 3, Bytes: []byte("captured")}
	session.outbound <- out

	msg := readAgentMessage(t, conn)
	assert.Equal(t, protocol.TypeData, msg.Type)
	require.NotNil(t, msg.Data)
	assert.Equal(t, uint64(3), msg.Data.ConnectionID)
	assert.Equal(t, []byte("captured"), msg.Data.Bytes)
}

func TestAgent_PreservesOutputOrder(t *testing.T) {
	session := newFakeSession()
	a := New(Config{}, func(ctx context.Context, v *protocol.NegotiatedVersion) (mirror.Session, error) {
		return session, nil
	}, testLogger())
	conn := dialAgent(t, a)

	want := []protocol.MessageType{
		protocol.TypeSubscribeResult,
		protocol.TypeNewConnectionV1,
		protocol.TypeData,
		protocol.TypeClose,
	}
	for _, typ := range want {
		session.outbound <- protocol.NewAgentMessage(typ)
	}

	for _, typ := range want {
		msg := readAgentMessage(t, conn)
		assert.Equal(t, typ, msg.Type)
	}
}

func TestAgent_SessionFactoryFailureClosesChannel(t *testing.T) {
	a := New(Config{}, func(ctx context.Context, v *protocol.NegotiatedVersion) (mirror.Session, error) {
		return nil, errors.New("backend unavailable")
	}, testLogger())
	conn := dialAgent(t, a)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg protocol.AgentMessage
	assert.Error(t, conn.ReadJSON(&msg))
}

func TestAgent_ContextCancellationClosesSession(t *testing.T) {
	session := newFakeSession()
	a := New(Config{}, func(ctx context.Context, v *protocol.NegotiatedVersion) (mirror.Session, error) {
		return session, nil
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.handleClient(w, r.WithContext(ctx))
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	// An idle client keeps the read loop parked in ReadJSON; cancellation
	// must still tear the session down so the backend rules get removed.
	cancel()

	require.Eventually(t, session.closed.Load, 2*time.Second, 10*time.Millisecond)
	a.handlers.Wait()
}

func TestAgent_FatalSessionErrorCountsAsFailure(t *testing.T) {
	session := newFakeSession()
	session.recvErr = errors.New("connection id space exhausted")

	m := sharedMetrics()
	before := testutil.ToFloat64(m.sessionFailures.WithLabelValues("session_error"))

	a := New(Config{}, func(ctx context.Context, v *protocol.NegotiatedVersion) (mirror.Session, error) {
		return session, nil
	}, testLogger())
	dialAgent(t, a)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.sessionFailures.WithLabelValues("session_error")) == before+1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, session.closed.Load())
}

func TestAgent_ClientDisconnectIsNotAFailure(t *testing.T) {
	session := newFakeSession()
	m := sharedMetrics()
	before := testutil.ToFloat64(m.sessionFailures.WithLabelValues("session_error"))

	a := New(Config{}, func(ctx context.Context, v *protocol.NegotiatedVersion) (mirror.Session, error) {
		return session, nil
	}, testLogger())
	conn := dialAgent(t, a)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.NoError(t, conn.Close())

	require.Eventually(t, session.closed.Load, 2*time.Second, 10*time.Millisecond)
	a.handlers.Wait()
	assert.Equal(t, before, testutil.ToFloat64(m.sessionFailures.WithLabelValues("session_error")))
}

func TestAgent_ClosesSessionWhenClientDisconnects(t *testing.T) {
	session := newFakeSession()
	a := New(Config{}, func(ctx context.Context, v *protocol.NegotiatedVersion) (mirror.Session, error) {
		return session, nil
	}, testLogger())
	conn := dialAgent(t, a)

	require.NoError(t, conn.Close())

	require.Eventually(t, session.closed.Load, 2*time.Second, 10*time.Millisecond)
}

func TestMetrics_RecordOutboundCountsMirroredBytes(t *testing.T) {
	m := sharedMetrics()
	before := testutil.ToFloat64(m.mirroredBytesTotal)

	data := protocol.NewAgentMessage(protocol.TypeData)
	data.Data = &protocol.Data{ConnectionID: 1, Bytes: []byte("12345")}
	m.recordOutbound(&data)

	chunked := protocol.NewAgentMessage(protocol.TypeHTTPRequestChunked)
	chunked.HTTPRequest = &protocol.ChunkedHTTPRequest{
		ConnectionID: 2,
		Frames:       [][]byte{[]byte("abc"), []byte("de")},
	}
	m.recordOutbound(&chunked)

	assert.Equal(t, before+10, testutil.ToFloat64(m.mirroredBytesTotal))
}
