// Package agent drives one control-channel session per connected client:
// it negotiates the protocol version, feeds client subscription messages
// into the mirror session, and relays the session's ordered output over the
// websocket.
package agent

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/0x00A5/mirrord/internal/mirror"
	"github.com/0x00A5/mirrord/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The agent is only reachable through the operator's port-forward.
	},
}

// SessionFactory builds a mirror session for a freshly connected client.
// Each session owns its capture backend; nothing is shared across clients.
type SessionFactory func(ctx context.Context, version *protocol.NegotiatedVersion) (mirror.Session, error)

// Config configures the agent's listeners.
type Config struct {
	// ListenAddr is the control-channel address, e.g. ":8686".
	ListenAddr string

	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string
}

// Agent accepts client control channels and runs one mirror session per
// client.
type Agent struct {
	cfg        Config
	newSession SessionFactory
	logger     *logrus.Logger
	metrics    *Metrics

	// handlers tracks in-flight client sessions. Shutdown does not reach
	// hijacked connections, so ListenAndServe waits on this instead.
	handlers sync.WaitGroup
}

// New creates an agent.
func New(cfg Config, newSession SessionFactory, logger *logrus.Logger) *Agent {
	return &Agent{
		cfg:        cfg,
		newSession: newSession,
		logger:     logger,
		metrics:    sharedMetrics(),
	}
}

// ListenAndServe serves the control channel (and the metrics endpoint, if
// configured) until ctx is cancelled.
func (a *Agent) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", a.handleClient)

	server := &http.Server{
		Addr:    a.cfg.ListenAddr,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		a.logger.WithField("addr", a.cfg.ListenAddr).Info("Control channel listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	var metricsServer *http.Server
	if a.cfg.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: a.cfg.MetricsAddr, Handler: metricsMux}
		group.Go(func() error {
			a.logger.WithField("addr", a.cfg.MetricsAddr).Info("Metrics endpoint listening")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		if metricsServer != nil {
			metricsServer.Shutdown(shutdownCtx)
		}
		a.handlers.Wait()
		return nil
	})

	return group.Wait()
}

// handleClient upgrades the connection and runs the client's session to
// completion.
func (a *Agent) handleClient(w http.ResponseWriter, r *http.Request) {
	a.handlers.Add(1)
	defer a.handlers.Done()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.WithError(err).Error("Failed to upgrade control channel")
		return
	}
	defer conn.Close()

	logger := a.logger.WithField("client", conn.RemoteAddr().String())
	logger.Info("Client connected")
	a.metrics.sessionStarted()
	defer a.metrics.sessionEnded()

	version := &protocol.NegotiatedVersion{}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session, err := a.newSession(ctx, version)
	if err != nil {
		logger.WithError(err).Error("Failed to start mirror session")
		a.metrics.sessionFailed("backend_init")
		return
	}
	// Cleanup must run on every exit path: normal close, error, signal.
	defer session.Close()

	client := &clientConn{conn: conn}

	group, gctx := errgroup.WithContext(ctx)
	// The read loop blocks in ReadJSON and Shutdown never touches hijacked
	// connections, so the websocket must be closed explicitly once the
	// session context ends or the handler would never return.
	stopWatch := context.AfterFunc(gctx, func() { conn.Close() })
	defer stopWatch()

	group.Go(func() error { return a.readLoop(gctx, client, version, session, logger) })
	group.Go(func() error { return a.writeLoop(gctx, client, session) })
	group.Go(func() error { return client.pingLoop(gctx) })

	err = group.Wait()
	switch {
	case err == nil || ctx.Err() != nil:
		// Clean close, or the agent itself is shutting down.
	case isClientGone(err):
		// The client hung up; nothing failed on our side.
	default:
		logger.WithError(err).Warn("Session ended with error")
		a.metrics.sessionFailed("session_error")
	}
	logger.Info("Client disconnected")
}

// isClientGone reports whether err is an ordinary client disconnect rather
// than a session failure.
func isClientGone(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	)
}

// readLoop parses client messages. Version negotiation is answered here;
// everything else goes to the session.
func (a *Agent) readLoop(ctx context.Context, client *clientConn, version *protocol.NegotiatedVersion, session mirror.Session, logger *logrus.Entry) error {
	for {
		var msg protocol.ClientMessage
		if err := client.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.WithError(err).Debug("Control channel closed")
			return err
		}

		if msg.Type == protocol.TypeSwitchProtocolVersion {
			granted, err := version.Negotiate(msg.SwitchProtocolVersion)
			if err != nil {
				logger.WithError(err).Warn("Protocol version negotiation failed")
				client.writeMessage(protocol.LogAgentMessage(protocol.LogLevelError, err.Error()))
				continue
			}
			logger.WithField("version", granted).Info("Negotiated protocol version")
			reply := protocol.NewAgentMessage(protocol.TypeProtocolVersionGranted)
			reply.GrantedVersion = granted
			if err := client.writeMessage(reply); err != nil {
				return err
			}
			continue
		}

		if err := session.HandleClientMessage(msg); err != nil {
			return err
		}
	}
}

// writeLoop relays the session's ordered output onto the wire.
func (a *Agent) writeLoop(ctx context.Context, client *clientConn, session mirror.Session) error {
	for {
		msg, err := session.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		a.metrics.recordOutbound(&msg)
		if err := client.writeMessage(msg); err != nil {
			return err
		}
	}
}

// clientConn serializes writes to the websocket: the write loop, negotiation
// replies, and pings all share the connection.
type clientConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *clientConn) writeMessage(msg protocol.AgentMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *clientConn) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.mu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return err
			}
		}
	}
}
