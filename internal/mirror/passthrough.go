package mirror

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/0x00A5/mirrord/internal/protocol"
	"github.com/0x00A5/mirrord/internal/redirect"
)

// PassthroughSession mirrors traffic captured through iptables redirections.
// Every stolen connection is forwarded to its original destination while a
// classified copy is relayed to the client, so the workload never notices
// the capture.
type PassthroughSession struct {
	sessionCore

	redirector redirect.PortRedirector
	version    *protocol.NegotiatedVersion

	captures chan *capture
	fatal    chan error
	cancel   context.CancelFunc

	// dial connects to the original destination; overridable for tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewPassthroughSession initializes the redirector and starts accepting
// captured connections. Initialization failure is backend-fatal.
func NewPassthroughSession(ctx context.Context, redirector redirect.PortRedirector, version *protocol.NegotiatedVersion, logger *logrus.Logger) (*PassthroughSession, error) {
	if err := redirector.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize redirection backend: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &PassthroughSession{
		sessionCore: newSessionCore(logger.WithField("session", "passthrough")),
		redirector:  redirector,
		version:     version,
		captures:    make(chan *capture),
		fatal:       make(chan error, 1),
		cancel:      cancel,
		dial:        (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
	}

	go s.acceptLoop(sctx)
	return s, nil
}

func (s *PassthroughSession) acceptLoop(ctx context.Context) {
	for {
		rc, err := s.redirector.NextConnection(ctx)
		if err != nil {
			if ctx.Err() == nil {
				select {
				case s.fatal <- err:
				default:
				}
			}
			return
		}
		go s.runCapture(ctx, rc)
	}
}

// HandleClientMessage applies a subscription change from the client.
func (s *PassthroughSession) HandleClientMessage(msg protocol.ClientMessage) error {
	switch msg.Type {
	case protocol.TypePortSubscribe:
		if err := s.redirector.AddRedirection(msg.Port); err != nil {
			if errors.Is(err, redirect.ErrRuleInstall) {
				return err
			}
			result := protocol.NewAgentMessage(protocol.TypeSubscribeResult)
			result.SubscribeResult = &protocol.SubscribeResult{Port: msg.Port, Error: err.Error()}
			s.queueMessage(result)
			return nil
		}
		result := protocol.NewAgentMessage(protocol.TypeSubscribeResult)
		result.SubscribeResult = &protocol.SubscribeResult{Port: msg.Port}
		s.queueMessage(result)

	case protocol.TypePortUnsubscribe:
		if err := s.redirector.RemoveRedirection(msg.Port); err != nil {
			s.logger.WithError(err).WithField("port", msg.Port).
				Warn("Failed to remove port redirection")
		}

	case protocol.TypeConnectionUnsubscribe:
		s.unsubscribe(msg.ConnectionID)

	default:
		s.logger.WithField("type", msg.Type).Warn("Ignoring unexpected client message")
	}
	return nil
}

// Recv produces the next outbound message: queued messages first, then
// whichever connection event or new capture is ready.
func (s *PassthroughSession) Recv(ctx context.Context) (protocol.AgentMessage, error) {
	for {
		if m, ok := s.popQueued(); ok {
			return m, nil
		}

		select {
		case <-ctx.Done():
			return protocol.AgentMessage{}, ctx.Err()
		case err := <-s.fatal:
			return protocol.AgentMessage{}, err
		case <-s.wake:
		case ce := <-s.events:
			if m, ok := s.handleConnEvent(ce); ok {
				return m, nil
			}
		case cap := <-s.captures:
			m, ok, err := s.announce(ctx, cap)
			if err != nil {
				return protocol.AgentMessage{}, err
			}
			if ok {
				return m, nil
			}
		}
	}
}

// announce emits the version-appropriate announcement for a classified
// capture and registers its event stream. Captures the client's protocol
// version cannot represent are dropped with an explanatory log message.
func (s *PassthroughSession) announce(ctx context.Context, cap *capture) (protocol.AgentMessage, bool, error) {
	unified := s.version.Matches(protocol.ModeAgnosticHTTPRequests)

	switch cap.kind {
	case captureHTTP:
		if !unified {
			cap.stop()
			return protocol.LogAgentMessage(protocol.LogLevelError, fmt.Sprintf(
				"an HTTP request was not mirrored due to protocol version requirement: %s",
				protocol.ModeAgnosticHTTPRequests)), true, nil
		}

		id, err := s.nextConnID()
		if err != nil {
			return protocol.AgentMessage{}, false, err
		}
		s.track(ctx, id, cap.stop, nil, cap.events)

		m := protocol.NewAgentMessage(protocol.TypeHTTPRequestChunked)
		m.HTTPRequest = &protocol.ChunkedHTTPRequest{
			ConnectionID: id,
			RequestID:    protocol.MirroredRequestID,
			Start: &protocol.HTTPRequestStart{
				Request: protocol.HTTPRequestHead{
					Method:  cap.head.Method,
					URI:     cap.head.URI,
					Headers: cap.head.Headers,
					Version: cap.head.Version,
				},
				Source:      cap.info.PeerAddr.String(),
				Destination: cap.info.OriginalDestination.String(),
				Transport:   transportFor(cap.info.TLS),
			},
			IsLast: cap.head.BodyFinished,
		}
		return m, true, nil

	default:
		if !unified && cap.info.TLS != nil {
			cap.stop()
			return protocol.LogAgentMessage(protocol.LogLevelError, fmt.Sprintf(
				"a TLS connection was not mirrored due to protocol version requirement: %s",
				protocol.ModeAgnosticHTTPRequests)), true, nil
		}

		id, err := s.nextConnID()
		if err != nil {
			return protocol.AgentMessage{}, false, err
		}
		s.track(ctx, id, cap.stop, cap.first, cap.events)

		announcement := newConnectionV1(id, cap.info)
		if unified {
			m := protocol.NewAgentMessage(protocol.TypeNewConnectionV2)
			m.NewConnectionV2 = &protocol.NewConnectionV2{
				Connection: announcement,
				Transport:  transportFor(cap.info.TLS),
			}
			return m, true, nil
		}
		m := protocol.NewAgentMessage(protocol.TypeNewConnectionV1)
		m.NewConnectionV1 = &announcement
		return m, true, nil
	}
}

// Close stops accepting captures and removes every redirection rule. Safe on
// every shutdown path.
func (s *PassthroughSession) Close() {
	s.cancel()
	s.redirector.Cleanup()
}

func newConnectionV1(id uint64, info redirect.ConnInfo) protocol.NewConnectionV1 {
	return protocol.NewConnectionV1{
		ConnectionID:    id,
		RemoteAddress:   info.PeerAddr.IP.String(),
		DestinationPort: uint16(info.OriginalDestination.Port),
		SourcePort:      uint16(info.PeerAddr.Port),
		LocalAddress:    info.LocalAddr.IP.String(),
	}
}

func transportFor(tls *redirect.TLSContext) protocol.Transport {
	if tls == nil {
		return protocol.Transport{Type: protocol.TransportTCP}
	}
	return protocol.Transport{
		Type:         protocol.TransportTLS,
		ALPNProtocol: tls.ALPNProtocol,
		ServerName:   tls.ServerName,
	}
}
