package mirror

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/0x00A5/mirrord/internal/classify"
	"github.com/0x00A5/mirrord/internal/protocol"
	"github.com/0x00A5/mirrord/internal/redirect"
)

// SnifferSession mirrors traffic observed by the passive raw-socket backend.
// The observed connections already reach their real destination on their
// own, so the session only relays opaque byte streams; HTTP reconstruction
// is a passthrough-only feature, where the stolen socket makes the request
// boundary authoritative.
type SnifferSession struct {
	sessionCore

	backend redirect.PortRedirector
	version *protocol.NegotiatedVersion

	incoming chan *redirect.RedirectedConn
	fatal    chan error
	cancel   context.CancelFunc
}

// NewSnifferSession initializes the passive backend and starts observing.
func NewSnifferSession(ctx context.Context, backend redirect.PortRedirector, version *protocol.NegotiatedVersion, logger *logrus.Logger) (*SnifferSession, error) {
	if err := backend.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize capture backend: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &SnifferSession{
		sessionCore: newSessionCore(logger.WithField("session", "sniffer")),
		backend:     backend,
		version:     version,
		incoming:    make(chan *redirect.RedirectedConn),
		fatal:       make(chan error, 1),
		cancel:      cancel,
	}

	go s.acceptLoop(sctx)
	return s, nil
}

func (s *SnifferSession) acceptLoop(ctx context.Context) {
	for {
		rc, err := s.backend.NextConnection(ctx)
		if err != nil {
			if ctx.Err() == nil {
				select {
				case s.fatal <- err:
				default:
				}
			}
			return
		}
		select {
		case s.incoming <- rc:
		case <-ctx.Done():
			rc.Stream.Close()
			return
		}
	}
}

// HandleClientMessage applies a subscription change from the client.
func (s *SnifferSession) HandleClientMessage(msg protocol.ClientMessage) error {
	switch msg.Type {
	case protocol.TypePortSubscribe:
		if err := s.backend.AddRedirection(msg.Port); err != nil {
			return err
		}
		result := protocol.NewAgentMessage(protocol.TypeSubscribeResult)
		result.SubscribeResult = &protocol.SubscribeResult{Port: msg.Port}
		s.queueMessage(result)

	case protocol.TypePortUnsubscribe:
		if err := s.backend.RemoveRedirection(msg.Port); err != nil {
			s.logger.WithError(err).WithField("port", msg.Port).
				Warn("Failed to stop mirroring port")
		}

	case protocol.TypeConnectionUnsubscribe:
		s.unsubscribe(msg.ConnectionID)

	default:
		s.logger.WithField("type", msg.Type).Warn("Ignoring unexpected client message")
	}
	return nil
}

// Recv produces the next outbound message.
func (s *SnifferSession) Recv(ctx context.Context) (protocol.AgentMessage, error) {
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
		case rc := <-s.incoming:
			m, err := s.announce(ctx, rc)
			if err != nil {
				return protocol.AgentMessage{}, err
			}
			return m, nil
		}
	}
}

// announce registers an observed connection and emits its announcement.
func (s *SnifferSession) announce(ctx context.Context, rc *redirect.RedirectedConn) (protocol.AgentMessage, error) {
	id, err := s.nextConnID()
	if err != nil {
		rc.Stream.Close()
		return protocol.AgentMessage{}, err
	}

	events := classify.StreamTCP(rc.Stream)
	s.track(ctx, id, func() { rc.Stream.Close() }, nil, events)

	announcement := newConnectionV1(id, rc.Info)
	if s.version.Matches(protocol.ModeAgnosticHTTPRequests) {
		m := protocol.NewAgentMessage(protocol.TypeNewConnectionV2)
		m.NewConnectionV2 = &protocol.NewConnectionV2{
			Connection: announcement,
			Transport:  protocol.Transport{Type: protocol.TransportTCP},
		}
		return m, nil
	}
	m := protocol.NewAgentMessage(protocol.TypeNewConnectionV1)
	m.NewConnectionV1 = &announcement
	return m, nil
}

// Close stops observing and releases the raw socket. Safe on every shutdown
// path.
func (s *SnifferSession) Close() {
	s.cancel()
	s.backend.Cleanup()
}
