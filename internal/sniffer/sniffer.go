// Package sniffer implements the passive-capture redirection backend: a raw
// socket observes TCP traffic for ports of interest and clones the inbound
// byte stream, while the original connection keeps flowing to its real
// destination untouched.
//
// It trades redirection power for zero kernel-rule footprint: no iptables
// context, no connection flushing, no IP allow-lists.
package sniffer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/0x00A5/mirrord/internal/redirect"
)

// pendingConns bounds how many captured-but-unclaimed connections the capture
// loop may hold before it starts dropping new ones.
const pendingConns = 128

// Config configures a Sniffer.
type Config struct {
	// BindIP is the local IP whose traffic is observed. Unset means all
	// addresses on the family.
	BindIP net.IP

	// IPv6 selects an IPv6 raw socket.
	IPv6 bool
}

// Sniffer is the passive-capture implementation of
// redirect.PortRedirector.
type Sniffer struct {
	cfg    Config
	logger *logrus.Entry

	mu      sync.Mutex
	ports   map[uint16]struct{}
	flows   map[flowKey]*flow
	handle  *net.IPConn
	cleaned bool

	incoming chan *redirect.RedirectedConn
	done     chan struct{}
}

type flowKey struct {
	srcIP   string
	srcPort uint16
	dstIP   string
	dstPort uint16
}

// New creates a sniffer. The raw socket is opened by Initialize.
func New(cfg Config, logger *logrus.Logger) *Sniffer {
	return &Sniffer{
		cfg:      cfg,
		ports:    make(map[uint16]struct{}),
		flows:    make(map[flowKey]*flow),
		incoming: make(chan *redirect.RedirectedConn, pendingConns),
		done:     make(chan struct{}),
		logger: logger.WithFields(logrus.Fields{
			"backend": "sniffer",
			"ipv6":    cfg.IPv6,
		}),
	}
}

// Initialize opens the raw socket and starts the capture loop. Idempotent.
func (s *Sniffer) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cleaned {
		return errors.New("sniffer already cleaned up")
	}
	if s.handle != nil {
		return nil
	}

	network := "ip4:tcp"
	if s.cfg.IPv6 {
		network = "ip6:tcp"
	}
	handle, err := net.ListenIP(network, &net.IPAddr{IP: s.cfg.BindIP})
	if err != nil {
		return fmt.Errorf("%w: opening raw socket: %v", redirect.ErrRuleInstall, err)
	}
	s.handle = handle

	go s.captureLoop(handle)
	return nil
}

// AddRedirection marks port as interesting. No kernel rules are installed;
// re-adding is a no-op.
func (s *Sniffer) AddRedirection(port uint16) error {
	if err := s.Initialize(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports[port] = struct{}{}
	s.logger.WithField("port", port).Info("Started mirroring port")
	return nil
}

// RemoveRedirection drops interest in port. Flows already being mirrored are
// unaffected until they naturally close.
func (s *Sniffer) RemoveRedirection(port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ports, port)
	return nil
}

// Cleanup closes the raw socket and finishes all live flows. One-shot.
func (s *Sniffer) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cleaned {
		return nil
	}
	s.cleaned = true
	close(s.done)

	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			s.logger.WithError(err).Debug("Failed to close raw socket")
		}
	}
	for key, fl := range s.flows {
		fl.buffer.finish(nil)
		delete(s.flows, key)
	}
	return nil
}

// NextConnection yields the next mirrored connection.
func (s *Sniffer) NextConnection(ctx context.Context) (*redirect.RedirectedConn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, errors.New("sniffer cleaned up")
	case conn := <-s.incoming:
		return conn, nil
	}
}

// captureLoop reads raw TCP segments and feeds them into the flow table.
func (s *Sniffer) captureLoop(handle *net.IPConn) {
	buf := make([]byte, 65536)
	opts := gopacket.DecodeOptions{NoCopy: true, Lazy: true}

	for {
		n, addr, err := handle.ReadFromIP(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.WithError(err).Error("Raw socket read failed, capture stopped")
			}
			return
		}

		packet := gopacket.NewPacket(buf[:n], layers.LayerTypeTCP, opts)
		tcp, ok := packet.TransportLayer().(*layers.TCP)
		if !ok {
			continue
		}
		s.handleSegment(addr.IP, tcp)
	}
}

// handleSegment updates the flow table for one inbound TCP segment.
func (s *Sniffer) handleSegment(srcIP net.IP, tcp *layers.TCP) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dstPort := uint16(tcp.DstPort)
	localIP := s.cfg.BindIP
	if localIP == nil {
		// ReadFromIP strips the IP header, so the packet's destination IP is
		// gone by the time a segment gets here. With no configured bind
		// address the announcement carries the unspecified address and only
		// the destination port is authoritative.
		localIP = net.IPv4zero
		if s.cfg.IPv6 {
			localIP = net.IPv6zero
		}
	}

	key := flowKey{
		srcIP:   srcIP.String(),
		srcPort: uint16(tcp.SrcPort),
		dstIP:   localIP.String(),
		dstPort: dstPort,
	}

	fl, tracked := s.flows[key]

	switch {
	case tcp.SYN && !tcp.ACK:
		if _, interested := s.ports[dstPort]; !interested {
			return
		}
		if tracked {
			// Peer retransmitted its SYN; keep the existing flow.
			return
		}
		s.startFlow(key, srcIP, localIP, tcp)

	case !tracked:
		// Mid-stream segment of a connection we never saw open.
		return

	default:
		fl.deliver(tcp)
		if tcp.FIN || tcp.RST {
			fl.buffer.finish(nil)
			delete(s.flows, key)
		}
	}
}

// startFlow registers a new flow and announces the mirrored connection.
// Caller holds s.mu.
func (s *Sniffer) startFlow(key flowKey, srcIP, localIP net.IP, tcp *layers.TCP) {
	fl := &flow{
		buffer: newFlowBuffer(),
		// SYN consumes one sequence number.
		nextSeq: tcp.Seq + 1,
	}

	conn := &redirect.RedirectedConn{
		Stream: fl.buffer,
		Info: redirect.ConnInfo{
			PeerAddr:            &net.TCPAddr{IP: srcIP, Port: int(tcp.SrcPort)},
			LocalAddr:           &net.TCPAddr{IP: localIP, Port: int(tcp.DstPort)},
			OriginalDestination: &net.TCPAddr{IP: localIP, Port: int(tcp.DstPort)},
		},
	}

	select {
	case s.incoming <- conn:
		s.flows[key] = fl
	default:
		s.logger.WithField("peer", conn.Info.PeerAddr).
			Warn("Dropping mirrored connection, session is not consuming")
		fl.buffer.finish(nil)
	}
}

// flow tracks the client->server half of one mirrored TCP connection.
type flow struct {
	buffer  *flowBuffer
	nextSeq uint32
}

// deliver appends the segment payload if it is the next expected one.
// Retransmissions are dropped; a sequence gap (lost capture) drops the
// segment too, leaving the stream truncated rather than corrupted.
func (f *flow) deliver(tcp *layers.TCP) {
	payload := tcp.Payload
	if len(payload) == 0 {
		return
	}
	if tcp.Seq != f.nextSeq {
		return
	}
	f.nextSeq += uint32(len(payload))
	f.buffer.push(payload)
}
