// Package redirect captures inbound TCP traffic for subscribed ports and
// hands the captured connections to the mirror session.
//
// Two backends implement the PortRedirector contract: an iptables-based
// redirector that steals traffic by rewriting its destination to an internal
// listener, and a raw-socket sniffer (package sniffer) that observes traffic
// without altering its delivery. Callers depend only on the contract, never
// on backend identity.
package redirect

import (
	"context"
	"errors"
	"io"
	"net"
)

// ErrRuleInstall indicates that the kernel rule subsystem is unavailable,
// e.g. insufficient privileges or a missing netfilter module. It is fatal for
// the session using the redirector.
var ErrRuleInstall = errors.New("failed to install redirection rules")

// TLSContext carries the ALPN protocol and SNI server name observed during a
// TLS handshake preceding the captured content. Immutable once attached.
type TLSContext struct {
	ALPNProtocol string
	ServerName   string
}

// ConnInfo describes a captured connection. OriginalDestination is the
// address the peer actually dialed, recovered before any redirection.
type ConnInfo struct {
	PeerAddr            *net.TCPAddr
	LocalAddr           *net.TCPAddr
	OriginalDestination *net.TCPAddr
	TLS                 *TLSContext
}

// RedirectedConn is one captured connection plus its resolved addressing
// metadata. Stealing backends set Conn, the live redirected socket;
// mirror-only backends set Stream, a read-only clone of the peer's bytes.
type RedirectedConn struct {
	Conn   net.Conn
	Stream io.ReadCloser
	Info   ConnInfo
}

// PortRedirector is the capability shared by all redirection backends.
//
// Implementations serialize rule mutations internally, so concurrent
// AddRedirection/RemoveRedirection calls for the same port never leave
// duplicate or orphaned rules.
type PortRedirector interface {
	// Initialize prepares the backend. Idempotent; rule-based backends
	// install their rule-table context lazily unless a port exclusion
	// requires it up front.
	Initialize() error

	// AddRedirection starts capturing traffic destined for port.
	// Re-adding an already captured port is a no-op.
	AddRedirection(port uint16) error

	// RemoveRedirection stops capturing traffic for port. Removing a port
	// that was never added is a no-op.
	RemoveRedirection(port uint16) error

	// Cleanup removes every rule created through this instance. It runs on
	// every shutdown path; failures are logged, never propagated, so the
	// returned error is always nil for rule-based backends.
	Cleanup() error

	// NextConnection blocks until a captured connection is available.
	// Connections whose original destination cannot be resolved are
	// dropped and the call keeps waiting.
	NextConnection(ctx context.Context) (*RedirectedConn, error)
}
