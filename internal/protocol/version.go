package protocol

import (
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// Version is the wire-protocol version spoken by the agent. Clients negotiate
// down to the highest version both sides understand.
const Version = "1.9.2"

// ModeAgnosticHTTPRequests is the minimum client protocol version for the
// unified connection-announcement shape, chunked HTTP mirroring, and TLS
// metadata propagation. Clients below it receive only legacy shapes, or
// explanatory log messages in place of unsupported features.
var ModeAgnosticHTTPRequests = mustConstraint(">=1.7.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// NegotiatedVersion holds the protocol version agreed with the connected
// client. It starts unset; until the client sends a SwitchProtocolVersion
// message, no versioned feature is considered supported.
//
// Safe for concurrent use: the session task reads it while the control
// channel reader negotiates.
type NegotiatedVersion struct {
	mu      sync.RWMutex
	version *semver.Version
}

// Negotiate records the client's protocol version and returns the version the
// agent grants: the client's version capped at the agent's own.
func (n *NegotiatedVersion) Negotiate(requested string) (string, error) {
	v, err := semver.NewVersion(requested)
	if err != nil {
		return "", fmt.Errorf("invalid protocol version %q: %w", requested, err)
	}

	agent := semver.MustParse(Version)
	if v.GreaterThan(agent) {
		v = agent
	}

	n.mu.Lock()
	n.version = v
	n.mu.Unlock()

	return v.String(), nil
}

// Matches reports whether the negotiated version satisfies the given feature
// constraint. An unset version matches nothing.
func (n *NegotiatedVersion) Matches(c *semver.Constraints) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.version == nil {
		return false
	}
	return c.Check(n.version)
}

// String returns the negotiated version, or "unset".
func (n *NegotiatedVersion) String() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.version == nil {
		return "unset"
	}
	return n.version.String()
}
