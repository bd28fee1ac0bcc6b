package redirect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/coreos/go-iptables/iptables"
	"github.com/sirupsen/logrus"
)

const natTable = "nat"

// chainSeq distinguishes chains of concurrent redirector instances within
// one agent process.
var chainSeq atomic.Uint64

// ruleTable is the subset of iptables operations the redirector uses.
// Satisfied by *iptables.IPTables; faked in tests.
type ruleTable interface {
	NewChain(table, chain string) error
	Insert(table, chain string, pos int, rulespec ...string) error
	AppendUnique(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	ClearAndDeleteChain(table, chain string) error
}

type redirectorState int

const (
	stateUninitialized redirectorState = iota
	stateActive
	stateCleaned
)

// IPTablesConfig configures the NAT-rule backend.
type IPTablesConfig struct {
	// FlushConnections resets established connections on a port when its
	// first redirection is installed, so existing sessions get re-routed.
	FlushConnections bool

	// PodIPs restricts the redirection rules to traffic destined for the
	// given IPs. Empty means the rules apply to all destinations on the
	// address family.
	PodIPs []net.IP

	// IPv6 selects the ip6tables rule table and an IPv6 listener.
	IPv6 bool

	// ExclusionPort, when non-zero, is the agent's own control port. An
	// exclusion rule keeps its traffic from ever being redirected.
	ExclusionPort uint16
}

// IPTablesRedirector steals traffic by installing REDIRECT rules that send
// subscribed ports to an internal listener, then recovering each accepted
// connection's original destination from the kernel.
type IPTablesRedirector struct {
	mu    sync.Mutex
	state redirectorState
	ipt   ruleTable

	listener   net.Listener
	redirectTo uint16
	chain      string

	podIPs           []string
	flushConnections bool
	ipv6             bool
	exclusionPort    uint16

	// Ports with an installed redirection rule.
	ports map[uint16]struct{}

	logger *logrus.Entry

	// Overridable for tests.
	newRuleTable func(ipv6 bool) (ruleTable, error)
	resolveDest  func(conn net.Conn) (*net.TCPAddr, error)
}

// NewIPTablesRedirector binds the internal listener and prepares a
// redirector. No rules are installed until Initialize or the first
// AddRedirection call.
func NewIPTablesRedirector(cfg IPTablesConfig, logger *logrus.Logger) (*IPTablesRedirector, error) {
	network := "tcp4"
	if cfg.IPv6 {
		network = "tcp6"
	}

	listener, err := net.Listen(network, ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to bind redirect listener: %w", err)
	}

	var podIPs []string
	for _, ip := range cfg.PodIPs {
		if (ip.To4() == nil) == cfg.IPv6 {
			podIPs = append(podIPs, ip.String())
		}
	}

	return &IPTablesRedirector{
		listener:         listener,
		redirectTo:       uint16(listener.Addr().(*net.TCPAddr).Port),
		chain:            fmt.Sprintf("CAPTURE_REDIRECT_%d_%d", os.Getpid(), chainSeq.Add(1)),
		podIPs:           podIPs,
		flushConnections: cfg.FlushConnections,
		ipv6:             cfg.IPv6,
		exclusionPort:    cfg.ExclusionPort,
		ports:            make(map[uint16]struct{}),
		logger: logger.WithFields(logrus.Fields{
			"backend": "iptables",
			"ipv6":    cfg.IPv6,
		}),
		newRuleTable: newRuleTable,
		resolveDest:  OriginalDestination,
	}, nil
}

func newRuleTable(ipv6 bool) (ruleTable, error) {
	proto := iptables.ProtocolIPv4
	if ipv6 {
		proto = iptables.ProtocolIPv6
	}
	return iptables.NewWithProtocol(proto)
}

// RedirectPort returns the internal listener port redirected traffic lands
// on.
func (r *IPTablesRedirector) RedirectPort() uint16 {
	return r.redirectTo
}

// Initialize installs the rule-table context only when the exclusion rule
// for the agent's own port must exist before any subscription. Otherwise the
// context is installed lazily by the first AddRedirection.
func (r *IPTablesRedirector) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == stateCleaned {
		return errors.New("redirector already cleaned up")
	}
	if r.ipt != nil || r.exclusionPort == 0 {
		return nil
	}
	return r.initTables()
}

// initTables creates the redirect chain, hooks it into PREROUTING, and adds
// the exclusion rule if configured. Caller holds r.mu.
func (r *IPTablesRedirector) initTables() error {
	ipt, err := r.newRuleTable(r.ipv6)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRuleInstall, err)
	}

	if err := ipt.NewChain(natTable, r.chain); err != nil {
		return fmt.Errorf("%w: creating chain %s: %v", ErrRuleInstall, r.chain, err)
	}
	if err := ipt.Insert(natTable, "PREROUTING", 1, "-j", r.chain); err != nil {
		return fmt.Errorf("%w: hooking chain %s: %v", ErrRuleInstall, r.chain, err)
	}

	if r.exclusionPort != 0 {
		err := ipt.AppendUnique(natTable, r.chain,
			"-p", "tcp", "--dport", strconv.Itoa(int(r.exclusionPort)), "-j", "RETURN")
		if err != nil {
			r.logger.WithError(err).WithField("port", r.exclusionPort).
				Error("Failed to add exclusion rule for agent port")
		}
	}

	r.ipt = ipt
	r.state = stateActive
	return nil
}

// AddRedirection installs a rule forwarding port to the internal listener.
// Idempotent per port.
func (r *IPTablesRedirector) AddRedirection(port uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == stateCleaned {
		return errors.New("redirector already cleaned up")
	}
	if r.ipt == nil {
		if err := r.initTables(); err != nil {
			return err
		}
	}
	if _, ok := r.ports[port]; ok {
		return nil
	}

	for _, rule := range r.redirectRules(port) {
		if err := r.ipt.AppendUnique(natTable, r.chain, rule...); err != nil {
			return fmt.Errorf("%w: redirect rule for port %d: %v", ErrRuleInstall, port, err)
		}
	}
	r.ports[port] = struct{}{}

	if r.flushConnections {
		r.flushPort(port)
	}

	r.logger.WithField("port", port).Info("Installed port redirection")
	return nil
}

// RemoveRedirection removes the rule for port if present.
func (r *IPTablesRedirector) RemoveRedirection(port uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == stateCleaned {
		return nil
	}
	if _, ok := r.ports[port]; !ok {
		return nil
	}

	for _, rule := range r.redirectRules(port) {
		if err := r.ipt.Delete(natTable, r.chain, rule...); err != nil {
			return fmt.Errorf("failed to remove redirect rule for port %d: %w", port, err)
		}
	}
	delete(r.ports, port)

	r.logger.WithField("port", port).Info("Removed port redirection")
	return nil
}

// redirectRules builds the rule specs for one subscribed port: one rule per
// pod IP, or a single unscoped rule when no allow-list is configured.
func (r *IPTablesRedirector) redirectRules(port uint16) [][]string {
	action := []string{"-p", "tcp", "--dport", strconv.Itoa(int(port)),
		"-j", "REDIRECT", "--to-ports", strconv.Itoa(int(r.redirectTo))}

	if len(r.podIPs) == 0 {
		return [][]string{action}
	}

	rules := make([][]string, 0, len(r.podIPs))
	for _, ip := range r.podIPs {
		rule := append([]string{"-d", ip}, action...)
		rules = append(rules, rule)
	}
	return rules
}

// flushPort forcibly resets established connections on port so their next
// packets traverse the fresh redirection rule. Failures only get logged:
// conntrack may be missing, and stale connections are not worth failing a
// subscription over.
func (r *IPTablesRedirector) flushPort(port uint16) {
	family := "ipv4"
	if r.ipv6 {
		family = "ipv6"
	}
	out, err := exec.Command("conntrack",
		"--delete", "--proto", "tcp", "--family", family,
		"--dport", strconv.Itoa(int(port))).CombinedOutput()
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"port":   port,
			"output": string(out),
		}).Debug("Failed to flush existing connections")
	}
}

// Cleanup removes every rule this instance created and closes the listener.
// One-shot; later calls are no-ops. Runs on already-failing or shutdown
// paths, so internal errors are logged and never returned.
func (r *IPTablesRedirector) Cleanup() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == stateCleaned {
		return nil
	}
	r.state = stateCleaned

	if err := r.listener.Close(); err != nil {
		r.logger.WithError(err).Debug("Failed to close redirect listener")
	}

	if r.ipt == nil {
		return nil
	}
	if err := r.ipt.Delete(natTable, "PREROUTING", "-j", r.chain); err != nil {
		r.logger.WithError(err).Error("Failed to unhook redirect chain")
	}
	if err := r.ipt.ClearAndDeleteChain(natTable, r.chain); err != nil {
		r.logger.WithError(err).Error("Failed to delete redirect chain")
	}
	r.ports = make(map[uint16]struct{})
	r.ipt = nil

	r.logger.Info("Removed all redirection rules")
	return nil
}

// NextConnection accepts the next redirected connection and resolves its
// original destination. Connections that reach the listener without a
// resolvable destination (e.g. someone dialing the listener directly) are
// dropped and the loop continues.
func (r *IPTablesRedirector) NextConnection(ctx context.Context) (*RedirectedConn, error) {
	stop := context.AfterFunc(ctx, func() {
		r.listener.Close()
	})
	defer stop()

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to accept redirected connection: %w", err)
		}

		destination, err := r.resolveDest(conn)
		if err != nil {
			r.logger.WithError(err).WithField("peer", conn.RemoteAddr()).
				Error("Failed to resolve original destination, dropping connection")
			conn.Close()
			continue
		}

		return &RedirectedConn{
			Conn: conn,
			Info: ConnInfo{
				PeerAddr:            conn.RemoteAddr().(*net.TCPAddr),
				LocalAddr:           conn.LocalAddr().(*net.TCPAddr),
				OriginalDestination: destination,
			},
		}, nil
	}
}
