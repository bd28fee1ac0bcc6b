package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/0x00A5/mirrord/internal/agent"
	"github.com/0x00A5/mirrord/internal/mirror"
	"github.com/0x00A5/mirrord/internal/protocol"
	"github.com/0x00A5/mirrord/internal/redirect"
	"github.com/0x00A5/mirrord/internal/sniffer"
	"github.com/0x00A5/mirrord/internal/version"
)

var logLevel string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "capture-agent",
	Short: "Traffic capture agent",
	Long: `The capture agent runs next to a remote workload and lets a local client
observe or hijack inbound TCP traffic for subscribed ports, relayed over a
single versioned control channel.`,
	Version: version.GetFullVersion(),
	RunE:    runAgent,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.Flags().String("mode", "redirect", "capture mode: redirect (iptables stealing) or sniffer (passive raw socket)")
	rootCmd.Flags().String("listen-addr", ":8686", "control channel listen address")
	rootCmd.Flags().String("metrics-addr", "", "Prometheus metrics listen address (disabled when empty)")
	rootCmd.Flags().String("pod-ips", "", "comma-separated pod IPs to scope redirection rules to")
	rootCmd.Flags().Bool("flush-connections", false, "reset established connections when a port redirection is installed")
	rootCmd.Flags().Bool("ipv6", false, "also capture IPv6 traffic")
	rootCmd.Flags().Bool("exclude-own-port", true, "exclude the agent's own control port from redirection")

	for _, flag := range []string{"mode", "listen-addr", "metrics-addr", "pod-ips", "flush-connections", "ipv6", "exclude-own-port"} {
		if err := viper.BindPFlag(flag, rootCmd.Flags().Lookup(flag)); err != nil {
			logrus.Fatalf("Failed to bind %s flag: %v", flag, err)
		}
	}
	viper.SetEnvPrefix("capture_agent")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": version.GetVersion(),
		"commit":  version.GitCommit,
		"mode":    viper.GetString("mode"),
	}).Info("Starting capture agent")

	podIPs, err := parsePodIPs(viper.GetString("pod-ips"))
	if err != nil {
		return err
	}

	factory, err := sessionFactory(podIPs, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(agent.Config{
		ListenAddr:  viper.GetString("listen-addr"),
		MetricsAddr: viper.GetString("metrics-addr"),
	}, factory, logger)

	return a.ListenAndServe(ctx)
}

func parsePodIPs(raw string) ([]net.IP, error) {
	if raw == "" {
		return nil, nil
	}
	var ips []net.IP
	for _, s := range strings.Split(raw, ",") {
		ip := net.ParseIP(strings.TrimSpace(s))
		if ip == nil {
			return nil, fmt.Errorf("invalid pod IP %q", s)
		}
		ips = append(ips, ip)
	}
	return ips, nil
}

// sessionFactory builds the per-client session constructor for the
// configured capture mode. Every session gets its own backend, so rule
// tables and connection tables are never shared across clients.
func sessionFactory(podIPs []net.IP, logger *logrus.Logger) (agent.SessionFactory, error) {
	mode := viper.GetString("mode")

	switch mode {
	case "redirect":
		exclusionPort := uint16(0)
		if viper.GetBool("exclude-own-port") {
			if _, portStr, err := net.SplitHostPort(viper.GetString("listen-addr")); err == nil {
				var port int
				fmt.Sscanf(portStr, "%d", &port)
				exclusionPort = uint16(port)
			}
		}

		return func(ctx context.Context, v *protocol.NegotiatedVersion) (mirror.Session, error) {
			backend, err := newRedirectBackend(ctx, podIPs, exclusionPort, logger)
			if err != nil {
				return nil, err
			}
			return mirror.NewPassthroughSession(ctx, backend, v, logger)
		}, nil

	case "sniffer":
		return func(ctx context.Context, v *protocol.NegotiatedVersion) (mirror.Session, error) {
			var bindIP net.IP
			if len(podIPs) > 0 {
				bindIP = podIPs[0]
			}
			backend := sniffer.New(sniffer.Config{
				BindIP: bindIP,
				IPv6:   viper.GetBool("ipv6"),
			}, logger)
			return mirror.NewSnifferSession(ctx, backend, v, logger)
		}, nil

	default:
		return nil, fmt.Errorf("unknown capture mode %q", mode)
	}
}

func newRedirectBackend(ctx context.Context, podIPs []net.IP, exclusionPort uint16, logger *logrus.Logger) (redirect.PortRedirector, error) {
	cfg := redirect.IPTablesConfig{
		FlushConnections: viper.GetBool("flush-connections"),
		PodIPs:           podIPs,
		ExclusionPort:    exclusionPort,
	}

	v4, err := redirect.NewIPTablesRedirector(cfg, logger)
	if err != nil {
		return nil, err
	}
	if !viper.GetBool("ipv6") {
		return v4, nil
	}

	cfg.IPv6 = true
	v6, err := redirect.NewIPTablesRedirector(cfg, logger)
	if err != nil {
		v4.Cleanup()
		return nil, err
	}
	return redirect.NewDual(ctx, v4, v6), nil
}
