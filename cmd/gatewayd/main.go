// Command gatewayd is the privileged gateway daemon: it reconciles
// WireGuard/netns/iptables state to match an accepted desired state,
// runs the :443 SNI dispatcher and HTTP reverse-proxy config emitter, and
// samples per-peer traffic into an embedded store (spec §1-§2).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gatewayd/internal/accountant"
	"gatewayd/internal/api"
	"gatewayd/internal/buildinfo"
	"gatewayd/internal/dispatcher"
	"gatewayd/internal/gwlog"
	"gatewayd/internal/kernel"
	"gatewayd/internal/proxyconfig"
	"gatewayd/internal/reconcile"
	"gatewayd/internal/supervisor"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

type options struct {
	token       string
	database    string
	listen      string
	proxyConfig string
	proxyPID    string
	debug       bool
	openapi     bool
	cleanExit   bool
}

func rootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:     "gatewayd",
		Short:   "WireGuard/TLS gateway daemon",
		Version: buildinfo.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := gwlog.LevelInfo
			if opts.debug {
				level = gwlog.LevelDebug
			}
			return gwlog.Configure(level, gwlog.FormatText)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.openapi {
				return emitOpenAPI(os.Stdout)
			}
			return run(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&opts.token, "token", envOr("GATEWAY_TOKEN", ""), "Shared API auth token")
	cmd.Flags().StringVar(&opts.database, "database", envOr("GATEWAY_DATABASE", ""), "Traffic store path (absent: in-memory)")
	cmd.Flags().StringVar(&opts.listen, "listen", envListenAddr(), "API listen address (ip:port)")
	cmd.Flags().StringVar(&opts.proxyConfig, "proxy-config", "/etc/gatewayd/proxy.conf", "Rendered HTTP reverse-proxy config path")
	cmd.Flags().StringVar(&opts.proxyPID, "proxy-pid", "", "PID file of the HTTP reverse-proxy helper to reload (optional)")
	cmd.Flags().BoolVar(&opts.openapi, "openapi", false, "Emit the OpenAPI document and exit")
	cmd.Flags().BoolVar(&opts.cleanExit, "clean-exit", false, "Tear down managed namespaces on shutdown instead of leaving them for a warm restart")

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envListenAddr() string {
	addr := envOr("GATEWAY_ADDRESS", "0.0.0.0")
	port := envOr("GATEWAY_PORT", "8080")
	return net.JoinHostPort(addr, port)
}

func run(ctx context.Context, opts *options) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.token == "" {
		return fmt.Errorf("--token (or GATEWAY_TOKEN) is required")
	}

	adapter := kernel.NewLinux()

	store, err := accountant.Open(ctx, opts.database)
	if err != nil {
		return fmt.Errorf("open traffic store: %w", err)
	}
	defer store.Close()

	disp := dispatcher.New(adapter, nil)
	renderer := proxyconfig.New(opts.proxyConfig, opts.proxyPID)
	reconciler := reconcile.New(adapter, disp, renderer)
	sampler := accountant.NewSampler(adapter, store, accountant.DefaultInterval)

	sup := supervisor.New(adapter, reconciler, disp, sampler, supervisor.WithCleanExit(opts.cleanExit))

	sniLn, err := net.Listen("tcp", ":443")
	if err != nil {
		return fmt.Errorf("bind :443: %w", err)
	}

	apiSrv := api.New(opts.token, sup, store, disp)

	errCh := make(chan error, 2)
	go func() { errCh <- sup.Run(ctx, sniLn) }()
	go func() { errCh <- apiSrv.ListenAndServe(ctx, opts.listen) }()

	select {
	case <-ctx.Done():
		<-errCh
		<-errCh
		return nil
	case err := <-errCh:
		stop()
		return err
	}
}
