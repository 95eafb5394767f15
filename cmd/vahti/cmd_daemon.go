package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/daemon"
	itelemetry "github.com/yairfalse/vahti/internal/telemetry"
)

var daemonListen string

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run live protection, scheduled scans and the HTTP API",
	Long: `Run Vahti as a long-lived service.

The daemon sweeps the active group's occupants on an interval, runs
scheduled batch scans of every authorized group, and serves the HTTP API.

Features:
- Live checks with session deduplication
- Cron-scheduled batch scans (scanner.schedule)
- Prometheus metrics on /metrics
- Rule reload on SIGHUP
- Graceful shutdown on SIGTERM/SIGINT`,
	Example: `  vahti daemon                          # Run with vahti.toml
  vahti daemon -c /etc/vahti/vahti.toml # Explicit config
  vahti daemon --listen :9090           # Override API address`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().StringVar(&daemonListen, "listen", "", "API listen address (overrides api.listen)")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if daemonListen != "" {
		cfg.API.Listen = daemonListen
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx := cmd.Context()

	provider, err := itelemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	d, err := daemon.NewDaemon(ctx, cfg, provider.MetricsHandler())
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	defer func() { _ = d.Close() }()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}
	return nil
}
