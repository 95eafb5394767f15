// Package daemon runs the engine as a long-lived service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/robfig/cron/v3"

	"github.com/yairfalse/vahti/internal/api"
	"github.com/yairfalse/vahti/internal/config"
	"github.com/yairfalse/vahti/providers"
	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/wal"
)

// Daemon runs the live checker, scheduled scans and the HTTP API
type Daemon struct {
	cfg        *config.Config
	components *Components
	server     *api.Server
	metrics    *DaemonMetrics
	logger     *telemetry.Logger

	startTime time.Time
	scanCount atomic.Int64
	lastScan  atomic.Int64
}

// Option customizes the daemon
type Option func(*daemonOptions)

type daemonOptions struct {
	platform providers.Platform
}

// WithPlatform replaces the configured platform client
func WithPlatform(p providers.Platform) Option {
	return func(o *daemonOptions) { o.platform = p }
}

// NewDaemon wires a daemon. metricsHandler serves /metrics and may be nil.
func NewDaemon(ctx context.Context, cfg *config.Config, metricsHandler http.Handler, opts ...Option) (*Daemon, error) {
	var o daemonOptions
	for _, opt := range opts {
		opt(&o)
	}

	components, err := Build(ctx, cfg, o.platform)
	if err != nil {
		return nil, err
	}

	metrics, err := NewDaemonMetrics()
	if err != nil {
		_ = components.Close()
		return nil, fmt.Errorf("daemon metrics: %w", err)
	}

	d := &Daemon{
		cfg:        cfg,
		components: components,
		metrics:    metrics,
		logger:     telemetry.NewLogger("daemon"),
		startTime:  time.Now(),
	}
	d.server = api.New(api.Config{
		Checker: components.Checker,
		Scanner: components.Scanner,
		Audit:   components.Store,
		Metrics: metricsHandler,
	})
	return d, nil
}

// Components exposes the wired engine
func (d *Daemon) Components() *Components {
	return d.components
}

// Handler returns the HTTP API
func (d *Daemon) Handler() *api.Server {
	return d.server
}

// Start runs every actor until ctx is done, a signal arrives, or an actor
// fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.cleanupJournal()
	d.recordRules(ctx)

	var g run.Group

	// HTTP API
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.server.ListenAndServe(ctx, d.cfg.API.Listen)
		}, func(error) {
			cancel()
		})
	}

	// live sweep
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.components.Checker.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	// scheduled scans; cancelling first cuts a running scan short so Stop
	// does not wait for it to finish
	if d.cfg.Scanner.Schedule != "" {
		ctx, cancel := context.WithCancel(ctx)
		c, err := d.newScheduler(ctx)
		if err != nil {
			cancel()
			return err
		}
		done := make(chan struct{})
		g.Add(func() error {
			c.Start()
			<-done
			return nil
		}, func(error) {
			cancel()
			<-c.Stop().Done()
			close(done)
		})
	}

	// rule reload on SIGHUP
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			d.reloadOnHangup(ctx)
			return nil
		}, func(error) {
			cancel()
		})
	}

	// shutdown on ctx or SIGINT/SIGTERM
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	d.logger.Info().
		Str("listen", d.cfg.API.Listen).
		Str("schedule", d.cfg.Scanner.Schedule).
		Strs("groups", d.components.Rules.Groups()).
		Msg("daemon started")

	err := g.Run()
	var sigErr run.SignalError
	switch {
	case errors.As(err, &sigErr):
		d.logger.Info().Str("signal", sigErr.Signal.String()).Msg("daemon stopping")
		return nil
	case errors.Is(err, context.Canceled):
		d.logger.Info().Msg("daemon stopping")
		return nil
	}
	return err
}

func (d *Daemon) newScheduler(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(d.cfg.Scanner.Schedule, func() {
		d.runScheduledScans(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid scanner.schedule %q: %w", d.cfg.Scanner.Schedule, err)
	}
	return c, nil
}

// runScheduledScans scans every group that has rules and is authorized
func (d *Daemon) runScheduledScans(ctx context.Context) {
	for _, groupID := range d.components.Rules.Groups() {
		if ctx.Err() != nil {
			return
		}
		if !d.components.Auth.IsGroupAuthorized(ctx, groupID) {
			continue
		}

		start := time.Now()
		report, err := d.components.Scanner.Scan(ctx, groupID)
		status := "success"
		switch {
		case err != nil:
			status = "error"
			d.logger.WithContext(ctx).Error().Err(err).Str("group_id", groupID).Msg("scheduled scan failed")
		case report.Summary.Aborted:
			status = "aborted"
		}

		d.scanCount.Add(1)
		d.lastScan.Store(time.Now().Unix())
		d.metrics.RecordScheduledScan(ctx, groupID, status)
		d.metrics.RecordScheduledScanDuration(ctx, time.Since(start).Seconds(), status)
		d.metrics.RecordFlagged(ctx, groupID, int64(report.Summary.Flagged))

		if errors.Is(err, providers.ErrNotAuthenticated) {
			return
		}
	}
}

func (d *Daemon) reloadOnHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			d.ReloadRules(ctx)
		}
	}
}

// ReloadRules re-reads the rule file; on failure the old rules stay
func (d *Daemon) ReloadRules(ctx context.Context) {
	if err := d.components.Rules.Reload(); err != nil {
		d.metrics.RecordRuleReload(ctx, "error")
		d.logger.WithContext(ctx).Error().Err(err).Msg("rule reload failed, keeping previous rules")
		return
	}
	d.metrics.RecordRuleReload(ctx, "success")
	d.recordRules(ctx)
	d.logger.WithContext(ctx).Info().Strs("groups", d.components.Rules.Groups()).Msg("rules reloaded")
}

func (d *Daemon) recordRules(ctx context.Context) {
	for _, groupID := range d.components.Rules.Groups() {
		d.metrics.RecordRulesLoaded(ctx, groupID, int64(len(d.components.Rules.GetRules(groupID))))
	}
}

func (d *Daemon) cleanupJournal() {
	if !d.cfg.Journal.Enabled {
		return
	}
	stats, err := wal.Cleanup(d.cfg.Journal.Dir, journalConfig(d.cfg))
	if err != nil {
		d.logger.Warn().Err(err).Msg("journal cleanup failed")
		return
	}
	if stats.FilesRemoved > 0 {
		d.logger.Info().
			Int("files_removed", stats.FilesRemoved).
			Int64("bytes_freed", stats.BytesFreed).
			Msg("journal cleaned")
	}
	pending, err := wal.Pending(d.cfg.Journal.Dir)
	if err == nil && len(pending) > 0 {
		d.logger.Warn().Int("pending", len(pending)).Msg("journal has actions without a terminal entry")
	}
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	h := HealthStatus{
		Status:    "healthy",
		Uptime:    int64(time.Since(d.startTime).Seconds()),
		Processed: d.components.Checker.Processed(),
		Scans:     d.scanCount.Load(),
	}
	if ts := d.lastScan.Load(); ts > 0 {
		h.LastScan = time.Unix(ts, 0).UTC()
	}
	return h
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status    string
	Uptime    int64
	Processed int
	Scans     int64
	LastScan  time.Time
}

// ScanCount returns total scheduled scans run
func (d *Daemon) ScanCount() int64 {
	return d.scanCount.Load()
}

// Close releases storage and notifiers
func (d *Daemon) Close() error {
	return d.components.Close()
}
