package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds operational metrics using OTEL semantic conventions
type DaemonMetrics struct {
	scans        metric.Int64Counter
	scanDuration metric.Float64Histogram
	flagged      metric.Int64Counter
	rulesLoaded  metric.Int64Gauge
	ruleReloads  metric.Int64Counter
}

// NewDaemonMetrics creates daemon metrics on the global meter provider
func NewDaemonMetrics() (*DaemonMetrics, error) {
	return newDaemonMetrics(otel.Meter("vahti.daemon"))
}

func newDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	scans, err := meter.Int64Counter(
		"vahti.daemon.scans",
		metric.WithDescription("Number of scheduled group scans"),
		metric.WithUnit("{scan}"),
	)
	if err != nil {
		return nil, err
	}

	scanDuration, err := meter.Float64Histogram(
		"vahti.daemon.scan.duration",
		metric.WithDescription("Duration of scheduled group scans"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 900),
	)
	if err != nil {
		return nil, err
	}

	flagged, err := meter.Int64Counter(
		"vahti.daemon.scan.flagged",
		metric.WithDescription("Members flagged by scheduled scans"),
		metric.WithUnit("{member}"),
	)
	if err != nil {
		return nil, err
	}

	rulesLoaded, err := meter.Int64Gauge(
		"vahti.rules.loaded",
		metric.WithDescription("Number of rules loaded for a group"),
		metric.WithUnit("{rule}"),
	)
	if err != nil {
		return nil, err
	}

	ruleReloads, err := meter.Int64Counter(
		"vahti.rules.reloads",
		metric.WithDescription("Number of rule file reloads"),
		metric.WithUnit("{reload}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		scans:        scans,
		scanDuration: scanDuration,
		flagged:      flagged,
		rulesLoaded:  rulesLoaded,
		ruleReloads:  ruleReloads,
	}, nil
}

// RecordScheduledScan records a scheduled scan run with status
func (m *DaemonMetrics) RecordScheduledScan(ctx context.Context, groupID, status string) {
	m.scans.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", status),
			attribute.String("group.id", groupID),
		),
	)
}

// RecordScheduledScanDuration records scan duration
func (m *DaemonMetrics) RecordScheduledScanDuration(ctx context.Context, durationSeconds float64, status string) {
	m.scanDuration.Record(ctx, durationSeconds,
		metric.WithAttributes(
			attribute.String("status", status),
		),
	)
}

// RecordFlagged adds members flagged by a scan
func (m *DaemonMetrics) RecordFlagged(ctx context.Context, groupID string, count int64) {
	if count <= 0 {
		return
	}
	m.flagged.Add(ctx, count,
		metric.WithAttributes(attribute.String("group.id", groupID)),
	)
}

// RecordRulesLoaded records the current rule count for a group
func (m *DaemonMetrics) RecordRulesLoaded(ctx context.Context, groupID string, count int64) {
	m.rulesLoaded.Record(ctx, count,
		metric.WithAttributes(attribute.String("group.id", groupID)),
	)
}

// RecordRuleReload records a rule file reload attempt
func (m *DaemonMetrics) RecordRuleReload(ctx context.Context, status string) {
	m.ruleReloads.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
