package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine instruments
type Metrics struct {
	// Counters
	Decisions      metric.Int64Counter
	Executions     metric.Int64Counter
	MembersScanned metric.Int64Counter
	PageFailures   metric.Int64Counter
	DedupPrunes    metric.Int64Counter

	// Gauges
	DedupSize metric.Int64Gauge

	// Histograms
	ScanDuration metric.Float64Histogram
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments on the global meter provider.
// Instrument creation errors fall back to no-op instruments.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := InitMetrics(otel.Meter("github.com/yairfalse/vahti"))
		if err != nil {
			m = &Metrics{}
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// InitMetrics creates all instruments on the given meter
func InitMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	if err := m.initCounters(meter); err != nil {
		return nil, err
	}

	if err := m.initGauges(meter); err != nil {
		return nil, err
	}

	if err := m.initHistograms(meter); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) initCounters(meter metric.Meter) error {
	var err error

	m.Decisions, err = meter.Int64Counter(
		"vahti.decisions.total",
		metric.WithDescription("Total number of candidate evaluations"),
		metric.WithUnit("decisions"),
	)
	if err != nil {
		return err
	}

	m.Executions, err = meter.Int64Counter(
		"vahti.executions.total",
		metric.WithDescription("Total number of executor runs by status"),
		metric.WithUnit("actions"),
	)
	if err != nil {
		return err
	}

	m.MembersScanned, err = meter.Int64Counter(
		"vahti.scan.members.total",
		metric.WithDescription("Total number of members evaluated by batch scans"),
		metric.WithUnit("members"),
	)
	if err != nil {
		return err
	}

	m.PageFailures, err = meter.Int64Counter(
		"vahti.scan.page_failures.total",
		metric.WithDescription("Total number of member page fetch failures"),
		metric.WithUnit("pages"),
	)
	if err != nil {
		return err
	}

	m.DedupPrunes, err = meter.Int64Counter(
		"vahti.dedup.prunes.total",
		metric.WithDescription("Total number of dedup cache prunes"),
		metric.WithUnit("prunes"),
	)
	return err
}

func (m *Metrics) initGauges(meter metric.Meter) error {
	var err error

	m.DedupSize, err = meter.Int64Gauge(
		"vahti.dedup.size",
		metric.WithDescription("Current number of processed keys"),
		metric.WithUnit("keys"),
	)
	return err
}

func (m *Metrics) initHistograms(meter metric.Meter) error {
	var err error

	m.ScanDuration, err = meter.Float64Histogram(
		"vahti.scan.duration",
		metric.WithDescription("Duration of batch scans"),
		metric.WithUnit("s"),
	)
	return err
}

// RecordDecision counts one evaluation
func (m *Metrics) RecordDecision(ctx context.Context, groupID, action string) {
	if m == nil || m.Decisions == nil {
		return
	}
	m.Decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("group_id", groupID),
		attribute.String("action", action),
	))
}

// RecordExecution counts one executor outcome
func (m *Metrics) RecordExecution(ctx context.Context, module, status string) {
	if m == nil || m.Executions == nil {
		return
	}
	m.Executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("module", module),
		attribute.String("status", status),
	))
}

// RecordScan records a finished scan
func (m *Metrics) RecordScan(ctx context.Context, groupID string, evaluated int, d time.Duration) {
	if m == nil || m.ScanDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("group_id", groupID))
	m.MembersScanned.Add(ctx, int64(evaluated), attrs)
	m.ScanDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordPageFailure counts one failed page fetch
func (m *Metrics) RecordPageFailure(ctx context.Context, groupID string) {
	if m == nil || m.PageFailures == nil {
		return
	}
	m.PageFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("group_id", groupID)))
}

// RecordDedup records the cache size and, when pruned, a prune
func (m *Metrics) RecordDedup(ctx context.Context, size int, pruned bool) {
	if m == nil || m.DedupSize == nil {
		return
	}
	m.DedupSize.Record(ctx, int64(size))
	if pruned {
		m.DedupPrunes.Add(ctx, 1)
	}
}
