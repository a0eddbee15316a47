// Package monitor is the Monitor (C6): two ticker-driven loops — metrics
// (snapshot + stale-job reclaim) and alerts (threshold evaluation against an
// injected AlertSink). Its dual-ticker Run loop is grounded directly on the
// teacher's Worker.Start (schedule/process tickers); its exclusive-lease
// guard on the metrics tick is grounded on ReconciliationWorker.reconcileOnce.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dispatchkit/emaildispatch/internal/domain"
)

// MetricsRunType is the TryAcquireExclusiveRun lease name for the metrics
// tick, so only one Manager process's Monitor runs the snapshot/reclaim
// pass at a time when the dispatcher is horizontally scaled.
const MetricsRunType = "monitor-metrics-tick"

// Store is the narrow slice of the Store Gateway the Monitor depends on.
type Store interface {
	SystemStats(ctx context.Context) (domain.SystemStats, error)
	ListWorkers(ctx context.Context) ([]*domain.Worker, error)
	RecordMetricsSnapshot(ctx context.Context, at time.Time, workers []*domain.Worker) error
	ReclaimStaleJobs(ctx context.Context, staleness time.Duration) (int, error)
	TryAcquireExclusiveRun(ctx context.Context, runType, holderID string, leaseDuration time.Duration) (release func(context.Context), acquired bool, err error)
}

// Severity classifies an Alert per spec §4.6.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is one threshold breach surfaced by the alerts loop. It does not
// change business state; it is purely a signal to an injected sink.
type Alert struct {
	Severity Severity
	Metric   string
	Message  string
	WorkerID string // empty for system-wide alerts
}

// AlertSink is a capability-typed collaborator — logger, metrics bus, pager,
// or any combination — that receives classified alerts. The Monitor never
// pages on its own.
type AlertSink interface {
	Alert(ctx context.Context, a Alert)
}

// Thresholds holds the alert-evaluation boundaries of spec §4.6.
type Thresholds struct {
	MaxQueueSize            int
	MinThroughput           float64
	WorkerTimeout           time.Duration
	MaxConsecutiveFailures  int
	MaxResponseTime         time.Duration
}

func (t *Thresholds) setDefaults() {
	if t.MaxQueueSize <= 0 {
		t.MaxQueueSize = 1000
	}
	if t.MaxConsecutiveFailures <= 0 {
		t.MaxConsecutiveFailures = 5
	}
	if t.WorkerTimeout <= 0 {
		t.WorkerTimeout = 120 * time.Second
	}
	if t.MaxResponseTime <= 0 {
		t.MaxResponseTime = 30 * time.Second
	}
	// MinThroughput has no sane non-zero default: a freshly started system
	// with no jobs yet has zero throughput and that must not alert.
}

// Options holds the Monitor's tunables.
type Options struct {
	HolderID         string
	MetricsInterval  time.Duration
	AlertsInterval   time.Duration
	StalenessTimeout time.Duration
	LeaseDuration    time.Duration
	Thresholds       Thresholds
}

func (o *Options) setDefaults() {
	if o.MetricsInterval <= 0 {
		o.MetricsInterval = 60 * time.Second
	}
	if o.AlertsInterval <= 0 {
		o.AlertsInterval = 300 * time.Second
	}
	if o.StalenessTimeout <= 0 {
		o.StalenessTimeout = 120 * time.Second
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = o.MetricsInterval * 2
	}
	o.Thresholds.setDefaults()
}

// Monitor runs the metrics and alerts loops.
type Monitor struct {
	store Store
	sink  AlertSink
	opts  Options

	stop chan struct{}
	done chan struct{}
}

// New builds a Monitor. sink may be nil, in which case alerts are dropped
// after being counted in the alertsTotal metric.
func New(store Store, sink AlertSink, opts Options) *Monitor {
	opts.setDefaults()
	return &Monitor{
		store: store,
		sink:  sink,
		opts:  opts,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Run drives both loops off a single select, mirroring the teacher's
// Worker.Start dual-ticker shape.
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.done)

	metricsTicker := time.NewTicker(m.opts.MetricsInterval)
	alertsTicker := time.NewTicker(m.opts.AlertsInterval)
	defer metricsTicker.Stop()
	defer alertsTicker.Stop()

	for {
		select {
		case <-metricsTicker.C:
			if err := m.runMetricsTick(ctx); err != nil {
				slog.ErrorContext(ctx, "monitor metrics tick failed", "error", err)
			}
		case <-alertsTicker.C:
			if err := m.runAlertsTick(ctx); err != nil {
				slog.ErrorContext(ctx, "monitor alerts tick failed", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stop:
			return nil
		}
	}
}

// Stop signals Run to exit.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) runMetricsTick(ctx context.Context) error {
	release, acquired, err := m.store.TryAcquireExclusiveRun(ctx, MetricsRunType, m.opts.HolderID, m.opts.LeaseDuration)
	if err != nil {
		return fmt.Errorf("acquire metrics lease: %w", err)
	}
	if !acquired {
		slog.DebugContext(ctx, "monitor metrics tick skipped, another instance holds the lease")
		return nil
	}
	defer release(ctx)

	workers, err := m.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	if err := m.store.RecordMetricsSnapshot(ctx, time.Now().UTC(), workers); err != nil {
		return fmt.Errorf("record metrics snapshot: %w", err)
	}

	stats, err := m.store.SystemStats(ctx)
	if err != nil {
		return fmt.Errorf("read system stats: %w", err)
	}
	m.recordPrometheusMetrics(workers, stats)

	reclaimed, err := m.store.ReclaimStaleJobs(ctx, m.opts.StalenessTimeout)
	if err != nil {
		return fmt.Errorf("reclaim stale jobs: %w", err)
	}
	if reclaimed > 0 {
		staleJobsReclaimedTotal.Add(float64(reclaimed))
		slog.InfoContext(ctx, "reclaimed stale jobs", "count", reclaimed)
	}
	return nil
}

func (m *Monitor) recordPrometheusMetrics(workers []*domain.Worker, stats domain.SystemStats) {
	counts := make(map[string]int, 4)
	for _, w := range workers {
		counts[string(w.Status)]++
	}
	recordWorkerGauges(counts)
	pendingBatchesGauge.Set(float64(stats.PendingBatches))
	processingBatchesGauge.Set(float64(stats.ProcessingBatches))
	avgThroughputGauge.Set(stats.AvgThroughput)
}

func (m *Monitor) runAlertsTick(ctx context.Context) error {
	stats, err := m.store.SystemStats(ctx)
	if err != nil {
		return fmt.Errorf("read system stats: %w", err)
	}
	m.evaluateSystemAlerts(ctx, stats)

	workers, err := m.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	for _, w := range workers {
		m.evaluateWorkerAlerts(ctx, w)
	}
	return nil
}

func (m *Monitor) evaluateSystemAlerts(ctx context.Context, stats domain.SystemStats) {
	th := m.opts.Thresholds
	if stats.PendingJobs > th.MaxQueueSize {
		m.emit(ctx, Alert{
			Severity: SeverityWarning,
			Metric:   "pending_jobs",
			Message:  fmt.Sprintf("pending jobs %d exceeds max queue size %d", stats.PendingJobs, th.MaxQueueSize),
		})
	}
	if th.MinThroughput > 0 && stats.AvgThroughput < th.MinThroughput {
		m.emit(ctx, Alert{
			Severity: SeverityWarning,
			Metric:   "avg_throughput",
			Message:  fmt.Sprintf("avg throughput %.2f below min %.2f", stats.AvgThroughput, th.MinThroughput),
		})
	}
}

func (m *Monitor) evaluateWorkerAlerts(ctx context.Context, w *domain.Worker) {
	th := m.opts.Thresholds
	now := time.Now().UTC()

	if age := now.Sub(w.LastHeartbeat); age > th.WorkerTimeout {
		m.emit(ctx, Alert{
			Severity: SeverityHigh,
			Metric:   "heartbeat_age",
			WorkerID: w.ID,
			Message:  fmt.Sprintf("worker %s last heartbeat %s ago exceeds timeout %s", w.ID, age, th.WorkerTimeout),
		})
	}
	if w.ConsecutiveFailures > th.MaxConsecutiveFailures {
		m.emit(ctx, Alert{
			Severity: SeverityCritical,
			Metric:   "consecutive_failures",
			WorkerID: w.ID,
			Message:  fmt.Sprintf("worker %s has %d consecutive failures", w.ID, w.ConsecutiveFailures),
		})
	}
	if w.Metrics.AvgProcessingTime > th.MaxResponseTime {
		m.emit(ctx, Alert{
			Severity: SeverityWarning,
			Metric:   "response_time",
			WorkerID: w.ID,
			Message:  fmt.Sprintf("worker %s avg processing time %s exceeds max %s", w.ID, w.Metrics.AvgProcessingTime, th.MaxResponseTime),
		})
	}
}

func (m *Monitor) emit(ctx context.Context, a Alert) {
	alertsTotal.WithLabelValues(a.Metric, string(a.Severity)).Inc()
	if m.sink != nil {
		m.sink.Alert(ctx, a)
	}
}
