// Package manager is the Manager (C7): the process-wide supervisor. It owns
// the live Worker set by value (no singleton, per spec §9's resolution of
// that Open Question), runs the Monitor and Retry Controller as child
// loops, scales the worker count on a ticker per spec §4.7's thresholds,
// and orchestrates graceful shutdown. Its construction-as-value style and
// SIGINT/SIGTERM-driven shutdown sequencing are grounded on the teacher's
// cmd/worker/main.go and application/worker.Worker.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dispatchkit/emaildispatch/internal/dispatch/retry"
	"github.com/dispatchkit/emaildispatch/internal/dispatch/worker"
	"github.com/dispatchkit/emaildispatch/internal/domain"
	"github.com/dispatchkit/emaildispatch/internal/monitor"
)

// Store is the narrow slice of the Store Gateway the Manager depends on.
type Store interface {
	SystemStats(ctx context.Context) (domain.SystemStats, error)
	ListWorkers(ctx context.Context) ([]*domain.Worker, error)
	MarkWorkerOffline(ctx context.Context, workerID string) error
}

// WorkerFactory builds a freshly configured Worker with a new identity. The
// Manager calls it once per spawn; the returned Worker's ID is assigned by
// the factory (typically via worker.Config.setDefaults' uuid generation).
type WorkerFactory func() *worker.Worker

// Options holds the Manager's tunables of spec §4.7.
type Options struct {
	MinWorkers int
	MaxWorkers int
	Interval   time.Duration
}

func (o *Options) setDefaults() {
	if o.MinWorkers <= 0 {
		o.MinWorkers = 2
	}
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 10
	}
	if o.Interval <= 0 {
		o.Interval = 60 * time.Second
	}
}

type managedWorker struct {
	w       *worker.Worker
	cancel  context.CancelFunc
	runDone chan struct{}
}

// Manager owns the live Worker set and the Monitor/Retry Controller loops.
type Manager struct {
	store           Store
	newWorker       WorkerFactory
	monitor         *monitor.Monitor
	retryController *retry.Controller
	opts            Options

	mu      sync.Mutex
	workers map[string]*managedWorker

	stop chan struct{}
	done chan struct{}
}

// New builds a Manager. Construction is a plain value, not a singleton: a
// process may run more than one Manager against the same Store, each with
// its own Worker set, bounded instead by the Store's claim contention and
// the Monitor's exclusive-lease gate on shared ticks.
func New(store Store, newWorker WorkerFactory, mon *monitor.Monitor, retryController *retry.Controller, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		store:           store,
		newWorker:       newWorker,
		monitor:         mon,
		retryController: retryController,
		opts:            opts,
		workers:         make(map[string]*managedWorker),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Run spawns MinWorkers, starts the Monitor and Retry Controller, and loops
// the scale-up/scale-down evaluation on Interval until ctx is cancelled or
// Stop is called, then runs the graceful shutdown sequence of spec §4.7.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)

	for i := 0; i < m.opts.MinWorkers; i++ {
		m.spawnWorker(ctx)
	}

	var childWG sync.WaitGroup
	childWG.Add(2)
	go func() {
		defer childWG.Done()
		if err := m.monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "monitor exited with error", "error", err)
		}
	}()
	go func() {
		defer childWG.Done()
		if err := m.retryController.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "retry controller exited with error", "error", err)
		}
	}()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ticker.C:
			if err := m.runScaleTick(ctx); err != nil {
				slog.ErrorContext(ctx, "scale tick failed", "error", err)
			}
		case <-ctx.Done():
			break loop
		case <-m.stop:
			break loop
		}
	}

	m.shutdown(ctx)
	childWG.Wait()
	return nil
}

// Stop signals Run to begin its shutdown sequence and blocks until it
// completes.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

// WorkerCount reports the number of currently live workers, used by callers
// (e.g. the Operator HTTP status endpoint) that want to report fleet size
// without reaching into the Manager's internals.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// WorkerIDs reports the IDs of all currently live workers.
func (m *Manager) WorkerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) spawnWorker(ctx context.Context) {
	w := m.newWorker()
	wctx, cancel := context.WithCancel(ctx)
	mw := &managedWorker{w: w, cancel: cancel, runDone: make(chan struct{})}

	m.mu.Lock()
	m.workers[w.ID()] = mw
	m.mu.Unlock()

	go func() {
		defer close(mw.runDone)
		if err := w.Run(wctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "worker exited with error", "worker_id", w.ID(), "error", err)
		}
	}()
	slog.InfoContext(ctx, "spawned worker", "worker_id", w.ID())
}

// runScaleTick implements spec §4.7's scale-up/scale-down evaluation.
func (m *Manager) runScaleTick(ctx context.Context) error {
	stats, err := m.store.SystemStats(ctx)
	if err != nil {
		return fmt.Errorf("read system stats: %w", err)
	}

	m.mu.Lock()
	count := len(m.workers)
	m.mu.Unlock()

	if stats.PendingBatches > 0 && stats.IdleWorkers == 0 && count < m.opts.MaxWorkers {
		toAdd := int(math.Ceil(float64(stats.PendingBatches) / 10))
		if count+toAdd > m.opts.MaxWorkers {
			toAdd = m.opts.MaxWorkers - count
		}
		for i := 0; i < toAdd; i++ {
			m.spawnWorker(ctx)
		}
		if toAdd > 0 {
			slog.InfoContext(ctx, "scaled up", "added", toAdd, "total", count+toAdd)
		}
		return nil
	}

	if stats.IdleWorkers > 2 && stats.PendingBatches+stats.ProcessingBatches < 5 && count > m.opts.MinWorkers {
		toStop := stats.IdleWorkers / 2
		if maxStoppable := count - m.opts.MinWorkers; toStop > maxStoppable {
			toStop = maxStoppable
		}
		if toStop > 0 {
			m.scaleDown(ctx, toStop)
		}
	}
	return nil
}

// scaleDown stops n idle workers, preferring those with no current batch
// and the lowest lastJobCompletedAt, per spec §4.7 step 3.
func (m *Manager) scaleDown(ctx context.Context, n int) {
	m.mu.Lock()
	candidates := make([]*managedWorker, 0, len(m.workers))
	for _, mw := range m.workers {
		if mw.w.Status() == worker.StatusIdle {
			candidates = append(candidates, mw)
		}
	}
	m.mu.Unlock()

	records, err := m.store.ListWorkers(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list workers for scale-down", "error", err)
		return
	}
	lastCompleted := make(map[string]time.Time, len(records))
	hasCurrentBatch := make(map[string]bool, len(records))
	for _, r := range records {
		if r.LastJobCompletedAt != nil {
			lastCompleted[r.ID] = *r.LastJobCompletedAt
		}
		hasCurrentBatch[r.ID] = r.CurrentJobID != nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		idI, idJ := candidates[i].w.ID(), candidates[j].w.ID()
		if hasCurrentBatch[idI] != hasCurrentBatch[idJ] {
			return !hasCurrentBatch[idI] // no-current-batch sorts first
		}
		return lastCompleted[idI].Before(lastCompleted[idJ])
	})

	if n > len(candidates) {
		n = len(candidates)
	}
	for _, mw := range candidates[:n] {
		m.stopWorker(ctx, mw)
	}
	if n > 0 {
		slog.InfoContext(ctx, "scaled down", "stopped", n)
	}
}

func (m *Manager) stopWorker(ctx context.Context, mw *managedWorker) {
	mw.w.Stop()
	mw.cancel()
	<-mw.runDone

	m.mu.Lock()
	delete(m.workers, mw.w.ID())
	m.mu.Unlock()

	if err := m.store.MarkWorkerOffline(ctx, mw.w.ID()); err != nil {
		slog.WarnContext(ctx, "failed to mark worker offline", "worker_id", mw.w.ID(), "error", err)
	}
}

// shutdown runs spec §4.7's graceful shutdown sequence: signal all workers,
// let each stop after its in-flight recipient (its batch is released back to
// pending), remove it and mark it offline, then stop the child loops.
func (m *Manager) shutdown(ctx context.Context) {
	m.mu.Lock()
	all := make([]*managedWorker, 0, len(m.workers))
	for _, mw := range m.workers {
		all = append(all, mw)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, mw := range all {
		wg.Add(1)
		go func(mw *managedWorker) {
			defer wg.Done()
			mw.w.Stop() // signals; Worker.Run stops after its in-flight recipient and releases the batch
			mw.cancel()
			<-mw.runDone

			m.mu.Lock()
			delete(m.workers, mw.w.ID())
			m.mu.Unlock()
			// A fresh background context: ctx is likely already cancelled by
			// the time shutdown runs, but this offline marker must still land.
			if err := m.store.MarkWorkerOffline(context.Background(), mw.w.ID()); err != nil {
				slog.WarnContext(ctx, "failed to mark worker offline during shutdown", "worker_id", mw.w.ID(), "error", err)
			}
		}(mw)
	}
	wg.Wait()

	m.monitor.Stop()
	m.retryController.Stop()
}
