/*
scheduler.go - Automated reward reconciliation scheduler

PURPOSE:
  Periodically re-runs the unlock decision for every referrer against the
  active reward config. Normal traffic unlocks rewards inside the credit
  that crossed the threshold; this pass catches referrers whose crossing
  was missed (a config that became effective later, a crash between
  retries) and applies the unlock exactly once.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Delegates to rewards.Reconciler, which is idempotent per
    (referrer, config version)
  - Keeps the last report for the admin UI

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(reconciler, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Reconcile endpoint (manual reconciliation)
  - rewards/reconcile.go: Reconciler
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/referral-engine/rewards"
)

// ReconciliationScheduler handles automated reward reconciliation.
type ReconciliationScheduler struct {
	Reconciler    *rewards.Reconciler
	CheckInterval time.Duration
	Enabled       bool
	Logger        *slog.Logger

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun time.Time
	last    rewards.ReconcileReport
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(reconciler *rewards.Reconciler, logger *slog.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconciliationScheduler{
		Reconciler:    reconciler,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Logger:        logger.With("component", "scheduler"),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.Logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run(rs.ticker, rs.stop)

	rs.Logger.Info("scheduler started", "interval", rs.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight pass.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	ticker, stop := rs.ticker, rs.stop
	rs.ticker, rs.stop = nil, nil
	rs.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	rs.wg.Wait()
	rs.Logger.Info("scheduler stopped")
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	rs.checkAndProcess(ctx)

	for {
		select {
		case <-ticker.C:
			rs.checkAndProcess(ctx)
		case <-stop:
			return
		}
	}
}

func (rs *ReconciliationScheduler) checkAndProcess(ctx context.Context) {
	report, err := rs.RunNow(ctx)
	if err != nil {
		rs.Logger.Error("reconciliation failed", "error", err)
		return
	}
	if len(report.Unlocked) > 0 || len(report.Failed) > 0 {
		rs.Logger.Info("reconciliation completed",
			"checked", report.Checked,
			"unlocked", len(report.Unlocked),
			"failed", len(report.Failed),
		)
	}
}

// RunNow triggers an immediate pass (for testing/admin).
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) (rewards.ReconcileReport, error) {
	report, err := rs.Reconciler.Run(ctx)
	if err != nil {
		return report, err
	}
	rs.mu.Lock()
	rs.lastRun = time.Now()
	rs.last = report
	rs.mu.Unlock()
	return report, nil
}

// LastReport returns the most recent successful pass and when it ran.
func (rs *ReconciliationScheduler) LastReport() (rewards.ReconcileReport, time.Time) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.last, rs.lastRun
}

// GetNextRunTime returns when the next scheduled check will occur.
func (rs *ReconciliationScheduler) GetNextRunTime() time.Time {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.lastRun.IsZero() {
		return time.Now().Add(rs.CheckInterval)
	}
	return rs.lastRun.Add(rs.CheckInterval)
}
