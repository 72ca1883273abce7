// Package scheduler runs the periodic maintenance tasks that keep the
// pipeline moving without a human or a webhook in the loop: sweeping
// pending submissions, draining retries, and rolling up health metrics.
package scheduler

import (
	"context"
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Louguiman/tekra-submissions/health"
	"github.com/Louguiman/tekra-submissions/observability"
	"github.com/Louguiman/tekra-submissions/pipeline"
	"github.com/Louguiman/tekra-submissions/retry"
	"github.com/Louguiman/tekra-submissions/submission"
)

// Config bundles the Scheduler's collaborators and interval overrides.
// Zero-value durations fall back to the production defaults.
type Config struct {
	Submissions  *submission.Store
	Orchestrator *pipeline.Orchestrator
	RetryEngine  *retry.Engine
	Health       *health.Monitor
	Logger       *slog.Logger

	// DB, when non-nil, backs a liveness heartbeat written every
	// HeartbeatInterval under WorkerName (default "scheduler"). Nil skips
	// the heartbeat entirely.
	DB               *sql.DB
	WorkerName       string        // default "scheduler"
	HeartbeatInterval time.Duration // default 15s

	PendingSweepInterval    time.Duration // default 5m
	RetryDrainInterval      time.Duration // default 5m
	StaleValidationInterval time.Duration // default 1h
	MetricsRollupInterval   time.Duration // default 1h
	StuckSweepInterval      time.Duration // default 30m
	ErrorCleanupInterval    time.Duration // default 24h

	PendingSweepBatch int           // default 10
	RetryDrainBatch   int           // default 20
	StuckThreshold    time.Duration // default 1h
	StaleThreshold    time.Duration // default 24h
	ErrorRetention    time.Duration // default 7 * 24h
}

func (c *Config) defaults() {
	if c.PendingSweepInterval <= 0 {
		c.PendingSweepInterval = 5 * time.Minute
	}
	if c.RetryDrainInterval <= 0 {
		c.RetryDrainInterval = 5 * time.Minute
	}
	if c.StaleValidationInterval <= 0 {
		c.StaleValidationInterval = time.Hour
	}
	if c.MetricsRollupInterval <= 0 {
		c.MetricsRollupInterval = time.Hour
	}
	if c.StuckSweepInterval <= 0 {
		c.StuckSweepInterval = 30 * time.Minute
	}
	if c.ErrorCleanupInterval <= 0 {
		c.ErrorCleanupInterval = 24 * time.Hour
	}
	if c.PendingSweepBatch <= 0 {
		c.PendingSweepBatch = 10
	}
	if c.RetryDrainBatch <= 0 {
		c.RetryDrainBatch = 20
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = time.Hour
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 24 * time.Hour
	}
	if c.ErrorRetention <= 0 {
		c.ErrorRetention = 7 * 24 * time.Hour
	}
	if c.WorkerName == "" {
		c.WorkerName = "scheduler"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
}

// task is one named periodic job with its own reentrancy guard: a slow run
// never overlaps with the next tick of the same task.
type task struct {
	name     string
	interval time.Duration
	running  atomic.Bool
	fn       func(ctx context.Context)
}

// Scheduler drives the six periodic maintenance tasks on independent
// tickers.
type Scheduler struct {
	cfg       Config
	logger    *slog.Logger
	tasks     []*task
	heartbeat *observability.HeartbeatWriter
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	cfg.defaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{cfg: cfg, logger: logger}
	s.tasks = []*task{
		{name: "pending_sweep", interval: cfg.PendingSweepInterval, fn: s.sweepPending},
		{name: "retry_drain", interval: cfg.RetryDrainInterval, fn: s.drainRetries},
		{name: "stale_validation_check", interval: cfg.StaleValidationInterval, fn: s.checkStaleValidations},
		{name: "metrics_rollup", interval: cfg.MetricsRollupInterval, fn: s.rollupMetrics},
		{name: "stuck_submission_sweep", interval: cfg.StuckSweepInterval, fn: s.sweepStuck},
		{name: "error_cleanup", interval: cfg.ErrorCleanupInterval, fn: s.cleanupErrors},
	}
	if cfg.DB != nil {
		s.heartbeat = observability.NewHeartbeatWriter(cfg.DB, cfg.WorkerName, cfg.HeartbeatInterval)
	}
	return s
}

// Run starts every task on its own ticker and blocks until ctx is
// cancelled. Each task fires once immediately, matching the pipeline's
// pattern of not waiting out a full interval on startup.
func (s *Scheduler) Run(ctx context.Context) {
	if s.heartbeat != nil {
		s.heartbeat.Start(ctx)
		defer s.heartbeat.Stop()
	}
	for _, t := range s.tasks {
		go s.runTask(ctx, t)
	}
	<-ctx.Done()
}

func (s *Scheduler) runTask(ctx context.Context, t *task) {
	s.tick(ctx, t)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, t)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, t *task) {
	if !t.running.CompareAndSwap(false, true) {
		s.logger.DebugContext(ctx, "scheduler: skipped overlapping run", "task", t.name)
		return
	}
	defer t.running.Store(false)

	start := time.Now()
	t.fn(ctx)
	s.logger.DebugContext(ctx, "scheduler: task completed", "task", t.name, "durationMs", time.Since(start).Milliseconds())
}

// sweepPending drives up to PendingSweepBatch Pending submissions through
// the orchestrator.
func (s *Scheduler) sweepPending(ctx context.Context) {
	pending, err := s.cfg.Submissions.ListPending(ctx, s.cfg.PendingSweepBatch)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler: list pending", "error", err)
		return
	}
	for _, sub := range pending {
		if _, err := s.cfg.Orchestrator.Process(ctx, sub.SubmissionID); err != nil {
			s.logger.WarnContext(ctx, "scheduler: process submission", "submissionId", sub.SubmissionID, "error", err)
		}
	}
}

// drainRetries re-invokes the operations RetryEngine reports ready.
// RetryEngine itself tracks backoff and attempt counts; this task only
// supplies the clock tick that makes ReadyForRetry worth polling.
func (s *Scheduler) drainRetries(ctx context.Context) {
	ready, err := s.cfg.RetryEngine.ReadyForRetry(ctx, s.cfg.RetryDrainBatch)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler: ready for retry", "error", err)
		return
	}
	for _, op := range ready {
		switch op.OperationName {
		case "pipeline.extract":
			if _, err := s.cfg.Orchestrator.Process(ctx, op.Payload); err != nil {
				s.logger.WarnContext(ctx, "scheduler: retry extraction", "submissionId", op.Payload, "error", err)
			}
		default:
			s.logger.DebugContext(ctx, "scheduler: no retry handler registered", "operation", op.OperationName)
		}
	}
}

// checkStaleValidations records a medium CriticalError when items have sat
// in the validation queue past StaleThreshold.
func (s *Scheduler) checkStaleValidations(ctx context.Context) {
	n, err := s.cfg.Health.CountStaleValidations(ctx, s.cfg.StaleThreshold)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler: count stale validations", "error", err)
		return
	}
	if n > 0 {
		if _, err := s.cfg.Health.RecordCritical(ctx, "scheduler", "stale validations detected", health.SeverityMedium,
			map[string]any{"count": n, "thresholdHours": s.cfg.StaleThreshold.Hours()}); err != nil {
			s.logger.ErrorContext(ctx, "scheduler: record stale validation error", "error", err)
		}
	}
}

// rollupMetrics snapshots system metrics and raises CriticalErrors when the
// 24h failure rate or the pending backlog crosses the same thresholds
// HealthMonitor.Check uses.
func (s *Scheduler) rollupMetrics(ctx context.Context) {
	m, err := s.cfg.Health.MetricsSnapshot(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler: metrics snapshot", "error", err)
		return
	}

	if m.TotalCount24h > 0 {
		failRate := float64(m.ErrorCount24h) / float64(m.TotalCount24h)
		if failRate >= 0.25 {
			s.cfg.Health.RecordCritical(ctx, "scheduler", "24h failure rate above threshold", health.SeverityHigh,
				map[string]any{"failRate": failRate})
		}
	}
	if m.Submissions != nil && m.Submissions.ByExtractionState[submission.ExtractionPending] >= 100 {
		s.cfg.Health.RecordCritical(ctx, "scheduler", "pending backlog above threshold", health.SeverityMedium,
			map[string]any{"pending": m.Submissions.ByExtractionState[submission.ExtractionPending]})
	}
}

// sweepStuck resets submissions stuck in Running back to Pending so they
// are retried by the next pending sweep.
func (s *Scheduler) sweepStuck(ctx context.Context) {
	n, err := s.cfg.Submissions.ResetStuck(ctx, s.cfg.StuckThreshold)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler: reset stuck", "error", err)
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "scheduler: reset stuck submissions", "count", n)
	}
}

// cleanupErrors purges resolved critical errors older than ErrorRetention.
func (s *Scheduler) cleanupErrors(ctx context.Context) {
	n, err := s.cfg.Health.PurgeResolvedOlderThan(ctx, s.cfg.ErrorRetention)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler: purge resolved errors", "error", err)
		return
	}
	if n > 0 {
		s.logger.DebugContext(ctx, "scheduler: purged resolved errors", "count", n)
	}
}
