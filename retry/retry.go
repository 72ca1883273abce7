// Package retry provides the RetryEngine: an exponential-backoff executor
// for transient operation failures, backed by a persisted queue of
// exhausted attempts for later inspection or manual replay.
package retry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/Louguiman/tekra-submissions/apierr"
	"github.com/Louguiman/tekra-submissions/idgen"
)

// Schema is the DDL for the failed_operation table.
const Schema = `
CREATE TABLE IF NOT EXISTS failed_operation (
	failed_operation_id TEXT PRIMARY KEY,
	operation_name      TEXT NOT NULL,
	payload             TEXT NOT NULL,
	attempts            INTEGER NOT NULL DEFAULT 0,
	max_attempts        INTEGER NOT NULL,
	last_error          TEXT,
	next_attempt_at     INTEGER NOT NULL,
	exhausted           INTEGER NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failed_operation_ready ON failed_operation(exhausted, next_attempt_at);
`

// Config controls one Execute call's retry behavior.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig matches the pipeline-wide default: 5 attempts, 1s base
// backoff doubling up to 60s, jittered +/-25%.
var DefaultConfig = Config{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: 60 * time.Second}

// FailedOperation is a persisted record of an operation that exhausted its
// retry budget, kept for diagnostics and manual replay.
type FailedOperation struct {
	ID            string
	OperationName string
	Payload       string
	Attempts      int
	MaxAttempts   int
	LastError     string
	NextAttemptAt time.Time
	Exhausted     bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Stats summarizes the failed_operation queue for the admin API.
type Stats struct {
	Pending   int
	Exhausted int
	ByName    map[string]int
}

// Engine is the RetryEngine.
type Engine struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	rand   func() float64
}

// New creates an Engine backed by db. The caller must have applied Schema.
func New(db *sql.DB, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		db:     db,
		newID:  idgen.Prefixed("fop_", idgen.Default),
		logger: logger,
		rand:   rand.Float64,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Option configures an Engine.
type Option func(*Engine)

// WithIDGenerator overrides the failed-operation ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(e *Engine) { e.newID = gen }
}

// WithJitterSource overrides the jitter random source, for deterministic tests.
func WithJitterSource(f func() float64) Option {
	return func(e *Engine) { e.rand = f }
}

// nonRetryable reports whether err should skip remaining attempts outright
// (auth and validation failures will never succeed on retry).
func nonRetryable(err error) bool {
	return apierr.Is(err, apierr.KindBadRequest) ||
		apierr.Is(err, apierr.KindUnauthorized) ||
		apierr.Is(err, apierr.KindInvariant) ||
		apierr.Is(err, apierr.KindSuspicious)
}

// Execute runs op up to cfg.MaxAttempts times with jittered exponential
// backoff between attempts. If every attempt fails, the failure is enqueued
// as an exhausted FailedOperation under name, carrying payload as diagnostic
// context, and the last error is returned.
func (e *Engine) Execute(ctx context.Context, name string, payload string, cfg Config, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := e.jitteredBackoff(cfg, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if nonRetryable(lastErr) {
			e.logger.WarnContext(ctx, "retry: non-retryable failure", "operation", name, "error", lastErr)
			break
		}
		e.logger.WarnContext(ctx, "retry: attempt failed", "operation", name, "attempt", attempt+1, "error", lastErr)
	}

	if err := e.enqueueFailed(ctx, name, payload, cfg.MaxAttempts, lastErr); err != nil {
		e.logger.ErrorContext(ctx, "retry: failed to enqueue exhausted operation", "operation", name, "error", err)
	}
	return lastErr
}

func (e *Engine) jitteredBackoff(cfg Config, attempt int) time.Duration {
	backoff := cfg.BaseBackoff * time.Duration(1<<uint(attempt-1))
	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}
	jitter := 1 + (e.rand()*2-1)*0.25
	return time.Duration(float64(backoff) * jitter)
}

func (e *Engine) enqueueFailed(ctx context.Context, name, payload string, maxAttempts int, cause error) error {
	id := e.newID()
	now := time.Now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO failed_operation
			(failed_operation_id, operation_name, payload, attempts, max_attempts, last_error,
			 next_attempt_at, exhausted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		id, name, payload, maxAttempts, maxAttempts, msg, now.UnixMilli(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("retry: enqueue failed: %w", err)
	}
	return nil
}

// ReadyForRetry returns FailedOperation rows not yet exhausted whose
// nextAttemptAt has passed, for the Scheduler's retry drain task.
func (e *Engine) ReadyForRetry(ctx context.Context, limit int) ([]FailedOperation, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT failed_operation_id, operation_name, payload, attempts, max_attempts, last_error,
		       next_attempt_at, exhausted, created_at, updated_at
		FROM failed_operation
		WHERE exhausted = 0 AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC LIMIT ?`, time.Now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("retry: ready for retry: %w", err)
	}
	defer rows.Close()

	var out []FailedOperation
	for rows.Next() {
		var f FailedOperation
		var lastError sql.NullString
		var exhausted int
		var nextAt, createdAt, updatedAt int64
		if err := rows.Scan(&f.ID, &f.OperationName, &f.Payload, &f.Attempts, &f.MaxAttempts,
			&lastError, &nextAt, &exhausted, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("retry: scan: %w", err)
		}
		f.LastError = lastError.String
		f.Exhausted = exhausted != 0
		f.NextAttemptAt = time.UnixMilli(nextAt)
		f.CreatedAt = time.UnixMilli(createdAt)
		f.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateAttempt records a retry-drain attempt against a FailedOperation,
// marking it exhausted once attempts reaches maxAttempts.
func (e *Engine) UpdateAttempt(ctx context.Context, id string, cfg Config, failErr error) error {
	now := time.Now()
	var attempts int
	var maxAttempts int
	err := e.db.QueryRowContext(ctx,
		`SELECT attempts, max_attempts FROM failed_operation WHERE failed_operation_id = ?`, id).
		Scan(&attempts, &maxAttempts)
	if err != nil {
		return fmt.Errorf("retry: update attempt: read: %w", err)
	}

	attempts++
	exhausted := 0
	msg := ""
	if failErr != nil {
		msg = failErr.Error()
	}
	nextAttempt := now.Add(e.jitteredBackoff(cfg, attempts))
	if failErr == nil || attempts >= maxAttempts {
		exhausted = 1
	}
	if failErr == nil {
		msg = ""
	}

	_, err = e.db.ExecContext(ctx, `
		UPDATE failed_operation
		SET attempts = ?, last_error = ?, next_attempt_at = ?, exhausted = ?, updated_at = ?
		WHERE failed_operation_id = ?`,
		attempts, msg, nextAttempt.UnixMilli(), exhausted, now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("retry: update attempt: write: %w", err)
	}
	return nil
}

// Resolve marks a FailedOperation as resolved (exhausted=true but with no
// further error), used when a manual replay succeeds.
func (e *Engine) Resolve(ctx context.Context, id string) error {
	_, err := e.db.ExecContext(ctx,
		`UPDATE failed_operation SET exhausted = 1, last_error = '', updated_at = ? WHERE failed_operation_id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("retry: resolve: %w", err)
	}
	return nil
}

// Statistics summarizes the failed_operation queue.
func (e *Engine) Statistics(ctx context.Context) (*Stats, error) {
	s := &Stats{ByName: map[string]int{}}
	rows, err := e.db.QueryContext(ctx, `SELECT operation_name, exhausted, COUNT(*) FROM failed_operation GROUP BY operation_name, exhausted`)
	if err != nil {
		return nil, fmt.Errorf("retry: statistics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var exhausted, n int
		if err := rows.Scan(&name, &exhausted, &n); err != nil {
			return nil, err
		}
		s.ByName[name] += n
		if exhausted != 0 {
			s.Exhausted += n
		} else {
			s.Pending += n
		}
	}
	return s, rows.Err()
}

// EncodePayload is a convenience helper for callers building a diagnostic
// payload from an arbitrary value.
func EncodePayload(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
