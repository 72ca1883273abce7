// Package health implements HealthMonitor: liveness/readiness aggregation,
// metric rollups, and critical-error escalation. HealthMonitor exclusively
// owns the CriticalError table.
package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Louguiman/tekra-submissions/config"
	"github.com/Louguiman/tekra-submissions/idgen"
	"github.com/Louguiman/tekra-submissions/submission"
)

// Schema is the DDL for the critical_error table.
const Schema = `
CREATE TABLE IF NOT EXISTS critical_error (
	error_id    TEXT PRIMARY KEY,
	component   TEXT NOT NULL,
	message     TEXT NOT NULL,
	severity    TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}',
	escalated   INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	resolved_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_critical_error_unresolved ON critical_error(severity, resolved_at, created_at);
`

// Severity is a CriticalError's severity tier.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// escalationThreshold is the count of unresolved same-severity errors within
// a 60-minute window that triggers escalation.
var escalationThreshold = map[Severity]int{
	SeverityLow:      10,
	SeverityMedium:   5,
	SeverityHigh:     2,
	SeverityCritical: 1,
}

// Status is the overall health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one named check's outcome within check().
type CheckResult struct {
	Name    string
	Status  Status
	Detail  string
}

// CheckReport is the aggregated result of check().
type CheckReport struct {
	Overall Status
	Checks  []CheckResult
}

// CriticalErrorRecord is a persisted CriticalError row.
type CriticalErrorRecord struct {
	ErrorID    string
	Component  string
	Message    string
	Severity   Severity
	Metadata   map[string]any
	Escalated  bool
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// Metrics is the rollup HealthMonitor reports for dashboards.
type Metrics struct {
	Submissions     *submission.Metrics
	ErrorCount24h   int
	TotalCount24h   int
	UnresolvedCount int
}

// Diagnostics bundles metrics, recent unresolved errors, and the last
// health snapshot for the admin diagnostics endpoint.
type Diagnostics struct {
	Metrics           *Metrics
	RecentUnresolved  []CriticalErrorRecord
	Health            *CheckReport
	ConfigMissing     []string
}

// AuditSink records the escalation notification. Paging channels
// themselves are external collaborators.
type AuditSink interface {
	Record(ctx context.Context, action, actor, detail string)
}

// Monitor is the HealthMonitor.
type Monitor struct {
	db          *sql.DB
	submissions *submission.Store
	cfg         *config.Config
	audit       AuditSink
	newID       idgen.Generator
}

// New creates a Monitor. The caller must have applied Schema.
func New(db *sql.DB, submissions *submission.Store, cfg *config.Config, audit AuditSink) *Monitor {
	return &Monitor{
		db:          db,
		submissions: submissions,
		cfg:         cfg,
		audit:       audit,
		newID:       idgen.Prefixed("err_", idgen.Default),
	}
}

// Check aggregates database reachability, pending backlog, 24h error rate,
// stuck-submission count, and configuration presence into an overall
// verdict: any failing check makes the result unhealthy; any warning makes
// it degraded; otherwise healthy.
func (m *Monitor) Check(ctx context.Context) (*CheckReport, error) {
	var checks []CheckResult

	if err := m.db.PingContext(ctx); err != nil {
		checks = append(checks, CheckResult{"database", StatusUnhealthy, err.Error()})
	} else {
		checks = append(checks, CheckResult{"database", StatusHealthy, ""})
	}

	metrics, err := m.submissions.Metrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("health: check: %w", err)
	}
	pending := metrics.ByExtractionState[submission.ExtractionPending]
	switch {
	case pending >= 100:
		checks = append(checks, CheckResult{"pending_backlog", StatusDegraded, fmt.Sprintf("%d pending", pending)})
	default:
		checks = append(checks, CheckResult{"pending_backlog", StatusHealthy, ""})
	}

	errRate, err := m.errorRate24h(ctx)
	if err != nil {
		return nil, fmt.Errorf("health: check: %w", err)
	}
	switch {
	case errRate >= 0.25:
		checks = append(checks, CheckResult{"error_rate", StatusUnhealthy, fmt.Sprintf("%.0f%%", errRate*100)})
	case errRate >= 0.10:
		checks = append(checks, CheckResult{"error_rate", StatusDegraded, fmt.Sprintf("%.0f%%", errRate*100)})
	default:
		checks = append(checks, CheckResult{"error_rate", StatusHealthy, ""})
	}

	stuck, err := m.submissions.ListStuck(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("health: check: %w", err)
	}
	if len(stuck) > 0 {
		checks = append(checks, CheckResult{"stuck_submissions", StatusDegraded, fmt.Sprintf("%d stuck", len(stuck))})
	} else {
		checks = append(checks, CheckResult{"stuck_submissions", StatusHealthy, ""})
	}

	if m.cfg != nil && !m.cfg.Valid() {
		checks = append(checks, CheckResult{"configuration", StatusUnhealthy, m.cfg.Error().Error()})
	} else {
		checks = append(checks, CheckResult{"configuration", StatusHealthy, ""})
	}

	overall := StatusHealthy
	for _, c := range checks {
		if c.Status == StatusUnhealthy {
			overall = StatusUnhealthy
			break
		}
		if c.Status == StatusDegraded {
			overall = StatusDegraded
		}
	}

	return &CheckReport{Overall: overall, Checks: checks}, nil
}

func (m *Monitor) errorRate24h(ctx context.Context) (float64, error) {
	since := time.Now().Add(-24 * time.Hour).UnixMilli()
	var total, failed int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN extraction_state = 'Failed' THEN 1 ELSE 0 END), 0)
		 FROM supplier_submission WHERE created_at >= ?`, since).Scan(&total, &failed)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	return float64(failed) / float64(total), nil
}

// RecordCritical inserts a CriticalError. If the count of unresolved errors
// of the same severity recorded within the last 60 minutes reaches or
// exceeds the severity's threshold, the new record is marked escalated and
// an audit event is emitted (actual paging channels are external).
func (m *Monitor) RecordCritical(ctx context.Context, component, message string, severity Severity, metadata map[string]any) (string, error) {
	windowStart := time.Now().Add(-time.Hour).UnixMilli()
	var count int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM critical_error WHERE severity = ? AND resolved_at IS NULL AND created_at >= ?`,
		severity, windowStart).Scan(&count)
	if err != nil {
		return "", fmt.Errorf("health: record critical: count: %w", err)
	}

	escalated := count+1 >= escalationThreshold[severity]
	id := m.newID()
	metaJSON, _ := json.Marshal(metadata)
	escalatedInt := 0
	if escalated {
		escalatedInt = 1
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO critical_error (error_id, component, message, severity, metadata, escalated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, component, message, severity, string(metaJSON), escalatedInt, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("health: record critical: insert: %w", err)
	}

	if escalated && m.audit != nil {
		m.audit.Record(ctx, "CriticalErrorEscalated", component, message)
	}
	return id, nil
}

// Resolve marks a CriticalError as resolved.
func (m *Monitor) Resolve(ctx context.Context, errorID string) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE critical_error SET resolved_at = ? WHERE error_id = ?`, time.Now().UnixMilli(), errorID)
	if err != nil {
		return fmt.Errorf("health: resolve: %w", err)
	}
	return nil
}

// MetricsSnapshot returns the current rollup.
func (m *Monitor) MetricsSnapshot(ctx context.Context) (*Metrics, error) {
	subMetrics, err := m.submissions.Metrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("health: metrics: %w", err)
	}

	since := time.Now().Add(-24 * time.Hour).UnixMilli()
	var total, failed int
	if err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN extraction_state = 'Failed' THEN 1 ELSE 0 END), 0)
		 FROM supplier_submission WHERE created_at >= ?`, since).Scan(&total, &failed); err != nil {
		return nil, fmt.Errorf("health: metrics: %w", err)
	}

	var unresolved int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM critical_error WHERE resolved_at IS NULL`).Scan(&unresolved); err != nil {
		return nil, fmt.Errorf("health: metrics: %w", err)
	}

	return &Metrics{
		Submissions:     subMetrics,
		ErrorCount24h:   failed,
		TotalCount24h:   total,
		UnresolvedCount: unresolved,
	}, nil
}

// RunDiagnostics returns current metrics, the last 50 unresolved errors, a
// fresh health snapshot, and configuration flags.
func (m *Monitor) RunDiagnostics(ctx context.Context) (*Diagnostics, error) {
	metrics, err := m.MetricsSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	report, err := m.Check(ctx)
	if err != nil {
		return nil, err
	}
	unresolved, err := m.recentUnresolved(ctx, 50)
	if err != nil {
		return nil, err
	}

	var missing []string
	if m.cfg != nil {
		missing = m.cfg.Missing
	}

	return &Diagnostics{
		Metrics:          metrics,
		RecentUnresolved: unresolved,
		Health:           report,
		ConfigMissing:    missing,
	}, nil
}

func (m *Monitor) recentUnresolved(ctx context.Context, limit int) ([]CriticalErrorRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT error_id, component, message, severity, metadata, escalated, created_at, resolved_at
		FROM critical_error WHERE resolved_at IS NULL ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("health: recent unresolved: %w", err)
	}
	defer rows.Close()

	var out []CriticalErrorRecord
	for rows.Next() {
		var rec CriticalErrorRecord
		var metaJSON string
		var escalated int
		var createdAt int64
		var resolvedAt sql.NullInt64
		if err := rows.Scan(&rec.ErrorID, &rec.Component, &rec.Message, &rec.Severity, &metaJSON,
			&escalated, &createdAt, &resolvedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(metaJSON), &rec.Metadata)
		rec.Escalated = escalated != 0
		rec.CreatedAt = time.UnixMilli(createdAt)
		if resolvedAt.Valid {
			t := time.UnixMilli(resolvedAt.Int64)
			rec.ResolvedAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeResolvedOlderThan deletes CriticalErrors resolved more than
// olderThan ago, used by the Scheduler's daily error cleanup.
func (m *Monitor) PurgeResolvedOlderThan(ctx context.Context, olderThan time.Duration) (int, error) {
	threshold := time.Now().Add(-olderThan).UnixMilli()
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM critical_error WHERE resolved_at IS NOT NULL AND resolved_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("health: purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountStaleValidations delegates to the submission store, used by the
// Scheduler's stale-validation check.
func (m *Monitor) CountStaleValidations(ctx context.Context, olderThan time.Duration) (int, error) {
	return m.submissions.CountStaleValidations(ctx, olderThan)
}
