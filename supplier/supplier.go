// Package supplier maps phone numbers to supplier identities and maintains
// the rolling performance metrics that drive the pipeline's auto-approval
// policy.
package supplier

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Louguiman/tekra-submissions/apierr"
	"github.com/Louguiman/tekra-submissions/idgen"
)

// Schema is the DDL for the supplier table, applied via dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS supplier (
	supplier_id           TEXT PRIMARY KEY,
	phone                 TEXT NOT NULL UNIQUE,
	active                INTEGER NOT NULL DEFAULT 1,
	total_submissions     INTEGER NOT NULL DEFAULT 0,
	approved_submissions  INTEGER NOT NULL DEFAULT 0,
	avg_confidence        REAL NOT NULL DEFAULT 0,
	last_submission_at    INTEGER,
	quality_rating        REAL NOT NULL DEFAULT 1,
	recent_approvals      TEXT NOT NULL DEFAULT '[]',
	created_at            INTEGER NOT NULL
);
`

// recentApprovalsWindow bounds the smoothing window for qualityRating.
const recentApprovalsWindow = 50

// Metrics mirrors a supplier's rolling performance counters.
type Metrics struct {
	TotalSubmissions    int
	ApprovedSubmissions int
	AvgConfidence       float64
	LastSubmissionAt    *time.Time
	QualityRating       float64
}

// Supplier is a registered submitter.
type Supplier struct {
	SupplierID string
	Phone      string
	Active     bool
	Metrics    Metrics
}

// Registry is the SupplierRegistry: phone-keyed identity lookup plus
// transactional metrics updates.
type Registry struct {
	db    *sql.DB
	newID idgen.Generator

	// mu serializes metrics updates per supplier so recordOutcome's
	// read-modify-write cycle never races with itself.
	mu sync.Mutex
}

// New creates a Registry backed by db. The caller must have applied Schema.
func New(db *sql.DB, opts ...Option) *Registry {
	r := &Registry{db: db, newID: idgen.Prefixed("sup_", idgen.Default)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Option configures a Registry.
type Option func(*Registry)

// WithIDGenerator overrides the supplier ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(r *Registry) { r.newID = gen }
}

// FindByPhone looks up a supplier by E.164 phone. Returns nil, nil when not
// found (absence is not an error; callers decide how to react).
func (r *Registry) FindByPhone(ctx context.Context, phone string) (*Supplier, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT supplier_id, phone, active, total_submissions, approved_submissions,
		       avg_confidence, last_submission_at, quality_rating
		FROM supplier WHERE phone = ?`, phone)

	var s Supplier
	var active int
	var lastAt sql.NullInt64
	err := row.Scan(&s.SupplierID, &s.Phone, &active, &s.Metrics.TotalSubmissions,
		&s.Metrics.ApprovedSubmissions, &s.Metrics.AvgConfidence, &lastAt, &s.Metrics.QualityRating)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("supplier: find by phone: %w", err)
	}
	s.Active = active != 0
	if lastAt.Valid {
		t := time.UnixMilli(lastAt.Int64)
		s.Metrics.LastSubmissionAt = &t
	}
	return &s, nil
}

// FindByID looks up a supplier by its generated ID. Returns nil, nil when
// not found.
func (r *Registry) FindByID(ctx context.Context, supplierID string) (*Supplier, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT supplier_id, phone, active, total_submissions, approved_submissions,
		       avg_confidence, last_submission_at, quality_rating
		FROM supplier WHERE supplier_id = ?`, supplierID)

	var s Supplier
	var active int
	var lastAt sql.NullInt64
	err := row.Scan(&s.SupplierID, &s.Phone, &active, &s.Metrics.TotalSubmissions,
		&s.Metrics.ApprovedSubmissions, &s.Metrics.AvgConfidence, &lastAt, &s.Metrics.QualityRating)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("supplier: find by id: %w", err)
	}
	s.Active = active != 0
	if lastAt.Valid {
		t := time.UnixMilli(lastAt.Int64)
		s.Metrics.LastSubmissionAt = &t
	}
	return &s, nil
}

// Authenticatable reports whether a supplier may submit: it must exist and
// be active. Inactive suppliers are authenticatable=false per the registry
// contract.
func (r *Registry) Authenticatable(ctx context.Context, phone string) (*Supplier, error) {
	s, err := r.FindByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if s == nil || !s.Active {
		return nil, apierr.New(apierr.KindUnauthorized, "supplier not found or inactive")
	}
	return s, nil
}

// BumpActivity updates last_submission_at and total_submissions for a new
// inbound submission, independent of its eventual outcome.
func (r *Registry) BumpActivity(ctx context.Context, supplierID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.ExecContext(ctx, `
		UPDATE supplier SET total_submissions = total_submissions + 1, last_submission_at = ?
		WHERE supplier_id = ?`, time.Now().UnixMilli(), supplierID)
	if err != nil {
		return fmt.Errorf("supplier: bump activity: %w", err)
	}
	return nil
}

// RecordOutcome updates approvedSubmissions, avgConfidence, and the smoothed
// qualityRating after a submission reaches a terminal validation state.
// qualityRating = 1 + 4*(approvalRate*0.6 + avgConfidence*0.4), clamped to
// [1,5], smoothed over the last recentApprovalsWindow outcomes.
func (r *Registry) RecordOutcome(ctx context.Context, supplierID string, approved bool, confidence float64, processingMs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("supplier: record outcome: begin: %w", err)
	}
	defer tx.Rollback()

	var total, approvedCount int
	var recentJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT total_submissions, approved_submissions, recent_approvals FROM supplier WHERE supplier_id = ?`,
		supplierID).Scan(&total, &approvedCount, &recentJSON)
	if err != nil {
		return fmt.Errorf("supplier: record outcome: read: %w", err)
	}

	if approved {
		approvedCount++
	}

	recent := decodeRecent(recentJSON)
	recent = append(recent, confidence)
	if len(recent) > recentApprovalsWindow {
		recent = recent[len(recent)-recentApprovalsWindow:]
	}
	var sum float64
	for _, c := range recent {
		sum += c
	}
	newAvgConf := sum / float64(len(recent))

	approvalRate := 0.0
	if total > 0 {
		approvalRate = float64(approvedCount) / float64(total)
	}
	rating := 1 + 4*(approvalRate*0.6+newAvgConf*0.4)
	rating = math.Max(1, math.Min(5, rating))

	_, err = tx.ExecContext(ctx, `
		UPDATE supplier SET approved_submissions = ?, avg_confidence = ?, quality_rating = ?, recent_approvals = ?
		WHERE supplier_id = ?`, approvedCount, newAvgConf, rating, encodeRecent(recent), supplierID)
	if err != nil {
		return fmt.Errorf("supplier: record outcome: update: %w", err)
	}
	return tx.Commit()
}

func decodeRecent(s string) []float64 {
	var v []float64
	if s == "" {
		return v
	}
	_ = json.Unmarshal([]byte(s), &v)
	return v
}

func encodeRecent(v []float64) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// Create registers a new supplier out-of-band (e.g. admin onboarding).
func (r *Registry) Create(ctx context.Context, phone string) (*Supplier, error) {
	id := r.newID()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO supplier (supplier_id, phone, active, created_at) VALUES (?, ?, 1, ?)`,
		id, phone, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("supplier: create: %w", err)
	}
	return &Supplier{SupplierID: id, Phone: phone, Active: true}, nil
}
