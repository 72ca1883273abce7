// Package submission owns Submission rows: persistence, state transitions,
// and per-supplier grouping windows. Other components read submissions
// freely but must route writes through Store so its invariants hold.
package submission

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Louguiman/tekra-submissions/apierr"
	"github.com/Louguiman/tekra-submissions/idgen"
)

// Schema is the DDL for the supplier_submission table.
const Schema = `
CREATE TABLE IF NOT EXISTS supplier_submission (
	submission_id        TEXT PRIMARY KEY,
	supplier_id          TEXT NOT NULL,
	external_message_id  TEXT NOT NULL UNIQUE,
	content_kind         TEXT NOT NULL,
	original_content      TEXT NOT NULL,
	media_ref            TEXT,
	extraction_state     TEXT NOT NULL DEFAULT 'Pending',
	validation_state     TEXT NOT NULL DEFAULT 'Pending',
	extracted            TEXT,
	validated_by         TEXT,
	validation_notes     TEXT,
	grouped              INTEGER NOT NULL DEFAULT 0,
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_submission_supplier_created ON supplier_submission(supplier_id, created_at);
CREATE INDEX IF NOT EXISTS idx_submission_extraction_state ON supplier_submission(extraction_state);
CREATE INDEX IF NOT EXISTS idx_submission_validation_state ON supplier_submission(validation_state, created_at);
`

// ContentKind enumerates the kinds of inbound content a submission carries.
type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentImage ContentKind = "image"
	ContentPDF   ContentKind = "pdf"
	ContentVoice ContentKind = "voice"
)

// ExtractionState is the lifecycle of the extraction side of a submission.
type ExtractionState string

const (
	ExtractionPending   ExtractionState = "Pending"
	ExtractionRunning   ExtractionState = "Running"
	ExtractionCompleted ExtractionState = "Completed"
	ExtractionFailed    ExtractionState = "Failed"
)

// ValidationState is the lifecycle of the human/auto validation decision.
type ValidationState string

const (
	ValidationPending  ValidationState = "Pending"
	ValidationApproved ValidationState = "Approved"
	ValidationRejected ValidationState = "Rejected"
)

// ExtractedProduct is a single structured product pulled from a submission.
type ExtractedProduct struct {
	Name       string            `json:"name"`
	Brand      string            `json:"brand,omitempty"`
	Category   string            `json:"category,omitempty"`
	Condition  string            `json:"condition,omitempty"`
	Grade      string            `json:"grade,omitempty"`
	Price      float64           `json:"price,omitempty"`
	Currency   string            `json:"currency,omitempty"`
	Quantity   int               `json:"quantity,omitempty"`
	Specs      map[string]string `json:"specs,omitempty"`
	Confidence float64           `json:"confidence"`
	Meta       ProductMeta       `json:"meta"`
}

// ProductMeta records extraction provenance for a product.
type ProductMeta struct {
	SourceKind      string   `json:"sourceKind"`
	ProcessingMs    int64    `json:"processingMs"`
	ExtractorID     string   `json:"extractorId"`
	ExtractedFields []string `json:"extractedFields"`
	FallbackUsed    bool     `json:"fallbackUsed"`
}

// Submission is a single inbound message awaiting or completing the
// pipeline.
type Submission struct {
	SubmissionID      string
	SupplierID        string
	ExternalMessageID string
	ContentKind       ContentKind
	OriginalContent   string
	MediaRef          *string
	ExtractionState   ExtractionState
	ValidationState   ValidationState
	Extracted         []ExtractedProduct
	ValidatedBy       string
	ValidationNotes   string
	Grouped           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewSubmission is the set of fields WebhookIntake supplies when inserting
// a submission for the first time.
type NewSubmission struct {
	SupplierID        string
	ExternalMessageID string
	ContentKind       ContentKind
	OriginalContent   string
	MediaRef          *string
	Grouped           bool
}

// TransitionPatch carries the field updates that accompany a state
// transition.
type TransitionPatch struct {
	Extracted       []ExtractedProduct
	ValidatedBy     string
	ValidationNotes string
}

// Metrics is a snapshot of submission counts by state, used by HealthMonitor.
type Metrics struct {
	ByExtractionState map[ExtractionState]int
	ByValidationState map[ValidationState]int
	Total             int
}

// Store is the SubmissionStore.
type Store struct {
	db    *sql.DB
	newID idgen.Generator
}

// New creates a Store backed by db. The caller must have applied Schema.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, newID: idgen.Prefixed("sub_", idgen.Default)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides the submission ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newID = gen }
}

// Insert persists a new submission in the Pending/Pending state. Reinserting
// the same externalMessageId returns the original submission's ID without
// creating a new row, satisfying the webhook's idempotency contract.
func (s *Store) Insert(ctx context.Context, n NewSubmission) (*Submission, error) {
	var existingID string
	err := s.db.QueryRowContext(ctx,
		`SELECT submission_id FROM supplier_submission WHERE external_message_id = ?`,
		n.ExternalMessageID).Scan(&existingID)
	if err == nil {
		return s.Get(ctx, existingID)
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("submission: insert: check existing: %w", err)
	}

	id := s.newID()
	now := time.Now()
	grouped := 0
	if n.Grouped {
		grouped = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO supplier_submission
			(submission_id, supplier_id, external_message_id, content_kind, original_content,
			 media_ref, extraction_state, validation_state, grouped, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'Pending', 'Pending', ?, ?, ?)`,
		id, n.SupplierID, n.ExternalMessageID, n.ContentKind, n.OriginalContent,
		n.MediaRef, grouped, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		// externalMessageId is unique; a race between the check above and
		// this insert still fails cleanly on the unique constraint.
		if existing, getErr := s.findByExternalID(ctx, n.ExternalMessageID); getErr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("submission: insert: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *Store) findByExternalID(ctx context.Context, externalID string) (*Submission, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT submission_id FROM supplier_submission WHERE external_message_id = ?`, externalID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Get loads a submission by ID.
func (s *Store) Get(ctx context.Context, id string) (*Submission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT submission_id, supplier_id, external_message_id, content_kind, original_content,
		       media_ref, extraction_state, validation_state, extracted, validated_by,
		       validation_notes, grouped, created_at, updated_at
		FROM supplier_submission WHERE submission_id = ?`, id)
	sub, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return nil, apierr.New(apierr.KindNotFound, "submission not found: "+id)
	}
	if err != nil {
		return nil, fmt.Errorf("submission: get: %w", err)
	}
	return sub, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*Submission, error) {
	var sub Submission
	var mediaRef, extractedJSON, validatedBy, notes sql.NullString
	var grouped int
	var createdAt, updatedAt int64
	err := row.Scan(&sub.SubmissionID, &sub.SupplierID, &sub.ExternalMessageID, &sub.ContentKind,
		&sub.OriginalContent, &mediaRef, &sub.ExtractionState, &sub.ValidationState, &extractedJSON,
		&validatedBy, &notes, &grouped, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if mediaRef.Valid {
		sub.MediaRef = &mediaRef.String
	}
	if extractedJSON.Valid && extractedJSON.String != "" {
		if jErr := json.Unmarshal([]byte(extractedJSON.String), &sub.Extracted); jErr != nil {
			return nil, fmt.Errorf("submission: decode extracted: %w", jErr)
		}
	}
	sub.ValidatedBy = validatedBy.String
	sub.ValidationNotes = notes.String
	sub.Grouped = grouped != 0
	sub.CreatedAt = time.UnixMilli(createdAt)
	sub.UpdatedAt = time.UnixMilli(updatedAt)
	return &sub, nil
}

// ListPending returns submissions with extractionState=Pending, oldest
// first, capped at limit.
func (s *Store) ListPending(ctx context.Context, limit int) ([]*Submission, error) {
	return s.listByQuery(ctx, `
		SELECT submission_id, supplier_id, external_message_id, content_kind, original_content,
		       media_ref, extraction_state, validation_state, extracted, validated_by,
		       validation_notes, grouped, created_at, updated_at
		FROM supplier_submission WHERE extraction_state = 'Pending'
		ORDER BY created_at ASC LIMIT ?`, limit)
}

// ListByValidationState returns submissions with extractionState=Completed
// and the given validationState, oldest first. Used by ValidationQueue to
// build its admin-facing listing.
func (s *Store) ListByValidationState(ctx context.Context, state ValidationState) ([]*Submission, error) {
	return s.listByQuery(ctx, `
		SELECT submission_id, supplier_id, external_message_id, content_kind, original_content,
		       media_ref, extraction_state, validation_state, extracted, validated_by,
		       validation_notes, grouped, created_at, updated_at
		FROM supplier_submission WHERE extraction_state = 'Completed' AND validation_state = ?
		ORDER BY created_at ASC`, state)
}

// ListStuck returns submissions stuck in extractionState=Running with
// updatedAt older than olderThan.
func (s *Store) ListStuck(ctx context.Context, olderThan time.Time) ([]*Submission, error) {
	return s.listByQuery(ctx, `
		SELECT submission_id, supplier_id, external_message_id, content_kind, original_content,
		       media_ref, extraction_state, validation_state, extracted, validated_by,
		       validation_notes, grouped, created_at, updated_at
		FROM supplier_submission WHERE extraction_state = 'Running' AND updated_at < ?
		ORDER BY updated_at ASC`, olderThan.UnixMilli())
}

func (s *Store) listByQuery(ctx context.Context, query string, args ...any) ([]*Submission, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("submission: list: %w", err)
	}
	defer rows.Close()
	var out []*Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("submission: scan: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// legalExtractionTransitions enumerates the allowed extractionState edges.
var legalExtractionTransitions = map[ExtractionState][]ExtractionState{
	ExtractionPending: {ExtractionRunning},
	ExtractionRunning: {ExtractionCompleted, ExtractionFailed},
	ExtractionFailed:  {ExtractionPending},
}

// legalValidationTransitions enumerates the allowed validationState edges.
var legalValidationTransitions = map[ValidationState][]ValidationState{
	ValidationPending: {ValidationApproved, ValidationRejected},
}

// TransitionExtraction performs a CAS on extractionState. Returns
// StateConflict if the current state does not match from.
func (s *Store) TransitionExtraction(ctx context.Context, id string, from, to ExtractionState, patch TransitionPatch) (*Submission, error) {
	if !legalTransition(legalExtractionTransitions, from, to) {
		return nil, apierr.New(apierr.KindInvariant, fmt.Sprintf("illegal extraction transition %s->%s", from, to))
	}
	if to == ExtractionCompleted && patch.Extracted == nil {
		patch.Extracted = []ExtractedProduct{}
	}

	var extractedJSON sql.NullString
	if to == ExtractionCompleted {
		b, err := json.Marshal(patch.Extracted)
		if err != nil {
			return nil, fmt.Errorf("submission: marshal extracted: %w", err)
		}
		extractedJSON = sql.NullString{String: string(b), Valid: true}
	}

	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE supplier_submission SET extraction_state = ?, extracted = COALESCE(?, extracted), updated_at = ?
		WHERE submission_id = ? AND extraction_state = ?`,
		to, extractedJSON, now, id, from)
	if err != nil {
		return nil, fmt.Errorf("submission: transition extraction: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, apierr.New(apierr.KindStateConflict, "extraction state changed concurrently")
	}
	return s.Get(ctx, id)
}

// TransitionValidation performs a CAS on validationState. The store refuses
// to leave a non-Pending validation while extractionState is not Completed.
func (s *Store) TransitionValidation(ctx context.Context, id string, from, to ValidationState, patch TransitionPatch) (*Submission, error) {
	if !legalTransition(legalValidationTransitions, from, to) {
		return nil, apierr.New(apierr.KindInvariant, fmt.Sprintf("illegal validation transition %s->%s", from, to))
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if to != ValidationPending && cur.ExtractionState != ExtractionCompleted {
		return nil, apierr.New(apierr.KindInvariant, "cannot leave validation pending before extraction completes")
	}

	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE supplier_submission SET validation_state = ?, validated_by = ?, validation_notes = ?, updated_at = ?
		WHERE submission_id = ? AND validation_state = ?`,
		to, patch.ValidatedBy, patch.ValidationNotes, now, id, from)
	if err != nil {
		return nil, fmt.Errorf("submission: transition validation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, apierr.New(apierr.KindStateConflict, "validation state changed concurrently")
	}
	return s.Get(ctx, id)
}

// UpdateExtracted overwrites the extracted product list for a submission
// (used by ValidationQueue.approve to merge admin edits before integration).
func (s *Store) UpdateExtracted(ctx context.Context, id string, products []ExtractedProduct) error {
	b, err := json.Marshal(products)
	if err != nil {
		return fmt.Errorf("submission: marshal extracted: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE supplier_submission SET extracted = ?, updated_at = ? WHERE submission_id = ?`,
		string(b), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("submission: update extracted: %w", err)
	}
	return nil
}

// ExtractorFieldStats reports, across every Completed submission's
// extracted products, how many times each field name was populated. Used
// by the read-only extractor-stats endpoint to show per-field hit rates;
// never consulted on the critical path.
func (s *Store) ExtractorFieldStats(ctx context.Context) (map[string]int, int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT extracted FROM supplier_submission WHERE extraction_state = 'Completed' AND extracted IS NOT NULL`)
	if err != nil {
		return nil, 0, fmt.Errorf("submission: extractor field stats: %w", err)
	}
	defer rows.Close()

	hits := map[string]int{}
	total := 0
	for rows.Next() {
		var extractedJSON string
		if err := rows.Scan(&extractedJSON); err != nil {
			return nil, 0, err
		}
		var products []ExtractedProduct
		if err := json.Unmarshal([]byte(extractedJSON), &products); err != nil {
			continue
		}
		for _, p := range products {
			total++
			for _, f := range p.Meta.ExtractedFields {
				hits[f]++
			}
		}
	}
	return hits, total, rows.Err()
}

func legalTransition[T comparable](table map[T][]T, from, to T) bool {
	for _, allowed := range table[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// GroupProbe returns the most recent Pending submission for supplierID with
// createdAt in (at-5min, at], or nil. Used by WebhookIntake to annotate new
// submissions with grouping metadata; it never merges rows.
func (s *Store) GroupProbe(ctx context.Context, supplierID string, at time.Time) (*Submission, error) {
	windowStart := at.Add(-5 * time.Minute)
	row := s.db.QueryRowContext(ctx, `
		SELECT submission_id, supplier_id, external_message_id, content_kind, original_content,
		       media_ref, extraction_state, validation_state, extracted, validated_by,
		       validation_notes, grouped, created_at, updated_at
		FROM supplier_submission
		WHERE supplier_id = ? AND validation_state = 'Pending' AND created_at > ? AND created_at <= ?
		ORDER BY created_at DESC LIMIT 1`,
		supplierID, windowStart.UnixMilli(), at.UnixMilli())
	sub, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("submission: group probe: %w", err)
	}
	return sub, nil
}

// ResetStuck resets submissions in Running for longer than olderThan back
// to Pending. Used by the Scheduler's stuck-submission sweep.
func (s *Store) ResetStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	threshold := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE supplier_submission SET extraction_state = 'Pending', updated_at = ?
		WHERE extraction_state = 'Running' AND updated_at < ?`,
		time.Now().UnixMilli(), threshold)
	if err != nil {
		return 0, fmt.Errorf("submission: reset stuck: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountStaleValidations counts Pending validations older than olderThan,
// used by the Scheduler's stale-validation check.
func (s *Store) CountStaleValidations(ctx context.Context, olderThan time.Duration) (int, error) {
	threshold := time.Now().Add(-olderThan).UnixMilli()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM supplier_submission WHERE validation_state = 'Pending' AND created_at < ?`,
		threshold).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("submission: count stale: %w", err)
	}
	return n, nil
}

// Metrics returns counts by extraction and validation state.
func (s *Store) Metrics(ctx context.Context) (*Metrics, error) {
	m := &Metrics{
		ByExtractionState: map[ExtractionState]int{},
		ByValidationState: map[ValidationState]int{},
	}
	rows, err := s.db.QueryContext(ctx, `SELECT extraction_state, COUNT(*) FROM supplier_submission GROUP BY extraction_state`)
	if err != nil {
		return nil, fmt.Errorf("submission: metrics: %w", err)
	}
	for rows.Next() {
		var state ExtractionState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, err
		}
		m.ByExtractionState[state] = n
		m.Total += n
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT validation_state, COUNT(*) FROM supplier_submission GROUP BY validation_state`)
	if err != nil {
		return nil, fmt.Errorf("submission: metrics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state ValidationState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		m.ByValidationState[state] = n
	}
	return m, rows.Err()
}
