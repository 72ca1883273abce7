// Package pipeline implements PipelineOrchestrator: the driver that takes a
// single submission through extraction, duplicate scoring, and either
// trust-based auto-approval or hand-off to the validation queue.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/Louguiman/tekra-submissions/duplicate"
	"github.com/Louguiman/tekra-submissions/extract"
	"github.com/Louguiman/tekra-submissions/health"
	"github.com/Louguiman/tekra-submissions/observability"
	"github.com/Louguiman/tekra-submissions/retry"
	"github.com/Louguiman/tekra-submissions/submission"
	"github.com/Louguiman/tekra-submissions/supplier"
)

// extractionRetryConfig governs RetryEngine calls wrapping Extractor
// invocations: maxRetries=5, base=1s, cap=60s, mult=2, jitter ±25%.
var extractionRetryConfig = retry.Config{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: 60 * time.Second}

// IntegrationSink is the downstream product catalogue. Out of scope for
// this package; consumed only through this contract.
type IntegrationSink interface {
	UpsertProduct(ctx context.Context, product submission.ExtractedProduct, supplierID, submissionID string) error
}

// AuditSink records pipeline-level security and lifecycle events.
type AuditSink interface {
	Record(ctx context.Context, action, actor, detail string)
}

// EventSink records domain-level business events for analytics, separate
// from AuditSink's security/lifecycle trail. Satisfied by
// observability.EventLogger.
type EventSink interface {
	LogEvent(ctx context.Context, event observability.BusinessEvent)
}

// Orchestrator is the PipelineOrchestrator.
type Orchestrator struct {
	submissions *submission.Store
	suppliers   *supplier.Registry
	extractor   *extract.Extractor
	duplicates  *duplicate.Detector
	sink        IntegrationSink
	retryEngine *retry.Engine
	health      *health.Monitor
	audit       AuditSink
	events      EventSink
	logger      *slog.Logger
}

// Config bundles Orchestrator's collaborators.
type Config struct {
	Submissions *submission.Store
	Suppliers   *supplier.Registry
	Extractor   *extract.Extractor
	Duplicates  *duplicate.Detector
	Sink        IntegrationSink
	RetryEngine *retry.Engine
	Health      *health.Monitor
	Audit       AuditSink
	Events      EventSink
	Logger      *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		submissions: cfg.Submissions,
		suppliers:   cfg.Suppliers,
		extractor:   cfg.Extractor,
		duplicates:  cfg.Duplicates,
		sink:        cfg.Sink,
		retryEngine: cfg.RetryEngine,
		health:      cfg.Health,
		audit:       cfg.Audit,
		events:      cfg.Events,
		logger:      logger,
	}
}

// logEvent records a business event when an EventSink is configured.
func (o *Orchestrator) logEvent(ctx context.Context, submissionID, action string, success bool) {
	if o.events == nil {
		return
	}
	o.events.LogEvent(ctx, observability.BusinessEvent{
		EventType:   "submission_lifecycle",
		ServiceName: "pipeline",
		EntityType:  "submission",
		EntityID:    submissionID,
		Action:      action,
		Success:     success,
	})
}

// Outcome summarizes how Process disposed of a submission, for logging and
// tests.
type Outcome struct {
	SubmissionID    string
	ValidationState submission.ValidationState
	Reason          string
	AutoApproved    bool
}

// Process drives a single submission through extraction and, if eligible,
// auto-approval. It is idempotent against a submission's current state: a
// submission already past Pending extraction is only re-driven through the
// validation decision.
func (o *Orchestrator) Process(ctx context.Context, submissionID string) (*Outcome, error) {
	sub, err := o.submissions.Get(ctx, submissionID)
	if err != nil {
		if o.audit != nil {
			o.audit.Record(ctx, "SubmissionNotFound", submissionID, "")
		}
		return nil, err
	}

	if sub.ExtractionState == submission.ExtractionPending {
		sub, err = o.runExtraction(ctx, sub)
		if err != nil {
			return &Outcome{SubmissionID: submissionID, ValidationState: sub.ValidationState, Reason: "extraction_failed"}, err
		}
	}

	if sub.ExtractionState != submission.ExtractionCompleted {
		return &Outcome{SubmissionID: submissionID, ValidationState: sub.ValidationState, Reason: "extraction_incomplete"}, nil
	}

	if len(sub.Extracted) == 0 {
		sub, err = o.submissions.TransitionValidation(ctx, submissionID, submission.ValidationPending, submission.ValidationRejected,
			submission.TransitionPatch{ValidatedBy: "system", ValidationNotes: "no_extracted_products"})
		if err != nil {
			return nil, err
		}
		o.logEvent(ctx, submissionID, "rejected_no_products", true)
		return &Outcome{SubmissionID: submissionID, ValidationState: sub.ValidationState, Reason: "no_extracted_products"}, nil
	}

	o.logDuplicateMatches(ctx, sub)

	eligible, reason, err := o.evaluateAutoApproval(ctx, sub)
	if err != nil {
		return nil, err
	}
	if !eligible {
		o.logger.InfoContext(ctx, "pipeline: left pending for manual validation", "submissionId", submissionID, "reason", reason)
		return &Outcome{SubmissionID: submissionID, ValidationState: submission.ValidationPending, Reason: reason}, nil
	}

	if err := o.upsertAll(ctx, sub); err != nil {
		o.health.RecordCritical(ctx, "pipeline", "integration sink failed during auto-approval", health.SeverityHigh,
			map[string]any{"submissionId": submissionID, "error": err.Error()})
		return &Outcome{SubmissionID: submissionID, ValidationState: submission.ValidationPending, Reason: "sink_failure"}, nil
	}

	sub, err = o.submissions.TransitionValidation(ctx, submissionID, submission.ValidationPending, submission.ValidationApproved,
		submission.TransitionPatch{ValidatedBy: "system-auto-approval", ValidationNotes: reason})
	if err != nil {
		return nil, err
	}
	o.logEvent(ctx, submissionID, "auto_approved", true)

	approved := true
	var avgConfidence float64
	for _, p := range sub.Extracted {
		avgConfidence += p.Confidence
	}
	avgConfidence /= float64(len(sub.Extracted))
	if err := o.suppliers.RecordOutcome(ctx, sub.SupplierID, approved, avgConfidence, 0); err != nil {
		o.logger.ErrorContext(ctx, "pipeline: record outcome failed", "error", err)
	}

	return &Outcome{SubmissionID: submissionID, ValidationState: sub.ValidationState, Reason: reason, AutoApproved: true}, nil
}

func (o *Orchestrator) runExtraction(ctx context.Context, sub *submission.Submission) (*submission.Submission, error) {
	sub, err := o.submissions.TransitionExtraction(ctx, sub.SubmissionID, submission.ExtractionPending, submission.ExtractionRunning, submission.TransitionPatch{})
	if err != nil {
		return sub, err
	}

	var result extract.Result
	retryErr := o.retryEngine.Execute(ctx, "pipeline.extract", sub.SubmissionID, extractionRetryConfig, func(ctx context.Context) error {
		result = o.extractor.Extract(sub.OriginalContent)
		return nil
	})

	if retryErr != nil {
		failed, err := o.submissions.TransitionExtraction(ctx, sub.SubmissionID, submission.ExtractionRunning, submission.ExtractionFailed, submission.TransitionPatch{})
		if err != nil {
			return sub, err
		}
		o.health.RecordCritical(ctx, "pipeline", "extraction exhausted retries", health.SeverityHigh,
			map[string]any{"submissionId": sub.SubmissionID, "error": retryErr.Error()})
		return failed, retryErr
	}

	return o.submissions.TransitionExtraction(ctx, sub.SubmissionID, submission.ExtractionRunning, submission.ExtractionCompleted,
		submission.TransitionPatch{Extracted: result.Products})
}

// evaluateAutoApproval implements the trust-based auto-approval policy: the
// supplier must have at least 10 total submissions with a 90% approval
// rate, and every extracted product must score confidence >= 0.90.
func (o *Orchestrator) evaluateAutoApproval(ctx context.Context, sub *submission.Submission) (bool, string, error) {
	s, findErr := o.suppliers.FindByID(ctx, sub.SupplierID)
	if findErr != nil {
		return false, "supplier_lookup_failed", findErr
	}
	if s == nil {
		return false, "supplier_not_found", nil
	}

	if s.Metrics.TotalSubmissions < 10 {
		return false, "insufficient_submission_history", nil
	}
	approvalRate := 0.0
	if s.Metrics.TotalSubmissions > 0 {
		approvalRate = float64(s.Metrics.ApprovedSubmissions) / float64(s.Metrics.TotalSubmissions)
	}
	if approvalRate < 0.90 {
		return false, "approval_rate_below_threshold", nil
	}
	for _, p := range sub.Extracted {
		if p.Confidence < 0.90 {
			return false, "low_confidence_product", nil
		}
	}
	return true, "trust_threshold_met", nil
}

// logDuplicateMatches runs the DuplicateDetector over every extracted
// product so near-matches surface in logs ahead of ValidationQueue
// presenting the same scores to an admin; it never blocks the pipeline.
func (o *Orchestrator) logDuplicateMatches(ctx context.Context, sub *submission.Submission) {
	if o.duplicates == nil {
		return
	}
	for _, p := range sub.Extracted {
		matches, err := o.duplicates.FindMatches(ctx, duplicate.Query{
			Name: p.Name, Brand: p.Brand, Category: p.Category, Price: p.Price, Condition: p.Condition,
		})
		if err != nil {
			o.logger.WarnContext(ctx, "pipeline: duplicate lookup failed", "error", err)
			continue
		}
		if len(matches) > 0 {
			o.logger.DebugContext(ctx, "pipeline: candidate duplicates found", "submissionId", sub.SubmissionID,
				"product", p.Name, "topScore", matches[0].Score, "action", matches[0].Action)
		}
	}
}

func (o *Orchestrator) upsertAll(ctx context.Context, sub *submission.Submission) error {
	for _, p := range sub.Extracted {
		if err := o.sink.UpsertProduct(ctx, p, sub.SupplierID, sub.SubmissionID); err != nil {
			return err
		}
	}
	return nil
}
