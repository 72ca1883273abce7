// Package validation implements ValidationQueue: the admin-facing queue of
// submissions awaiting a human decision, its priority ordering, bulk
// operations, and the closed feedback taxonomy rejections are recorded
// against.
package validation

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Louguiman/tekra-submissions/apierr"
	"github.com/Louguiman/tekra-submissions/submission"
)

// Priority is a ValidationItem's queue priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// FeedbackCategory is one of the closed taxonomy's top-level categories.
type FeedbackCategory string

const (
	CategoryExtractionError  FeedbackCategory = "extraction_error"
	CategoryPoorQuality      FeedbackCategory = "poor_quality"
	CategoryDuplicateProduct FeedbackCategory = "duplicate_product"
	CategoryInvalidContent   FeedbackCategory = "invalid_content"
	CategoryPolicyViolation  FeedbackCategory = "policy_violation"
)

// feedbackTaxonomy is the closed set of category -> subcategories.
var feedbackTaxonomy = map[FeedbackCategory][]string{
	CategoryExtractionError:  {"wrong_price", "wrong_name", "missing_field", "wrong_category"},
	CategoryPoorQuality:      {"low_confidence", "unclear_text", "incomplete_info"},
	CategoryDuplicateProduct: {"exact_duplicate", "similar_listing"},
	CategoryInvalidContent:   {"spam", "not_a_product", "test_content"},
	CategoryPolicyViolation:  {"prohibited_item", "counterfeit", "misleading"},
}

// FeedbackCategories returns the closed taxonomy, for the admin-facing
// feedbackCategories endpoint.
func FeedbackCategories() map[FeedbackCategory][]string {
	return feedbackTaxonomy
}

// Feedback is the rejection payload validated against the closed taxonomy.
type Feedback struct {
	Category    FeedbackCategory
	Subcategory string
	Description string
	Severity    string
}

// Validate checks Feedback against the closed taxonomy; all four fields
// are required for a rejection.
func (f Feedback) Validate() error {
	subs, ok := feedbackTaxonomy[f.Category]
	if !ok {
		return apierr.New(apierr.KindBadRequest, fmt.Sprintf("unknown feedback category %q", f.Category))
	}
	found := false
	for _, s := range subs {
		if s == f.Subcategory {
			found = true
			break
		}
	}
	if !found {
		return apierr.New(apierr.KindBadRequest, fmt.Sprintf("unknown subcategory %q for category %q", f.Subcategory, f.Category))
	}
	if f.Description == "" {
		return apierr.New(apierr.KindBadRequest, "description is required")
	}
	if f.Severity == "" {
		return apierr.New(apierr.KindBadRequest, "severity is required")
	}
	return nil
}

// Item is a derived view of one product awaiting validation, keyed by
// "submissionId-productIndex".
type Item struct {
	ValidationID    string
	SubmissionID    string
	ProductIndex    int
	Product         submission.ExtractedProduct
	SupplierID      string
	ContentKind     submission.ContentKind
	Priority        Priority
	CreatedAt       int64
	RelatedItems    []string
}

// Filter narrows List results.
type Filter struct {
	SupplierID    string
	ContentKind   submission.ContentKind
	Priority      Priority
	Category      string
	MinConfidence float64
	MaxConfidence float64
	Page          int
	Limit         int
}

// BulkResult summarizes a best-effort bulk operation.
type BulkResult struct {
	Successful   []string
	Failed       []FailedItem
	TotalProcessed int
}

// FailedItem is one failure within a bulk operation.
type FailedItem struct {
	ID     string
	Reason string
}

// NotifySink emits rejection notifications. External collaborator.
type NotifySink interface {
	Send(ctx context.Context, supplierID, message string) error
}

// Queue is the ValidationQueue.
type Queue struct {
	submissions *submission.Store
	sink        IntegrationSink
	retryEnqueue func(ctx context.Context, name, payload string)
	notify      NotifySink
}

// IntegrationSink is the downstream catalogue upsert contract, shared with
// pipeline.IntegrationSink.
type IntegrationSink interface {
	UpsertProduct(ctx context.Context, product submission.ExtractedProduct, supplierID, submissionID string) error
}

// Config bundles Queue's collaborators. RetryEnqueue is called when a
// synchronous sink call fails during approve, so the failure re-enters the
// RetryEngine as kind "integration" rather than being silently dropped.
type Config struct {
	Submissions  *submission.Store
	Sink         IntegrationSink
	RetryEnqueue func(ctx context.Context, name, payload string)
	Notify       NotifySink
}

// New creates a Queue.
func New(cfg Config) *Queue {
	return &Queue{
		submissions:  cfg.Submissions,
		sink:         cfg.Sink,
		retryEnqueue: cfg.RetryEnqueue,
		notify:       cfg.Notify,
	}
}

// ParseID splits a validationId into its submissionId and productIndex.
func ParseID(validationID string) (string, int, error) {
	idx := strings.LastIndex(validationID, "-")
	if idx < 0 {
		return "", 0, apierr.New(apierr.KindBadRequest, "malformed validation id")
	}
	submissionID := validationID[:idx]
	productIndex, err := strconv.Atoi(validationID[idx+1:])
	if err != nil {
		return "", 0, apierr.New(apierr.KindBadRequest, "malformed validation id")
	}
	return submissionID, productIndex, nil
}

func buildID(submissionID string, productIndex int) string {
	return fmt.Sprintf("%s-%d", submissionID, productIndex)
}

// priorityFor implements: high iff any product >= 0.80, low iff all < 0.50,
// else medium.
func priorityFor(products []submission.ExtractedProduct) Priority {
	anyHigh := false
	allLow := true
	for _, p := range products {
		if p.Confidence >= 0.80 {
			anyHigh = true
		}
		if p.Confidence >= 0.50 {
			allLow = false
		}
	}
	if anyHigh {
		return PriorityHigh
	}
	if allLow {
		return PriorityLow
	}
	return PriorityMedium
}

// List returns pending ValidationItems matching filter, sorted by priority
// desc, confidence desc, createdAt asc. Pagination counts validation items
// (one per submissionId-productIndex), not submissions: Page (default 1) and
// Limit (default 50) select one slice of the sorted items. The number of
// matching items is not returned.
func (q *Queue) List(ctx context.Context, filter Filter) ([]Item, error) {
	completed, err := q.submissions.ListByValidationState(ctx, submission.ValidationPending)
	if err != nil {
		return nil, fmt.Errorf("validation: list: %w", err)
	}

	var items []Item
	for _, sub := range completed {
		priority := priorityFor(sub.Extracted)
		relatedIDs := relatedItemIDs(sub)
		for i, p := range sub.Extracted {
			if filter.SupplierID != "" && filter.SupplierID != sub.SupplierID {
				continue
			}
			if filter.ContentKind != "" && filter.ContentKind != sub.ContentKind {
				continue
			}
			if filter.Priority != "" && filter.Priority != priority {
				continue
			}
			if filter.Category != "" && !strings.EqualFold(filter.Category, p.Category) {
				continue
			}
			if filter.MinConfidence > 0 && p.Confidence < filter.MinConfidence {
				continue
			}
			if filter.MaxConfidence > 0 && p.Confidence > filter.MaxConfidence {
				continue
			}
			items = append(items, Item{
				ValidationID: buildID(sub.SubmissionID, i),
				SubmissionID: sub.SubmissionID,
				ProductIndex: i,
				Product:      p,
				SupplierID:   sub.SupplierID,
				ContentKind:  sub.ContentKind,
				Priority:     priority,
				CreatedAt:    sub.CreatedAt.UnixMilli(),
				RelatedItems: relatedIDs,
			})
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		pi, pj := priorityRank(items[i].Priority), priorityRank(items[j].Priority)
		if pi != pj {
			return pi > pj
		}
		if items[i].Product.Confidence != items[j].Product.Confidence {
			return items[i].Product.Confidence > items[j].Product.Confidence
		}
		return items[i].CreatedAt < items[j].CreatedAt
	})

	return paginate(items, filter.Page, filter.Limit), nil
}

func relatedItemIDs(sub *submission.Submission) []string {
	if len(sub.Extracted) <= 1 {
		return nil
	}
	ids := make([]string, 0, len(sub.Extracted))
	for i := range sub.Extracted {
		ids = append(ids, buildID(sub.SubmissionID, i))
	}
	return ids
}

func priorityRank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

func paginate(items []Item, page, limit int) []Item {
	if limit <= 0 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(items) {
		return []Item{}
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

// Get resolves a validationId to its underlying Item.
func (q *Queue) Get(ctx context.Context, validationID string) (*Item, error) {
	submissionID, productIndex, err := ParseID(validationID)
	if err != nil {
		return nil, err
	}
	sub, err := q.submissions.Get(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if productIndex < 0 || productIndex >= len(sub.Extracted) {
		return nil, apierr.New(apierr.KindNotFound, "validation item not found: "+validationID)
	}
	return &Item{
		ValidationID: validationID,
		SubmissionID: sub.SubmissionID,
		ProductIndex: productIndex,
		Product:      sub.Extracted[productIndex],
		SupplierID:   sub.SupplierID,
		ContentKind:  sub.ContentKind,
		Priority:     priorityFor(sub.Extracted),
		CreatedAt:    sub.CreatedAt.UnixMilli(),
		RelatedItems: relatedItemIDs(sub),
	}, nil
}

// Approve merges edits into the product at validationId's index, CAS
// validation to Approved, and synchronously invokes the integration sink.
// A sink failure is logged but does not undo the approval; it is instead
// re-queued through RetryEnqueue under kind "integration".
func (q *Queue) Approve(ctx context.Context, validationID string, edits *submission.ExtractedProduct, adminID, notes string) error {
	submissionID, productIndex, err := ParseID(validationID)
	if err != nil {
		return err
	}
	sub, err := q.submissions.Get(ctx, submissionID)
	if err != nil {
		return err
	}
	if productIndex < 0 || productIndex >= len(sub.Extracted) {
		return apierr.New(apierr.KindNotFound, "validation item not found: "+validationID)
	}

	// Idempotent: a retried approve on an already-approved item observes
	// the current state and returns success without re-transitioning or
	// re-invoking the sink.
	if sub.ValidationState == submission.ValidationApproved {
		return nil
	}

	product := sub.Extracted[productIndex]
	if edits != nil {
		product = mergeEdits(product, *edits)
		sub.Extracted[productIndex] = product
		if err := q.submissions.UpdateExtracted(ctx, submissionID, sub.Extracted); err != nil {
			return err
		}
	}

	if _, err := q.submissions.TransitionValidation(ctx, submissionID, submission.ValidationPending, submission.ValidationApproved,
		submission.TransitionPatch{ValidatedBy: adminID, ValidationNotes: notes}); err != nil {
		return err
	}

	if err := q.sink.UpsertProduct(ctx, product, sub.SupplierID, submissionID); err != nil {
		if q.retryEnqueue != nil {
			q.retryEnqueue(ctx, "integration", validationID)
		}
	}
	return nil
}

func mergeEdits(base, edits submission.ExtractedProduct) submission.ExtractedProduct {
	if edits.Name != "" {
		base.Name = edits.Name
	}
	if edits.Brand != "" {
		base.Brand = edits.Brand
	}
	if edits.Category != "" {
		base.Category = edits.Category
	}
	if edits.Condition != "" {
		base.Condition = edits.Condition
	}
	if edits.Grade != "" {
		base.Grade = edits.Grade
	}
	if edits.Price > 0 {
		base.Price = edits.Price
	}
	if edits.Currency != "" {
		base.Currency = edits.Currency
	}
	if edits.Quantity > 0 {
		base.Quantity = edits.Quantity
	}
	if len(edits.Specs) > 0 {
		if base.Specs == nil {
			base.Specs = map[string]string{}
		}
		for k, v := range edits.Specs {
			base.Specs[k] = v
		}
	}
	return base
}

// Reject validates feedback, CAS's validation to Rejected, and emits a
// notification to the submitting supplier.
func (q *Queue) Reject(ctx context.Context, validationID string, feedback Feedback, adminID string) error {
	if err := feedback.Validate(); err != nil {
		return err
	}
	submissionID, _, err := ParseID(validationID)
	if err != nil {
		return err
	}
	sub, err := q.submissions.Get(ctx, submissionID)
	if err != nil {
		return err
	}

	notes := fmt.Sprintf("%s/%s: %s", feedback.Category, feedback.Subcategory, feedback.Description)
	if _, err := q.submissions.TransitionValidation(ctx, submissionID, submission.ValidationPending, submission.ValidationRejected,
		submission.TransitionPatch{ValidatedBy: adminID, ValidationNotes: notes}); err != nil {
		return err
	}

	if q.notify != nil {
		_ = q.notify.Send(ctx, sub.SupplierID, "Your submission was rejected: "+feedback.Description)
	}
	return nil
}

// BulkApprove approves each validationId independently; a failure on one
// item does not abort the remaining items.
func (q *Queue) BulkApprove(ctx context.Context, validationIDs []string, adminID, notes string) BulkResult {
	var res BulkResult
	for _, id := range validationIDs {
		res.TotalProcessed++
		if err := q.Approve(ctx, id, nil, adminID, notes); err != nil {
			res.Failed = append(res.Failed, FailedItem{ID: id, Reason: err.Error()})
			continue
		}
		res.Successful = append(res.Successful, id)
	}
	return res
}

// BulkReject rejects each validationId independently with the same
// feedback; a failure on one item does not abort the remaining items.
func (q *Queue) BulkReject(ctx context.Context, validationIDs []string, feedback Feedback, adminID string) BulkResult {
	var res BulkResult
	for _, id := range validationIDs {
		res.TotalProcessed++
		if err := q.Reject(ctx, id, feedback, adminID); err != nil {
			res.Failed = append(res.Failed, FailedItem{ID: id, Reason: err.Error()})
			continue
		}
		res.Successful = append(res.Successful, id)
	}
	return res
}
