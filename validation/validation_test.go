package validation_test

import (
	"context"
	"testing"

	"github.com/Louguiman/tekra-submissions/dbopen"
	"github.com/Louguiman/tekra-submissions/submission"
	"github.com/Louguiman/tekra-submissions/validation"
)

type stubSink struct {
	upserts []submission.ExtractedProduct
	fail    bool
}

func (s *stubSink) UpsertProduct(ctx context.Context, product submission.ExtractedProduct, supplierID, submissionID string) error {
	if s.fail {
		return context.DeadlineExceeded
	}
	s.upserts = append(s.upserts, product)
	return nil
}

type stubNotify struct {
	sent []string
}

func (s *stubNotify) Send(ctx context.Context, supplierID, message string) error {
	s.sent = append(s.sent, message)
	return nil
}

func setup(t *testing.T, sinkFails bool) (*validation.Queue, *submission.Store, *stubSink, *stubNotify) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(submission.Schema))
	subs := submission.New(db)
	sink := &stubSink{fail: sinkFails}
	notify := &stubNotify{}
	var retried []string
	q := validation.New(validation.Config{
		Submissions: subs,
		Sink:        sink,
		RetryEnqueue: func(ctx context.Context, name, payload string) {
			retried = append(retried, payload)
		},
		Notify: notify,
	})
	return q, subs, sink, notify
}

func completedSubmission(t *testing.T, subs *submission.Store, products []submission.ExtractedProduct) *submission.Submission {
	t.Helper()
	ctx := context.Background()
	sub, err := subs.Insert(ctx, submission.NewSubmission{
		SupplierID: "sup_1", ExternalMessageID: "msg-" + products[0].Name, ContentKind: submission.ContentText,
		OriginalContent: "n/a",
	})
	if err != nil {
		t.Fatal(err)
	}
	sub, err = subs.TransitionExtraction(ctx, sub.SubmissionID, submission.ExtractionPending, submission.ExtractionRunning, submission.TransitionPatch{})
	if err != nil {
		t.Fatal(err)
	}
	sub, err = subs.TransitionExtraction(ctx, sub.SubmissionID, submission.ExtractionRunning, submission.ExtractionCompleted, submission.TransitionPatch{Extracted: products})
	if err != nil {
		t.Fatal(err)
	}
	return sub
}

func TestListOrdersByPriorityThenConfidence(t *testing.T) {
	q, subs, _, _ := setup(t, false)
	completedSubmission(t, subs, []submission.ExtractedProduct{{Name: "low", Confidence: 0.2}})
	completedSubmission(t, subs, []submission.ExtractedProduct{{Name: "high", Confidence: 0.85}})

	items, err := q.List(context.Background(), validation.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Product.Name != "high" {
		t.Fatalf("expected high-priority item first, got %s", items[0].Product.Name)
	}

	// Within the same priority, higher confidence comes first.
	completedSubmission(t, subs, []submission.ExtractedProduct{{Name: "higher", Confidence: 0.95}})
	items, err = q.List(context.Background(), validation.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 || items[0].Product.Name != "higher" || items[1].Product.Name != "high" {
		t.Fatalf("expected higher (0.95) before high (0.85), got %+v", items)
	}
}

func TestApproveMergesEditsAndUpserts(t *testing.T) {
	q, subs, sink, _ := setup(t, false)
	sub := completedSubmission(t, subs, []submission.ExtractedProduct{{Name: "iPhone", Confidence: 0.7}})

	items, err := q.List(context.Background(), validation.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}

	edits := &submission.ExtractedProduct{Brand: "Apple"}
	if err := q.Approve(context.Background(), items[0].ValidationID, edits, "admin1", "looks good"); err != nil {
		t.Fatal(err)
	}
	if len(sink.upserts) != 1 || sink.upserts[0].Brand != "Apple" {
		t.Fatalf("expected merged brand to reach the sink, got %+v", sink.upserts)
	}

	got, err := subs.Get(context.Background(), sub.SubmissionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ValidationState != submission.ValidationApproved {
		t.Fatalf("expected Approved, got %s", got.ValidationState)
	}
}

func TestApproveSinkFailureStillApprovesAndRequeues(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(submission.Schema))
	subs := submission.New(db)
	var requeued []string
	q := validation.New(validation.Config{
		Submissions: subs,
		Sink:        &stubSink{fail: true},
		RetryEnqueue: func(ctx context.Context, name, payload string) {
			requeued = append(requeued, name+" "+payload)
		},
		Notify: &stubNotify{},
	})
	completedSubmission(t, subs, []submission.ExtractedProduct{{Name: "iPhone", Confidence: 0.7}})

	items, err := q.List(context.Background(), validation.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Approve(context.Background(), items[0].ValidationID, nil, "admin1", ""); err != nil {
		t.Fatalf("approve should not fail just because the sink did: %v", err)
	}

	got, err := subs.Get(context.Background(), items[0].SubmissionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ValidationState != submission.ValidationApproved {
		t.Fatalf("expected Approved despite sink failure, got %s", got.ValidationState)
	}
	if len(requeued) != 1 || requeued[0] != "integration "+items[0].ValidationID {
		t.Fatalf("expected one integration requeue for %s, got %v", items[0].ValidationID, requeued)
	}
}

func TestApproveIsIdempotentOnSecondCall(t *testing.T) {
	q, subs, sink, _ := setup(t, false)
	completedSubmission(t, subs, []submission.ExtractedProduct{{Name: "iPhone", Confidence: 0.7}})

	items, err := q.List(context.Background(), validation.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	validationID := items[0].ValidationID

	if err := q.Approve(context.Background(), validationID, nil, "admin1", ""); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if err := q.Approve(context.Background(), validationID, nil, "admin1", ""); err != nil {
		t.Fatalf("second approve should succeed idempotently, got: %v", err)
	}

	got, err := subs.Get(context.Background(), items[0].SubmissionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ValidationState != submission.ValidationApproved {
		t.Fatalf("expected Approved, got %s", got.ValidationState)
	}
	if len(sink.upserts) != 1 {
		t.Fatalf("expected the sink to be invoked only once, got %d", len(sink.upserts))
	}
}

func TestRejectRejectsUnknownTaxonomyEntry(t *testing.T) {
	q, subs, _, _ := setup(t, false)
	completedSubmission(t, subs, []submission.ExtractedProduct{{Name: "iPhone", Confidence: 0.7}})
	items, err := q.List(context.Background(), validation.Filter{})
	if err != nil {
		t.Fatal(err)
	}

	err = q.Reject(context.Background(), items[0].ValidationID, validation.Feedback{
		Category: "not_a_real_category", Subcategory: "x", Description: "d", Severity: "low",
	}, "admin1")
	if err == nil {
		t.Fatal("expected an error for an unknown feedback category")
	}
}

func TestRejectWithValidTaxonomyEntryNotifiesSupplier(t *testing.T) {
	q, subs, _, notify := setup(t, false)
	completedSubmission(t, subs, []submission.ExtractedProduct{{Name: "iPhone", Confidence: 0.7}})
	items, err := q.List(context.Background(), validation.Filter{})
	if err != nil {
		t.Fatal(err)
	}

	err = q.Reject(context.Background(), items[0].ValidationID, validation.Feedback{
		Category: validation.CategoryPoorQuality, Subcategory: "low_confidence", Description: "too vague", Severity: "low",
	}, "admin1")
	if err != nil {
		t.Fatal(err)
	}
	if len(notify.sent) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notify.sent))
	}

	got, err := subs.Get(context.Background(), items[0].SubmissionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ValidationState != submission.ValidationRejected {
		t.Fatalf("expected Rejected, got %s", got.ValidationState)
	}
}

func TestBulkApproveIsBestEffort(t *testing.T) {
	q, subs, _, _ := setup(t, false)
	completedSubmission(t, subs, []submission.ExtractedProduct{{Name: "a", Confidence: 0.5}})
	completedSubmission(t, subs, []submission.ExtractedProduct{{Name: "b", Confidence: 0.5}})

	items, err := q.List(context.Background(), validation.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	ids := []string{items[0].ValidationID, items[1].ValidationID, "bogus-0"}
	res := q.BulkApprove(context.Background(), ids, "admin1", "")
	if len(res.Successful) != 2 {
		t.Fatalf("expected 2 successes, got %d", len(res.Successful))
	}
	if len(res.Failed) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(res.Failed))
	}
}
