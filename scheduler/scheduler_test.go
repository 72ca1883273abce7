package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/Louguiman/tekra-submissions/config"
	"github.com/Louguiman/tekra-submissions/dbopen"
	"github.com/Louguiman/tekra-submissions/duplicate"
	"github.com/Louguiman/tekra-submissions/extract"
	"github.com/Louguiman/tekra-submissions/health"
	"github.com/Louguiman/tekra-submissions/observability"
	"github.com/Louguiman/tekra-submissions/pipeline"
	"github.com/Louguiman/tekra-submissions/retry"
	"github.com/Louguiman/tekra-submissions/scheduler"
	"github.com/Louguiman/tekra-submissions/submission"
	"github.com/Louguiman/tekra-submissions/supplier"
)

type stubSink struct{ upserts int }

func (s *stubSink) UpsertProduct(ctx context.Context, product submission.ExtractedProduct, supplierID, submissionID string) error {
	s.upserts++
	return nil
}

type stubAudit struct{}

func (s *stubAudit) Record(ctx context.Context, action, actor, detail string) {}

func newTestScheduler(t *testing.T) (*scheduler.Scheduler, *submission.Store, *supplier.Registry) {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(
		supplier.Schema+submission.Schema+retry.Schema+health.Schema+duplicate.Schema))

	subs := submission.New(db)
	sups := supplier.New(db)
	re := retry.New(db, nil)
	hm := health.New(db, subs, &config.Config{}, &stubAudit{})
	dd := duplicate.New(db)
	ex := extract.New(nil, false)
	sink := &stubSink{}

	orch := pipeline.New(pipeline.Config{
		Submissions: subs, Suppliers: sups, Extractor: ex, Duplicates: dd,
		Sink: sink, RetryEngine: re, Health: hm, Audit: &stubAudit{},
	})

	sched := scheduler.New(scheduler.Config{
		Submissions: subs, Orchestrator: orch, RetryEngine: re, Health: hm,
		PendingSweepBatch: 10, StuckThreshold: time.Hour, StaleThreshold: 24 * time.Hour,
	})
	return sched, subs, sups
}

func TestRunProcessesPendingSubmissionsOnFirstTick(t *testing.T) {
	sched, subs, sups := newTestScheduler(t)
	ctx := context.Background()

	sup, err := sups.Create(ctx, "+221700000099")
	if err != nil {
		t.Fatal(err)
	}
	sub, err := subs.Insert(ctx, submission.NewSubmission{
		SupplierID: sup.SupplierID, ExternalMessageID: "m1", ContentKind: submission.ContentText,
		OriginalContent: "hi",
	})
	if err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	sched.Run(runCtx)

	got, err := subs.Get(ctx, sub.SubmissionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExtractionState != submission.ExtractionCompleted {
		t.Fatalf("expected the first tick to process the pending submission, got %s", got.ExtractionState)
	}
}

func TestRunWritesHeartbeatWhenDBConfigured(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(
		supplier.Schema+submission.Schema+retry.Schema+health.Schema+duplicate.Schema+observability.Schema))

	subs := submission.New(db)
	re := retry.New(db, nil)
	hm := health.New(db, subs, &config.Config{}, &stubAudit{})
	dd := duplicate.New(db)
	ex := extract.New(nil, false)
	orch := pipeline.New(pipeline.Config{
		Submissions: subs, Extractor: ex, Duplicates: dd,
		Sink: &stubSink{}, RetryEngine: re, Health: hm, Audit: &stubAudit{},
	})

	sched := scheduler.New(scheduler.Config{
		Submissions: subs, Orchestrator: orch, RetryEngine: re, Health: hm,
		DB: db, WorkerName: "test-worker", HeartbeatInterval: 20 * time.Millisecond,
		StuckThreshold: time.Hour, StaleThreshold: 24 * time.Hour,
	})

	runCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	sched.Run(runCtx)

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM worker_heartbeats WHERE worker_name = ?", "test-worker").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count == 0 {
		t.Fatal("expected at least one heartbeat row for test-worker")
	}
}
