package supplier_test

import (
	"context"
	"testing"

	"github.com/Louguiman/tekra-submissions/dbopen"
	"github.com/Louguiman/tekra-submissions/supplier"
)

func newTestRegistry(t *testing.T) *supplier.Registry {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(supplier.Schema))
	return supplier.New(db)
}

func TestFindByPhoneNotFound(t *testing.T) {
	r := newTestRegistry(t)
	s, err := r.FindByPhone(context.Background(), "+221700000000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != nil {
		t.Fatalf("expected nil, got %+v", s)
	}
}

func TestBumpActivityIncrementsTotalSubmissions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	s, err := r.Create(ctx, "+221700000001")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.BumpActivity(ctx, s.SupplierID); err != nil {
		t.Fatal(err)
	}
	got, err := r.FindByPhone(ctx, "+221700000001")
	if err != nil {
		t.Fatal(err)
	}
	if got.Metrics.TotalSubmissions != 1 {
		t.Fatalf("total submissions = %d, want 1", got.Metrics.TotalSubmissions)
	}
}

func TestRecordOutcomeSmoothing(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	s, err := r.Create(ctx, "+221700000002")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := r.BumpActivity(ctx, s.SupplierID); err != nil {
			t.Fatal(err)
		}
		if err := r.RecordOutcome(ctx, s.SupplierID, true, 0.95, 100); err != nil {
			t.Fatal(err)
		}
	}
	got, err := r.FindByPhone(ctx, "+221700000002")
	if err != nil {
		t.Fatal(err)
	}
	if got.Metrics.ApprovedSubmissions != 10 {
		t.Fatalf("approved = %d, want 10", got.Metrics.ApprovedSubmissions)
	}
	if got.Metrics.QualityRating < 4.5 || got.Metrics.QualityRating > 5.0 {
		t.Fatalf("quality rating = %v, want near 5", got.Metrics.QualityRating)
	}
}
