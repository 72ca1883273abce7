package duplicate_test

import (
	"context"
	"testing"

	"github.com/Louguiman/tekra-submissions/dbopen"
	"github.com/Louguiman/tekra-submissions/duplicate"
)

func newTestDetector(t *testing.T) *duplicate.Detector {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(duplicate.Schema))
	_, err := db.Exec(`INSERT INTO catalog_product (product_id, name, brand, category, price, condition, created_at)
		VALUES ('p1', 'iPhone 12 128GB', 'Apple', 'phone', 150000, 'new', 0)`)
	if err != nil {
		t.Fatal(err)
	}
	return duplicate.New(db)
}

func TestFindMatchesRecallsByNameToken(t *testing.T) {
	d := newTestDetector(t)
	matches, err := d.FindMatches(context.Background(), duplicate.Query{
		Name: "iPhone 12 64GB", Brand: "Apple", Category: "phone", Price: 148000, Condition: "new",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) == 0 {
		t.Fatal("expected at least one match")
	}
	if matches[0].ProductID != "p1" {
		t.Fatalf("expected p1, got %s", matches[0].ProductID)
	}
}

func TestFindMatchesHighScoreSuggestsMerge(t *testing.T) {
	d := newTestDetector(t)
	matches, err := d.FindMatches(context.Background(), duplicate.Query{
		Name: "iPhone 12 128GB", Brand: "Apple", Category: "phone", Price: 150000, Condition: "new",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) == 0 {
		t.Fatal("expected a match")
	}
	if matches[0].Action != duplicate.ActionMerge {
		t.Fatalf("expected merge for a near-identical product, got %s (score %.2f)", matches[0].Action, matches[0].Score)
	}
}

func TestFindMatchesUnrelatedProductReturnsNothing(t *testing.T) {
	d := newTestDetector(t)
	matches, err := d.FindMatches(context.Background(), duplicate.Query{
		Name: "Climatiseur LG 1.5CV", Brand: "LG", Category: "appliance", Price: 200000, Condition: "new",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no matches for an unrelated product, got %+v", matches)
	}
}
