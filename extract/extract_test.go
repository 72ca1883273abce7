package extract_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Louguiman/tekra-submissions/extract"
)

func TestExtractStripsHTMLBeforePassA(t *testing.T) {
	e := extract.New(nil, false)
	result := e.Extract("<p>iPhone 12 64go neuf 150000 FCFA</p>")
	if len(result.Products) == 0 {
		t.Fatal("expected Pass A to find a product once tags are stripped")
	}
	if result.Products[0].Price == 0 {
		t.Fatalf("expected a parsed price after HTML stripping, got %+v", result.Products[0])
	}
}

func TestLoadLexiconFileOverridesPriorityTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lexicon.yaml")
	custom := `
priority_table:
  - field: price
    weight: 9
    pattern: '(?i)(\d[\d\s.,]{2,})\s?(fcfa|xof|cfa)'
categories:
  drone: electronics
`
	if err := os.WriteFile(path, []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}
	rules, categories, err := extract.LoadLexiconFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	if categories["drone"] != "electronics" {
		t.Fatalf("expected custom category to load, got %v", categories)
	}
}

func TestLoadLexiconFileRejectsMissingPath(t *testing.T) {
	if _, _, err := extract.LoadLexiconFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing lexicon file")
	}
}

func TestExtractPassAFindsPriceAndBrand(t *testing.T) {
	e := extract.New(nil, false)
	result := e.Extract("iPhone 12 64go neuf 150000 FCFA")
	if len(result.Products) == 0 {
		t.Fatal("expected at least one product")
	}
	p := result.Products[0]
	if p.Price == 0 {
		t.Fatalf("expected a parsed price, got %+v", p)
	}
	if p.Brand == "" {
		t.Fatalf("expected a parsed brand, got %+v", p)
	}
	if p.Condition != "new" {
		t.Fatalf("expected condition=new, got %q", p.Condition)
	}
	if p.Currency != "XOF" {
		t.Fatalf("expected default currency XOF, got %q", p.Currency)
	}
}

func TestExtractFindsRAMScreenAndColor(t *testing.T) {
	e := extract.New(nil, false)
	result := e.Extract("MacBook Pro 16go ram 13.3 pouces gris neuf 850000 FCFA")
	if len(result.Products) == 0 {
		t.Fatal("expected at least one product")
	}
	p := result.Products[0]
	if p.Specs["ram"] != "16" {
		t.Fatalf("expected ram spec, got %+v", p.Specs)
	}
	if p.Specs["screen"] != "13.3" {
		t.Fatalf("expected screen spec, got %+v", p.Specs)
	}
	if p.Specs["color"] != "Gris" {
		t.Fatalf("expected color spec, got %+v", p.Specs)
	}
}

func TestExtractDefaultsQuantityAndCurrency(t *testing.T) {
	e := extract.New(nil, false)
	result := e.Extract("Samsung Galaxy A12 occasion 45000")
	if len(result.Products) == 0 {
		t.Fatal("expected at least one product")
	}
	if result.Products[0].Quantity != 1 {
		t.Fatalf("expected default quantity 1, got %d", result.Products[0].Quantity)
	}
	if result.Products[0].Currency != "XOF" {
		t.Fatalf("expected default currency XOF, got %q", result.Products[0].Currency)
	}
}

func TestExtractRejectsShortGarbage(t *testing.T) {
	e := extract.New(nil, false)
	result := e.Extract("hi")
	if len(result.Products) != 0 {
		t.Fatalf("expected no products for unparseable input, got %+v", result.Products)
	}
}

type stubLLM struct {
	response string
	err      error
}

func (s stubLLM) Complete(prompt string, timeout time.Duration) (string, error) {
	return s.response, s.err
}

func TestExtractPassBFallsBackOnLLMError(t *testing.T) {
	e := extract.New(stubLLM{err: errors.New("timeout")}, true)
	result := e.Extract("iPhone 12 64go neuf 150000 FCFA")
	if !result.FallbackUsed {
		t.Fatal("expected fallbackUsed=true when the LLM call fails")
	}
	if len(result.Products) == 0 {
		t.Fatal("expected Pass-A products to survive the fallback")
	}
}

func TestExtractPassBMergesOnSuccess(t *testing.T) {
	resp := `{"products":[{"name":"iPhone 12 Pro","brand":"Apple","price":155000}]}`
	e := extract.New(stubLLM{response: resp}, true)
	result := e.Extract("iPhone 12 64go neuf 150000 FCFA")
	if result.FallbackUsed {
		t.Fatal("did not expect fallback when the LLM responds successfully")
	}
	if len(result.Products) == 0 {
		t.Fatal("expected at least one product")
	}
	if result.Products[0].Brand != "Apple" {
		t.Fatalf("expected LLM brand to win, got %q", result.Products[0].Brand)
	}
}

func TestExtractPassBFallsBackOnMalformedJSON(t *testing.T) {
	e := extract.New(stubLLM{response: "not json at all"}, true)
	result := e.Extract("iPhone 12 64go neuf 150000 FCFA")
	if !result.FallbackUsed {
		t.Fatal("expected fallbackUsed=true for malformed LLM output")
	}
}
