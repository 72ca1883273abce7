package extract

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Louguiman/tekra-submissions/submission"
)

// llmTimeout is the per-call deadline for the Pass-B enhancement request.
const llmTimeout = 20 * time.Second

// llmResponse is the shape the enhancement prompt asks the model to return.
type llmResponse struct {
	Products []llmProduct `json:"products"`
}

type llmProduct struct {
	Name      *string            `json:"name"`
	Brand     *string            `json:"brand"`
	Category  *string            `json:"category"`
	Condition *string            `json:"condition"`
	Grade     *string            `json:"grade"`
	Price     *float64           `json:"price"`
	Currency  *string            `json:"currency"`
	Quantity  *int               `json:"quantity"`
	Specs     map[string]string  `json:"specs"`
}

// passB builds a prompt from the original text and the Pass-A result, calls
// the LLM once, and merges the response field-by-field (LLM wins when
// non-null). It is never retried within a single call; the RetryEngine
// drives retries at submission granularity instead. Returns ok=false on
// any parse, network, or timeout failure so the caller falls back to
// Pass-A's output untouched.
func (e *Extractor) passB(text string, passA []submission.ExtractedProduct) ([]submission.ExtractedProduct, bool) {
	prompt := buildPrompt(text, passA)
	raw, err := e.llm.Complete(prompt, llmTimeout)
	if err != nil {
		return nil, false
	}

	obj := extractFirstJSONObject(raw)
	if obj == "" {
		return nil, false
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(obj), &resp); err != nil {
		return nil, false
	}

	merged := make([]submission.ExtractedProduct, len(passA))
	copy(merged, passA)
	for i := range merged {
		if i >= len(resp.Products) {
			continue
		}
		merged[i] = mergeProduct(merged[i], resp.Products[i])
	}
	return merged, true
}

func buildPrompt(text string, passA []submission.ExtractedProduct) string {
	var b strings.Builder
	b.WriteString("Extract structured product offers from the supplier message below. ")
	b.WriteString("Return a single JSON object: {\"products\":[{\"name\":...,\"brand\":...,")
	b.WriteString("\"category\":...,\"condition\":...,\"grade\":...,\"price\":...,\"currency\":...,")
	b.WriteString("\"quantity\":...,\"specs\":{...}}]}. Use null for fields you cannot determine.\n\n")
	b.WriteString("Message:\n")
	b.WriteString(text)
	b.WriteString("\n\nRule-based draft:\n")
	for _, p := range passA {
		fmt.Fprintf(&b, "- %s (brand=%s price=%.0f confidence=%.2f)\n", p.Name, p.Brand, p.Price, p.Confidence)
	}
	return b.String()
}

func extractFirstJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func mergeProduct(base submission.ExtractedProduct, patch llmProduct) submission.ExtractedProduct {
	fields := append([]string{}, base.Meta.ExtractedFields...)
	has := func(f string) bool {
		for _, x := range fields {
			if x == f {
				return true
			}
		}
		return false
	}
	add := func(f string) {
		if !has(f) {
			fields = append(fields, f)
		}
	}

	if patch.Name != nil && *patch.Name != "" {
		base.Name = *patch.Name
		add("name")
	}
	if patch.Brand != nil && *patch.Brand != "" {
		base.Brand = *patch.Brand
		add("brand")
	}
	if patch.Category != nil && *patch.Category != "" {
		base.Category = *patch.Category
		add("category")
	}
	if patch.Condition != nil && *patch.Condition != "" {
		base.Condition = *patch.Condition
		add("condition")
	}
	if patch.Grade != nil && *patch.Grade != "" {
		base.Grade = *patch.Grade
		add("grade")
	}
	if patch.Price != nil && *patch.Price > 0 {
		base.Price = *patch.Price
		add("price")
	}
	if patch.Currency != nil && *patch.Currency != "" {
		base.Currency = *patch.Currency
	}
	if patch.Quantity != nil && *patch.Quantity > 0 {
		base.Quantity = *patch.Quantity
		add("quantity")
	}
	if len(patch.Specs) > 0 {
		if base.Specs == nil {
			base.Specs = map[string]string{}
		}
		for k, v := range patch.Specs {
			base.Specs[k] = v
		}
		add("specs")
	}

	base.Meta.ExtractedFields = fields
	hasEssentials := base.Name != "" && base.Price > 0
	essentialScore := 0.4
	if hasEssentials {
		essentialScore = 0.7
	}
	fieldBonus := float64(len(fields)) / 10.0 * 0.3
	if fieldBonus > 0.3 {
		fieldBonus = 0.3
	}
	base.Confidence = clamp01(essentialScore + fieldBonus)
	return base
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
