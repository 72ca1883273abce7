// Package extract implements the Extractor: a deterministic rule-based pass
// over free-form supplier text, optionally enhanced by a call to an external
// LLM, producing structured ExtractedProduct values with a confidence score.
package extract

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Louguiman/tekra-submissions/submission"
)

// fieldRule is a regex field extractor with its relative priority (weight);
// higher wins when multiple patterns would otherwise match the same token.
type fieldRule struct {
	field  string
	weight int
	re     *regexp.Regexp
}

// priorityTable is the ordered regex extractor table, highest weight first.
// First match per field wins; later, lower-weight rules for a field already
// populated are skipped. Loaded from lexicon.yaml (embedded default, or an
// operator override read from LEXICON_PATH at process start).
var priorityTable []fieldRule

// categoryLexicon maps a keyword token to the category it implies. Loaded
// alongside priorityTable.
var categoryLexicon map[string]string

func init() {
	if path := os.Getenv("LEXICON_PATH"); path != "" {
		if rules, cats, err := LoadLexiconFile(path); err == nil {
			priorityTable, categoryLexicon = rules, cats
			return
		}
	}
	priorityTable, categoryLexicon = mustCompileDefaultLexicon()
}

var controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F]`)
var whitespace = regexp.MustCompile(`\s+`)
var sentenceBoundary = regexp.MustCompile(`[.!?]\s+`)
var bulletPrefix = regexp.MustCompile(`^[\-\*•\d]+[.)\s]`)
var capitalizedPrefix = regexp.MustCompile(`^[A-Z][A-Za-z]{2,}\b`)

// Result is the output of a single Extract call.
type Result struct {
	Products     []submission.ExtractedProduct
	FallbackUsed bool
}

// LLMClient is the interface Pass B uses to reach the external LLM. It is
// satisfied by HTTPLLMClient, whose HTTP transport is wrapped in a circuit
// breaker; tests substitute a stub.
type LLMClient interface {
	Complete(prompt string, timeout time.Duration) (string, error)
}

// Extractor runs the two-pass extraction contract.
type Extractor struct {
	llm        LLMClient
	llmEnabled bool
	extractorID string
}

// New creates an Extractor. llm may be nil when llmEnabled is false.
func New(llm LLMClient, llmEnabled bool) *Extractor {
	return &Extractor{llm: llm, llmEnabled: llmEnabled, extractorID: "extractor-v1"}
}

// Extract runs Pass A, then Pass B when enabled, over raw text already
// recovered from the submission's original content (image/pdf/voice
// transcription happens upstream of this package).
func (e *Extractor) Extract(text string) Result {
	start := time.Now()
	sections := preprocessAndSplit(text)

	var products []submission.ExtractedProduct
	for _, section := range sections {
		p, ok := extractSection(section)
		if !ok {
			continue
		}
		p.Meta = submission.ProductMeta{
			SourceKind:   "text",
			ProcessingMs: time.Since(start).Milliseconds(),
			ExtractorID:  e.extractorID,
		}
		products = append(products, p)
	}

	fallbackUsed := false
	if e.llmEnabled && e.llm != nil {
		enhanced, ok := e.passB(text, products)
		if ok {
			products = enhanced
		} else {
			fallbackUsed = true
			for i := range products {
				products[i].Meta.FallbackUsed = true
			}
		}
	}

	return Result{Products: products, FallbackUsed: fallbackUsed}
}

// preprocessAndSplit strips control characters, normalizes whitespace, and
// splits the input into per-product candidate sections.
func preprocessAndSplit(text string) []string {
	clean := stripHTML(text)
	clean = controlChars.ReplaceAllString(clean, "")
	clean = whitespace.ReplaceAllString(clean, " ")
	clean = strings.TrimSpace(clean)
	if clean == "" {
		return nil
	}

	var lines []string
	for _, l := range strings.FieldsFunc(clean, func(r rune) bool { return r == '\n' || r == ';' }) {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		for _, s := range sentenceBoundary.Split(l, -1) {
			s = strings.TrimSpace(s)
			if len(s) >= 3 {
				lines = append(lines, s)
			}
		}
	}

	var sections []string
	var current strings.Builder
	for _, l := range lines {
		startsNew := bulletPrefix.MatchString(l) || capitalizedPrefix.MatchString(l)
		if startsNew && current.Len() > 0 {
			sections = append(sections, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(l)
	}
	if current.Len() > 0 {
		sections = append(sections, current.String())
	}
	if len(sections) == 0 {
		sections = []string{clean}
	}
	return sections
}

// knownMetadataOnly recognizes lines that carry only metadata (price,
// quantity) and should not be mistaken for a product name line.
var knownMetadataOnly = regexp.MustCompile(`(?i)^\s*(\d[\d\s.,]*)\s?(fcfa|xof|cfa)?\s*$`)

func extractSection(section string) (submission.ExtractedProduct, bool) {
	name, ok := findProductName(section)
	fields := map[string]string{}
	matched := map[string]bool{}

	for _, rule := range priorityTable {
		field := rule.field
		if field == "price_bare" {
			field = "price"
		}
		if matched[field] {
			continue
		}
		m := rule.re.FindStringSubmatch(section)
		if m == nil {
			continue
		}
		matched[field] = true
		fields[field] = strings.TrimSpace(m[1])
	}

	p := submission.ExtractedProduct{
		Name:     name,
		Currency: "XOF",
		Quantity: 1,
	}
	var extractedFields []string
	if ok {
		extractedFields = append(extractedFields, "name")
	}
	if v, present := fields["brand"]; present {
		p.Brand = capitalize(v)
		extractedFields = append(extractedFields, "brand")
	}
	if v, present := fields["condition"]; present {
		p.Condition = normalizeCondition(v)
		extractedFields = append(extractedFields, "condition")
	}
	if v, present := fields["grade"]; present {
		p.Grade = strings.ToUpper(v)
		extractedFields = append(extractedFields, "grade")
	}
	if v, present := fields["currency"]; present {
		switch c := strings.ToUpper(v); c {
		case "FCFA", "CFA":
			p.Currency = "XOF"
		default:
			p.Currency = c
		}
	}
	if v, present := fields["quantity"]; present {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.Quantity = n
			extractedFields = append(extractedFields, "quantity")
		}
	}
	if v, present := fields["price"]; present {
		if price, ok := parsePrice(v); ok {
			p.Price = price
			extractedFields = append(extractedFields, "price")
		}
	}
	if v, present := fields["storage"]; present {
		if p.Specs == nil {
			p.Specs = map[string]string{}
		}
		p.Specs["storage"] = v
		extractedFields = append(extractedFields, "specs")
	}
	if v, present := fields["ram"]; present {
		if p.Specs == nil {
			p.Specs = map[string]string{}
		}
		p.Specs["ram"] = v
		extractedFields = append(extractedFields, "specs")
	}
	if v, present := fields["screen"]; present {
		if p.Specs == nil {
			p.Specs = map[string]string{}
		}
		p.Specs["screen"] = v
		extractedFields = append(extractedFields, "specs")
	}
	if v, present := fields["color"]; present {
		if p.Specs == nil {
			p.Specs = map[string]string{}
		}
		p.Specs["color"] = capitalize(v)
		extractedFields = append(extractedFields, "specs")
	}

	p.Category = inferCategory(p.Name + " " + section)
	if p.Category != "" {
		extractedFields = append(extractedFields, "category")
	}
	p.Meta.ExtractedFields = extractedFields

	if !ok && len(extractedFields) < 2 {
		return submission.ExtractedProduct{}, false
	}

	p.Confidence = computeConfidence(p, ok, extractedFields)
	return p, true
}

func findProductName(section string) (string, bool) {
	candidates := strings.FieldsFunc(section, func(r rune) bool { return r == '.' })
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if len(c) < 3 || knownMetadataOnly.MatchString(c) {
			continue
		}
		if hasBrandOrModelToken(c) {
			return truncateName(c), true
		}
	}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if len(c) >= 3 && !knownMetadataOnly.MatchString(c) {
			return truncateName(c), true
		}
	}
	return "", false
}

func truncateName(s string) string {
	const maxLen = 120
	if len(s) > maxLen {
		return strings.TrimSpace(s[:maxLen])
	}
	return s
}

func hasBrandOrModelToken(s string) bool {
	lower := strings.ToLower(s)
	for brand := range categoryLexicon {
		if strings.Contains(lower, brand) {
			return true
		}
	}
	return priorityTable[3].re.MatchString(s)
}

func capitalize(s string) string {
	lower := strings.ToLower(s)
	if lower == "" {
		return lower
	}
	return strings.ToUpper(lower[:1]) + lower[1:]
}

func normalizeCondition(raw string) string {
	switch strings.ToLower(raw) {
	case "neuf", "new":
		return "new"
	case "occasion", "used":
		return "used"
	case "reconditionné", "reconditionne", "refurbished":
		return "refurbished"
	default:
		return strings.ToLower(raw)
	}
}

func parsePrice(raw string) (float64, bool) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	if digits == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func inferCategory(text string) string {
	lower := strings.ToLower(text)
	for token, category := range categoryLexicon {
		if strings.Contains(lower, token) {
			return category
		}
	}
	return ""
}

// computeConfidence implements the weighted-coverage formula: essentials
// (name, price) 40%, important (brand, category, condition) 30%, bonus
// (quantity, specs) 20%, completeness 10%.
func computeConfidence(p submission.ExtractedProduct, hasName bool, fields []string) float64 {
	has := func(f string) bool {
		for _, x := range fields {
			if x == f {
				return true
			}
		}
		return false
	}

	essentials := 0.0
	if hasName {
		essentials += 0.5
	}
	if has("price") {
		essentials += 0.5
	}

	important := 0.0
	importantFields := []string{"brand", "category", "condition"}
	for _, f := range importantFields {
		if has(f) {
			important += 1.0 / float64(len(importantFields))
		}
	}

	bonus := 0.0
	bonusFields := []string{"quantity", "specs"}
	for _, f := range bonusFields {
		if has(f) {
			bonus += 1.0 / float64(len(bonusFields))
		}
	}

	completeness := float64(len(fields)) / 7.0
	if completeness > 1 {
		completeness = 1
	}

	score := essentials*0.4 + important*0.3 + bonus*0.2 + completeness*0.1
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
