// Package duplicate implements the DuplicateDetector: candidate recall
// against an existing product catalogue followed by weighted similarity
// scoring, used to suggest merge/update/ignore actions during validation.
package duplicate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Schema is the DDL for the catalog_product table DuplicateDetector reads
// candidates from. PipelineOrchestrator/IntegrationSink own writes to it
// via upsertProduct; this package is read-only against it.
const Schema = `
CREATE TABLE IF NOT EXISTS catalog_product (
	product_id TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	brand      TEXT,
	category   TEXT,
	price      REAL,
	condition  TEXT,
	created_at INTEGER NOT NULL
);
`

const candidateLimit = 50
const minScore = 0.30
const topN = 5

// Candidate is a catalogue product eligible for comparison.
type Candidate struct {
	ProductID string
	Name      string
	Brand     string
	Category  string
	Price     float64
	Condition string
}

// Query is the extracted-product side of a similarity comparison.
type Query struct {
	Name      string
	Brand     string
	Category  string
	Price     float64
	Condition string
}

// Action is the suggested disposition for a match.
type Action string

const (
	ActionMerge  Action = "merge"
	ActionUpdate Action = "update"
	ActionIgnore Action = "ignore"
)

// Match is a scored comparison between a Query and an existing Candidate.
type Match struct {
	ProductID     string
	Score         float64
	MatchedFields []string
	Action        Action
}

// Detector is the DuplicateDetector.
type Detector struct {
	db *sql.DB
}

// New creates a Detector backed by db.
func New(db *sql.DB) *Detector {
	return &Detector{db: db}
}

// FindMatches recalls up to candidateLimit catalogue rows related to q,
// scores each, and returns at most topN matches scoring >= minScore,
// sorted descending by score.
func (d *Detector) FindMatches(ctx context.Context, q Query) ([]Match, error) {
	candidates, err := d.recall(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("duplicate: recall: %w", err)
	}

	var matches []Match
	for _, c := range candidates {
		score, fields := score(q, c)
		if score < minScore {
			continue
		}
		matches = append(matches, Match{
			ProductID:     c.ProductID,
			Score:         score,
			MatchedFields: fields,
			Action:        suggestAction(score, fields),
		})
	}

	sortMatchesDesc(matches)
	if len(matches) > topN {
		matches = matches[:topN]
	}
	return matches, nil
}

func (d *Detector) recall(ctx context.Context, q Query) ([]Candidate, error) {
	tokens := significantTokens(q.Name)
	if len(tokens) == 0 && q.Brand == "" && q.Category == "" {
		return nil, nil
	}

	clauses := []string{}
	args := []any{}
	for _, tok := range tokens {
		clauses = append(clauses, "name LIKE ? COLLATE NOCASE")
		args = append(args, "%"+tok+"%")
	}
	if q.Brand != "" {
		clauses = append(clauses, "brand = ? COLLATE NOCASE")
		args = append(args, q.Brand)
	}
	if q.Category != "" {
		clauses = append(clauses, "category = ? COLLATE NOCASE")
		args = append(args, q.Category)
	}
	if len(clauses) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT product_id, name, COALESCE(brand,''), COALESCE(category,''), COALESCE(price,0), COALESCE(condition,'')
		FROM catalog_product WHERE %s LIMIT %d`, strings.Join(clauses, " OR "), candidateLimit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ProductID, &c.Name, &c.Brand, &c.Category, &c.Price, &c.Condition); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func significantTokens(name string) []string {
	var out []string
	for _, tok := range strings.Fields(name) {
		if len(tok) >= 3 {
			out = append(out, tok)
		}
	}
	return out
}

// score computes the weighted similarity between q and c: name 40%, brand
// 20%, category 15%, price 15%, condition 10%. Returns the overall score
// and the list of fields that contributed a non-zero similarity.
func score(q Query, c Candidate) (float64, []string) {
	var total float64
	var fields []string

	nameSim := stringSimilarity(q.Name, c.Name)
	total += nameSim * 0.40
	if nameSim > 0 {
		fields = append(fields, "name")
	}

	brandSim := stringSimilarity(q.Brand, c.Brand)
	total += brandSim * 0.20
	if brandSim > 0 && q.Brand != "" {
		fields = append(fields, "brand")
	}

	if q.Category != "" && strings.EqualFold(q.Category, c.Category) {
		total += 1.0 * 0.15
		fields = append(fields, "category")
	}

	priceSim := priceSimilarity(q.Price, c.Price)
	total += priceSim * 0.15
	if priceSim > 0 {
		fields = append(fields, "price")
	}

	if q.Condition != "" && strings.EqualFold(q.Condition, c.Condition) {
		total += 1.0 * 0.10
		fields = append(fields, "condition")
	}

	return total, fields
}

func stringSimilarity(a, b string) float64 {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(maxLen)
}

func priceSimilarity(a, b float64) float64 {
	if a <= 0 || b <= 0 {
		return 0
	}
	maxP := a
	if b > maxP {
		maxP = b
	}
	sim := 1 - (absFloat(a-b) / maxP)
	if sim < 0 {
		return 0
	}
	return sim
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func hasFields(fields []string, want ...string) bool {
	for _, w := range want {
		found := false
		for _, f := range fields {
			if f == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// suggestAction implements the merge/update/ignore decision: score > 0.80
// with both name and brand matched suggests merge; score > 0.60 with name
// matched suggests update; otherwise ignore.
func suggestAction(score float64, fields []string) Action {
	if score > 0.80 && hasFields(fields, "name", "brand") {
		return ActionMerge
	}
	if score > 0.60 && hasFields(fields, "name") {
		return ActionUpdate
	}
	return ActionIgnore
}

func sortMatchesDesc(matches []Match) {
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].Score > matches[j-1].Score; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
}

// levenshtein computes the edit distance between a and b.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min3(del, ins, sub)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
