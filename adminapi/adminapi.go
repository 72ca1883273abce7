// Package adminapi implements the admin-facing REST surface: operator
// login, the ValidationQueue endpoints, audit/health rollups, and the
// read-only extractor-stats analytic. It never touches the webhook path.
package adminapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/crypto/bcrypt"

	"github.com/Louguiman/tekra-submissions/apierr"
	"github.com/Louguiman/tekra-submissions/auth"
	"github.com/Louguiman/tekra-submissions/health"
	"github.com/Louguiman/tekra-submissions/retry"
	"github.com/Louguiman/tekra-submissions/submission"
	"github.com/Louguiman/tekra-submissions/validation"
)

// AuditSink records admin actions (approve/reject/login) for the audit trail.
type AuditSink interface {
	Record(ctx context.Context, action, actor, detail string)
}

// Config bundles the admin API's collaborators.
type Config struct {
	Validation  *validation.Queue
	Health      *health.Monitor
	Retry       *retry.Engine
	Submissions *submission.Store
	Audit       AuditSink

	JWTSecret         []byte
	AdminUsername     string
	AdminPasswordHash string // bcrypt hash, from config.AdminPasswordHash

	Logger *slog.Logger
}

// API serves the admin HTTP surface.
type API struct {
	cfg      Config
	logger   *slog.Logger
	sanitize *bluemonday.Policy
}

// New creates an API.
func New(cfg Config) *API {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &API{cfg: cfg, logger: logger, sanitize: bluemonday.StrictPolicy()}
}

// Router builds the chi router for the admin surface. /health is public;
// everything under /admin requires a valid session except login, logout and
// the feedback-category list.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(auth.Middleware(a.cfg.JWTSecret))

	r.Get("/health", a.handleHealth)

	r.Post("/admin/auth/login", a.handleLogin)
	r.Post("/admin/auth/logout", a.handleLogout)
	r.Get("/admin/validations/feedback-categories", a.handleFeedbackCategories)

	r.Group(func(r chi.Router) {
		r.Use(a.requireSession)

		r.Get("/admin/validations", a.handleListValidations)
		r.Get("/admin/validations/{id}", a.handleGetValidation)
		r.Post("/admin/validations/{id}/approve", a.handleApprove)
		r.Post("/admin/validations/{id}/reject", a.handleReject)
		r.Post("/admin/validations/bulk-approve", a.handleBulkApprove)
		r.Post("/admin/validations/bulk-reject", a.handleBulkReject)

		r.Get("/admin/audit/statistics", a.handleAuditStatistics)
		r.Get("/admin/extractor/stats", a.handleExtractorStats)
		r.Get("/admin/health/diagnostics", a.handleDiagnostics)
	})

	return r
}

func (a *API) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.GetClaims(r.Context()) == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthenticated"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := a.cfg.Health.Check(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if report.Overall == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Username != a.cfg.AdminUsername ||
		bcrypt.CompareHashAndPassword([]byte(a.cfg.AdminPasswordHash), []byte(req.Password)) != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}

	claims := &auth.Claims{UserID: a.cfg.AdminUsername, Username: a.cfg.AdminUsername, Role: "admin"}
	token, err := auth.GenerateToken(a.cfg.JWTSecret, claims, 24*time.Hour)
	if err != nil {
		writeError(w, err)
		return
	}
	secure := r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
	auth.SetTokenCookie(w, token, "", secure)
	if a.cfg.Audit != nil {
		a.cfg.Audit.Record(r.Context(), "AdminLogin", a.cfg.AdminUsername, "")
	}
	writeJSON(w, http.StatusOK, map[string]string{"username": a.cfg.AdminUsername, "role": "admin"})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	auth.ClearTokenCookie(w, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleFeedbackCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, validation.FeedbackCategories())
}

// handleListValidations converts minConfidence/maxConfidence from the
// admin-facing percent scale [0,100] to the domain's [0,1] scale.
func (a *API) handleListValidations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := validation.Filter{
		SupplierID:  q.Get("supplierId"),
		ContentKind: submission.ContentKind(q.Get("contentKind")),
		Priority:    validation.Priority(q.Get("priority")),
		Category:    q.Get("category"),
		Page:        atoiDefault(q.Get("page"), 1),
		Limit:       atoiDefault(q.Get("limit"), 50),
	}
	if v := q.Get("minConfidence"); v != "" {
		filter.MinConfidence = percentToUnit(atoiDefault(v, 0))
	}
	if v := q.Get("maxConfidence"); v != "" {
		filter.MaxConfidence = percentToUnit(atoiDefault(v, 100))
	}

	items, err := a.cfg.Validation.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toAPIItems(items), "page": filter.Page, "limit": filter.Limit})
}

func (a *API) handleGetValidation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := a.cfg.Validation.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPIItem(*item))
}

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Edits *submission.ExtractedProduct `json:"edits"`
		Notes string                       `json:"notes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Edits != nil {
		a.sanitizeProduct(req.Edits)
	}
	notes := a.sanitize.Sanitize(req.Notes)
	admin := adminActor(r)

	if err := a.cfg.Validation.Approve(r.Context(), id, req.Edits, admin, notes); err != nil {
		writeError(w, err)
		return
	}
	if a.cfg.Audit != nil {
		a.cfg.Audit.Record(r.Context(), "ValidationApproved", admin, id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"validationId": id, "status": "approved"})
}

func (a *API) handleReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Category    string `json:"category"`
		Subcategory string `json:"subcategory"`
		Description string `json:"description"`
		Severity    string `json:"severity"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	admin := adminActor(r)
	feedback := validation.Feedback{
		Category:    validation.FeedbackCategory(req.Category),
		Subcategory: req.Subcategory,
		Description: a.sanitize.Sanitize(req.Description),
		Severity:    req.Severity,
	}
	if err := a.cfg.Validation.Reject(r.Context(), id, feedback, admin); err != nil {
		writeError(w, err)
		return
	}
	if a.cfg.Audit != nil {
		a.cfg.Audit.Record(r.Context(), "ValidationRejected", admin, id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"validationId": id, "status": "rejected"})
}

func (a *API) handleBulkApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ValidationIDs []string `json:"validationIds"`
		Notes         string   `json:"notes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	res := a.cfg.Validation.BulkApprove(r.Context(), req.ValidationIDs, adminActor(r), a.sanitize.Sanitize(req.Notes))
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleBulkReject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ValidationIDs []string `json:"validationIds"`
		Category      string   `json:"category"`
		Subcategory   string   `json:"subcategory"`
		Description   string   `json:"description"`
		Severity      string   `json:"severity"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	feedback := validation.Feedback{
		Category:    validation.FeedbackCategory(req.Category),
		Subcategory: req.Subcategory,
		Description: a.sanitize.Sanitize(req.Description),
		Severity:    req.Severity,
	}
	res := a.cfg.Validation.BulkReject(r.Context(), req.ValidationIDs, feedback, adminActor(r))
	writeJSON(w, http.StatusOK, res)
}

// handleAuditStatistics rolls up retry-queue and critical-error counts by
// component for the admin dashboard.
func (a *API) handleAuditStatistics(w http.ResponseWriter, r *http.Request) {
	retryStats, err := a.cfg.Retry.Statistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	metrics, err := a.cfg.Health.MetricsSnapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"retryQueue":      retryStats,
		"submissions":     metrics.Submissions,
		"errorCount24h":   metrics.ErrorCount24h,
		"totalCount24h":   metrics.TotalCount24h,
		"unresolvedCount": metrics.UnresolvedCount,
	})
}

// handleExtractorStats reports per-field extraction hit rates: the
// read-only template-improvement analytic. Never consulted by the
// pipeline itself.
func (a *API) handleExtractorStats(w http.ResponseWriter, r *http.Request) {
	hits, total, err := a.cfg.Submissions.ExtractorFieldStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	rates := make(map[string]float64, len(hits))
	for field, n := range hits {
		if total > 0 {
			rates[field] = float64(n) / float64(total)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"totalProducts": total, "fieldHitRates": rates})
}

func (a *API) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	diag, err := a.cfg.Health.RunDiagnostics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diag)
}

func (a *API) sanitizeProduct(p *submission.ExtractedProduct) {
	p.Name = a.sanitize.Sanitize(p.Name)
	p.Brand = a.sanitize.Sanitize(p.Brand)
	p.Category = a.sanitize.Sanitize(p.Category)
	p.Condition = a.sanitize.Sanitize(p.Condition)
}

func adminActor(r *http.Request) string {
	if c := auth.GetClaims(r.Context()); c != nil {
		return c.Username
	}
	return "unknown"
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// percentToUnit converts an admin-facing [0,100] integer confidence to the
// domain's [0,1] float scale (§9 Q2).
func percentToUnit(percent int) float64 {
	return float64(percent) / 100.0
}

// unitToPercent converts a domain [0,1] confidence to the admin-facing
// [0,100] integer scale for API responses.
func unitToPercent(unit float64) int {
	return int(unit*100 + 0.5)
}

// apiItem is the wire representation of a validation.Item, with confidence
// converted to the admin-facing percent scale.
type apiItem struct {
	ValidationID string                       `json:"validationId"`
	SubmissionID string                       `json:"submissionId"`
	ProductIndex int                          `json:"productIndex"`
	Product      submission.ExtractedProduct  `json:"product"`
	ConfidencePct int                         `json:"confidencePct"`
	SupplierID   string                       `json:"supplierId"`
	ContentKind  submission.ContentKind       `json:"contentKind"`
	Priority     validation.Priority          `json:"priority"`
	CreatedAt    int64                        `json:"createdAt"`
	RelatedItems []string                     `json:"relatedItems,omitempty"`
}

func toAPIItem(it validation.Item) apiItem {
	return apiItem{
		ValidationID:  it.ValidationID,
		SubmissionID:  it.SubmissionID,
		ProductIndex:  it.ProductIndex,
		Product:       it.Product,
		ConfidencePct: unitToPercent(it.Product.Confidence),
		SupplierID:    it.SupplierID,
		ContentKind:   it.ContentKind,
		Priority:      it.Priority,
		CreatedAt:     it.CreatedAt,
		RelatedItems:  it.RelatedItems,
	}
}

func toAPIItems(items []validation.Item) []apiItem {
	out := make([]apiItem, 0, len(items))
	for _, it := range items {
		out = append(out, toAPIItem(it))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var ae *apierr.Error
	if apierr.As(err, &ae) {
		status = statusForKind(ae.Kind)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusForKind(k apierr.Kind) int {
	switch k {
	case apierr.KindNotFound:
		return http.StatusNotFound
	case apierr.KindBadRequest:
		return http.StatusBadRequest
	case apierr.KindUnauthorized:
		return http.StatusUnauthorized
	case apierr.KindStateConflict:
		return http.StatusConflict
	case apierr.KindSuspicious:
		return http.StatusForbidden
	case apierr.KindInvariant:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
