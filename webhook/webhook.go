// Package webhook implements WebhookIntake: the authenticated HTTP front
// door that turns a chat-platform callback into a persisted Submission and
// hands it off to asynchronous pipeline processing.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Louguiman/tekra-submissions/apierr"
	"github.com/Louguiman/tekra-submissions/media"
	"github.com/Louguiman/tekra-submissions/submission"
	"github.com/Louguiman/tekra-submissions/supplier"
)

// requestBudget is the whole-request deadline from receipt to response.
const requestBudget = 30 * time.Second

// Envelope is the chat-platform webhook payload: entries of changes of
// messages, mirroring the upstream callback shape.
type Envelope struct {
	ExpectedProductID string  `json:"expectedProductId"`
	Entries           []Entry `json:"entries"`
}

// Entry is one webhook entry.
type Entry struct {
	Changes []Change `json:"changes"`
}

// Change is one change within an entry.
type Change struct {
	Messages []InboundMessage `json:"messages"`
}

// InboundMessage is a single chat message.
type InboundMessage struct {
	ExternalMessageID string `json:"externalMessageId"`
	From               string `json:"from"`
	Kind               string `json:"kind"`
	Text               string `json:"text"`
	MediaURL           string `json:"mediaUrl"`
	MediaFilename      string `json:"mediaFilename"`
}

// AuditSink records security-relevant events. Satisfied by
// observability.AuditLogger.
type AuditSink interface {
	Record(ctx context.Context, action, actor, detail string)
}

// Dispatcher enqueues a persisted submission for asynchronous pipeline
// processing.
type Dispatcher interface {
	Dispatch(submissionID string)
}

// Intake is WebhookIntake. Rate limiting (step 1 of the processing order)
// is applied ahead of ServeHTTP by wrapping the handler in
// shield.RateLimiter.Middleware, which already returns the 429 response
// the intake contract calls for.
type Intake struct {
	secret      []byte
	suppliers   *supplier.Registry
	submissions *submission.Store
	mediaStore  *media.Store
	audit       AuditSink
	dispatch    Dispatcher
	logger      *slog.Logger
}

// Config bundles Intake's collaborators.
type Config struct {
	Secret      []byte
	Suppliers   *supplier.Registry
	Submissions *submission.Store
	Media       *media.Store
	Audit       AuditSink
	Dispatch    Dispatcher
	Logger      *slog.Logger
}

// New creates an Intake.
func New(cfg Config) *Intake {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		secret:      cfg.Secret,
		suppliers:   cfg.Suppliers,
		submissions: cfg.Submissions,
		mediaStore:  cfg.Media,
		audit:       cfg.Audit,
		dispatch:    cfg.Dispatch,
		logger:      logger,
	}
}

// Response is the body returned on a successful intake.
type Response struct {
	Success      bool   `json:"success"`
	SubmissionID string `json:"submissionId"`
	ProcessingMs int64  `json:"processingMs"`
	TotalMs      int64  `json:"totalMs"`
	Grouped      bool   `json:"grouped"`
}

// Challenge implements the GET /webhook verification handshake: it echoes
// hub.challenge unchanged when hub.mode=subscribe and hub.verify_token
// matches the configured secret.
func (in *Intake) Challenge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || !in.verifyToken(q.Get("hub.verify_token")) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

func (in *Intake) verifyToken(token string) bool {
	if len(in.secret) == 0 {
		return true
	}
	return hmac.Equal([]byte(token), in.secret)
}

// ServeHTTP implements WebhookIntake's eight-step ordered processing:
// rate limit, signature check, envelope validation, message extraction,
// supplier authentication, grouping lookup, persist, dispatch.
func (in *Intake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestBudget)
	defer cancel()
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeErr(w, apierr.New(apierr.KindBadRequest, "could not read request body"))
		return
	}

	if !in.verifyHMAC(body, r.Header.Get("X-Hub-Signature-256")) {
		writeErr(w, apierr.New(apierr.KindUnauthorized, "invalid signature"))
		return
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil || env.ExpectedProductID == "" {
		writeErr(w, apierr.New(apierr.KindBadRequest, "malformed envelope"))
		return
	}

	msg, ok := firstMessage(env)
	if !ok {
		writeErr(w, apierr.New(apierr.KindBadRequest, "no message"))
		return
	}

	sup, err := in.suppliers.Authenticatable(ctx, msg.From)
	if err != nil {
		in.audit.Record(ctx, "AccessDenied", msg.From, "supplier not found or inactive")
		writeErr(w, err)
		return
	}

	now := time.Now()
	existing, err := in.submissions.GroupProbe(ctx, sup.SupplierID, now)
	if err != nil {
		in.logger.ErrorContext(ctx, "webhook: group probe failed", "error", err)
	}
	grouped := existing != nil

	var mediaRef *string
	if msg.MediaURL != "" {
		asset, err := in.mediaStore.Fetch(ctx, msg.MediaURL, "", msg.MediaFilename)
		if err != nil {
			in.audit.Record(ctx, "MediaDownloadFailed", sup.SupplierID, err.Error())
			fallback := msg.MediaURL
			mediaRef = &fallback
		} else {
			mediaRef = &asset.MediaID
		}
	}

	sub, err := in.submissions.Insert(ctx, submission.NewSubmission{
		SupplierID:        sup.SupplierID,
		ExternalMessageID: msg.ExternalMessageID,
		ContentKind:       contentKindFor(msg.Kind),
		OriginalContent:   msg.Text,
		MediaRef:          mediaRef,
		Grouped:           grouped,
	})
	if err != nil {
		writeErr(w, fmt.Errorf("webhook: persist submission: %w", err))
		return
	}

	if err := in.suppliers.BumpActivity(ctx, sup.SupplierID); err != nil {
		in.logger.ErrorContext(ctx, "webhook: bump activity failed", "error", err)
	}

	if in.dispatch != nil {
		in.dispatch.Dispatch(sub.SubmissionID)
	}

	elapsed := time.Since(start).Milliseconds()
	writeJSON(w, http.StatusOK, Response{
		Success:      true,
		SubmissionID: sub.SubmissionID,
		ProcessingMs: elapsed,
		TotalMs:      elapsed,
		Grouped:      grouped,
	})
}

func (in *Intake) verifyHMAC(body []byte, signature string) bool {
	if len(in.secret) == 0 {
		return true
	}
	if signature == "" {
		return false
	}
	const prefix = "sha256="
	if len(signature) > len(prefix) && signature[:len(prefix)] == prefix {
		signature = signature[len(prefix):]
	}
	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, in.secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}

func firstMessage(env Envelope) (InboundMessage, bool) {
	if len(env.Entries) == 0 {
		return InboundMessage{}, false
	}
	if len(env.Entries[0].Changes) == 0 {
		return InboundMessage{}, false
	}
	if len(env.Entries[0].Changes[0].Messages) == 0 {
		return InboundMessage{}, false
	}
	return env.Entries[0].Changes[0].Messages[0], true
}

func contentKindFor(kind string) submission.ContentKind {
	switch kind {
	case "image":
		return submission.ContentImage
	case "pdf", "document":
		return submission.ContentPDF
	case "voice", "audio":
		return submission.ContentVoice
	default:
		return submission.ContentText
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := map[string]string{"error": err.Error()}

	if apierr.Is(err, apierr.KindBadRequest) {
		status = http.StatusBadRequest
	} else if apierr.Is(err, apierr.KindUnauthorized) {
		status = http.StatusUnauthorized
	} else if apierr.Is(err, apierr.KindRateLimited) {
		status = http.StatusTooManyRequests
		body["retryAfter"] = "60"
	} else if apierr.Is(err, apierr.KindNotFound) {
		status = http.StatusNotFound
	}

	writeJSON(w, status, body)
}
