// Package catalog implements the downstream integration sink: approved
// products are POSTed to the external catalogue system that the pipeline
// itself does not own.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Louguiman/tekra-submissions/connectivity"
	"github.com/Louguiman/tekra-submissions/submission"
)

// upsertPayload is the wire shape sent to the catalogue endpoint.
type upsertPayload struct {
	SupplierID   string                      `json:"supplierId"`
	SubmissionID string                      `json:"submissionId"`
	Product      submission.ExtractedProduct `json:"product"`
}

// Sink implements pipeline.IntegrationSink and validation.IntegrationSink
// by POSTing to a single configured HTTP endpoint, built through the same
// TransportFactory connectivity uses for routed services.
type Sink struct {
	handler connectivity.Handler
	closeFn func()
}

// New builds a Sink against endpoint, applying a request timeout and
// logging/panic-recovery middleware.
func New(endpoint string, timeout time.Duration, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, _ := json.Marshal(map[string]any{
		"timeout_ms":   timeout.Milliseconds(),
		"content_type": "application/json",
	})
	raw, closeFn, err := connectivity.HTTPFactory()(endpoint, cfg)
	if err != nil {
		return nil, fmt.Errorf("catalog: build transport: %w", err)
	}

	handler := connectivity.Chain(
		connectivity.Logging(logger),
		connectivity.Recovery(logger),
	)(raw)

	return &Sink{handler: handler, closeFn: closeFn}, nil
}

// UpsertProduct sends one approved product to the catalogue endpoint.
func (s *Sink) UpsertProduct(ctx context.Context, product submission.ExtractedProduct, supplierID, submissionID string) error {
	body, err := json.Marshal(upsertPayload{SupplierID: supplierID, SubmissionID: submissionID, Product: product})
	if err != nil {
		return fmt.Errorf("catalog: encode payload: %w", err)
	}
	_, err = s.handler(ctx, body)
	if err != nil {
		return fmt.Errorf("catalog: upsert: %w", err)
	}
	return nil
}

// Close releases the underlying HTTP transport's idle connections.
func (s *Sink) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}
