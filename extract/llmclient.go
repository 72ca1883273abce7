package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Louguiman/tekra-submissions/connectivity"
	"github.com/Louguiman/tekra-submissions/observability"
	"github.com/Louguiman/tekra-submissions/safety"
)

// maxLLMResponseBody caps how much of the completion response is read back.
const maxLLMResponseBody int64 = 2 << 20

// HTTPLLMClient implements LLMClient against an Ollama-shaped /api/generate
// endpoint. The call runs through the connectivity package's Handler
// middleware chain (logging, panic recovery, a circuit breaker tripping
// after 5 consecutive failures) so a stuck model host degrades Pass B
// cleanly into the Pass-A fallback instead of hanging every request.
type HTTPLLMClient struct {
	model string
	call  connectivity.Handler
}

// NewHTTPLLMClient builds an HTTPLLMClient. baseURL is operator
// configuration (LLM_BASE_URL), not user input, so it is exempt from the
// SSRF host guard applied to dynamically routed destinations. metrics may
// be nil to skip call-duration recording.
func NewHTTPLLMClient(baseURL, model string, logger *slog.Logger, metrics *observability.MetricsManager) *HTTPLLMClient {
	if logger == nil {
		logger = slog.Default()
	}
	client := &http.Client{}
	raw := func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/generate", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("extract: llm: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("extract: llm: do request: %w", err)
		}
		defer resp.Body.Close()

		body, err := safety.LimitedReadAll(resp.Body, maxLLMResponseBody)
		if err != nil {
			return nil, fmt.Errorf("extract: llm: read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("extract: llm: status %d: %s", resp.StatusCode, body)
		}
		return body, nil
	}

	breaker := connectivity.NewCircuitBreaker(
		connectivity.WithBreakerThreshold(5),
		connectivity.WithBreakerResetTimeout(30*time.Second),
	)
	mws := []connectivity.HandlerMiddleware{
		connectivity.Logging(logger),
		connectivity.Recovery(logger),
		connectivity.WithCircuitBreaker(breaker, "llm"),
	}
	if metrics != nil {
		mws = append(mws, connectivity.WithObservability(metrics, "llm", "http"))
	}

	return &HTTPLLMClient{
		model: model,
		call:  connectivity.Chain(mws...)(raw),
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Complete sends prompt to the model host and returns the raw completion
// text. Callers within a circuit-open window get *connectivity.ErrCircuitOpen
// without touching the network.
func (c *HTTPLLMClient) Complete(prompt string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	payload, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("extract: llm: encode request: %w", err)
	}

	raw, err := connectivity.WithTimeout(timeout)(c.call)(ctx, payload)
	if err != nil {
		return "", err
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("extract: llm: decode response: %w", err)
	}
	return out.Response, nil
}
