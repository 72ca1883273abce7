package extract_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Louguiman/tekra-submissions/extract"
)

func TestHTTPLLMClientCompleteReturnsResponseText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req["model"] != "llama3.2:1b" {
			t.Fatalf("expected model llama3.2:1b, got %v", req["model"])
		}
		json.NewEncoder(w).Encode(map[string]string{"response": `{"products":[]}`})
	}))
	defer srv.Close()

	client := extract.NewHTTPLLMClient(srv.URL, "llama3.2:1b", nil, nil)
	got, err := client.Complete("extract this", time.Second)
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if got != `{"products":[]}` {
		t.Fatalf("unexpected response: %q", got)
	}
}

func TestHTTPLLMClientCompleteTripsBreakerAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := extract.NewHTTPLLMClient(srv.URL, "llama3.2:1b", nil, nil)
	for i := 0; i < 5; i++ {
		if _, err := client.Complete("x", time.Second); err == nil {
			t.Fatal("expected an error from the 500 response")
		}
	}

	// Breaker should now be open; the call must fail without reaching srv.
	if _, err := client.Complete("x", time.Second); err == nil {
		t.Fatal("expected the circuit breaker to reject the call")
	}
}
