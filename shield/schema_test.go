package shield

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func TestInitSeedsWebhookRateLimit(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	if err := Init(db); err != nil {
		t.Fatal(err)
	}

	var maxRequests, windowSeconds, enabled int
	err = db.QueryRow(
		"SELECT max_requests, window_seconds, enabled FROM rate_limits WHERE endpoint = ?",
		"POST /webhook",
	).Scan(&maxRequests, &windowSeconds, &enabled)
	if err != nil {
		t.Fatal(err)
	}
	if maxRequests != 100 || windowSeconds != 60 || enabled != 1 {
		t.Fatalf("unexpected seeded rule: max=%d window=%d enabled=%d", maxRequests, windowSeconds, enabled)
	}
}

func TestRateLimiterEnforcesSeededWebhookRule(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := Init(db); err != nil {
		t.Fatal(err)
	}

	rl := NewRateLimiter(db)
	for i := 0; i < 100; i++ {
		if !rl.allow("1.2.3.4", "POST /webhook") {
			t.Fatalf("request %d should be allowed within the 100/60s budget", i)
		}
	}
	if rl.allow("1.2.3.4", "POST /webhook") {
		t.Fatal("expected the 101st request to be rate-limited")
	}
}
