package config_test

import (
	"os"
	"testing"

	"github.com/Louguiman/tekra-submissions/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "WEBHOOK_SECRET", "LLM_BASE_URL", "LLM_MODEL", "LLM_ENABLED",
		"LLM_CONFIDENCE_THRESHOLD", "MEDIA_DIR", "DATA_DIR", "DB_PATH", "LOG_LEVEL",
		"SESSION_SECRET", "ADMIN_USERNAME", "ADMIN_PASSWORD_HASH",
		"CATALOG_ENDPOINT", "WHATSAPP_STORE_PATH", "WHATSAPP_DEVICE_NAME",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	cfg := config.Load()
	if cfg.Port != "8085" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.LLMBaseURL != "http://localhost:11434" {
		t.Errorf("LLMBaseURL = %q", cfg.LLMBaseURL)
	}
	if cfg.WhatsAppStorePath != "data/wa_session.db" {
		t.Errorf("WhatsAppStorePath = %q", cfg.WhatsAppStorePath)
	}
}

func TestLoadReportsMissingRequiredVars(t *testing.T) {
	clearEnv(t)
	cfg := config.Load()
	if cfg.Valid() {
		t.Fatal("expected Valid to be false with no required vars set")
	}
	for _, want := range []string{"WEBHOOK_SECRET", "SESSION_SECRET", "ADMIN_PASSWORD_HASH", "CATALOG_ENDPOINT"} {
		found := false
		for _, m := range cfg.Missing {
			if m == want {
				found = true
			}
		}
		if !found {
			t.Errorf("expected %s in Missing, got %v", want, cfg.Missing)
		}
	}
}

func TestLoadValidWhenRequiredVarsSet(t *testing.T) {
	clearEnv(t)
	os.Setenv("WEBHOOK_SECRET", "s")
	os.Setenv("SESSION_SECRET", "s")
	os.Setenv("ADMIN_PASSWORD_HASH", "h")
	os.Setenv("CATALOG_ENDPOINT", "https://catalog.example.com")
	defer clearEnv(t)

	cfg := config.Load()
	if !cfg.Valid() {
		t.Fatalf("expected Valid, got Missing=%v", cfg.Missing)
	}
	if cfg.Error() != nil {
		t.Errorf("expected nil Error, got %v", cfg.Error())
	}
}
