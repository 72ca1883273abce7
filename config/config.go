// Package config holds the submission pipeline's environment-driven
// configuration, read once at process startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the pipeline's startup configuration. Fields are populated by
// Load and never mutated afterward; components receive a *Config or the
// individual values they need.
type Config struct {
	Port string

	WebhookSecret string

	LLMBaseURL             string
	LLMModel               string
	LLMEnabled             bool
	LLMConfidenceThreshold float64

	MediaDir string

	DataDir  string
	DBPath   string
	LogLevel string

	JWTSecret         string
	AdminUsername     string
	AdminPasswordHash string

	CatalogEndpoint   string
	WhatsAppStorePath string
	WhatsAppDevice    string

	// Missing holds the names of required variables that were absent at
	// Load time. A non-empty Missing fails the configuration health check
	// (see health.Checker) rather than panicking at an arbitrary call site.
	Missing []string
}

// Load reads configuration from the process environment, applying the
// documented defaults for optional variables.
func Load() *Config {
	c := &Config{
		Port:                   env("PORT", "8085"),
		WebhookSecret:          os.Getenv("WEBHOOK_SECRET"),
		LLMBaseURL:             env("LLM_BASE_URL", "http://localhost:11434"),
		LLMModel:               env("LLM_MODEL", "llama3.2:1b"),
		LLMEnabled:             envBool("LLM_ENABLED", false),
		LLMConfidenceThreshold: envFloat("LLM_CONFIDENCE_THRESHOLD", 0.7),
		MediaDir:               env("MEDIA_DIR", "./uploads"),
		DataDir:                env("DATA_DIR", "data"),
		DBPath:                 env("DB_PATH", "db/tekra.db"),
		LogLevel:               env("LOG_LEVEL", "info"),
		JWTSecret:              os.Getenv("SESSION_SECRET"),
		AdminUsername:          env("ADMIN_USERNAME", "admin"),
		AdminPasswordHash:      os.Getenv("ADMIN_PASSWORD_HASH"),
		CatalogEndpoint:        os.Getenv("CATALOG_ENDPOINT"),
		WhatsAppStorePath:      env("WHATSAPP_STORE_PATH", "data/wa_session.db"),
		WhatsAppDevice:         env("WHATSAPP_DEVICE_NAME", "tekra-gateway"),
	}
	if c.CatalogEndpoint == "" {
		c.Missing = append(c.Missing, "CATALOG_ENDPOINT")
	}
	if c.WebhookSecret == "" {
		c.Missing = append(c.Missing, "WEBHOOK_SECRET")
	}
	if c.JWTSecret == "" {
		c.Missing = append(c.Missing, "SESSION_SECRET")
	}
	if c.AdminPasswordHash == "" {
		c.Missing = append(c.Missing, "ADMIN_PASSWORD_HASH")
	}
	return c
}

// Valid reports whether all required variables were present at Load time.
func (c *Config) Valid() bool { return len(c.Missing) == 0 }

func (c *Config) Error() error {
	if c.Valid() {
		return nil
	}
	return fmt.Errorf("config: missing required variables: %s", strings.Join(c.Missing, ", "))
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
