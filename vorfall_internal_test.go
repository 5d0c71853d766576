package vorfall

import (
	"context"
	"errors"
	"testing"

	"vorfall/errs"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	if got := cfg.databaseName(); got != "default" {
		t.Errorf("databaseName() = %q, want %q", got, "default")
	}
	if got := cfg.maxRetries(); got != 3 {
		t.Errorf("maxRetries() = %d, want 3", got)
	}
	if got := cfg.retryDelayMs(); got != 1000 {
		t.Errorf("retryDelayMs() = %d, want 1000", got)
	}
}

func TestConfigOverrides(t *testing.T) {
	cfg := Config{DatabaseName: "events", MaxRetries: 5, RetryDelayMs: 250}
	if got := cfg.databaseName(); got != "events" {
		t.Errorf("databaseName() = %q, want %q", got, "events")
	}
	if got := cfg.maxRetries(); got != 5 {
		t.Errorf("maxRetries() = %d, want 5", got)
	}
	if got := cfg.retryDelayMs(); got != 250 {
		t.Errorf("retryDelayMs() = %d, want 250", got)
	}
}

func TestDialWithRetryExhaustsAttemptsOnMalformedURI(t *testing.T) {
	cfg := Config{ConnectionString: "not-a-mongo-uri", MaxRetries: 2, RetryDelayMs: 1}
	_, err := dialWithRetry(context.Background(), cfg, cfg.logger())
	if err == nil {
		t.Fatal("expected an error for a malformed connection string")
	}
	if !errors.Is(err, errs.ErrStorageError) {
		t.Errorf("expected ErrStorageError, got %v", err)
	}
}
