package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pactline/internal/config"
	"pactline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.GraceHours() != 48 {
		t.Fatalf("expected 48h grace, got %d", cfg.GraceHours())
	}
	if cfg.Partners.DefaultWindow != domain.DeadlineOneHour {
		t.Fatalf("expected ONE_HOUR default window, got %s", cfg.Partners.DefaultWindow)
	}
	if cfg.Admin.Email == "" {
		t.Fatalf("expected a bootstrap admin email")
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("parse generated default: %v", err)
	}
	if cfg.Scoring.GraceHours != 48 {
		t.Fatalf("expected grace_hours 48, got %d", cfg.Scoring.GraceHours)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	var cfg config.Config
	cfg.Scoring.GraceHours = -1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected negative grace rejected")
	}
	cfg.Scoring.GraceHours = 0
	cfg.Partners.DefaultWindow = "NEVER"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown window rejected")
	}
	cfg.Partners.DefaultWindow = domain.DeadlineOneDay
	cfg.Webhooks = []config.WebhookConfig{{Events: []string{"task.created"}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected webhook without url rejected")
	}
}

func TestFromYAMLWebhooks(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
scoring:
  grace_hours: 12
webhooks:
  - url: https://hooks.example.com/pact
    events: [outcome.reviewed]
    secret: s3cret
    timeout_seconds: 3
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.GraceHours() != 12 {
		t.Fatalf("expected 12h grace, got %d", cfg.GraceHours())
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Secret != "s3cret" {
		t.Fatalf("unexpected webhooks: %+v", cfg.Webhooks)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("expected nil,nil for missing file, got %v, %v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pactline.yml"), []byte("scoring:\n  grace_hours: 6\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scoring.GraceHours != 6 {
		t.Fatalf("expected grace 6, got %d", cfg.Scoring.GraceHours)
	}
}

func TestLoadMissingNamesTheFix(t *testing.T) {
	_, err := config.Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "pact config init") {
		t.Fatalf("expected hint toward pact config init, got %v", err)
	}
}
