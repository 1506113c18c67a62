package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("typeform.api_token", "tf-token")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected address %q", cfg.HTTPAddress)
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Database.Path != defaultDatabasePath {
		t.Fatalf("unexpected database config %+v", cfg.Database)
	}
	if cfg.Lock.Backend != LockBackendDatabase || cfg.Lock.StaleAfter != 5*time.Minute {
		t.Fatalf("unexpected lock config %+v", cfg.Lock)
	}
	if cfg.Scoring.BatchSize != 25 || cfg.Scoring.Budget != 8*time.Second || cfg.Scoring.SafetyMargin != 1500*time.Millisecond {
		t.Fatalf("unexpected scoring config %+v", cfg.Scoring)
	}
	if cfg.RetryDelay != 750*time.Millisecond {
		t.Fatalf("unexpected retry delay %s", cfg.RetryDelay)
	}
	if cfg.HubSpot.Enabled() || cfg.Archive.Enabled() {
		t.Fatalf("expected optional collaborators to be disabled by default")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("INTAKE_AUTH_SIGNING_SECRET", "env-secret")
	t.Setenv("INTAKE_TYPEFORM_API_TOKEN", "env-token")
	t.Setenv("INTAKE_LOCK_BACKEND", "redis")
	t.Setenv("INTAKE_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("INTAKE_SCORING_BUDGET", "12s")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Auth.SigningSecret != "env-secret" || cfg.Typeform.APIToken != "env-token" {
		t.Fatalf("expected environment secrets, got %+v / %+v", cfg.Auth, cfg.Typeform)
	}
	if cfg.Lock.Backend != LockBackendRedis || cfg.Lock.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected lock config %+v", cfg.Lock)
	}
	if cfg.Scoring.Budget != 12*time.Second {
		t.Fatalf("unexpected budget %s", cfg.Scoring.Budget)
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intake.yaml")
	contents := "auth:\n  signing_secret: file-secret\ntypeform:\n  api_token: file-token\nhubspot:\n  access_token: hs-token\n  stage: triaged\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	configViper := NewViper()
	configViper.SetConfigFile(path)
	if err := configViper.ReadInConfig(); err != nil {
		t.Fatalf("failed to read config: %v", err)
	}

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !cfg.HubSpot.Enabled() || cfg.HubSpot.Stage != "triaged" {
		t.Fatalf("unexpected hubspot config %+v", cfg.HubSpot)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name    string
		values  map[string]any
		message string
	}{
		{name: "missing signing secret", values: map[string]any{"auth.signing_secret": ""}, message: "auth.signing_secret"},
		{name: "missing api token", values: map[string]any{"typeform.api_token": ""}, message: "typeform.api_token"},
		{name: "unknown driver", values: map[string]any{"database.driver": "mysql"}, message: "database.driver"},
		{name: "postgres without dsn", values: map[string]any{"database.driver": "postgres"}, message: "database.dsn"},
		{name: "redis without url", values: map[string]any{"lock.backend": "redis"}, message: "redis.url"},
		{name: "unknown lock backend", values: map[string]any{"lock.backend": "etcd"}, message: "lock.backend"},
		{name: "budget below margin", values: map[string]any{"scoring.budget": "1s"}, message: "scoring.budget"},
		{name: "archive without bucket", values: map[string]any{"archive.endpoint": "minio:9000", "archive.bucket": ""}, message: "archive.bucket"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("auth.signing_secret", "secret")
			configViper.Set("typeform.api_token", "tf-token")
			for key, value := range testCase.values {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.message, err)
			}
		})
	}
}
