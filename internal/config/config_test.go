package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_ExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-test-123")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
provider:
  kind: anthropic
  model: claude-sonnet-4-20250514
  api_key_env: TEST_ANTHROPIC_KEY
server:
  listen_addr: ":9090"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Storage.Kind != "memory" {
		t.Errorf("Storage.Kind = %q, want memory (default)", cfg.Storage.Kind)
	}
	if cfg.Provider.APIKey() != "sk-test-123" {
		t.Errorf("APIKey() = %q, want sk-test-123", cfg.Provider.APIKey())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate_RejectsUnknownProviderKind(t *testing.T) {
	cfg := Default()
	cfg.Provider.Kind = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown provider kind")
	}
}

func TestValidate_RejectsUnknownStorageKind(t *testing.T) {
	cfg := Default()
	t.Setenv(cfg.Provider.APIKeyEnv, "sk-test")
	cfg.Storage.Kind = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown storage kind")
	}
}

func TestValidate_PostgresRequiresDSN(t *testing.T) {
	cfg := Default()
	t.Setenv(cfg.Provider.APIKeyEnv, "sk-test")
	cfg.Storage.Kind = "postgres"
	os.Unsetenv(cfg.Storage.DSNEnv)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for postgres without dsn")
	}
}

func TestValidate_RequiresAPIKey(t *testing.T) {
	cfg := Default()
	os.Unsetenv(cfg.Provider.APIKeyEnv)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing api key")
	}
}
