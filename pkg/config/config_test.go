package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RelayURL != "http://localhost:7777" {
		t.Errorf("relay url = %q", cfg.RelayURL)
	}
	if cfg.Plan != "pro" {
		t.Errorf("plan = %q", cfg.Plan)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
# relay connection
[relay]
url = "https://relay.example.com"
api_key = "key-1"

[identity]
display_name = "Ada"

[sharing]
auto_expire = 3600
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RelayURL != "https://relay.example.com" {
		t.Errorf("relay url = %q", cfg.RelayURL)
	}
	if cfg.APIKey != "key-1" {
		t.Errorf("api key = %q", cfg.APIKey)
	}
	if cfg.DisplayName != "Ada" {
		t.Errorf("display name = %q", cfg.DisplayName)
	}
	if cfg.AutoExpire != time.Hour {
		t.Errorf("auto expire = %v, want 1h", cfg.AutoExpire)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[relay]\nurl = \"https://file.example\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TERMSHARE_RELAY_URL", "https://env.example")
	t.Setenv("TERMSHARE_API_KEY", "env-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RelayURL != "https://env.example" {
		t.Errorf("relay url = %q, want env override", cfg.RelayURL)
	}
	if cfg.APIKey != "env-key" {
		t.Errorf("api key = %q", cfg.APIKey)
	}
}
