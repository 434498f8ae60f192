package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds user configurable settings for termshare.
type Config struct {
	RelayURL     string
	APIKey       string
	AccountURL   string
	DisplayName  string
	AutoExpire   time.Duration
	SettingsPath string
	Plan         string
}

// Default returns the baseline configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	settings := ""
	if home != "" {
		settings = filepath.Join(home, ".termshare", "settings.json")
	}
	return Config{
		RelayURL:     "http://localhost:7777",
		SettingsPath: settings,
		Plan:         "pro",
	}
}

// Load returns configuration merged from defaults, a config.toml file
// if present, and environment overrides.
func Load(optionalPath string) (Config, error) {
	cfg := Default()
	path := optionalPath
	if path == "" {
		home, _ := os.UserHomeDir()
		if home != "" {
			path = filepath.Join(home, ".termshare", "config.toml")
		}
	}
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			parseTOML(string(data), &cfg)
		}
	}
	// Environment overrides are handy in containers/CI.
	if v := os.Getenv("TERMSHARE_RELAY_URL"); v != "" {
		cfg.RelayURL = v
	}
	if v := os.Getenv("TERMSHARE_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("TERMSHARE_DISPLAY_NAME"); v != "" {
		cfg.DisplayName = v
	}
	return cfg, nil
}

// parseTOML is a lightweight parser that understands only the keys
// termshare writes; it is not a general TOML implementation.
func parseTOML(body string, cfg *Config) {
	section := ""
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.Trim(line, "[]"))
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"`)
		switch section + "." + strings.ToLower(key) {
		case "relay.url":
			cfg.RelayURL = val
		case "relay.api_key":
			cfg.APIKey = val
		case "account.url":
			cfg.AccountURL = val
		case "account.plan":
			cfg.Plan = val
		case "identity.display_name":
			cfg.DisplayName = val
		case "sharing.auto_expire":
			if seconds, err := strconv.Atoi(val); err == nil {
				cfg.AutoExpire = time.Duration(seconds) * time.Second
			}
		case "sharing.settings_path":
			cfg.SettingsPath = val
		}
	}
}
