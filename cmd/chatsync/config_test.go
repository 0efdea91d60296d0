package main

import (
	"testing"

	"github.com/onlyfriends-app/chatsync"
)

// ============================================================================
// Test Helpers
// ============================================================================

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, o := range envOverrides {
		t.Setenv(o.Env, "")
	}
}

func settingFor(t *testing.T, settings []setting, key string) setting {
	t.Helper()
	for _, s := range settings {
		if s.Key == key {
			return s
		}
	}
	t.Fatalf("no setting %q in %+v", key, settings)
	return setting{}
}

// ============================================================================
// Config
// ============================================================================

func TestSetConfigValue(t *testing.T) {
	t.Run("known keys", func(t *testing.T) {
		cfg := &Config{}
		for key, value := range map[string]string{
			"default.base_url": "http://localhost:8080/",
			"auth.token":       "tok",
			"auth.user_id":     "u-1",
			"auth.user_name":   "Alice",
		} {
			if err := setConfigValue(cfg, key, value); err != nil {
				t.Fatalf("setConfigValue(%s): %v", key, err)
			}
		}
		if cfg.Default.BaseURL != "http://localhost:8080" {
			t.Errorf("expected trailing slash trimmed, got %q", cfg.Default.BaseURL)
		}
		if cfg.Auth.Token != "tok" || cfg.Auth.UserID != "u-1" || cfg.Auth.UserName != "Alice" {
			t.Errorf("unexpected auth section: %+v", cfg.Auth)
		}
	})

	t.Run("rejects bad input", func(t *testing.T) {
		cfg := &Config{}
		for _, tc := range []struct{ key, value string }{
			{"base_url", "http://x"},
			{"default.api_key", "x"},
			{"auth.password", "x"},
			{"server.port", "80"},
			{"default.base_url", "localhost:8080"},
			{"default.base_url", "ftp://example.com"},
		} {
			if err := setConfigValue(cfg, tc.key, tc.value); err == nil {
				t.Errorf("expected error for %s=%s", tc.key, tc.value)
			}
		}
		if *cfg != (Config{}) {
			t.Errorf("rejected values leaked into config: %+v", cfg)
		}
	})
}

func TestResolveConfig(t *testing.T) {
	t.Run("sources", func(t *testing.T) {
		clearConfigEnv(t)
		t.Setenv("CHATSYNC_USER_ID", "u-env")

		file := &Config{Auth: ConfigAuth{Token: "file-token-0123456789", UserID: "u-file"}}
		got := resolveConfig(file)

		if s := settingFor(t, got, "default.base_url"); s.Source != "default" || s.Value != chatsync.DefaultBaseURL {
			t.Errorf("expected default base url, got %+v", s)
		}
		if s := settingFor(t, got, "auth.token"); s.Source != "file" || s.Value != "file-tok...6789" {
			t.Errorf("expected masked file token, got %+v", s)
		}
		if s := settingFor(t, got, "auth.user_id"); s.Source != "env:CHATSYNC_USER_ID" || s.Value != "u-env" {
			t.Errorf("expected env override, got %+v", s)
		}
		if s := settingFor(t, got, "auth.user_name"); s.Source != "unset" {
			t.Errorf("expected unset, got %+v", s)
		}
		if file.Auth.UserID != "u-file" {
			t.Errorf("resolve mutated the file config: %+v", file.Auth)
		}
	})

	t.Run("invalid env ignored", func(t *testing.T) {
		clearConfigEnv(t)
		t.Setenv("CHATSYNC_BASE_URL", "not a url")

		file := &Config{Default: ConfigDefault{BaseURL: "http://file.example"}}
		s := settingFor(t, resolveConfig(file), "default.base_url")
		if s.Source != "file" || s.Value != "http://file.example" {
			t.Errorf("expected file value kept, got %+v", s)
		}
	})
}

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearConfigEnv(t)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if *cfg != (Config{}) {
		t.Fatalf("expected zero config without a file, got %+v", cfg)
	}

	setConfigValue(cfg, "auth.token", "stored")
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}

	t.Setenv("CHATSYNC_TOKEN", "from-env")
	eff, err := loadEffectiveConfig()
	if err != nil {
		t.Fatalf("loadEffectiveConfig: %v", err)
	}
	if eff.Auth.Token != "from-env" {
		t.Errorf("expected env token, got %q", eff.Auth.Token)
	}

	stored, _ := loadConfig()
	if stored.Auth.Token != "stored" {
		t.Errorf("env override written back: %q", stored.Auth.Token)
	}
}
