package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "upbitflow:\n  name: test\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Rest.BaseURL != "https://api.upbit.com/v1" {
		t.Errorf("unexpected base url %q", cfg.Rest.BaseURL)
	}
	if cfg.RateLimit.Order.RequestsPerSecond != 8 {
		t.Errorf("unexpected order rps %v", cfg.RateLimit.Order.RequestsPerSecond)
	}
	if cfg.RateLimit.CancelAll.RequestsPerSecond != 0.5 {
		t.Errorf("unexpected cancel_all rps %v", cfg.RateLimit.CancelAll.RequestsPerSecond)
	}
	if cfg.Stream.PingInterval != 60*time.Second || cfg.Stream.IdleTimeout != 120*time.Second {
		t.Errorf("unexpected keepalive defaults %v/%v", cfg.Stream.PingInterval, cfg.Stream.IdleTimeout)
	}
}

func TestLoadConfigRejectsBadKeepalive(t *testing.T) {
	path := writeConfig(t, "stream:\n  ping_interval: 180s\n  idle_timeout: 120s\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for ping interval above idle timeout")
	}
}

func TestLoadConfigRejectsBadFormat(t *testing.T) {
	path := writeConfig(t, "stream:\n  format: COMPACT\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unknown stream format")
	}
}

func TestCredentialsFromEnv(t *testing.T) {
	t.Setenv("UPBIT_ACCESS_KEY", "ak")
	t.Setenv("UPBIT_SECRET_KEY", "sk")
	ak, sk, err := Credentials()
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if ak != "ak" || sk != "sk" {
		t.Errorf("unexpected credentials %q/%q", ak, sk)
	}

	t.Setenv("UPBIT_SECRET_KEY", "")
	if _, _, err := Credentials(); err == nil {
		t.Fatal("expected error for missing secret key")
	}
}
