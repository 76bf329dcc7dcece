package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.GRPCAddr != ":8081" {
		t.Fatalf("unexpected addrs: %s %s", cfg.HTTPAddr, cfg.GRPCAddr)
	}
	if cfg.CodeDigits != 6 || cfg.CodeTTL != 3*time.Minute || cfg.CodeMaxTTL != time.Hour || cfg.CodeMaxAttempts != 10 {
		t.Fatalf("unexpected code settings: %+v", cfg)
	}
	if cfg.AmountCeiling.String() != "10000" {
		t.Fatalf("unexpected ceiling: %s", cfg.AmountCeiling)
	}
	if cfg.JWTSecret != DefaultJWTSecret || cfg.StrictProduction {
		t.Fatalf("unexpected security defaults: %+v", cfg)
	}
	if len(cfg.TrustedCIDRs) != 2 {
		t.Fatalf("unexpected trusted cidrs: %v", cfg.TrustedCIDRs)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	file := filepath.Join(dir, "paycode.yaml")
	yaml := "http_addr: \":9090\"\ncode_ttl: 5m\namount_ceiling: \"250.00\"\n"
	if err := os.WriteFile(file, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PAYCODE_CONFIG_FILE", file)
	t.Setenv("PAYCODE_HTTP_ADDR", ":7070")
	t.Setenv("PAYCODE_SWEEP_INTERVAL", "10s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":7070" {
		t.Fatalf("env should win over file, got=%s", cfg.HTTPAddr)
	}
	if cfg.CodeTTL != 5*time.Minute || cfg.AmountCeiling.StringFixed(2) != "250.00" {
		t.Fatalf("file values not applied: ttl=%s ceiling=%s", cfg.CodeTTL, cfg.AmountCeiling)
	}
	if cfg.SweepInterval != 10*time.Second {
		t.Fatalf("unexpected sweep interval: %s", cfg.SweepInterval)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("PAYCODE_CODE_DIGITS=8\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("PAYCODE_CODE_DIGITS") })
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CodeDigits != 8 {
		t.Fatalf("expected .env value, got=%d", cfg.CodeDigits)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"PAYCODE_CODE_DIGITS":      "2",
		"PAYCODE_CODE_TTL":         "2h",
		"PAYCODE_AMOUNT_CEILING":   "lots",
		"PAYCODE_SWEEP_BATCH_SIZE": "0",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			chdir(t, t.TempDir())
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected %s=%s to be rejected", key, val)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	if (Config{LogLevel: "debug"}).SlogLevel() != slog.LevelDebug {
		t.Fatalf("expected debug level")
	}
	if (Config{LogLevel: "nonsense"}).SlogLevel() != slog.LevelInfo {
		t.Fatalf("expected info fallback")
	}
}

// chdir changes the working directory for the duration of the test,
// restoring it on cleanup (equivalent to testing.T.Chdir in Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore cwd: %v", err)
		}
	})
}
