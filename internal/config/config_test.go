package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{
		"telegram": {"token": "123:abc", "poll_timeout": "15s", "admin_user_ids": [42]},
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"storage": {"path": "/tmp/bot.db"},
		"dispatch": {"rate_per_sec": 5},
		"retention": {"enabled": true, "schedule": "0 4 * * *", "min_age": "168h"}
	}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.AdminUserIDs) != 1 || cfg.Telegram.AdminUserIDs[0] != 42 {
		t.Fatalf("admin ids = %v", cfg.Telegram.AdminUserIDs)
	}
	if cfg.Dispatch.RatePerSec != 5 || !cfg.Retention.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
telegram:
  token: "123:abc"
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
storage:
  path: ./bot.db
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Storage.Path != "./bot.db" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json",
		`{"telegram": {"token": "x"}, "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}, "storage": {"path": "x"}, "nonsense": 1}`)

	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("unknown top-level field must be rejected")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("k", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("d=%v err=%v", d, err)
	}
	if d, err := ParseDurationField("k", ""); err != nil || d != 0 {
		t.Fatalf("empty must be zero, d=%v err=%v", d, err)
	}
	if _, err := ParseDurationField("k", "-5s"); err == nil {
		t.Fatalf("negative duration must be rejected")
	}
	if _, err := ParseDurationField("k", "soon"); err == nil {
		t.Fatalf("garbage must be rejected")
	}
	if d, err := ParseDurationOrDefault("k", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("default not applied, d=%v err=%v", d, err)
	}
}
