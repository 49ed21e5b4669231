package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worth.yaml")
	body := `
addr: ":7000"
storage: memory
write_timeout: 3s
rate_limit:
  burst: 4
  refill_interval: 500ms
chat:
  address_base: 239.2.0.0
  port: 6000
log_level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WORTH_CHAT_PORT", "7777")
	t.Setenv("WORTH_HTTP_ADDR", ":9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := Default()
	want.Addr = ":7000"
	want.HTTPAddr = ":9090"
	want.Storage = StorageMemory
	want.WriteTimeout = 3 * time.Second
	want.RateLimit = RateLimitConfig{Burst: 4, RefillInterval: 500 * time.Millisecond}
	want.Chat.AddressBase = "239.2.0.0"
	want.Chat.Port = 7777
	want.LogLevel = "debug"
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("Level = %v", cfg.Level())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSanitize(t *testing.T) {
	cfg := Config{
		Storage:        "Postgres",
		MaxMessageSize: -1,
		RateLimit:      RateLimitConfig{Burst: 0, RefillInterval: -time.Second},
		Chat:           ChatConfig{Port: 70000},
		LogLevel:       "loud",
	}.Sanitize()

	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("sanitized config mismatch (-want +got):\n%s", diff)
	}

	if got := (Config{Storage: " MEMORY "}).Sanitize().Storage; got != StorageMemory {
		t.Errorf("storage = %q, want memory", got)
	}
}
