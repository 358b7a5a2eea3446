package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NETPLAY_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 5050 || cfg.DialRetries != 5 || cfg.DialBackoff != 2*time.Second {
		t.Fatalf("unexpected connection defaults %+v", cfg)
	}
	if cfg.NegotiationTimeout != 30*time.Second || cfg.Mode != ModeBasic || cfg.Transport != "tcp" {
		t.Fatalf("unexpected session defaults %+v", cfg)
	}
}

func TestFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "netplay.yaml")
	body := strings.Join([]string{
		"port: 6000",
		"transport: ws",
		"mode: full",
		"name: alice",
		"negotiation_timeout: 10s",
		"chat_rate: 0.5",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("NETPLAY_CONFIG", path)
	t.Setenv("NETPLAY_NAME", "bob")
	t.Setenv("NETPLAY_READ_TIMEOUT", "750ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 6000 || cfg.Transport != "ws" || cfg.Mode != ModeFull || cfg.ChatRate != 0.5 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.NegotiationTimeout != 10*time.Second {
		t.Fatalf("duration from file: %v", cfg.NegotiationTimeout)
	}
	if cfg.Name != "bob" || cfg.ReadTimeout != 750*time.Millisecond {
		t.Fatalf("env must override file: %+v", cfg)
	}
}

func TestEmptyFileIsAllowed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("NETPLAY_CONFIG", path)
	if _, err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestUnknownFileFieldRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("prot: 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("NETPLAY_CONFIG", path)
	if _, err := Load(); err == nil {
		t.Fatalf("expected an error for an unknown field")
	}
}

func TestInvalidValues(t *testing.T) {
	cases := map[string]string{
		"NETPLAY_PORT":         "abc",
		"NETPLAY_TRANSPORT":    "udp",
		"NETPLAY_MODE":         "turbo",
		"NETPLAY_SIDE":         "red",
		"NETPLAY_DIAL_BACKOFF": "soon",
		"NETPLAY_CHAT_RATE":    "0",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv("NETPLAY_CONFIG", "")
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected an error for %s=%s", key, val)
			}
		})
	}
}

func TestSharedURLFallback(t *testing.T) {
	t.Setenv("NETPLAY_CONFIG", "")
	t.Setenv("NETPLAY_REDIS_URL", "")
	t.Setenv("REDIS_URL", "redis://localhost:6379/1")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RedisURL != "redis://localhost:6379/1" {
		t.Fatalf("expected REDIS_URL fallback, got %q", cfg.RedisURL)
	}
}
