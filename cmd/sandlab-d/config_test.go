package main

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Addr != defaultAddr {
		t.Errorf("addr %q, want %q", cfg.Addr, defaultAddr)
	}
	if !strings.HasSuffix(cfg.DBPath, "sandlab.db") {
		t.Errorf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.LeaseTTL != defaultLeaseTTL {
		t.Errorf("lease ttl %v, want %v", cfg.LeaseTTL, defaultLeaseTTL)
	}
	if len(cfg.Tokens) != 0 {
		t.Errorf("expected no tokens by default, got %d", len(cfg.Tokens))
	}
}

func TestLoadConfigFlagsOverride(t *testing.T) {
	hash := strings.Repeat("ab", 32)
	cfg, err := LoadConfig([]string{
		"-addr", "0.0.0.0:9999",
		"-lease-ttl", "2m",
		"-tokens", "admin-1=" + hash,
	})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Addr != "0.0.0.0:9999" {
		t.Errorf("addr %q", cfg.Addr)
	}
	if cfg.LeaseTTL != 2*time.Minute {
		t.Errorf("lease ttl %v", cfg.LeaseTTL)
	}
	if cfg.Tokens[hash] != "admin-1" {
		t.Errorf("token map %v", cfg.Tokens)
	}
}

func TestLoadConfigRejectsBadTokens(t *testing.T) {
	for _, tokens := range []string{"admin-1", "admin-1=", "=abc", "admin-1=tooshort"} {
		if _, err := LoadConfig([]string{"-tokens", tokens}); err == nil {
			t.Errorf("tokens %q: expected error", tokens)
		}
	}
}

func TestLoadConfigRejectsHalfTLS(t *testing.T) {
	if _, err := LoadConfig([]string{"-tls-cert", "cert.pem"}); err == nil {
		t.Error("expected error for cert without key")
	}
}
