package transport

import (
	"testing"

	"gatetun/internal/conf"
	"gatetun/internal/tunnel"
)

func TestKCPProfileAppliesOverrides(t *testing.T) {
	cfg := &conf.Transport{DataShards: 20, ParityShards: 5}
	p := kcpProfile(cfg)
	if p.DataShards != 20 || p.ParityShards != 5 {
		t.Errorf("kcpProfile overrides = %d/%d, want 20/5", p.DataShards, p.ParityShards)
	}
}

func TestKCPProfileFallsBackToDefaults(t *testing.T) {
	cfg := &conf.Transport{}
	p := kcpProfile(cfg)
	want := tunnel.DefaultKCPProfile
	if p.DataShards != want.DataShards || p.ParityShards != want.ParityShards {
		t.Errorf("kcpProfile defaults = %d/%d, want %d/%d", p.DataShards, p.ParityShards, want.DataShards, want.ParityShards)
	}
}

func TestNewDialerRejectsUnknownProtocol(t *testing.T) {
	cfg := &conf.Transport{Protocol: "carrier-pigeon"}
	if _, err := NewDialer(cfg, 4096); err == nil {
		t.Fatal("expected error for unknown transport protocol")
	}
}

func TestNewDialerKCPRequiresValidBlock(t *testing.T) {
	cfg := &conf.Transport{Protocol: "kcp", Block: "not-a-real-cipher"}
	if _, err := NewDialer(cfg, 4096); err == nil {
		t.Fatal("expected error for unsupported block cipher")
	}
}

func TestNewListenerRejectsUnknownProtocol(t *testing.T) {
	cfg := &conf.Transport{Protocol: "carrier-pigeon"}
	if _, err := NewListener(cfg, "127.0.0.1:0", 4096); err == nil {
		t.Fatal("expected error for unknown transport protocol")
	}
}
