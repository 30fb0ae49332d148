package conf

import "testing"

func TestSOCKS5SetDefaults(t *testing.T) {
	var s SOCKS5
	s.setDefaults()
	if s.TCPTimeout != 60 || s.UDPTimeout != 60 {
		t.Errorf("timeout defaults = %d/%d, want 60/60", s.TCPTimeout, s.UDPTimeout)
	}
}

func TestSOCKS5SetDefaultsPreservesExplicitTimeout(t *testing.T) {
	s := SOCKS5{TCPTimeout: 5}
	s.setDefaults()
	if s.TCPTimeout != 5 {
		t.Errorf("TCPTimeout = %d, want explicit value 5 preserved", s.TCPTimeout)
	}
	if s.UDPTimeout != 60 {
		t.Errorf("UDPTimeout = %d, want default 60", s.UDPTimeout)
	}
}

func TestSOCKS5ValidateRequiresListen(t *testing.T) {
	s := SOCKS5{}
	if errs := s.validate(); len(errs) == 0 {
		t.Fatal("expected validation error for missing listen address")
	}
}

func TestSOCKS5ValidateOK(t *testing.T) {
	s := SOCKS5{Listen: "127.0.0.1:1080"}
	if errs := s.validate(); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
}
