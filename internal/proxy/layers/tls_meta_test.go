package layers

import (
	"crypto/tls"
	"testing"
)

func TestApplyLeafHandshakeVersionsAllowsLegacyClients(t *testing.T) {
	cfg := &tls.Config{}
	applyLeafHandshakeVersions(cfg)

	if cfg.MinVersion != tls.VersionTLS10 {
		t.Errorf("MinVersion = %#x, want TLS 1.0", cfg.MinVersion)
	}
	if cfg.MaxVersion != tls.VersionTLS13 {
		t.Errorf("MaxVersion = %#x, want TLS 1.3", cfg.MaxVersion)
	}
	if len(cfg.CipherSuites) == 0 {
		t.Error("expected the leaf profile to set an explicit cipher suite list")
	}
}

func TestApplyUpstreamHandshakeVersionsRejectsBelowTLS12(t *testing.T) {
	cfg := &tls.Config{}
	applyUpstreamHandshakeVersions(cfg)

	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %#x, want TLS 1.2", cfg.MinVersion)
	}
	if cfg.CipherSuites != nil {
		t.Error("expected the upstream profile to defer to crypto/tls's default suites")
	}
}

func TestTLSVersionName(t *testing.T) {
	tests := []struct {
		version uint16
		want    string
	}{
		{tls.VersionTLS10, "TLS 1.0"},
		{tls.VersionTLS12, "TLS 1.2"},
		{tls.VersionTLS13, "TLS 1.3"},
		{0x9999, "unknown"},
	}
	for _, tt := range tests {
		if got := tlsVersionName(tt.version); got != tt.want {
			t.Errorf("tlsVersionName(%#x) = %q, want %q", tt.version, got, tt.want)
		}
	}
}

func TestTLSCipherSuiteName(t *testing.T) {
	got := tlsCipherSuiteName(tls.TLS_AES_128_GCM_SHA256)
	if got != "TLS_AES_128_GCM_SHA256" {
		t.Errorf("tlsCipherSuiteName(TLS_AES_128_GCM_SHA256) = %q", got)
	}
}
