package layers

import "crypto/tls"

// applyLeafHandshakeVersions bounds the TLS version range offered on the
// client-facing leaf certificate (ClientTLS). Intercepted clients span a
// wide range of TLS stacks -- some still negotiating TLS 1.0 -- so the leaf
// side stays permissive; mapHandshakeError still reports whatever the real
// client negotiates.
func applyLeafHandshakeVersions(cfg *tls.Config) {
	cfg.MinVersion = tls.VersionTLS10
	cfg.MaxVersion = tls.VersionTLS13
	cfg.CipherSuites = compatibleCipherSuites
}

// applyUpstreamHandshakeVersions bounds the range ServerTLS offers when dialing
// the real origin: the proxy controls this leg, so it refuses to negotiate
// anything weaker than TLS 1.2.
func applyUpstreamHandshakeVersions(cfg *tls.Config) {
	cfg.MinVersion = tls.VersionTLS12
	cfg.MaxVersion = tls.VersionTLS13
	// TLS 1.3 picks its own suites; leaving CipherSuites nil lets crypto/tls
	// choose its secure default set for 1.2 connections too.
}

// compatibleCipherSuites includes CBC-mode suites alongside AEAD ones, for
// the leaf side's wider client compatibility.
var compatibleCipherSuites = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
}

// tlsVersionName renders a negotiated version the way the connection record
// exposes it over the control-plane JSON (flow.Connection.TLSVersion).
func tlsVersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return "unknown"
	}
}

// tlsCipherSuiteName renders a negotiated cipher suite for
// flow.Connection.TLSCipher. tls.CipherSuiteName already covers the suites
// crypto/tls can negotiate, including the ones TLS 1.3 picks on its own.
func tlsCipherSuiteName(suite uint16) string {
	return tls.CipherSuiteName(suite)
}
