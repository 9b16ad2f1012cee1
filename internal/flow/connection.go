// Package flow implements the connection and flow data model (C1, C2) and the
// filter predicate engine (C3) described by the proxy engine's data model.
package flow

import (
	"time"

	"github.com/mitmgo/mitmproxy/pkg/timing"
)

// Transport identifies the underlying socket transport of a Connection.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
)

// Endpoint is a network peer identified by host and port.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// HalfState tracks whether one direction of a connection is still open.
type HalfState struct {
	Open bool `json:"open"`
}

// Certificate carries the subset of an X.509 certificate exposed over the
// control-plane JSON schema (see spec.md §6).
type Certificate struct {
	KeyInfo   string            `json:"keyinfo"`
	SHA256    string            `json:"sha256"`
	NotBefore int64             `json:"notbefore"`
	NotAfter  int64             `json:"notafter"`
	Serial    string            `json:"serial"`
	Subject   map[string]string `json:"subject"`
	Issuer    map[string]string `json:"issuer"`
	AltNames  []string          `json:"altnames"`
}

// Connection is the C1 data model: a typed client/server endpoint record with
// half-open read/write state, transport, TLS metadata, timestamps and error.
type Connection struct {
	ID        uint64    `json:"-"`
	Transport Transport `json:"transport"`

	Peer  *Endpoint `json:"peername,omitempty"`
	Local *Endpoint `json:"sockname,omitempty"`

	ReadOpen  bool `json:"-"`
	WriteOpen bool `json:"-"`

	TimestampStart   time.Time  `json:"-"`
	TimestampTCP     *time.Time `json:"-"`
	TimestampTLS     *time.Time `json:"-"`
	TimestampEnd     *time.Time `json:"-"`

	Error string `json:"error,omitempty"`

	TLSEstablished bool         `json:"tls_established"`
	TLSVersion     string       `json:"tls_version,omitempty"`
	TLSCipher      string       `json:"cipher,omitempty"`
	SNI            string       `json:"sni,omitempty"`
	ALPN           string       `json:"alpn,omitempty"`
	Cert           *Certificate `json:"cert,omitempty"`

	Metrics timing.Metrics `json:"-"`
}

// NewConnection creates a Connection in the just-accepted / just-dialed state.
func NewConnection(transport Transport) *Connection {
	return &Connection{
		Transport:      transport,
		ReadOpen:       true,
		WriteOpen:      true,
		TimestampStart: time.Now(),
	}
}

// MarkTCPEstablished records the TCP handshake timestamp.
func (c *Connection) MarkTCPEstablished() {
	now := time.Now()
	c.TimestampTCP = &now
}

// MarkTLSEstablished records negotiated TLS parameters and the handshake
// timestamp. Invariant: once End is set neither half may be reopened.
func (c *Connection) MarkTLSEstablished(version, cipher, sni, alpn string, cert *Certificate) {
	now := time.Now()
	c.TimestampTLS = &now
	c.TLSEstablished = true
	c.TLSVersion = version
	c.TLSCipher = cipher
	c.SNI = sni
	c.ALPN = alpn
	c.Cert = cert
}

// Close marks both halves closed and records the end timestamp. Per the
// invariant in spec.md §3, once End is set both halves are closed.
func (c *Connection) Close(errMsg string) {
	c.ReadOpen = false
	c.WriteOpen = false
	if c.TimestampEnd == nil {
		now := time.Now()
		c.TimestampEnd = &now
	}
	if errMsg != "" {
		c.Error = errMsg
	}
}

// CloseRead half-closes the read direction only.
func (c *Connection) CloseRead() {
	c.ReadOpen = false
}

// CloseWrite half-closes the write direction only.
func (c *Connection) CloseWrite() {
	c.WriteOpen = false
}

// Closed reports whether both halves are shut.
func (c *Connection) Closed() bool {
	return !c.ReadOpen && !c.WriteOpen
}

// Clone returns a copy of the connection record. Every field past Peer/Local
// is replaced wholesale rather than mutated in place once set (MarkTLSEstablished
// and Close always assign fresh pointers/values), so a shallow copy is a safe
// point-in-time snapshot.
func (c *Connection) Clone() *Connection {
	cp := *c
	return &cp
}
