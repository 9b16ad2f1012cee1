package flow

import "testing"

func TestConnectionCloseClosesBothHalves(t *testing.T) {
	c := NewConnection(TransportTCP)
	if c.Closed() {
		t.Fatal("freshly created connection should not be closed")
	}

	c.Close("peer reset")

	if !c.Closed() {
		t.Error("expected Closed() to be true after Close()")
	}
	if c.TimestampEnd == nil {
		t.Error("expected TimestampEnd to be set after Close()")
	}
	if c.Error != "peer reset" {
		t.Errorf("Error = %q, want %q", c.Error, "peer reset")
	}
}

func TestConnectionHalfClose(t *testing.T) {
	c := NewConnection(TransportTCP)
	c.CloseRead()

	if c.Closed() {
		t.Error("half-closed connection should not report Closed()")
	}
	if c.ReadOpen {
		t.Error("expected ReadOpen to be false after CloseRead")
	}
	if !c.WriteOpen {
		t.Error("expected WriteOpen to remain true after CloseRead")
	}
}

func TestConnectionMarkTLSEstablished(t *testing.T) {
	c := NewConnection(TransportTCP)
	cert := &Certificate{SHA256: "deadbeef"}

	c.MarkTLSEstablished("TLS 1.3", "TLS_AES_128_GCM_SHA256", "example.com", "h2", cert)

	if !c.TLSEstablished {
		t.Error("expected TLSEstablished to be true")
	}
	if c.SNI != "example.com" {
		t.Errorf("SNI = %q, want example.com", c.SNI)
	}
	if c.Cert != cert {
		t.Error("expected Cert to be attached")
	}
	if c.TimestampTLS == nil {
		t.Error("expected TimestampTLS to be recorded")
	}
}

func TestConnectionClone(t *testing.T) {
	c := NewConnection(TransportTCP)
	c.Peer = &Endpoint{Host: "127.0.0.1", Port: 443}
	c.MarkTLSEstablished("TLS 1.3", "TLS_AES_128_GCM_SHA256", "example.com", "h2", &Certificate{SHA256: "deadbeef"})

	cp := c.Clone()
	if cp == c {
		t.Fatal("expected Clone() to return a distinct pointer")
	}
	if cp.SNI != c.SNI || cp.TLSEstablished != c.TLSEstablished {
		t.Error("expected Clone() to copy every field")
	}

	cp.Close("later error")
	if c.Closed() {
		t.Error("mutating a clone should not close the original connection")
	}
}
