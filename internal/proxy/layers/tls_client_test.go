package layers

import (
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/mitmgo/mitmproxy/internal/ca"
	"github.com/mitmgo/mitmproxy/internal/flow"
	"github.com/mitmgo/mitmproxy/internal/proxy"
)

// driveClientTLS wires a ClientTLS the way internal/mitm's session does: a
// single goroutine serializing events and approving every hook
// immediately, plus a goroutine fanning the layer's encrypted outbound
// bytes to testSide. Returns the channel the caller should feed client
// DataReceived events into, and a teardown func.
func driveClientTLS(t *testing.T, runner *proxy.Runner, ct *ClientTLS, testSide net.Conn) (chan<- proxy.Event, func()) {
	t.Helper()
	events := make(chan proxy.Event, 64)
	outbound := make(chan []byte, 64)
	done := make(chan struct{})

	ct.SetEventSink(func(e proxy.Event) {
		select {
		case events <- e:
		case <-done:
		}
	})
	ct.SetWriteSink(func(b []byte) {
		cp := append([]byte(nil), b...)
		select {
		case outbound <- cp:
		case <-done:
		}
	})

	go func() {
		for {
			select {
			case b := <-outbound:
				testSide.Write(b)
			case <-done:
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case e := <-events:
				if ch, ok := e.(clientHelloEvent); ok {
					close(ch.reply)
					continue
				}
				cmds, err := runner.Deliver(e)
				if err != nil {
					t.Logf("Step error: %v", err)
				}
				approveHooks(runner, cmds)
			case <-done:
				return
			}
		}
	}()

	return events, func() { close(done) }
}

// approveHooks recursively resolves every HookCommand a Step returned with
// an immediate success, mirroring PassthroughHooks, feeding the resulting
// HookCompleted back through the same Runner.
func approveHooks(runner *proxy.Runner, cmds []proxy.Command) {
	for _, c := range cmds {
		hook, ok := c.(proxy.HookCommand)
		if !ok {
			continue
		}
		more, _ := runner.Deliver(proxy.HookCompleted{Command: hook, Err: nil})
		approveHooks(runner, more)
	}
}

func TestClientTLSCompletesHandshakeAndOpensChild(t *testing.T) {
	authority, err := ca.New(t.TempDir())
	if err != nil {
		t.Fatalf("ca.New: %v", err)
	}

	client := flow.NewConnection(flow.TransportTCP)
	client.Peer = &flow.Endpoint{Host: "example.test", Port: 443}
	ctx := &proxy.Context{Client: client, Options: proxy.DefaultOptions()}

	child := &recordingLayer{}
	ct := NewClientTLS(authority, func(*proxy.Context, string) proxy.Layer { return child })
	runner := proxy.NewRunner(ctx, ct)

	extConn, testSide := net.Pipe()
	defer extConn.Close()
	defer testSide.Close()

	events, teardown := driveClientTLS(t, runner, ct, testSide)
	defer teardown()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := testSide.Read(buf)
			if n > 0 {
				data := append([]byte(nil), buf[:n]...)
				events <- proxy.DataReceived{Conn: client, Data: data}
			}
			if err != nil {
				return
			}
		}
	}()

	// Start goes through the same events channel the driver's goroutine
	// drains, so every runner.Deliver call happens on one goroutine.
	events <- proxy.Start{}

	tlsClient := tls.Client(extConn, &tls.Config{InsecureSkipVerify: true, ServerName: "example.test"})
	tlsClient.SetDeadline(time.Now().Add(5 * time.Second))
	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("real TLS client handshake: %v", err)
	}

	if _, err := tlsClient.Write([]byte("ping")); err != nil {
		t.Fatalf("tlsClient.Write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(child.Events()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("child layer never received the decrypted application data")
		}
		time.Sleep(time.Millisecond)
	}

	var sawData bool
	for _, e := range child.Events() {
		if dr, ok := e.(proxy.DataReceived); ok && string(dr.Data) == "ping" {
			sawData = true
		}
	}
	if !sawData {
		t.Errorf("child events = %v, want a DataReceived carrying \"ping\"", child.Events())
	}
	if ct.State != TunnelOpen {
		t.Errorf("ClientTLS.State = %v, want TunnelOpen", ct.State)
	}
}
