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

func TestServerTLSDialsWhenNoServerConnectionYet(t *testing.T) {
	ctx := &proxy.Context{Client: flow.NewConnection(flow.TransportTCP)}
	st := NewServerTLS("upstream.test", 443, nil, func(*proxy.Context, string) proxy.Layer { return &recordingLayer{} })

	cmds, err := st.Step(ctx, proxy.Start{})
	if err != nil {
		t.Fatalf("Step(Start): %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("expected exactly one command (the start hook), got %v", cmds)
	}
	hook, ok := cmds[0].(*proxy.TLSStartServerHook)
	if !ok {
		t.Fatalf("expected *proxy.TLSStartServerHook, got %T", cmds[0])
	}

	cmds, err = st.Step(ctx, proxy.HookCompleted{Command: hook, Err: nil})
	if err != nil {
		t.Fatalf("Step(HookCompleted): %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("expected exactly one command (the dial), got %v", cmds)
	}
	dial, ok := cmds[0].(*proxy.OpenConnection)
	if !ok {
		t.Fatalf("expected *proxy.OpenConnection, got %T", cmds[0])
	}
	if dial.Target.Host != "upstream.test" || dial.Target.Port != 443 {
		t.Errorf("dial target = %+v, want upstream.test:443", dial.Target)
	}
}

func TestServerTLSSkipsDialWhenServerAlreadyOpen(t *testing.T) {
	server := flow.NewConnection(flow.TransportTCP)
	ctx := &proxy.Context{Client: flow.NewConnection(flow.TransportTCP), Server: server}
	st := NewServerTLS("upstream.test", 443, nil, func(*proxy.Context, string) proxy.Layer { return &recordingLayer{} })
	st.SetEventSink(func(proxy.Event) {})
	st.SetWriteSink(func([]byte) {})
	defer st.teardown()

	cmds, err := st.Step(ctx, proxy.Start{})
	if err != nil {
		t.Fatalf("Step(Start): %v", err)
	}
	hook := cmds[0].(*proxy.TLSStartServerHook)

	cmds, err = st.Step(ctx, proxy.HookCompleted{Command: hook, Err: nil})
	if err != nil {
		t.Fatalf("Step(HookCompleted): %v", err)
	}
	if len(cmds) != 0 {
		t.Errorf("expected no dial command when ctx.Server is already set, got %v", cmds)
	}
	if !st.haveServer {
		t.Error("expected haveServer to be set")
	}
}

// driveServerTLS runs a ServerTLS's own event loop the way internal/mitm's
// session does for the upstream half of a tunnel.
func driveServerTLS(t *testing.T, runner *proxy.Runner, st *ServerTLS, testSide net.Conn, server *flow.Connection) (chan<- proxy.Event, func()) {
	t.Helper()
	events := make(chan proxy.Event, 64)
	outbound := make(chan []byte, 64)
	done := make(chan struct{})

	st.SetEventSink(func(e proxy.Event) {
		select {
		case events <- e:
		case <-done:
		}
	})
	st.SetWriteSink(func(b []byte) {
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

// TestServerTLSReportsUntrustedUpstreamCertificate exercises the real
// handshake goroutine against a genuine tls.Server whose certificate our
// proxy's own CA minted -- untrusted by the default verifier, the same way
// a real misconfigured or self-signed upstream would be -- and checks that
// the handshake fails on the real server side and that ServerTLS's tunnel
// then reaches Closed rather than silently hanging.
func TestServerTLSReportsUntrustedUpstreamCertificate(t *testing.T) {
	authority, err := ca.New(t.TempDir())
	if err != nil {
		t.Fatalf("ca.New: %v", err)
	}
	leaf, err := authority.LeafForHost("upstream.test")
	if err != nil {
		t.Fatalf("LeafForHost: %v", err)
	}

	extConn, testSide := net.Pipe()
	defer extConn.Close()
	defer testSide.Close()

	serverDone := make(chan error, 1)
	go func() {
		srv := tls.Server(extConn, &tls.Config{Certificates: []tls.Certificate{leaf}})
		serverDone <- srv.Handshake()
	}()

	server := flow.NewConnection(flow.TransportTCP)
	ctx := &proxy.Context{Client: flow.NewConnection(flow.TransportTCP), Server: server}

	child := &recordingLayer{}
	st := NewServerTLS("upstream.test", 443, nil, func(*proxy.Context, string) proxy.Layer { return child })
	runner := proxy.NewRunner(ctx, st)

	events, teardown := driveServerTLS(t, runner, st, testSide, server)
	defer teardown()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := testSide.Read(buf)
			if n > 0 {
				data := append([]byte(nil), buf[:n]...)
				events <- proxy.DataReceived{Conn: server, Data: data}
			}
			if err != nil {
				return
			}
		}
	}()

	events <- proxy.Start{}

	select {
	case err := <-serverDone:
		if err == nil {
			t.Fatal("expected the real tls.Server side to see a failed handshake (untrusted cert)")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the upstream handshake to fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !st.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("ServerTLS never transitioned to Closed after the handshake failure")
		}
		time.Sleep(time.Millisecond)
	}
}
