package layers

import (
	"crypto/tls"

	"github.com/mitmgo/mitmproxy/internal/proxy"
)

// ServerTLS is the C9 "Server TLS layer": it terminates TLS toward the real
// upstream server, acting as a TLS client. It owns dialing the upstream
// connection (via the blocking OpenConnection command) unless one has
// already been opened eagerly by the driver, per spec.md §4.2's
// ConnectionStrategy. Like ClientTLS it mounts childFactory's layer as its
// Tunnel child once the handshake completes and intercepts the child's
// SendData toward the server to re-encrypt it.
type ServerTLS struct {
	Tunnel

	host string
	port int
	alpn []string

	childFactory func(ctx *proxy.Context, negotiatedALPN string) proxy.Layer
	eventSink    func(proxy.Event)

	pump       *bioPump
	session    *tlsSession
	dialPend   *proxy.OpenConnection
	haveServer bool

	pendingStart *proxy.TLSStartServerHook
	writeSink    func([]byte)
}

// NewServerTLS creates a ServerTLS layer targeting host:port, offering alpn
// during the handshake (may be nil). childFactory picks the plaintext
// protocol layer to mount once the handshake completes.
func NewServerTLS(host string, port int, alpn []string, childFactory func(ctx *proxy.Context, negotiatedALPN string) proxy.Layer) *ServerTLS {
	return &ServerTLS{host: host, port: port, alpn: alpn, childFactory: childFactory}
}

// SetEventSink wires the callback used to feed this layer's own Runner from
// its background goroutines, mirroring ClientTLS.
func (t *ServerTLS) SetEventSink(sink func(proxy.Event)) { t.eventSink = sink }

// SetWriteSink wires the callback used to fan this layer's outbound TLS
// record bytes into writes on the real upstream socket, mirroring
// ClientTLS.SetWriteSink.
func (t *ServerTLS) SetWriteSink(sink func([]byte)) { t.writeSink = sink }

// Step implements proxy.Layer.
func (t *ServerTLS) Step(ctx *proxy.Context, event proxy.Event) ([]proxy.Command, error) {
	switch e := event.(type) {
	case proxy.Start:
		t.State = TunnelEstablishing
		hook := &proxy.TLSStartServerHook{Data: proxy.TLSData{Conn: ctx.Server}}
		t.pendingStart = hook
		return []proxy.Command{hook}, nil

	case proxy.HookCompleted:
		if hook, ok := e.Command.(*proxy.TLSStartServerHook); ok && hook == t.pendingStart {
			t.pendingStart = nil
			if ctx.Server != nil {
				t.haveServer = true
				t.startHandshake(ctx)
				return nil, nil
			}
			cmd := &proxy.OpenConnection{Target: proxy.Server{Host: t.host, Port: t.port}}
			t.dialPend = cmd
			return []proxy.Command{cmd}, nil
		}
		// Not this layer's own start hook: belongs to the mounted child.
		if t.State == TunnelOpen {
			cmds, err := t.DeliverToChild(event)
			return InterceptOwnSendData(cmds, ctx.Server, t.session.WriteApp), err
		}
		return nil, nil

	case proxy.OpenConnectionCompleted:
		if e.Command != t.dialPend {
			return nil, nil
		}
		t.dialPend = nil
		if e.Err != nil {
			t.Fail()
			return []proxy.Command{proxy.Log{Level: proxy.LogWarning, Message: e.Err.Error()}}, nil
		}
		t.haveServer = true
		t.startHandshake(ctx)
		return nil, nil

	case proxy.DataReceived:
		if e.Conn == ctx.Server {
			if t.State == TunnelEstablishing || t.State == TunnelOpen {
				t.pump.Feed(e.Data)
			}
			return nil, nil
		}
		// Plaintext forwarded down from an enclosing tunnel (e.g. the
		// decrypted client request, handed down by ClientTLS): pass it
		// straight to our own child, intercepting any reply addressed to
		// the server so it gets encrypted rather than bubbled raw.
		if t.State == TunnelOpen {
			cmds, err := t.DeliverToChild(e)
			return InterceptOwnSendData(cmds, ctx.Server, t.session.WriteApp), err
		}
		return nil, nil

	case tlsHandshakeEvent:
		return t.onHandshakeDone(ctx, e.TLSHandshakeResult)

	case plaintextInEvent:
		cmds, err := t.DeliverToChild(proxy.DataReceived{Conn: ctx.Server, Data: e.Data})
		return InterceptOwnSendData(cmds, ctx.Server, t.session.WriteApp), err

	case proxy.ConnectionClosed:
		wasOpen := t.State == TunnelOpen
		t.teardown()
		if wasOpen {
			return t.DeliverToChild(e)
		}
		return nil, nil

	default:
		if t.State == TunnelOpen {
			cmds, err := t.DeliverToChild(event)
			return InterceptOwnSendData(cmds, ctx.Server, t.session.WriteApp), err
		}
		return nil, nil
	}
}

func (t *ServerTLS) teardown() {
	t.Fail()
	if t.session != nil {
		t.session.Close()
	}
	if t.pump != nil {
		t.pump.Close()
	}
}

func (t *ServerTLS) startHandshake(ctx *proxy.Context) {
	t.pump = newBioPump()
	go t.pumpOutbound()
	go t.runHandshake(ctx)
}

func (t *ServerTLS) pumpOutbound() {
	for data := range t.pump.Outbound() {
		if t.writeSink != nil {
			t.writeSink(data)
		}
	}
}

func (t *ServerTLS) runHandshake(ctx *proxy.Context) {
	cfg := &tls.Config{
		ServerName: t.host,
		NextProtos: t.alpn,
	}
	applyUpstreamHandshakeVersions(cfg)

	conn := tls.Client(t.pump.Remote(), cfg)
	result := TLSHandshakeResult{Conn: ctx.Server}

	err := conn.Handshake()
	if err != nil {
		result.Err = mapHandshakeError(err, t.host)
	} else {
		state := conn.ConnectionState()
		result.Version = state.Version
		result.Cipher = state.CipherSuite
		result.ALPN = state.NegotiatedProtocol
		result.SNI = t.host
		t.session = startTLSSession(conn, t.pump)
		go t.pumpPlaintextIn()
	}

	if t.eventSink != nil {
		t.eventSink(NewTLSHandshakeEvent(result))
	}
}

func (t *ServerTLS) pumpPlaintextIn() {
	for data := range t.session.PlaintextIn() {
		if t.eventSink != nil {
			t.eventSink(plaintextInEvent{Data: data})
		}
	}
}

func (t *ServerTLS) onHandshakeDone(ctx *proxy.Context, r TLSHandshakeResult) ([]proxy.Command, error) {
	if r.Err != nil {
		t.Fail()
		return []proxy.Command{
			proxy.Log{Level: proxy.LogWarning, Message: r.Err.Error()},
			proxy.TLSFailedServerHook{Data: proxy.TLSData{Conn: ctx.Server}, Reason: r.Err.Error()},
			proxy.CloseConnection{Conn: ctx.Server},
		}, nil
	}

	ctx.Server.MarkTLSEstablished(
		tlsVersionName(r.Version),
		tlsCipherSuiteName(r.Cipher),
		r.SNI,
		r.ALPN,
		nil,
	)

	child := t.childFactory(ctx, r.ALPN)
	cmds, err := t.OpenChild(ctx, child)
	cmds = InterceptOwnSendData(cmds, ctx.Server, t.session.WriteApp)
	cmds = append([]proxy.Command{proxy.TLSEstablishedServerHook{Data: proxy.TLSData{Conn: ctx.Server}}}, cmds...)
	return cmds, err
}
