package layers

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/mitmgo/mitmproxy/internal/ca"
	"github.com/mitmgo/mitmproxy/internal/flow"
	"github.com/mitmgo/mitmproxy/internal/proxy"
)

// TLSHandshakeResult is delivered by the driver once a ClientTLS or ServerTLS
// layer's background handshake goroutine completes.
type TLSHandshakeResult struct {
	Conn    *flow.Connection
	Err     error
	Ignored bool // set instead of Err when the tls_clienthello hook asked to switch to passthrough
	Version uint16
	Cipher  uint16
	SNI     string
	ALPN    string
}

// errConnectionIgnored is returned from GetConfigForClient to deliberately
// abort the handshake when the tls_clienthello hook sets IgnoreConnection;
// runHandshake recognizes it and reports TLSHandshakeResult.Ignored instead
// of treating it as a real failure.
var errConnectionIgnored = errors.New("connection ignored by control plane")

// clientHelloEvent carries a parsed ClientHello across to the connection's
// event loop so the tls_clienthello hook can be a real blocking command even
// though crypto/tls.Config.GetConfigForClient is a synchronous callback
// running on the handshake goroutine: the callback blocks on reply until
// Step resolves the pending hook and signals back.
type clientHelloEvent struct {
	Data  *proxy.ClientHelloData
	reply chan struct{}
}

func (clientHelloEvent) eventTag() {}

// tlsHandshakeEvent and plaintextInEvent adapt the background handshake and
// decrypt goroutines to the proxy.Event marker interface, so the layers
// below can drive their nested child purely through ordinary Step calls
// without the core proxy package needing to know about TLS.
type tlsHandshakeEvent struct{ TLSHandshakeResult }

func (tlsHandshakeEvent) eventTag() {}

// NewTLSHandshakeEvent wraps a result as a proxy.Event for Runner.Deliver.
func NewTLSHandshakeEvent(r TLSHandshakeResult) proxy.Event {
	return tlsHandshakeEvent{r}
}

type plaintextInEvent struct{ Data []byte }

func (plaintextInEvent) eventTag() {}

// ClientTLS is the C9 "Client TLS layer": it terminates TLS for the
// intercepted client, acting as a TLS server using a leaf certificate
// minted by the embedded CA for the negotiated SNI. Once the handshake
// completes it mounts childFactory's layer as its Tunnel child and pipes
// decrypted client bytes into it; SendData the child addresses to the
// client is intercepted and re-encrypted rather than bubbled to the driver
// (see Tunnel.InterceptOwnSendData).
type ClientTLS struct {
	Tunnel

	ca *ca.Authority

	pump    *bioPump
	session *tlsSession

	sni    string
	hasSNI bool
	alpn   []string

	childFactory func(ctx *proxy.Context, negotiatedALPN string) proxy.Layer
	eventSink    func(proxy.Event)
	writeSink    func([]byte)

	pendingStart *proxy.TLSStartClientHook
	pendingHello *proxy.TLSClientHelloHook
	helloReply   chan struct{}

	// rawBuf mirrors every byte fed to the pump so far, so it can be
	// replayed verbatim into a plaintext child if tls_clienthello asks to
	// ignore (switch to passthrough) this connection.
	rawBuf []byte
	plain  bool
}

// NewClientTLS creates a ClientTLS layer. childFactory decides which
// protocol layer to mount once the handshake completes, based on the
// negotiated ALPN (or "" if none was offered/selected).
func NewClientTLS(authority *ca.Authority, childFactory func(ctx *proxy.Context, negotiatedALPN string) proxy.Layer) *ClientTLS {
	return &ClientTLS{ca: authority, childFactory: childFactory}
}

// SetWriteSink wires the callback used to fan this layer's outbound TLS
// record bytes -- produced by the handshake and by encrypting application
// data -- into writes on the real client socket. Bypasses the Command
// vocabulary entirely since these bytes never belong to a child layer: they
// are this layer's own wire representation.
func (t *ClientTLS) SetWriteSink(sink func([]byte)) { t.writeSink = sink }

// SNI returns the negotiated SNI, and whether the client sent one at all.
func (t *ClientTLS) SNI() (string, bool) { return t.sni, t.hasSNI }

// Offers returns the ALPN protocols the client offered in its ClientHello,
// available once the handshake has started. Used by the front door's
// childFactory to mirror the client's offers upstream (spec.md §6).
func (t *ClientTLS) Offers() []string { return t.alpn }

// SetEventSink wires the callback the driver uses to feed this layer's own
// Runner from its background goroutines (handshake completion, decrypted
// application data). The driver must serialize calls through the
// connection's single event loop rather than invoking Runner.Deliver
// directly from this callback, since those goroutines run concurrently
// with normal Step dispatch.
func (t *ClientTLS) SetEventSink(sink func(proxy.Event)) { t.eventSink = sink }

// Step implements proxy.Layer.
func (t *ClientTLS) Step(ctx *proxy.Context, event proxy.Event) ([]proxy.Command, error) {
	switch e := event.(type) {
	case proxy.Start:
		t.State = TunnelEstablishing
		hook := &proxy.TLSStartClientHook{Data: proxy.TLSData{Conn: ctx.Client}}
		t.pendingStart = hook
		return []proxy.Command{hook}, nil

	case proxy.DataReceived:
		if e.Conn != ctx.Client {
			return nil, nil
		}
		t.rawBuf = append(t.rawBuf, e.Data...)
		if t.plain {
			return t.deliverChild(ctx, e)
		}
		if t.State == TunnelEstablishing || t.State == TunnelOpen {
			t.pump.Feed(e.Data)
		}
		return nil, nil

	case clientHelloEvent:
		t.pendingHello = &proxy.TLSClientHelloHook{Data: e.Data}
		t.helloReply = e.reply
		return []proxy.Command{t.pendingHello}, nil

	case proxy.HookCompleted:
		if hook, ok := e.Command.(*proxy.TLSStartClientHook); ok && hook == t.pendingStart {
			t.pendingStart = nil
			t.pump = newBioPump()
			go t.pumpOutbound()
			go t.runHandshake(ctx)
			return nil, nil
		}
		if hook, ok := e.Command.(*proxy.TLSClientHelloHook); ok && hook == t.pendingHello {
			t.pendingHello = nil
			reply := t.helloReply
			t.helloReply = nil
			if reply != nil {
				close(reply)
			}
			return nil, nil
		}
		// Not one of this layer's own pending hooks: it belongs to whatever
		// the mounted child is waiting on (e.g. HTTP1's HTTPRequestHook).
		if t.State == TunnelOpen {
			return t.deliverChild(ctx, event)
		}
		return nil, nil

	case tlsHandshakeEvent:
		return t.onHandshakeDone(ctx, e.TLSHandshakeResult)

	case plaintextInEvent:
		return t.deliverChild(ctx, proxy.DataReceived{Conn: ctx.Client, Data: e.Data})

	case proxy.ConnectionClosed:
		wasOpen := t.State == TunnelOpen
		t.teardown()
		if wasOpen {
			return t.DeliverToChild(e)
		}
		return nil, nil

	default:
		if t.State == TunnelOpen {
			return t.deliverChild(ctx, event)
		}
		return nil, nil
	}
}

// deliverChild forwards event to the mounted child, re-encrypting any
// SendData the child addresses back to ctx.Client -- unless this connection
// turned out to be a plaintext passthrough (tls_clienthello asked to
// ignore), in which case there is no encryption layer to intercept for.
func (t *ClientTLS) deliverChild(ctx *proxy.Context, event proxy.Event) ([]proxy.Command, error) {
	cmds, err := t.DeliverToChild(event)
	if t.plain {
		return cmds, err
	}
	return InterceptOwnSendData(cmds, ctx.Client, t.session.WriteApp), err
}

func (t *ClientTLS) teardown() {
	t.Fail()
	if t.session != nil {
		t.session.Close()
	}
	if t.pump != nil {
		t.pump.Close()
	}
}

func (t *ClientTLS) runHandshake(ctx *proxy.Context) {
	cfg := &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			host := hello.ServerName
			t.hasSNI = host != ""
			t.sni = host
			t.alpn = hello.SupportedProtos
			if host == "" {
				host = ctx.Client.Peer.Host
			}

			if decision := t.runClientHelloHook(host, hello.SupportedProtos); decision.IgnoreConnection {
				return nil, errConnectionIgnored
			}

			leaf, err := t.ca.LeafForHost(host)
			if err != nil {
				return nil, err
			}
			leafCfg := &tls.Config{
				Certificates: []tls.Certificate{leaf},
				NextProtos:   preferredALPN(hello.SupportedProtos),
			}
			applyLeafHandshakeVersions(leafCfg)
			return leafCfg, nil
		},
	}

	conn := tls.Server(t.pump.Remote(), cfg)
	result := TLSHandshakeResult{Conn: ctx.Client}

	err := conn.Handshake()
	if err != nil {
		if errors.Is(err, errConnectionIgnored) {
			result.Ignored = true
		} else {
			result.Err = mapHandshakeError(err, t.sniOrDest(ctx))
		}
	} else {
		state := conn.ConnectionState()
		result.Version = state.Version
		result.Cipher = state.CipherSuite
		result.SNI = t.sni
		result.ALPN = state.NegotiatedProtocol
		t.session = startTLSSession(conn, t.pump)
		go t.pumpPlaintextIn()
	}

	if t.eventSink != nil {
		t.eventSink(NewTLSHandshakeEvent(result))
	}
}

// runClientHelloHook hands a parsed ClientHello to the connection's event
// loop and blocks until the tls_clienthello hook resolves, returning
// whatever decision the control plane made (ignore_connection, or neither).
// This runs on the handshake goroutine, inside GetConfigForClient, so it
// must not touch the Runner directly -- only the async eventSink, mirroring
// tlsHandshakeEvent/plaintextInEvent's existing cross-goroutine pattern.
func (t *ClientTLS) runClientHelloHook(sni string, alpn []string) proxy.ClientHelloData {
	data := &proxy.ClientHelloData{SNI: sni, HasSNI: sni != "", ALPNProtocols: alpn}
	if t.eventSink == nil {
		return *data
	}
	reply := make(chan struct{})
	t.eventSink(clientHelloEvent{Data: data, reply: reply})
	<-reply
	return *data
}

func (t *ClientTLS) pumpOutbound() {
	for data := range t.pump.Outbound() {
		if t.writeSink != nil {
			t.writeSink(data)
		}
	}
}

func (t *ClientTLS) pumpPlaintextIn() {
	for data := range t.session.PlaintextIn() {
		if t.eventSink != nil {
			t.eventSink(plaintextInEvent{Data: data})
		}
	}
}

func (t *ClientTLS) sniOrDest(ctx *proxy.Context) string {
	if t.hasSNI {
		return t.sni
	}
	if ctx.Client != nil && ctx.Client.Peer != nil {
		return ctx.Client.Peer.Host
	}
	return "<unknown>"
}

func (t *ClientTLS) onHandshakeDone(ctx *proxy.Context, r TLSHandshakeResult) ([]proxy.Command, error) {
	if r.Ignored {
		// tls_clienthello asked to ignore this connection: the aborted
		// handshake attempt never forwarded or consumed anything beyond
		// what rawBuf already mirrors, so replay it verbatim into a raw TCP
		// passthrough instead of failing the connection or assuming it's
		// HTTP (ignore_connection makes no such promise).
		t.plain = true
		if t.pump != nil {
			t.pump.Close()
			t.pump = nil
		}
		cmds, err := t.OpenChild(ctx, NewTCP())
		if err != nil || len(t.rawBuf) == 0 {
			return cmds, err
		}
		more, err := t.DeliverToChild(proxy.DataReceived{Conn: ctx.Client, Data: t.rawBuf})
		return append(cmds, more...), err
	}

	if r.Err != nil {
		t.Fail()
		return []proxy.Command{
			proxy.Log{Level: proxy.LogWarning, Message: r.Err.Error()},
			proxy.TLSFailedClientHook{Data: proxy.TLSData{Conn: ctx.Client}, Reason: r.Err.Error()},
			proxy.CloseConnection{Conn: ctx.Client},
		}, nil
	}

	ctx.Client.MarkTLSEstablished(
		tlsVersionName(r.Version),
		tlsCipherSuiteName(r.Cipher),
		r.SNI,
		r.ALPN,
		nil,
	)

	child := t.childFactory(ctx, r.ALPN)
	cmds, err := t.OpenChild(ctx, child)
	cmds = InterceptOwnSendData(cmds, ctx.Client, t.session.WriteApp)
	cmds = append([]proxy.Command{proxy.TLSEstablishedClientHook{Data: proxy.TLSData{Conn: ctx.Client}}}, cmds...)
	return cmds, err
}

// preferredALPN narrows the client's offered protocols to the ones this
// proxy actually understands (h2, http/1.1), preserving client order.
func preferredALPN(offered []string) []string {
	var out []string
	for _, p := range offered {
		if p == "h2" || p == "http/1.1" {
			out = append(out, p)
		}
	}
	return out
}

// mapHandshakeError renders the taxonomy spec.md §4.4 step 7 names.
func mapHandshakeError(err error, dest string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unsupported protocol"):
		return fmt.Errorf("unsupported protocol")
	case strings.Contains(msg, "bad certificate"), strings.Contains(msg, "unknown certificate"), strings.Contains(msg, "certificate unknown"):
		return fmt.Errorf("client does not trust the proxy's certificate for %s", dest)
	case strings.Contains(msg, "EOF"):
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("client may not trust the proxy's certificate for %s: %w", dest, err)
	}
}
