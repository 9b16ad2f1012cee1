package layers

import (
	"bytes"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/mitmgo/mitmproxy/internal/ca"
	"github.com/mitmgo/mitmproxy/internal/flow"
	"github.com/mitmgo/mitmproxy/internal/proxy"
)

// HTTPChildFactory picks the plaintext protocol codec to mount once a TLS
// tunnel (client- or server-facing) completes its handshake, based on the
// negotiated ALPN ("h2" vs anything else, including "").
type HTTPChildFactory func(ctx *proxy.Context, negotiatedALPN string) proxy.Layer

// DefaultHTTPChildFactory mounts HTTP/2 when h2 was negotiated, HTTP/1.1
// otherwise -- the only two protocol codecs this proxy understands.
func DefaultHTTPChildFactory(ctx *proxy.Context, negotiatedALPN string) proxy.Layer {
	if negotiatedALPN == "h2" {
		return NewHTTP2()
	}
	return NewHTTP1()
}

// TLSWiring bundles the per-connection callbacks the driver uses to hook a
// freshly constructed ClientTLS/ServerTLS into its single-threaded event
// loop and real sockets, before Start is ever delivered to it. Threaded
// through the front door rather than discovered after the fact, since a
// layer's handshake goroutine can start producing events (and outbound
// ciphertext) as soon as its Start hook resolves.
type TLSWiring struct {
	EventSink   func(proxy.Event)
	WriteClient func([]byte)
	WriteServer func([]byte)
}

func (w TLSWiring) wireClient(t *ClientTLS) *ClientTLS {
	t.SetEventSink(w.EventSink)
	t.SetWriteSink(w.WriteClient)
	return t
}

func (w TLSWiring) wireServer(t *ServerTLS) *ServerTLS {
	t.SetEventSink(w.EventSink)
	t.SetWriteSink(w.WriteServer)
	return t
}

// ConnectBootstrap is the C13 front door's CONNECT branch (spec.md §6): it
// parses a CONNECT request's line and headers, ignoring the headers
// themselves (an intercepting proxy has no use for a CONNECT's own headers
// beyond the dial target), replies with a 200, then hands the tunneled
// bytes to a second NextLayer choosing between TLS interception (the
// common case for an HTTPS client) and raw passthrough (a CONNECT tunnel
// carrying something other than TLS).
type ConnectBootstrap struct {
	reader http1Reader

	host string
	port int

	authority    *ca.Authority
	childFactory HTTPChildFactory
	wiring       TLSWiring

	next *proxy.NextLayer
}

// NewConnectBootstrap creates the layer NextLayer mounts when a front-door
// Decider sees a request line starting with "CONNECT ".
func NewConnectBootstrap(authority *ca.Authority, childFactory HTTPChildFactory, wiring TLSWiring) *ConnectBootstrap {
	c := &ConnectBootstrap{authority: authority, childFactory: childFactory, wiring: wiring}
	c.reader.kind = http1Request
	return c
}

// Step implements proxy.Layer.
func (c *ConnectBootstrap) Step(ctx *proxy.Context, event proxy.Event) ([]proxy.Command, error) {
	if c.next != nil {
		return c.next.Step(ctx, event)
	}

	switch e := event.(type) {
	case proxy.Start:
		return nil, nil

	case proxy.DataReceived:
		if e.Conn != ctx.Client {
			return nil, nil
		}
		c.reader.feed(e.Data)
		msg, ok, err := c.reader.next()
		if err != nil {
			return []proxy.Command{proxy.CloseConnection{Conn: ctx.Client}}, nil
		}
		if !ok {
			return nil, nil
		}

		parts := strings.SplitN(msg.startLine, " ", 3)
		if len(parts) < 2 {
			return []proxy.Command{
				proxy.SendData{Conn: ctx.Client, Data: []byte("HTTP/1.1 400 Bad Request\r\n\r\n")},
				proxy.CloseConnection{Conn: ctx.Client},
			}, nil
		}
		c.host, c.port = splitHostPort(parts[1], 443)

		c.next = proxy.NewNextLayer(c.decide)
		cmds := []proxy.Command{proxy.SendData{Conn: ctx.Client, Data: []byte("HTTP/1.1 200 Connection Established\r\n\r\n")}}
		more, err := c.next.Step(ctx, proxy.Start{})
		return append(cmds, more...), err

	default:
		return nil, nil
	}
}

// decide distinguishes an intercepted-TLS CONNECT tunnel from a raw one by
// the first byte the client sends once it believes the tunnel is up: 0x16
// is a TLS handshake record, anything else is passed through verbatim.
func (c *ConnectBootstrap) decide(ctx *proxy.Context, buffered []byte) (proxy.Layer, bool, error) {
	if len(buffered) < 1 {
		return nil, false, nil
	}
	if buffered[0] == 0x16 {
		var clientTLS *ClientTLS
		clientTLS = NewClientTLS(c.authority, func(ctx *proxy.Context, _ string) proxy.Layer {
			return c.wiring.wireServer(NewServerTLS(c.host, c.port, clientTLS.Offers(), c.childFactory))
		})
		return c.wiring.wireClient(clientTLS), true, nil
	}
	return NewLazyTCP(c.host, c.port), true, nil
}

// LazyTCP is the raw-passthrough sibling of ServerTLS's dial-on-demand
// discipline (spec.md §4.4): it defers dialing the CONNECT target until the
// client actually sends a byte to forward, then behaves exactly like TCP.
// Used for CONNECT tunnels the client never upgrades to TLS.
type LazyTCP struct {
	host string
	port int

	tcp   *TCP
	dial  *proxy.OpenConnection
	queue []proxy.Event
}

// NewLazyTCP creates a passthrough layer that dials host:port on first use.
func NewLazyTCP(host string, port int) *LazyTCP {
	return &LazyTCP{host: host, port: port, tcp: NewTCP()}
}

// Step implements proxy.Layer.
func (l *LazyTCP) Step(ctx *proxy.Context, event proxy.Event) ([]proxy.Command, error) {
	switch e := event.(type) {
	case proxy.Start:
		return nil, nil

	case proxy.DataReceived:
		if ctx.Server != nil || e.Conn != ctx.Client {
			return l.tcp.Step(ctx, event)
		}
		l.queue = append(l.queue, event)
		if l.dial != nil {
			return nil, nil
		}
		l.dial = &proxy.OpenConnection{Target: proxy.Server{Host: l.host, Port: l.port}}
		return []proxy.Command{l.dial}, nil

	case proxy.OpenConnectionCompleted:
		if e.Command != l.dial {
			return nil, nil
		}
		l.dial = nil
		if e.Err != nil {
			return []proxy.Command{
				proxy.Log{Level: proxy.LogWarning, Message: e.Err.Error()},
				proxy.CloseConnection{Conn: ctx.Client},
			}, nil
		}
		queued := l.queue
		l.queue = nil
		var cmds []proxy.Command
		for _, qe := range queued {
			more, err := l.tcp.Step(ctx, qe)
			cmds = append(cmds, more...)
			if err != nil {
				return cmds, err
			}
		}
		return cmds, nil

	default:
		return l.tcp.Step(ctx, event)
	}
}

// ForwardHTTP1 is the C13 front door's plain-HTTP branch (spec.md §6): the
// client sent an ordinary HTTP/1 request rather than a CONNECT, either in
// absolute form ("GET http://api.test/x HTTP/1.1") or origin form relying
// on the Host header. It derives the dial target, rewrites the request
// line to origin form, dials lazily like LazyTCP, then hands the rest of
// the connection's keep-alive lifetime to an ordinary HTTP1 codec.
type ForwardHTTP1 struct {
	reader http1Reader

	dial         *proxy.OpenConnection
	firstRequest []byte
	host         string
	port         int

	http *HTTP1
}

// NewForwardHTTP1 creates the layer NextLayer mounts for a non-CONNECT,
// non-TLS front-door request.
func NewForwardHTTP1() *ForwardHTTP1 {
	f := &ForwardHTTP1{}
	f.reader.kind = http1Request
	return f
}

// Step implements proxy.Layer.
func (f *ForwardHTTP1) Step(ctx *proxy.Context, event proxy.Event) ([]proxy.Command, error) {
	if f.http != nil {
		return f.http.Step(ctx, event)
	}

	switch e := event.(type) {
	case proxy.Start:
		return nil, nil

	case proxy.DataReceived:
		if e.Conn != ctx.Client {
			return nil, nil
		}
		f.reader.feed(e.Data)
		msg, ok, err := f.reader.next()
		if err != nil {
			return []proxy.Command{proxy.CloseConnection{Conn: ctx.Client}}, nil
		}
		if !ok {
			return nil, nil
		}

		req := msg.toRequest()
		host, port, ok := rewriteAbsoluteForm(req)
		if !ok {
			return []proxy.Command{
				proxy.SendData{Conn: ctx.Client, Data: []byte("HTTP/1.1 400 Bad Request\r\n\r\n")},
				proxy.CloseConnection{Conn: ctx.Client},
			}, nil
		}
		f.host, f.port = host, port
		f.firstRequest = serializeRequest(req)
		f.dial = &proxy.OpenConnection{Target: proxy.Server{Host: host, Port: port}}
		return []proxy.Command{f.dial}, nil

	case proxy.OpenConnectionCompleted:
		if e.Command != f.dial {
			return nil, nil
		}
		f.dial = nil
		if e.Err != nil {
			return []proxy.Command{
				proxy.Log{Level: proxy.LogWarning, Message: e.Err.Error()},
				proxy.CloseConnection{Conn: ctx.Client},
			}, nil
		}
		f.http = NewHTTP1()
		cmds, err := f.http.Step(ctx, proxy.Start{})
		if err != nil {
			return cmds, err
		}
		more, err := f.http.Step(ctx, proxy.DataReceived{Conn: ctx.Client, Data: f.firstRequest})
		return append(cmds, more...), err

	default:
		return nil, nil
	}
}

// rewriteAbsoluteForm normalizes req's request-target to origin form
// in-place and reports the dial target, from either an absolute-form URI
// or the Host header (ok is false if neither yields a usable host).
func rewriteAbsoluteForm(req *flow.Request) (host string, port int, ok bool) {
	if strings.HasPrefix(req.Path, "http://") || strings.HasPrefix(req.Path, "https://") {
		u, err := url.Parse(req.Path)
		if err != nil || u.Host == "" {
			return "", 0, false
		}
		req.Scheme = u.Scheme
		req.Path = u.RequestURI()
		h, p := splitHostPort(u.Host, defaultPortForScheme(u.Scheme))
		req.Host = h
		return h, p, true
	}
	if req.Host == "" {
		return "", 0, false
	}
	h, p := splitHostPort(req.Host, 80)
	return h, p, true
}

func defaultPortForScheme(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}

// NewFrontDoor builds the C13 front door itself: a NextLayer dispatching a
// freshly accepted client connection to one of CONNECT handling, plain
// absolute/origin-form HTTP proxying, or direct TLS interception for
// transparent-style deployments (spec.md §6) -- the latter targets the
// connection's own local address, since without a CONNECT or Host header
// there is no other destination to learn from.
func NewFrontDoor(authority *ca.Authority, childFactory HTTPChildFactory, wiring TLSWiring) *proxy.NextLayer {
	return proxy.NewNextLayer(func(ctx *proxy.Context, buffered []byte) (proxy.Layer, bool, error) {
		if len(buffered) < 1 {
			return nil, false, nil
		}
		if buffered[0] == 0x16 {
			host, port := "", 443
			if ctx.Client != nil && ctx.Client.Local != nil {
				host, port = ctx.Client.Local.Host, ctx.Client.Local.Port
			}
			var clientTLS *ClientTLS
			clientTLS = NewClientTLS(authority, func(ctx *proxy.Context, _ string) proxy.Layer {
				return wiring.wireServer(NewServerTLS(host, port, clientTLS.Offers(), childFactory))
			})
			return wiring.wireClient(clientTLS), true, nil
		}

		nl := bytes.IndexByte(buffered, '\n')
		if nl < 0 {
			return nil, false, nil
		}
		line := string(buffered[:nl])
		if strings.HasPrefix(line, "CONNECT ") {
			return NewConnectBootstrap(authority, childFactory, wiring), true, nil
		}
		return NewForwardHTTP1(), true, nil
	})
}

// splitHostPort parses a "host" or "host:port" token, falling back to
// defaultPort when no port is present (CONNECT and Host headers alike omit
// it for the scheme's default).
func splitHostPort(hostport string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort
	}
	return host, port
}
