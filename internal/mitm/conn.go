package mitm

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mitmgo/mitmproxy/internal/flow"
	"github.com/mitmgo/mitmproxy/internal/perr"
	"github.com/mitmgo/mitmproxy/internal/proxy"
	"github.com/mitmgo/mitmproxy/internal/proxy/layers"
	"github.com/mitmgo/mitmproxy/pkg/timing"
)

const eventBacklog = 64

// session drives one accepted connection's full layer-engine lifecycle: it
// owns the real sockets, executes every Command the layer stack emits, and
// serializes both socket-read-driven events and the asynchronous ones (TLS
// handshake completion, decrypted application data, outbound ciphertext)
// onto a single per-connection event loop -- the "cooperative, single
// goroutine per connection" scheduling model spec.md §5 describes, with
// many connections each running that model in parallel on their own
// goroutine.
type session struct {
	srv *Server

	clientConn net.Conn
	client     *flow.Connection

	serverMu   sync.Mutex
	serverConn net.Conn
	server     *flow.Connection

	ctx    *proxy.Context
	runner *proxy.Runner

	events chan proxy.Event
	done   chan struct{}

	timer     *timing.Timer
	ttfbArmed bool
}

func newSession(srv *Server, nc net.Conn) *session {
	client := flow.NewConnection(flow.TransportTCP)
	return &session{
		srv:        srv,
		clientConn: nc,
		client:     client,
		ctx:        &proxy.Context{Client: client, Options: srv.cfg.Options},
		events:     make(chan proxy.Event, eventBacklog),
		done:       make(chan struct{}),
		timer:      timing.NewTimer(),
	}
}

// run is the goroutine body the Server spawns per accepted connection.
func (s *session) run(ctx context.Context) {
	defer s.cleanup()

	s.client.Peer = endpointOf(s.clientConn.RemoteAddr())
	s.client.Local = endpointOf(s.clientConn.LocalAddr())
	s.client.MarkTCPEstablished()

	wiring := layers.TLSWiring{
		EventSink:   s.postEvent,
		WriteClient: s.writeClient,
		WriteServer: s.writeServer,
	}
	front := layers.NewFrontDoor(s.srv.ca, layers.DefaultHTTPChildFactory, wiring)
	s.runner = proxy.NewRunner(s.ctx, front)

	go s.readClient()

	s.deliver(proxy.Start{})

	for {
		if s.finished() {
			return
		}
		select {
		case ev := <-s.events:
			s.deliver(ev)
		case <-ctx.Done():
			s.closeAll()
			return
		case <-s.done:
			return
		}
	}
}

func (s *session) finished() bool {
	if !s.client.Closed() {
		return false
	}
	if s.server != nil && !s.server.Closed() {
		return false
	}
	return true
}

func (s *session) cleanup() {
	close(s.done)
	s.clientConn.Close()
	s.serverMu.Lock()
	if s.serverConn != nil {
		s.serverConn.Close()
	}
	s.serverMu.Unlock()
	s.client.Metrics = s.timer.GetMetrics()
	if s.server != nil {
		s.server.Metrics = s.timer.GetMetrics()
	}
}

func (s *session) closeAll() {
	s.clientConn.Close()
	s.serverMu.Lock()
	if s.serverConn != nil {
		s.serverConn.Close()
	}
	s.serverMu.Unlock()
}

// postEvent feeds an event produced off the session's own goroutine (a
// read loop, a TLS handshake goroutine, a wakeup timer) into the single
// serialized event loop. It never blocks past session teardown.
func (s *session) postEvent(e proxy.Event) {
	select {
	case s.events <- e:
	case <-s.done:
	}
}

func (s *session) deliver(ev proxy.Event) {
	cmds, err := s.runner.Deliver(ev)
	if err != nil {
		s.srv.cfg.Logger.Warn().Err(err).Str("peer", s.peerAddr()).Msg("layer step failed")
	}
	s.execute(cmds)
}

func (s *session) execute(cmds []proxy.Command) {
	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case proxy.SendData:
			s.write(c.Conn, c.Data)

		case *proxy.OpenConnection:
			go s.dial(c)

		case proxy.CloseConnection:
			s.closeConn(c.Conn)

		case proxy.CloseTCPConnection:
			s.closeHalf(c.Conn, c.HalfClose)

		case proxy.RequestWakeup:
			s.scheduleWakeup(c.Delay)

		case proxy.Log:
			s.logCmd(c)

		case proxy.HookCommand:
			s.dispatchHook(c)

		default:
		}
	}
}

func (s *session) write(conn *flow.Connection, data []byte) {
	switch conn {
	case s.client:
		s.writeClient(data)
	case s.server:
		if !s.ttfbArmed {
			s.ttfbArmed = true
			s.timer.StartTTFB()
		}
		s.writeServer(data)
	}
}

func (s *session) writeClient(data []byte) {
	if _, err := s.clientConn.Write(data); err != nil {
		s.postEvent(proxy.ConnectionClosed{Conn: s.client})
	}
}

func (s *session) writeServer(data []byte) {
	s.serverMu.Lock()
	nc := s.serverConn
	s.serverMu.Unlock()
	if nc == nil {
		return
	}
	if _, err := nc.Write(data); err != nil {
		s.postEvent(proxy.ConnectionClosed{Conn: s.server})
	}
}

func (s *session) dial(cmd *proxy.OpenConnection) {
	s.timer.StartTCP()
	dialer := &net.Dialer{Timeout: s.srv.cfg.DialTimeout}
	addr := net.JoinHostPort(cmd.Target.Host, strconv.Itoa(cmd.Target.Port))
	nc, err := dialer.Dial("tcp", addr)
	s.timer.EndTCP()
	if err != nil {
		s.postEvent(proxy.OpenConnectionCompleted{Command: cmd, Err: perr.NewConnection(cmd.Target.Host, cmd.Target.Port, err)})
		return
	}

	server := flow.NewConnection(flow.TransportTCP)
	server.Peer = &flow.Endpoint{Host: cmd.Target.Host, Port: cmd.Target.Port}
	server.Local = endpointOf(nc.LocalAddr())
	server.MarkTCPEstablished()

	s.serverMu.Lock()
	s.serverConn = nc
	s.serverMu.Unlock()
	s.server = server
	s.ctx.Server = server

	go s.readServer()

	s.postEvent(proxy.OpenConnectionCompleted{Command: cmd, Err: nil})
}

func (s *session) closeConn(conn *flow.Connection) {
	switch conn {
	case s.client:
		s.clientConn.Close()
		conn.Close("")
	case s.server:
		s.serverMu.Lock()
		if s.serverConn != nil {
			s.serverConn.Close()
		}
		s.serverMu.Unlock()
		conn.Close("")
	}
}

func (s *session) closeHalf(conn *flow.Connection, half bool) {
	var nc net.Conn
	switch conn {
	case s.client:
		nc = s.clientConn
	case s.server:
		s.serverMu.Lock()
		nc = s.serverConn
		s.serverMu.Unlock()
	}
	if nc == nil {
		return
	}
	if half {
		if tc, ok := nc.(*net.TCPConn); ok {
			tc.CloseWrite()
			conn.CloseWrite()
			return
		}
	}
	nc.Close()
	conn.Close("")
}

func (s *session) scheduleWakeup(delay float64) {
	d := time.Duration(delay * float64(time.Second))
	time.AfterFunc(d, func() {
		s.postEvent(proxy.Wakeup{Delay: delay})
	})
}

// dispatchHook sends a layer's hook command to the control plane and, once
// it returns, feeds HookCompleted back through the same serialized loop --
// uniformly for blocking and non-blocking hooks alike, per spec.md §4.12.
func (s *session) dispatchHook(cmd proxy.HookCommand) {
	switch cmd.HookName() {
	case "tls_start_client", "tls_start_server":
		s.timer.StartTLS()
	case "tls_established_client", "tls_established_server", "tls_failed_client", "tls_failed_server":
		s.timer.EndTLS()
	}

	s.recordFlow(cmd)

	err := s.srv.cfg.Hooks.Dispatch(cmd)
	s.deliver(proxy.HookCompleted{Command: cmd, Err: err})
}

// recordFlow mirrors a hook's flow into the C2 store, per spec.md §2's core
// data flow ("flow is stored in C2, filters applied in C3"): the hook that
// first observes an exchange (http_request, websocket_start) inserts it;
// every later hook for the same exchange updates the existing entry rather
// than silently re-inserting it.
func (s *session) recordFlow(cmd proxy.HookCommand) {
	var fl *flow.Flow
	switch c := cmd.(type) {
	case *proxy.HTTPRequestHook:
		fl = c.Flow
	case *proxy.HTTPResponseHook:
		fl = c.Flow
	case proxy.WebsocketStartHook:
		fl = c.Flow
	case proxy.WebsocketMessageHook:
		fl = c.Flow
	case proxy.WebsocketEndHook:
		fl = c.Flow
	default:
		return
	}
	if fl == nil {
		return
	}

	switch cmd.HookName() {
	case "http_request", "websocket_start":
		s.srv.store.Insert(fl)
	default:
		if err := s.srv.store.Update(fl); err != nil {
			s.srv.store.Insert(fl)
		}
	}
}

func (s *session) logCmd(c proxy.Log) {
	s.srv.cfg.Logger.WithLevel(zerologLevel(c.Level)).
		Str("peer", s.peerAddr()).
		Msg(c.Message)
}

func (s *session) peerAddr() string {
	if s.clientConn == nil {
		return ""
	}
	return s.clientConn.RemoteAddr().String()
}

func zerologLevel(l proxy.LogLevel) zerolog.Level {
	switch l {
	case proxy.LogDebug:
		return zerolog.DebugLevel
	case proxy.LogWarning:
		return zerolog.WarnLevel
	case proxy.LogError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (s *session) readClient() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.clientConn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			s.postEvent(proxy.DataReceived{Conn: s.client, Data: data})
		}
		if err != nil {
			s.postEvent(proxy.ConnectionClosed{Conn: s.client})
			return
		}
	}
}

func (s *session) readServer() {
	buf := make([]byte, 32*1024)
	first := true
	for {
		s.serverMu.Lock()
		nc := s.serverConn
		s.serverMu.Unlock()
		if nc == nil {
			return
		}
		n, err := nc.Read(buf)
		if n > 0 {
			if first && s.ttfbArmed {
				s.timer.EndTTFB()
				first = false
			}
			data := append([]byte(nil), buf[:n]...)
			s.postEvent(proxy.DataReceived{Conn: s.server, Data: data})
		}
		if err != nil {
			s.postEvent(proxy.ConnectionClosed{Conn: s.server})
			return
		}
	}
}

func endpointOf(addr net.Addr) *flow.Endpoint {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil
	}
	return &flow.Endpoint{Host: tcp.IP.String(), Port: tcp.Port}
}
