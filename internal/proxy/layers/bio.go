package layers

import (
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// bioPump bridges the sans-I/O event/command contract to a real
// crypto/tls.Conn. One half of a net.Pipe is handed to crypto/tls as "the
// network"; the other half is driven by this pump: Feed pushes bytes
// received from the real peer into the handshake, and Outbound yields
// whatever crypto/tls wrote back in response, for the layer to hand to its
// write sink. This realizes spec.md §4.4's "drive the TLS state machine by
// pumping the read/write BIOs" in terms Go's TLS stack actually exposes.
type bioPump struct {
	local  net.Conn // our end; Feed writes here, Outbound reads from here
	remote net.Conn // handed to crypto/tls.Server / crypto/tls.Client

	writeMu sync.Mutex
	writeCh chan []byte

	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newBioPump() *bioPump {
	local, remote := net.Pipe()
	p := &bioPump{
		local:   local,
		remote:  remote,
		writeCh: make(chan []byte, 64),
		out:     make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
	go p.writeLoop()
	go p.readLoop()
	return p
}

// Remote is the net.Conn to hand to crypto/tls.
func (p *bioPump) Remote() net.Conn { return p.remote }

// Feed enqueues bytes received from the real peer to be delivered to the
// TLS engine. Ordering across calls is preserved by a single writer
// goroutine serializing net.Pipe writes.
func (p *bioPump) Feed(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case p.writeCh <- cp:
	case <-p.closed:
	}
}

// Outbound yields bytes the TLS engine wrote, in order, for the layer to
// forward to the real peer through its write sink.
func (p *bioPump) Outbound() <-chan []byte { return p.out }

func (p *bioPump) writeLoop() {
	for {
		select {
		case data, ok := <-p.writeCh:
			if !ok {
				return
			}
			if _, err := p.local.Write(data); err != nil {
				return
			}
		case <-p.closed:
			return
		}
	}
}

func (p *bioPump) readLoop() {
	buf := make([]byte, 16*1024)
	for {
		n, err := p.local.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			select {
			case p.out <- cp:
			case <-p.closed:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Close tears down both pipe halves and stops the pump goroutines.
func (p *bioPump) Close() {
	p.once.Do(func() {
		close(p.closed)
		_ = p.local.SetDeadline(time.Now())
		_ = p.local.Close()
		_ = p.remote.Close()
	})
}

// tlsSession layers application-data read/write on top of an established
// crypto/tls.Conn driven by a bioPump: appIn carries decrypted bytes the
// peer sent (for the layer to forward to its protocol codec), and WriteApp
// encrypts and ships plaintext the codec wants to send. Kept distinct from
// the handshake itself so a layer can hand the session off once Handshake
// returns without caring how the bytes actually cross the wire.
type tlsSession struct {
	conn *tls.Conn
	pump *bioPump

	appWriteCh chan []byte
	appIn      chan []byte
	closed     chan struct{}
	once       sync.Once
}

func startTLSSession(conn *tls.Conn, pump *bioPump) *tlsSession {
	s := &tlsSession{
		conn:       conn,
		pump:       pump,
		appWriteCh: make(chan []byte, 64),
		appIn:      make(chan []byte, 64),
		closed:     make(chan struct{}),
	}
	go s.writeLoop()
	go s.readLoop()
	return s
}

// WriteApp enqueues plaintext to be encrypted and sent to the peer. Ordering
// across calls is preserved by a single writer goroutine.
func (s *tlsSession) WriteApp(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case s.appWriteCh <- cp:
	case <-s.closed:
	}
}

// PlaintextIn yields decrypted application bytes the peer sent, in order.
func (s *tlsSession) PlaintextIn() <-chan []byte { return s.appIn }

func (s *tlsSession) writeLoop() {
	for {
		select {
		case data, ok := <-s.appWriteCh:
			if !ok {
				return
			}
			if _, err := s.conn.Write(data); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *tlsSession) readLoop() {
	defer close(s.appIn)
	buf := make([]byte, 16*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			select {
			case s.appIn <- cp:
			case <-s.closed:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Close stops the session's goroutines. The underlying pump is closed
// separately by the owning layer, since it may outlive the TLS session
// (e.g. to flush a final close_notify already queued on Outbound).
func (s *tlsSession) Close() {
	s.once.Do(func() { close(s.closed) })
}
