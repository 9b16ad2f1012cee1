package mitm

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mitmgo/mitmproxy/internal/proxy"
)

// startBackend runs a single-shot plaintext HTTP/1 server that replies once
// and closes, enough to exercise the front door's plain-HTTP forwarding path
// without a real upstream.
func startBackend(t *testing.T, body string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("backend listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		resp := "HTTP/1.1 200 OK\r\nContent-Length: " +
			strconv.Itoa(len(body)) + "\r\n\r\n" + body
		conn.Write([]byte(resp))
	}()
	return ln
}

func startTestServer(t *testing.T) (*Server, context.CancelFunc) {
	t.Helper()
	srv, err := New(Config{
		BindAddr: "127.0.0.1:0",
		CertDir:  t.TempDir(),
		Options:  proxy.DefaultOptions(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.ListenAndServe(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server never bound a listener")
		}
		time.Sleep(time.Millisecond)
	}
	return srv, cancel
}

func TestServerForwardsPlainAbsoluteFormRequest(t *testing.T) {
	backend := startBackend(t, "hello from backend")
	defer backend.Close()
	backendAddr := backend.Addr().(*net.TCPAddr)

	srv, cancel := startTestServer(t)
	defer cancel()

	client, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer client.Close()

	port := strconv.Itoa(backendAddr.Port)
	req := "GET http://127.0.0.1:" + port + "/ HTTP/1.1\r\n" +
		"Host: 127.0.0.1:" + port + "\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := readResponse(client)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}

	if !strings.Contains(got, "200") || !strings.Contains(got, "hello from backend") {
		t.Errorf("unexpected response from proxy: %q", got)
	}
}

// readResponse reads until the backend's body shows up or the peer closes,
// whichever comes first.
func readResponse(conn net.Conn) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
			if strings.Contains(sb.String(), "hello from backend") {
				return sb.String(), nil
			}
		}
		if err != nil {
			if err == io.EOF {
				return sb.String(), nil
			}
			return sb.String(), err
		}
	}
}
