package layers

import (
	"testing"

	"github.com/mitmgo/mitmproxy/internal/flow"
	"github.com/mitmgo/mitmproxy/internal/proxy"
)

func newTestWebSocket() (*WebSocket, *flow.Flow) {
	req := &flow.Request{Method: "GET", Path: "/chat"}
	fl := flow.NewHTTP(req)
	return NewWebSocket(fl), fl
}

func TestWebSocketStartEmitsHook(t *testing.T) {
	ws, _ := newTestWebSocket()
	ctx := &proxy.Context{Client: flow.NewConnection(flow.TransportTCP), Server: flow.NewConnection(flow.TransportTCP)}

	cmds, err := ws.Step(ctx, proxy.Start{})
	if err != nil {
		t.Fatalf("Step(Start): %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("expected one command, got %v", cmds)
	}
	if _, ok := cmds[0].(proxy.WebsocketStartHook); !ok {
		t.Fatalf("expected proxy.WebsocketStartHook, got %T", cmds[0])
	}
}

func TestWebSocketForwardsUnfragmentedTextMessage(t *testing.T) {
	ws, fl := newTestWebSocket()
	client := flow.NewConnection(flow.TransportTCP)
	server := flow.NewConnection(flow.TransportTCP)
	ctx := &proxy.Context{Client: client, Server: server}

	// Client -> server, masked text frame "hi", FIN set.
	frame := encodeWSFrame(wsOpText, []byte("hi"), true)

	cmds, err := ws.Step(ctx, proxy.DataReceived{Conn: client, Data: frame})
	if err != nil {
		t.Fatalf("Step(frame): %v", err)
	}
	if len(cmds) != 2 {
		t.Fatalf("expected forward + message hook, got %v", cmds)
	}
	sd, ok := cmds[0].(proxy.SendData)
	if !ok || sd.Conn != server {
		t.Fatalf("expected SendData to server carrying the raw frame, got %v", cmds[0])
	}
	if string(sd.Data) != string(frame) {
		t.Error("expected the frame forwarded byte-for-byte unmodified")
	}
	if _, ok := cmds[1].(proxy.WebsocketMessageHook); !ok {
		t.Fatalf("expected proxy.WebsocketMessageHook, got %T", cmds[1])
	}

	if len(fl.WebSocket.Messages) != 1 {
		t.Fatalf("expected one recorded message, got %d", len(fl.WebSocket.Messages))
	}
	msg := fl.WebSocket.Messages[0]
	if !msg.FromClient || msg.Type != flow.WSText || string(msg.Content) != "hi" {
		t.Errorf("recorded message = %+v", msg)
	}
}

func TestWebSocketAssemblesFragmentedMessage(t *testing.T) {
	ws, fl := newTestWebSocket()
	client := flow.NewConnection(flow.TransportTCP)
	server := flow.NewConnection(flow.TransportTCP)
	ctx := &proxy.Context{Client: client, Server: server}

	first := encodeFragment(wsOpText, []byte("hel"), false, false)
	cont := encodeFragment(wsOpContinuation, []byte("lo"), true, false)

	if _, err := ws.Step(ctx, proxy.DataReceived{Conn: client, Data: first}); err != nil {
		t.Fatalf("Step(first fragment): %v", err)
	}
	if len(fl.WebSocket.Messages) != 0 {
		t.Fatalf("expected no recorded message before FIN, got %d", len(fl.WebSocket.Messages))
	}

	cmds, err := ws.Step(ctx, proxy.DataReceived{Conn: client, Data: cont})
	if err != nil {
		t.Fatalf("Step(final fragment): %v", err)
	}
	var sawHook bool
	for _, c := range cmds {
		if _, ok := c.(proxy.WebsocketMessageHook); ok {
			sawHook = true
		}
	}
	if !sawHook {
		t.Fatal("expected a message hook once the fragmented message completes")
	}
	if len(fl.WebSocket.Messages) != 1 || string(fl.WebSocket.Messages[0].Content) != "hello" {
		t.Errorf("assembled message = %+v", fl.WebSocket.Messages)
	}
}

func TestWebSocketCloseFrameRecordsCodeAndEmitsEndHook(t *testing.T) {
	ws, fl := newTestWebSocket()
	client := flow.NewConnection(flow.TransportTCP)
	server := flow.NewConnection(flow.TransportTCP)
	ctx := &proxy.Context{Client: client, Server: server}

	payload := make([]byte, 2)
	payload[0], payload[1] = 0x03, 0xE8 // 1000, normal closure
	frame := encodeWSFrame(wsOpClose, payload, true)

	cmds, err := ws.Step(ctx, proxy.DataReceived{Conn: client, Data: frame})
	if err != nil {
		t.Fatalf("Step(close frame): %v", err)
	}

	var sawEndHook bool
	for _, c := range cmds {
		if _, ok := c.(proxy.WebsocketEndHook); ok {
			sawEndHook = true
		}
	}
	if !sawEndHook {
		t.Error("expected a WebsocketEndHook on the opening close frame")
	}
	if fl.WebSocket.CloseCode != 1000 || !fl.WebSocket.ClosedByClient {
		t.Errorf("close bookkeeping = code:%d closedByClient:%v", fl.WebSocket.CloseCode, fl.WebSocket.ClosedByClient)
	}
}

func TestWebSocketAbnormalCloseOnConnectionClosed(t *testing.T) {
	ws, fl := newTestWebSocket()
	ctx := &proxy.Context{Client: flow.NewConnection(flow.TransportTCP), Server: flow.NewConnection(flow.TransportTCP)}

	cmds, err := ws.Step(ctx, proxy.ConnectionClosed{Conn: ctx.Client})
	if err != nil {
		t.Fatalf("Step(ConnectionClosed): %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("expected exactly the end hook, got %v", cmds)
	}
	if _, ok := cmds[0].(proxy.WebsocketEndHook); !ok {
		t.Fatalf("expected proxy.WebsocketEndHook, got %T", cmds[0])
	}
	if fl.WebSocket.CloseCode != wsCloseAbnormal {
		t.Errorf("close code = %d, want %d", fl.WebSocket.CloseCode, wsCloseAbnormal)
	}

	// A second ConnectionClosed (both halves tearing down) must not emit a
	// duplicate end hook.
	cmds, err = ws.Step(ctx, proxy.ConnectionClosed{Conn: ctx.Server})
	if err != nil {
		t.Fatalf("Step(second ConnectionClosed): %v", err)
	}
	if len(cmds) != 0 {
		t.Errorf("expected no further commands once already closed, got %v", cmds)
	}
}

// encodeFragment builds a single raw frame with an explicit FIN bit,
// bypassing encodeWSFrame (which always sets FIN) since fragmentation
// tests need control over it.
func encodeFragment(op wsOpcode, payload []byte, fin, masked bool) []byte {
	frame := encodeWSFrame(op, payload, masked)
	if fin {
		frame[0] |= 0x80
	} else {
		frame[0] &^= 0x80
	}
	return frame
}
