package layers

import (
	"sync"
	"testing"

	"github.com/mitmgo/mitmproxy/internal/flow"
	"github.com/mitmgo/mitmproxy/internal/proxy"
)

func TestTunnelQueuesEventsUntilOpen(t *testing.T) {
	var tun Tunnel
	ctx := &proxy.Context{Client: flow.NewConnection(flow.TransportTCP)}

	ev := proxy.DataReceived{Conn: ctx.Client, Data: []byte("queued")}
	cmds, err := tun.DeliverToChild(ev)
	if err != nil {
		t.Fatalf("DeliverToChild before open: %v", err)
	}
	if cmds != nil {
		t.Fatalf("expected no commands before a child is mounted, got %v", cmds)
	}

	child := &recordingLayer{}
	cmds, err = tun.OpenChild(ctx, child)
	if err != nil {
		t.Fatalf("OpenChild: %v", err)
	}
	if tun.State != TunnelOpen {
		t.Fatalf("state = %v, want TunnelOpen", tun.State)
	}

	var gotStart, gotQueued bool
	for _, e := range child.events {
		switch e.(type) {
		case proxy.Start:
			gotStart = true
		case proxy.DataReceived:
			gotQueued = true
		}
	}
	if !gotStart || !gotQueued {
		t.Fatalf("expected Start and the queued DataReceived replayed into the child, got %v", child.events)
	}
	_ = cmds
}

func TestTunnelFailStopsQueuing(t *testing.T) {
	var tun Tunnel
	ctx := &proxy.Context{Client: flow.NewConnection(flow.TransportTCP)}

	tun.Fail()
	if !tun.Closed() {
		t.Fatal("expected tunnel closed after Fail")
	}

	cmds, err := tun.DeliverToChild(proxy.DataReceived{Conn: ctx.Client, Data: []byte("x")})
	if err != nil {
		t.Fatalf("DeliverToChild after Fail: %v", err)
	}
	if cmds != nil {
		t.Fatalf("expected no commands after Fail with no child mounted, got %v", cmds)
	}
	if len(tun.queue) != 0 {
		t.Fatalf("expected no queued events after Fail, got %d", len(tun.queue))
	}
}

func TestInterceptOwnSendDataDivertsOwnedConnOnly(t *testing.T) {
	owned := flow.NewConnection(flow.TransportTCP)
	other := flow.NewConnection(flow.TransportTCP)

	var captured []byte
	writeApp := func(b []byte) { captured = append(captured, b...) }

	cmds := []proxy.Command{
		proxy.SendData{Conn: owned, Data: []byte("app-plaintext")},
		proxy.SendData{Conn: other, Data: []byte("bubble-through")},
		proxy.CloseConnection{Conn: other},
	}

	out := InterceptOwnSendData(cmds, owned, writeApp)

	if string(captured) != "app-plaintext" {
		t.Errorf("writeApp captured %q, want %q", captured, "app-plaintext")
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 passthrough commands, got %d: %v", len(out), out)
	}
	sd, ok := out[0].(proxy.SendData)
	if !ok || sd.Conn != other {
		t.Errorf("expected the other-conn SendData to pass through unchanged, got %v", out[0])
	}
	if _, ok := out[1].(proxy.CloseConnection); !ok {
		t.Errorf("expected CloseConnection to pass through unchanged, got %v", out[1])
	}
}

// recordingLayer is a minimal proxy.Layer that records every event
// delivered to it, for asserting tunnel replay behavior. Safe for
// concurrent Step calls and Events reads, since some tests drive it from a
// background event-loop goroutine while asserting from the test goroutine.
type recordingLayer struct {
	mu     sync.Mutex
	events []proxy.Event
}

func (r *recordingLayer) Step(ctx *proxy.Context, event proxy.Event) ([]proxy.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil, nil
}

// Events returns a snapshot of the events recorded so far.
func (r *recordingLayer) Events() []proxy.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]proxy.Event, len(r.events))
	copy(out, r.events)
	return out
}
