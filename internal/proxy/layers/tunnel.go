package layers

import (
	"github.com/mitmgo/mitmproxy/internal/flow"
	"github.com/mitmgo/mitmproxy/internal/proxy"
)

// TunnelState is the shared state machine every tunnel layer passes
// through, per spec.md §4.3: Inactive → Establishing → Open → Closed.
type TunnelState int

const (
	TunnelInactive TunnelState = iota
	TunnelEstablishing
	TunnelOpen
	TunnelClosed
)

// Tunnel is the C9-shared base embedded by layers that decrypt or decode an
// outer transport into a plaintext byte stream for a child layer (TLS now,
// any later tunneled protocol later). It owns:
//   - queuing events destined for the child until the tunnel reaches Open;
//   - handing the child's outbound SendData back to the embedder for
//     encryption/encoding before it reaches the wire;
//   - closing the child deterministically on handshake failure.
type Tunnel struct {
	State TunnelState
	Child *proxy.Runner
	queue []proxy.Event
}

// QueueForChild buffers an event to replay once the tunnel opens.
func (t *Tunnel) QueueForChild(event proxy.Event) {
	t.queue = append(t.queue, event)
}

// OpenChild transitions the tunnel to Open and mounts child, replaying
// Start plus every event queued while Establishing.
func (t *Tunnel) OpenChild(ctx *proxy.Context, child proxy.Layer) ([]proxy.Command, error) {
	t.State = TunnelOpen
	t.Child = proxy.NewRunner(ctx, child)

	cmds, err := t.Child.Deliver(proxy.Start{})
	if err != nil {
		return cmds, err
	}

	queued := t.queue
	t.queue = nil
	for _, e := range queued {
		more, stepErr := t.Child.Deliver(e)
		cmds = append(cmds, more...)
		if stepErr != nil {
			return cmds, stepErr
		}
	}
	return cmds, nil
}

// DeliverToChild forwards one plaintext event into the mounted child. If no
// child is mounted yet, the event is queued for OpenChild to replay, unless
// the tunnel is Closed, in which case it is dropped.
func (t *Tunnel) DeliverToChild(event proxy.Event) ([]proxy.Command, error) {
	if t.Child == nil {
		if t.State != TunnelClosed {
			t.QueueForChild(event)
		}
		return nil, nil
	}
	return t.Child.Deliver(event)
}

// Fail transitions the tunnel to Closed. Callers still need to emit the
// CloseConnection / hook commands appropriate to their layer; Fail only
// updates the shared state so subsequent events are dropped rather than
// queued forever.
func (t *Tunnel) Fail() {
	t.State = TunnelClosed
	t.queue = nil
}

// Closed reports whether the tunnel has been torn down.
func (t *Tunnel) Closed() bool { return t.State == TunnelClosed }

// InterceptOwnSendData filters cmds produced by a child layer: any SendData
// addressed to owned (the connection this tunnel itself encrypts/decodes)
// is diverted to writeApp and dropped, since handing it to the driver
// unchanged would write plaintext straight onto an encrypted socket.
// Everything else passes through, so it keeps bubbling up through any
// further-nested tunnel (e.g. ServerTLS's child emitting SendData toward
// the client bubbles through ServerTLS unintercepted, then is caught by
// the enclosing ClientTLS).
func InterceptOwnSendData(cmds []proxy.Command, owned *flow.Connection, writeApp func([]byte)) []proxy.Command {
	out := make([]proxy.Command, 0, len(cmds))
	for _, c := range cmds {
		if sd, ok := c.(proxy.SendData); ok && sd.Conn == owned {
			writeApp(sd.Data)
			continue
		}
		out = append(out, c)
	}
	return out
}
