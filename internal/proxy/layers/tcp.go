// Package layers implements the concrete protocol layers that stack atop
// the C7 engine: TCP passthrough, the TLS tunnel base and its client/server
// variants, HTTP/1, HTTP/2 and WebSocket.
package layers

import "github.com/mitmgo/mitmproxy/internal/proxy"

// TCP is the C8 byte-forwarding passthrough layer: whatever arrives from
// one side is forwarded verbatim to the other, with no protocol awareness.
// It is the terminal layer for raw TCP flows and for connections a hook has
// asked to ignore.
type TCP struct {
	peer *proxy.Context
}

// NewTCP creates a passthrough layer. The Context's Server field, if set
// once a server connection opens, is where client-side DataReceived is
// forwarded; data arriving from the server connection is forwarded to the
// client.
func NewTCP() *TCP {
	return &TCP{}
}

// Step implements proxy.Layer.
func (t *TCP) Step(ctx *proxy.Context, event proxy.Event) ([]proxy.Command, error) {
	switch e := event.(type) {
	case proxy.Start:
		return nil, nil
	case proxy.DataReceived:
		dst := ctx.Server
		if ctx.Client != nil && e.Conn == ctx.Server {
			dst = ctx.Client
		}
		if dst == nil {
			return nil, nil
		}
		return []proxy.Command{proxy.SendData{Conn: dst, Data: e.Data}}, nil
	case proxy.ConnectionClosed:
		other := ctx.Server
		if e.Conn == ctx.Server {
			other = ctx.Client
		}
		if other == nil {
			return nil, nil
		}
		return []proxy.Command{proxy.CloseTCPConnection{Conn: other}}, nil
	default:
		return nil, nil
	}
}
