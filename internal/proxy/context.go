package proxy

import "github.com/mitmgo/mitmproxy/internal/flow"

// ConnectionStrategy controls when the server-side connection is opened
// relative to the client handshake.
type ConnectionStrategy int

const (
	// StrategyEager opens the server connection as soon as the destination
	// is known, without waiting for the client to actually need it.
	StrategyEager ConnectionStrategy = iota
	// StrategyLazy defers opening the server connection until the first
	// byte the child layer actually needs to forward.
	StrategyLazy
)

// Options is the per-connection option bag every layer's Context carries,
// per spec.md §4.2.
type Options struct {
	ProxyDebug              bool
	BodySizeLimit           int64
	StreamLargeBodies       bool
	StoreStreamedBodies     bool
	ValidateInboundHeaders  bool
	ConnectionStrategy      ConnectionStrategy
	KeepHostHeader          bool
	WebSocket               bool
	RawTCP                  bool
	NormalizeOutboundHeaders bool
}

// DefaultOptions returns the option bag values a freshly accepted connection
// starts with.
func DefaultOptions() Options {
	return Options{
		BodySizeLimit:          10 * 1024 * 1024,
		StreamLargeBodies:      true,
		ValidateInboundHeaders: true,
		ConnectionStrategy:     StrategyLazy,
		NormalizeOutboundHeaders: true,
	}
}

// Context is the shared state every layer in a connection's stack sees:
// the client endpoint, an optional server endpoint once one is opened, the
// option bag, and a trail of the layer names mounted so far (for logging
// and for deciding which concrete layer to instantiate next).
type Context struct {
	Client  *flow.Connection
	Server  *flow.Connection
	Options Options
	Trail   []string
}

// Fork returns a child context sharing the option bag and client/server
// endpoints but with its own trail entry appended, per spec.md §4.2's
// "forking" responsibility: children never reference their parent layer,
// only the shared connection-scoped Context.
func (c *Context) Fork(layerName string) *Context {
	trail := make([]string, len(c.Trail), len(c.Trail)+1)
	copy(trail, c.Trail)
	trail = append(trail, layerName)
	return &Context{
		Client:  c.Client,
		Server:  c.Server,
		Options: c.Options,
		Trail:   trail,
	}
}
