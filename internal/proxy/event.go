// Package proxy implements the C6 commands/events vocabulary and the C7
// layer engine: a sans-I/O, cooperatively-suspending protocol stack. Layers
// never touch sockets directly — they consume Events and emit Commands: a
// generic driver (internal/mitm) is the only thing that talks to the kernel.
package proxy

import "github.com/mitmgo/mitmproxy/internal/flow"

// Event is the closed set of things a layer's Step may be asked to handle.
// It is a tagged union realized as a marker-interface + concrete structs,
// not open polymorphism: adding a new event means adding a new struct here
// and a new case in every layer's Step switch.
type Event interface {
	eventTag()
}

// Start is delivered once per layer at mount time.
type Start struct{}

func (Start) eventTag() {}

// DataReceived carries bytes read from one side of a connection.
type DataReceived struct {
	Conn *flow.Connection
	Data []byte
}

func (DataReceived) eventTag() {}

// ConnectionClosed notifies a layer that its connection's peer went away.
type ConnectionClosed struct {
	Conn *flow.Connection
}

func (ConnectionClosed) eventTag() {}

// CommandCompleted delivers the reply to a previously emitted blocking
// command. Reply is opaque to the engine; each command type documents what
// its completion carries.
type CommandCompleted struct {
	Command Command
	Reply   any
}

func (CommandCompleted) eventTag() {}

// OpenConnectionCompleted reports the outcome of a blocking OpenConnection.
type OpenConnectionCompleted struct {
	Command *OpenConnection
	Err     error
}

func (OpenConnectionCompleted) eventTag() {}

// Wakeup fires after a previously requested delay elapses.
type Wakeup struct {
	Delay float64
}

func (Wakeup) eventTag() {}

// HookCompleted delivers the control plane's reply to a blocking hook
// command, or a synthetic error reply if the connection closed first
// (resolves spec.md §9 Open Question (c): cancellation never silently drops
// a paused layer).
type HookCompleted struct {
	Command Command
	Err     error
}

func (HookCompleted) eventTag() {}

// WebSocketMessageInjected carries a message the control plane asked to
// inject into a live WebSocket flow.
type WebSocketMessageInjected struct {
	Message flow.WebSocketMessage
}

func (WebSocketMessageInjected) eventTag() {}
