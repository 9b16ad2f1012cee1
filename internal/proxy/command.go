package proxy

import "github.com/mitmgo/mitmproxy/internal/flow"

// Command is the closed set of requests a layer may hand to the driver.
// Like Event, it is a marker-interface tagged union rather than open
// polymorphism, per spec.md §9's Design Notes.
type Command interface {
	commandTag()
	// Blocking reports whether the emitting layer must be suspended until a
	// matching completion event arrives.
	Blocking() bool
}

type baseCommand struct{}

func (baseCommand) commandTag() {}

// SendData asks the driver to write bytes to one side of a connection.
type SendData struct {
	baseCommand
	Conn *flow.Connection
	Data []byte
}

func (SendData) Blocking() bool { return false }

// Server identifies the upstream endpoint an OpenConnection targets.
type Server struct {
	Conn *flow.Connection
	Host string
	Port int
}

// OpenConnection asks the driver to dial an upstream server. Blocking: the
// layer is suspended until OpenConnectionCompleted arrives.
type OpenConnection struct {
	baseCommand
	Target Server
}

func (*OpenConnection) Blocking() bool { return true }

// CloseConnection asks the driver to close both halves of a connection.
type CloseConnection struct {
	baseCommand
	Conn *flow.Connection
}

func (CloseConnection) Blocking() bool { return false }

// CloseTCPConnection asks the driver to close (or half-close) a connection.
type CloseTCPConnection struct {
	baseCommand
	Conn      *flow.Connection
	HalfClose bool
}

func (CloseTCPConnection) Blocking() bool { return false }

// RequestWakeup asks the driver to fire a Wakeup after delaySeconds.
type RequestWakeup struct {
	baseCommand
	Delay float64
}

func (RequestWakeup) Blocking() bool { return false }

// LogLevel mirrors the severities the teacher's structured logger supports.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarning
	LogError
)

// Log asks the driver to record a message through the structured logger.
type Log struct {
	baseCommand
	Level   LogLevel
	Message string
}

func (Log) Blocking() bool { return false }

// HookCommand is implemented by every control-plane hook command, blocking
// or not.
type HookCommand interface {
	Command
	HookName() string
}

// ClientHelloData is the parsed subset of a TLS ClientHello the tls_clienthello
// hook exposes for inspection/decision.
type ClientHelloData struct {
	SNI                     string
	HasSNI                  bool
	ALPNProtocols           []string
	IgnoreConnection        bool
	EstablishServerTLSFirst bool
}

// TLSClientHelloHook lets the control plane inspect/redirect a ClientHello
// before the proxy picks a leaf certificate.
type TLSClientHelloHook struct {
	baseCommand
	Data *ClientHelloData
}

func (*TLSClientHelloHook) Blocking() bool   { return true }
func (*TLSClientHelloHook) HookName() string { return "tls_clienthello" }

// TLSData names the connection a TLS lifecycle hook concerns.
type TLSData struct {
	Conn  *flow.Connection
	IsDTLS bool
}

// TLSStartClientHook fires before the client TLS layer (ClientTLS) starts
// its handshake toward the intercepted client.
type TLSStartClientHook struct {
	baseCommand
	Data TLSData
}

func (TLSStartClientHook) Blocking() bool   { return true }
func (TLSStartClientHook) HookName() string { return "tls_start_client" }

// TLSStartServerHook fires before the server TLS layer (ServerTLS) starts
// its handshake toward the real upstream server.
type TLSStartServerHook struct {
	baseCommand
	Data TLSData
}

func (TLSStartServerHook) Blocking() bool   { return true }
func (TLSStartServerHook) HookName() string { return "tls_start_server" }

// TLSEstablishedClientHook fires once the downstream (client-facing) TLS
// handshake completes.
type TLSEstablishedClientHook struct {
	baseCommand
	Data TLSData
}

func (TLSEstablishedClientHook) Blocking() bool   { return false }
func (TLSEstablishedClientHook) HookName() string { return "tls_established_client" }

// TLSEstablishedServerHook fires once the upstream (server-facing) TLS
// handshake completes.
type TLSEstablishedServerHook struct {
	baseCommand
	Data TLSData
}

func (TLSEstablishedServerHook) Blocking() bool   { return false }
func (TLSEstablishedServerHook) HookName() string { return "tls_established_server" }

// TLSFailedClientHook fires when the downstream handshake fails.
type TLSFailedClientHook struct {
	baseCommand
	Data   TLSData
	Reason string
}

func (TLSFailedClientHook) Blocking() bool   { return false }
func (TLSFailedClientHook) HookName() string { return "tls_failed_client" }

// TLSFailedServerHook fires when the upstream handshake fails.
type TLSFailedServerHook struct {
	baseCommand
	Data   TLSData
	Reason string
}

func (TLSFailedServerHook) Blocking() bool   { return false }
func (TLSFailedServerHook) HookName() string { return "tls_failed_server" }

// HTTPRequestHook lets the control plane inspect/modify a completed request
// before it is forwarded upstream.
type HTTPRequestHook struct {
	baseCommand
	Flow *flow.Flow
}

func (*HTTPRequestHook) Blocking() bool   { return true }
func (*HTTPRequestHook) HookName() string { return "http_request" }

// HTTPResponseHook lets the control plane inspect/modify a completed
// response before it is forwarded to the client.
type HTTPResponseHook struct {
	baseCommand
	Flow *flow.Flow
}

func (*HTTPResponseHook) Blocking() bool   { return true }
func (*HTTPResponseHook) HookName() string { return "http_response" }

// WebsocketStartHook fires when an HTTP exchange upgrades to WebSocket.
type WebsocketStartHook struct {
	baseCommand
	Flow *flow.Flow
}

func (WebsocketStartHook) Blocking() bool   { return false }
func (WebsocketStartHook) HookName() string { return "websocket_start" }

// WebsocketMessageHook fires for each WebSocket message, in either direction.
type WebsocketMessageHook struct {
	baseCommand
	Flow *flow.Flow
}

func (WebsocketMessageHook) Blocking() bool   { return false }
func (WebsocketMessageHook) HookName() string { return "websocket_message" }

// WebsocketEndHook fires when a WebSocket flow's underlying connection closes.
type WebsocketEndHook struct {
	baseCommand
	Flow *flow.Flow
}

func (WebsocketEndHook) Blocking() bool   { return false }
func (WebsocketEndHook) HookName() string { return "websocket_end" }
