// Package mitm wires the C1-C14 data model and layer engine into a runnable
// TCP-listener-based proxy (C13/C15): it is the only code in the module
// that touches real sockets, dials upstream, and talks to the control plane.
package mitm

import "github.com/mitmgo/mitmproxy/internal/proxy"

// HookSink is the proxy's single seam to a control plane (spec.md §4.12):
// every hook command a layer emits is dispatched here. For blocking hook
// commands, Dispatch must not return until the decision is made -- which
// may mean mutating the command's Data/Flow in place (e.g. TLSClientHelloHook,
// HTTPRequestHook). The driver calls Dispatch synchronously on the
// connection's goroutine for every hook, blocking or not, and feeds the
// returned error back to the layers as HookCompleted.
type HookSink interface {
	Dispatch(cmd proxy.HookCommand) error
}

// PassthroughHooks is the zero-configuration HookSink: it approves every
// blocking hook immediately without modifying its data, and silently
// discards non-blocking ones. Used when a Server is built with no control
// plane wired in, so the proxy still runs as a transparent recording MITM.
type PassthroughHooks struct{}

// Dispatch implements HookSink.
func (PassthroughHooks) Dispatch(cmd proxy.HookCommand) error { return nil }
