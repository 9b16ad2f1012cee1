package proxy

import "errors"

// Layer is a protocol state machine: given one event, it produces the
// commands that event provokes. Layers never block internally — a layer
// that needs an I/O result emits a blocking Command and waits for the
// matching completion event before making further progress. This is the Go
// rendering of the generator-based per-layer state spec.md §9 describes for
// the source language: a concrete suspension, tracked by Runner below,
// rather than a coroutine.
type Layer interface {
	// Step consumes one event and returns the commands it produces. If any
	// returned command is Blocking(), the layer is considered suspended
	// until Runner delivers the matching completion event.
	Step(ctx *Context, event Event) ([]Command, error)
}

// Runner drives a single Layer, implementing the C7 engine's cooperative
// suspension: events arriving while the layer awaits a blocking command's
// completion are queued in FIFO order and replayed, in order, once the
// completion arrives.
type Runner struct {
	ctx     *Context
	layer   Layer
	pending Command // non-nil while suspended
	queue   []Event
}

// NewRunner wraps layer with suspension bookkeeping under ctx.
func NewRunner(ctx *Context, layer Layer) *Runner {
	return &Runner{ctx: ctx, layer: layer}
}

// Deliver feeds one event to the layer, honoring any current suspension.
// Events that don't complete the pending command are queued, except for
// ConnectionClosed which always cuts through so the layer can clean up
// deterministically (spec.md §9 Open Question (c)). If the layer is paused
// on a hook command when ConnectionClosed arrives, it first receives a
// synthetic HookCompleted carrying an error for that hook.
func (r *Runner) Deliver(event Event) ([]Command, error) {
	var cmds []Command
	if r.pending != nil && !r.completes(event) {
		if _, closed := event.(ConnectionClosed); !closed {
			r.queue = append(r.queue, event)
			return nil, nil
		}
		if hook, ok := r.pending.(HookCommand); ok {
			cancelled, err := r.step(HookCompleted{Command: hook, Err: errors.New("connection closed before hook completed")})
			cmds = append(cmds, cancelled...)
			if err != nil {
				return cmds, err
			}
		}
	}

	more, err := r.step(event)
	cmds = append(cmds, more...)
	if err != nil {
		return cmds, err
	}

	for len(r.queue) > 0 && r.pending == nil {
		next := r.queue[0]
		r.queue = r.queue[1:]
		more, stepErr := r.step(next)
		cmds = append(cmds, more...)
		if stepErr != nil {
			return cmds, stepErr
		}
	}
	return cmds, nil
}

func (r *Runner) step(event Event) ([]Command, error) {
	cmds, err := r.layer.Step(r.ctx, event)
	r.pending = nil
	for _, c := range cmds {
		if c.Blocking() {
			r.pending = c
		}
	}
	return cmds, err
}

// completes reports whether event is the completion matching the currently
// pending blocking command.
func (r *Runner) completes(event Event) bool {
	switch e := event.(type) {
	case CommandCompleted:
		return e.Command == r.pending
	case OpenConnectionCompleted:
		return Command(e.Command) == r.pending
	case HookCompleted:
		return e.Command == r.pending
	}
	return false
}

// Suspended reports whether the layer currently awaits a blocking command.
func (r *Runner) Suspended() bool { return r.pending != nil }

// PendingCommand returns the blocking command the layer currently awaits,
// or nil if the layer isn't suspended.
func (r *Runner) PendingCommand() Command { return r.pending }

// QueueLen reports how many events are currently queued behind a
// suspension, mostly useful for tests and diagnostics.
func (r *Runner) QueueLen() int { return len(r.queue) }

// Decider inspects the bytes a NextLayer has buffered so far and decides
// which concrete layer to mount, or asks to keep buffering (ok=false).
type Decider func(ctx *Context, buffered []byte) (layer Layer, ok bool, err error)

// NextLayer buffers events until its Decider picks a concrete layer
// (typically after the first byte window from the client), then replays
// every buffered event — including Start — into it, per spec.md §4.2.
type NextLayer struct {
	decide   Decider
	buffered []byte
	queue    []Event
	chosen   *Runner
}

// NewNextLayer creates a NextLayer that defers to decide once per event
// until it picks a concrete layer.
func NewNextLayer(decide Decider) *NextLayer {
	return &NextLayer{decide: decide}
}

// Step implements Layer.
func (n *NextLayer) Step(ctx *Context, event Event) ([]Command, error) {
	if n.chosen != nil {
		return n.chosen.Deliver(event)
	}

	n.queue = append(n.queue, event)
	if dr, ok := event.(DataReceived); ok {
		n.buffered = append(n.buffered, dr.Data...)
	}

	layer, ok, err := n.decide(ctx, n.buffered)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	n.chosen = NewRunner(ctx, layer)
	var cmds []Command
	queued := n.queue
	n.queue = nil
	for _, qe := range queued {
		more, stepErr := n.chosen.Deliver(qe)
		cmds = append(cmds, more...)
		if stepErr != nil {
			return cmds, stepErr
		}
	}
	return cmds, nil
}

// Chosen returns the concrete layer's Runner once decided, or nil.
func (n *NextLayer) Chosen() *Runner { return n.chosen }
