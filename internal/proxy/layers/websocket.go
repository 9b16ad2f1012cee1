package layers

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/mitmgo/mitmproxy/internal/flow"
	"github.com/mitmgo/mitmproxy/internal/proxy"
)

// wsOpcode is the RFC 6455 §5.2 frame opcode.
type wsOpcode byte

const (
	wsOpContinuation wsOpcode = 0x0
	wsOpText         wsOpcode = 0x1
	wsOpBinary       wsOpcode = 0x2
	wsOpClose        wsOpcode = 0x8
	wsOpPing         wsOpcode = 0x9
	wsOpPong         wsOpcode = 0xA
)

// wsCloseAbnormal is RFC 6455 §7.4.1's 1006, used when the underlying
// connection disappears before a close frame is ever exchanged.
const wsCloseAbnormal = 1006

// wsFrame is one decoded frame: raw carries the exact wire bytes (so an
// unmodified frame can be forwarded byte-for-byte without re-encoding),
// payload is the already-unmasked application data used for recording.
type wsFrame struct {
	raw     []byte
	opcode  wsOpcode
	fin     bool
	payload []byte
}

// wsFrameReader is the feed-then-next incremental frame boundary scanner,
// the same shape as http1Reader/h2FrameReader applied to RFC 6455 framing:
// a fixed 2-byte header, optional 16/64-bit extended length, optional
// 4-byte mask key, then exactly that many payload bytes.
type wsFrameReader struct {
	buf []byte
}

func (r *wsFrameReader) feed(data []byte) { r.buf = append(r.buf, data...) }

func (r *wsFrameReader) next() (wsFrame, bool, error) {
	if len(r.buf) < 2 {
		return wsFrame{}, false, nil
	}
	b0, b1 := r.buf[0], r.buf[1]
	fin := b0&0x80 != 0
	opcode := wsOpcode(b0 & 0x0F)
	masked := b1&0x80 != 0
	length := int(b1 & 0x7F)
	pos := 2

	switch length {
	case 126:
		if len(r.buf) < pos+2 {
			return wsFrame{}, false, nil
		}
		length = int(binary.BigEndian.Uint16(r.buf[pos : pos+2]))
		pos += 2
	case 127:
		if len(r.buf) < pos+8 {
			return wsFrame{}, false, nil
		}
		length = int(binary.BigEndian.Uint64(r.buf[pos : pos+8]))
		pos += 8
	}

	var maskKey [4]byte
	if masked {
		if len(r.buf) < pos+4 {
			return wsFrame{}, false, nil
		}
		copy(maskKey[:], r.buf[pos:pos+4])
		pos += 4
	}

	total := pos + length
	if len(r.buf) < total {
		return wsFrame{}, false, nil
	}

	raw := append([]byte(nil), r.buf[:total]...)
	payload := append([]byte(nil), r.buf[pos:total]...)
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}
	r.buf = r.buf[total:]
	return wsFrame{raw: raw, opcode: opcode, fin: fin, payload: payload}, true, nil
}

// wsAssembly accumulates a fragmented message's payload across continuation
// frames (RFC 6455 §5.4): the first frame of a message carries the real
// opcode, every following one carries wsOpContinuation until FIN.
type wsAssembly struct {
	active bool
	typ    flow.WebSocketMessageType
	data   []byte
}

// WebSocket is the C14 layer: an RFC 6455 frame codec that HTTP1 mounts
// once an HTTP/1 Upgrade completes with a 101 response (HTTP/2 streams,
// including CONNECT, never mount it), transparently forwarding each frame's raw wire bytes to the
// other side while decoding it into fl.WebSocket for observation. Message
// hooks are non-blocking per spec.md §4.12's vocabulary, so forwarding
// never waits on the control plane; an operator wishing to add a message
// of its own does so via WebSocketMessageInjected rather than editing one
// in flight.
type WebSocket struct {
	fl *flow.Flow

	clientReader wsFrameReader
	serverReader wsFrameReader

	clientAssembly wsAssembly
	serverAssembly wsAssembly

	closed bool
}

// NewWebSocket mounts the codec over fl, creating its WebSocketFlow shell
// if the 101-upgrade handling hasn't already (idempotent either way).
func NewWebSocket(fl *flow.Flow) *WebSocket {
	if fl.WebSocket == nil {
		fl.WebSocket = &flow.WebSocketFlow{}
	}
	return &WebSocket{fl: fl}
}

// Step implements proxy.Layer.
func (h *WebSocket) Step(ctx *proxy.Context, event proxy.Event) ([]proxy.Command, error) {
	switch e := event.(type) {
	case proxy.Start:
		return []proxy.Command{proxy.WebsocketStartHook{Flow: h.fl}}, nil

	case proxy.DataReceived:
		if e.Conn == ctx.Client {
			return h.consume(ctx, &h.clientReader, true, e.Data)
		}
		return h.consume(ctx, &h.serverReader, false, e.Data)

	case proxy.WebSocketMessageInjected:
		return h.inject(ctx, e.Message), nil

	case proxy.ConnectionClosed:
		return h.abnormalClose(), nil

	default:
		return nil, nil
	}
}

func (h *WebSocket) consume(ctx *proxy.Context, reader *wsFrameReader, fromClient bool, data []byte) ([]proxy.Command, error) {
	reader.feed(data)
	var cmds []proxy.Command
	for {
		frame, ok, err := reader.next()
		if err != nil {
			return append(cmds, h.protocolError(ctx, err)...), nil
		}
		if !ok {
			return cmds, nil
		}
		more, err := h.handleFrame(ctx, fromClient, frame)
		cmds = append(cmds, more...)
		if err != nil {
			return append(cmds, h.protocolError(ctx, err)...), nil
		}
	}
}

func (h *WebSocket) protocolError(ctx *proxy.Context, err error) []proxy.Command {
	return []proxy.Command{
		proxy.Log{Level: proxy.LogWarning, Message: "websocket protocol error: " + err.Error()},
		proxy.CloseConnection{Conn: ctx.Client},
		proxy.CloseConnection{Conn: ctx.Server},
	}
}

func (h *WebSocket) handleFrame(ctx *proxy.Context, fromClient bool, frame wsFrame) ([]proxy.Command, error) {
	dest := ctx.Client
	if fromClient {
		dest = ctx.Server
	}
	forward := proxy.SendData{Conn: dest, Data: frame.raw}

	switch frame.opcode {
	case wsOpContinuation, wsOpText, wsOpBinary:
		return h.handleDataFrame(fromClient, frame, forward)
	case wsOpClose:
		return h.handleClose(fromClient, frame, forward), nil
	case wsOpPing, wsOpPong:
		return []proxy.Command{forward}, nil
	default:
		return nil, fmt.Errorf("unknown opcode %#x", byte(frame.opcode))
	}
}

func (h *WebSocket) assemblyFor(fromClient bool) *wsAssembly {
	if fromClient {
		return &h.clientAssembly
	}
	return &h.serverAssembly
}

func (h *WebSocket) handleDataFrame(fromClient bool, frame wsFrame, forward proxy.Command) ([]proxy.Command, error) {
	asm := h.assemblyFor(fromClient)
	if frame.opcode != wsOpContinuation {
		asm.active = true
		asm.typ = wsMessageType(frame.opcode)
		asm.data = nil
	} else if !asm.active {
		return nil, fmt.Errorf("continuation frame with no preceding message")
	}
	asm.data = append(asm.data, frame.payload...)

	if !frame.fin {
		return []proxy.Command{forward}, nil
	}

	msg := flow.WebSocketMessage{FromClient: fromClient, Timestamp: time.Now(), Type: asm.typ, Content: asm.data}
	asm.active = false
	asm.data = nil
	h.fl.WebSocket.AppendMessage(msg)
	return []proxy.Command{forward, proxy.WebsocketMessageHook{Flow: h.fl}}, nil
}

func wsMessageType(op wsOpcode) flow.WebSocketMessageType {
	if op == wsOpText {
		return flow.WSText
	}
	return flow.WSBinary
}

func (h *WebSocket) handleClose(fromClient bool, frame wsFrame, forward proxy.Command) []proxy.Command {
	code, reason := parseCloseFrame(frame.payload)
	now := time.Now()
	h.fl.WebSocket.ClosedByClient = fromClient
	h.fl.WebSocket.CloseCode = code
	h.fl.WebSocket.CloseReason = reason
	h.fl.WebSocket.TimestampEnd = &now
	h.fl.WebSocket.AppendMessage(flow.WebSocketMessage{FromClient: fromClient, Timestamp: now, Type: flow.WSClose, Content: frame.payload})

	cmds := []proxy.Command{forward}
	if !h.closed {
		h.closed = true
		cmds = append(cmds, proxy.WebsocketEndHook{Flow: h.fl})
	}
	return cmds
}

// parseCloseFrame reads the optional 2-byte status code plus UTF-8 reason
// a close frame may carry (RFC 6455 §5.5.1); an empty payload means no
// status was given, reported the way the protocol itself recommends (1005,
// "no status received").
func parseCloseFrame(payload []byte) (uint16, string) {
	if len(payload) < 2 {
		return 1005, ""
	}
	return binary.BigEndian.Uint16(payload[:2]), string(payload[2:])
}

func (h *WebSocket) abnormalClose() []proxy.Command {
	if h.closed {
		return nil
	}
	h.closed = true
	now := time.Now()
	h.fl.WebSocket.TimestampEnd = &now
	if h.fl.WebSocket.CloseCode == 0 {
		h.fl.WebSocket.CloseCode = wsCloseAbnormal
		h.fl.WebSocket.CloseReason = "connection closed without a close frame"
	}
	return []proxy.Command{proxy.WebsocketEndHook{Flow: h.fl}}
}

// inject encodes and forwards a message the control plane asked to send
// into the live flow, recording it the same as one that actually crossed
// the wire.
func (h *WebSocket) inject(ctx *proxy.Context, msg flow.WebSocketMessage) []proxy.Command {
	op := wsOpBinary
	if msg.Type == flow.WSText {
		op = wsOpText
	}

	dest := ctx.Client
	masked := false
	if msg.FromClient {
		dest = ctx.Server
		masked = true // RFC 6455 §5.1: every client-to-server frame must be masked
	}
	frame := encodeWSFrame(op, msg.Content, masked)
	h.fl.WebSocket.AppendMessage(msg)

	return []proxy.Command{
		proxy.SendData{Conn: dest, Data: frame},
		proxy.WebsocketMessageHook{Flow: h.fl},
	}
}

// encodeWSFrame builds one unfragmented frame (FIN always set -- injected
// messages are never split across continuations).
func encodeWSFrame(op wsOpcode, payload []byte, masked bool) []byte {
	l := len(payload)
	var header []byte
	switch {
	case l <= 125:
		header = make([]byte, 2)
		header[1] = byte(l)
	case l < 65536:
		header = make([]byte, 4)
		header[1] = 126
		binary.BigEndian.PutUint16(header[2:], uint16(l))
	default:
		header = make([]byte, 10)
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(l))
	}
	header[0] = byte(op) | 0x80

	if !masked {
		return append(header, payload...)
	}

	header[1] |= 0x80
	var mask [4]byte
	rand.Read(mask[:])
	out := append(header, mask[:]...)
	body := append([]byte(nil), payload...)
	for i := range body {
		body[i] ^= mask[i%4]
	}
	return append(out, body...)
}
