package layers

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mitmgo/mitmproxy/internal/flow"
	"github.com/mitmgo/mitmproxy/internal/perr"
	"github.com/mitmgo/mitmproxy/internal/proxy"
)

// defaultBodyFileSpillLimit is the in-memory ceiling for an accumulating
// request/response body before it spills to a temp file, used when the
// layer has no proxy.Options.BodySizeLimit to go on.
const defaultBodyFileSpillLimit = 4 * 1024 * 1024

// HTTP1 is the C10 HTTP/1.1 layer: an incremental, bidirectional
// request/response codec sitting at the bottom of the tunnel stack (the
// innermost child of ClientTLS -> ServerTLS, or mounted directly for
// plaintext proxying). It reconstructs one flow.Flow per exchange, pausing
// on the blocking HTTPRequestHook/HTTPResponseHook commands so the control
// plane can inspect or rewrite a message before it crosses to the other
// side, mirroring the incremental-parse-under-arbitrary-chunking approach
// already used for SSE bodies.
type HTTP1 struct {
	ctx *proxy.Context

	reqReader  http1Reader
	respReader http1Reader

	pendingReqHook  *proxy.HTTPRequestHook
	pendingRespHook *proxy.HTTPResponseHook

	inflight []*flow.Flow // requests forwarded upstream, FIFO, awaiting a response

	// upgraded is non-nil once a 101 Switching Protocols exchange has
	// completed; from that point on this layer stops parsing HTTP/1
	// messages entirely and simply hands raw bytes to the WebSocket codec
	// mounted in its place.
	upgraded *WebSocket
}

// NewHTTP1 creates an HTTP1 codec layer.
func NewHTTP1() *HTTP1 {
	h := &HTTP1{}
	h.reqReader.kind = http1Request
	h.respReader.kind = http1Response
	return h
}

// Step implements proxy.Layer.
func (h *HTTP1) Step(ctx *proxy.Context, event proxy.Event) ([]proxy.Command, error) {
	h.ctx = ctx
	if h.upgraded != nil {
		return h.upgraded.Step(ctx, event)
	}

	switch e := event.(type) {
	case proxy.Start:
		return nil, nil

	case proxy.DataReceived:
		if e.Conn == ctx.Client {
			return h.feedRequest(e.Data)
		}
		return h.feedResponse(e.Data)

	case proxy.HookCompleted:
		if hook, ok := e.Command.(*proxy.HTTPRequestHook); ok && hook == h.pendingReqHook {
			return h.requestHookDone(hook, e.Err)
		}
		if hook, ok := e.Command.(*proxy.HTTPResponseHook); ok && hook == h.pendingRespHook {
			return h.responseHookDone(hook, e.Err)
		}
		return nil, nil

	case proxy.ConnectionClosed:
		h.reqReader.closeBody()
		h.respReader.closeBody()
		return nil, nil

	default:
		return nil, nil
	}
}

// bodyLimit returns the in-memory threshold above which an accumulating
// body spills to disk, per the connection's BodySizeLimit option.
func (h *HTTP1) bodyLimit() int64 {
	if h.ctx != nil && h.ctx.Options.BodySizeLimit > 0 {
		return h.ctx.Options.BodySizeLimit
	}
	return defaultBodyFileSpillLimit
}

func (h *HTTP1) feedRequest(data []byte) ([]proxy.Command, error) {
	h.reqReader.bodyLimit = h.bodyLimit()
	h.reqReader.feed(data)
	msg, ok, err := h.reqReader.next()
	if err != nil {
		return []proxy.Command{proxy.CloseConnection{Conn: h.ctx.Client}}, nil
	}
	if !ok {
		return nil, nil
	}

	req := msg.toRequest()
	fl := flow.NewHTTP(req)
	hook := &proxy.HTTPRequestHook{Flow: fl}
	h.pendingReqHook = hook
	return []proxy.Command{hook}, nil
}

func (h *HTTP1) requestHookDone(hook *proxy.HTTPRequestHook, hookErr error) ([]proxy.Command, error) {
	h.pendingReqHook = nil
	fl := hook.Flow
	if hookErr != nil {
		fl.SetError(hookErr.Error())
		return nil, nil
	}
	if fl.Err != nil {
		// A mark-as-killed decision from the control plane: do not forward.
		return nil, nil
	}

	h.inflight = append(h.inflight, fl)
	return []proxy.Command{proxy.SendData{Conn: h.ctx.Server, Data: serializeRequest(fl.Request)}}, nil
}

func (h *HTTP1) feedResponse(data []byte) ([]proxy.Command, error) {
	h.respReader.bodyLimit = h.bodyLimit()
	h.respReader.feed(data)

	var cmds []proxy.Command
	for {
		if len(h.inflight) == 0 {
			break
		}
		method := h.inflight[0].Request.Method
		h.respReader.forMethod = method
		msg, ok, err := h.respReader.next()
		if err != nil {
			return append(cmds, proxy.CloseConnection{Conn: h.ctx.Server}), nil
		}
		if !ok {
			break
		}

		fl := h.inflight[0]
		h.inflight = h.inflight[1:]
		fl.Response = msg.toResponse()

		hook := &proxy.HTTPResponseHook{Flow: fl}
		h.pendingRespHook = hook
		cmds = append(cmds, hook)
		// A layer can only be suspended on one blocking command at a time;
		// emitting more than one hook per Step would violate that, so stop
		// after the first and let further responses queue behind it.
		break
	}
	return cmds, nil
}

func (h *HTTP1) responseHookDone(hook *proxy.HTTPResponseHook, hookErr error) ([]proxy.Command, error) {
	h.pendingRespHook = nil
	fl := hook.Flow
	if hookErr != nil {
		fl.SetError(hookErr.Error())
		return nil, nil
	}

	cmds := []proxy.Command{proxy.SendData{Conn: h.ctx.Client, Data: serializeResponse(fl.Response)}}

	if isWebSocketUpgrade(fl.Request, fl.Response) {
		ws := NewWebSocket(fl)
		h.upgraded = ws
		startCmds, err := ws.Step(h.ctx, proxy.Start{})
		return append(cmds, startCmds...), err
	}

	// Re-run feedResponse bookkeeping in case more complete responses are
	// already buffered behind this one.
	more, err := h.feedResponse(nil)
	return append(cmds, more...), err
}

// isWebSocketUpgrade reports whether a request/response pair completed the
// RFC 6455 §4 opening handshake: a 101 response to a request carrying
// Connection: Upgrade and Upgrade: websocket.
func isWebSocketUpgrade(req *flow.Request, resp *flow.Response) bool {
	if resp == nil || resp.StatusCode != 101 {
		return false
	}
	if req == nil || !strings.Contains(strings.ToLower(req.Headers.Get("Upgrade")), "websocket") {
		return false
	}
	return strings.Contains(strings.ToLower(resp.Headers.Get("Upgrade")), "websocket")
}

// --- wire codec -------------------------------------------------------

type http1Kind int

const (
	http1Request http1Kind = iota
	http1Response
)

type http1Phase int

const (
	phaseLine http1Phase = iota
	phaseHeaders
	phaseBodyFixed
	phaseBodyChunkSize
	phaseBodyChunkData
	phaseBodyChunkCRLF
	phaseBodyTrailers
	phaseBodyUntilClose
)

// http1Reader incrementally tokenizes a stream of request or response
// messages, handling arbitrary chunk boundaries exactly like the SSE
// parser: Feed may be called with any byte-range split and the sequence of
// parsed messages is identical regardless of where the splits fall.
type http1Reader struct {
	kind http1Kind
	buf  []byte

	phase     http1Phase
	startLine string
	headers   flow.Headers
	remaining int64 // bytes left in phaseBodyFixed / phaseBodyChunkData
	body      *bodyAccumulator
	bodyLimit int64  // memory threshold before the accumulating body spills to disk
	forMethod string // set by caller before next() for response 1xx/204/304/HEAD suppression
}

// resetBody abandons any in-progress body accumulator (removing its temp
// file, if it spilled) and opens a fresh one for the next message.
func (r *http1Reader) resetBody() {
	r.closeBody()
	r.body = newBodyAccumulator(r.bodyLimit)
}

// closeBody abandons the current body accumulator, if any. Safe to call
// when no message is in flight.
func (r *http1Reader) closeBody() {
	if r.body != nil {
		r.body.abandon()
		r.body = nil
	}
}

// bodyAccumulator collects one request or response body as it streams in,
// keeping it in memory up to limit bytes and spilling the rest to a temp
// file transparently. Unlike a general-purpose buffer this is not
// goroutine-safe: an http1Reader (and therefore its accumulator) is only
// ever touched from the single session goroutine driving one connection.
type bodyAccumulator struct {
	mem   []byte
	file  *os.File
	path  string
	limit int64
}

func newBodyAccumulator(limit int64) *bodyAccumulator {
	if limit <= 0 {
		limit = defaultBodyFileSpillLimit
	}
	return &bodyAccumulator{limit: limit}
}

// write appends p, spilling to a temp file once mem would grow past limit.
// Spill failures are reported but otherwise treated like any other body
// truncation: the caller still finishes the message with whatever arrived.
func (b *bodyAccumulator) write(p []byte) error {
	if b.file == nil && int64(len(b.mem)+len(p)) <= b.limit {
		b.mem = append(b.mem, p...)
		return nil
	}

	if b.file == nil {
		tmp, err := os.CreateTemp("", "mitmproxy-flow-body-*.tmp")
		if err != nil {
			return perr.NewIO("spilling flow body to disk", err)
		}
		b.file = tmp
		b.path = tmp.Name()
		if len(b.mem) > 0 {
			if _, err := tmp.Write(b.mem); err != nil {
				b.abandon()
				return perr.NewIO("spilling flow body to disk", err)
			}
			b.mem = nil
		}
	}

	if _, err := b.file.Write(p); err != nil {
		return perr.NewIO("spilling flow body to disk", err)
	}
	return nil
}

// drain reads back the complete body -- from disk if it spilled -- and
// releases the temp file. The accumulator is spent afterward.
func (b *bodyAccumulator) drain() ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	defer b.abandon()
	if b.file == nil {
		return b.mem, nil
	}
	if err := b.file.Sync(); err != nil {
		return nil, perr.NewIO("reading spilled flow body", err)
	}
	content, err := os.ReadFile(b.path)
	if err != nil {
		return nil, perr.NewIO("reading spilled flow body", err)
	}
	return content, nil
}

// abandon discards the accumulator's temp file, if any, without reading it
// back. Safe to call more than once.
func (b *bodyAccumulator) abandon() {
	if b.file != nil {
		b.file.Close()
		os.Remove(b.path)
		b.file = nil
		b.path = ""
	}
	b.mem = nil
}

type http1Message struct {
	startLine string
	headers   flow.Headers
	body      []byte
}

func (r *http1Reader) feed(data []byte) {
	r.buf = append(r.buf, data...)
}

// next attempts to extract one complete message from whatever has been fed
// so far. ok is false if more data is needed.
func (r *http1Reader) next() (http1Message, bool, error) {
	for {
		switch r.phase {
		case phaseLine:
			line, rest, found := cutLine(r.buf)
			if !found {
				return http1Message{}, false, nil
			}
			r.buf = rest
			r.startLine = line
			r.headers = nil
			r.phase = phaseHeaders

		case phaseHeaders:
			for {
				line, rest, found := cutLine(r.buf)
				if !found {
					return http1Message{}, false, nil
				}
				r.buf = rest
				if line == "" {
					break
				}
				if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && len(r.headers) > 0 {
					last := &r.headers[len(r.headers)-1]
					last.Value += " " + strings.TrimSpace(line)
					continue
				}
				name, value, ok := strings.Cut(line, ":")
				if !ok {
					continue
				}
				r.headers = append(r.headers, flow.Header{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
			}
			r.resetBody()
			if err := r.chooseBodyPhase(); err != nil {
				return http1Message{}, false, err
			}

		case phaseBodyFixed:
			if r.remaining == 0 {
				return r.finish()
			}
			take := int64(len(r.buf))
			if take > r.remaining {
				take = r.remaining
			}
			if err := r.body.write(r.buf[:take]); err != nil {
				return http1Message{}, false, err
			}
			r.buf = r.buf[take:]
			r.remaining -= take
			if r.remaining > 0 {
				return http1Message{}, false, nil
			}
			return r.finish()

		case phaseBodyUntilClose:
			// Without an explicit framing, a request/response body is
			// delimited by connection close, which this incremental codec
			// cannot observe on its own; treat whatever has arrived as the
			// complete body. A real close is handled by ConnectionClosed
			// upstream, which simply stops feeding more bytes.
			if err := r.body.write(r.buf); err != nil {
				return http1Message{}, false, err
			}
			r.buf = nil
			return r.finish()

		case phaseBodyChunkSize:
			line, rest, found := cutLine(r.buf)
			if !found {
				return http1Message{}, false, nil
			}
			r.buf = rest
			sizeStr, _, _ := strings.Cut(line, ";")
			size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
			if err != nil {
				return http1Message{}, false, fmt.Errorf("invalid chunk size: %w", err)
			}
			if size == 0 {
				r.phase = phaseBodyTrailers
				continue
			}
			r.remaining = size
			r.phase = phaseBodyChunkData

		case phaseBodyChunkData:
			take := int64(len(r.buf))
			if take > r.remaining {
				take = r.remaining
			}
			if err := r.body.write(r.buf[:take]); err != nil {
				return http1Message{}, false, err
			}
			r.buf = r.buf[take:]
			r.remaining -= take
			if r.remaining > 0 {
				return http1Message{}, false, nil
			}
			r.phase = phaseBodyChunkCRLF

		case phaseBodyChunkCRLF:
			if len(r.buf) < 2 {
				return http1Message{}, false, nil
			}
			r.buf = r.buf[2:]
			r.phase = phaseBodyChunkSize

		case phaseBodyTrailers:
			line, rest, found := cutLine(r.buf)
			if !found {
				return http1Message{}, false, nil
			}
			r.buf = rest
			if line == "" {
				return r.finish()
			}
			if name, value, ok := strings.Cut(line, ":"); ok {
				r.headers = append(r.headers, flow.Header{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
			}
		}
	}
}

func (r *http1Reader) finish() (http1Message, bool, error) {
	content, err := r.body.drain()
	if err != nil {
		return http1Message{}, false, err
	}
	msg := http1Message{startLine: r.startLine, headers: r.headers, body: content}
	r.phase = phaseLine
	r.remaining = 0
	r.body = nil
	return msg, true, nil
}

func (r *http1Reader) chooseBodyPhase() error {
	if r.kind == http1Response && suppressesBody(r.forMethod, r.startLine) {
		r.phase = phaseBodyFixed
		r.remaining = 0
		return nil
	}

	te := strings.ToLower(r.headers.Get("Transfer-Encoding"))
	if strings.Contains(te, "chunked") {
		r.phase = phaseBodyChunkSize
		return nil
	}

	if cl := r.headers.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid content-length %q", cl)
		}
		r.phase = phaseBodyFixed
		r.remaining = n
		return nil
	}

	if r.kind == http1Request {
		// No declared body framing on a request: none present (GET/DELETE/etc).
		r.phase = phaseBodyFixed
		r.remaining = 0
		return nil
	}

	r.phase = phaseBodyUntilClose
	return nil
}

func suppressesBody(method, statusLine string) bool {
	if method == "HEAD" {
		return true
	}
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return false
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return false
	}
	return (code >= 100 && code < 200) || code == 204 || code == 304
}

// cutLine extracts the text before the next CRLF (or bare LF) in buf.
func cutLine(buf []byte) (line string, rest []byte, found bool) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		return "", buf, false
	}
	end := idx
	if end > 0 && buf[end-1] == '\r' {
		end--
	}
	return string(buf[:end]), buf[idx+1:], true
}

func (m http1Message) toRequest() *flow.Request {
	req := &flow.Request{Headers: m.headers}
	parts := strings.SplitN(m.startLine, " ", 3)
	if len(parts) >= 1 {
		req.Method = parts[0]
	}
	if len(parts) >= 2 {
		req.Path = parts[1]
	}
	if len(parts) >= 3 {
		req.HTTPVersion = parts[2]
	}
	req.Host = firstHostToken(m.headers.Get("Host"))
	req.Port = 0
	req.Scheme = "http"
	req.SetContent(m.body)
	return req
}

func (m http1Message) toResponse() *flow.Response {
	resp := &flow.Response{Headers: m.headers}
	parts := strings.SplitN(m.startLine, " ", 3)
	if len(parts) >= 1 {
		resp.HTTPVersion = parts[0]
	}
	if len(parts) >= 2 {
		if code, err := strconv.Atoi(parts[1]); err == nil {
			resp.StatusCode = code
		}
	}
	if len(parts) >= 3 {
		resp.Reason = parts[2]
	}
	resp.SetContent(m.body)
	return resp
}

func firstHostToken(host string) string {
	h, _, ok := strings.Cut(host, ":")
	if !ok {
		return host
	}
	return h
}

func serializeRequest(r *flow.Request) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", r.Method, r.Path, r.HTTPVersion)
	for _, h := range r.Headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.Name, h.Value)
	}
	buf.WriteString("\r\n")
	buf.Write(r.Content)
	return buf.Bytes()
}

func serializeResponse(r *flow.Response) []byte {
	var buf bytes.Buffer
	reason := r.Reason
	fmt.Fprintf(&buf, "%s %d %s\r\n", r.HTTPVersion, r.StatusCode, reason)
	for _, h := range r.Headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.Name, h.Value)
	}
	buf.WriteString("\r\n")
	buf.Write(r.Content)
	return buf.Bytes()
}
