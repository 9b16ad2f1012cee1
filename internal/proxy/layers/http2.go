package layers

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mitmgo/mitmproxy/internal/flow"
	"github.com/mitmgo/mitmproxy/internal/proxy"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// h2Preface is the client connection preface every HTTP/2 connection opens
// with (RFC 7540 §3.5). We terminate it toward the intercepted client (we
// are its H2 server) and emit it ourselves toward the real origin (we are
// its H2 client).
const h2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// h2DefaultMaxFrameSize is the buffered-H2 wrapper's own outbound split
// point per spec.md §4.6 -- larger than RFC 7540's 16 KiB default, since we
// control both ends of the split and advertise it in our own SETTINGS.
const h2DefaultMaxFrameSize = 131072

const h2ProvisionalMaxStreams = 10

const h2InitialWindowSize = 65535

type h2StreamState int

const (
	h2ExpectingHeaders h2StreamState = iota
	h2HeadersReceived
	h2Closed
)

type h2Direction int

const (
	h2FromClient h2Direction = iota
	h2FromServer
)

// h2Chunk is one already-frame-sized slice of body data waiting for peer
// flow control window to free up before it can go out as a DATA frame.
type h2Chunk struct {
	data []byte
	end  bool
}

// h2Stream accumulates one stream's request and response across however
// many HEADERS/DATA frames they arrive in, and tracks the peer window this
// layer's buffered-H2 wrapper owes each direction.
type h2Stream struct {
	id    uint32
	state h2StreamState

	reqHeaderBlock  bytes.Buffer
	reqBody         bytes.Buffer
	respHeaderBlock bytes.Buffer
	respBody        bytes.Buffer

	flow *flow.Flow

	pendingReqHook  *proxy.HTTPRequestHook
	pendingRespHook *proxy.HTTPResponseHook

	serverWindow int32
	clientWindow int32

	queuedToServer []h2Chunk
	queuedToClient []h2Chunk
}

// h2FrameReader turns a byte stream into a sequence of complete HTTP/2
// frames, the same feed-then-next incremental pattern internal/sse and
// http1Reader use, since the engine can never block waiting for more bytes.
// Decoding an individual frame's fields (padding, priority, header blocks)
// is delegated to golang.org/x/net/http2 once the frame's own length
// prefix proves the full frame is buffered.
type h2FrameReader struct {
	buf         []byte
	skipPreface bool
	sawPreface  bool
}

func (r *h2FrameReader) feed(data []byte) { r.buf = append(r.buf, data...) }

func (r *h2FrameReader) next(maxFrameSize uint32) (http2.Frame, bool, error) {
	if r.skipPreface && !r.sawPreface {
		if len(r.buf) < len(h2Preface) {
			return nil, false, nil
		}
		if string(r.buf[:len(h2Preface)]) != h2Preface {
			return nil, false, fmt.Errorf("missing HTTP/2 connection preface")
		}
		r.buf = r.buf[len(h2Preface):]
		r.sawPreface = true
	}
	if len(r.buf) < 9 {
		return nil, false, nil
	}
	length := uint32(r.buf[0])<<16 | uint32(r.buf[1])<<8 | uint32(r.buf[2])
	if length > maxFrameSize {
		return nil, false, fmt.Errorf("frame size %d exceeds max %d", length, maxFrameSize)
	}
	total := 9 + int(length)
	if len(r.buf) < total {
		return nil, false, nil
	}
	chunk := r.buf[:total]
	r.buf = r.buf[total:]

	framer := http2.NewFramer(nil, bytes.NewReader(chunk))
	framer.SetMaxReadFrameSize(maxFrameSize)
	f, err := framer.ReadFrame()
	if err != nil {
		return nil, false, err
	}
	return f, true, nil
}

// h2Writer accumulates frames written through a real http2.Framer (so
// padding/HPACK-block framing stays correct) into a buffer that take()
// drains into one SendData payload.
type h2Writer struct {
	buf    bytes.Buffer
	framer *http2.Framer
}

func newH2Writer() *h2Writer {
	w := &h2Writer{}
	w.framer = http2.NewFramer(&w.buf, nil)
	return w
}

func (w *h2Writer) take() []byte {
	out := append([]byte(nil), w.buf.Bytes()...)
	w.buf.Reset()
	return out
}

// HTTP2 is the C11 layer: one H2 session per transport connection, run in
// both directions at once, mounted as a TLS tunnel's child the same way
// HTTP1 is when ALPN instead negotiates "h2". It maintains the stream_id
// keyed table directly (the same role internal/proxy/layers/http1.go's
// inflight FIFO plays for HTTP/1.1) rather than delegating to a separate
// assembler, since pairing a stream's request with its response is the
// HTTP/2 session's own bookkeeping.
type HTTP2 struct {
	clientReader h2FrameReader
	serverReader h2FrameReader

	clientWriter *h2Writer
	serverWriter *h2Writer

	decFromClient *hpack.Decoder
	decFromServer *hpack.Decoder
	encToServer   *hpack.Encoder
	encToServerBuf bytes.Buffer
	encToClient    *hpack.Encoder
	encToClientBuf bytes.Buffer

	streams map[uint32]*h2Stream

	clientMaxFrameSize uint32
	serverMaxFrameSize uint32

	clientInitialWindow uint32
	serverInitialWindow uint32

	clientMaxStreams  uint32
	serverMaxStreams  uint32
}

// NewHTTP2 constructs an HTTP2 layer ready to be mounted as a tunnel child.
func NewHTTP2() *HTTP2 {
	h := &HTTP2{
		streams:             make(map[uint32]*h2Stream),
		clientMaxFrameSize:  h2DefaultMaxFrameSize,
		serverMaxFrameSize:  h2DefaultMaxFrameSize,
		clientInitialWindow: h2InitialWindowSize,
		serverInitialWindow: h2InitialWindowSize,
		clientMaxStreams:    h2ProvisionalMaxStreams,
		serverMaxStreams:    h2ProvisionalMaxStreams,
	}
	h.clientReader.skipPreface = true
	h.clientWriter = newH2Writer()
	h.serverWriter = newH2Writer()
	h.decFromClient = hpack.NewDecoder(4096, nil)
	h.decFromServer = hpack.NewDecoder(4096, nil)
	h.encToServer = hpack.NewEncoder(&h.encToServerBuf)
	h.encToClient = hpack.NewEncoder(&h.encToClientBuf)
	return h
}

// Step implements proxy.Layer.
func (h *HTTP2) Step(ctx *proxy.Context, event proxy.Event) ([]proxy.Command, error) {
	switch e := event.(type) {
	case proxy.Start:
		return h.start(ctx), nil

	case proxy.DataReceived:
		if e.Conn == ctx.Client {
			return h.consume(ctx, &h.clientReader, h2FromClient, e.Data)
		}
		return h.consume(ctx, &h.serverReader, h2FromServer, e.Data)

	case proxy.HookCompleted:
		return h.hookCompleted(ctx, e)

	case proxy.ConnectionClosed:
		return nil, nil

	default:
		return nil, nil
	}
}

// start advertises our own SETTINGS to both sides: server push disabled per
// spec.md §4.6, and the buffered-H2 wrapper's own MAX_FRAME_SIZE so both
// peers split DATA the way we expect to reassemble it.
func (h *HTTP2) start(ctx *proxy.Context) []proxy.Command {
	settings := []http2.Setting{
		{ID: http2.SettingMaxConcurrentStreams, Val: 100},
		{ID: http2.SettingInitialWindowSize, Val: h2InitialWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: h2DefaultMaxFrameSize},
		{ID: http2.SettingEnablePush, Val: 0},
	}

	h.clientWriter.framer.WriteSettings(settings...)
	toClient := h.clientWriter.take()

	h.serverWriter.buf.WriteString(h2Preface)
	h.serverWriter.framer.WriteSettings(settings...)
	toServer := h.serverWriter.take()

	return []proxy.Command{
		proxy.SendData{Conn: ctx.Client, Data: toClient},
		proxy.SendData{Conn: ctx.Server, Data: toServer},
	}
}

func (h *HTTP2) consume(ctx *proxy.Context, reader *h2FrameReader, dir h2Direction, data []byte) ([]proxy.Command, error) {
	reader.feed(data)
	maxFrame := h.serverMaxFrameSize
	if dir == h2FromClient {
		maxFrame = h.clientMaxFrameSize
	}

	var cmds []proxy.Command
	for {
		frame, ok, err := reader.next(maxFrame)
		if err != nil {
			return append(cmds, h.protocolError(ctx, err)...), nil
		}
		if !ok {
			return cmds, nil
		}
		more, err := h.handleFrame(ctx, dir, frame)
		cmds = append(cmds, more...)
		if err != nil {
			return append(cmds, h.protocolError(ctx, err)...), nil
		}
	}
}

func (h *HTTP2) protocolError(ctx *proxy.Context, err error) []proxy.Command {
	return []proxy.Command{
		proxy.Log{Level: proxy.LogWarning, Message: "http2 protocol error: " + err.Error()},
		proxy.CloseConnection{Conn: ctx.Client},
		proxy.CloseConnection{Conn: ctx.Server},
	}
}

func (h *HTTP2) handleFrame(ctx *proxy.Context, dir h2Direction, f http2.Frame) ([]proxy.Command, error) {
	switch fr := f.(type) {
	case *http2.SettingsFrame:
		return h.handleSettings(ctx, dir, fr)
	case *http2.HeadersFrame:
		return h.handleHeaders(ctx, dir, fr)
	case *http2.DataFrame:
		return h.handleData(ctx, dir, fr)
	case *http2.WindowUpdateFrame:
		return h.handleWindowUpdate(ctx, dir, fr)
	case *http2.RSTStreamFrame:
		return h.handleRSTStream(dir, fr)
	case *http2.GoAwayFrame:
		return h.handleGoAway(ctx, fr)
	case *http2.PingFrame:
		return h.handlePing(ctx, dir, fr)
	default:
		// PRIORITY, CONTINUATION (never reached standalone -- a HEADERS
		// frame missing END_HEADERS is rejected as a protocol error before
		// any CONTINUATION would be parsed) and anything future: ignored.
		return nil, nil
	}
}

func (h *HTTP2) handleSettings(ctx *proxy.Context, dir h2Direction, fr *http2.SettingsFrame) ([]proxy.Command, error) {
	if fr.IsAck() {
		return nil, nil
	}
	fr.ForeachSetting(func(s http2.Setting) error {
		switch dir {
		case h2FromClient:
			switch s.ID {
			case http2.SettingMaxConcurrentStreams:
				h.clientMaxStreams = s.Val
			case http2.SettingMaxFrameSize:
				h.clientMaxFrameSize = s.Val
			case http2.SettingInitialWindowSize:
				h.clientInitialWindow = s.Val
			}
		case h2FromServer:
			switch s.ID {
			case http2.SettingMaxConcurrentStreams:
				h.serverMaxStreams = s.Val
			case http2.SettingMaxFrameSize:
				h.serverMaxFrameSize = s.Val
			case http2.SettingInitialWindowSize:
				h.serverInitialWindow = s.Val
			}
		}
		return nil
	})

	if dir == h2FromClient {
		h.clientWriter.framer.WriteSettingsAck()
		return []proxy.Command{proxy.SendData{Conn: ctx.Client, Data: h.clientWriter.take()}}, nil
	}
	h.serverWriter.framer.WriteSettingsAck()
	return []proxy.Command{proxy.SendData{Conn: ctx.Server, Data: h.serverWriter.take()}}, nil
}

func (h *HTTP2) streamFor(id uint32) *h2Stream {
	if st, ok := h.streams[id]; ok {
		return st
	}
	st := &h2Stream{
		id:           id,
		state:        h2ExpectingHeaders,
		serverWindow: int32(h.serverInitialWindow),
		clientWindow: int32(h.clientInitialWindow),
	}
	h.streams[id] = st
	return st
}

func (h *HTTP2) handleHeaders(ctx *proxy.Context, dir h2Direction, fr *http2.HeadersFrame) ([]proxy.Command, error) {
	st := h.streamFor(fr.StreamID)

	if dir == h2FromClient {
		st.reqHeaderBlock.Write(fr.HeaderBlockFragment())
		if !fr.HeadersEnded() {
			return nil, fmt.Errorf("stream %d: CONTINUATION is not supported", fr.StreamID)
		}
		fields, err := h.decFromClient.DecodeFull(st.reqHeaderBlock.Bytes())
		if err != nil {
			return nil, fmt.Errorf("stream %d: request header decode: %w", fr.StreamID, err)
		}
		if hasDuplicatePseudo(fields) {
			return nil, fmt.Errorf("stream %d: duplicate pseudo-header", fr.StreamID)
		}
		st.flow = flow.NewHTTP(requestFromH2Fields(fields))
		st.state = h2HeadersReceived
		if fr.StreamEnded() {
			return h.finishRequest(ctx, st)
		}
		return nil, nil
	}

	st.respHeaderBlock.Write(fr.HeaderBlockFragment())
	if !fr.HeadersEnded() {
		return nil, fmt.Errorf("stream %d: CONTINUATION is not supported", fr.StreamID)
	}
	fields, err := h.decFromServer.DecodeFull(st.respHeaderBlock.Bytes())
	if err != nil {
		return nil, fmt.Errorf("stream %d: response header decode: %w", fr.StreamID, err)
	}
	if hasDuplicatePseudo(fields) {
		return nil, fmt.Errorf("stream %d: duplicate pseudo-header", fr.StreamID)
	}
	if st.flow == nil {
		return nil, fmt.Errorf("stream %d: response headers before request", fr.StreamID)
	}
	st.flow.Response = responseFromH2Fields(fields)
	if fr.StreamEnded() {
		return h.finishResponse(ctx, st)
	}
	return nil, nil
}

func (h *HTTP2) handleData(ctx *proxy.Context, dir h2Direction, fr *http2.DataFrame) ([]proxy.Command, error) {
	st, ok := h.streams[fr.StreamID]
	if !ok {
		return nil, nil
	}
	payload := fr.Data()
	if dir == h2FromClient {
		st.reqBody.Write(payload)
		if fr.StreamEnded() {
			return h.finishRequest(ctx, st)
		}
		return nil, nil
	}
	st.respBody.Write(payload)
	if fr.StreamEnded() {
		return h.finishResponse(ctx, st)
	}
	return nil, nil
}

func (h *HTTP2) finishRequest(ctx *proxy.Context, st *h2Stream) ([]proxy.Command, error) {
	if st.flow == nil || st.flow.Request == nil {
		return nil, nil
	}
	st.flow.Request.SetContent(st.reqBody.Bytes())
	hook := &proxy.HTTPRequestHook{Flow: st.flow}
	st.pendingReqHook = hook
	return []proxy.Command{hook}, nil
}

func (h *HTTP2) finishResponse(ctx *proxy.Context, st *h2Stream) ([]proxy.Command, error) {
	if st.flow == nil || st.flow.Response == nil {
		return nil, nil
	}
	st.flow.Response.SetContent(st.respBody.Bytes())
	hook := &proxy.HTTPResponseHook{Flow: st.flow}
	st.pendingRespHook = hook
	st.state = h2Closed
	return []proxy.Command{hook}, nil
}

func (h *HTTP2) hookCompleted(ctx *proxy.Context, e proxy.HookCompleted) ([]proxy.Command, error) {
	for _, st := range h.streams {
		if st.pendingReqHook != nil && e.Command == st.pendingReqHook {
			st.pendingReqHook = nil
			if e.Err != nil || st.flow.Err != nil {
				return h.resetStream(ctx, st, http2.ErrCodeCancel, h2FromServer)
			}
			return h.sendRequestFrames(ctx, st)
		}
		if st.pendingRespHook != nil && e.Command == st.pendingRespHook {
			st.pendingRespHook = nil
			if e.Err != nil {
				return h.resetStream(ctx, st, http2.ErrCodeCancel, h2FromClient)
			}
			return h.sendResponseFrames(ctx, st)
		}
	}
	return nil, nil
}

// sendRequestFrames re-encodes the (possibly control-plane-modified) flow
// request as HEADERS(+DATA) toward the real origin, splitting the body at
// SETTINGS_MAX_FRAME_SIZE and queuing whatever the server's advertised
// window can't yet absorb.
func (h *HTTP2) sendRequestFrames(ctx *proxy.Context, st *h2Stream) ([]proxy.Command, error) {
	req := st.flow.Request
	h.encToServerBuf.Reset()
	writeH2PseudoAndHeaders(h.encToServer, map[string]string{
		":method":    req.Method,
		":scheme":    req.Scheme,
		":authority": req.PrettyHost(),
		":path":      req.Path,
	}, req.Headers)
	block := append([]byte(nil), h.encToServerBuf.Bytes()...)

	endStream := len(req.Content) == 0
	h.serverWriter.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      st.id,
		BlockFragment: block,
		EndHeaders:    true,
		EndStream:     endStream,
	})
	cmds := []proxy.Command{proxy.SendData{Conn: ctx.Server, Data: h.serverWriter.take()}}

	if !endStream {
		queuing := false
		chunks := splitIntoFrames(req.Content, int(h.serverMaxFrameSize))
		for i, chunk := range chunks {
			end := i == len(chunks)-1
			if !queuing && int32(len(chunk)) <= st.serverWindow {
				st.serverWindow -= int32(len(chunk))
				h.serverWriter.framer.WriteData(st.id, end, chunk)
				cmds = append(cmds, proxy.SendData{Conn: ctx.Server, Data: h.serverWriter.take()})
				continue
			}
			queuing = true
			st.queuedToServer = append(st.queuedToServer, h2Chunk{data: chunk, end: end})
		}
	}
	return cmds, nil
}

// sendResponseFrames is sendRequestFrames's mirror toward the client.
func (h *HTTP2) sendResponseFrames(ctx *proxy.Context, st *h2Stream) ([]proxy.Command, error) {
	resp := st.flow.Response
	h.encToClientBuf.Reset()
	writeH2PseudoAndHeaders(h.encToClient, map[string]string{
		":status": strconv.Itoa(resp.StatusCode),
	}, resp.Headers)
	block := append([]byte(nil), h.encToClientBuf.Bytes()...)

	endStream := len(resp.Content) == 0
	h.clientWriter.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      st.id,
		BlockFragment: block,
		EndHeaders:    true,
		EndStream:     endStream,
	})
	cmds := []proxy.Command{proxy.SendData{Conn: ctx.Client, Data: h.clientWriter.take()}}

	if !endStream {
		queuing := false
		chunks := splitIntoFrames(resp.Content, int(h.clientMaxFrameSize))
		for i, chunk := range chunks {
			end := i == len(chunks)-1
			if !queuing && int32(len(chunk)) <= st.clientWindow {
				st.clientWindow -= int32(len(chunk))
				h.clientWriter.framer.WriteData(st.id, end, chunk)
				cmds = append(cmds, proxy.SendData{Conn: ctx.Client, Data: h.clientWriter.take()})
				continue
			}
			queuing = true
			st.queuedToClient = append(st.queuedToClient, h2Chunk{data: chunk, end: end})
		}
	}
	delete(h.streams, st.id)
	return cmds, nil
}

func (h *HTTP2) handleWindowUpdate(ctx *proxy.Context, dir h2Direction, fr *http2.WindowUpdateFrame) ([]proxy.Command, error) {
	if fr.StreamID == 0 {
		var cmds []proxy.Command
		for _, st := range h.streams {
			more, err := h.growWindow(ctx, dir, st, fr.Increment)
			cmds = append(cmds, more...)
			if err != nil {
				return cmds, err
			}
		}
		return cmds, nil
	}
	st, ok := h.streams[fr.StreamID]
	if !ok {
		return nil, nil
	}
	return h.growWindow(ctx, dir, st, fr.Increment)
}

func (h *HTTP2) growWindow(ctx *proxy.Context, dir h2Direction, st *h2Stream, inc uint32) ([]proxy.Command, error) {
	if dir == h2FromClient {
		st.clientWindow += int32(inc)
		return h.drainToClient(ctx, st), nil
	}
	st.serverWindow += int32(inc)
	return h.drainToServer(ctx, st), nil
}

func (h *HTTP2) drainToServer(ctx *proxy.Context, st *h2Stream) []proxy.Command {
	var cmds []proxy.Command
	for len(st.queuedToServer) > 0 {
		c := st.queuedToServer[0]
		if int32(len(c.data)) > st.serverWindow {
			break
		}
		st.queuedToServer = st.queuedToServer[1:]
		st.serverWindow -= int32(len(c.data))
		h.serverWriter.framer.WriteData(st.id, c.end, c.data)
		cmds = append(cmds, proxy.SendData{Conn: ctx.Server, Data: h.serverWriter.take()})
	}
	return cmds
}

func (h *HTTP2) drainToClient(ctx *proxy.Context, st *h2Stream) []proxy.Command {
	var cmds []proxy.Command
	for len(st.queuedToClient) > 0 {
		c := st.queuedToClient[0]
		if int32(len(c.data)) > st.clientWindow {
			break
		}
		st.queuedToClient = st.queuedToClient[1:]
		st.clientWindow -= int32(len(c.data))
		h.clientWriter.framer.WriteData(st.id, c.end, c.data)
		cmds = append(cmds, proxy.SendData{Conn: ctx.Client, Data: h.clientWriter.take()})
	}
	return cmds
}

func (h *HTTP2) resetStream(ctx *proxy.Context, st *h2Stream, code http2.ErrCode, dir h2Direction) ([]proxy.Command, error) {
	delete(h.streams, st.id)
	if dir == h2FromServer {
		h.serverWriter.framer.WriteRSTStream(st.id, code)
		return []proxy.Command{proxy.SendData{Conn: ctx.Server, Data: h.serverWriter.take()}}, nil
	}
	h.clientWriter.framer.WriteRSTStream(st.id, code)
	return []proxy.Command{proxy.SendData{Conn: ctx.Client, Data: h.clientWriter.take()}}, nil
}

// handleRSTStream applies spec.md §4.6's received-reset taxonomy.
func (h *HTTP2) handleRSTStream(dir h2Direction, fr *http2.RSTStreamFrame) ([]proxy.Command, error) {
	st, ok := h.streams[fr.StreamID]
	if !ok {
		return nil, nil
	}
	if st.flow != nil {
		st.flow.SetError(rstStreamReason(fr.ErrCode))
	}
	delete(h.streams, fr.StreamID)
	return nil, nil
}

func rstStreamReason(code http2.ErrCode) string {
	switch code {
	case http2.ErrCodeCancel:
		return "Cancel"
	case http2.ErrCodeHTTP11Required:
		return "Http11Required"
	default:
		return "GenericClientError"
	}
}

// handleGoAway tears every stream at or past the peer's last accepted id,
// then closes the connection outright per spec.md §4.6.
func (h *HTTP2) handleGoAway(ctx *proxy.Context, fr *http2.GoAwayFrame) ([]proxy.Command, error) {
	for id, st := range h.streams {
		if id >= fr.LastStreamID {
			if st.flow != nil {
				st.flow.SetError("RequestProtocolError")
			}
			delete(h.streams, id)
		}
	}
	return []proxy.Command{
		proxy.Log{Level: proxy.LogInfo, Message: "peer sent GOAWAY, closing http2 connection"},
		proxy.CloseConnection{Conn: ctx.Client},
		proxy.CloseConnection{Conn: ctx.Server},
	}, nil
}

func (h *HTTP2) handlePing(ctx *proxy.Context, dir h2Direction, fr *http2.PingFrame) ([]proxy.Command, error) {
	if fr.IsAck() {
		return nil, nil
	}
	if dir == h2FromClient {
		h.clientWriter.framer.WritePing(true, fr.Data)
		return []proxy.Command{proxy.SendData{Conn: ctx.Client, Data: h.clientWriter.take()}}, nil
	}
	h.serverWriter.framer.WritePing(true, fr.Data)
	return []proxy.Command{proxy.SendData{Conn: ctx.Server, Data: h.serverWriter.take()}}, nil
}

// --- header <-> flow conversion ---

func hasDuplicatePseudo(fields []hpack.HeaderField) bool {
	seen := make(map[string]bool)
	for _, f := range fields {
		if !strings.HasPrefix(f.Name, ":") {
			continue
		}
		if seen[f.Name] {
			return true
		}
		seen[f.Name] = true
	}
	return false
}

func requestFromH2Fields(fields []hpack.HeaderField) *flow.Request {
	req := &flow.Request{HTTPVersion: "HTTP/2", Scheme: "https", Port: 443}
	var hdrs flow.Headers
	for _, f := range fields {
		switch f.Name {
		case ":method":
			req.Method = f.Value
		case ":scheme":
			req.Scheme = f.Value
		case ":path":
			req.Path = f.Value
		case ":authority":
			req.Host, req.Port = splitAuthority(f.Value, req.Scheme)
		default:
			if strings.HasPrefix(f.Name, ":") {
				continue
			}
			hdrs = append(hdrs, flow.Header{Name: f.Name, Value: f.Value})
		}
	}
	req.Headers = hdrs
	return req
}

func splitAuthority(authority, scheme string) (string, int) {
	defaultPort := 443
	if scheme == "http" {
		defaultPort = 80
	}
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return authority, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort
	}
	return host, port
}

func responseFromH2Fields(fields []hpack.HeaderField) *flow.Response {
	resp := &flow.Response{HTTPVersion: "HTTP/2"}
	var hdrs flow.Headers
	for _, f := range fields {
		if f.Name == ":status" {
			resp.StatusCode, _ = strconv.Atoi(f.Value)
			continue
		}
		if strings.HasPrefix(f.Name, ":") {
			continue
		}
		hdrs = append(hdrs, flow.Header{Name: f.Name, Value: f.Value})
	}
	resp.Headers = hdrs
	return resp
}

// writeH2PseudoAndHeaders writes pseudo-headers first (RFC 7540 §8.1.2.1),
// then regular headers lowercased with connection-specific hop-by-hop
// fields stripped, since HTTP/2 forbids carrying them at all.
func writeH2PseudoAndHeaders(enc *hpack.Encoder, pseudo map[string]string, headers flow.Headers) {
	order := []string{":method", ":scheme", ":authority", ":path", ":status"}
	for _, name := range order {
		if v, ok := pseudo[name]; ok {
			enc.WriteField(hpack.HeaderField{Name: name, Value: v})
		}
	}
	for _, hdr := range headers {
		name := strings.ToLower(hdr.Name)
		switch name {
		case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade", "te", "host":
			continue
		}
		if strings.HasPrefix(name, ":") {
			continue
		}
		enc.WriteField(hpack.HeaderField{Name: name, Value: hdr.Value})
	}
}

// splitIntoFrames chops data into chunks no larger than max, the buffered-H2
// wrapper's outbound split described in spec.md §4.6.
func splitIntoFrames(data []byte, max int) [][]byte {
	if max <= 0 {
		max = h2DefaultMaxFrameSize
	}
	if len(data) == 0 {
		return nil
	}
	var out [][]byte
	for len(data) > 0 {
		n := max
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}
