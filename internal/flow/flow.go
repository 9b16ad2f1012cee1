package flow

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the protocol family of a Flow.
type Kind string

const (
	KindHTTP Kind = "http"
	KindTCP  Kind = "tcp"
	KindUDP  Kind = "udp"
	KindDNS  Kind = "dns"
)

// Header is a single (name, value) pair. Flows store headers as an ordered
// slice rather than a map so that duplicate names and original order survive
// round-tripping, per spec.md §3's Request/Response invariant.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an ordered header list with case-insensitive lookup helpers.
type Headers []Header

// Get returns the first value for name (case-insensitive), or "" if absent.
func (h Headers) Get(name string) string {
	for _, kv := range h {
		if equalFold(kv.Name, name) {
			return kv.Value
		}
	}
	return ""
}

// Values returns every value for name (case-insensitive), preserving order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, kv := range h {
		if equalFold(kv.Name, name) {
			out = append(out, kv.Value)
		}
	}
	return out
}

// Set replaces all existing values for name with a single new value,
// preserving the position of the first existing occurrence if present.
func (h *Headers) Set(name, value string) {
	for i, kv := range *h {
		if equalFold(kv.Name, name) {
			(*h)[i].Value = value
			// drop any further duplicates of the same name
			out := (*h)[:i+1]
			for _, rest := range (*h)[i+1:] {
				if !equalFold(rest.Name, name) {
					out = append(out, rest)
				}
			}
			*h = out
			return
		}
	}
	*h = append(*h, Header{Name: name, Value: value})
}

// Add appends a header without removing existing duplicates.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Clone returns a deep copy of the header list.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Request is the C2 HTTP request record.
type Request struct {
	Method      string
	Scheme      string // "http" or "https"
	Host        string
	Port        int // 1..65535
	Path        string
	HTTPVersion string
	Headers     Headers
	Content     []byte
	HasContent  bool
	ContentHash string // hex sha256, derived
	TimestampStart time.Time
	TimestampEnd   time.Time
}

// PrettyHost suppresses the default port for the scheme, per spec.md §3.
func (r *Request) PrettyHost() string {
	if (r.Scheme == "http" && r.Port == 80) || (r.Scheme == "https" && r.Port == 443) {
		return r.Host
	}
	if r.Port == 0 {
		return r.Host
	}
	return r.Host + ":" + portString(r.Port)
}

// URL reconstructs the request's URL from scheme/host/port/path.
func (r *Request) URL() string {
	return r.Scheme + "://" + r.PrettyHost() + r.Path
}

// SetContent updates body bytes, length and SHA-256 hash atomically
// (invariant 2 in spec.md §8).
func (r *Request) SetContent(content []byte) {
	r.Content = content
	r.HasContent = true
	sum := sha256.Sum256(content)
	r.ContentHash = hex.EncodeToString(sum[:])
}

// ContentLength returns len(Content), or 0 if no body was ever set.
func (r *Request) ContentLength() int {
	return len(r.Content)
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Headers = r.Headers.Clone()
	cp.Content = append([]byte(nil), r.Content...)
	return &cp
}

// Response is the C2 HTTP response record.
type Response struct {
	HTTPVersion string
	StatusCode  int
	Reason      string
	Headers     Headers
	Content     []byte
	HasContent  bool
	ContentHash string
	Trailers    Headers
	TimestampStart time.Time
	TimestampEnd   time.Time
}

// SetContent updates body bytes, length and SHA-256 hash atomically.
func (r *Response) SetContent(content []byte) {
	r.Content = content
	r.HasContent = true
	sum := sha256.Sum256(content)
	r.ContentHash = hex.EncodeToString(sum[:])
}

func (r *Response) ContentLength() int {
	return len(r.Content)
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	cp := *r
	cp.Headers = r.Headers.Clone()
	cp.Trailers = r.Trailers.Clone()
	cp.Content = append([]byte(nil), r.Content...)
	return &cp
}

// WebSocketMessageType enumerates the kinds of WebSocket frame payloads a
// flow records, per spec.md §3.
type WebSocketMessageType string

const (
	WSText   WebSocketMessageType = "text"
	WSBinary WebSocketMessageType = "binary"
	WSPing   WebSocketMessageType = "ping"
	WSPong   WebSocketMessageType = "pong"
	WSClose  WebSocketMessageType = "close"
)

// WebSocketMessage is one recorded message in a WebSocketFlow.
type WebSocketMessage struct {
	FromClient bool
	Timestamp  time.Time
	Type       WebSocketMessageType
	Content    []byte
}

// WebSocketFlow is the ordered message sequence for an upgraded HTTP flow.
type WebSocketFlow struct {
	Messages       []WebSocketMessage
	ClosedByClient bool
	CloseCode      uint16
	CloseReason    string
	TimestampEnd   *time.Time
}

// MessagesMeta summarizes Messages the way the control-plane JSON expects.
type MessagesMeta struct {
	ContentLength int
	Count         int
	TimestampLast *time.Time
}

// Meta computes the WebSocket messages summary on demand.
func (w *WebSocketFlow) Meta() MessagesMeta {
	m := MessagesMeta{Count: len(w.Messages)}
	for _, msg := range w.Messages {
		m.ContentLength += len(msg.Content)
	}
	if len(w.Messages) > 0 {
		t := w.Messages[len(w.Messages)-1].Timestamp
		m.TimestampLast = &t
	}
	return m
}

// AppendMessage records a new WebSocket message.
func (w *WebSocketFlow) AppendMessage(msg WebSocketMessage) {
	w.Messages = append(w.Messages, msg)
}

// Clone returns a deep copy, safe to hand to a reader while AppendMessage
// keeps growing the original's Messages slice concurrently.
func (w *WebSocketFlow) Clone() *WebSocketFlow {
	cp := *w
	cp.Messages = append([]WebSocketMessage(nil), w.Messages...)
	if w.TimestampEnd != nil {
		t := *w.TimestampEnd
		cp.TimestampEnd = &t
	}
	return &cp
}

// Error is the optional error stanza on a Flow.
type Error struct {
	Msg       string
	Timestamp time.Time
}

// Flow is the C2 data model: an HTTP, TCP, UDP or DNS exchange plus metadata.
// A flow's Kind never changes once created.
type Flow struct {
	ID uuid.UUID

	Kind Kind

	Intercepted bool
	IsReplay    bool
	Modified    bool
	Marked      string
	Comment     string
	CreatedAt   time.Time
	Err         *Error

	ClientConn *Connection
	ServerConn *Connection

	Request   *Request
	Response  *Response
	WebSocket *WebSocketFlow

	backup *Flow
}

// New creates a Flow of the given kind with a fresh random id.
func New(kind Kind) *Flow {
	return &Flow{
		ID:        uuid.New(),
		Kind:      kind,
		CreatedAt: time.Now(),
	}
}

// NewHTTP creates an HTTP flow for the given request.
func NewHTTP(req *Request) *Flow {
	f := New(KindHTTP)
	f.Request = req
	return f
}

// SetError records the flow's error stanza.
func (f *Flow) SetError(msg string) {
	f.Err = &Error{Msg: msg, Timestamp: time.Now()}
}

// Killable holds iff the flow is not a replay and has not already errored
// (invariant 1 in spec.md §8).
func (f *Flow) Killable() bool {
	return !f.IsReplay && f.Err == nil
}

// Kill sets the flow's error and clears Intercepted.
func (f *Flow) Kill() {
	f.SetError("Connection killed.")
	f.Intercepted = false
}

// Resume clears the Intercepted flag without touching the error.
func (f *Flow) Resume() {
	f.Intercepted = false
}

// Backup snapshots the flow's mutable fields so a later Revert can restore
// them. Idempotent between commits: calling Backup twice without an
// intervening commit keeps the first snapshot (per spec.md §4.8).
func (f *Flow) Backup() {
	if f.backup != nil {
		return
	}
	snap := f.shallowCopyForBackup()
	f.backup = snap
}

// shallowCopyForBackup copies exactly the fields a control-plane edit may
// touch (request/response/metadata), not identity fields like ID.
func (f *Flow) shallowCopyForBackup() *Flow {
	snap := &Flow{
		Marked:  f.Marked,
		Comment: f.Comment,
	}
	if f.Request != nil {
		snap.Request = f.Request.Clone()
	}
	if f.Response != nil {
		snap.Response = f.Response.Clone()
	}
	return snap
}

// Revert restores the flow to its last Backup snapshot, if any, and clears
// the backup and Modified flag.
func (f *Flow) Revert() {
	if f.backup == nil {
		return
	}
	f.Request = f.backup.Request
	f.Response = f.backup.Response
	f.Marked = f.backup.Marked
	f.Comment = f.backup.Comment
	f.backup = nil
	f.Modified = false
}

// HasBackup reports whether a revertible snapshot exists.
func (f *Flow) HasBackup() bool {
	return f.backup != nil
}

// ClearBackup discards any pending backup snapshot (called on commit).
func (f *Flow) ClearBackup() {
	f.backup = nil
}

// Clone duplicates the flow for replay: a new id, is_replay=true, and deep
// copies of the request/response so edits to the replay never alias the
// original (invariant in spec.md §3: duplicating yields a new id with
// is_replay=true).
func (f *Flow) Clone() *Flow {
	cp := &Flow{
		ID:          uuid.New(),
		Kind:        f.Kind,
		Intercepted: false,
		IsReplay:    true,
		Modified:    false,
		Marked:      f.Marked,
		Comment:     f.Comment,
		CreatedAt:   time.Now(),
	}
	if f.Request != nil {
		cp.Request = f.Request.Clone()
	}
	if f.Response != nil {
		cp.Response = f.Response.Clone()
	}
	return cp
}

// Snapshot returns a point-in-time copy of the flow, unlike Clone it keeps
// the original id, Kind and IsReplay/Intercepted state: this is the form
// the store hands to callers of Get/GetAll/Filtered so a control plane can
// read a flow without racing the session goroutine still mutating the live
// one, per spec.md §9's "no direct handles escape."
func (f *Flow) Snapshot() *Flow {
	cp := *f
	cp.backup = nil
	if f.Err != nil {
		errCopy := *f.Err
		cp.Err = &errCopy
	}
	if f.ClientConn != nil {
		cp.ClientConn = f.ClientConn.Clone()
	}
	if f.ServerConn != nil {
		cp.ServerConn = f.ServerConn.Clone()
	}
	if f.Request != nil {
		cp.Request = f.Request.Clone()
	}
	if f.Response != nil {
		cp.Response = f.Response.Clone()
	}
	if f.WebSocket != nil {
		cp.WebSocket = f.WebSocket.Clone()
	}
	return &cp
}

func portString(p int) string {
	if p <= 0 {
		return ""
	}
	// small, allocation-light itoa; ports never exceed 5 digits.
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = byte('0' + p%10)
		p /= 10
	}
	return string(buf[i:])
}
