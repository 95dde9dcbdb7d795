// Package channel implements HttpChannel (§4.7): the uniform bridge
// between a protocol engine (HTTP/1, FastCGI, or the hand-rolled HTTP/2
// engine) and handler code. One HttpChannel exists per request/response
// pair in flight; it owns the output filter chain, tracks the FSM from
// §3, and enforces the mutation-after-commit and single-completion
// invariants.
package channel

import (
	"errors"
	"sync"

	"github.com/ironvane/httpd/core/wire"
)

// State is the channel's finite-state-machine position.
type State int

const (
	Reading State = iota
	Handling
	Sending
	SendingLast
	Done
)

func (s State) String() string {
	switch s {
	case Reading:
		return "Reading"
	case Handling:
		return "Handling"
	case Sending:
		return "Sending"
	case SendingLast:
		return "SendingLast"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// ErrIllegalState is returned when an operation is attempted in a state
// that forbids it (§4.7: response-info mutation while Sending, writes
// after completed, etc).
var ErrIllegalState = errors.New("channel: illegal state for this operation")

// Request is the read-only view of the inbound message a handler sees.
type Request struct {
	Method    string
	Target    wire.NormalizedTarget
	Version   string
	Headers   *wire.HeaderList
	Body      []byte // fully buffered; there is no streaming body hook
	Expect100 bool
}

// Response is the outbound message a handler builds up before calling
// Completed. Headers are mutable only while !Committed; body bytes are
// only accepted while the channel is Sending; trailer names must be
// pre-registered via RegisterTrailer before the body starts but their
// values may be set any time before the channel completes.
type Response struct {
	Status  int
	Reason  string
	Version string

	contentLength *int64 // nil == None
	headers       *wire.HeaderList
	trailerNames  []string
	trailers      *wire.HeaderList

	committed           bool
	bytesTransmitted    int64
	actualContentLength int64
}

// NewResponse creates a response with version copied from the request,
// per §4.7's onMessageBegin contract.
func NewResponse(version string) *Response {
	return &Response{
		Status:   200,
		Reason:   "OK",
		Version:  version,
		headers:  wire.NewHeaderList(8),
		trailers: wire.NewHeaderList(0),
	}
}

// SetContentLength declares a known body length. Must be called before
// Commit.
func (r *Response) SetContentLength(n int64) { v := n; r.contentLength = &v }

// ContentLength returns the declared length and whether one was set.
func (r *Response) ContentLength() (int64, bool) {
	if r.contentLength == nil {
		return 0, false
	}
	return *r.contentLength, true
}

// Headers returns the mutable response header list; callers must check
// Committed first, or call SetHeader/AppendHeader which enforce it.
func (r *Response) Headers() *wire.HeaderList { return r.headers }

// SetHeader sets a header, failing if the response is already
// committed or the name is connection-level.
func (r *Response) SetHeader(name, value string) error {
	if r.committed {
		return ErrIllegalState
	}
	return r.headers.SetUser(name, value)
}

// RegisterTrailer pre-declares a trailer name; only pre-registered
// trailer names may later be set via SetTrailer.
func (r *Response) RegisterTrailer(name string) {
	r.trailerNames = append(r.trailerNames, name)
}

// SetTrailer sets a pre-registered trailer's value. Unlike headers,
// this is legal even after body bytes begin (§3).
func (r *Response) SetTrailer(name, value string) error {
	for _, n := range r.trailerNames {
		if n == name {
			r.trailers.Set(name, value)
			return nil
		}
	}
	return errors.New("channel: trailer " + name + " was not pre-registered")
}

// Trailers returns the trailer list for the generator to serialise.
func (r *Response) Trailers() *wire.HeaderList { return r.trailers }

// HasTrailers reports whether any trailer names were registered.
func (r *Response) HasTrailers() bool { return len(r.trailerNames) > 0 }

// Filter transforms outbound body chunks. Called once per chunk and
// once more with end==true and an empty/nil chunk when the response
// completes, letting stateful filters (e.g. compression) flush.
type Filter interface {
	Filter(chunk []byte, end bool) [][]byte
}

// FilterFunc adapts a plain function to Filter.
type FilterFunc func(chunk []byte, end bool) [][]byte

func (f FilterFunc) Filter(chunk []byte, end bool) [][]byte { return f(chunk, end) }

// Writer is the minimal sink an HttpChannel writes framed bytes to; an
// *endpoint.EndPoint satisfies it via QueueOwned/QueueBorrowed.
type Writer interface {
	QueueOwned(buf []byte)
	QueueBorrowed(buf []byte)
}

// Generator is the wire-framing seam a protocol engine plugs into an
// HttpChannel: HTTP/1 uses *wire.H1Generator directly; HTTP/2 and
// FastCGI implement it with their own frame/record encoders so the FSM
// in this file stays one implementation shared by all three engines
// (§1's "uniform channel abstraction that separates wire semantics
// from business logic", §2 L6).
type Generator interface {
	WriteStatusLine(version string, status int, reason string) []byte
	WriteHeaders(h *wire.HeaderList, status int, requestMethod string, contentLength int64, lengthKnown, hasTrailers, keepAlive bool) []byte
	WriteBody(chunk []byte) ([]byte, error)
	WriteEnd(trailers *wire.HeaderList) []byte
}

// HttpChannel bridges one Connection to handler code, per §4.7.
type HttpChannel struct {
	mu sync.Mutex

	state State
	req   *Request
	resp  *Response

	filters []Filter
	gen     Generator
	w       Writer

	sendInFlight bool
	onDone       func()
}

// New constructs a channel in state Reading, bound to w for output and
// gen for wire framing. Each protocol engine supplies its own Generator:
// HTTP/1 passes a *wire.H1Generator, HTTP/2 and FastCGI pass their own
// per-stream/per-request implementations (core/http2conn,
// core/fastcgiconn) so this FSM never needs to know which wire format
// it is driving.
func New(w Writer, gen Generator) *HttpChannel {
	return &HttpChannel{state: Reading, w: w, gen: gen}
}

// AddFilter appends f to the outbound filter chain. Must be called
// before Commit.
func (c *HttpChannel) AddFilter(f Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = append(c.filters, f)
}

// BeginRequest constructs a fresh request/response pair, transitioning
// out of any prior Done state back to Reading (§4.7: onMessageBegin).
func (c *HttpChannel) BeginRequest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Reading
	c.req = &Request{}
	c.resp = nil
	c.sendInFlight = false
}

// Request returns the in-flight request, valid from BeginRequest
// onward.
func (c *HttpChannel) Request() *Request { return c.req }

// Response returns the in-flight response, valid from HeaderEnd onward.
func (c *HttpChannel) Response() *Response { return c.resp }

// State returns the channel's current FSM state.
func (c *HttpChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HeaderEnd transitions Reading -> Handling once the request's headers
// are fully parsed (§4.7: onMessageHeaderEnd), pre-creating the
// response with the request's version.
func (c *HttpChannel) HeaderEnd() *Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Handling
	c.resp = NewResponse(c.req.Version)
	return c.resp
}

// Send100Continue writes the 100-continue interim response. Legal only
// while Handling and only if the request sent Expect: 100-continue.
func (c *HttpChannel) Send100Continue() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Handling || !c.req.Expect100 {
		return ErrIllegalState
	}
	c.w.QueueOwned(c.gen.WriteStatusLine(c.req.Version, 100, "Continue"))
	c.w.QueueOwned([]byte("\r\n"))
	return nil
}

// Commit serialises the response headers, transitioning Handling ->
// Sending. After Commit, response headers are immutable.
func (c *HttpChannel) Commit(keepAlive bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Handling {
		return ErrIllegalState
	}
	length, known := c.resp.ContentLength()
	hasTrailers := c.resp.HasTrailers()
	b := c.gen.WriteStatusLine(c.resp.Version, c.resp.Status, c.resp.Reason)
	c.w.QueueOwned(b)
	h := c.gen.WriteHeaders(c.resp.headers, c.resp.Status, c.req.Method, length, known, hasTrailers, keepAlive)
	c.w.QueueOwned(h)
	c.resp.committed = true
	c.state = Sending
	return nil
}

// WriteBody pushes one body chunk through the filter chain and queues
// the framed result. Legal only while Sending.
func (c *HttpChannel) WriteBody(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Sending {
		return ErrIllegalState
	}
	return c.writeThroughFiltersLocked(chunk, false)
}

func (c *HttpChannel) writeThroughFiltersLocked(chunk []byte, end bool) error {
	chunks := [][]byte{chunk}
	for _, f := range c.filters {
		var next [][]byte
		for _, ch := range chunks {
			next = append(next, f.Filter(ch, end)...)
		}
		chunks = next
	}
	for _, ch := range chunks {
		framed, err := c.gen.WriteBody(ch)
		if err != nil {
			return err
		}
		if len(framed) > 0 {
			c.resp.bytesTransmitted += int64(len(framed))
			c.resp.actualContentLength += int64(len(ch))
			c.w.QueueOwned(framed)
		}
	}
	return nil
}

// Completed flushes any filter end-of-stream chunks, writes trailers if
// present, transitions Sending -> SendingLast -> Done, and invokes
// onDone (which posts onResponseEnd at the Connection layer). Only one
// completion may be in flight.
func (c *HttpChannel) Completed() error {
	c.mu.Lock()
	if c.state != Sending {
		c.mu.Unlock()
		return ErrIllegalState
	}
	if c.sendInFlight {
		c.mu.Unlock()
		return ErrIllegalState
	}
	c.sendInFlight = true
	c.state = SendingLast

	if err := c.writeThroughFiltersLocked(nil, true); err != nil {
		c.mu.Unlock()
		return err
	}
	tail := c.gen.WriteEnd(c.resp.trailers)
	if len(tail) > 0 {
		c.w.QueueOwned(tail)
	}
	c.state = Done
	done := c.onDone
	c.mu.Unlock()

	if done != nil {
		done()
	}
	return nil
}

// OnDone registers the callback run once the channel reaches Done.
func (c *HttpChannel) OnDone(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDone = fn
}

// BytesTransmitted reports the response's wire accounting counter of
// bytes transmitted so far.
func (c *HttpChannel) BytesTransmitted() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resp == nil {
		return 0
	}
	return c.resp.bytesTransmitted
}
