// Package http1conn implements the HTTP/1.x Connection variant (§3,
// §4.4): it drives a wire.H1Parser off an EndPoint's fill buffer, owns
// one HttpChannel per in-flight request/response, and serialises
// responses through a wire.H1Generator queued back onto the same
// EndPoint. Pipelined requests reuse the same Connection and Parser.
package http1conn

import (
	"time"

	"github.com/ironvane/httpd/core/channel"
	"github.com/ironvane/httpd/core/endpoint"
	"github.com/ironvane/httpd/core/wire"
	"github.com/ironvane/httpd/logging"
)

// HandlerFactory is called once a request's headers are fully parsed
// (§6: "the core calls this for every request at onMessageHeaderEnd").
// The returned task runs on the connection's own worker scheduler; it
// must call resp.SetHeader/body writes and finish with ch.Completed().
type HandlerFactory func(req *channel.Request, resp *channel.Response, ch *channel.HttpChannel) func()

// Config bounds one Connection's protocol-level behaviour.
type Config struct {
	Limits           wire.H1Limits
	IdleTimeout      time.Duration
	MaxPipelineDepth int
}

// DefaultConfig mirrors the teacher's conservative request limits.
func DefaultConfig() Config {
	return Config{Limits: wire.DefaultH1Limits(), IdleTimeout: 60 * time.Second, MaxPipelineDepth: 16}
}

// Connection is the HTTP/1 Connection variant: one instance per
// accepted socket, owned by its EndPoint until Close.
type Connection struct {
	ep      *endpoint.EndPoint
	parser  *wire.H1Parser
	gen     *wire.H1Generator
	ch      *channel.HttpChannel
	factory HandlerFactory
	cfg     Config

	bodyBuf     []byte
	pendingName string
	keepAlive   bool
	closing     bool
	wantsBody   bool
	execute     func(func())
}

// New constructs an HTTP/1 Connection bound to ep. execute posts a task
// to the owning worker's scheduler (wiring the HandlerFactory contract
// in §6 without this package importing the scheduler package directly).
func New(ep *endpoint.EndPoint, cfg Config, factory HandlerFactory, execute func(func())) *Connection {
	c := &Connection{
		ep:        ep,
		gen:       wire.NewH1Generator(wire.ModeResponse),
		factory:   factory,
		cfg:       cfg,
		keepAlive: true,
		execute:   execute,
	}
	c.ch = channel.New(ep, c.gen)
	c.parser = wire.NewH1Parser(wire.ModeRequest, cfg.Limits, wire.H1Callbacks{
		OnMessageBegin:     c.onMessageBegin,
		OnRequestLine:      c.onRequestLine,
		OnMessageHeader:    c.onHeader,
		OnMessageHeaderEnd: c.onHeaderEnd,
		OnMessageContent:   c.onContent,
		OnMessageEnd:       c.onMessageEnd,
		OnError:            c.onParseError,
	})
	return c
}

// OnOpen arms the initial fill interest. dataReady is unused: the
// first read always goes through WantFill, matching the teacher's
// uniform "arm, then let readiness drive everything" style.
func (c *Connection) OnOpen(dataReady bool) {
	c.armFill()
}

func (c *Connection) armFill() {
	if c.closing {
		return
	}
	if err := c.ep.WantFill(c.OnFillable, c.OnInterestFailure); err != nil {
		logging.Debugf("http1conn", "arm fill: %v", err)
		c.Close()
	}
}

// OnFillable reads one buffer's worth and feeds the parser.
func (c *Connection) OnFillable() {
	readBuf := c.ep.ReadBuffer()
	n, err := c.ep.Fill(readBuf)
	if err != nil {
		c.Close()
		return
	}
	if n == 0 {
		c.Close()
		return
	}
	if _, perr := c.parser.Execute(readBuf[:n]); perr != nil {
		// For a BadMessage, onParseError already queued an error response
		// and armed the flush; OnFlushable closes once it drains.
		if _, ok := perr.(*wire.BadMessage); !ok {
			c.Close()
		}
		return
	}
	if !c.closing {
		c.armFill()
	}
}

// OnFlushable drains the pending write chain; closes the connection
// once everything is flushed if keep-alive was declined.
func (c *Connection) OnFlushable() {
	drained, err := c.ep.Flush()
	if err != nil {
		c.Close()
		return
	}
	if drained {
		if c.closing {
			c.Close()
		}
		return
	}
	c.armFlush()
}

func (c *Connection) armFlush() {
	if err := c.ep.WantFlush(c.OnFlushable, c.OnInterestFailure); err != nil {
		c.Close()
	}
}

// OnInterestFailure translates a read/write timeout to a dropped
// connection, per §5: "HTTP/1: drop".
func (c *Connection) OnInterestFailure(err error) {
	c.Close()
}

// Close closes the underlying EndPoint exactly once.
func (c *Connection) Close() error {
	c.closing = true
	return c.ep.Close()
}

func (c *Connection) onMessageBegin() {
	c.ch.BeginRequest()
	c.bodyBuf = c.bodyBuf[:0]
}

func (c *Connection) onRequestLine(method, target, version string) {
	req := c.ch.Request()
	req.Method = method
	req.Version = version
	nt, err := wire.NormalizeTarget(target)
	if err != nil {
		c.sendBadMessage(err)
		return
	}
	req.Target = nt
	req.Headers = wire.NewHeaderList(8)
}

func (c *Connection) onHeader(name, value string) {
	req := c.ch.Request()
	if req.Headers == nil {
		return
	}
	req.Headers.Append(name, value)
	if name == "Expect" && value == "100-continue" {
		req.Expect100 = true
	}
}

func (c *Connection) onHeaderEnd() {
	req := c.ch.Request()
	resp := c.ch.HeaderEnd()
	c.keepAlive = !closeRequested(req)

	task := c.factory(req, resp, c.ch)
	if task == nil {
		return
	}
	if c.execute != nil {
		c.execute(task)
	} else {
		task()
	}
}

func (c *Connection) onContent(chunk []byte) {
	c.bodyBuf = append(c.bodyBuf, chunk...)
	c.ch.Request().Body = c.bodyBuf
}

func (c *Connection) onMessageEnd() {
	c.ch.OnDone(func() {
		if c.keepAlive {
			c.armFlush()
		} else {
			c.closing = true
			c.armFlush()
		}
	})
}

func (c *Connection) onParseError(err error) {
	if bm, ok := err.(*wire.BadMessage); ok {
		c.sendBadMessage(bm)
		return
	}
	c.closing = true
}

func (c *Connection) sendBadMessage(err error) {
	status := 400
	if bm, ok := err.(*wire.BadMessage); ok {
		status = bm.Status
	}
	body := []byte(err.Error())
	h := wire.NewHeaderList(1)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	c.ep.QueueOwned(c.gen.WriteStatusLine("HTTP/1.1", status, "Bad Request"))
	c.ep.QueueOwned(c.gen.WriteHeaders(h, status, "GET", int64(len(body)), true, false, false))
	if b, err := c.gen.WriteBody(body); err == nil {
		c.ep.QueueOwned(b)
	}
	c.closing = true
	c.armFlush()
}

func closeRequested(req *channel.Request) bool {
	if req.Headers == nil {
		return req.Version == "HTTP/1.0"
	}
	conn := req.Headers.Get("Connection")
	if conn == "close" {
		return true
	}
	if conn == "keep-alive" {
		return false
	}
	return req.Version == "HTTP/1.0"
}
