// Package fastcgiconn implements the FastCGI Connection variant (§3,
// §4.6): it drives a fastcgi.Parser off an EndPoint's fill buffer,
// synthesises one HttpRequest per multiplexed request-id from the
// accumulated Params records (CGI-style), and owns one
// channel.HttpChannel per request, serialising responses through a
// per-request Generator that frames StdOut/EndRequest records back
// onto the same EndPoint.
package fastcgiconn

import (
	"time"

	"github.com/ironvane/httpd/core/channel"
	"github.com/ironvane/httpd/core/endpoint"
	"github.com/ironvane/httpd/core/fastcgi"
	"github.com/ironvane/httpd/core/wire"
	"github.com/ironvane/httpd/logging"
)

// HandlerFactory mirrors http1conn's seam (§6): called once a request's
// Params stream ends (the FastCGI analogue of onMessageHeaderEnd),
// returning a task to run on the owning worker.
type HandlerFactory func(req *channel.Request, resp *channel.Response, ch *channel.HttpChannel) func()

// Config bounds one connection's FastCGI-level behaviour.
type Config struct {
	IdleTimeout time.Duration
}

// DefaultConfig mirrors the teacher's conservative defaults.
func DefaultConfig() Config {
	return Config{IdleTimeout: 60 * time.Second}
}

type requestCtx struct {
	id       uint16
	ch       *channel.HttpChannel
	gen      *requestGenerator
	params   map[string]string
	keepConn bool
}

// Connection is the FastCGI Connection variant: one instance per
// accepted socket, multiplexing many requests keyed by request-id over
// one EndPoint.
type Connection struct {
	ep      *endpoint.EndPoint
	cfg     Config
	factory HandlerFactory
	execute func(func())

	parser   *fastcgi.Parser
	gen      fastcgi.Generator
	requests map[uint16]*requestCtx

	closing bool
}

// New constructs a FastCGI Connection bound to ep.
func New(ep *endpoint.EndPoint, cfg Config, factory HandlerFactory, execute func(func())) *Connection {
	c := &Connection{
		ep:       ep,
		cfg:      cfg,
		factory:  factory,
		execute:  execute,
		requests: make(map[uint16]*requestCtx),
	}
	c.parser = fastcgi.NewParser(fastcgi.Callbacks{
		OnBeginRequest: c.onBeginRequest,
		OnParam:        c.onParam,
		OnParamsEnd:    c.onParamsEnd,
		OnStdin:        c.onStdin,
		OnStdinEnd:     c.onStdinEnd,
		OnAbortRequest: c.onAbortRequest,
		OnGetValues:    c.onGetValues,
		OnUnknownType:  c.onUnknownType,
	})
	return c
}

// OnOpen arms the initial fill interest, mirroring http1conn's uniform
// "arm, then let readiness drive everything" style.
func (c *Connection) OnOpen(dataReady bool) {
	c.armFill()
}

func (c *Connection) armFill() {
	if c.closing {
		return
	}
	if err := c.ep.WantFill(c.OnFillable, c.OnInterestFailure); err != nil {
		logging.Debugf("fastcgiconn", "arm fill: %v", err)
		c.Close()
	}
}

func (c *Connection) armFlush() {
	if err := c.ep.WantFlush(c.OnFlushable, c.OnInterestFailure); err != nil {
		c.Close()
	}
}

// OnFillable reads one buffer's worth and feeds the record parser.
func (c *Connection) OnFillable() {
	readBuf := c.ep.ReadBuffer()
	n, err := c.ep.Fill(readBuf)
	if err != nil || n == 0 {
		c.Close()
		return
	}
	if _, perr := c.parser.Execute(readBuf[:n]); perr != nil {
		c.Close()
		return
	}
	if !c.closing {
		c.armFill()
	}
}

// OnFlushable drains the pending write chain.
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

// OnInterestFailure surfaces a read/write timeout as EndRequest with
// RequestComplete for every in-flight request, per §5's "FastCGI:
// EndRequest with RequestComplete" abort translation, then closes.
func (c *Connection) OnInterestFailure(err error) {
	for id := range c.requests {
		c.ep.QueueOwned(c.gen.EncodeEndRequest(id, 0, fastcgi.RequestComplete))
	}
	c.ep.Flush()
	c.Close()
}

// Close closes the underlying EndPoint exactly once.
func (c *Connection) Close() error {
	c.closing = true
	return c.ep.Close()
}

func (c *Connection) onBeginRequest(reqID uint16, role uint16, keepConn bool) {
	c.requests[reqID] = &requestCtx{id: reqID, params: make(map[string]string), keepConn: keepConn}
}

func (c *Connection) onParam(reqID uint16, key, value string) {
	rc, ok := c.requests[reqID]
	if !ok {
		return
	}
	rc.params[key] = value
}

// onParamsEnd synthesises the HttpRequest from accumulated Params
// (§4.6: "CGI-style: REQUEST_METHOD, REQUEST_URI, SERVER_PROTOCOL;
// parameters starting with HTTP_ become headers") and dispatches the
// HandlerFactory, the FastCGI analogue of onMessageHeaderEnd.
func (c *Connection) onParamsEnd(reqID uint16) {
	rc, ok := c.requests[reqID]
	if !ok {
		return
	}

	rc.gen = newRequestGenerator(c, reqID)
	rc.ch = channel.New(c.ep, rc.gen)
	rc.ch.BeginRequest()
	rc.ch.OnDone(func() {
		c.armFlush()
		if !rc.keepConn {
			c.closing = true
		}
		delete(c.requests, reqID)
	})

	req := rc.ch.Request()
	req.Method = rc.params["REQUEST_METHOD"]
	req.Version = rc.params["SERVER_PROTOCOL"]
	if req.Version == "" {
		req.Version = "HTTP/1.1"
	}
	uri := rc.params["REQUEST_URI"]
	nt, err := wire.NormalizeTarget(uri)
	if err != nil {
		c.ep.QueueOwned(c.gen.EncodeEndRequest(reqID, 1, fastcgi.RequestComplete))
		c.armFlush()
		delete(c.requests, reqID)
		return
	}
	req.Target = nt

	req.Headers = wire.NewHeaderList(len(rc.params))
	for k, v := range rc.params {
		if name, ok := fastcgi.HeaderNameFromParam(k); ok {
			req.Headers.Append(name, v)
		}
	}

	resp := rc.ch.HeaderEnd()

	task := c.factory(req, resp, rc.ch)
	if task == nil {
		return
	}
	if c.execute != nil {
		c.execute(task)
	} else {
		task()
	}
}

func (c *Connection) onStdin(reqID uint16, chunk []byte) {
	rc, ok := c.requests[reqID]
	if !ok || rc.ch == nil {
		return
	}
	req := rc.ch.Request()
	req.Body = append(req.Body, chunk...)
}

func (c *Connection) onStdinEnd(reqID uint16) {
	// Body is fully accumulated; the handler (already dispatched at
	// onParamsEnd) reads req.Body directly, matching http1conn's
	// fully-buffered-body contract.
}

func (c *Connection) onAbortRequest(reqID uint16) {
	_, ok := c.requests[reqID]
	if !ok {
		return
	}
	c.ep.QueueOwned(c.gen.EncodeEndRequest(reqID, 0, fastcgi.RequestComplete))
	c.armFlush()
	delete(c.requests, reqID)
}

func (c *Connection) onGetValues(reqID uint16, names []string) {
	values := map[string]string{
		"FCGI_MAX_CONNS":  "1",
		"FCGI_MAX_REQS":   "1",
		"FCGI_MPXS_CONNS": "1",
	}
	result := make(map[string]string, len(names))
	for _, n := range names {
		if v, ok := values[n]; ok {
			result[n] = v
		}
	}
	c.ep.QueueOwned(c.gen.EncodeGetValuesResult(result))
	c.armFlush()
}

func (c *Connection) onUnknownType(reqID uint16, recordType uint8) {
	c.ep.QueueOwned(c.gen.EncodeUnknownType(recordType))
	c.armFlush()
}
