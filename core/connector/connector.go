// Package connector implements Connector (§4.3): binds an address,
// accepts sockets, hands each to a worker chosen by policy, and builds
// a protocol Connection from a registered factory once the accepting
// worker's scheduler has taken ownership of the fd.
package connector

import (
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ironvane/httpd/core/endpoint"
	"github.com/ironvane/httpd/core/worker"
	"github.com/ironvane/httpd/logging"
)

// Connection is the capability set a protocol engine exposes to its
// EndPoint and Connector (§3's polymorphic Connection variants: HTTP/1,
// HTTP/2, FastCGI).
type Connection interface {
	OnOpen(dataReady bool)
	OnFillable()
	OnFlushable()
	OnInterestFailure(err error)
	Close() error
}

// ConnectionFactory builds a Connection bound to ep, for connections
// accepted under protocolName.
type ConnectionFactory func(ep *endpoint.EndPoint) Connection

// ExecutorSelector picks which Worker should own a newly-accepted
// socket. The default is round-robin; callers may inject their own
// (e.g. least-connection) via WithSelector.
type ExecutorSelector func(workers []*worker.Worker) *worker.Worker

// RoundRobin returns a stateful round-robin ExecutorSelector.
func RoundRobin() ExecutorSelector {
	var next atomic.Uint64
	return func(workers []*worker.Worker) *worker.Worker {
		if len(workers) == 0 {
			return nil
		}
		i := next.Add(1) - 1
		return workers[i%uint64(len(workers))]
	}
}

// Config bounds a Connector's accept-loop behavior, per §4.3.
type Config struct {
	Backlog          int
	MultiAcceptCount int // sockets to drain per readiness wakeup
	ReuseAddr        bool
	ReusePort        bool
	DeferAccept      bool
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	FinLinger        time.Duration
}

// DefaultConfig mirrors conservative production defaults.
func DefaultConfig() Config {
	return Config{
		Backlog:          1024,
		MultiAcceptCount: 32,
		ReuseAddr:        true,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     60 * time.Second,
	}
}

// Connector listens on one bound address and feeds accepted sockets to
// a set of Workers, each constructing a Connection via a factory
// resolved by protocol name.
type Connector struct {
	cfg      Config
	lfd      int
	workers  []*worker.Worker
	acceptor *worker.Worker // the worker whose scheduler polls the listening fd
	selector ExecutorSelector

	mu        sync.RWMutex
	factories map[string]ConnectionFactory
	protocol  string // the protocol this connector dispatches accepted sockets to

	closed atomic.Bool
}

// New binds and listens on addr (host:port, IPv4 or IPv6). The listening
// fd is registered for read-readiness on acceptor's scheduler by Start.
func New(addr string, cfg Config, acceptor *worker.Worker, workers []*worker.Worker, protocol string) (*Connector, error) {
	lfd, err := listenTCP(addr, cfg)
	if err != nil {
		return nil, err
	}
	c := &Connector{
		cfg:       cfg,
		lfd:       lfd,
		workers:   workers,
		acceptor:  acceptor,
		selector:  RoundRobin(),
		factories: make(map[string]ConnectionFactory),
		protocol:  protocol,
	}
	return c, nil
}

// WithSelector overrides the default round-robin ExecutorSelector.
func (c *Connector) WithSelector(sel ExecutorSelector) *Connector {
	c.selector = sel
	return c
}

// Register binds a ConnectionFactory to a protocol name, looked up when
// an accepted socket needs a Connection built.
func (c *Connector) Register(protocolName string, f ConnectionFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[protocolName] = f
}

// Start arms the accept watch on the acceptor worker's scheduler. Must
// be called from (or posted to) the acceptor's own scheduler thread.
func (c *Connector) Start() error {
	return c.armAccept()
}

func (c *Connector) armAccept() error {
	_, err := c.acceptor.Sch.ExecuteOnReadable(c.lfd, 0, c.onAcceptable, nil)
	return err
}

func (c *Connector) onAcceptable() {
	if c.closed.Load() {
		return
	}
	n := c.cfg.MultiAcceptCount
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		nfd, _, err := syscall.Accept(c.lfd)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				break
			}
			logging.Warnf("connector", "accept: %v", err)
			break
		}
		c.dispatch(nfd)
	}
	if !c.closed.Load() {
		if err := c.armAccept(); err != nil {
			logging.Warnf("connector", "re-arm accept watch: %v", err)
		}
	}
}

// dispatch configures the accepted fd and posts a task to the chosen
// worker that builds the EndPoint/Connection and calls OnOpen(false),
// matching the Connector control-flow in §2.
func (c *Connector) dispatch(nfd int) {
	if err := syscall.SetNonblock(nfd, true); err != nil {
		syscall.Close(nfd)
		return
	}
	syscall.SetsockoptInt(nfd, syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)

	w := c.selector(c.workers)
	if w == nil {
		syscall.Close(nfd)
		return
	}

	protocol := c.protocol
	cfg := c.cfg
	w.Post(func() {
		ep := endpoint.New(w.Sch, nfd, 16*1024)
		ep.SetTimeouts(cfg.ReadTimeout, cfg.WriteTimeout)

		c.mu.RLock()
		factory, ok := c.factories[protocol]
		c.mu.RUnlock()
		if !ok {
			ep.Close()
			return
		}

		conn := factory(ep)
		w.TrackConnection(conn)
		conn.OnOpen(false)
	})
}

// Close stops accepting new connections and closes the listening fd.
// In-flight connections are unaffected; graceful drain is the Server's
// responsibility.
func (c *Connector) Close() error {
	c.closed.Store(true)
	c.acceptor.Sch.CancelFD(c.lfd)
	return syscall.Close(c.lfd)
}
