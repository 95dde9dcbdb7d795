// Package server implements Server (§2 L8, §3): the set of Connectors
// and the fixed vector of Workers, plus the global hooks and the
// admission policy (TokenShaper) that gate handler dispatch. This is
// the top-level type an embedding binary constructs.
package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ironvane/httpd/core/channel"
	"github.com/ironvane/httpd/core/connector"
	"github.com/ironvane/httpd/core/endpoint"
	"github.com/ironvane/httpd/core/fastcgiconn"
	"github.com/ironvane/httpd/core/http1conn"
	"github.com/ironvane/httpd/core/http2conn"
	"github.com/ironvane/httpd/core/tokenshaper"
	"github.com/ironvane/httpd/core/worker"
	"github.com/ironvane/httpd/internal/filecache"
	"github.com/ironvane/httpd/logging"
)

// Hooks are the global lifecycle callbacks named in §3's Server data
// model. Every field is optional.
type Hooks struct {
	OnWorkerSpawn    func(w *worker.Worker)
	OnWorkerUnspawn  func(w *worker.Worker)
	OnConnectionOpen func(w *worker.Worker)
	OnConnectionClose func(w *worker.Worker)
	OnPreProcess     func(req *channel.Request)
	OnPostProcess    func(req *channel.Request, resp *channel.Response)
	OnRequestDone    func(req *channel.Request, resp *channel.Response)
	OnCycleLogs      func()
}

// Handler is the business-logic entry point a Server dispatches to
// once a request's headers are parsed. It returns once the response is
// fully written (Completed called) or the handler chooses to keep the
// channel open for the body to continue to arrive.
type Handler func(req *channel.Request, resp *channel.Response, ch *channel.HttpChannel)

// Config bounds server-wide behaviour.
type Config struct {
	NumWorkers   int
	Connector    connector.Config
	HTTP1        http1conn.Config
	HTTP2        http2conn.Config
	FastCGI      fastcgiconn.Config
	ShaperRoot   int64 // root TokenShaper capacity; 0 disables admission shaping
	ShutdownWait time.Duration
}

// DefaultConfig mirrors conservative production defaults.
func DefaultConfig(numWorkers int) Config {
	return Config{
		NumWorkers:   numWorkers,
		Connector:    connector.DefaultConfig(),
		HTTP1:        http1conn.DefaultConfig(),
		HTTP2:        http2conn.DefaultConfig(),
		FastCGI:      fastcgiconn.DefaultConfig(),
		ShaperRoot:   0,
		ShutdownWait: 30 * time.Second,
	}
}

// Server owns the worker vector (fixed after Start) and the set of
// Connectors bound to it.
type Server struct {
	cfg     Config
	hooks   Hooks
	handler Handler

	mu         sync.Mutex
	workers    []*worker.Worker
	connectors []*connector.Connector
	shaper     *tokenshaper.Bucket
	watchers   []*filecache.Watcher

	started bool
}

// New constructs a Server with cfg.NumWorkers Workers, none yet running.
func New(cfg Config, hooks Hooks, handler Handler) (*Server, error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	s := &Server{cfg: cfg, hooks: hooks, handler: handler}

	workers := make([]*worker.Worker, cfg.NumWorkers)
	for i := range workers {
		w, err := worker.New(i)
		if err != nil {
			return nil, err
		}
		if fw, err := filecache.New(w); err == nil {
			w.SetFileWatcher(fw)
			s.watchers = append(s.watchers, fw)
		} else {
			logging.Debugf("server", "worker %d: file watcher unavailable: %v", i, err)
		}
		workers[i] = w
	}
	s.workers = workers

	if cfg.ShaperRoot > 0 {
		s.shaper = tokenshaper.NewRoot("server", cfg.ShaperRoot)
	}
	return s, nil
}

// Workers returns the fixed worker vector.
func (s *Server) Workers() []*worker.Worker { return s.workers }

// Listen creates a Connector for addr under the given protocol name
// (Start arms its accept watch), using the server's first worker as the accept-loop
// owner (round-robin distributes accepted sockets across all workers).
func (s *Server) Listen(addr, protocol string) (*connector.Connector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acceptor := s.workers[0]
	conn, err := connector.New(addr, s.cfg.Connector, acceptor, s.workers, protocol)
	if err != nil {
		return nil, err
	}

	switch protocol {
	case "http/1.1":
		conn.Register(protocol, s.http1Factory)
	case "h2":
		conn.Register(protocol, s.http2Factory)
	case "fastcgi":
		conn.Register(protocol, s.fastcgiFactory)
	}

	s.connectors = append(s.connectors, conn)
	return conn, nil
}

// http1Factory builds an http1conn.Connection wired to the Server's
// Handler, applying TokenShaper admission (if configured) at the
// HandlerFactory seam named in §6.
func (s *Server) http1Factory(ep *endpoint.EndPoint) connector.Connection {
	sch := ep.Scheduler()
	return http1conn.New(ep, s.cfg.HTTP1, s.dispatch(), func(task func()) { sch.Execute(task) })
}

// http2Factory builds an http2conn.Connection wired to the Server's
// Handler, applying the same admission and hook wiring as http1Factory
// for every stream dispatched on the connection.
func (s *Server) http2Factory(ep *endpoint.EndPoint) connector.Connection {
	sch := ep.Scheduler()
	return http2conn.New(ep, s.cfg.HTTP2, s.dispatch(), func(task func()) { sch.Execute(task) })
}

// fastcgiFactory builds a fastcgiconn.Connection wired to the Server's
// Handler, applying the same admission and hook wiring as http1Factory
// for every request multiplexed on the connection.
func (s *Server) fastcgiFactory(ep *endpoint.EndPoint) connector.Connection {
	sch := ep.Scheduler()
	return fastcgiconn.New(ep, s.cfg.FastCGI, s.dispatch(), func(task func()) { sch.Execute(task) })
}

// dispatch builds the shared HandlerFactory closure used by every
// Connection variant: TokenShaper admission followed by the Server's
// Handler and its lifecycle hooks (§6's HandlerFactory seam).
func (s *Server) dispatch() func(req *channel.Request, resp *channel.Response, ch *channel.HttpChannel) func() {
	return func(req *channel.Request, resp *channel.Response, ch *channel.HttpChannel) func() {
		if s.hooks.OnPreProcess != nil {
			s.hooks.OnPreProcess(req)
		}
		return func() {
			if !s.admit() {
				resp.Status = 503
				resp.Reason = "Service Unavailable"
				ch.Commit(false)
				ch.Completed()
				return
			}
			defer s.release()

			s.handler(req, resp, ch)

			if s.hooks.OnPostProcess != nil {
				s.hooks.OnPostProcess(req, resp)
			}
			if s.hooks.OnRequestDone != nil {
				s.hooks.OnRequestDone(req, resp)
			}
		}
	}
}

// admit takes one token from the root shaper, if configured. A Server
// without ShaperRoot configured always admits.
func (s *Server) admit() bool {
	if s.shaper == nil {
		return true
	}
	return s.shaper.Get(1) == 1
}

func (s *Server) release() {
	if s.shaper != nil {
		s.shaper.Put(1)
	}
}

// workerSnapshot is the JSON-serialisable form of one Worker's counters,
// emitted by OnCycleLogs. Earlier drafts of this plumbing proposed a
// protobuf schema; JSON was chosen instead to avoid hand-writing
// protoreflect-backed message code with no compiler to check it.
type workerSnapshot struct {
	WorkerID        int   `json:"worker_id"`
	ConnectionLoad  int64 `json:"connection_load"`
	RequestCount    int64 `json:"request_count"`
	Throughput15Min int64 `json:"throughput_15m"`
}

// CycleLogsSnapshot returns the current per-worker counters as JSON,
// suitable for the Hooks.OnCycleLogs callback to ship to a log sink.
func (s *Server) CycleLogsSnapshot() ([]byte, error) {
	snaps := make([]workerSnapshot, len(s.workers))
	for i, w := range s.workers {
		snaps[i] = workerSnapshot{
			WorkerID:        w.ID,
			ConnectionLoad:  w.ConnectionLoad(),
			RequestCount:    w.RequestCount(),
			Throughput15Min: w.Throughput15m(),
		}
	}
	return json.Marshal(snaps)
}

// Start arms every Connector's accept watch and runs each Worker's
// scheduler loop on its own locked OS thread. Blocks until every
// worker's RunLoop returns (i.e. until Shutdown).
func (s *Server) Start() error {
	s.mu.Lock()
	for _, c := range s.connectors {
		if err := c.Start(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.started = true
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range s.workers {
		w := w
		wg.Add(1)
		if s.hooks.OnWorkerSpawn != nil {
			s.hooks.OnWorkerSpawn(w)
		}
		go func() {
			defer wg.Done()
			w.Serve()
			if s.hooks.OnWorkerUnspawn != nil {
				s.hooks.OnWorkerUnspawn(w)
			}
		}()
	}
	wg.Wait()
	return nil
}

// Shutdown disables every Connector's acceptor and breaks every
// Worker's run loop once its grace period elapses, per §5's graceful
// shutdown contract.
func (s *Server) Shutdown() {
	s.mu.Lock()
	for _, c := range s.connectors {
		c.Close()
	}
	s.mu.Unlock()

	if s.cfg.ShutdownWait > 0 {
		time.Sleep(s.cfg.ShutdownWait)
	}
	for _, w := range s.workers {
		w.Shutdown()
	}
	for _, fw := range s.watchers {
		fw.Close()
	}
	logging.Infof("server", "shutdown complete")
}
