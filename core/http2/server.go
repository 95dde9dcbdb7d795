// Package http2 also provides H2CompatServer, a standalone listener built
// on golang.org/x/net/http2, alongside the hand-rolled engine that
// core/server registers under protocol name "h2". H2CompatServer is not
// registered with core/server's Connectors; it runs its own net/http
// listener rather than participating in the Scheduler/EndPoint loop,
// since x/net/http2 owns its own blocking I/O model end to end.
package http2

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/ironvane/httpd/logging"
)

// H2CompatServer provides HTTP/2 support with multiplexing and HPACK
// compression via golang.org/x/net/http2, for callers that prefer it over
// the hand-rolled HTTP/2 engine.
type H2CompatServer struct {
	addr    string
	handler http.Handler
	server  *http.Server
	h2      *http2.Server

	// TLS configuration for ALPN negotiation
	tlsConfig *tls.Config

	// Statistics
	stats struct {
		activeStreams    sync.Map // connection -> stream count
		totalConnections uint64
		totalStreams     uint64
	}

	mu     sync.RWMutex
	closed bool
}

// Config configures an H2CompatServer.
type Config struct {
	Addr                 string
	Handler              http.Handler
	TLSConfig            *tls.Config
	MaxConcurrentStreams uint32
	MaxReadFrameSize     uint32
	IdleTimeout          time.Duration
}

// NewH2CompatServer creates a new HTTP/2 compatibility server.
func NewH2CompatServer(cfg Config) *H2CompatServer {
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = 250
	}
	if cfg.MaxReadFrameSize == 0 {
		cfg.MaxReadFrameSize = 1 << 20 // 1MB
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}

	s := &H2CompatServer{
		addr:    cfg.Addr,
		handler: cfg.Handler,
	}

	// Configure HTTP/2 server
	s.h2 = &http2.Server{
		MaxConcurrentStreams: cfg.MaxConcurrentStreams,
		MaxReadFrameSize:     cfg.MaxReadFrameSize,
		IdleTimeout:          cfg.IdleTimeout,
	}

	// Create HTTP server
	s.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: cfg.Handler,
	}

	// Configure TLS with ALPN for HTTP/2
	if cfg.TLSConfig != nil {
		s.tlsConfig = cfg.TLSConfig.Clone()
		s.tlsConfig.NextProtos = []string{"h2", "http/1.1"}
		s.server.TLSConfig = s.tlsConfig
	} else {
		// h2c (HTTP/2 cleartext)
		s.server.Handler = h2c.NewHandler(s.server.Handler, s.h2)
	}

	return s
}

// ListenAndServe starts the HTTP/2 server
func (s *H2CompatServer) ListenAndServe() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("server is closed")
	}

	logging.Infof("http2", "h2-compat server starting on %s", s.addr)
	if s.tlsConfig != nil {
		logging.Infof("http2", "protocol: h2 (TLS with ALPN)")
		return s.server.ListenAndServeTLS("", "")
	}

	logging.Infof("http2", "protocol: h2c (cleartext)")
	return s.server.ListenAndServe()
}

// Close gracefully shuts down the server
func (s *H2CompatServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.server.Close()
}
