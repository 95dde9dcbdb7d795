/*
Package fastserver provides a cooperative, multi-threaded HTTP serving
core: one Scheduler event loop per worker OS thread, each driving its
own EndPoints, speaking HTTP/1.1, HTTP/2, or FastCGI over a shared
HttpChannel request/response contract, fed by a Connector that
round-robins accepted sockets across workers.

Architecture

  - core/scheduler: the cooperative event loop — timers, fd readiness
    watchers, and cross-thread posted tasks, all driven from one OS
    thread via a Poller.
  - core/poller: the platform I/O multiplexer (epoll) the scheduler is
    built on.
  - core/endpoint: the buffered read/write abstraction over one
    connection's fd, backed by core/pools.BufferPool.
  - core/connector: accepts sockets and distributes them to workers.
  - core/worker: one OS thread running one Scheduler, owning the
    EndPoints/connections handed to it by the Connector.
  - core/wire: shared header list, URI normaliser, and the HTTP/1
    wire parser/generator.
  - core/http1conn, core/http2conn, core/fastcgiconn: the protocol
    engines that drive an EndPoint as HTTP/1.1, HTTP/2, or FastCGI and
    translate wire messages into HttpChannel calls.
  - core/http2: HTTP/2 framing, HPACK, and stream multiplexing.
  - core/fastcgi: FastCGI record protocol.
  - core/channel: the HttpChannel request/response contract handlers
    are written against, independent of which protocol engine is
    driving the underlying connection.
  - core/tokenshaper: hierarchical admission control used by the
    server to shed or queue load under pressure.
  - core/server: top-level Server wiring a Connector, a pool of
    Workers, and TokenShaper-backed admission control into one
    Listen/Start/Shutdown lifecycle.
  - app: application lifecycle glue over core/server.
  - config: configuration loading.

Quick Start

	package main

	import (
		"log"

		"github.com/ironvane/httpd/app"
		"github.com/ironvane/httpd/config"
	)

	func main() {
		cfg := config.New()
		application := app.New(cfg)
		if err := application.RunSpecServer(app.EchoHandler); err != nil {
			log.Fatal(err)
		}
	}

For more information, see https://github.com/ironvane/httpd
*/
package fastserver
