package app

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/ironvane/httpd/config"
	"github.com/ironvane/httpd/core/channel"
	"github.com/ironvane/httpd/core/server"
)

// App wires a loaded config to the scheduler-driven, multi-protocol
// serving core (core/server.Server).
type App struct {
	cfg *config.Config
}

// New creates an application instance from cfg.
func New(cfg *config.Config) *App {
	return &App{cfg: cfg}
}

// RunSpecServer starts the scheduler-driven, multi-protocol serving
// core (core/server.Server): one OS thread per CPU, each running its
// own Scheduler/EndPoint/HTTP1 connection stack, fed by a Connector
// that round-robins accepted sockets across workers. handler is the
// HandlerFactory-facing business logic invoked once per request's
// headers.
func (a *App) RunSpecServer(handler server.Handler) error {
	cfg := server.DefaultConfig(runtime.NumCPU())
	srv, err := server.New(cfg, server.Hooks{}, handler)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", a.cfg.Port)
	if _, err := srv.Listen(addr, "http/1.1"); err != nil {
		return err
	}

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		srv.Shutdown()
	}()

	log.Printf("serving core starting on port %d [%s]", a.cfg.Port, a.cfg.Env)
	return srv.Start()
}

// EchoHandler is a minimal Handler demonstrating the HttpChannel
// contract: commit a 200 response and write the request body back.
func EchoHandler(req *channel.Request, resp *channel.Response, ch *channel.HttpChannel) {
	resp.SetContentLength(int64(len(req.Body)))
	resp.SetHeader("Content-Type", "text/plain; charset=utf-8")
	if err := ch.Commit(true); err != nil {
		return
	}
	if len(req.Body) > 0 {
		ch.WriteBody(req.Body)
	}
	ch.Completed()
}
