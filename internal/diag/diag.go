// Package diag exposes the runtime profiling endpoints on a separate
// listener, kept off the public websocket server.
package diag

import (
	"context"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/collabpad/collabpad/internal/logger"
)

// Server serves /debug/pprof on its own address. A zero Server is unusable;
// create one with NewServer.
type Server struct {
	addr     string
	log      *logger.Logger
	listener net.Listener
	server   *http.Server
}

// NewServer prepares a profiling server on addr.
func NewServer(addr string, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Global()
	}
	return &Server{addr: addr, log: log}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{Handler: mux}

	go func() {
		s.log.Info("pprof server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("pprof server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, useful when addr was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the profiling server down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
