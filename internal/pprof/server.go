// Package pprof runs the runtime profiling endpoints on a private listener
// next to the chat server.
package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"

	"pkt.systems/pslog"
)

// Server serves /debug/pprof/ on loopback.
type Server struct {
	server   *http.Server
	listener net.Listener
}

// Start binds to 127.0.0.1:port (0 picks a free port) and serves until Stop.
func Start(ctx context.Context, port int) (*Server, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind to %s: %w", addr, err)
	}

	// Dedicated mux so nothing registered on http.DefaultServeMux leaks out.
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	logger := pslog.Ctx(ctx)
	s := &Server{
		listener: listener,
		server: &http.Server{
			Handler:  mux,
			ErrorLog: pslog.LogLoggerWithLevel(logger, pslog.ErrorLevel),
		},
	}
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("pprof server stopped", "err", err)
		}
	}()
	logger.Info("pprof listening", "url", "http://"+s.Addr()+"/debug/pprof/")
	return s, nil
}

// Addr returns the bound host:port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
