// Package httpserver wraps net/http serving as a lifecycle.Service so the
// producer and consumer APIs share one start/stop implementation.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"log/slog"
)

// Server wraps an http.Server as a lifecycle.Service
type Server struct {
	name string
	srv  *http.Server

	runningMu sync.Mutex
	running   bool
}

// New creates an HTTP server service
func New(name string, port int, handler http.Handler) *Server {
	return &Server{
		name: name,
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Name implements lifecycle.Service
func (s *Server) Name() string { return s.name }

// Start serves HTTP until ctx is cancelled or the listener fails
func (s *Server) Start(ctx context.Context) error {
	s.runningMu.Lock()
	s.running = true
	s.runningMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "name", s.name, "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		return nil
	}
}

// Stop drains in-flight requests and shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	return s.srv.Shutdown(ctx)
}

// Health implements lifecycle.Service
func (s *Server) Health() error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if !s.running {
		return fmt.Errorf("http server not running")
	}
	return nil
}
