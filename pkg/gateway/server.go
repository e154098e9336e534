package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"digital.vasic.vfs/pkg/logging"
)

// DefaultAddr binds an ephemeral port on the loopback interface.
const DefaultAddr = "127.0.0.1:0"

// Server owns the gateway listener.
type Server struct {
	addr    string
	handler http.Handler
	log     *zap.Logger

	mu   sync.Mutex
	srv  *http.Server
	port int
	done chan struct{}
}

// NewServer creates a server for resolver listening on addr.
func NewServer(addr string, resolver Resolver, log *zap.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = logging.Named(log, "gateway")

	mux := http.NewServeMux()
	mux.Handle(Path, NewHandler(resolver, log))

	return &Server{
		addr:    addr,
		handler: logging.Middleware(log)(mux),
		log:     log,
	}
}

// Start binds the listener and serves in the background. It returns the
// bound port; a running server returns its port again.
func (s *Server) Start(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return s.port, nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return 0, fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.done = make(chan struct{})

	srv, done := s.srv, s.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("gateway stopped", zap.Error(err))
		}
	}()

	s.log.Info("gateway started", zap.String("addr", ln.Addr().String()))
	return s.port, nil
}

// Port returns the bound port, or 0 when not started.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Stop shuts the server down, waiting for active requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.port = nil, 0
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		err = multierr.Append(err, srv.Close())
	}
	<-done
	s.log.Info("gateway stopped")
	return err
}
