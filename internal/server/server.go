package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/l0p7/scorecache/internal/config"
)

// Options wires the server to the score service.
type Options struct {
	Handler http.Handler
	// OnDrained runs once after the listener stops and in-flight lookups
	// finish, with its own ShutdownTimeout budget. The engine's final cache
	// flush goes here so it captures scores resolved by those lookups.
	OnDrained func(context.Context) error
}

// Server serves score lookups until its context ends, then drains and runs
// the OnDrained hook.
type Server struct {
	logger          *slog.Logger
	httpServer      *http.Server
	shutdownTimeout time.Duration
	onDrained       func(context.Context) error

	ready chan struct{}
	addr  string
	once  sync.Once
}

func New(cfg config.ServerConfig, logger *slog.Logger, opts Options) (*Server, error) {
	if opts.Handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Server{
		logger: logger.With(slog.String("agent", "http_server")),
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(cfg.Listen.Address, strconv.Itoa(cfg.Listen.Port)),
			Handler:           opts.Handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		shutdownTimeout: timeout,
		onDrained:       opts.OnDrained,
		ready:           make(chan struct{}),
	}, nil
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the bound address. It is empty until Ready is closed.
func (s *Server) Addr() string {
	select {
	case <-s.ready:
		return s.addr
	default:
		return ""
	}
}

// Run listens until ctx ends or the listener fails. Either way it stops
// accepting lookups, waits for running ones and then runs OnDrained.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Join(fmt.Errorf("server: listen %s: %w", s.httpServer.Addr, err), s.drain())
	}
	s.addr = ln.Addr().String()
	close(s.ready)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listener started", slog.String("address", s.addr))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: serve: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return errors.Join(ctx.Err(), s.shutdown(), s.drain())
	case err := <-errCh:
		return errors.Join(err, s.shutdown(), s.drain())
	}
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	s.logger.Info("http listener draining", slog.Duration("timeout", s.shutdownTimeout))
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func (s *Server) drain() error {
	var err error
	s.once.Do(func() {
		if s.onDrained == nil {
			return
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err = s.onDrained(drainCtx); err != nil {
			s.logger.Error("post-drain hook failed", slog.String("error", err.Error()))
		}
	})
	return err
}
