package socks5

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go-socks5-gateway/internal/accesslog"
	"go-socks5-gateway/internal/config"
	"go-socks5-gateway/internal/metrics"
	"go-socks5-gateway/internal/resolve"
	"go-socks5-gateway/internal/sockopt"
)

// ListenBacklog is the intended accept backlog. Go's net.Listen has no
// backlog parameter of its own; the kernel's SOMAXCONN governs it, so
// this is recorded for operators tuning net.core.somaxconn rather than
// passed to any API call.
const ListenBacklog = 512

// Server is the listener and connection pool driver: it accepts new
// clients, acquires a *conn from the pool (or allocates fresh), and
// spawns its flow on its own goroutine.
type Server struct {
	cfg      *config.Config
	resolver *resolve.Resolver
	metrics  *metrics.Metrics
	alog     *accesslog.Log
	pool     *Pool
}

// NewServer builds a Server wired to cfg's listen/pool/resolve settings
// and the given collaborators.
func NewServer(cfg *config.Config, m *metrics.Metrics, alog *accesslog.Log) *Server {
	return &Server{
		cfg:      cfg,
		resolver: resolve.New(cfg.ResolveConcurrency),
		metrics:  m,
		alog:     alog,
		pool:     NewPool(cfg.PoolSize),
	}
}

// Serve listens on s.cfg.Listen and accepts connections until ctx is
// cancelled or the listener fails. Each accepted client is served on its
// own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	lc := net.ListenConfig{Control: sockopt.Control}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.serveListener(ctx, ln)
}

// serveListener runs the accept loop on an already-bound listener.
func (s *Server) serveListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		client, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}

		c := s.pool.Get()
		s.metrics.ConnectionOpened()
		go c.serve(client, s.cfg, s.resolver, s.metrics, s.alog, s.pool)
	}
}
