// Package server is the relay. It appends whatever clients send to a
// per-document byte log and broadcasts each append to every client joined
// to that document, the sender included. It never looks inside the data;
// the single total order of the log is all the clients need to converge.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds the relay listeners and limits.
type Config struct {
	// TCPAddr is the raw line-protocol listener.
	TCPAddr string `mapstructure:"tcp-addr"`
	// HTTPAddr serves /ws, /api, /metrics and /healthz.
	HTTPAddr string `mapstructure:"http-addr"`
	// MaxChunk bounds a single /data payload.
	MaxChunk int `mapstructure:"max-chunk"`
	// ShutdownTimeout bounds the HTTP server's graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
}

func DefaultConfig() Config {
	return Config{
		TCPAddr:         ":7001",
		HTTPAddr:        ":8080",
		MaxChunk:        16 << 20,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server runs the hub behind its TCP and HTTP listeners.
type Server struct {
	logger *zap.Logger
	cfg    Config
	hub    *Hub

	mu      sync.Mutex
	tcpLn   net.Listener
	httpLn  net.Listener
	handler http.Handler
}

func NewServer(hub *Hub, opts ...Opt) *Server {
	o := buildOptions(opts)
	return &Server{
		logger:  o.logger,
		cfg:     o.cfg,
		hub:     hub,
		handler: NewHandler(hub),
	}
}

// Listen opens both listeners. Serve calls it if it has not been called.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpLn != nil {
		return nil
	}
	tcpLn, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return err
	}
	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		tcpLn.Close()
		return err
	}
	s.tcpLn, s.httpLn = tcpLn, httpLn
	return nil
}

// TCPAddr returns the bound TCP address, once listening.
func (s *Server) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

// HTTPAddr returns the bound HTTP address, once listening.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// Serve runs until ctx is done, then closes both listeners and waits for
// the hub to stop its sessions.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.logger.Info("relay listening",
		zap.Stringer("tcp", s.tcpLn.Addr()),
		zap.Stringer("http", s.httpLn.Addr()),
	)

	httpSrv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return s.acceptLoop(ctx)
	})
	g.Go(func() error {
		if err := httpSrv.Serve(s.httpLn); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.tcpLn.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.tcpLn.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.logger.Debug("accepted", zap.Stringer("remote", conn.RemoteAddr()))
		go s.hub.ServeConn(conn)
	}
}
