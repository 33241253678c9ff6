// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/mmqp/codec"
	"github.com/absmach/mmqp/packets"
	"github.com/google/uuid"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Handler answers requests. *broker.Broker implements it.
type Handler interface {
	Handle(ctx context.Context, raw []byte) []byte
	OnConnect(transport string)
	OnDisconnect()
}

// IPRateLimiter limits new connections per remote address.
type IPRateLimiter interface {
	Allow(addr net.Addr) bool
}

// Config holds the TCP server configuration.
type Config struct {
	Address         string
	TLSConfig       *tls.Config
	Logger          *slog.Logger
	RateLimiter     IPRateLimiter // nil if rate limiting disabled
	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration // idle time allowed between requests
	WriteTimeout    time.Duration
	TCPKeepAlive    time.Duration
	MaxConnections  int
	MaxFrameSize    int
	BufferSize      int
	DisableNoDelay  bool
}

// Server accepts TCP connections and serves length-prefixed requests on
// each of them, one at a time in arrival order.
type Server struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	config   Config
	handler  Handler
	listener net.Listener
	connSem  chan struct{}
}

// New creates a new TCP server with the given configuration and handler.
func New(cfg Config, h Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 8192
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = 4 * 1024 * 1024
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 15 * time.Second
	}

	var connSem chan struct{}
	if cfg.MaxConnections > 0 {
		connSem = make(chan struct{}, cfg.MaxConnections)
	}

	return &Server{
		config:  cfg,
		handler: h,
		connSem: connSem,
	}
}

// Listen starts the TCP server and blocks until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := s.createListener()
	if err != nil {
		return err
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := s.runAcceptLoop(ctx, connCtx, listener)

	<-ctx.Done()
	return s.gracefulShutdown(listener, acceptDone, connCancel)
}

func (s *Server) createListener() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", s.config.Address))
	}

	s.config.Logger.Info("TCP server started", slog.String("address", s.config.Address))
	return listener, nil
}

func (s *Server) runAcceptLoop(ctx, connCtx context.Context, listener net.Listener) <-chan struct{} {
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}

			if s.config.RateLimiter != nil && !s.config.RateLimiter.Allow(conn.RemoteAddr()) {
				s.config.Logger.Warn("connection rate limited",
					slog.String("remote", conn.RemoteAddr().String()))
				conn.Close()
				continue
			}

			if !s.tryAcquireConnectionSlot(ctx, conn) {
				continue
			}

			if tcpConn, ok := conn.(*net.TCPConn); ok {
				if err := s.configureTCPConn(tcpConn); err != nil {
					s.config.Logger.Error("failed to configure TCP connection",
						slog.String("error", err.Error()))
					s.releaseConnectionSlot()
					conn.Close()
					continue
				}
			}

			s.wg.Add(1)
			go s.handleConnection(connCtx, conn)
		}
	}()
	return acceptDone
}

func (s *Server) tryAcquireConnectionSlot(ctx context.Context, conn net.Conn) bool {
	if s.connSem == nil {
		return true
	}

	select {
	case s.connSem <- struct{}{}:
		return true
	case <-ctx.Done():
		conn.Close()
		return false
	default:
		s.config.Logger.Warn("connection limit reached, rejecting connection",
			slog.String("remote", conn.RemoteAddr().String()))
		conn.Close()
		return false
	}
}

func (s *Server) releaseConnectionSlot() {
	if s.connSem != nil {
		<-s.connSem
	}
}

func (s *Server) handleConnection(connCtx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.releaseConnectionSlot()

	ctx, cancel := context.WithCancel(connCtx)
	defer cancel()

	// Unblock a pending read when the server forces connections closed.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	logger := s.config.Logger.With(
		slog.String("conn_id", uuid.NewString()),
		slog.String("remote", conn.RemoteAddr().String()))
	logger.Debug("connection established")

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			logger.Error("TLS handshake failed", slog.String("error", err.Error()))
			return
		}
	}

	s.handler.OnConnect("tcp")
	defer s.handler.OnDisconnect()

	err := s.serve(ctx, conn)
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		logger.Debug("connection closed")
	default:
		logger.Debug("connection closed with error", slog.String("error", err.Error()))
	}
}

// serve reads frames until the peer goes away or a frame cannot be read.
func (s *Server) serve(ctx context.Context, conn net.Conn) error {
	r := bufio.NewReaderSize(conn, s.config.BufferSize)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout)); err != nil {
			return err
		}

		frame, err := codec.ReadFrame(r, uint64(s.config.MaxFrameSize))
		if err != nil {
			if errors.Is(err, codec.ErrFrameTooLarge) || errors.Is(err, codec.ErrInvalidEncoding) {
				// The stream cannot be resynchronized; report and hang up.
				reply := &packets.StatusReply{Status: packets.StatusBadRequest, Detail: err.Error()}
				_ = s.write(conn, reply.Encode())
			}
			return err
		}

		if err := s.write(conn, s.handler.Handle(ctx, frame)); err != nil {
			return err
		}
	}
}

func (s *Server) write(conn net.Conn, b []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return err
	}
	return codec.WriteFrame(conn, b)
}

func (s *Server) gracefulShutdown(listener net.Listener, acceptDone <-chan struct{}, connCancel context.CancelFunc) error {
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()

		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

func (s *Server) configureTCPConn(conn *net.TCPConn) error {
	if s.config.TCPKeepAlive > 0 {
		if err := conn.SetKeepAlive(true); err != nil {
			return fmt.Errorf("failed to enable keepalive: %w", err)
		}
		if err := conn.SetKeepAlivePeriod(s.config.TCPKeepAlive); err != nil {
			return fmt.Errorf("failed to set keepalive period: %w", err)
		}
	}

	if !s.config.DisableNoDelay {
		if err := conn.SetNoDelay(true); err != nil {
			return fmt.Errorf("failed to set TCP_NODELAY: %w", err)
		}
	}

	return nil
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
