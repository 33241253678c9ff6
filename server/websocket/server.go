// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/mmqp/packets"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

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

type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration // idle time allowed between requests
	WriteTimeout    time.Duration
	MaxMessageSize  int64
	RateLimiter     IPRateLimiter
	Logger          *slog.Logger
}

// Server serves MMQP over WebSocket. Every binary message is one request
// and is answered by one binary message.
type Server struct {
	config   Config
	handler  Handler
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

func New(cfg Config, h Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/mmqp"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 4 * 1024 * 1024
	}

	s := &Server{
		config:  cfg,
		handler: h,
		logger:  cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler serving the upgrade path.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.config.RateLimiter != nil && !s.config.RateLimiter.Allow(wsAddr(r.RemoteAddr)) {
		s.logger.Warn("websocket_rate_limited", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()
	ws.SetReadLimit(s.config.MaxMessageSize)

	logger := s.logger.With(
		slog.String("conn_id", uuid.NewString()),
		slog.String("remote_addr", r.RemoteAddr))
	logger.Debug("websocket_connection_accepted")

	s.handler.OnConnect("websocket")
	defer s.handler.OnDisconnect()

	if err := s.serve(r.Context(), ws); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Debug("websocket_connection_closed", slog.String("error", err.Error()))
		return
	}
	logger.Debug("websocket_connection_closed")
}

func (s *Server) serve(ctx context.Context, ws *websocket.Conn) error {
	for {
		if err := ws.SetReadDeadline(time.Now().Add(s.config.ReadTimeout)); err != nil {
			return err
		}
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		var reply []byte
		if messageType != websocket.BinaryMessage {
			reply = (&packets.StatusReply{Status: packets.StatusBadRequest, Detail: "expected binary message"}).Encode()
		} else {
			reply = s.handler.Handle(ctx, data)
		}

		if err := ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
			return err
		}
		if err := ws.WriteMessage(websocket.BinaryMessage, reply); err != nil {
			return err
		}
	}
}

// wsAddr implements net.Addr for the remote end of an upgrade request.
type wsAddr string

func (a wsAddr) Network() string {
	return "websocket"
}

func (a wsAddr) String() string {
	return string(a)
}
