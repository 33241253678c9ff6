// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/mmqp/broker"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server provides health check and statistics endpoints for monitoring and
// orchestration.
type Server struct {
	config Config
	broker *broker.Broker
	logger *slog.Logger
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server.
func New(cfg Config, b *broker.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config: cfg,
		broker: b,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/queues", s.handleQueues)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address, or an empty string before
// the server listens.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns 200 OK while the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.broker == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "broker not initialized",
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// StatsResponse carries the broker counters.
type StatsResponse struct {
	UptimeSeconds      float64 `json:"uptime_seconds"`
	ConnectionsTotal   uint64  `json:"connections_total"`
	ConnectionsCurrent uint64  `json:"connections_current"`
	Requests           uint64  `json:"requests"`
	MessagesPublished  uint64  `json:"messages_published"`
	MessagesDelivered  uint64  `json:"messages_delivered"`
	MessagesDeleted    uint64  `json:"messages_deleted"`
	BytesReceived      uint64  `json:"bytes_received"`
	BytesSent          uint64  `json:"bytes_sent"`
	ProtocolErrors     uint64  `json:"protocol_errors"`
	AuthErrors         uint64  `json:"auth_errors"`
	RateLimited        uint64  `json:"rate_limited"`
	InternalErrors     uint64  `json:"internal_errors"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.broker == nil {
		http.Error(w, "broker not initialized", http.StatusServiceUnavailable)
		return
	}

	st := s.broker.Stats()
	writeJSON(w, http.StatusOK, StatsResponse{
		UptimeSeconds:      st.GetUptime().Seconds(),
		ConnectionsTotal:   st.GetTotalConnections(),
		ConnectionsCurrent: st.GetCurrentConnections(),
		Requests:           st.GetRequests(),
		MessagesPublished:  st.GetMessagesPublished(),
		MessagesDelivered:  st.GetMessagesDelivered(),
		MessagesDeleted:    st.GetMessagesDeleted(),
		BytesReceived:      st.GetBytesReceived(),
		BytesSent:          st.GetBytesSent(),
		ProtocolErrors:     st.GetProtocolErrors(),
		AuthErrors:         st.GetAuthErrors(),
		RateLimited:        st.GetRateLimited(),
		InternalErrors:     st.GetInternalErrors(),
	})
}

// QueueStats describes one queue.
type QueueStats struct {
	Name        string `json:"name"`
	PendingMode string `json:"pending_mode"`
	Ready       int    `json:"ready"`
	Deferred    int    `json:"deferred"`
	InFlight    int    `json:"in_flight"`
	Arenas      int    `json:"arenas"`
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.broker == nil {
		http.Error(w, "broker not initialized", http.StatusServiceUnavailable)
		return
	}

	stats := s.broker.Queues().Stats()
	resp := make([]QueueStats, 0, len(stats))
	for _, st := range stats {
		resp = append(resp, QueueStats{
			Name:        st.Name,
			PendingMode: string(st.Mode),
			Ready:       st.Ready,
			Deferred:    st.Deferred,
			InFlight:    st.InFlight,
			Arenas:      st.Arenas,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
