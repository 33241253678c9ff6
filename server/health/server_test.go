// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/mmqp/broker"
	"github.com/absmach/mmqp/packets"
	"github.com/absmach/mmqp/queue"
	"github.com/absmach/mmqp/queue/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nullLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newBroker(t *testing.T) *broker.Broker {
	t.Helper()

	m := queue.NewManager(queue.Config{Logger: nullLogger})
	_, err := m.Create(types.DefaultQueueConfig("jobs"))
	require.NoError(t, err)
	_, err = m.Create(types.QueueConfig{Name: "events", PendingMode: types.PendingPush, Arenas: 2, ArenaSize: 4096, MaxMessageSize: types.DefaultMaxMessageSize})
	require.NoError(t, err)
	return broker.New(m, broker.Config{Logger: nullLogger})
}

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, newBroker(t), nullLogger)
	assert.Empty(t, server.Addr())
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, newBroker(t), nullLogger)

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{name: "GET request returns healthy", method: http.MethodGet, expectedStatus: http.StatusOK},
		{name: "POST request not allowed", method: http.MethodPost, expectedStatus: http.StatusMethodNotAllowed},
		{name: "PUT request not allowed", method: http.MethodPut, expectedStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			server.handleHealth(rec, httptest.NewRequest(tt.method, "http://test/health", nil))

			require.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
				assert.Equal(t, "healthy", response.Status)
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		broker         *broker.Broker
		method         string
		expectedStatus int
		expectedBody   ReadyResponse
	}{
		{
			name:           "broker nil - not ready",
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody:   ReadyResponse{Status: "not_ready", Details: "broker not initialized"},
		},
		{
			name:           "ready",
			broker:         newBroker(t),
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedBody:   ReadyResponse{Status: "ready"},
		},
		{
			name:           "POST request not allowed",
			broker:         newBroker(t),
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, tt.broker, nullLogger)

			rec := httptest.NewRecorder()
			server.handleReady(rec, httptest.NewRequest(tt.method, "http://test/ready", nil))

			require.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedStatus != http.StatusMethodNotAllowed {
				var response ReadyResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
				assert.Equal(t, tt.expectedBody, response)
			}
		})
	}
}

func TestStatsEndpoint(t *testing.T) {
	b := newBroker(t)
	reply := b.Handle(context.Background(), packets.NewPublish(packets.Credentials{}, "jobs", "hello", "g").Encode())
	parsed, err := packets.ParseReply(reply)
	require.NoError(t, err)
	require.Equal(t, packets.StatusOK, parsed.(*packets.StatusReply).Status)

	server := New(Config{}, b, nullLogger)
	rec := httptest.NewRecorder()
	server.handleStats(rec, httptest.NewRequest(http.MethodGet, "http://test/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var response StatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, uint64(1), response.Requests)
	assert.Equal(t, uint64(1), response.MessagesPublished)

	rec = httptest.NewRecorder()
	New(Config{}, nil, nullLogger).handleStats(rec, httptest.NewRequest(http.MethodGet, "http://test/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestQueuesEndpoint(t *testing.T) {
	b := newBroker(t)
	for _, body := range []string{"a", "b"} {
		b.Handle(context.Background(), packets.NewPublish(packets.Credentials{}, "jobs", body, "g").Encode())
	}
	b.Handle(context.Background(), packets.NewPoll(packets.Credentials{}, "jobs", 1).Encode())

	server := New(Config{}, b, nullLogger)
	rec := httptest.NewRecorder()
	server.handleQueues(rec, httptest.NewRequest(http.MethodGet, "http://test/queues", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var response []QueueStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	require.Len(t, response, 2)

	assert.Equal(t, "events", response[0].Name)
	assert.Equal(t, string(types.PendingPush), response[0].PendingMode)
	assert.Equal(t, 2, response[0].Arenas)

	assert.Equal(t, "jobs", response[1].Name)
	assert.Equal(t, 1, response[1].Ready)
	assert.Equal(t, 1, response[1].InFlight)
}

func TestListenAndShutdown(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, newBroker(t), nullLogger)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(ctx)
	}()
	require.Eventually(t, func() bool { return server.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + server.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-errCh)
}
