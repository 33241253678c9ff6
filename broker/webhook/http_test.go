// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/mmqp/broker/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSenderSend(t *testing.T) {
	cases := []struct {
		desc        string
		status      int
		delay       time.Duration
		timeout     time.Duration
		errContains string
	}{
		{desc: "ok", status: http.StatusOK, timeout: 5 * time.Second},
		{desc: "created", status: http.StatusCreated, timeout: 5 * time.Second},
		{desc: "bad request", status: http.StatusBadRequest, timeout: 5 * time.Second, errContains: "non-2xx status: 400"},
		{desc: "server error", status: http.StatusInternalServerError, timeout: 5 * time.Second, errContains: "non-2xx status: 500"},
		{desc: "timeout", status: http.StatusOK, delay: time.Second, timeout: 50 * time.Millisecond, errContains: "context deadline exceeded"},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			var (
				body    []byte
				headers http.Header
			)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				headers = r.Header.Clone()
				body, _ = io.ReadAll(r.Body)
				if tc.delay > 0 {
					select {
					case <-time.After(tc.delay):
					case <-r.Context().Done():
					}
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			env := events.QueueDeleted{QueueName: "jobs"}.Wrap("broker-1")
			err := NewHTTPSender().Send(context.Background(), Delivery{
				URL:      srv.URL,
				Headers:  map[string]string{"X-Token": "abc"},
				Envelope: env,
				Attempt:  2,
				Timeout:  tc.timeout,
			})
			if tc.errContains != "" {
				assert.ErrorContains(t, err, tc.errContains)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, string(mustJSON(t, env)), string(body))
			assert.Equal(t, "application/json", headers.Get("Content-Type"))
			assert.Equal(t, "MMQP-Broker/1.0", headers.Get("User-Agent"))
			assert.Equal(t, events.TypeQueueDeleted, headers.Get(HeaderEvent))
			assert.Equal(t, env.EventID, headers.Get(HeaderEventID))
			assert.Equal(t, "broker-1", headers.Get(HeaderBroker))
			assert.Equal(t, "2", headers.Get(HeaderAttempt))
			assert.Equal(t, "abc", headers.Get("X-Token"))
		})
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestHTTPSenderInvalidURL(t *testing.T) {
	env := events.QueueDeleted{QueueName: "jobs"}.Wrap("broker-1")
	err := NewHTTPSender().Send(context.Background(), Delivery{URL: "://bad", Envelope: env, Timeout: time.Second})
	assert.ErrorContains(t, err, "failed to create request")
}

func TestHTTPSenderNoEnvelope(t *testing.T) {
	err := NewHTTPSender().Send(context.Background(), Delivery{URL: "http://example.com"})
	assert.ErrorIs(t, err, errNoEnvelope)
}
