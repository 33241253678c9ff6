// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Headers set on every webhook request.
const (
	HeaderEvent   = "X-MMQP-Event"
	HeaderEventID = "X-MMQP-Event-ID"
	HeaderBroker  = "X-MMQP-Broker"
	HeaderAttempt = "X-MMQP-Attempt"

	userAgent = "MMQP-Broker/1.0"

	// Upper bound for any request, whatever the delivery timeout says.
	maxRequestTimeout = 30 * time.Second
)

var errNoEnvelope = errors.New("delivery has no event envelope")

// HTTPSender posts event envelopes as JSON.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender creates a new HTTP webhook sender.
func NewHTTPSender() *HTTPSender {
	return &HTTPSender{
		client: &http.Client{Timeout: maxRequestTimeout},
	}
}

// Send posts d.Envelope to d.URL. The request is abandoned after d.Timeout
// when it is positive. Any 2xx status counts as delivered.
func (s *HTTPSender) Send(ctx context.Context, d Delivery) error {
	if d.Envelope == nil {
		return errNoEnvelope
	}
	body, err := json.Marshal(d.Envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderEvent, d.Envelope.EventType)
	req.Header.Set(HeaderEventID, d.Envelope.EventID)
	req.Header.Set(HeaderBroker, d.Envelope.BrokerID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(max(d.Attempt, 1)))
	for key, value := range d.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	// Drain a little so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
