// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the MMQP broker.
type Metrics struct {
	meter metric.Meter

	// Counters
	connectionsTotal  metric.Int64Counter
	requestsTotal     metric.Int64Counter
	messagesPublished metric.Int64Counter
	messagesDelivered metric.Int64Counter
	messagesDeferred  metric.Int64Counter
	messagesDeleted   metric.Int64Counter
	bytesReceived     metric.Int64Counter
	bytesSent         metric.Int64Counter
	errorsTotal       metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent metric.Int64UpDownCounter

	// Histograms
	messageSize     metric.Int64Histogram
	requestDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("mmqp-broker"),
	}

	var err error

	// Initialize counters
	m.connectionsTotal, err = m.meter.Int64Counter(
		"mmqp.connections.total",
		metric.WithDescription("Total number of MMQP connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsTotal counter: %w", err)
	}

	m.requestsTotal, err = m.meter.Int64Counter(
		"mmqp.requests.total",
		metric.WithDescription("Total number of requests handled, by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestsTotal counter: %w", err)
	}

	m.messagesPublished, err = m.meter.Int64Counter(
		"mmqp.messages.published.total",
		metric.WithDescription("Total number of messages accepted into queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesPublished counter: %w", err)
	}

	m.messagesDelivered, err = m.meter.Int64Counter(
		"mmqp.messages.delivered.total",
		metric.WithDescription("Total number of messages delivered to consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDelivered counter: %w", err)
	}

	m.messagesDeferred, err = m.meter.Int64Counter(
		"mmqp.messages.deferred.total",
		metric.WithDescription("Total number of messages published with a delay"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDeferred counter: %w", err)
	}

	m.messagesDeleted, err = m.meter.Int64Counter(
		"mmqp.messages.deleted.total",
		metric.WithDescription("Total number of delivered messages deleted by consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDeleted counter: %w", err)
	}

	m.bytesReceived, err = m.meter.Int64Counter(
		"mmqp.bytes.received.total",
		metric.WithDescription("Total bytes received"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesReceived counter: %w", err)
	}

	m.bytesSent, err = m.meter.Int64Counter(
		"mmqp.bytes.sent.total",
		metric.WithDescription("Total bytes sent"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesSent counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"mmqp.errors.total",
		metric.WithDescription("Total number of errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"mmqp.connections.current",
		metric.WithDescription("Current number of open connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"mmqp.message.size.bytes",
		metric.WithDescription("Published message body size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.requestDuration, err = m.meter.Float64Histogram(
		"mmqp.request.duration.ms",
		metric.WithDescription("Request handling duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requestDuration histogram: %w", err)
	}

	return m, nil
}

// RecordConnection records a new connection.
func (m *Metrics) RecordConnection(transport string) {
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transport),
	))
	m.connectionsCurrent.Add(ctx, 1)
}

// RecordDisconnection records a closed connection.
func (m *Metrics) RecordDisconnection() {
	m.connectionsCurrent.Add(context.Background(), -1)
}

// RecordRequest records a handled request and its duration.
func (m *Metrics) RecordRequest(kind string, sizeBytes int64, durationMs float64) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("type", kind))
	m.requestsTotal.Add(ctx, 1, attrs)
	m.bytesReceived.Add(ctx, sizeBytes)
	m.requestDuration.Record(ctx, durationMs, attrs)
}

// RecordReply records the size of a reply written to a client.
func (m *Metrics) RecordReply(sizeBytes int64) {
	m.bytesSent.Add(context.Background(), sizeBytes)
}

// RecordPublished records a message accepted into a queue.
func (m *Metrics) RecordPublished(queue string, sizeBytes int64, delayed bool) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("queue", queue))
	m.messagesPublished.Add(ctx, 1, attrs)
	m.messageSize.Record(ctx, sizeBytes)
	if delayed {
		m.messagesDeferred.Add(ctx, 1, attrs)
	}
}

// RecordDelivered records messages handed to a consumer.
func (m *Metrics) RecordDelivered(queue string, count int) {
	if count == 0 {
		return
	}
	m.messagesDelivered.Add(context.Background(), int64(count), metric.WithAttributes(
		attribute.String("queue", queue),
	))
}

// RecordDeleted records a consumer deleting a delivered message.
func (m *Metrics) RecordDeleted(queue string) {
	m.messagesDeleted.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("queue", queue),
	))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}
