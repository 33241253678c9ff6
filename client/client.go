// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements an MMQP client. A Client carries one request at
// a time over a single connection, matching the broker's in-order replies.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/absmach/mmqp/codec"
	"github.com/absmach/mmqp/message"
	"github.com/absmach/mmqp/packets"
)

// Client is an MMQP client. It is safe for concurrent use; requests are
// serialized.
type Client struct {
	opts  *Options
	creds packets.Credentials
	state stateManager

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	serverIdx int

	// dial is replaced in tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// New creates a new client with the given options.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:  opts,
		creds: packets.Credentials{Username: opts.Username, Password: opts.Password},
	}
	c.dial = c.dialServer
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.state.get()
}

// IsConnected reports whether the client holds a live connection.
func (c *Client) IsConnected() bool {
	return c.state.isConnected()
}

// Connect dials the first reachable server.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.isClosed() {
		return ErrClientClosed
	}
	if c.conn != nil {
		return ErrAlreadyConnected
	}
	return c.connect(ctx)
}

// connect must be called with c.mu held.
func (c *Client) connect(ctx context.Context) error {
	c.state.set(StateConnecting)

	var lastErr error
	for i := 0; i < len(c.opts.Servers); i++ {
		idx := (c.serverIdx + i) % len(c.opts.Servers)
		addr := c.opts.Servers[idx]

		conn, err := c.dial(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}

		c.serverIdx = idx
		c.conn = conn
		c.reader = bufio.NewReader(conn)
		c.state.set(StateConnected)
		if c.opts.OnConnect != nil {
			go c.opts.OnConnect(addr)
		}
		return nil
	}

	c.state.set(StateDisconnected)
	return fmt.Errorf("%w: %w", ErrConnectFailed, lastErr)
}

func (c *Client) dialServer(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.opts.ConnectTimeout}
	if c.opts.TLSConfig != nil {
		td := &tls.Dialer{NetDialer: dialer, Config: c.opts.TLSConfig}
		return td.DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// Close permanently closes the client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.set(StateClosed)
	return c.drop()
}

// drop closes the current connection. Must be called with c.mu held.
func (c *Client) drop() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

// Do sends req and returns the broker's reply. extra extends the reply
// timeout, for requests the broker may hold.
func (c *Client) Do(ctx context.Context, req packets.Request, extra time.Duration) (packets.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.isClosed() {
		return nil, ErrClientClosed
	}
	if c.conn == nil {
		if !c.opts.AutoReconnect || c.state.get() != StateDisconnected {
			return nil, ErrNotConnected
		}
		if err := c.connect(ctx); err != nil {
			return nil, err
		}
	}

	reply, err := c.roundTrip(ctx, req.Encode(), extra)
	if err != nil {
		// The stream may hold a partial frame; it cannot be reused.
		c.drop()
		if !c.state.isClosed() {
			c.state.set(StateDisconnected)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if c.opts.OnConnectionLost != nil {
			go c.opts.OnConnectionLost(err)
		}
		return nil, err
	}
	return reply, nil
}

func (c *Client) roundTrip(ctx context.Context, frame []byte, extra time.Duration) (packets.Reply, error) {
	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := conn.SetWriteDeadline(c.deadline(ctx, c.opts.WriteTimeout)); err != nil {
		return nil, err
	}
	if err := codec.WriteFrame(conn, frame); err != nil {
		return nil, err
	}

	if err := conn.SetReadDeadline(c.deadline(ctx, c.opts.ReadTimeout+extra)); err != nil {
		return nil, err
	}
	raw, err := codec.ReadFrame(c.reader, uint64(c.opts.MaxFrameSize))
	if err != nil {
		return nil, err
	}
	return packets.ParseReply(raw)
}

func (c *Client) deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

// Publish enqueues body on queue in the given message group and returns the
// assigned message ID. An empty group selects packets.DefaultGroup.
func (c *Client) Publish(ctx context.Context, queue, body, group string) (message.ID, error) {
	return c.publish(ctx, packets.NewPublish(c.creds, queue, body, group))
}

// PublishDelayed enqueues body so that it becomes available after delay.
func (c *Client) PublishDelayed(ctx context.Context, queue, body, group string, delay time.Duration) (message.ID, error) {
	return c.publish(ctx, packets.NewDelayed(c.creds, queue, body, group, delay))
}

func (c *Client) publish(ctx context.Context, req packets.Request) (message.ID, error) {
	reply, err := c.Do(ctx, req, 0)
	if err != nil {
		return message.ID{}, err
	}
	st, err := okStatus(reply)
	if err != nil {
		return message.ID{}, err
	}
	return message.ParseID(st.Detail)
}

// Poll reads up to count messages from queue without waiting. A count of
// zero lets the broker pick its limit.
func (c *Client) Poll(ctx context.Context, queue string, count uint64) ([]message.Normalized, error) {
	reply, err := c.Do(ctx, packets.NewPoll(c.creds, queue, count), 0)
	if err != nil {
		return nil, err
	}
	return messages(reply)
}

// LongPoll reads up to count messages from queue, waiting up to wait for the
// first one. An empty result means the wait elapsed.
func (c *Client) LongPoll(ctx context.Context, queue string, count uint64, wait time.Duration) ([]message.Normalized, error) {
	reply, err := c.Do(ctx, packets.NewLongPoll(c.creds, queue, count, wait), wait)
	if err != nil {
		return nil, err
	}
	return messages(reply)
}

// Delete removes an in-flight message.
func (c *Client) Delete(ctx context.Context, queue string, id message.ID) error {
	reply, err := c.Do(ctx, packets.NewDelete(c.creds, queue, id), 0)
	if err != nil {
		return err
	}
	_, err = okStatus(reply)
	return err
}

// Admin runs a queue management action and returns its text result. For
// actions answered with a bare status, the status detail is returned.
func (c *Client) Admin(ctx context.Context, action, queue, arg string) (string, error) {
	reply, err := c.Do(ctx, packets.NewAdmin(c.creds, action, queue, arg), 0)
	if err != nil {
		return "", err
	}
	if r, ok := reply.(*packets.AdminReply); ok {
		return r.Text, nil
	}
	st, err := okStatus(reply)
	if err != nil {
		return "", err
	}
	return st.Detail, nil
}

// CreateQueue creates queue with the given pending mode ("read" or "push").
func (c *Client) CreateQueue(ctx context.Context, queue, mode string) error {
	_, err := c.Admin(ctx, packets.ActionCreate, queue, mode)
	return err
}

// DeleteQueue deletes queue and every message in it.
func (c *Client) DeleteQueue(ctx context.Context, queue string) error {
	_, err := c.Admin(ctx, packets.ActionDelete, queue, "")
	return err
}

// Ping checks that the broker answers.
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.Do(ctx, packets.NewPing(), 0)
	if err != nil {
		return err
	}
	if _, ok := reply.(*packets.Pong); !ok {
		return fmt.Errorf("%w: %T", ErrUnexpectedReply, reply)
	}
	return nil
}

func okStatus(reply packets.Reply) (*packets.StatusReply, error) {
	st, ok := reply.(*packets.StatusReply)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedReply, reply)
	}
	if st.Status != packets.StatusOK {
		return nil, &StatusError{Status: st.Status, Detail: st.Detail}
	}
	return st, nil
}

func messages(reply packets.Reply) ([]message.Normalized, error) {
	switch r := reply.(type) {
	case *packets.MessagesReply:
		return r.Messages, nil
	case *packets.StatusReply:
		if r.Status == packets.StatusOK {
			return nil, fmt.Errorf("%w: status OK", ErrUnexpectedReply)
		}
		return nil, &StatusError{Status: r.Status, Detail: r.Detail}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedReply, reply)
	}
}

