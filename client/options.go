// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"crypto/tls"
	"time"
)

// Default values.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultReadTimeout    = 30 * time.Second
	DefaultMaxFrameSize   = 4 * 1024 * 1024
)

// Options configures the MMQP client.
type Options struct {
	// Connection
	Servers        []string      // Broker addresses (host:port), tried in order
	Username       string        // Optional username
	Password       string        // Optional password
	TLSConfig      *tls.Config   // TLS configuration (nil for plain TCP)
	ConnectTimeout time.Duration // Timeout for connection attempts
	WriteTimeout   time.Duration // Timeout for writing a request
	ReadTimeout    time.Duration // Timeout for a reply, added to a long poll's wait
	MaxFrameSize   int           // Largest reply accepted

	// Reconnection
	AutoReconnect bool // Redial on the next request after the connection broke

	// Callbacks
	OnConnect        func(addr string) // Called on successful connection
	OnConnectionLost func(error)       // Called when the connection breaks
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Servers:        []string{"localhost:5555"},
		ConnectTimeout: DefaultConnectTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		ReadTimeout:    DefaultReadTimeout,
		MaxFrameSize:   DefaultMaxFrameSize,
		AutoReconnect:  true,
	}
}

// SetServers sets the broker addresses.
func (o *Options) SetServers(servers ...string) *Options {
	o.Servers = servers
	return o
}

// SetCredentials sets username and password.
func (o *Options) SetCredentials(username, password string) *Options {
	o.Username = username
	o.Password = password
	return o
}

// SetTLSConfig sets TLS configuration.
func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

// SetConnectTimeout sets the connection timeout.
func (o *Options) SetConnectTimeout(d time.Duration) *Options {
	o.ConnectTimeout = d
	return o
}

// SetReadTimeout sets the reply timeout.
func (o *Options) SetReadTimeout(d time.Duration) *Options {
	o.ReadTimeout = d
	return o
}

// SetAutoReconnect enables or disables redialing after a broken connection.
func (o *Options) SetAutoReconnect(enable bool) *Options {
	o.AutoReconnect = enable
	return o
}

// SetOnConnect sets the connection callback.
func (o *Options) SetOnConnect(fn func(addr string)) *Options {
	o.OnConnect = fn
	return o
}

// SetOnConnectionLost sets the connection lost callback.
func (o *Options) SetOnConnectionLost(fn func(error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// Validate checks the options and fills zero values with defaults.
func (o *Options) Validate() error {
	if len(o.Servers) == 0 {
		return ErrNoServers
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = DefaultMaxFrameSize
	}
	return nil
}
