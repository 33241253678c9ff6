// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"

	"github.com/absmach/mmqp/packets"
)

// Client errors.
var (
	// Configuration errors.
	ErrNoServers = errors.New("no servers configured")

	// Connection errors.
	ErrNotConnected     = errors.New("client not connected")
	ErrAlreadyConnected = errors.New("client already connected")
	ErrConnectFailed    = errors.New("connection failed")
	ErrClientClosed     = errors.New("client has been closed")

	// Protocol errors.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// StatusError is returned when the broker answers with a status other than
// OK.
type StatusError struct {
	Status packets.Status
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return "broker: " + string(e.Status)
	}
	return "broker: " + string(e.Status) + ": " + e.Detail
}

// IsStatus reports whether err is a StatusError carrying status.
func IsStatus(err error, status packets.Status) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}
