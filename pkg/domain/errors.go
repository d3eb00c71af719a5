package domain

import (
	"errors"
)

// Common domain errors
var (
	// ErrConnectionClosed is returned when trying to use a closed connection
	ErrConnectionClosed = errors.New("connection closed")

	// ErrSendQueueFull is returned when a peer's outbound queue has no room
	ErrSendQueueFull = errors.New("send queue full")

	// ErrNotConnected is returned by a client that has no open transport
	ErrNotConnected = errors.New("not connected")

	// ErrRoleConflict is returned when adding a peer already registered under the other role
	ErrRoleConflict = errors.New("peer registered under another role")

	// ErrInvalidRole is returned for roles other than publisher and viewer
	ErrInvalidRole = errors.New("invalid role")
)
