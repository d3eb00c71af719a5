package domain

import (
	"context"
)

// Peer is a connected party the hub can address
type Peer interface {
	// ID returns the unique identifier of the peer
	ID() string

	// Send queues a message for the peer without waiting for delivery
	Send(ctx context.Context, message []byte) error
}
