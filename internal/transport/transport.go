// Package transport defines the peer-connection collaborator the swarm
// coordinator depends on: per peer, an ordered reliable channel with a
// connection-state signal. Connection establishment details (and NAT
// traversal in particular) stay behind this contract.
package transport

import (
	"context"

	"github.com/coveglabs/skiff/internal/wire"
)

// State is the connection-state signal for one peer link.
type State int

const (
	StateConnecting State = iota
	StateEstablished
	StateFailed
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Handler receives inbound peer messages and state transitions. Both are
// invoked from transport goroutines; implementations must not block.
type Handler interface {
	HandleMessage(peer wire.DeviceKey, msg *wire.Message)
	HandleState(peer wire.DeviceKey, state State)
}

// Transport is the per-peer channel contract.
type Transport interface {
	// Connect establishes a link to the peer. It reports StateConnecting
	// immediately, then StateEstablished or StateFailed; a link stuck
	// non-established past the implementation's bound is torn down as failed.
	Connect(ctx context.Context, peer wire.DeviceKey) error

	// Send delivers a message over an established link.
	Send(peer wire.DeviceKey, msg *wire.Message) error

	// Close tears down the link to the peer, releasing its resources.
	Close(peer wire.DeviceKey)

	// SetHandler registers the message/state consumer. Must be called before
	// Connect or Listen.
	SetHandler(h Handler)
}
