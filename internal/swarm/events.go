package swarm

import "github.com/coveglabs/skiff/internal/wire"

// Typed events delivered on a per-download queue consumed solely by that
// task's state machine. Transport callbacks and tracker pushes are converted
// at the coordinator boundary; nothing else touches task state.

type event interface{ isEvent() }

// chunkReceivedEvent carries one ciphertext chunk from a peer.
type chunkReceivedEvent struct {
	peer       wire.DeviceKey
	index      int
	iv         []byte
	ciphertext []byte
}

// chunkUnavailableEvent reports a seeder declining an index; the task
// requeues it toward a different seeder.
type chunkUnavailableEvent struct {
	peer  wire.DeviceKey
	index int
}

// peerConnectedEvent reports a link reaching established.
type peerConnectedEvent struct {
	peer wire.DeviceKey
}

// peerDisconnectedEvent reports an established link dropping; the task
// requeues the peer's in-flight chunks.
type peerDisconnectedEvent struct {
	peer wire.DeviceKey
}

// connectionTimeoutEvent reports a link that never reached established within
// the transport's bound and was torn down.
type connectionTimeoutEvent struct {
	peer wire.DeviceKey
}

func (chunkReceivedEvent) isEvent()     {}
func (chunkUnavailableEvent) isEvent()  {}
func (peerConnectedEvent) isEvent()     {}
func (peerDisconnectedEvent) isEvent()  {}
func (connectionTimeoutEvent) isEvent() {}
