package hub

import "sync/atomic"

// Stats is a point-in-time copy of the session counters.
type Stats struct {
	ChunksBroadcast     uint64
	BytesBroadcast      uint64
	ClientsAccepted     uint64
	ClientsDropped      uint64
	ClientsDisconnected uint64
	AcceptFailures      uint64
	LogMirrorFailures   uint64
	InputMirrorFailures uint64
	MasterWriteFailures uint64
	WaitErrors          uint64
}

type counters struct {
	chunksBroadcast     atomic.Uint64
	bytesBroadcast      atomic.Uint64
	clientsAccepted     atomic.Uint64
	clientsDropped      atomic.Uint64
	clientsDisconnected atomic.Uint64
	acceptFailures      atomic.Uint64
	logMirrorFailures   atomic.Uint64
	inputMirrorFailures atomic.Uint64
	masterWriteFailures atomic.Uint64
	waitErrors          atomic.Uint64
}

// Stats returns the current counters. Safe for concurrent use.
func (h *Hub) Stats() Stats {
	c := &h.stats
	return Stats{
		ChunksBroadcast:     c.chunksBroadcast.Load(),
		BytesBroadcast:      c.bytesBroadcast.Load(),
		ClientsAccepted:     c.clientsAccepted.Load(),
		ClientsDropped:      c.clientsDropped.Load(),
		ClientsDisconnected: c.clientsDisconnected.Load(),
		AcceptFailures:      c.acceptFailures.Load(),
		LogMirrorFailures:   c.logMirrorFailures.Load(),
		InputMirrorFailures: c.inputMirrorFailures.Load(),
		MasterWriteFailures: c.masterWriteFailures.Load(),
		WaitErrors:          c.waitErrors.Load(),
	}
}
