package net

import "sync/atomic"

// Component statistics are monotonic counters incremented by the owning
// worker goroutine and read with relaxed semantics from any goroutine.
// Readers observe eventually-consistent values, never a snapshot across
// counters. Counters are reset only by process restart.

// ServerStats counts TCP server activity.
type ServerStats struct {
	clientsAccepted     atomic.Uint64
	clientsDisconnected atomic.Uint64
	bytesReceived       atomic.Uint64
	bytesSent           atomic.Uint64
	receiveErrors       atomic.Uint64
	sendErrors          atomic.Uint64
}

func (s *ServerStats) ClientsAccepted() uint64     { return s.clientsAccepted.Load() }
func (s *ServerStats) ClientsDisconnected() uint64 { return s.clientsDisconnected.Load() }
func (s *ServerStats) BytesReceived() uint64       { return s.bytesReceived.Load() }
func (s *ServerStats) BytesSent() uint64           { return s.bytesSent.Load() }
func (s *ServerStats) ReceiveErrors() uint64       { return s.receiveErrors.Load() }
func (s *ServerStats) SendErrors() uint64          { return s.sendErrors.Load() }

// ClientStats counts TCP client activity.
type ClientStats struct {
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64
	receiveErrors atomic.Uint64
	sendErrors    atomic.Uint64
}

func (s *ClientStats) BytesReceived() uint64 { return s.bytesReceived.Load() }
func (s *ClientStats) BytesSent() uint64     { return s.bytesSent.Load() }
func (s *ClientStats) ReceiveErrors() uint64 { return s.receiveErrors.Load() }
func (s *ClientStats) SendErrors() uint64    { return s.sendErrors.Load() }

// SenderStats counts multicast sender activity.
type SenderStats struct {
	packetsSent atomic.Uint64
	bytesSent   atomic.Uint64
	sendErrors  atomic.Uint64
}

func (s *SenderStats) PacketsSent() uint64 { return s.packetsSent.Load() }
func (s *SenderStats) BytesSent() uint64   { return s.bytesSent.Load() }
func (s *SenderStats) SendErrors() uint64  { return s.sendErrors.Load() }

// ReceiverStats counts multicast receiver activity.
type ReceiverStats struct {
	packetsReceived atomic.Uint64
	bytesReceived   atomic.Uint64
	receiveErrors   atomic.Uint64
}

func (s *ReceiverStats) PacketsReceived() uint64 { return s.packetsReceived.Load() }
func (s *ReceiverStats) BytesReceived() uint64   { return s.bytesReceived.Load() }
func (s *ReceiverStats) ReceiveErrors() uint64   { return s.receiveErrors.Load() }
