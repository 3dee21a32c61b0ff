package stream

import "sync/atomic"

// Stats is a snapshot of the client session counters.
type Stats struct {
	PacketsReceived uint64
	BytesReceived   uint64
	PacketsInvalid  uint64
	PacketsStale    uint64
	PacketsLost     uint64

	FramesReceived  uint64
	FramesDropped   uint64
	FramesRecovered uint64
}

// ServerStats is a snapshot of the server send counters.
type ServerStats struct {
	Sessions    uint64 `json:"sessions"`
	PacketsSent uint64 `json:"packetsSent"`
	BytesSent   uint64 `json:"bytesSent"`
	FramesSent  uint64 `json:"framesSent"`
	ParitySent  uint64 `json:"paritySent"`
}

type serverCounters struct {
	sessions    uint64
	packetsSent uint64
	bytesSent   uint64
	framesSent  uint64
	paritySent  uint64
}

func (s *serverCounters) snapshot() ServerStats {
	return ServerStats{
		Sessions:    atomic.LoadUint64(&s.sessions),
		PacketsSent: atomic.LoadUint64(&s.packetsSent),
		BytesSent:   atomic.LoadUint64(&s.bytesSent),
		FramesSent:  atomic.LoadUint64(&s.framesSent),
		ParitySent:  atomic.LoadUint64(&s.paritySent),
	}
}

// statCounters accumulates session counters. Atomic access so callers
// may snapshot while the receive loop is running.
type statCounters struct {
	packetsReceived uint64
	bytesReceived   uint64
	packetsInvalid  uint64
	packetsStale    uint64
	packetsLost     uint64

	framesReceived  uint64
	framesDropped   uint64
	framesRecovered uint64
}

func (s *statCounters) add(counter *uint64, n uint64) {
	atomic.AddUint64(counter, n)
}

func (s *statCounters) sub(counter *uint64, n uint64) {
	atomic.AddUint64(counter, ^(n - 1))
}

func (s *statCounters) snapshot() Stats {
	return Stats{
		PacketsReceived: atomic.LoadUint64(&s.packetsReceived),
		BytesReceived:   atomic.LoadUint64(&s.bytesReceived),
		PacketsInvalid:  atomic.LoadUint64(&s.packetsInvalid),
		PacketsStale:    atomic.LoadUint64(&s.packetsStale),
		PacketsLost:     atomic.LoadUint64(&s.packetsLost),
		FramesReceived:  atomic.LoadUint64(&s.framesReceived),
		FramesDropped:   atomic.LoadUint64(&s.framesDropped),
		FramesRecovered: atomic.LoadUint64(&s.framesRecovered),
	}
}
