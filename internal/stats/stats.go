// Package stats holds the engine's runtime counters, exposed across the
// foreign boundary by get_stats and over the optional gRPC control
// surface. All fields are updated with atomic operations since they are
// touched from the boundary-lock path and read from control requests that
// may run concurrently with it.
package stats

import "sync/atomic"

// Stats is a snapshot-friendly set of proxy counters. Counter fields are
// monotonic; ActiveConnections is a gauge.
type Stats struct {
	BytesSent         atomic.Uint64
	BytesReceived     atomic.Uint64
	TotalConnections  atomic.Uint64
	ActiveConnections atomic.Int64
	DirectCount       atomic.Uint64
	ProxiedCount      atomic.Uint64
	RejectedCount     atomic.Uint64
	ICMPDropped       atomic.Uint64
	NatTableFull      atomic.Uint64
	UDPProxyFallback  atomic.Uint64
}

// Snapshot is a point-in-time copy suitable for serialization.
type Snapshot struct {
	BytesSent         uint64
	BytesReceived     uint64
	TotalConnections  uint64
	ActiveConnections int64
	DirectCount       uint64
	ProxiedCount      uint64
	RejectedCount     uint64
	ICMPDropped       uint64
	NatTableFull      uint64
	UDPProxyFallback  uint64
}

// New returns a zeroed Stats block.
func New() *Stats {
	return &Stats{}
}

// Snapshot reads every counter into a plain struct.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		BytesSent:         s.BytesSent.Load(),
		BytesReceived:     s.BytesReceived.Load(),
		TotalConnections:  s.TotalConnections.Load(),
		ActiveConnections: s.ActiveConnections.Load(),
		DirectCount:       s.DirectCount.Load(),
		ProxiedCount:      s.ProxiedCount.Load(),
		RejectedCount:     s.RejectedCount.Load(),
		ICMPDropped:       s.ICMPDropped.Load(),
		NatTableFull:      s.NatTableFull.Load(),
		UDPProxyFallback:  s.UDPProxyFallback.Load(),
	}
}

// RecordReject counts a flow that was classified Reject and never
// became active — distinct from OnFlowOpened+OnFlowClosed, since a
// rejected flow never occupies the active gauge.
func (s *Stats) RecordReject() {
	s.TotalConnections.Add(1)
	s.RejectedCount.Add(1)
}

// OnFlowOpened records a newly admitted flow under the given routing
// decision ("direct", "proxy", "reject").
func (s *Stats) OnFlowOpened(decision string) {
	s.TotalConnections.Add(1)
	s.ActiveConnections.Add(1)
	switch decision {
	case "direct":
		s.DirectCount.Add(1)
	case "proxy":
		s.ProxiedCount.Add(1)
	case "reject":
		s.RejectedCount.Add(1)
	}
}

// OnFlowClosed decrements the active gauge. Safe to call at most once per
// flow; callers track closed state themselves.
func (s *Stats) OnFlowClosed() {
	s.ActiveConnections.Add(-1)
}

// AddSent/AddReceived accumulate payload byte counts in either direction.
func (s *Stats) AddSent(n uint64)     { s.BytesSent.Add(n) }
func (s *Stats) AddReceived(n uint64) { s.BytesReceived.Add(n) }
