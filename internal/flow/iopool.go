package flow

import "net"

// ioPool is the isolated executor for upstream dials and socket I/O:
// completions post state transitions back into the engine via a work
// queue drained on each poll. Submission is non-blocking — a saturated
// pool simply defers the job to a later Poll tick rather than stalling
// the boundary-locked caller, keeping per-call work bounded.
type ioPool struct {
	tokens chan struct{}
}

func newIOPool(size int) *ioPool {
	if size <= 0 {
		size = defaultIOWorkers
	}
	return &ioPool{tokens: make(chan struct{}, size)}
}

// defaultIOWorkers is plenty for the default 100-flow ceiling.
const defaultIOWorkers = 4

// trySubmit runs job on its own goroutine if a worker slot is free,
// returning false (without starting job) if the pool is saturated.
func (p *ioPool) trySubmit(job func()) bool {
	select {
	case p.tokens <- struct{}{}:
	default:
		return false
	}
	go func() {
		defer func() { <-p.tokens }()
		job()
	}()
	return true
}

// completionKind distinguishes the different async events a flow's
// upstream work can post back to Poll.
type completionKind int

const (
	completionDialDone completionKind = iota
	completionUpstreamData
	completionUpstreamClosed
	completionWriteDone
)

// completion is one message posted from an I/O-pool goroutine or a
// flow's dedicated upstream-read goroutine, drained at the top of every
// Poll call while the boundary lock is held. Only the fields relevant to
// kind are populated.
type completion struct {
	handle uint32
	gen    uint32 // slot generation at submit time, so a completion for a recycled handle is discarded
	kind   completionKind
	err    error
	data   []byte
	conn   net.Conn
	n      int
}
