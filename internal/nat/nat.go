// Package nat implements the engine's NAT/flow table: a bijection
// between 5-tuple flow keys and locally-assigned ephemeral ports,
// sharded to reduce lock contention under concurrent boundary calls.
// The table runs no goroutines or tickers of its own — the host owns
// the clock, so the cached timestamp moves only when SetNow is called
// and stale entries are evicted only inside Sweep, both once per poll
// tick.
package nat

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/ZejiaJiang/voyage/internal/coreerr"
)

// State is the lifecycle state of a NAT entry.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateEstablished
	StateClosing
	StateClosed
)

// RouteDecision records which action a flow was classified under.
type RouteDecision int

const (
	RouteUnknown RouteDecision = iota
	RouteDirect
	RouteProxy
	RouteReject
)

func (d RouteDecision) String() string {
	switch d {
	case RouteDirect:
		return "direct"
	case RouteProxy:
		return "proxy"
	case RouteReject:
		return "reject"
	default:
		return "unknown"
	}
}

// natKey is a compact, allocation-free key: the source address in its
// 16-byte form (IPv4 maps in as ::ffff:a.b.c.d) plus the source port.
type natKey [18]byte

func makeNATKey(ip netip.Addr, port uint16) natKey {
	var k natKey
	ip16 := ip.As16()
	copy(k[:16], ip16[:])
	k[16] = byte(port >> 8)
	k[17] = byte(port)
	return k
}

// Entry is a single NAT/flow table row: a mapping between the original
// 5-tuple and the locally-assigned ephemeral port reserved for it. The
// flow manager reaches its per-flow state through Handle, not the port.
type Entry struct {
	Handle         uint32 // arena index into the owning flow manager
	OrigSrcIP      netip.Addr
	OrigSrcPort    uint16
	OrigDstIP      netip.Addr
	OrigDstPort    uint16
	Proto          uint8 // 6=TCP, 17=UDP
	LocalPort      uint16
	State          State
	Route          RouteDecision
	CreatedAtSec   int64
	LastActivity   int64 // atomic; Unix seconds
	BytesIn        atomic.Uint64
	BytesOut       atomic.Uint64
}

func (e *Entry) touch(now int64) { atomic.StoreInt64(&e.LastActivity, now) }

const defaultShardCount = 64

type shard struct {
	mu   sync.RWMutex
	m    map[natKey]*Entry
	byLP map[uint16]*Entry // local-port -> entry, keeps port allocation collision-free
}

// Table is a sharded NAT table keyed by the original 5-tuple, with a
// secondary index from the assigned local port back to the entry.
type Table struct {
	shards     []shard
	shardMask  uint32
	portLo     uint16
	portHi     uint16
	cursor     uint32 // rolling allocation cursor, relative to [portLo,portHi]
	maxEntries int
	lingerSec  int64

	count atomic.Int64
	nowSec atomic.Int64
}

// Options configures a new Table. Zero values fall back to the
// defaults (shard count 64, port range [10000,65535], linger 2s).
type Options struct {
	ShardCount      int
	MaxConnections  int
	EphemeralPortLo int
	EphemeralPortHi int
	LingerSeconds   int
}

// New builds an empty NAT table.
func New(opts Options) *Table {
	shardCount := opts.ShardCount
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	// Round up to a power of two so shard selection can mask instead of mod.
	n := 1
	for n < shardCount {
		n <<= 1
	}
	lo, hi := opts.EphemeralPortLo, opts.EphemeralPortHi
	if lo <= 0 {
		lo = 10000
	}
	if hi <= 0 || hi <= lo {
		hi = 65535
	}
	maxConn := opts.MaxConnections
	if maxConn <= 0 {
		maxConn = 100
	}
	linger := int64(opts.LingerSeconds)
	if linger <= 0 {
		linger = 2
	}

	t := &Table{
		shards:     make([]shard, n),
		shardMask:  uint32(n - 1),
		portLo:     uint16(lo),
		portHi:     uint16(hi),
		maxEntries: maxConn,
		lingerSec:  linger,
	}
	for i := range t.shards {
		t.shards[i].m = make(map[natKey]*Entry)
		t.shards[i].byLP = make(map[uint16]*Entry)
	}
	return t
}

func shardIndex(k natKey, mask uint32) uint32 {
	h := uint32(2166136261)
	for _, b := range k {
		h = (h ^ uint32(b)) * 16777619
	}
	return h & mask
}

// SetNow refreshes the table's cached timestamp. Called once at the top
// of every poll tick.
func (t *Table) SetNow(nowUnixSec int64) { t.nowSec.Store(nowUnixSec) }

// Now returns the cached timestamp set by SetNow.
func (t *Table) Now() int64 { return t.nowSec.Load() }

// Lookup finds an existing entry for the given 5-tuple.
func (t *Table) Lookup(srcIP netip.Addr, srcPort uint16, dstIP netip.Addr, dstPort uint16, proto uint8) (*Entry, bool) {
	nk := makeNATKey(srcIP, srcPort)
	sh := &t.shards[shardIndex(nk, t.shardMask)]
	sh.mu.RLock()
	e, ok := sh.m[nk]
	sh.mu.RUnlock()
	if ok {
		e.touch(t.Now())
	}
	return e, ok
}

// Insert allocates a fresh ephemeral local port and records a new entry
// keyed by the original 5-tuple. Returns coreerr.NatTableFull once the
// table holds MaxConnections live entries.
func (t *Table) Insert(handle uint32, srcIP netip.Addr, srcPort uint16, dstIP netip.Addr, dstPort uint16, proto uint8) (*Entry, error) {
	if int(t.count.Load()) >= t.maxEntries {
		return nil, coreerr.New(coreerr.NatTableFull, "maximum connections reached")
	}

	localPort, err := t.allocatePort()
	if err != nil {
		return nil, err
	}

	now := t.Now()
	e := &Entry{
		Handle:       handle,
		OrigSrcIP:    srcIP,
		OrigSrcPort:  srcPort,
		OrigDstIP:    dstIP,
		OrigDstPort:  dstPort,
		Proto:        proto,
		LocalPort:    localPort,
		State:        StateNew,
		CreatedAtSec: now,
	}
	e.touch(now)

	nk := makeNATKey(srcIP, srcPort)
	sh := &t.shards[shardIndex(nk, t.shardMask)]
	sh.mu.Lock()
	sh.m[nk] = e
	sh.byLP[localPort] = e
	sh.mu.Unlock()

	t.count.Add(1)
	return e, nil
}

// allocatePort scans forward from a rolling cursor over the configured
// ephemeral range, skipping ports already bound to a live entry.
func (t *Table) allocatePort() (uint16, error) {
	span := uint32(t.portHi) - uint32(t.portLo) + 1
	for i := uint32(0); i < span; i++ {
		pos := (atomic.AddUint32(&t.cursor, 1) - 1) % span
		candidate := uint16(uint32(t.portLo) + pos)
		if !t.localPortInUse(candidate) {
			return candidate, nil
		}
	}
	return 0, coreerr.New(coreerr.NatTableFull, "no ephemeral ports available")
}

func (t *Table) localPortInUse(port uint16) bool {
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		_, ok := sh.byLP[port]
		sh.mu.RUnlock()
		if ok {
			return true
		}
	}
	return false
}

// Remove evicts the entry for the given 5-tuple immediately.
func (t *Table) Remove(srcIP netip.Addr, srcPort uint16) {
	nk := makeNATKey(srcIP, srcPort)
	sh := &t.shards[shardIndex(nk, t.shardMask)]
	sh.mu.Lock()
	if e, ok := sh.m[nk]; ok {
		delete(sh.m, nk)
		delete(sh.byLP, e.LocalPort)
		t.count.Add(-1)
	}
	sh.mu.Unlock()
}

// Sweep walks every shard once, evicting StateClosed entries whose last
// activity (insert or Lookup) is more than lingerSec old. Called once
// per poll tick; never runs on its own timer.
func (t *Table) Sweep() int {
	now := t.Now()
	removed := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		var stale []natKey
		for k, e := range sh.m {
			if e.State == StateClosed && now-atomic.LoadInt64(&e.LastActivity) > t.lingerSec {
				stale = append(stale, k)
			}
		}
		sh.mu.RUnlock()

		if len(stale) == 0 {
			continue
		}
		sh.mu.Lock()
		for _, k := range stale {
			if e, ok := sh.m[k]; ok {
				delete(sh.m, k)
				delete(sh.byLP, e.LocalPort)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		t.count.Add(-int64(removed))
	}
	return removed
}

// Count returns the number of live entries.
func (t *Table) Count() int { return int(t.count.Load()) }
