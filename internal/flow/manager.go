// Package flow implements the engine's flow manager: the only code
// that ties a NAT entry, a TCP control block (or UDP demultiplex
// slot), and an upstream socket together. Upstream connections are
// dialed either through the direct bypass dialer or through a SOCKS5
// client, depending on the rule engine's verdict for the flow.
//
// Every exported method assumes the caller (internal/boundary) already
// holds the single coarse engine lock — Manager does no locking of its
// own around flow state, only around the arena used to hand out stable
// handles to background goroutines.
package flow

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/ZejiaJiang/voyage/internal/coreerr"
	"github.com/ZejiaJiang/voyage/internal/device"
	"github.com/ZejiaJiang/voyage/internal/engine"
	"github.com/ZejiaJiang/voyage/internal/nat"
	"github.com/ZejiaJiang/voyage/internal/netstack"
	"github.com/ZejiaJiang/voyage/internal/packet"
	"github.com/ZejiaJiang/voyage/internal/rules"
	"github.com/ZejiaJiang/voyage/internal/sniff"
	"github.com/ZejiaJiang/voyage/internal/socks5"
)

// Options tunes a Manager. Zero values fall back to the defaults.
type Options struct {
	IOWorkers        int
	SniffEnabled     bool
	SniffBudget      int
	HandshakeTimeout time.Duration
	UDPIdleSeconds   int64
	IPv6Enabled      bool
	Stack            netstack.Limits
}

// flowSlot is one arena entry: the per-flow state a NAT handle owns.
// Exactly one of the TCP or UDP field groups is live, selected by proto.
type flowSlot struct {
	handle uint32
	gen    uint32
	proto  uint8
	entry  *nat.Entry

	// TCP
	tcb              *netstack.TCB
	classified       bool
	dialing          bool
	domain           string // sniffed SNI/Host, empty for IP-only flows
	route            rules.Action
	counted          bool // true once OnFlowOpened has run, so close decrements exactly once
	sniffBuf         []byte
	pendingForward   []byte
	upstream         net.Conn
	writeBusy        bool
	upstreamLeftover []byte
	upstreamClosed   bool
	resume           chan struct{}

	// UDP
	udpDialing       bool
	udpPending       [][]byte
	udpFallbackTried bool
	lastActivitySec  int64
}

// Manager owns the flow arena, the NAT table, the proxy/rule engine,
// and the I/O pool used for upstream dials and reads.
type Manager struct {
	nat   *nat.Table
	proxy *engine.ProxyManager
	dev   *device.Device

	directDialer     *net.Dialer
	handshakeTimeout time.Duration
	sniffEnabled     bool
	sniffBudget      int
	ipv6Enabled      bool
	udpIdleSec       int64
	stackLimits      netstack.Limits

	arenaMu sync.Mutex
	slots   []*flowSlot
	free    []uint32
	nextGen uint32

	io          *ioPool
	completions chan completion
}

// New builds a Manager. directDialer is used for ActionDirect flows and
// for reaching the SOCKS5 server itself; it should already carry the
// bypass Control hook so upstream sockets escape the tunnel's route.
func New(natTable *nat.Table, proxy *engine.ProxyManager, dev *device.Device, directDialer *net.Dialer, opts Options) *Manager {
	handshake := opts.HandshakeTimeout
	if handshake <= 0 {
		handshake = socks5.DefaultTimeout
	}
	sniffBudget := opts.SniffBudget
	if sniffBudget <= 0 {
		sniffBudget = sniff.DefaultBudget
	}
	udpIdle := opts.UDPIdleSeconds
	if udpIdle <= 0 {
		udpIdle = 60
	}
	return &Manager{
		nat:              natTable,
		proxy:            proxy,
		dev:              dev,
		directDialer:     directDialer,
		handshakeTimeout: handshake,
		sniffEnabled:     opts.SniffEnabled,
		sniffBudget:      sniffBudget,
		ipv6Enabled:      opts.IPv6Enabled,
		udpIdleSec:       udpIdle,
		stackLimits:      opts.Stack,
		io:               newIOPool(opts.IOWorkers),
		completions:      make(chan completion, 256),
	}
}

func (m *Manager) allocSlot() (uint32, *flowSlot) {
	m.arenaMu.Lock()
	defer m.arenaMu.Unlock()
	var h uint32
	if n := len(m.free); n > 0 {
		h = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		h = uint32(len(m.slots))
		m.slots = append(m.slots, nil)
	}
	m.nextGen++
	s := &flowSlot{handle: h, gen: m.nextGen}
	m.slots[h] = s
	return h, s
}

func (m *Manager) getSlot(h uint32) *flowSlot {
	m.arenaMu.Lock()
	defer m.arenaMu.Unlock()
	if int(h) >= len(m.slots) {
		return nil
	}
	return m.slots[h]
}

func (m *Manager) freeSlot(h uint32) {
	m.arenaMu.Lock()
	defer m.arenaMu.Unlock()
	if int(h) < len(m.slots) {
		m.slots[h] = nil
	}
	m.free = append(m.free, h)
}

// releaseSlot tears down a flow's upstream socket, settles the active
// gauge, and returns the arena slot to the free list.
func (m *Manager) releaseSlot(s *flowSlot) {
	if s.upstream != nil {
		s.upstream.Close()
		s.upstream = nil
	}
	if s.counted {
		s.counted = false
		m.proxy.Stats.OnFlowClosed()
	}
	m.freeSlot(s.handle)
}

// Shutdown forcibly drops every live flow: TCP flows get an RST
// synthesized into the tx queue, upstream sockets are closed, NAT
// entries move to Closed. Called by the boundary's shutdown with the
// engine lock held; Shutdown returns once the RSTs are queued and does
// not drain tx itself (the boundary discards both queues right after).
func (m *Manager) Shutdown(now time.Time) {
	m.drainCompletions()

	m.arenaMu.Lock()
	live := make([]*flowSlot, 0, len(m.slots))
	for _, s := range m.slots {
		if s != nil {
			live = append(live, s)
		}
	}
	m.arenaMu.Unlock()

	for _, s := range live {
		if s.proto == uint8(packet.ProtoTCP) && s.tcb != nil && !s.tcb.Done() {
			s.tcb.Abort()
			for _, seg := range s.tcb.Poll(now) {
				m.dev.PushTx(seg.Bytes)
			}
		}
		if s.entry != nil {
			s.entry.State = nat.StateClosed
		}
		m.releaseSlot(s)
	}

	m.nat.SetNow(now.Unix())
	m.nat.Sweep()
}

// ingest decodes one raw IP datagram drained from the device's rx
// queue and advances whatever flow state it belongs to. It never
// blocks: upstream dials and socket I/O are handed off to the I/O pool
// and completed asynchronously, observed on a later Poll.
func (m *Manager) ingest(raw []byte, now time.Time) error {
	p, err := packet.Parse(raw)
	if err != nil {
		return err
	}
	if p.IsIPv6 && !m.ipv6Enabled {
		return nil
	}
	switch p.Proto {
	case packet.ProtoTCP:
		return m.ingestTCP(p, now)
	case packet.ProtoUDP:
		return m.ingestUDP(p, now)
	case packet.ProtoICMP:
		m.proxy.Stats.ICMPDropped.Add(1)
		return nil
	default:
		return nil
	}
}

// Poll drains posted completions and the device's rx queue, advances
// every live TCB's timers and pending writes, flushes synthesized
// segments to the device's tx queue, and sweeps the NAT table for
// lingered entries. Called once per boundary poll tick; never runs on
// its own schedule. The returned error is the first packet-level
// failure seen while draining rx — later datagrams in the batch are
// still processed.
func (m *Manager) Poll(now time.Time) error {
	m.nat.SetNow(now.Unix())
	m.drainCompletions()

	var firstErr error
	for _, raw := range m.dev.PopRxBatch(0) {
		if err := m.ingest(raw, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.arenaMu.Lock()
	live := make([]*flowSlot, 0, len(m.slots))
	for _, s := range m.slots {
		if s != nil {
			live = append(live, s)
		}
	}
	m.arenaMu.Unlock()

	for _, s := range live {
		switch s.proto {
		case uint8(packet.ProtoTCP):
			m.pollTCP(s, now)
		case uint8(packet.ProtoUDP):
			m.pollUDP(s, now)
		}
	}

	m.nat.Sweep()
	return firstErr
}

func (m *Manager) drainCompletions() {
	for {
		select {
		case c := <-m.completions:
			m.applyCompletion(c)
		default:
			return
		}
	}
}

func (m *Manager) applyCompletion(c completion) {
	s := m.getSlot(c.handle)
	if s == nil || s.gen != c.gen {
		if c.conn != nil {
			c.conn.Close()
		}
		return
	}
	switch c.kind {
	case completionDialDone:
		m.onDialDone(s, c)
	case completionUpstreamData:
		m.onUpstreamData(s, c)
	case completionUpstreamClosed:
		m.onUpstreamClosed(s)
	case completionWriteDone:
		m.onWriteDone(s, c)
	}
}

func (s *flowSlot) signalResume() {
	if s.resume == nil {
		return
	}
	select {
	case s.resume <- struct{}{}:
	default:
	}
}

// runUpstreamReader pumps bytes from an established upstream connection
// back to the flow, pausing after each chunk until Poll signals the
// control block (or UDP path) has room again, so a stalled peer
// backpressures the upstream read side instead of buffering without
// bound.
func (m *Manager) runUpstreamReader(handle, gen uint32, conn net.Conn, resume chan struct{}) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			m.completions <- completion{handle: handle, gen: gen, kind: completionUpstreamClosed}
			return
		}
		data := append([]byte(nil), buf[:n]...)
		m.completions <- completion{handle: handle, gen: gen, kind: completionUpstreamData, data: data}
		<-resume
	}
}

// dialUpstream connects to target according to the rule verdict and
// transport: direct dials go straight out through the bypass dialer;
// proxy dials go through the configured SOCKS5 server, using CONNECT
// for TCP and UDP ASSOCIATE for UDP. ingestUDP turns a UDP Proxy
// verdict into Direct before dialing, so the UDP ASSOCIATE branch is
// not reached from the datapath. A missing SOCKS5 config with a
// Proxy verdict is a configuration error, reported back as a dial
// failure rather than silently falling back to direct.
func (m *Manager) dialUpstream(ctx context.Context, route rules.Action, proto uint8, targetHost string, targetPort uint16) (net.Conn, error) {
	target := net.JoinHostPort(targetHost, strconv.Itoa(int(targetPort)))
	switch route {
	case rules.ActionDirect:
		network := "tcp"
		if proto == uint8(packet.ProtoUDP) {
			network = "udp"
		}
		return m.directDialer.DialContext(ctx, network, target)
	case rules.ActionProxy:
		cfg := m.proxy.SocksConfig()
		if cfg == nil {
			return nil, coreerr.New(coreerr.ConnectionFailed, "proxy route selected with no socks5 server configured")
		}
		client := &socks5.Client{
			ServerAddr: net.JoinHostPort(cfg.ServerHost, strconv.Itoa(int(cfg.ServerPort))),
			Timeout:    m.handshakeTimeout,
		}
		if cfg.Username != "" {
			client.Auth = &socks5.Auth{Username: cfg.Username, Password: cfg.Password}
		}
		if proto == uint8(packet.ProtoUDP) {
			return client.AssociateUDP(ctx, target)
		}
		return client.Connect(ctx, target)
	default:
		return nil, coreerr.New(coreerr.ConnectionFailed, "unroutable action")
	}
}

func classifyQuery(domain string, ip netip.Addr, port uint16, proto string) rules.Query {
	return rules.Query{Domain: domain, IP: ip.String(), Port: port, Proto: proto}
}
