package flow

import (
	"context"
	"errors"
	"time"

	"github.com/ZejiaJiang/voyage/internal/coreerr"
	"github.com/ZejiaJiang/voyage/internal/nat"
	"github.com/ZejiaJiang/voyage/internal/netstack"
	"github.com/ZejiaJiang/voyage/internal/packet"
	"github.com/ZejiaJiang/voyage/internal/rules"
)

// ingestUDP classifies a new UDP flow by IP/port alone (no handshake,
// no sniffing — a datagram's first bytes may be the only ones it ever
// sends) and dials upstream immediately. An existing flow just queues
// or forwards the datagram depending on dial state.
func (m *Manager) ingestUDP(p packet.Parsed, now time.Time) error {
	entry, ok := m.nat.Lookup(p.SrcIP, p.SrcPort, p.DstIP, p.DstPort, uint8(packet.ProtoUDP))
	if !ok {
		handle, slot := m.allocSlot()
		e, err := m.nat.Insert(handle, p.SrcIP, p.SrcPort, p.DstIP, p.DstPort, uint8(packet.ProtoUDP))
		if err != nil {
			m.freeSlot(handle)
			var ce *coreerr.Error
			if errors.As(err, &ce) && ce.Kind == coreerr.NatTableFull {
				m.proxy.Stats.NatTableFull.Add(1)
			}
			return err
		}
		slot.proto = uint8(packet.ProtoUDP)
		slot.entry = e
		slot.lastActivitySec = now.Unix()

		q := classifyQuery("", e.OrigDstIP, e.OrigDstPort, "udp")
		route := m.proxy.EvaluateRoute(q)
		switch route {
		case rules.ActionReject:
			// Rejected UDP is silently dropped: no ICMP, no reply.
			e.Route = nat.RouteReject
			e.State = nat.StateClosed
			m.proxy.Stats.RecordReject()
			m.nat.Remove(p.SrcIP, p.SrcPort)
			m.freeSlot(handle)
			return nil
		case rules.ActionProxy:
			// UDP relaying over SOCKS5 is not wired into the datapath: a
			// Proxy verdict degrades to a direct dial, counted so operators
			// can see how much traffic the rule intended to relay.
			m.proxy.Stats.UDPProxyFallback.Add(1)
			route = rules.ActionDirect
			e.Route = nat.RouteDirect
		case rules.ActionDirect:
			e.Route = nat.RouteDirect
		}
		slot.route = route

		m.proxy.Stats.OnFlowOpened(e.Route.String())
		slot.counted = true

		slot.udpPending = append(slot.udpPending, append([]byte(nil), p.Payload...))
		m.submitUDPDial(slot, route)
		return nil
	}

	s := m.getSlot(entry.Handle)
	if s == nil || s.entry != entry {
		return nil
	}
	s.lastActivitySec = now.Unix()
	pkt := append([]byte(nil), p.Payload...)
	if s.udpDialing || s.upstream == nil {
		s.udpPending = append(s.udpPending, pkt)
		return nil
	}
	m.writeUDPDatagram(s, pkt)
	return nil
}

func (m *Manager) submitUDPDial(s *flowSlot, route rules.Action) {
	s.udpDialing = true
	s.entry.State = nat.StateConnecting
	handle, gen := s.handle, s.gen
	targetIP := s.entry.OrigDstIP
	targetPort := s.entry.OrigDstPort
	submitted := m.io.trySubmit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.handshakeTimeout)
		defer cancel()
		conn, err := m.dialUpstream(ctx, route, uint8(packet.ProtoUDP), targetIP.String(), targetPort)
		m.completions <- completion{handle: handle, gen: gen, kind: completionDialDone, err: err, conn: conn}
	})
	if !submitted {
		s.udpDialing = false
		s.entry.State = nat.StateNew
	}
}

// onUDPDialDone handles a completed (or failed) upstream dial for a UDP
// flow.
func (m *Manager) onUDPDialDone(s *flowSlot, c completion) {
	s.udpDialing = false
	if c.err != nil {
		s.entry.State = nat.StateClosed
		m.releaseSlot(s)
		return
	}
	s.upstream = c.conn
	s.entry.State = nat.StateEstablished
	s.resume = make(chan struct{}, 1)
	go m.runUpstreamReader(s.handle, s.gen, c.conn, s.resume)

	if len(s.udpPending) > 0 {
		next := s.udpPending[0]
		s.udpPending = s.udpPending[1:]
		m.writeUDPDatagram(s, next)
	}
}

// writeUDPDatagram submits a single datagram write, queuing pkt instead
// if a write is already in flight — UDP writes must never be
// concatenated, unlike the TCP byte-stream path.
func (m *Manager) writeUDPDatagram(s *flowSlot, pkt []byte) {
	if s.writeBusy {
		s.udpPending = append(s.udpPending, pkt)
		return
	}
	s.writeBusy = true
	handle, gen := s.handle, s.gen
	conn := s.upstream
	submitted := m.io.trySubmit(func() {
		n, err := conn.Write(pkt)
		m.completions <- completion{handle: handle, gen: gen, kind: completionWriteDone, err: err, n: n}
	})
	if !submitted {
		s.writeBusy = false
		s.udpPending = append([][]byte{pkt}, s.udpPending...)
	}
}

// onUDPUpstreamData turns a datagram read from the upstream socket into
// an outbound UDP packet addressed back to the original peer, as if it
// came from the destination the peer originally dialed.
func (m *Manager) onUDPUpstreamData(s *flowSlot, c completion) {
	seg, err := netstack.BuildUDPReply(s.entry.OrigDstIP, s.entry.OrigSrcIP, s.entry.OrigDstPort, s.entry.OrigSrcPort, c.data)
	if err == nil {
		m.dev.PushTx(seg)
		s.entry.BytesIn.Add(uint64(len(c.data)))
		m.proxy.Stats.AddReceived(uint64(len(c.data)))
	}
	s.signalResume()
}

// pollUDP retries a dial or datagram write the I/O pool turned away, and
// evicts a UDP flow once it has been idle past the configured timeout.
// UDP has no FIN/RST to signal completion, so idle-timeout is the only
// eviction path.
func (m *Manager) pollUDP(s *flowSlot, now time.Time) {
	if now.Unix()-s.lastActivitySec < m.udpIdleSec {
		switch {
		case s.upstream == nil && !s.udpDialing && s.entry.State == nat.StateNew:
			m.submitUDPDial(s, s.route)
		case s.upstream != nil && !s.writeBusy && len(s.udpPending) > 0:
			next := s.udpPending[0]
			s.udpPending = s.udpPending[1:]
			m.writeUDPDatagram(s, next)
		}
		return
	}
	s.entry.State = nat.StateClosed
	m.releaseSlot(s)
}
