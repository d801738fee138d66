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
	"github.com/ZejiaJiang/voyage/internal/sniff"
)

// ingestTCP feeds one TCP segment into its flow, creating a fresh NAT
// entry and TCB on an unmatched SYN. The local handshake (TCB.Accept)
// completes immediately so the peer can send its first data segment —
// domain sniffing and rule classification happen on that segment, not
// before the handshake, since there is nothing to sniff until then.
func (m *Manager) ingestTCP(p packet.Parsed, now time.Time) error {
	entry, ok := m.nat.Lookup(p.SrcIP, p.SrcPort, p.DstIP, p.DstPort, uint8(packet.ProtoTCP))
	if ok && p.TCP.SYN && entry.State == nat.StateClosed {
		// The handle may have been recycled to another flow already; only
		// release it if the slot still belongs to this dead entry.
		if old := m.getSlot(entry.Handle); old != nil && old.entry == entry {
			m.releaseSlot(old)
		}
		m.nat.Remove(p.SrcIP, p.SrcPort)
		ok = false
	}

	var s *flowSlot
	if !ok {
		if !p.TCP.SYN {
			return nil
		}
		handle, slot := m.allocSlot()
		e, err := m.nat.Insert(handle, p.SrcIP, p.SrcPort, p.DstIP, p.DstPort, uint8(packet.ProtoTCP))
		if err != nil {
			m.freeSlot(handle)
			var ce *coreerr.Error
			if errors.As(err, &ce) && ce.Kind == coreerr.NatTableFull {
				m.proxy.Stats.NatTableFull.Add(1)
			}
			return err
		}
		slot.proto = uint8(packet.ProtoTCP)
		slot.entry = e
		slot.tcb = netstack.NewTCB(p.DstIP, p.DstPort, p.SrcIP, p.SrcPort, p.TCP.Seq, now, m.stackLimits)
		slot.tcb.Accept()
		slot.lastActivitySec = now.Unix()
		s = slot
		entry = e
	} else {
		s = m.getSlot(entry.Handle)
		if s == nil || s.entry != entry {
			return nil
		}
	}

	flags := netstack.SegmentFlags{SYN: p.TCP.SYN, ACK: p.TCP.ACK, FIN: p.TCP.FIN, RST: p.TCP.RST, PSH: p.TCP.PSH}
	accepted := s.tcb.OnSegment(flags, p.TCP.Seq, p.TCP.Ack, p.TCP.Window, p.Payload, now)
	s.lastActivitySec = now.Unix()
	if accepted {
		data := s.tcb.Read(0)
		entry.BytesIn.Add(uint64(len(data)))
		m.proxy.Stats.AddReceived(uint64(len(data)))
		m.feedTCPPayload(s, data, now)
	}
	return nil
}

// feedTCPPayload routes bytes reassembled from the peer: before
// classification it's buffered for sniffing and a dial decision; after,
// it streams straight to the upstream write path.
func (m *Manager) feedTCPPayload(s *flowSlot, payload []byte, now time.Time) {
	if !s.classified {
		if m.sniffEnabled && len(s.sniffBuf) < m.sniffBudget {
			room := m.sniffBudget - len(s.sniffBuf)
			n := len(payload)
			if n > room {
				n = room
			}
			s.sniffBuf = append(s.sniffBuf, payload[:n]...)
		}
		s.pendingForward = append(s.pendingForward, payload...)
		if !s.dialing {
			m.classifyAndDialTCP(s, now)
		}
		return
	}
	if s.upstream == nil {
		s.pendingForward = append(s.pendingForward, payload...)
		return
	}
	m.writeUpstream(s, payload)
}

// classifyAndDialTCP resolves a domain from the buffered sniff window
// (if any), evaluates the rule engine, and submits an async dial. A
// Reject verdict aborts the TCB immediately without ever touching the
// I/O pool.
func (m *Manager) classifyAndDialTCP(s *flowSlot, now time.Time) {
	domain, _ := sniff.Domain(s.sniffBuf)
	q := classifyQuery(domain, s.entry.OrigDstIP, s.entry.OrigDstPort, "tcp")
	route := m.proxy.EvaluateRoute(q)

	s.classified = true
	s.domain = domain
	s.route = route
	switch route {
	case rules.ActionReject:
		s.entry.Route = nat.RouteReject
		s.entry.State = nat.StateClosed
		m.proxy.Stats.RecordReject()
		s.tcb.Abort()
		return
	case rules.ActionDirect:
		s.entry.Route = nat.RouteDirect
	case rules.ActionProxy:
		s.entry.Route = nat.RouteProxy
	}

	m.proxy.Stats.OnFlowOpened(s.entry.Route.String())
	s.counted = true
	m.dialTCP(s)
}

// dialTCP submits the upstream dial for an already-classified flow. The
// SOCKS5 CONNECT target carries the sniffed hostname when one was found
// so the proxy server resolves the name itself; direct dials always use
// the IP the peer addressed, avoiding a second resolution that could
// land on a different host.
func (m *Manager) dialTCP(s *flowSlot) {
	s.dialing = true
	s.entry.State = nat.StateConnecting
	handle, gen := s.handle, s.gen
	route := s.route
	targetHost := s.entry.OrigDstIP.String()
	if route == rules.ActionProxy && s.domain != "" {
		targetHost = s.domain
	}
	targetPort := s.entry.OrigDstPort
	submitted := m.io.trySubmit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.handshakeTimeout)
		defer cancel()
		conn, err := m.dialUpstream(ctx, route, uint8(packet.ProtoTCP), targetHost, targetPort)
		m.completions <- completion{handle: handle, gen: gen, kind: completionDialDone, err: err, conn: conn}
	})
	if !submitted {
		// Pool saturated: pollTCP retries on a later tick.
		s.dialing = false
		s.entry.State = nat.StateNew
	}
}

func (m *Manager) onDialDone(s *flowSlot, c completion) {
	if s.proto != uint8(packet.ProtoTCP) {
		m.onUDPDialDone(s, c)
		return
	}
	s.dialing = false
	if c.err != nil {
		s.entry.State = nat.StateClosing
		s.tcb.Abort()
		return
	}
	s.upstream = c.conn
	s.entry.State = nat.StateEstablished
	s.resume = make(chan struct{}, 1)
	go m.runUpstreamReader(s.handle, s.gen, c.conn, s.resume)

	if len(s.pendingForward) > 0 {
		data := s.pendingForward
		s.pendingForward = nil
		m.writeUpstream(s, data)
	}
}

// writeUpstream submits data to the upstream socket through the I/O
// pool, serializing writes per-flow via writeBusy so two concurrent
// writers never interleave on the same net.Conn.
func (m *Manager) writeUpstream(s *flowSlot, data []byte) {
	if s.writeBusy {
		s.pendingForward = append(s.pendingForward, data...)
		return
	}
	if len(s.pendingForward) > 0 {
		// Bytes a saturated pool turned away earlier go out first.
		data = append(s.pendingForward, data...)
		s.pendingForward = nil
	}
	s.writeBusy = true
	handle, gen := s.handle, s.gen
	conn := s.upstream
	submitted := m.io.trySubmit(func() {
		n, err := conn.Write(data)
		m.completions <- completion{handle: handle, gen: gen, kind: completionWriteDone, err: err, n: n}
	})
	if !submitted {
		s.writeBusy = false
		s.pendingForward = append(data, s.pendingForward...)
	}
}

func (m *Manager) onWriteDone(s *flowSlot, c completion) {
	s.writeBusy = false
	if c.err != nil {
		s.entry.State = nat.StateClosing
		if s.proto == uint8(packet.ProtoTCP) {
			s.tcb.Abort()
		}
		return
	}
	s.entry.BytesOut.Add(uint64(c.n))
	m.proxy.Stats.AddSent(uint64(c.n))
	if s.proto == uint8(packet.ProtoTCP) {
		if len(s.pendingForward) > 0 {
			data := s.pendingForward
			s.pendingForward = nil
			m.writeUpstream(s, data)
		}
		return
	}
	if len(s.udpPending) > 0 {
		next := s.udpPending[0]
		s.udpPending = s.udpPending[1:]
		m.writeUDPDatagram(s, next)
	}
}

func (m *Manager) onUpstreamData(s *flowSlot, c completion) {
	if s.proto != uint8(packet.ProtoTCP) {
		m.onUDPUpstreamData(s, c)
		return
	}
	n := s.tcb.Write(c.data)
	if n < len(c.data) {
		s.upstreamLeftover = append([]byte(nil), c.data[n:]...)
		return
	}
	s.signalResume()
}

func (m *Manager) onUpstreamClosed(s *flowSlot) {
	s.upstreamClosed = true
	if s.proto == uint8(packet.ProtoTCP) {
		s.tcb.CloseGracefully()
	}
}

// pollTCP advances one TCP flow's control block, flushes synthesized
// segments to the device, retries a dial or upstream write the I/O pool
// turned away, retries buffered upstream data once the control block
// has room, and reclaims a fully closed flow.
func (m *Manager) pollTCP(s *flowSlot, now time.Time) {
	if s.classified && !s.dialing && s.upstream == nil &&
		s.route != rules.ActionReject && s.entry.State == nat.StateNew {
		m.dialTCP(s)
	}

	if s.upstream != nil && !s.writeBusy && len(s.pendingForward) > 0 {
		data := s.pendingForward
		s.pendingForward = nil
		m.writeUpstream(s, data)
	}

	if len(s.upstreamLeftover) > 0 {
		n := s.tcb.Write(s.upstreamLeftover)
		if n > 0 {
			s.upstreamLeftover = s.upstreamLeftover[n:]
		}
		if len(s.upstreamLeftover) == 0 {
			s.signalResume()
		}
	}

	if data := s.tcb.Read(0); len(data) > 0 {
		s.entry.BytesIn.Add(uint64(len(data)))
		m.proxy.Stats.AddReceived(uint64(len(data)))
		m.feedTCPPayload(s, data, now)
	}

	for _, seg := range s.tcb.Poll(now) {
		m.dev.PushTx(seg.Bytes)
	}

	if s.tcb.Done() {
		if s.entry.State != nat.StateClosed {
			s.entry.State = nat.StateClosed
		}
		m.releaseSlot(s)
	}
}
