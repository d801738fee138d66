package netstack

import (
	"math/rand"
	"net/netip"
	"time"
)

// State is a TCP control block's state. The engine is always the
// "server" side of the intercepted connection — the peer, a real
// process on the tunneled device, believes it is talking directly to
// dst_ip:dst_port.
type State int

const (
	StateSynReceived State = iota // SYN seen, SYN-ACK not yet queued
	StateSynAckSent               // SYN-ACK sent, waiting for the peer's ACK
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateLastAck
	StateClosing
	StateTimeWait
	StateClosed
)

const (
	mtu                = 1500
	maxSegmentSize     = mtu - 40 // MSS clamp: MTU minus IPv4(20)+TCP(20)
	defaultBufferBytes = 64 * 1024
	defaultTimeWait    = 60 * time.Second
	retransmitDur      = 500 * time.Millisecond
	delayedAckDur      = 40 * time.Millisecond
	maxRetransmits     = 8
)

// Limits caps a control block's buffers and timers. Zero fields fall
// back to the defaults above; the per-flow buffer caps are what keep
// the whole stack inside its memory ceiling.
type Limits struct {
	RecvBufferBytes int
	SendBufferBytes int
	TimeWait        time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.RecvBufferBytes <= 0 {
		l.RecvBufferBytes = defaultBufferBytes
	}
	if l.SendBufferBytes <= 0 {
		l.SendBufferBytes = defaultBufferBytes
	}
	if l.TimeWait <= 0 {
		l.TimeWait = defaultTimeWait
	}
	return l
}

// TCB is one TCP control block: the stack's view of a single
// intercepted connection, addressed by the original 5-tuple.
type TCB struct {
	LocalIP    netip.Addr // the peer's chosen destination — we answer as this address
	LocalPort  uint16
	RemoteIP   netip.Addr // the peer's own address
	RemotePort uint16

	State State

	sndNxt  uint32 // next sequence number we will send
	sndUna  uint32 // oldest unacknowledged sequence number we sent
	rcvNxt  uint32 // next sequence number expected from the peer
	window  uint16 // last advertised peer window
	mss     uint16

	sendBuf []byte // bytes from upstream, queued to send to the peer
	recvBuf []byte // reassembled bytes from the peer, queued for upstream
	limits  Limits

	pendingSynAck  bool
	pendingFin     bool
	pendingRst     bool
	finSent        bool

	lastSentData    []byte // bytes of the most recent unacked data segment, for retransmit
	lastSentSeq     uint32
	retransmitAt    time.Time
	retransmitCount int
	needAck         bool
	lastAckSentAt   time.Time
	closedAt        time.Time
	lastActivity    time.Time

	lastTimestamp uint32 // never set: TCP timestamp options are not parsed, so no PAWS check is made
}

// NewTCB builds a control block for a freshly seen SYN. localAddr is the
// original destination (dst_ip:dst_port as the peer dialed it); remote
// is the peer's own address. clientISN is the peer's initial sequence
// number taken from the SYN.
func NewTCB(localIP netip.Addr, localPort uint16, remoteIP netip.Addr, remotePort uint16, clientISN uint32, now time.Time, lim Limits) *TCB {
	t := &TCB{
		LocalIP:    localIP,
		LocalPort:  localPort,
		RemoteIP:   remoteIP,
		RemotePort: remotePort,
		State:      StateSynReceived,
		sndNxt:     rand.Uint32(),
		rcvNxt:     clientISN + 1,
		mss:        maxSegmentSize,
		window:     65535,
		limits:     lim.withDefaults(),
		lastActivity: now,
	}
	t.sndUna = t.sndNxt
	return t
}

// Accept moves the TCB from SynReceived to SynAckSent, queuing a SYN-ACK
// for the next Poll to emit. The flow manager calls it as soon as the
// SYN arrives, before any rule decision or upstream dial.
func (t *TCB) Accept() {
	if t.State != StateSynReceived {
		return
	}
	t.pendingSynAck = true
	t.State = StateSynAckSent
}

// Reject moves the TCB straight to Closed, queuing an RST.
func (t *TCB) Reject() {
	t.pendingRst = true
	t.State = StateClosed
}

// OnSegment feeds one inbound TCP segment (from the peer) into the
// control block. Returns true if payload data was accepted into
// recvBuf (the flow manager should try draining it to upstream).
func (t *TCB) OnSegment(flags SegmentFlags, seq, ack uint32, window uint16, payload []byte, now time.Time) bool {
	t.lastActivity = now
	t.window = window

	if flags.RST {
		t.State = StateClosed
		return false
	}

	switch t.State {
	case StateSynAckSent:
		if !flags.ACK || ack != t.sndNxt {
			return false
		}
		t.State = StateEstablished
		t.sndUna = t.sndNxt
		// The handshake-completing ACK may already carry data or a FIN.
		fallthrough
	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait, StateClosing, StateLastAck:
		if flags.ACK && ack-t.sndUna > 0 && ack-t.sndUna <= uint32(len(t.lastSentData)) {
			t.sndUna = ack
			t.lastSentData = nil
			t.retransmitCount = 0
		}

		accepted := false
		if len(payload) > 0 && seq == t.rcvNxt {
			if len(t.recvBuf) < t.limits.RecvBufferBytes {
				room := t.limits.RecvBufferBytes - len(t.recvBuf)
				n := len(payload)
				if n > room {
					n = room
				}
				t.recvBuf = append(t.recvBuf, payload[:n]...)
				t.rcvNxt += uint32(n)
				accepted = n > 0
			}
			t.needAck = true
			t.lastAckSentAt = time.Time{}
		}

		if flags.FIN {
			t.rcvNxt++
			t.needAck = true
			switch t.State {
			case StateEstablished:
				t.State = StateCloseWait
			case StateFinWait1, StateFinWait2:
				t.State = StateClosing
			}
		}
		return accepted
	}
	return false
}

// Write queues data from upstream to be streamed to the peer. Returns
// the number of bytes actually accepted — fewer than len(data) signals
// backpressure: the caller should stop draining its upstream read side
// until buffered bytes are acknowledged.
func (t *TCB) Write(data []byte) int {
	if t.State != StateEstablished && t.State != StateCloseWait {
		return 0
	}
	room := t.limits.SendBufferBytes - len(t.sendBuf)
	if room <= 0 {
		return 0
	}
	n := len(data)
	if n > room {
		n = room
	}
	t.sendBuf = append(t.sendBuf, data[:n]...)
	return n
}

// advertisedWindow is the receive window offered to the peer: the free
// room left in recvBuf, clamped to what a bare (unscaled) window field
// can carry.
func (t *TCB) advertisedWindow() uint16 {
	room := t.limits.RecvBufferBytes - len(t.recvBuf)
	if room < 0 {
		room = 0
	}
	if room > 65535 {
		room = 65535
	}
	return uint16(room)
}

// Read drains up to max bytes of data reassembled from the peer, meant
// for forwarding to the upstream socket.
func (t *TCB) Read(max int) []byte {
	if max <= 0 || max > len(t.recvBuf) {
		max = len(t.recvBuf)
	}
	out := append([]byte(nil), t.recvBuf[:max]...)
	t.recvBuf = t.recvBuf[max:]
	return out
}

// CloseGracefully initiates a half-close toward the peer (FIN) once all
// buffered data has drained, without injecting an RST.
func (t *TCB) CloseGracefully() {
	switch t.State {
	case StateEstablished:
		t.State = StateFinWait1
		t.pendingFin = true
	case StateCloseWait:
		t.State = StateLastAck
		t.pendingFin = true
	}
}

// Abort forces an immediate RST regardless of current state.
func (t *TCB) Abort() {
	t.pendingRst = true
	t.State = StateClosed
}

// Done reports whether the control block has nothing further to do and
// may be reclaimed by the owning flow.
func (t *TCB) Done() bool { return t.State == StateClosed }

// Segment is a synthesized outbound datagram ready for the device's tx
// queue.
type Segment struct {
	Bytes []byte
}

// Poll advances retransmit/TIME_WAIT timers and returns any segments
// that must be sent this tick. Never runs on its own schedule — called
// once per boundary poll_core tick.
func (t *TCB) Poll(now time.Time) []Segment {
	var out []Segment

	if t.pendingRst {
		seg, err := buildIPv4TCP(t.LocalIP, t.RemoteIP, t.LocalPort, t.RemotePort, t.sndNxt, t.rcvNxt, SegmentFlags{RST: true, ACK: true}, 0, 0, nil)
		if err == nil {
			out = append(out, Segment{Bytes: seg})
		}
		t.pendingRst = false
		t.State = StateClosed
		t.closedAt = now
		return out
	}

	if t.pendingSynAck {
		seg, err := buildIPv4TCP(t.LocalIP, t.RemoteIP, t.LocalPort, t.RemotePort, t.sndNxt, t.rcvNxt, SegmentFlags{SYN: true, ACK: true}, t.advertisedWindow(), t.mss, nil)
		if err == nil {
			out = append(out, Segment{Bytes: seg})
		}
		t.sndNxt++
		t.lastSentSeq = t.sndNxt - 1
		t.retransmitAt = now.Add(retransmitDur)
		t.pendingSynAck = false
		return out
	}

	if t.State == StateClosed {
		return out
	}

	if t.State == StateTimeWait {
		if now.Sub(t.closedAt) >= t.limits.TimeWait {
			t.State = StateClosed
		}
		return out
	}

	// Data segments: send one MSS-sized chunk of sendBuf only once the
	// previous one is acknowledged (stop-and-wait; the peer's advertised
	// window is not consulted).
	if len(t.lastSentData) == 0 && len(t.sendBuf) > 0 {
		n := len(t.sendBuf)
		if n > int(t.mss) {
			n = int(t.mss)
		}
		chunk := t.sendBuf[:n]
		seg, err := buildIPv4TCP(t.LocalIP, t.RemoteIP, t.LocalPort, t.RemotePort, t.sndNxt, t.rcvNxt, SegmentFlags{ACK: true, PSH: true}, t.advertisedWindow(), 0, chunk)
		if err == nil {
			out = append(out, Segment{Bytes: seg})
		}
		t.lastSentData = append([]byte(nil), chunk...)
		t.sendBuf = t.sendBuf[n:]
		t.sndNxt += uint32(n)
		t.retransmitAt = now.Add(retransmitDur)
		t.retransmitCount = 0
	} else if len(t.lastSentData) > 0 && !t.retransmitAt.IsZero() && now.After(t.retransmitAt) {
		if t.retransmitCount >= maxRetransmits {
			t.pendingRst = true
			return out
		}
		seg, err := buildIPv4TCP(t.LocalIP, t.RemoteIP, t.LocalPort, t.RemotePort, t.sndUna, t.rcvNxt, SegmentFlags{ACK: true, PSH: true}, t.advertisedWindow(), 0, t.lastSentData)
		if err == nil {
			out = append(out, Segment{Bytes: seg})
		}
		t.retransmitCount++
		t.retransmitAt = now.Add(retransmitDur * time.Duration(1<<t.retransmitCount))
	}

	if t.pendingFin && len(t.sendBuf) == 0 && len(t.lastSentData) == 0 {
		seg, err := buildIPv4TCP(t.LocalIP, t.RemoteIP, t.LocalPort, t.RemotePort, t.sndNxt, t.rcvNxt, SegmentFlags{FIN: true, ACK: true}, t.advertisedWindow(), 0, nil)
		if err == nil {
			out = append(out, Segment{Bytes: seg})
		}
		t.sndNxt++
		t.pendingFin = false
		t.finSent = true
		if t.State == StateFinWait1 {
			t.State = StateFinWait2
		} else if t.State == StateLastAck {
			t.State = StateTimeWait
			t.closedAt = now
		}
	} else if t.State == StateClosing && t.finSent {
		t.State = StateTimeWait
		t.closedAt = now
	}

	if t.needAck && now.Sub(t.lastAckSentAt) >= delayedAckDur {
		seg, err := buildIPv4TCP(t.LocalIP, t.RemoteIP, t.LocalPort, t.RemotePort, t.sndNxt, t.rcvNxt, SegmentFlags{ACK: true}, t.advertisedWindow(), 0, nil)
		if err == nil {
			out = append(out, Segment{Bytes: seg})
		}
		t.needAck = false
		t.lastAckSentAt = now
	}

	return out
}
