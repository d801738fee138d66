// Package device models the virtual network device the host presents
// inbound and outbound packets through: two bounded FIFOs (one per
// direction) with drop-tail overflow behavior, sized and drained purely
// by the boundary calls and poll ticks that own them — there is no
// internal goroutine moving packets between queues.
package device

import "sync"

// DefaultQueueCapacity is the per-direction queue depth when none is
// configured.
const DefaultQueueCapacity = 256

// Stats tracks per-direction overflow counts.
type Stats struct {
	RxDropped uint64
	TxDropped uint64
}

// Device holds the rx (host -> engine) and tx (engine -> host) queues.
// Every Push/Pop takes the device's own mutex, so each enqueue and
// dequeue is atomic with respect to concurrent callers on either queue.
type Device struct {
	mu       sync.Mutex
	rx       [][]byte
	tx       [][]byte
	rxCap    int
	txCap    int
	rxDrop   uint64
	txDrop   uint64
}

// New builds a Device with the given queue capacities. A capacity <= 0
// falls back to DefaultQueueCapacity.
func New(rxCap, txCap int) *Device {
	if rxCap <= 0 {
		rxCap = DefaultQueueCapacity
	}
	if txCap <= 0 {
		txCap = DefaultQueueCapacity
	}
	return &Device{rxCap: rxCap, txCap: txCap}
}

// PushRx enqueues an inbound datagram from the host. Returns false if
// the rx queue was full (the datagram is dropped, tail-drop).
func (d *Device) PushRx(pkt []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.rx) >= d.rxCap {
		d.rxDrop++
		return false
	}
	d.rx = append(d.rx, pkt)
	return true
}

// PopRxBatch removes and returns up to max queued inbound datagrams.
func (d *Device) PopRxBatch(max int) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if max <= 0 || max > len(d.rx) {
		max = len(d.rx)
	}
	out := append([][]byte(nil), d.rx[:max]...)
	d.rx = d.rx[max:]
	return out
}

// PushTx enqueues an outbound datagram for the host to collect. Returns
// false if the tx queue was full (dropped, tail-drop).
func (d *Device) PushTx(pkt []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tx) >= d.txCap {
		d.txDrop++
		return false
	}
	d.tx = append(d.tx, pkt)
	return true
}

// PopTxBatch removes and returns up to max queued outbound datagrams —
// this backs the get_outbound_packets boundary call.
func (d *Device) PopTxBatch(max int) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if max <= 0 || max > len(d.tx) {
		max = len(d.tx)
	}
	out := append([][]byte(nil), d.tx[:max]...)
	d.tx = d.tx[max:]
	return out
}

// Stats returns the current drop counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{RxDropped: d.rxDrop, TxDropped: d.txDrop}
}

// RxLen/TxLen report current queue depths, mostly useful for tests and
// backpressure decisions.
func (d *Device) RxLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rx)
}

func (d *Device) TxLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tx)
}
