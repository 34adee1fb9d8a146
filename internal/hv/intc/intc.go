// Package intc models the virtual interrupt distributor: per-VCPU pending
// lines for the interrupts the hypervisor injects (timer expiry, inter-core
// notifications) and the handshake that drops a line once the guest
// acknowledges it.
package intc

import (
	"fmt"
	"sync"

	"github.com/zcxGGmu/ferrovisor/internal/hv"
)

// AckTarget receives acknowledge broadcasts, typically to re-arm a device
// once the guest has taken its interrupt.
type AckTarget interface {
	HandleAck(vcpuID int, irq uint32)
}

// Distributor tracks injected interrupt lines per VCPU. It satisfies
// hv.InterruptInjector so the timer dispatch path can target it directly.
type Distributor struct {
	mu sync.Mutex

	pending map[int]map[uint32]bool
	acks    map[uint32][]func(vcpuID int)
	target  AckTarget
}

// NewDistributor returns an empty distributor.
func NewDistributor() *Distributor {
	return &Distributor{
		pending: make(map[int]map[uint32]bool),
		acks:    make(map[uint32][]func(int)),
	}
}

// AttachAckTarget wires acknowledge broadcasts to target.
func (d *Distributor) AttachAckTarget(target AckTarget) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.target = target
}

// InjectVirtualInterrupt marks irq pending for the VCPU. Injecting an
// already-pending line is a no-op; the guest sees one interrupt.
func (d *Distributor) InjectVirtualInterrupt(vcpuID int, irq uint32) error {
	if vcpuID < 0 {
		return fmt.Errorf("intc: inject irq %d: bad vcpu %d", irq, vcpuID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	lines := d.pending[vcpuID]
	if lines == nil {
		lines = make(map[uint32]bool)
		d.pending[vcpuID] = lines
	}
	lines[irq] = true
	return nil
}

var _ hv.InterruptInjector = (*Distributor)(nil)

// Pending reports whether irq is pending for the VCPU.
func (d *Distributor) Pending(vcpuID int, irq uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending[vcpuID][irq]
}

// HasPending reports whether any line is pending for the VCPU, used to
// decide whether entry must take the interrupt path.
func (d *Distributor) HasPending(vcpuID int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.pending[vcpuID] {
		if p {
			return true
		}
	}
	return false
}

// RegisterAckCallback registers fn to run when the guest acknowledges irq.
func (d *Distributor) RegisterAckCallback(irq uint32, fn func(vcpuID int)) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acks[irq] = append(d.acks[irq], fn)
}

// Acknowledge drops the pending line after the guest has taken the
// interrupt and notifies listeners. Acknowledging a line that is not
// pending is ignored.
func (d *Distributor) Acknowledge(vcpuID int, irq uint32) {
	d.mu.Lock()
	wasPending := d.pending[vcpuID][irq]
	if wasPending {
		delete(d.pending[vcpuID], irq)
	}
	callbacks := append([]func(int){}, d.acks[irq]...)
	target := d.target
	d.mu.Unlock()

	if !wasPending {
		return
	}
	if target != nil {
		target.HandleAck(vcpuID, irq)
	}
	for _, fn := range callbacks {
		fn(vcpuID)
	}
}

// DropAll clears every pending line for a VCPU being reset or destroyed.
func (d *Distributor) DropAll(vcpuID int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, vcpuID)
}
