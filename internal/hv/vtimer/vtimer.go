// Package vtimer virtualizes the generic timers: a per-VCPU virtual timer
// driven through a counter offset, and a per-core hypervisor timer used for
// scheduling ticks. Expiry is reported as explicit events from the physical
// interrupt path; nothing in the package calls back into its users.
package vtimer

import (
	"fmt"
	"math/bits"

	"github.com/zcxGGmu/ferrovisor/internal/hv"
	"github.com/zcxGGmu/ferrovisor/internal/hv/sysreg"
)

const nanosPerSecond = 1_000_000_000

// expiryHorizon splits the 56-bit counter circle in half: a deadline less
// than half the circle behind the counter has fired, anything else is still
// in the future. Comparisons stay correct across counter wraparound.
const expiryHorizon = 1 << 55

// Clock converts between counter ticks and nanoseconds at the platform's
// counter frequency.
type Clock struct {
	freq uint64
}

// NewClock returns a Clock for a counter running at freq Hz.
func NewClock(freq uint64) Clock { return Clock{freq: freq} }

// Frequency returns the counter frequency in Hz.
func (c Clock) Frequency() uint64 { return c.freq }

// TicksToNanos converts a tick count to nanoseconds. The intermediate
// product is kept in 128 bits so large tick counts do not overflow.
func (c Clock) TicksToNanos(ticks uint64) (uint64, error) {
	if c.freq == 0 {
		return 0, fmt.Errorf("vtimer: ticks to nanos: %w", hv.ErrTimerNotInitialized)
	}
	hi, lo := bits.Mul64(ticks, nanosPerSecond)
	ns, _ := bits.Div64(hi, lo, c.freq)
	return ns, nil
}

// NanosToTicks converts nanoseconds to counter ticks, rounding down.
func (c Clock) NanosToTicks(ns uint64) (uint64, error) {
	if c.freq == 0 {
		return 0, fmt.Errorf("vtimer: nanos to ticks: %w", hv.ErrTimerNotInitialized)
	}
	hi, lo := bits.Mul64(ns, c.freq)
	ticks, _ := bits.Div64(hi, lo, nanosPerSecond)
	return ticks, nil
}

// Event is a timer expiry surfaced from the physical interrupt path. The
// caller decides what to do with it; typically inject IRQ into the guest or
// tick the scheduler.
type Event struct {
	IRQ uint32
}

// VirtualTimer is one VCPU's virtual timer. The guest sees a counter offset
// by the value frozen when the VCPU last stopped, so time appears continuous
// across descheduling.
type VirtualTimer struct {
	clock   Clock
	counter sysreg.CounterSource
	irq     uint32

	ctl    uint64
	cval   uint64
	offset uint64
}

// NewVirtualTimer builds a virtual timer delivering irq, reading physical
// time from counter.
func NewVirtualTimer(clock Clock, counter sysreg.CounterSource, irq uint32) *VirtualTimer {
	return &VirtualTimer{clock: clock, counter: counter, irq: irq}
}

// IRQ returns the interrupt line the timer fires on.
func (t *VirtualTimer) IRQ() uint32 { return t.irq }

func (t *VirtualTimer) physical() uint64 {
	return t.counter.Now() & sysreg.CounterMask
}

// ReadCounter returns the virtual counter: the physical counter minus the
// offset, wrapped in the 56-bit space.
func (t *VirtualTimer) ReadCounter() uint64 {
	return (t.physical() - t.offset) & sysreg.CounterMask
}

// SetOffset programs the counter offset directly.
func (t *VirtualTimer) SetOffset(off uint64) { t.offset = off & sysreg.CounterMask }

// Offset returns the current counter offset.
func (t *VirtualTimer) Offset() uint64 { return t.offset }

// SetCompare arms the timer at an absolute virtual-counter deadline,
// enabling it and clearing the output mask. A later call replaces any
// earlier deadline; the most recent programming wins.
func (t *VirtualTimer) SetCompare(cval uint64) {
	t.cval = cval & sysreg.CounterMask
	t.ctl = sysreg.TimerEnable
}

// SetTicks arms the timer ticks counter ticks from now.
func (t *VirtualTimer) SetTicks(ticks uint64) {
	t.SetCompare((t.ReadCounter() + ticks) & sysreg.CounterMask)
}

// SetDuration arms the timer ns nanoseconds from now.
func (t *VirtualTimer) SetDuration(ns uint64) error {
	ticks, err := t.clock.NanosToTicks(ns)
	if err != nil {
		return err
	}
	t.SetTicks(ticks)
	return nil
}

// Stop disables the timer. A stopped timer never reports expiry.
func (t *VirtualTimer) Stop() { t.ctl &^= sysreg.TimerEnable }

// Expired reports whether the deadline has passed: the timer is enabled,
// unmasked, and the deadline sits within half a counter circle behind the
// virtual counter.
func (t *VirtualTimer) Expired() bool {
	if t.ctl&sysreg.TimerEnable == 0 || t.ctl&sysreg.TimerMask != 0 {
		return false
	}
	diff := (t.ReadCounter() - t.cval) & sysreg.CounterMask
	return diff < expiryHorizon
}

// Remaining returns the ticks until the deadline, or zero if the timer is
// disabled or the deadline has already passed. Masking the output line does
// not revive a spent deadline.
func (t *VirtualTimer) Remaining() uint64 {
	if t.ctl&sysreg.TimerEnable == 0 {
		return 0
	}
	return remainingTicks(t.ReadCounter(), t.cval)
}

// remainingTicks clamps an elapsed deadline to zero instead of wrapping.
func remainingTicks(counter, cval uint64) uint64 {
	if (counter-cval)&sysreg.CounterMask < expiryHorizon {
		return 0
	}
	return (cval - counter) & sysreg.CounterMask
}

// AcknowledgePhysIRQ is called from the physical timer interrupt. If this
// timer's deadline has passed it is masked so the line drops, and the expiry
// is returned as a one-shot event. Re-arming clears the mask.
func (t *VirtualTimer) AcknowledgePhysIRQ() (Event, bool) {
	if !t.Expired() {
		return Event{}, false
	}
	t.ctl |= sysreg.TimerMask
	return Event{IRQ: t.irq}, true
}

// Save captures the timer's guest-visible registers into the register file
// as part of the VCPU save path.
func (t *VirtualTimer) Save(f *sysreg.File) error {
	if err := f.Write(sysreg.CntvCtlEl0, t.ctl); err != nil {
		return err
	}
	if err := f.Write(sysreg.CntvCvalEl0, t.cval); err != nil {
		return err
	}
	return f.Write(sysreg.CntvoffEl2, t.offset)
}

// Restore loads the timer's registers from the register file.
func (t *VirtualTimer) Restore(f *sysreg.File) error {
	var err error
	if t.ctl, err = f.Read(sysreg.CntvCtlEl0); err != nil {
		return err
	}
	if t.cval, err = f.Read(sysreg.CntvCvalEl0); err != nil {
		return err
	}
	t.offset, err = f.Read(sysreg.CntvoffEl2)
	return err
}
