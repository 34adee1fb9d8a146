package vtimer

import (
	"github.com/zcxGGmu/ferrovisor/internal/hv/sysreg"
)

// HypTimer is the per-core hypervisor timer, driven off the physical counter
// with no offset. It paces time slices: arm it before entering a guest, and
// its expiry tells the scheduler the slice is over.
type HypTimer struct {
	clock   Clock
	counter sysreg.CounterSource
	irq     uint32

	ctl  uint64
	cval uint64
}

// NewHypTimer builds a hypervisor timer delivering irq.
func NewHypTimer(clock Clock, counter sysreg.CounterSource, irq uint32) *HypTimer {
	return &HypTimer{clock: clock, counter: counter, irq: irq}
}

// IRQ returns the interrupt line the timer fires on.
func (t *HypTimer) IRQ() uint32 { return t.irq }

func (t *HypTimer) now() uint64 { return t.counter.Now() & sysreg.CounterMask }

// StartSlice arms the timer ns nanoseconds from now.
func (t *HypTimer) StartSlice(ns uint64) error {
	ticks, err := t.clock.NanosToTicks(ns)
	if err != nil {
		return err
	}
	t.cval = (t.now() + ticks) & sysreg.CounterMask
	t.ctl = sysreg.TimerEnable
	return nil
}

// Stop disables the timer, cancelling any pending slice.
func (t *HypTimer) Stop() { t.ctl &^= sysreg.TimerEnable }

// Expired reports whether the armed slice has elapsed.
func (t *HypTimer) Expired() bool {
	if t.ctl&sysreg.TimerEnable == 0 || t.ctl&sysreg.TimerMask != 0 {
		return false
	}
	diff := (t.now() - t.cval) & sysreg.CounterMask
	return diff < expiryHorizon
}

// Remaining returns the ticks left in the armed slice, or zero if the timer
// is disabled or the slice has elapsed.
func (t *HypTimer) Remaining() uint64 {
	if t.ctl&sysreg.TimerEnable == 0 {
		return 0
	}
	return remainingTicks(t.now(), t.cval)
}

// AcknowledgePhysIRQ masks an expired slice and returns it as a one-shot
// event for the scheduler.
func (t *HypTimer) AcknowledgePhysIRQ() (Event, bool) {
	if !t.Expired() {
		return Event{}, false
	}
	t.ctl |= sysreg.TimerMask
	return Event{IRQ: t.irq}, true
}

// Save captures the timer registers into the register file. The hypervisor
// timer registers need hypervisor privilege.
func (t *HypTimer) Save(f *sysreg.File) error {
	if err := f.Write(sysreg.CnthpCtlEl2, t.ctl); err != nil {
		return err
	}
	return f.Write(sysreg.CnthpCvalEl2, t.cval)
}

// Restore loads the timer registers from the register file.
func (t *HypTimer) Restore(f *sysreg.File) error {
	var err error
	if t.ctl, err = f.Read(sysreg.CnthpCtlEl2); err != nil {
		return err
	}
	t.cval, err = f.Read(sysreg.CnthpCvalEl2)
	return err
}
