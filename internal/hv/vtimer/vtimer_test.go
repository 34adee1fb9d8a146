package vtimer

import (
	"errors"
	"testing"

	"github.com/zcxGGmu/ferrovisor/internal/hv"
	"github.com/zcxGGmu/ferrovisor/internal/hv/sysreg"
)

const testFreq = 62_500_000 // 62.5 MHz, 16ns per tick

func TestClockConversions(t *testing.T) {
	c := NewClock(testFreq)

	cases := []struct {
		ticks uint64
		nanos uint64
	}{
		{0, 0},
		{1, 16},
		{testFreq, nanosPerSecond},
		{testFreq / 1000, 1_000_000},
	}
	for _, tc := range cases {
		ns, err := c.TicksToNanos(tc.ticks)
		if err != nil || ns != tc.nanos {
			t.Errorf("TicksToNanos(%d) = %d, %v; want %d", tc.ticks, ns, err, tc.nanos)
		}
		ticks, err := c.NanosToTicks(tc.nanos)
		if err != nil || ticks != tc.ticks {
			t.Errorf("NanosToTicks(%d) = %d, %v; want %d", tc.nanos, ticks, err, tc.ticks)
		}
	}

	// Large tick counts must not overflow the intermediate product.
	big := uint64(1) << 54
	ns, err := c.TicksToNanos(big)
	if err != nil {
		t.Fatalf("TicksToNanos(big): %v", err)
	}
	if want := big / testFreq * nanosPerSecond; ns < want {
		t.Errorf("TicksToNanos(%d) = %d, want at least %d", big, ns, want)
	}
}

func TestClockZeroFrequency(t *testing.T) {
	var c Clock
	if _, err := c.TicksToNanos(100); !errors.Is(err, hv.ErrTimerNotInitialized) {
		t.Errorf("TicksToNanos on zero clock: %v", err)
	}
	if _, err := c.NanosToTicks(100); !errors.Is(err, hv.ErrTimerNotInitialized) {
		t.Errorf("NanosToTicks on zero clock: %v", err)
	}
}

func TestVirtualCounterOffset(t *testing.T) {
	ctr := &sysreg.ManualCounter{}
	vt := NewVirtualTimer(NewClock(testFreq), ctr, 27)

	ctr.Set(10_000)
	vt.SetOffset(4_000)
	if got := vt.ReadCounter(); got != 6_000 {
		t.Errorf("ReadCounter = %d, want 6000", got)
	}

	// Offset larger than the counter wraps inside the 56-bit space.
	ctr.Set(100)
	vt.SetOffset(200)
	var phys, off uint64 = 100, 200
	want := (phys - off) & sysreg.CounterMask
	if got := vt.ReadCounter(); got != want {
		t.Errorf("wrapped ReadCounter = %#x, want %#x", got, want)
	}
}

func TestTimerExpiry(t *testing.T) {
	ctr := &sysreg.ManualCounter{}
	vt := NewVirtualTimer(NewClock(testFreq), ctr, 27)

	ctr.Set(1_000)
	vt.SetTicks(500)
	if vt.Expired() {
		t.Error("timer expired before its deadline")
	}
	if got := vt.Remaining(); got != 500 {
		t.Errorf("Remaining = %d, want 500", got)
	}

	ctr.Advance(499)
	if vt.Expired() {
		t.Error("timer expired one tick early")
	}
	ctr.Advance(1)
	if !vt.Expired() {
		t.Error("timer not expired at its deadline")
	}
	if got := vt.Remaining(); got != 0 {
		t.Errorf("Remaining after expiry = %d, want 0", got)
	}

	// Arming with zero ticks expires immediately.
	vt.SetTicks(0)
	if !vt.Expired() {
		t.Error("zero-tick deadline not immediately expired")
	}
}

func TestTimerExpiryAcrossWrap(t *testing.T) {
	ctr := &sysreg.ManualCounter{}
	vt := NewVirtualTimer(NewClock(testFreq), ctr, 27)

	// Deadline lands past the top of the 56-bit space.
	ctr.Set(sysreg.CounterMask - 10)
	vt.SetTicks(100)
	if vt.Expired() {
		t.Error("timer expired before wrapping deadline")
	}
	ctr.Advance(100)
	if !vt.Expired() {
		t.Error("timer not expired after counter wrap")
	}
}

func TestLastProgrammingWins(t *testing.T) {
	ctr := &sysreg.ManualCounter{}
	vt := NewVirtualTimer(NewClock(testFreq), ctr, 27)

	ctr.Set(0)
	vt.SetTicks(10)
	vt.SetTicks(1_000_000)
	ctr.Advance(50)
	if vt.Expired() {
		t.Error("superseded deadline still fires")
	}

	vt.SetCompare(40)
	if !vt.Expired() {
		t.Error("replacement deadline in the past does not fire")
	}
}

func TestAcknowledgeIsOneShot(t *testing.T) {
	ctr := &sysreg.ManualCounter{}
	vt := NewVirtualTimer(NewClock(testFreq), ctr, 27)

	ctr.Set(0)
	vt.SetTicks(10)
	ctr.Advance(20)

	ev, fired := vt.AcknowledgePhysIRQ()
	if !fired || ev.IRQ != 27 {
		t.Fatalf("AcknowledgePhysIRQ = %+v, %v; want IRQ 27", ev, fired)
	}
	if _, again := vt.AcknowledgePhysIRQ(); again {
		t.Error("expiry reported twice without re-arming")
	}

	// Re-arming clears the mask and the timer can fire again.
	vt.SetTicks(5)
	ctr.Advance(5)
	if _, fired := vt.AcknowledgePhysIRQ(); !fired {
		t.Error("re-armed timer did not fire")
	}
}

func TestRemainingZeroAfterAcknowledge(t *testing.T) {
	ctr := &sysreg.ManualCounter{}
	vt := NewVirtualTimer(NewClock(testFreq), ctr, 27)

	ctr.Set(0)
	vt.SetTicks(10)
	ctr.Advance(20)
	if _, fired := vt.AcknowledgePhysIRQ(); !fired {
		t.Fatal("timer did not fire")
	}

	// The deadline stays spent while the line is masked; it must not wrap
	// into a huge remaining count.
	if got := vt.Remaining(); got != 0 {
		t.Errorf("Remaining after acknowledge = %d, want 0", got)
	}
}

func TestStoppedTimerNeverExpires(t *testing.T) {
	ctr := &sysreg.ManualCounter{}
	vt := NewVirtualTimer(NewClock(testFreq), ctr, 27)

	ctr.Set(0)
	vt.SetTicks(10)
	vt.Stop()
	ctr.Advance(100)
	if vt.Expired() {
		t.Error("stopped timer expired")
	}
	if _, fired := vt.AcknowledgePhysIRQ(); fired {
		t.Error("stopped timer fired")
	}
}

func TestVirtualTimerSaveRestore(t *testing.T) {
	ctr := &sysreg.ManualCounter{}
	vt := NewVirtualTimer(NewClock(testFreq), ctr, 27)
	ctr.Set(500)
	vt.SetOffset(100)
	vt.SetCompare(900)

	f := sysreg.NewFile(hv.LevelHypervisor, ctr)
	if err := vt.Save(f); err != nil {
		t.Fatalf("Save: %v", err)
	}

	vt2 := NewVirtualTimer(NewClock(testFreq), ctr, 27)
	if err := vt2.Restore(f); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if vt2.Offset() != 100 {
		t.Errorf("restored offset = %d", vt2.Offset())
	}
	if got := vt2.Remaining(); got != 500 {
		t.Errorf("restored Remaining = %d, want 500", got)
	}
}

func TestHypTimerSlice(t *testing.T) {
	ctr := &sysreg.ManualCounter{}
	ht := NewHypTimer(NewClock(testFreq), ctr, 26)

	ctr.Set(0)
	if err := ht.StartSlice(1_000_000); err != nil { // 1ms = 62500 ticks
		t.Fatalf("StartSlice: %v", err)
	}
	ctr.Advance(62_499)
	if ht.Expired() {
		t.Error("slice ended early")
	}
	ctr.Advance(1)
	ev, fired := ht.AcknowledgePhysIRQ()
	if !fired || ev.IRQ != 26 {
		t.Fatalf("AcknowledgePhysIRQ = %+v, %v; want IRQ 26", ev, fired)
	}
	if _, again := ht.AcknowledgePhysIRQ(); again {
		t.Error("slice reported twice")
	}
}

func TestHypTimerRemaining(t *testing.T) {
	ctr := &sysreg.ManualCounter{}
	ht := NewHypTimer(NewClock(testFreq), ctr, 26)

	if got := ht.Remaining(); got != 0 {
		t.Errorf("Remaining before arming = %d, want 0", got)
	}

	ctr.Set(0)
	if err := ht.StartSlice(1_000_000); err != nil {
		t.Fatalf("StartSlice: %v", err)
	}
	ctr.Advance(60_000)
	if got := ht.Remaining(); got != 2_500 {
		t.Errorf("Remaining mid-slice = %d, want 2500", got)
	}

	ctr.Advance(10_000)
	if _, fired := ht.AcknowledgePhysIRQ(); !fired {
		t.Fatal("slice did not fire")
	}
	if got := ht.Remaining(); got != 0 {
		t.Errorf("Remaining after slice end = %d, want 0", got)
	}

	ht.Stop()
	if got := ht.Remaining(); got != 0 {
		t.Errorf("Remaining after Stop = %d, want 0", got)
	}
}

func TestHypTimerZeroClock(t *testing.T) {
	ht := NewHypTimer(Clock{}, &sysreg.ManualCounter{}, 26)
	if err := ht.StartSlice(1_000_000); !errors.Is(err, hv.ErrTimerNotInitialized) {
		t.Errorf("StartSlice on zero clock: %v", err)
	}
}
