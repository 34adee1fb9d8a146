package vcpu

import (
	"github.com/zcxGGmu/ferrovisor/internal/hv/sysreg"
)

// FPState is the SIMD/floating-point register file: thirty-two 128-bit
// vector registers plus the control and status words.
type FPState struct {
	V    [32][2]uint64
	Fpcr uint64
	Fpsr uint64
}

// FPSwitcher implements lazy floating-point context switching for one
// physical core. The vector file is expensive to move, and most guest exits
// never touch it, so it stays in the hardware registers across world
// switches; entry into a context that does not own it arms the FP trap
// instead, and the swap happens only when that trap actually fires.
type FPSwitcher struct {
	// hw mirrors the physical vector file contents.
	hw FPState

	// owner is the context whose state is live in hw, or nil when no
	// context owns it (fresh core, or the owner was torn down).
	owner *Context
}

// Owner returns the context whose floating-point state is live in the
// hardware registers, or nil.
func (s *FPSwitcher) Owner() *Context { return s.owner }

// Arm prepares the FP trap for entering next: ownership is left alone, and
// the trap bit is set only when the hardware file belongs to someone else.
// Returns whether the trap was armed.
func (s *FPSwitcher) Arm(f *sysreg.File, next *Context) (bool, error) {
	if s.owner == next {
		return false, f.Modify(sysreg.CptrEl2, 0, sysreg.CptrTrapFP)
	}
	return true, f.Modify(sysreg.CptrEl2, sysreg.CptrTrapFP, 0)
}

// HandleTrap performs the deferred switch after the FP trap fires while
// current is running: the previous owner's vector file is spilled into its
// context, current's file is loaded, and the trap is disarmed so the
// faulting instruction can be retried.
func (s *FPSwitcher) HandleTrap(f *sysreg.File, current *Context) error {
	if s.owner == current {
		// Spurious trap; just disarm.
		return f.Modify(sysreg.CptrEl2, 0, sysreg.CptrTrapFP)
	}
	if s.owner != nil {
		s.owner.fp = s.hw
	}
	s.hw = current.fp
	s.owner = current
	return f.Modify(sysreg.CptrEl2, 0, sysreg.CptrTrapFP)
}

// Flush spills the hardware vector file back into its owning context and
// clears ownership. Used before tearing an owner down or migrating it to
// another core.
func (s *FPSwitcher) Flush() {
	if s.owner != nil {
		s.owner.fp = s.hw
		s.owner = nil
	}
}

// Invalidate drops ownership without spilling, for contexts being destroyed.
func (s *FPSwitcher) Invalidate(c *Context) {
	if s.owner == c {
		s.owner = nil
	}
}
