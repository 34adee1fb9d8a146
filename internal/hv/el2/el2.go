// Package el2 brings a physical core into hypervisor operation: it verifies
// the privilege level, then programs the trap, translation-control, system
// control and floating-point trap registers into the state every other
// subsystem assumes.
package el2

import (
	"fmt"
	"log/slog"

	"github.com/zcxGGmu/ferrovisor/internal/hv"
	"github.com/zcxGGmu/ferrovisor/internal/hv/sysreg"
)

// Init configures a core's hypervisor-level registers. The privilege check
// happens before any write, so a core booted at the wrong level is left
// completely untouched.
//
// After Init the core traps lower-level floating-point access, routes guest
// memory through stage-2 translation with caches on, and traps no additional
// system registers.
func Init(f *sysreg.File, log *slog.Logger) error {
	if f.CurrentLevel() != hv.LevelHypervisor {
		return fmt.Errorf("el2: init at %s: %w", f.CurrentLevel(), hv.ErrWrongPrivilegeLevel)
	}

	// Trap configuration: force guest instruction, data and default-cacheable
	// accesses through stage-2, keep caching enabled, and leave lower-level
	// exception routing to the guest.
	err := f.Modify(sysreg.HcrEl2,
		sysreg.HcrInstrOverride|sysreg.HcrDataOverride|sysreg.HcrCacheOverride,
		sysreg.HcrRouting|sysreg.HcrCacheDisable)
	if err != nil {
		return fmt.Errorf("el2: trap configuration: %w", err)
	}

	if err := f.Write(sysreg.VtcrEl2, sysreg.DefaultVtcr().Encode()); err != nil {
		return fmt.Errorf("el2: translation control: %w", err)
	}

	// System control: caches and instruction caching on, alignment checking
	// and write-implies-execute-never off. The rest of the register keeps
	// whatever the boot path left.
	err = f.Modify(sysreg.SctlrEl2,
		sysreg.SctlrCache|sysreg.SctlrICache,
		sysreg.SctlrAlign|sysreg.SctlrWxn)
	if err != nil {
		return fmt.Errorf("el2: system control: %w", err)
	}

	// Arm the floating-point trap so the first guest FP access takes the
	// lazy-switch path.
	if err := f.Write(sysreg.CptrEl2, sysreg.CptrTrapFP); err != nil {
		return fmt.Errorf("el2: fp trap: %w", err)
	}

	// No extra system-register traps.
	if err := f.Write(sysreg.HstrEl2, 0); err != nil {
		return fmt.Errorf("el2: sysreg traps: %w", err)
	}

	if log != nil {
		hcr, _ := f.Read(sysreg.HcrEl2)
		vtcr, _ := f.Read(sysreg.VtcrEl2)
		log.Debug("hypervisor mode initialized", "hcr", fmt.Sprintf("%#x", hcr), "vtcr", fmt.Sprintf("%#x", vtcr))
	}
	return nil
}
