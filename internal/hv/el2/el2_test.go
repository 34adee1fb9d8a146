package el2

import (
	"errors"
	"testing"

	"github.com/zcxGGmu/ferrovisor/internal/hv"
	"github.com/zcxGGmu/ferrovisor/internal/hv/sysreg"
)

func TestInitProgramsRegisters(t *testing.T) {
	f := sysreg.NewFile(hv.LevelHypervisor, nil)

	// Pre-seed bits Init must clear, plus one it must preserve.
	f.Write(sysreg.HcrEl2, sysreg.HcrRouting|sysreg.HcrCacheDisable|1<<30)
	f.Write(sysreg.SctlrEl2, sysreg.SctlrAlign|sysreg.SctlrWxn|1<<0)

	if err := Init(f, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	hcr, _ := f.Read(sysreg.HcrEl2)
	wantSet := sysreg.HcrInstrOverride | sysreg.HcrDataOverride | sysreg.HcrCacheOverride
	if hcr&wantSet != wantSet {
		t.Errorf("HCR = %#x, missing override bits %#x", hcr, wantSet)
	}
	if hcr&(sysreg.HcrRouting|sysreg.HcrCacheDisable) != 0 {
		t.Errorf("HCR = %#x, routing/cache-disable not cleared", hcr)
	}
	if hcr&(1<<30) == 0 {
		t.Errorf("HCR = %#x, unrelated bit not preserved", hcr)
	}

	vtcr, _ := f.Read(sysreg.VtcrEl2)
	if vtcr != sysreg.DefaultVtcr().Encode() {
		t.Errorf("VTCR = %#x, want %#x", vtcr, sysreg.DefaultVtcr().Encode())
	}

	sctlr, _ := f.Read(sysreg.SctlrEl2)
	if sctlr&(sysreg.SctlrCache|sysreg.SctlrICache) != sysreg.SctlrCache|sysreg.SctlrICache {
		t.Errorf("SCTLR = %#x, caches not enabled", sctlr)
	}
	if sctlr&(sysreg.SctlrAlign|sysreg.SctlrWxn) != 0 {
		t.Errorf("SCTLR = %#x, align/wxn not cleared", sctlr)
	}
	if sctlr&1 == 0 {
		t.Errorf("SCTLR = %#x, unrelated bit not preserved", sctlr)
	}

	cptr, _ := f.Read(sysreg.CptrEl2)
	if cptr != sysreg.CptrTrapFP {
		t.Errorf("CPTR = %#x, want fp trap only", cptr)
	}
	hstr, _ := f.Read(sysreg.HstrEl2)
	if hstr != 0 {
		t.Errorf("HSTR = %#x, want 0", hstr)
	}
}

func TestInitWrongLevelWritesNothing(t *testing.T) {
	for _, el := range []hv.PrivilegeLevel{hv.LevelApplication, hv.LevelGuestKernel} {
		f := sysreg.NewFile(el, nil)
		err := Init(f, nil)
		if !errors.Is(err, hv.ErrWrongPrivilegeLevel) {
			t.Errorf("Init at %s: err = %v, want ErrWrongPrivilegeLevel", el, err)
		}
	}

	// Even at the level above, a file claiming monitor level is not the
	// bootstrap's to program.
	f := sysreg.NewFile(hv.LevelSecureMonitor, nil)
	if err := Init(f, nil); !errors.Is(err, hv.ErrWrongPrivilegeLevel) {
		t.Errorf("Init at monitor level: err = %v, want ErrWrongPrivilegeLevel", err)
	}
}
