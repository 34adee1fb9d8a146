package sysreg

import (
	"fmt"

	"github.com/zcxGGmu/ferrovisor/internal/hv"
)

// CounterSource supplies the physical system counter. Production cores read
// the hardware counter; tests drive a ManualCounter.
type CounterSource interface {
	// Now returns the current physical counter value. Callers mask it to
	// the 56-bit counter space.
	Now() uint64
}

// ManualCounter is a CounterSource advanced explicitly. It is not safe for
// concurrent use; each physical core owns its own register file.
type ManualCounter struct {
	value uint64
}

// Now implements CounterSource.
func (c *ManualCounter) Now() uint64 { return c.value }

// Set moves the counter to an absolute value.
func (c *ManualCounter) Set(v uint64) { c.value = v }

// Advance moves the counter forward by ticks, wrapping in the 56-bit space.
func (c *ManualCounter) Advance(ticks uint64) {
	c.value = (c.value + ticks) & CounterMask
}

// TLBInvalidation records one TLB maintenance operation issued through the
// register file.
type TLBInvalidation struct {
	Gasid hv.Gasid
	Addr  hv.GuestPhys
	// ByAddr is false for whole-GASID and broadcast invalidations.
	ByAddr bool
	// Broadcast is true for the invalidate-all variant.
	Broadcast bool
}

// File is the per-core register frame. All register access in the core goes
// through it: the safe methods check the current privilege level before
// touching the underlying storage, the one place the model is allowed to be
// wrong about hardware.
//
// A File belongs to exactly one physical core and is never shared, so it
// carries no locking.
type File struct {
	el      hv.PrivilegeLevel
	regs    map[ID]uint64
	counter CounterSource

	// tlbLog keeps the invalidations issued through this file, newest last.
	tlbLog []TLBInvalidation
}

// NewFile builds a register file for a core at the given privilege level.
// counter may be nil, in which case the physical counter reads as zero.
func NewFile(el hv.PrivilegeLevel, counter CounterSource) *File {
	return &File{
		el:      el,
		regs:    make(map[ID]uint64, 64),
		counter: counter,
	}
}

// CurrentLevel returns the privilege level the core is executing at.
func (f *File) CurrentLevel() hv.PrivilegeLevel { return f.el }

// minLevel returns the least privilege level allowed to access id.
func minLevel(id ID) hv.PrivilegeLevel {
	if id.IsCore() {
		// The trapped guest frame is hypervisor-managed state.
		return hv.LevelHypervisor
	}
	op1 := uint64(id) >> sysOp1Shift & 0x7
	switch op1 {
	case 4:
		return hv.LevelHypervisor
	case 3:
		return hv.LevelApplication
	default:
		return hv.LevelGuestKernel
	}
}

func (f *File) check(id ID) error {
	if f.el < minLevel(id) {
		return fmt.Errorf("sysreg: access to %#x from %s requires %s: %w",
			uint64(id), f.el, minLevel(id), hv.ErrWrongPrivilegeLevel)
	}
	return nil
}

func (f *File) physicalCounter() uint64 {
	if f.counter == nil {
		return 0
	}
	return f.counter.Now() & CounterMask
}

// Read returns the value of id after checking the access is permitted at the
// current privilege level.
func (f *File) Read(id ID) (uint64, error) {
	if err := f.check(id); err != nil {
		return 0, err
	}
	switch id {
	case CurrentEl:
		// CurrentEL holds the level in bits [3:2].
		return uint64(f.el) << 2, nil
	case CntpctEl0:
		return f.physicalCounter(), nil
	case CntvctEl0:
		return (f.physicalCounter() - f.regs[CntvoffEl2]) & CounterMask, nil
	}
	return f.regs[id], nil
}

// Write stores v into id after checking the access is permitted. Read-only
// registers reject writes regardless of level.
func (f *File) Write(id ID, v uint64) error {
	if err := f.check(id); err != nil {
		return err
	}
	switch id {
	case CurrentEl, CntpctEl0, CntvctEl0:
		return fmt.Errorf("sysreg: register %#x is read-only", uint64(id))
	}
	f.regs[id] = v
	return nil
}

// Modify reads id, applies set and clear masks, and writes it back.
func (f *File) Modify(id ID, set, clear uint64) error {
	v, err := f.Read(id)
	if err != nil {
		return err
	}
	return f.Write(id, v&^clear|set)
}

// InvalidateGuestPage invalidates the cached translation for one guest page,
// scoped to that guest's identifier so other guests' entries survive.
func (f *File) InvalidateGuestPage(gasid hv.Gasid, addr hv.GuestPhys) error {
	if f.el < hv.LevelHypervisor {
		return hv.ErrWrongPrivilegeLevel
	}
	f.tlbLog = append(f.tlbLog, TLBInvalidation{Gasid: gasid, Addr: addr, ByAddr: true})
	return nil
}

// InvalidateGuest drops every cached translation tagged with gasid.
func (f *File) InvalidateGuest(gasid hv.Gasid) error {
	if f.el < hv.LevelHypervisor {
		return hv.ErrWrongPrivilegeLevel
	}
	f.tlbLog = append(f.tlbLog, TLBInvalidation{Gasid: gasid})
	return nil
}

// InvalidateAllGuests is the broadcast teardown variant. Callers must know no
// other core can be translating through any of the affected identifiers.
func (f *File) InvalidateAllGuests() error {
	if f.el < hv.LevelHypervisor {
		return hv.ErrWrongPrivilegeLevel
	}
	f.tlbLog = append(f.tlbLog, TLBInvalidation{Broadcast: true})
	return nil
}

// TLBLog returns the invalidations issued through this file, oldest first.
func (f *File) TLBLog() []TLBInvalidation { return f.tlbLog }
