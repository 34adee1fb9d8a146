// Package hv holds the shared types of the hardware-virtualization core:
// privilege levels, address spaces, guest identifiers, error sentinels, and
// the interfaces of the collaborators that sit outside the core (interrupt
// controller, scheduler, VM management).
package hv

import "errors"

var (
	// ErrWrongPrivilegeLevel is returned by the EL2 bootstrap when the core
	// is not executing at the hypervisor privilege level. It is fatal to
	// virtualization on that core.
	ErrWrongPrivilegeLevel = errors.New("hv: not running at hypervisor privilege level")

	// ErrGasidExhausted is returned when all 255 guest address-space
	// identifiers are in use.
	ErrGasidExhausted = errors.New("hv: guest address-space identifiers exhausted")

	// ErrUnalignedAddress is returned by stage-2 map/unmap when an address
	// or size is not granule-aligned.
	ErrUnalignedAddress = errors.New("hv: address not granule-aligned")

	// ErrOverlappingMapping is returned by stage-2 map when the target range
	// already has valid mappings. There is no implicit replace.
	ErrOverlappingMapping = errors.New("hv: mapping overlaps existing translation")

	// ErrTableAllocationFailure is returned when a page-table frame cannot
	// be allocated.
	ErrTableAllocationFailure = errors.New("hv: page table allocation failed")

	// ErrTimerNotInitialized is returned when a timer operation is attempted
	// before the owning context exists.
	ErrTimerNotInitialized = errors.New("hv: timer not initialized")
)

// PrivilegeLevel is one of the four ordered ARM64 exception levels.
type PrivilegeLevel uint8

const (
	// LevelApplication is EL0, unprivileged guest applications.
	LevelApplication PrivilegeLevel = iota
	// LevelGuestKernel is EL1, the guest operating system kernel.
	LevelGuestKernel
	// LevelHypervisor is EL2, where this core runs.
	LevelHypervisor
	// LevelSecureMonitor is EL3.
	LevelSecureMonitor
)

func (l PrivilegeLevel) String() string {
	switch l {
	case LevelApplication:
		return "EL0"
	case LevelGuestKernel:
		return "EL1"
	case LevelHypervisor:
		return "EL2"
	case LevelSecureMonitor:
		return "EL3"
	}
	return "EL?"
}

// GuestPhys is a guest-physical (intermediate physical) address. It is only
// ever resolved through the stage-2 context of the guest it belongs to.
type GuestPhys uint64

// HostPhys is a host-physical address.
type HostPhys uint64

// Gasid is a guest address-space identifier: an 8-bit tag attached to every
// TLB entry a guest's translations produce. Zero is permanently reserved for
// the host context and is never handed out by the allocator.
type Gasid uint8

// GasidInvalid is the reserved "no guest" identifier.
const GasidInvalid Gasid = 0

// GasidMax is the highest allocatable identifier.
const GasidMax Gasid = 255

// InterruptInjector is the interrupt-controller collaborator. The timer
// virtualization and fault paths deliver guest-visible events through it;
// the core never models the controller itself.
type InterruptInjector interface {
	// InjectVirtualInterrupt makes irq pending for the given VCPU the next
	// time it runs.
	InjectVirtualInterrupt(vcpuID int, irq uint32) error
}

// Scheduler is the collaborator that decides when world switches happen.
// The core calls back into it when the per-core hypervisor timer bounds a
// VCPU's execution slice.
type Scheduler interface {
	// SliceExpired reports that the hypervisor timer on the given physical
	// core fired and the currently-running VCPU should be descheduled.
	SliceExpired(coreID int)
}

// MemoryFault is surfaced to the VM-management collaborator when a stage-2
// fault cannot be resolved inside the core.
type MemoryFault struct {
	Gasid   Gasid
	Addr    GuestPhys
	Write   bool
	Fetch   bool
	Level   uint8
	Blocked bool // true if the fault is a permission denial rather than a hole
}

// MemoryFaultHandler receives unresolvable guest memory errors.
type MemoryFaultHandler interface {
	GuestMemoryError(f MemoryFault)
}
