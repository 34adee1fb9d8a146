package sysreg

// Trap-configuration register (HCR_EL2) bits. The bootstrap sets the three
// stage-2 override bits and clears the routing and cache-disable bits.
const (
	HcrRouting       uint64 = 1 << 3  // lower-level register-width routing
	HcrInstrOverride uint64 = 1 << 9  // instruction accesses through stage-2
	HcrDataOverride  uint64 = 1 << 10 // data accesses through stage-2
	HcrCacheOverride uint64 = 1 << 11 // default-cacheable accesses through stage-2
	HcrCacheDisable  uint64 = 1 << 12 // stage-2 cache disable
)

// System-control register (SCTLR_EL2) bits touched by the bootstrap.
const (
	SctlrAlign  uint64 = 1 << 1  // alignment checking
	SctlrCache  uint64 = 1 << 2  // data/unified caching
	SctlrICache uint64 = 1 << 12 // instruction caching
	SctlrWxn    uint64 = 1 << 19 // write implies execute-never
)

// Floating-point trap register (CPTR_EL2) bits.
const (
	// CptrTrapFP traps all lower-level floating-point/SIMD access into the
	// hypervisor. It is the hook lazy FP switching hangs off.
	CptrTrapFP uint64 = 1 << 10
)

// Timer control word bits, identical for every timer kind.
const (
	TimerEnable  uint64 = 1 << 0
	TimerMask    uint64 = 1 << 1
	TimerPending uint64 = 1 << 2 // read-only, hardware-set
)

// CounterMask bounds all counter arithmetic: the system counter is a 56-bit
// space and additions wrap inside it, not in the full 64 bits.
const CounterMask uint64 = 0x00FF_FFFF_FFFF_FFFF

// SctlrEl1Reset is the architecturally-defined reset value of the guest
// system-control register, installed by VCPU reset.
const SctlrEl1Reset uint64 = 0x00C50078

// PstateGuestDefault is the execution state a freshly reset VCPU enters the
// guest with: EL1 with the SP_EL1 stack and all asynchronous interrupts
// masked until the guest unmasks them.
const PstateGuestDefault uint64 = 0x3C5

// VtcrConfig is the stage-2 translation-control register, field by field.
// The zero value is not meaningful; use DefaultVtcr for the standard
// 48-bit-input, 4 KiB-granule programming.
type VtcrConfig struct {
	InputSize    uint8 // T0SZ: input-address size is 64 - InputSize bits
	StartLevel   uint8 // SL0
	InnerCache   uint8 // IRGN0
	OuterCache   uint8 // ORGN0
	Shareability uint8 // SH0
	Granule      uint8 // TG0
	PhysAddrSize uint8 // PS
}

const (
	vtcrT0szShift = 0
	vtcrSl0Shift  = 6
	vtcrIrgnShift = 8
	vtcrOrgnShift = 10
	vtcrShShift   = 12
	vtcrTgShift   = 14
	vtcrPsShift   = 16
)

// DefaultVtcr returns the default stage-2 translation control: 48-bit input
// address, walk starting at level 1, write-back write-allocate inner and
// outer caching, inner-shareable, 4 KiB granule, 48-bit physical addresses.
func DefaultVtcr() VtcrConfig {
	return VtcrConfig{
		InputSize:    16, // 64 - 16 = 48-bit IPA
		StartLevel:   1,
		InnerCache:   1, // write-back write-allocate
		OuterCache:   1,
		Shareability: 3, // inner shareable
		Granule:      0, // 4 KiB
		PhysAddrSize: 2, // 48-bit PA
	}
}

// Encode packs the configuration into its register value.
func (c VtcrConfig) Encode() uint64 {
	return uint64(c.InputSize)<<vtcrT0szShift |
		uint64(c.StartLevel)<<vtcrSl0Shift |
		uint64(c.InnerCache)<<vtcrIrgnShift |
		uint64(c.OuterCache)<<vtcrOrgnShift |
		uint64(c.Shareability)<<vtcrShShift |
		uint64(c.Granule)<<vtcrTgShift |
		uint64(c.PhysAddrSize)<<vtcrPsShift
}

// DecodeVtcr is the inverse of Encode.
func DecodeVtcr(v uint64) VtcrConfig {
	return VtcrConfig{
		InputSize:    uint8(v >> vtcrT0szShift & 0x3f),
		StartLevel:   uint8(v >> vtcrSl0Shift & 0x3),
		InnerCache:   uint8(v >> vtcrIrgnShift & 0x3),
		OuterCache:   uint8(v >> vtcrOrgnShift & 0x3),
		Shareability: uint8(v >> vtcrShShift & 0x3),
		Granule:      uint8(v >> vtcrTgShift & 0x3),
		PhysAddrSize: uint8(v >> vtcrPsShift & 0x7),
	}
}

// InputBits returns the input-address width in bits.
func (c VtcrConfig) InputBits() uint { return 64 - uint(c.InputSize) }
