// Package sysreg is the register access layer: typed identifiers for the
// hypervisor-level and guest-level system registers this core programs, and
// a File accessor whose safe methods check the current privilege level before
// every access. Nothing else in the core touches register state directly.
package sysreg

// ID identifies one architectural register. System registers carry their
// (op0, op1, CRn, CRm, op2) encoding; core registers (GPRs, SP, PC, PSTATE)
// carry a byte offset into the architectural frame, the same split the
// hardware's access instructions make.
type ID uint64

const (
	classShift        = 52
	classSys   uint64 = 0x13 << classShift
	classCore  uint64 = 0x10 << classShift

	sysOp0Shift = 14
	sysOp1Shift = 11
	sysCrnShift = 7
	sysCrmShift = 3
	sysOp2Shift = 0
)

// Encode builds the ID of a system register from its instruction encoding.
func Encode(op0, op1, crn, crm, op2 uint64) ID {
	return ID(classSys |
		(op0&0x3)<<sysOp0Shift |
		(op1&0x7)<<sysOp1Shift |
		(crn&0xf)<<sysCrnShift |
		(crm&0xf)<<sysCrmShift |
		(op2&0x7)<<sysOp2Shift)
}

// CoreReg builds the ID of a core register from its frame offset in bytes.
func CoreReg(offset uintptr) ID {
	return ID(classCore | uint64(offset))
}

// IsCore reports whether id names a core register rather than a system
// register.
func (id ID) IsCore() bool {
	return uint64(id)&classCore == classCore && uint64(id)&classSys != classSys
}

// Hypervisor-level (EL2) system registers.
var (
	HcrEl2       = Encode(3, 4, 1, 1, 0)
	CptrEl2      = Encode(3, 4, 1, 1, 2)
	HstrEl2      = Encode(3, 4, 1, 1, 3)
	SctlrEl2     = Encode(3, 4, 1, 0, 0)
	VtcrEl2      = Encode(3, 4, 2, 1, 2)
	VttbrEl2     = Encode(3, 4, 2, 1, 0)
	CntvoffEl2   = Encode(3, 4, 14, 0, 3)
	CnthpCtlEl2  = Encode(3, 4, 14, 2, 1)
	CnthpCvalEl2 = Encode(3, 4, 14, 2, 2)
)

// Guest-kernel (EL1) and application (EL0) system registers saved and
// restored as part of the VCPU architectural context.
var (
	SctlrEl1      = Encode(3, 0, 1, 0, 0)
	CpacrEl1      = Encode(3, 0, 1, 0, 2)
	Ttbr0El1      = Encode(3, 0, 2, 0, 0)
	Ttbr1El1      = Encode(3, 0, 2, 0, 1)
	TcrEl1        = Encode(3, 0, 2, 0, 2)
	SpsrEl1       = Encode(3, 0, 4, 0, 0)
	ElrEl1        = Encode(3, 0, 4, 0, 1)
	SpEl0         = Encode(3, 0, 4, 1, 0)
	SpEl1         = Encode(3, 4, 4, 1, 0)
	Afsr0El1      = Encode(3, 0, 5, 1, 0)
	Afsr1El1      = Encode(3, 0, 5, 1, 1)
	EsrEl1        = Encode(3, 0, 5, 2, 0)
	FarEl1        = Encode(3, 0, 6, 0, 0)
	ParEl1        = Encode(3, 0, 7, 4, 0)
	MairEl1       = Encode(3, 0, 10, 2, 0)
	AmairEl1      = Encode(3, 0, 10, 3, 0)
	VbarEl1       = Encode(3, 0, 12, 0, 0)
	ContextidrEl1 = Encode(3, 0, 13, 0, 1)
	TpidrEl1      = Encode(3, 0, 13, 0, 4)
	TpidrEl0      = Encode(3, 3, 13, 0, 2)
	TpidrroEl0    = Encode(3, 3, 13, 0, 3)
	CntkctlEl1    = Encode(3, 0, 14, 1, 0)
	CntvCtlEl0    = Encode(3, 3, 14, 3, 1)
	CntvCvalEl0   = Encode(3, 3, 14, 3, 2)
	Fpcr          = Encode(3, 3, 4, 4, 0)
	Fpsr          = Encode(3, 3, 4, 4, 1)
)

// Read-only counter and identification registers.
var (
	CntpctEl0 = Encode(3, 3, 14, 0, 1)
	CntvctEl0 = Encode(3, 3, 14, 0, 2)
	CntfrqEl0 = Encode(3, 3, 14, 0, 0)
	CurrentEl = Encode(3, 0, 4, 2, 2)
)

// Core registers: X0-X30 at 8-byte strides, then SP, PC and PSTATE.
var (
	Sp     = CoreReg(31 * 8)
	Pc     = CoreReg(32 * 8)
	Pstate = CoreReg(33 * 8)
)

// X returns the ID of general-purpose register Xn, n in [0,30].
func X(n int) ID {
	if n < 0 || n > 30 {
		panic("sysreg: general-purpose register index out of range")
	}
	return CoreReg(uintptr(n) * 8)
}

// GuestSysRegs lists every guest-observable system register in a fixed order.
// World-switch save and restore iterate this list so no field is dropped or
// reordered between the two directions.
var GuestSysRegs = []ID{
	SctlrEl1, CpacrEl1, Ttbr0El1, Ttbr1El1, TcrEl1,
	SpsrEl1, ElrEl1, SpEl0, SpEl1,
	Afsr0El1, Afsr1El1, EsrEl1, FarEl1, ParEl1,
	MairEl1, AmairEl1, VbarEl1, ContextidrEl1,
	TpidrEl1, TpidrEl0, TpidrroEl0,
	CntkctlEl1, CntvCtlEl0, CntvCvalEl0,
	Fpcr, Fpsr,
}
