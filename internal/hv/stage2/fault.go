package stage2

import (
	"fmt"

	"github.com/zcxGGmu/ferrovisor/internal/hv"
)

// FaultKind classifies a stage-2 fault the way the hardware syndrome does.
type FaultKind uint8

const (
	// FaultTranslation means no valid mapping covers the address.
	FaultTranslation FaultKind = iota
	// FaultAccessFlag means the mapping exists but its access flag is clear.
	FaultAccessFlag
	// FaultPermission means the mapping denies the attempted access.
	FaultPermission
	// FaultAddressSize means the address exceeds the configured input size.
	FaultAddressSize
)

func (k FaultKind) String() string {
	switch k {
	case FaultTranslation:
		return "translation"
	case FaultAccessFlag:
		return "access-flag"
	case FaultPermission:
		return "permission"
	case FaultAddressSize:
		return "address-size"
	}
	return "unknown"
}

// Fault is a classified stage-2 fault. It implements error so walk results
// propagate through ordinary error returns; callers that need the detail
// recover it with errors.As.
type Fault struct {
	Kind  FaultKind
	Level uint8
	Addr  hv.GuestPhys

	// Syndrome detail, populated when the fault was decoded from a
	// hardware trap rather than a software walk.
	Write bool
	Fetch bool
	S1PTW bool
}

func (f *Fault) Error() string {
	return fmt.Sprintf("stage2: %s fault at %#x (level %d)", f.Kind, uint64(f.Addr), f.Level)
}

// Exception-class values of interest in the syndrome register.
const (
	ecInstrAbortLower uint64 = 0x20
	ecDataAbortLower  uint64 = 0x24
)

const (
	issWnR   uint64 = 1 << 6
	issS1PTW uint64 = 1 << 7
)

// DecodeSyndrome classifies a trapped stage-2 abort from the EL2 syndrome
// register and the faulting guest-physical address. It returns false when
// the syndrome does not describe a lower-level instruction or data abort.
func DecodeSyndrome(esr uint64, addr hv.GuestPhys) (*Fault, bool) {
	ec := esr >> 26 & 0x3F
	var fetch bool
	switch ec {
	case ecInstrAbortLower:
		fetch = true
	case ecDataAbortLower:
	default:
		return nil, false
	}

	fsc := esr & 0x3F
	level := uint8(fsc & 0x3)
	var kind FaultKind
	switch fsc >> 2 {
	case 0b0000:
		kind = FaultAddressSize
	case 0b0001:
		kind = FaultTranslation
	case 0b0010:
		kind = FaultAccessFlag
	case 0b0011:
		kind = FaultPermission
	default:
		return nil, false
	}

	return &Fault{
		Kind:  kind,
		Level: level,
		Addr:  addr,
		Write: !fetch && esr&issWnR != 0,
		Fetch: fetch,
		S1PTW: esr&issS1PTW != 0,
	}, true
}
