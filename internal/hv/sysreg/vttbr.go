package sysreg

import "github.com/zcxGGmu/ferrovisor/internal/hv"

// Translation root register (VTTBR_EL2) layout: GASID in bits [63:56], the
// stage-2 table root address in bits [47:12], everything else reserved-zero.
const (
	vttbrGasidShift        = 56
	vttbrRootMask   uint64 = 0x0000_FFFF_FFFF_F000
)

// PackVttbr builds the translation root register value from a guest
// identifier and a 4 KiB-aligned table root. The root is masked to its
// bit field and the identifier to 8 bits before placement, so the two
// fields can never bleed into each other.
func PackVttbr(gasid hv.Gasid, root hv.HostPhys) uint64 {
	return uint64(gasid)<<vttbrGasidShift | uint64(root)&vttbrRootMask
}

// UnpackVttbr is the exact inverse of PackVttbr.
func UnpackVttbr(v uint64) (hv.Gasid, hv.HostPhys) {
	return hv.Gasid(v >> vttbrGasidShift), hv.HostPhys(v & vttbrRootMask)
}
