// Package gasid issues guest address-space identifiers: the 8-bit tags that
// let the TLB hold translations for many guests at once. The bitmap behind
// the allocator is the only state in the core shared between physical cores,
// so every operation is a lock-free atomic bit operation.
package gasid

import (
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/bits"

	"github.com/zcxGGmu/ferrovisor/internal/hv"
)

const (
	// ids 1..255 live in bits 0..254 of the bitmap
	idCount   = uint32(hv.GasidMax)
	wordCount = 4
)

// Allocator hands out unique identifiers in [1,255]. Identifier 0 is the
// reserved host tag and is never allocated. The allocator is an explicitly
// constructed shared resource: build one and pass a handle to whoever creates
// guests, never reach for a package global.
//
// All methods are safe to call concurrently from multiple cores.
type Allocator struct {
	words [wordCount]atomicbitops.Uint64

	// hint is the next identifier worth trying first. It is advisory only;
	// a stale hint costs a scan, never correctness.
	hint atomicbitops.Uint32
}

// NewAllocator returns an empty allocator.
func NewAllocator() *Allocator {
	a := &Allocator{}
	a.hint.Store(1)
	return a
}

// Allocate claims and returns a free identifier. It fails with
// hv.ErrGasidExhausted once all 255 identifiers are live.
func (a *Allocator) Allocate() (hv.Gasid, error) {
	// Fast path: the hinted identifier, then a linear scan from it. The
	// scan covers every identifier once, wrapping past 255 back to 1.
	start := a.hint.Load()
	if start < 1 || start > idCount {
		start = 1
	}
	for i := uint32(0); i < idCount; i++ {
		id := (start-1+i)%idCount + 1
		if a.tryClaim(id) {
			a.hint.Store(id%idCount + 1)
			return hv.Gasid(id), nil
		}
	}
	return hv.GasidInvalid, hv.ErrGasidExhausted
}

// tryClaim atomically sets the bit for id. It returns false if the bit was
// already set or was set concurrently by another core.
func (a *Allocator) tryClaim(id uint32) bool {
	word := &a.words[(id-1)/64]
	mask := bits.MaskOf64(int((id - 1) % 64))
	for {
		old := word.Load()
		if old&mask != 0 {
			return false
		}
		if word.CompareAndSwap(old, old|mask) {
			return true
		}
	}
}

// Free releases id. Freeing the reserved identifier 0 or an identifier that
// is already free is deliberately a no-op, which keeps guest-teardown
// ordering simple. Callers must not free an identifier still bound to a live
// guest.
func (a *Allocator) Free(id hv.Gasid) {
	if id == hv.GasidInvalid {
		return
	}
	word := &a.words[(uint32(id)-1)/64]
	mask := bits.MaskOf64(int((uint32(id) - 1) % 64))
	for {
		old := word.Load()
		if old&mask == 0 {
			return
		}
		if word.CompareAndSwap(old, old&^mask) {
			a.hint.Store(uint32(id))
			return
		}
	}
}

// IsAllocated reports whether id is currently live. It is always false for
// the reserved identifier 0.
func (a *Allocator) IsAllocated(id hv.Gasid) bool {
	if id == hv.GasidInvalid {
		return false
	}
	word := &a.words[(uint32(id)-1)/64]
	return bits.IsOn64(word.Load(), bits.MaskOf64(int((uint32(id)-1)%64)))
}

// Live returns the number of identifiers currently allocated.
func (a *Allocator) Live() int {
	n := 0
	for i := range a.words {
		bits.ForEachSetBit64(a.words[i].Load(), func(int) { n++ })
	}
	return n
}
