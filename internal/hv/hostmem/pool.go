// Package hostmem owns the host-physical frames the rest of the core hands
// out: stage-2 page tables and lazily-faulted guest memory both draw from a
// Pool. Frames are addressed by their host-physical address inside the
// pool's window; the backing bytes live in one anonymous mapping.
package hostmem

import (
	"fmt"
	"sync"

	"github.com/zcxGGmu/ferrovisor/internal/hv"
)

// FrameSize is the allocation granule, matching the 4 KiB translation
// granule.
const FrameSize = 4096

// Pool is a fixed window of host-physical memory carved into frames.
type Pool struct {
	mu sync.Mutex

	base hv.HostPhys
	mem  []byte

	next uint64        // bump index of the next never-used frame
	free []hv.HostPhys // frames returned to the pool
}

// NewPool maps size bytes of backing memory for the host-physical window
// starting at base. base and size must be frame-aligned.
func NewPool(base hv.HostPhys, size uint64) (*Pool, error) {
	if uint64(base)%FrameSize != 0 || size%FrameSize != 0 || size == 0 {
		return nil, fmt.Errorf("hostmem: window %#x+%#x: %w", base, size, hv.ErrUnalignedAddress)
	}
	mem, err := mapAnonymous(int(size))
	if err != nil {
		return nil, fmt.Errorf("hostmem: map %d bytes: %w", size, err)
	}
	return &Pool{base: base, mem: mem}, nil
}

// Base returns the first host-physical address of the window.
func (p *Pool) Base() hv.HostPhys { return p.base }

// Size returns the window size in bytes.
func (p *Pool) Size() uint64 { return uint64(len(p.mem)) }

// AllocFrame claims one zeroed frame and returns its host-physical address.
func (p *Pool) AllocFrame() (hv.HostPhys, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		addr := p.free[n-1]
		p.free = p.free[:n-1]
		clear(p.mem[uint64(addr-p.base) : uint64(addr-p.base)+FrameSize])
		return addr, nil
	}
	if p.next+FrameSize > uint64(len(p.mem)) {
		return 0, hv.ErrTableAllocationFailure
	}
	addr := p.base + hv.HostPhys(p.next)
	p.next += FrameSize
	return addr, nil
}

// FreeFrame returns a frame to the pool. The caller must not retain
// references to its bytes.
func (p *Pool) FreeFrame(addr hv.HostPhys) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, addr)
}

// Bytes returns the backing bytes of [addr, addr+n). The slice aliases the
// pool's mapping; it stays valid until the pool is closed.
func (p *Pool) Bytes(addr hv.HostPhys, n int) ([]byte, error) {
	off := uint64(addr) - uint64(p.base)
	if addr < p.base || off+uint64(n) > uint64(len(p.mem)) {
		return nil, fmt.Errorf("hostmem: range %#x+%d outside window %#x+%#x",
			addr, n, p.base, len(p.mem))
	}
	return p.mem[off : off+uint64(n)], nil
}

// Contains reports whether addr falls inside the pool's window.
func (p *Pool) Contains(addr hv.HostPhys) bool {
	return addr >= p.base && uint64(addr-p.base) < uint64(len(p.mem))
}

// Close releases the backing mapping. The pool must not be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem == nil {
		return nil
	}
	err := unmapAnonymous(p.mem)
	p.mem = nil
	return err
}
