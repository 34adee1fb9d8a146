// Package stage2 implements the guest-physical to host-physical translation
// subsystem: per-guest page tables, mapping operations, the software twin of
// the hardware walk, and syndrome classification for trapped faults.
//
// Tables live in an arena keyed by their frame address; nothing in the
// package does raw address arithmetic on table memory.
package stage2

import (
	"errors"
	"fmt"

	"github.com/zcxGGmu/ferrovisor/internal/hv"
	"github.com/zcxGGmu/ferrovisor/internal/hv/hostmem"
	"github.com/zcxGGmu/ferrovisor/internal/hv/sysreg"
)

// GranuleSize is the translation granule. Only the 4 KiB granule is
// supported; the control-register default selects it.
const GranuleSize = 4096

const entriesPerTable = 512

// levelShift gives the input-address bit where each level's index starts.
var levelShift = [4]uint{39, 30, 21, 12}

func blockSize(level int) uint64 { return 1 << levelShift[level] }

// TLB issues scoped translation-cache maintenance. *sysreg.File implements
// it; tests may substitute a recorder.
type TLB interface {
	InvalidateGuestPage(gasid hv.Gasid, addr hv.GuestPhys) error
	InvalidateGuest(gasid hv.Gasid) error
}

// Stats counts per-context translation activity.
type Stats struct {
	Walks            uint64
	Faults           uint64
	TLBInvalidations uint64
}

// TranslationResult is a successful walk.
type TranslationResult struct {
	HPA      hv.HostPhys
	Perms    Permissions
	PageSize uint64
	Level    uint8
}

type table struct {
	entries [entriesPerTable]uint64
}

// Context is one guest's stage-2 address space: a table arena, the root
// table, the translation-control configuration, and the bound identifier.
//
// A context's tables are mutated only by the core that owns the guest's
// memory-management operations; concurrent mutation must be serialized by
// the caller.
type Context struct {
	gasid hv.Gasid
	cfg   sysreg.VtcrConfig
	pool  *hostmem.Pool
	tlb   TLB

	tables map[hv.HostPhys]*table
	root   hv.HostPhys

	stats Stats
}

// NewContext builds an empty address space bound to gasid, drawing table
// frames from pool and issuing TLB maintenance through tlb.
func NewContext(gasid hv.Gasid, cfg sysreg.VtcrConfig, pool *hostmem.Pool, tlb TLB) (*Context, error) {
	c := &Context{
		gasid:  gasid,
		cfg:    cfg,
		pool:   pool,
		tlb:    tlb,
		tables: make(map[hv.HostPhys]*table),
	}
	root, err := c.allocTable()
	if err != nil {
		return nil, fmt.Errorf("stage2: root table: %w", err)
	}
	c.root = root
	return c, nil
}

func (c *Context) allocTable() (hv.HostPhys, error) {
	addr, err := c.pool.AllocFrame()
	if err != nil {
		return 0, err
	}
	c.tables[addr] = &table{}
	return addr, nil
}

func (c *Context) freeTable(addr hv.HostPhys) {
	delete(c.tables, addr)
	c.pool.FreeFrame(addr)
}

// Gasid returns the bound guest identifier.
func (c *Context) Gasid() hv.Gasid { return c.gasid }

// Root returns the table root address. It is always granule-aligned.
func (c *Context) Root() hv.HostPhys { return c.root }

// Vttbr returns the translation root register value for this context.
func (c *Context) Vttbr() uint64 { return sysreg.PackVttbr(c.gasid, c.root) }

// Vtcr returns the translation-control register value for this context.
func (c *Context) Vtcr() uint64 { return c.cfg.Encode() }

// Stats returns a copy of the context's counters.
func (c *Context) Stats() Stats { return c.stats }

func (c *Context) inputLimit() uint64 { return 1 << c.cfg.InputBits() }

// Map installs translations for [ipa, ipa+size) onto [hpa, hpa+size),
// using the largest block size the alignment of both addresses permits.
// The range must not overlap any existing mapping.
func (c *Context) Map(ipa hv.GuestPhys, hpa hv.HostPhys, size uint64, attrs Attrs) error {
	if size == 0 || uint64(ipa)%GranuleSize != 0 || uint64(hpa)%GranuleSize != 0 || size%GranuleSize != 0 {
		return fmt.Errorf("stage2: map %#x -> %#x (+%#x): %w", ipa, hpa, size, hv.ErrUnalignedAddress)
	}
	if uint64(ipa)+size > c.inputLimit() {
		return &Fault{Kind: FaultAddressSize, Addr: ipa}
	}
	if c.rangeMapped(c.tables[c.root], 0, 0, uint64(ipa), uint64(ipa)+size) {
		return fmt.Errorf("stage2: map %#x (+%#x): %w", ipa, size, hv.ErrOverlappingMapping)
	}

	curIPA, curHPA := uint64(ipa), uint64(hpa)
	remaining := size
	for remaining > 0 {
		level := leafLevel(curIPA, curHPA, remaining)
		if err := c.install(curIPA, curHPA, level, attrs); err != nil {
			return err
		}
		step := blockSize(level)
		curIPA += step
		curHPA += step
		remaining -= step
	}
	return nil
}

// leafLevel picks the deepest-block level whose size the addresses and
// remaining length are aligned to: 1 GiB at level 1, 2 MiB at level 2,
// otherwise 4 KiB pages at level 3.
func leafLevel(ipa, hpa, remaining uint64) int {
	for _, level := range []int{1, 2} {
		bs := blockSize(level)
		if ipa%bs == 0 && hpa%bs == 0 && remaining >= bs {
			return level
		}
	}
	return 3
}

// install writes one leaf descriptor at the given level, allocating
// intermediate tables on the way down.
func (c *Context) install(ipa, hpa uint64, level int, attrs Attrs) error {
	t := c.tables[c.root]
	for cur := 0; cur < level; cur++ {
		idx := index(cur, ipa)
		e := t.entries[idx]
		switch {
		case e&descValid == 0:
			child, err := c.allocTable()
			if err != nil {
				return fmt.Errorf("stage2: level %d table: %w", cur+1, err)
			}
			t.entries[idx] = uint64(child)&descAddrMask | descValid | descType
			t = c.tables[child]
		case e&descType != 0:
			t = c.tables[hv.HostPhys(e&descAddrMask)]
		default:
			// A block already covers this range; the overlap scan should
			// have rejected it.
			return fmt.Errorf("stage2: install at %#x: %w", ipa, hv.ErrOverlappingMapping)
		}
	}

	desc := hpa&descAddrMask | attrs.encode() | descValid
	if level == 3 {
		desc |= descType
	}
	t.entries[index(level, ipa)] = desc
	return nil
}

func index(level int, addr uint64) int {
	return int(addr >> levelShift[level] & (entriesPerTable - 1))
}

// rangeMapped reports whether any valid leaf intersects [start, end).
func (c *Context) rangeMapped(t *table, level int, tblBase, start, end uint64) bool {
	span := blockSize(level)
	for idx := 0; idx < entriesPerTable; idx++ {
		eBase := tblBase + uint64(idx)*span
		if eBase+span <= start || eBase >= end {
			continue
		}
		e := t.entries[idx]
		if e&descValid == 0 {
			continue
		}
		if isLeaf(level, e) {
			return true
		}
		if c.rangeMapped(c.tables[hv.HostPhys(e&descAddrMask)], level+1, eBase, start, end) {
			return true
		}
	}
	return false
}

func isLeaf(level int, e uint64) bool {
	if level == 3 {
		return e&descType != 0
	}
	return e&descType == 0
}

// Unmap clears every translation inside [ipa, ipa+size) and invalidates the
// cached entries for this guest's identifier only. Block mappings must be
// covered whole; a range that splits a block is rejected without change.
func (c *Context) Unmap(ipa hv.GuestPhys, size uint64) error {
	if size == 0 || uint64(ipa)%GranuleSize != 0 || size%GranuleSize != 0 {
		return fmt.Errorf("stage2: unmap %#x (+%#x): %w", ipa, size, hv.ErrUnalignedAddress)
	}
	if err := c.checkWholeLeaves(c.tables[c.root], 0, 0, uint64(ipa), uint64(ipa)+size); err != nil {
		return err
	}
	_, err := c.unmapIn(c.tables[c.root], 0, 0, uint64(ipa), uint64(ipa)+size)
	return err
}

// checkWholeLeaves verifies, without mutating anything, that every leaf
// intersecting [start, end) is covered by it whole.
func (c *Context) checkWholeLeaves(t *table, level int, tblBase, start, end uint64) error {
	span := blockSize(level)
	for idx := 0; idx < entriesPerTable; idx++ {
		eBase := tblBase + uint64(idx)*span
		if eBase+span <= start || eBase >= end {
			continue
		}
		e := t.entries[idx]
		if e&descValid == 0 {
			continue
		}
		if isLeaf(level, e) {
			if eBase < start || eBase+span > end {
				return fmt.Errorf("stage2: unmap range %#x-%#x splits a %d-byte mapping at %#x",
					start, end, span, eBase)
			}
			continue
		}
		if err := c.checkWholeLeaves(c.tables[hv.HostPhys(e&descAddrMask)], level+1, eBase, start, end); err != nil {
			return err
		}
	}
	return nil
}

// unmapIn clears leaves in range below t and reports whether t ended empty.
// The range has already been vetted by checkWholeLeaves.
func (c *Context) unmapIn(t *table, level int, tblBase, start, end uint64) (bool, error) {
	span := blockSize(level)
	for idx := 0; idx < entriesPerTable; idx++ {
		eBase := tblBase + uint64(idx)*span
		if eBase+span <= start || eBase >= end {
			continue
		}
		e := t.entries[idx]
		if e&descValid == 0 {
			continue
		}
		if isLeaf(level, e) {
			t.entries[idx] = 0
			c.stats.TLBInvalidations++
			if err := c.tlb.InvalidateGuestPage(c.gasid, hv.GuestPhys(eBase)); err != nil {
				return false, err
			}
			continue
		}
		childAddr := hv.HostPhys(e & descAddrMask)
		empty, err := c.unmapIn(c.tables[childAddr], level+1, eBase, start, end)
		if err != nil {
			return false, err
		}
		if empty {
			t.entries[idx] = 0
			c.freeTable(childAddr)
		}
	}

	for idx := 0; idx < entriesPerTable; idx++ {
		if t.entries[idx]&descValid != 0 {
			return false, nil
		}
	}
	return true, nil
}

// Translate performs the walk the hardware performs for a read access.
func (c *Context) Translate(ipa hv.GuestPhys) (TranslationResult, error) {
	return c.TranslateFor(ipa, false, false)
}

// TranslateFor walks the tables for an access of the given kind, classifying
// any failure exactly as the hardware would. It is used for diagnostics and
// for replaying trapped faults in software.
func (c *Context) TranslateFor(ipa hv.GuestPhys, write, fetch bool) (TranslationResult, error) {
	c.stats.Walks++

	if uint64(ipa) >= c.inputLimit() {
		return TranslationResult{}, c.fault(&Fault{Kind: FaultAddressSize, Addr: ipa})
	}

	t := c.tables[c.root]
	for level := 0; level <= 3; level++ {
		e := t.entries[index(level, uint64(ipa))]
		if e&descValid == 0 {
			return TranslationResult{}, c.fault(&Fault{Kind: FaultTranslation, Level: uint8(level), Addr: ipa})
		}
		if !isLeaf(level, e) {
			t = c.tables[hv.HostPhys(e&descAddrMask)]
			continue
		}
		if level == 0 {
			// Blocks are not architected at level 0.
			return TranslationResult{}, c.fault(&Fault{Kind: FaultTranslation, Level: 0, Addr: ipa})
		}
		if e&descAF == 0 {
			return TranslationResult{}, c.fault(&Fault{
				Kind: FaultAccessFlag, Level: uint8(level), Addr: ipa, Write: write, Fetch: fetch,
			})
		}
		perms := decodePermissions(e)
		denied := (write && !perms.Write) || (fetch && !perms.Execute) || (!write && !fetch && !perms.Read)
		if denied {
			return TranslationResult{}, c.fault(&Fault{
				Kind: FaultPermission, Level: uint8(level), Addr: ipa, Write: write, Fetch: fetch,
			})
		}
		span := blockSize(level)
		return TranslationResult{
			HPA:      hv.HostPhys(e&descAddrMask | uint64(ipa)&(span-1)),
			Perms:    perms,
			PageSize: span,
			Level:    uint8(level),
		}, nil
	}
	return TranslationResult{}, c.fault(&Fault{Kind: FaultTranslation, Level: 3, Addr: ipa})
}

func (c *Context) fault(f *Fault) error {
	c.stats.Faults++
	return f
}

// Teardown releases every table and drops all of the guest's cached
// translations. The context must not be used afterwards.
func (c *Context) Teardown() error {
	for addr := range c.tables {
		c.pool.FreeFrame(addr)
	}
	c.tables = nil
	c.stats.TLBInvalidations++
	return c.tlb.InvalidateGuest(c.gasid)
}

// IsMapped reports whether any part of [ipa, ipa+size) has a valid leaf.
func (c *Context) IsMapped(ipa hv.GuestPhys, size uint64) bool {
	return c.rangeMapped(c.tables[c.root], 0, 0, uint64(ipa), uint64(ipa)+size)
}

// AsFault extracts a classified fault from a walk error.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
