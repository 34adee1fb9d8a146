package stage2

// Stage-2 descriptor fields. An entry is invalid (bit 0 clear), a block
// (valid, bit 1 clear, levels 1-2 only), a table pointer (valid, bit 1 set,
// levels 0-2), or a page (valid, bit 1 set, level 3).
const (
	descValid uint64 = 1 << 0
	descType  uint64 = 1 << 1

	descMemAttrShift        = 2
	descS2apShift           = 6
	descShShift             = 8
	descAF           uint64 = 1 << 10
	descXN           uint64 = 1 << 54

	descAddrMask uint64 = 0x0000_FFFF_FFFF_F000

	memAttrDevice   uint64 = 0b0000
	memAttrNormalNC uint64 = 0b0101
	memAttrNormalWB uint64 = 0b1111

	s2apRead  uint64 = 1 << descS2apShift
	s2apWrite uint64 = 2 << descS2apShift

	shNone  uint64 = 0 << descShShift
	shInner uint64 = 3 << descShShift
)

// MemoryKind selects the cacheability class of a mapping.
type MemoryKind uint8

const (
	// MemoryNormal is write-back write-allocate cacheable memory.
	MemoryNormal MemoryKind = iota
	// MemoryNormalNC is normal memory with caching disabled.
	MemoryNormalNC
	// MemoryDevice is device memory: non-cacheable, non-shareable,
	// never executable.
	MemoryDevice
)

// Attrs are the memory attributes of a stage-2 mapping.
type Attrs struct {
	Kind       MemoryKind
	Writable   bool
	Executable bool
}

// NormalMemory is the attribute set for guest RAM.
func NormalMemory() Attrs {
	return Attrs{Kind: MemoryNormal, Writable: true, Executable: true}
}

// DeviceMemory is the attribute set for passthrough device windows.
func DeviceMemory() Attrs {
	return Attrs{Kind: MemoryDevice, Writable: true}
}

// ReadOnlyMemory is the attribute set for shared read-only regions.
func ReadOnlyMemory() Attrs {
	return Attrs{Kind: MemoryNormal, Executable: true}
}

// encode returns the attribute bits of a leaf descriptor. The access flag is
// always set; this core does not use hardware access-flag tracking for
// stage-2 and a clear flag would fault every first touch.
func (a Attrs) encode() uint64 {
	v := descAF | s2apRead
	switch a.Kind {
	case MemoryDevice:
		v |= memAttrDevice << descMemAttrShift
		v |= shNone
	case MemoryNormalNC:
		v |= memAttrNormalNC << descMemAttrShift
		v |= shInner
	default:
		v |= memAttrNormalWB << descMemAttrShift
		v |= shInner
	}
	if a.Writable {
		v |= s2apWrite
	}
	if !a.Executable || a.Kind == MemoryDevice {
		v |= descXN
	}
	return v
}

// Permissions is the access a mapping grants the guest.
type Permissions struct {
	Read    bool
	Write   bool
	Execute bool
}

func decodePermissions(desc uint64) Permissions {
	return Permissions{
		Read:    desc&s2apRead != 0,
		Write:   desc&s2apWrite != 0,
		Execute: desc&descXN == 0,
	}
}
