// Package platform loads the board description: counter frequency, the
// interrupt lines the generic timers fire on, and the physical memory
// windows the hypervisor may hand to guests.
package platform

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zcxGGmu/ferrovisor/internal/hv"
)

// Defaults used when the description leaves a field unset. The frequency
// matches the 62.5 MHz system counter common on virt boards; the interrupt
// numbers are the architectural PPI assignments for the virtual and
// hypervisor timers.
const (
	DefaultCounterFreq uint64 = 62_500_000
	DefaultVTimerIRQ   uint32 = 27
	DefaultHTimerIRQ   uint32 = 26
)

// MemoryWindow is one physical RAM region available for guest memory.
type MemoryWindow struct {
	Base hv.HostPhys `yaml:"base"`
	Size uint64      `yaml:"size"`
}

// Description is the parsed board description.
type Description struct {
	CounterFreq uint64 `yaml:"counter_frequency"`
	VTimerIRQ   uint32 `yaml:"vtimer_irq"`
	HTimerIRQ   uint32 `yaml:"htimer_irq"`

	// RAM windows usable as guest memory.
	RAM []MemoryWindow `yaml:"ram"`

	// TableWindow backs stage-2 page tables. Left unset, the first RAM
	// window is used.
	TableWindow *MemoryWindow `yaml:"table_window,omitempty"`
}

// Parse decodes a description and fills defaults. A description with no RAM
// window is rejected.
func Parse(data []byte) (*Description, error) {
	var d Description
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("platform: parse description: %w", err)
	}
	if err := d.normalize(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Load reads and parses a description file.
func Load(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("platform: read description: %w", err)
	}
	return Parse(data)
}

// Default returns the description used when no file is given: defaults plus
// a single 1 GiB RAM window at 1 GiB.
func Default() *Description {
	d := &Description{
		RAM: []MemoryWindow{{Base: 0x4000_0000, Size: 1 << 30}},
	}
	d.normalize()
	return d
}

func (d *Description) normalize() error {
	if d.CounterFreq == 0 {
		d.CounterFreq = DefaultCounterFreq
	}
	if d.VTimerIRQ == 0 {
		d.VTimerIRQ = DefaultVTimerIRQ
	}
	if d.HTimerIRQ == 0 {
		d.HTimerIRQ = DefaultHTimerIRQ
	}
	if len(d.RAM) == 0 {
		return fmt.Errorf("platform: description has no RAM windows")
	}
	for i, w := range d.RAM {
		if w.Size == 0 {
			return fmt.Errorf("platform: RAM window %d has zero size", i)
		}
		if uint64(w.Base)%4096 != 0 || w.Size%4096 != 0 {
			return fmt.Errorf("platform: RAM window %d (%#x+%#x): %w", i, w.Base, w.Size, hv.ErrUnalignedAddress)
		}
	}
	if d.TableWindow == nil {
		d.TableWindow = &d.RAM[0]
	} else if uint64(d.TableWindow.Base)%4096 != 0 || d.TableWindow.Size%4096 != 0 {
		return fmt.Errorf("platform: table window: %w", hv.ErrUnalignedAddress)
	}
	return nil
}
