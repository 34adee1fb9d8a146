// Package vcpu holds the per-virtual-CPU architectural context: the trapped
// core register frame, the guest system registers, the floating-point file,
// and the hypervisor-private trap configuration that travels with the VCPU
// across world switches.
package vcpu

import (
	"fmt"

	"github.com/zcxGGmu/ferrovisor/internal/hv/sysreg"
)

// TrapConfig is the hypervisor-private part of a VCPU: the trap, FP-trap and
// translation-root register values programmed on its behalf before entry.
// It is never guest-visible.
type TrapConfig struct {
	Hcr   uint64
	Cptr  uint64
	Vttbr uint64
}

// Context is the full saved state of one virtual CPU. It is written by
// exactly one physical core at a time; the world switch is the only code
// that moves state between a Context and a register file.
type Context struct {
	ID int

	// Core frame: X0-X30, then the stack pointer, program counter and
	// processor state, in the layout the trap path spills.
	X      [31]uint64
	SP     uint64
	PC     uint64
	Pstate uint64

	sys  map[sysreg.ID]uint64
	fp   FPState
	trap TrapConfig
}

// NewContext returns a zeroed context for the given VCPU number. It is not
// runnable until Reset.
func NewContext(id int) *Context {
	return &Context{
		ID:  id,
		sys: make(map[sysreg.ID]uint64, len(sysreg.GuestSysRegs)),
	}
}

// Reset puts the context into the architectural power-on state: every core
// and system register zero except the system-control register, which takes
// its defined reset value, and the processor state, which enters the guest
// kernel with interrupts masked.
func (c *Context) Reset() {
	c.X = [31]uint64{}
	c.SP, c.PC = 0, 0
	c.Pstate = sysreg.PstateGuestDefault
	c.fp = FPState{}
	clear(c.sys)
	c.sys[sysreg.SctlrEl1] = sysreg.SctlrEl1Reset
}

// SysReg returns the saved value of a guest system register.
func (c *Context) SysReg(id sysreg.ID) uint64 { return c.sys[id] }

// SetSysReg stores a guest system register value into the saved context.
func (c *Context) SetSysReg(id sysreg.ID, v uint64) { c.sys[id] = v }

// FP returns the saved floating-point file.
func (c *Context) FP() *FPState { return &c.fp }

// Trap returns the hypervisor-private trap configuration.
func (c *Context) Trap() *TrapConfig { return &c.trap }

// Save captures the register file into the context: the core frame, every
// guest system register in the fixed save order, and the trap configuration.
func (c *Context) Save(f *sysreg.File) error {
	for i := range c.X {
		v, err := f.Read(sysreg.X(i))
		if err != nil {
			return fmt.Errorf("vcpu %d: save x%d: %w", c.ID, i, err)
		}
		c.X[i] = v
	}
	var err error
	if c.SP, err = f.Read(sysreg.Sp); err != nil {
		return fmt.Errorf("vcpu %d: save sp: %w", c.ID, err)
	}
	if c.PC, err = f.Read(sysreg.Pc); err != nil {
		return fmt.Errorf("vcpu %d: save pc: %w", c.ID, err)
	}
	if c.Pstate, err = f.Read(sysreg.Pstate); err != nil {
		return fmt.Errorf("vcpu %d: save pstate: %w", c.ID, err)
	}

	for _, id := range sysreg.GuestSysRegs {
		v, err := f.Read(id)
		if err != nil {
			return fmt.Errorf("vcpu %d: save sysreg %#x: %w", c.ID, uint64(id), err)
		}
		c.sys[id] = v
	}

	if c.trap.Hcr, err = f.Read(sysreg.HcrEl2); err != nil {
		return fmt.Errorf("vcpu %d: save trap config: %w", c.ID, err)
	}
	if c.trap.Cptr, err = f.Read(sysreg.CptrEl2); err != nil {
		return fmt.Errorf("vcpu %d: save trap config: %w", c.ID, err)
	}
	if c.trap.Vttbr, err = f.Read(sysreg.VttbrEl2); err != nil {
		return fmt.Errorf("vcpu %d: save trap config: %w", c.ID, err)
	}
	return nil
}

// Restore programs the register file from the context, the inverse of Save.
// The same fixed order is used in both directions so the pair is lossless.
func (c *Context) Restore(f *sysreg.File) error {
	for i, v := range c.X {
		if err := f.Write(sysreg.X(i), v); err != nil {
			return fmt.Errorf("vcpu %d: restore x%d: %w", c.ID, i, err)
		}
	}
	if err := f.Write(sysreg.Sp, c.SP); err != nil {
		return fmt.Errorf("vcpu %d: restore sp: %w", c.ID, err)
	}
	if err := f.Write(sysreg.Pc, c.PC); err != nil {
		return fmt.Errorf("vcpu %d: restore pc: %w", c.ID, err)
	}
	if err := f.Write(sysreg.Pstate, c.Pstate); err != nil {
		return fmt.Errorf("vcpu %d: restore pstate: %w", c.ID, err)
	}

	for _, id := range sysreg.GuestSysRegs {
		if err := f.Write(id, c.sys[id]); err != nil {
			return fmt.Errorf("vcpu %d: restore sysreg %#x: %w", c.ID, uint64(id), err)
		}
	}

	if err := f.Write(sysreg.HcrEl2, c.trap.Hcr); err != nil {
		return fmt.Errorf("vcpu %d: restore trap config: %w", c.ID, err)
	}
	if err := f.Write(sysreg.CptrEl2, c.trap.Cptr); err != nil {
		return fmt.Errorf("vcpu %d: restore trap config: %w", c.ID, err)
	}
	if err := f.Write(sysreg.VttbrEl2, c.trap.Vttbr); err != nil {
		return fmt.Errorf("vcpu %d: restore trap config: %w", c.ID, err)
	}
	return nil
}
