// Package vmm is the control plane for one physical core: it owns the
// identifier allocator, the guests and their address spaces, the world
// switch between host and guest contexts, and the dispatch of trapped
// faults and timer interrupts.
package vmm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zcxGGmu/ferrovisor/internal/hv"
	"github.com/zcxGGmu/ferrovisor/internal/hv/hostmem"
	"github.com/zcxGGmu/ferrovisor/internal/hv/stage2"
	"github.com/zcxGGmu/ferrovisor/internal/hv/sysreg"
	"github.com/zcxGGmu/ferrovisor/internal/hv/trace"
	"github.com/zcxGGmu/ferrovisor/internal/hv/vcpu"
	"github.com/zcxGGmu/ferrovisor/internal/hv/vtimer"
	"github.com/zcxGGmu/ferrovisor/internal/platform"
)

// Trace events emitted from the hot paths.
var (
	traceEnter    = trace.RegisterKind("world_enter", trace.FlagHostTime)
	traceExit     = trace.RegisterKind("world_exit", trace.FlagHostTime)
	traceS2Fault  = trace.RegisterKind("stage2_fault", trace.FlagHostTime)
	traceTimerIRQ = trace.RegisterKind("timer_irq", trace.FlagHostTime)
)

var (
	ErrGuestExists   = errors.New("vmm: guest already exists")
	ErrNoSuchGuest   = errors.New("vmm: no such guest")
	ErrGuestRunning  = errors.New("vmm: guest is running")
	ErrNothingActive = errors.New("vmm: no guest is active")
)

// GasidAllocator hands out guest identifiers. *gasid.Allocator is the
// production implementation; tests may substitute a deterministic one.
type GasidAllocator interface {
	Allocate() (hv.Gasid, error)
	Free(id hv.Gasid)
}

// MemorySource resolves guest-physical addresses that faulted without a
// mapping, for guests backed lazily. Returning ok=false means the address
// has no backing and the fault is a guest error.
type MemorySource interface {
	ResolveFrame(gasid hv.Gasid, ipa hv.GuestPhys) (hv.HostPhys, stage2.Attrs, bool)
}

// Config carries the core's environment into the manager.
type Config struct {
	CoreID  int
	Desc    *platform.Description
	File    *sysreg.File
	Counter sysreg.CounterSource
	Pool    *hostmem.Pool
	Gasids  GasidAllocator

	Injector  hv.InterruptInjector
	Scheduler hv.Scheduler
	Faults    hv.MemoryFaultHandler
	Source    MemorySource

	Log *slog.Logger
}

// VCPU couples an architectural context with its virtual timer.
type VCPU struct {
	Ctx   *vcpu.Context
	Timer *vtimer.VirtualTimer

	// frozen is the virtual counter value captured at deschedule, so the
	// guest's clock does not advance while it is off the core.
	frozen uint64
}

// Guest is one virtual machine: an identifier, an address space, and its
// virtual CPUs.
type Guest struct {
	Name  string
	Mem   *stage2.Context
	VCPUs []*VCPU

	gasid hv.Gasid
}

// Gasid returns the guest's identifier.
func (g *Guest) Gasid() hv.Gasid { return g.gasid }

type active struct {
	guest *Guest
	vcpu  *VCPU
}

// Manager runs guests on one physical core. All entry points take the
// manager lock; the world switch in particular is a single critical section
// so no trap can observe a half-moved context.
type Manager struct {
	mu sync.Mutex

	cfg   Config
	clock vtimer.Clock
	hyp   *vtimer.HypTimer
	fp    vcpu.FPSwitcher

	host    *vcpu.Context
	guests  map[string]*Guest
	running *active

	log *slog.Logger
}

// NewManager builds the control plane for a core whose register file has
// already been brought into hypervisor operation.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.File == nil || cfg.Pool == nil || cfg.Gasids == nil || cfg.Counter == nil {
		return nil, errors.New("vmm: file, counter, pool and gasid allocator are required")
	}
	if cfg.File.CurrentLevel() != hv.LevelHypervisor {
		return nil, fmt.Errorf("vmm: core at %s: %w", cfg.File.CurrentLevel(), hv.ErrWrongPrivilegeLevel)
	}
	if cfg.Desc == nil {
		cfg.Desc = platform.Default()
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	clock := vtimer.NewClock(cfg.Desc.CounterFreq)
	m := &Manager{
		cfg:    cfg,
		clock:  clock,
		hyp:    vtimer.NewHypTimer(clock, cfg.Counter, cfg.Desc.HTimerIRQ),
		host:   vcpu.NewContext(-1),
		guests: make(map[string]*Guest),
		log:    log,
	}
	return m, nil
}

// Clock returns the core's tick/nanosecond converter.
func (m *Manager) Clock() vtimer.Clock { return m.clock }

// CreateGuest allocates an identifier and an empty address space for a new
// guest with vcpus virtual CPUs, all reset to the architectural power-on
// state.
func (m *Manager) CreateGuest(name string, vcpus int) (*Guest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.guests[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrGuestExists, name)
	}
	if vcpus < 1 {
		return nil, fmt.Errorf("vmm: guest %q needs at least one vcpu", name)
	}

	id, err := m.cfg.Gasids.Allocate()
	if err != nil {
		return nil, fmt.Errorf("vmm: guest %q: %w", name, err)
	}
	mem, err := stage2.NewContext(id, sysreg.DefaultVtcr(), m.cfg.Pool, m.cfg.File)
	if err != nil {
		m.cfg.Gasids.Free(id)
		return nil, fmt.Errorf("vmm: guest %q: %w", name, err)
	}

	g := &Guest{Name: name, Mem: mem, gasid: id}
	for i := 0; i < vcpus; i++ {
		ctx := vcpu.NewContext(i)
		ctx.Reset()
		ctx.Trap().Vttbr = mem.Vttbr()
		ctx.Trap().Cptr = sysreg.CptrTrapFP
		g.VCPUs = append(g.VCPUs, &VCPU{
			Ctx:   ctx,
			Timer: vtimer.NewVirtualTimer(m.clock, m.cfg.Counter, m.cfg.Desc.VTimerIRQ),
		})
	}
	m.guests[name] = g

	m.log.Info("guest created", "name", name, "gasid", uint8(id), "vcpus", vcpus)
	return g, nil
}

// DestroyGuest tears a guest down: its address space and cached translations
// go first, then its identifier returns to the pool. The identifier is not
// reusable until the teardown invalidation has been issued, so the order is
// load-bearing.
func (m *Manager) DestroyGuest(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.guests[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSuchGuest, name)
	}
	if m.running != nil && m.running.guest == g {
		return fmt.Errorf("%w: %q", ErrGuestRunning, name)
	}

	for _, v := range g.VCPUs {
		m.fp.Invalidate(v.Ctx)
	}
	if err := g.Mem.Teardown(); err != nil {
		return fmt.Errorf("vmm: destroy %q: %w", name, err)
	}
	m.cfg.Gasids.Free(g.gasid)
	delete(m.guests, name)

	m.log.Info("guest destroyed", "name", name, "gasid", uint8(g.gasid))
	return nil
}

// Guest looks a guest up by name.
func (m *Manager) Guest(name string) (*Guest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guests[name]
	return g, ok
}

// Enter switches the core from the host (or the currently running VCPU)
// into the named guest's VCPU. The whole exchange happens under the manager
// lock: outgoing state is saved, incoming state is restored, the virtual
// counter offset is recomputed from the counter value frozen at the VCPU's
// last deschedule, and the floating-point trap is armed if the hardware
// vector file belongs to someone else. sliceNanos, when nonzero, arms the
// core's slice timer.
func (m *Manager) Enter(name string, vcpuID int, sliceNanos uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.guests[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSuchGuest, name)
	}
	if vcpuID < 0 || vcpuID >= len(g.VCPUs) {
		return fmt.Errorf("vmm: guest %q has no vcpu %d", name, vcpuID)
	}
	target := g.VCPUs[vcpuID]
	defer trace.Span(traceEnter, uint8(g.gasid))()

	if err := m.saveCurrentLocked(); err != nil {
		return err
	}

	// Resume the guest's clock where it stopped.
	phys := physicalNow(m.cfg.Counter)
	target.Timer.SetOffset((phys - target.frozen) & sysreg.CounterMask)

	if err := target.Ctx.Restore(m.cfg.File); err != nil {
		return err
	}
	if err := target.Timer.Save(m.cfg.File); err != nil {
		return err
	}
	if _, err := m.fp.Arm(m.cfg.File, target.Ctx); err != nil {
		return err
	}
	if sliceNanos != 0 {
		if err := m.hyp.StartSlice(sliceNanos); err != nil {
			return err
		}
	}

	m.running = &active{guest: g, vcpu: target}
	m.log.Debug("entered guest", "name", name, "vcpu", vcpuID, "gasid", uint8(g.gasid))
	return nil
}

// Exit switches the core back to the host context, freezing the running
// VCPU's virtual counter.
func (m *Manager) Exit() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running == nil {
		return ErrNothingActive
	}
	defer trace.Span(traceExit, uint8(m.running.guest.gasid))()
	if err := m.saveCurrentLocked(); err != nil {
		return err
	}
	m.hyp.Stop()
	return m.host.Restore(m.cfg.File)
}

// saveCurrentLocked spills whatever context is live on the core.
func (m *Manager) saveCurrentLocked() error {
	if m.running == nil {
		return m.host.Save(m.cfg.File)
	}
	v := m.running.vcpu
	if err := v.Ctx.Save(m.cfg.File); err != nil {
		return err
	}
	if err := v.Timer.Restore(m.cfg.File); err != nil {
		return err
	}
	v.frozen = v.Timer.ReadCounter()
	m.running = nil
	return nil
}

// Running returns the guest and VCPU currently on the core, or nil.
func (m *Manager) Running() (*Guest, *VCPU) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running == nil {
		return nil, nil
	}
	return m.running.guest, m.running.vcpu
}

// HandleFPTrap services a floating-point trap taken while the current VCPU
// was running: the previous owner's vector file is spilled, the current
// VCPU's is loaded, and the trap is disarmed.
func (m *Manager) HandleFPTrap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running == nil {
		return ErrNothingActive
	}
	return m.fp.HandleTrap(m.cfg.File, m.running.vcpu.Ctx)
}

// HandleStage2Fault services a trapped guest memory access from its
// syndrome and faulting address. Translation faults on addresses a
// MemorySource can back are repaired by mapping the frame and returning nil
// so the guest retries. Everything else is surfaced to the fault handler
// and returned as the classified fault.
func (m *Manager) HandleStage2Fault(esr uint64, addr hv.GuestPhys) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running == nil {
		return ErrNothingActive
	}
	g := m.running.guest
	defer trace.Span(traceS2Fault, uint8(g.gasid))()

	f, ok := stage2.DecodeSyndrome(esr, addr)
	if !ok {
		return fmt.Errorf("vmm: syndrome %#x is not a guest memory fault", esr)
	}

	if f.Kind == stage2.FaultTranslation && m.cfg.Source != nil {
		page := hv.GuestPhys(uint64(addr) &^ (stage2.GranuleSize - 1))
		if hpa, attrs, backed := m.cfg.Source.ResolveFrame(g.gasid, page); backed {
			if err := g.Mem.Map(page, hpa, stage2.GranuleSize, attrs); err != nil {
				return fmt.Errorf("vmm: lazy map %#x: %w", page, err)
			}
			m.log.Debug("lazy-mapped guest page", "gasid", uint8(g.gasid), "ipa", fmt.Sprintf("%#x", page))
			return nil
		}
	}

	if m.cfg.Faults != nil {
		m.cfg.Faults.GuestMemoryError(hv.MemoryFault{
			Gasid:   g.gasid,
			Addr:    addr,
			Write:   f.Write,
			Fetch:   f.Fetch,
			Level:   f.Level,
			Blocked: f.Kind == stage2.FaultPermission,
		})
	}
	return f
}

// HandleTimerIRQ dispatches a physical timer interrupt. An expired slice
// timer tells the scheduler its slice is over; an expired virtual timer is
// injected into the running VCPU. Both are one-shot until re-armed.
func (m *Manager) HandleTimerIRQ() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer trace.Span(traceTimerIRQ, 0)()

	if _, fired := m.hyp.AcknowledgePhysIRQ(); fired {
		if m.cfg.Scheduler != nil {
			m.cfg.Scheduler.SliceExpired(m.cfg.CoreID)
		}
	}

	if m.running == nil {
		return nil
	}
	if ev, fired := m.running.vcpu.Timer.AcknowledgePhysIRQ(); fired {
		if m.cfg.Injector == nil {
			return errors.New("vmm: timer expired with no interrupt injector")
		}
		return m.cfg.Injector.InjectVirtualInterrupt(m.running.vcpu.Ctx.ID, ev.IRQ)
	}
	return nil
}

func physicalNow(c sysreg.CounterSource) uint64 {
	if c == nil {
		return 0
	}
	return c.Now() & sysreg.CounterMask
}
