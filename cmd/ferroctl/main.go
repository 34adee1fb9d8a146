// ferroctl exercises the virtualization core against an emulated register
// file: it loads a board description, brings a core into hypervisor
// operation, creates a guest, and walks a map/translate/unmap cycle,
// printing the register programming at each step.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/zcxGGmu/ferrovisor/internal/hv"
	"github.com/zcxGGmu/ferrovisor/internal/hv/el2"
	"github.com/zcxGGmu/ferrovisor/internal/hv/gasid"
	"github.com/zcxGGmu/ferrovisor/internal/hv/hostmem"
	"github.com/zcxGGmu/ferrovisor/internal/hv/intc"
	"github.com/zcxGGmu/ferrovisor/internal/hv/stage2"
	"github.com/zcxGGmu/ferrovisor/internal/hv/sysreg"
	"github.com/zcxGGmu/ferrovisor/internal/hv/trace"
	"github.com/zcxGGmu/ferrovisor/internal/hv/vmm"
	"github.com/zcxGGmu/ferrovisor/internal/platform"
)

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	board := fs.String("board", "", "Board description file (YAML); defaults apply when empty")
	guestMem := fs.Uint64("guest-mem", 16*1024*1024, "Guest memory to map, in bytes")
	traceFile := fs.String("trace", "", "Record hypervisor events to this file")
	verbose := fs.Bool("verbose", false, "Enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if *traceFile != "" {
		f, err := os.Create(*traceFile)
		if err != nil {
			return err
		}
		defer f.Close()
		rec, err := trace.StartRecording(f)
		if err != nil {
			return err
		}
		defer rec.Close()
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	desc := platform.Default()
	if *board != "" {
		var err error
		if desc, err = platform.Load(*board); err != nil {
			return err
		}
	}
	log.Info("board description",
		"counter_freq", desc.CounterFreq,
		"vtimer_irq", desc.VTimerIRQ,
		"htimer_irq", desc.HTimerIRQ,
		"ram_windows", len(desc.RAM))

	counter := &sysreg.ManualCounter{}
	file := sysreg.NewFile(hv.LevelHypervisor, counter)
	if err := el2.Init(file, log); err != nil {
		return err
	}
	hcr, _ := file.Read(sysreg.HcrEl2)
	vtcr, _ := file.Read(sysreg.VtcrEl2)
	fmt.Printf("HCR_EL2  = %#018x\n", hcr)
	fmt.Printf("VTCR_EL2 = %#018x\n", vtcr)

	pool, err := hostmem.NewPool(desc.TableWindow.Base, desc.TableWindow.Size)
	if err != nil {
		return err
	}
	defer pool.Close()

	mgr, err := vmm.NewManager(vmm.Config{
		Desc:     desc,
		File:     file,
		Counter:  counter,
		Pool:     pool,
		Gasids:   gasid.NewAllocator(),
		Injector: intc.NewDistributor(),
		Log:      log,
	})
	if err != nil {
		return err
	}

	g, err := mgr.CreateGuest("demo", 1)
	if err != nil {
		return err
	}
	fmt.Printf("VTTBR_EL2 = %#018x (gasid %d, root %#x)\n", g.Mem.Vttbr(), g.Gasid(), g.Mem.Root())

	ram := desc.RAM[0]
	if *guestMem > ram.Size {
		return fmt.Errorf("guest memory %#x exceeds RAM window %#x", *guestMem, ram.Size)
	}
	if err := g.Mem.Map(0x4000_0000, ram.Base, *guestMem, stage2.NormalMemory()); err != nil {
		return err
	}
	log.Info("guest memory mapped", "ipa", fmt.Sprintf("%#x", 0x4000_0000), "size", *guestMem)

	res, err := g.Mem.Translate(0x4000_0000 + 0x1000)
	if err != nil {
		return err
	}
	fmt.Printf("translate(0x40001000) = %#x (level %d, %d-byte mapping)\n", res.HPA, res.Level, res.PageSize)

	// One world-switch round trip against the emulated register file.
	if err := mgr.Enter("demo", 0, 1_000_000); err != nil {
		return err
	}
	counter.Advance(1000)
	if err := mgr.Exit(); err != nil {
		return err
	}

	if err := g.Mem.Unmap(0x4000_0000, *guestMem); err != nil {
		return err
	}
	stats := g.Mem.Stats()
	log.Info("cycle complete",
		"walks", stats.Walks,
		"faults", stats.Faults,
		"tlb_invalidations", stats.TLBInvalidations)

	return mgr.DestroyGuest("demo")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ferroctl: %v\n", err)
		os.Exit(1)
	}
}
