package intc

import (
	"sync"
	"testing"
)

func TestInjectAndAcknowledge(t *testing.T) {
	d := NewDistributor()

	if err := d.InjectVirtualInterrupt(0, 27); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if !d.Pending(0, 27) {
		t.Fatal("line not pending after inject")
	}
	if d.Pending(1, 27) {
		t.Error("line pending on the wrong vcpu")
	}

	d.Acknowledge(0, 27)
	if d.Pending(0, 27) {
		t.Error("line still pending after acknowledge")
	}
}

func TestInjectIsIdempotent(t *testing.T) {
	d := NewDistributor()
	d.InjectVirtualInterrupt(0, 27)
	d.InjectVirtualInterrupt(0, 27)

	d.Acknowledge(0, 27)
	if d.Pending(0, 27) {
		t.Error("double inject left a second pending interrupt")
	}
}

func TestAckCallbacks(t *testing.T) {
	d := NewDistributor()
	var got []int
	d.RegisterAckCallback(27, func(vcpuID int) { got = append(got, vcpuID) })

	d.InjectVirtualInterrupt(3, 27)
	d.Acknowledge(3, 27)
	if len(got) != 1 || got[0] != 3 {
		t.Errorf("callbacks = %v, want [3]", got)
	}

	// Acknowledging a non-pending line fires nothing.
	d.Acknowledge(3, 27)
	if len(got) != 1 {
		t.Errorf("spurious acknowledge ran callbacks: %v", got)
	}
}

func TestHasPendingAndDropAll(t *testing.T) {
	d := NewDistributor()
	d.InjectVirtualInterrupt(0, 27)
	d.InjectVirtualInterrupt(0, 30)

	if !d.HasPending(0) {
		t.Fatal("HasPending = false with two lines pending")
	}
	d.DropAll(0)
	if d.HasPending(0) {
		t.Error("lines survive DropAll")
	}
}

func TestConcurrentInject(t *testing.T) {
	d := NewDistributor()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(vcpu int) {
			defer wg.Done()
			for irq := uint32(0); irq < 32; irq++ {
				d.InjectVirtualInterrupt(vcpu, irq)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		if !d.HasPending(i) {
			t.Errorf("vcpu %d has no pending lines", i)
		}
	}
}
