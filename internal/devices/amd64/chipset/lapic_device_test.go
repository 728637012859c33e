package chipset

import (
	"context"
	"testing"
)

func TestNewLAPICSetAssignsSequentialIdentities(t *testing.T) {
	set, _ := newTestSet(4)
	if set.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", set.Len())
	}
	for i := 0; i < 4; i++ {
		if got := set.LAPIC(i).ID(); got != uint8(i) {
			t.Fatalf("LAPIC(%d).ID() = %d, want %d", i, got, i)
		}
	}
}

func TestWithIdentitiesOverridesDefaultAssignment(t *testing.T) {
	vcpus := []VCPUHandle{&fakeVCPU{}, &fakeVCPU{}, &fakeVCPU{}}
	set := NewLAPICSet(vcpus, WithIdentities([]uint8{7, 3, 9}))

	if got := set.LAPIC(0).ID(); got != 7 {
		t.Fatalf("LAPIC(0).ID() = %d, want 7", got)
	}
	dst, err := set.findPhysical(9)
	if err != nil {
		t.Fatalf("findPhysical(9): %v", err)
	}
	if dst != set.LAPIC(2) {
		t.Fatalf("findPhysical(9) did not return LAPIC index 2")
	}
}

func TestLAPICOutOfRangeIndexIsNil(t *testing.T) {
	set, _ := newTestSet(2)
	if set.LAPIC(-1) != nil || set.LAPIC(2) != nil {
		t.Fatalf("expected nil for out-of-range LAPIC index")
	}
}

func TestLAPICSetDevicesExposesAllLAPICs(t *testing.T) {
	set, _ := newTestSet(3)
	devices := set.Devices()
	if len(devices) != 3 {
		t.Fatalf("Devices() len = %d, want 3", len(devices))
	}
}

func TestActivateLocalSourcePushesVector(t *testing.T) {
	set, _ := newTestSet(1)
	l := set.LAPIC(0)
	if err := writeReg(t, l, regLVTLint0, 0x33); err != nil {
		t.Fatalf("lvt lint0: %v", err)
	}
	if err := set.ActivateLocalSource(0, sourceLint0); err != nil {
		t.Fatalf("ActivateLocalSource: %v", err)
	}
	if !set.Pending(0) {
		t.Fatalf("expected pending interrupt after activating LINT0")
	}
	if got := set.Highest(0); got != 0x33 {
		t.Fatalf("Highest(0) = 0x%x, want 0x33", got)
	}
}

func TestActivateLocalSourceUnknownVCPU(t *testing.T) {
	set, _ := newTestSet(1)
	if err := set.ActivateLocalSource(5, sourceError); err == nil {
		t.Fatalf("expected error for out-of-range vcpu id")
	}
}

func TestBroadcastSelfTestRaisesOnEveryLAPIC(t *testing.T) {
	set, _ := newTestSet(4)
	if err := set.BroadcastSelfTest(context.Background(), 0x42); err != nil {
		t.Fatalf("BroadcastSelfTest: %v", err)
	}
	for i := 0; i < 4; i++ {
		if !set.Pending(i) {
			t.Fatalf("LAPIC %d did not receive the broadcast self-test vector", i)
		}
	}
}

func TestBroadcastSelfTestRejectsReservedVector(t *testing.T) {
	set, _ := newTestSet(2)
	if err := set.BroadcastSelfTest(context.Background(), 3); err == nil {
		t.Fatalf("expected an error for a reserved vector")
	}
}
