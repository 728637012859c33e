package chipset

import "testing"

type captureRehook struct {
	old, new_ MMIORegionSpec
	called    bool
}

func (c *captureRehook) RehookMMIO(old, new_ MMIORegionSpec) error {
	c.old, c.new_ = old, new_
	c.called = true
	return nil
}

func TestLAPICWriteBaseMSRRehooksOnAddressChange(t *testing.T) {
	set, _ := newTestSet(1)
	l := set.LAPIC(0)
	rehook := &captureRehook{}

	newBase := uint64(0xFEC80000) | baseMSREnable
	if err := l.WriteBaseMSR(newBase, rehook); err != nil {
		t.Fatalf("WriteBaseMSR: %v", err)
	}
	if !rehook.called {
		t.Fatalf("expected rehook to be invoked on base change")
	}
	if rehook.new_.Address != 0xFEC80000 {
		t.Fatalf("new region address = 0x%x, want 0xfec80000", rehook.new_.Address)
	}
	if l.currentBase() != 0xFEC80000 {
		t.Fatalf("currentBase() = 0x%x, want 0xfec80000", l.currentBase())
	}
}

func TestLAPICWriteBaseMSRForcesBSPBit(t *testing.T) {
	set, _ := newTestSet(2)
	bsp := set.LAPIC(0)
	ap := set.LAPIC(1)

	if err := bsp.WriteBaseMSR(baseMSREnable, nil); err != nil {
		t.Fatalf("WriteBaseMSR(bsp): %v", err)
	}
	if bsp.ReadBaseMSR()&baseMSRBootstrapCPU == 0 {
		t.Fatalf("expected BSP bit forced set on LAPIC 0")
	}

	if err := ap.WriteBaseMSR(baseMSREnable|baseMSRBootstrapCPU, nil); err != nil {
		t.Fatalf("WriteBaseMSR(ap): %v", err)
	}
	if ap.ReadBaseMSR()&baseMSRBootstrapCPU != 0 {
		t.Fatalf("expected BSP bit forced clear on non-zero LAPIC id")
	}
}

func TestLAPICWriteBaseMSRNilRehookIsSafe(t *testing.T) {
	set, _ := newTestSet(1)
	l := set.LAPIC(0)
	if err := l.WriteBaseMSR(0xFEE00000|baseMSREnable, nil); err != nil {
		t.Fatalf("WriteBaseMSR with nil rehook: %v", err)
	}
}
