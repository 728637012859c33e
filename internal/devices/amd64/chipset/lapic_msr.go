package chipset

import "fmt"

// IA32APICBaseMSR is the MSR index the hypervisor should trap to
// LAPIC.ReadBaseMSR / LAPIC.WriteBaseMSR (spec.md §6 "MSR").
const IA32APICBaseMSR uint32 = 0x0000001B

// Bits of the base-address MSR (spec.md §3 "Base-Address MSR").
const (
	baseMSRBootstrapCPU uint64 = 1 << 8
	baseMSREnable       uint64 = 1 << 11
	baseMSRAddressMask  uint64 = 0x000000FFFFFFF000 // bits 12..51: 40-bit physical base
)

// ReadBaseMSR returns the full 64-bit IA32_APIC_BASE value.
func (l *LAPIC) ReadBaseMSR() uint64 {
	return l.baseMSR
}

// MMIORehook is implemented by hypervisor backends that can move an
// already-registered MMIO window at runtime. Host-side memory-region
// registration plumbing is explicitly out of scope for this core
// (spec.md §1), so WriteBaseMSR calls it best-effort: a backend that
// doesn't implement it (the common case in this package's tests) simply
// gets its new base tracked internally, and MMIORegions() reflects it for
// whatever wiring code re-adds the device.
type MMIORehook interface {
	RehookMMIO(old, new_ MMIORegionSpec) error
}

// MMIORegionSpec mirrors hv.MMIORegion without importing hv into every
// caller of WriteBaseMSR (tests construct LAPICs without a VirtualMachine).
type MMIORegionSpec struct {
	Address uint64
	Size    uint64
}

// WriteBaseMSR updates the base-address MSR. Exactly one 4 KiB region is
// ever mapped per LAPIC: the old base is logically unhooked and the new one
// hooked, per spec.md §3's invariant.
func (l *LAPIC) WriteBaseMSR(value uint64, rehook MMIORehook) error {
	old := MMIORegionSpec{Address: l.currentBase(), Size: LAPICMMIOWindowSize}

	// The bootstrap-CPU bit is read-only hardware state, not guest-settable.
	if l.id == 0 {
		value |= baseMSRBootstrapCPU
	} else {
		value &^= baseMSRBootstrapCPU
	}
	l.baseMSR = value

	if rehook == nil {
		return nil
	}
	newRegion := MMIORegionSpec{Address: l.currentBase(), Size: LAPICMMIOWindowSize}
	if newRegion == old {
		return nil
	}
	if err := rehook.RehookMMIO(old, newRegion); err != nil {
		return fmt.Errorf("lapic %d: rehook MMIO base 0x%x -> 0x%x: %w", l.id, old.Address, newRegion.Address, err)
	}
	return nil
}
