package chipset

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vlapic/internal/hv"
)

// VCPUHandle is the LAPIC's non-owning back-reference to its virtual CPU
// descriptor (spec.md §3 "Ownership", §9 "Back-reference from LAPIC to
// virtual CPU"). The vCPU outlives the LAPIC trivially since the LAPIC is
// a child of the VM; this interface exists only so the LAPIC core can ask
// for a host-side kick or a SIPI reset without depending on a concrete
// vCPU type.
type VCPUHandle interface {
	// InterruptHostThread forces the owning vCPU's host thread to exit its
	// guest and re-check its pending-interrupt predicate. Fire-and-forget,
	// no acknowledgement (spec.md §5).
	InterruptHostThread()

	// ResetToStartupVector resets the vCPU's instruction pointer per the
	// Startup IPI's vector field and transitions its run state to RUNNING
	// (spec.md §3 "IPI Lifecycle"). This models the host's black-box
	// reset_vcpu operation behind the VM barrier lock (spec.md §5).
	ResetToStartupVector(vector uint8) error
}

// identityItem is the btree.Item backing LAPICSet.identityIndex: an
// accelerator for the mandated linear physical-destination scan (spec.md
// §4.4 step 3, §9). The linear scan in findPhysical remains the source of
// truth; this index is never load-bearing for correctness and is rebuilt
// whenever a guest rewrites its own identity register.
type identityItem struct {
	id    uint8
	index int
}

func (a identityItem) Less(than btree.Item) bool {
	return a.id < than.(identityItem).id
}

// LAPICSet is the Device State of spec.md §3/§4.4: the contiguous array of
// all per-vCPU LAPICs plus the state-lock that protects cross-LAPIC reads
// of logicalDestination, destinationFormat, and taskPriority.
type LAPICSet struct {
	lapics []*LAPIC

	stateLock sync.RWMutex

	identityIndex *btree.BTree
}

// LAPICSetOption customises LAPICSet construction, mirroring PITOption in
// pit.go.
type LAPICSetOption func(*LAPICSet, []VCPUHandle)

// WithIdentities overrides the default sequential identity assignment
// (spec.md §3 "LAPIC Identity" allows any distinct byte per vCPU, e.g. to
// model a guest-visible topology that skips or reorders APIC IDs). ids must
// be the same length as the vCPU slice passed to NewLAPICSet.
func WithIdentities(ids []uint8) LAPICSetOption {
	return func(set *LAPICSet, vcpus []VCPUHandle) {
		if len(ids) != len(set.lapics) {
			return
		}
		for i, id := range ids {
			set.lapics[i].id = id
		}
		set.identityIndex = btree.New(32)
		for i, l := range set.lapics {
			set.identityIndex.ReplaceOrInsert(identityItem{id: l.id, index: i})
		}
	}
}

// NewLAPICSet builds one LAPIC per entry in vcpus, identities initially
// equal to their vCPU index (spec.md §3 "LAPIC Identity").
func NewLAPICSet(vcpus []VCPUHandle, opts ...LAPICSetOption) *LAPICSet {
	set := &LAPICSet{
		lapics:        make([]*LAPIC, len(vcpus)),
		identityIndex: btree.New(32),
	}
	for i, vcpu := range vcpus {
		set.lapics[i] = newLAPIC(set, i, uint8(i), vcpu)
		set.identityIndex.ReplaceOrInsert(identityItem{id: uint8(i), index: i})
	}
	for _, opt := range opts {
		opt(set, vcpus)
	}
	return set
}

// reindexIdentity updates the accelerator index after a guest rewrites its
// own identity register at runtime (legal but rare per spec.md §3).
func (s *LAPICSet) reindexIdentity(index int, newID uint8) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	var stale btree.Item
	s.identityIndex.Ascend(func(i btree.Item) bool {
		if i.(identityItem).index == index {
			stale = i
			return false
		}
		return true
	})
	if stale != nil {
		s.identityIndex.Delete(stale)
	}
	s.identityIndex.ReplaceOrInsert(identityItem{id: newID, index: index})
}

// LAPIC returns the per-vCPU LAPIC at index, or nil if out of range.
func (s *LAPICSet) LAPIC(index int) *LAPIC {
	if index < 0 || index >= len(s.lapics) {
		return nil
	}
	return s.lapics[index]
}

// Len reports the number of LAPICs (== vCPU count).
func (s *LAPICSet) Len() int { return len(s.lapics) }

// Devices returns every LAPIC as an hv.MemoryMappedIODevice, for callers
// wiring the set into a VirtualMachine with AddDevice, the same way
// internal/cmd/quest wires a chipset.IOAPIC.
func (s *LAPICSet) Devices() []hv.MemoryMappedIODevice {
	out := make([]hv.MemoryMappedIODevice, len(s.lapics))
	for i, l := range s.lapics {
		out[i] = l
	}
	return out
}

// --- Interrupt-controller contract (spec.md §6) ---

// Pending implements `pending(vcpu) -> bool`.
func (s *LAPICSet) Pending(vcpuID int) bool {
	l := s.LAPIC(vcpuID)
	if l == nil {
		return false
	}
	return l.pending()
}

// Highest implements `highest(vcpu) -> int`.
func (s *LAPICSet) Highest(vcpuID int) int {
	l := s.LAPIC(vcpuID)
	if l == nil {
		return -1
	}
	return l.highest()
}

// Begin implements `begin(vcpu, vector)`.
func (s *LAPICSet) Begin(vcpuID int, vector uint8) {
	l := s.LAPIC(vcpuID)
	if l == nil {
		return
	}
	l.begin(vector)
}

// ActivateLocalSource fires one of a LAPIC's six internal sources
// (spec.md §4.3), e.g. from a PIT-style host timer callback driving the
// LINT pins, or from Tick's own timer-vector injection.
func (s *LAPICSet) ActivateLocalSource(vcpuID int, src localVectorSource) error {
	l := s.LAPIC(vcpuID)
	if l == nil {
		return fmt.Errorf("lapic: no such vcpu %d", vcpuID)
	}
	return l.activateSource(src)
}

// BroadcastSelfTest fans a synthetic self/all-shorthand IPI out to every
// LAPIC concurrently and reports the first error, exercising the
// all/all-but-me shorthand path (spec.md §4.4 step 2) under real
// concurrency. It is a diagnostic helper, not part of the guest-facing
// contract.
func (s *LAPICSet) BroadcastSelfTest(ctx context.Context, vector uint8) error {
	g, _ := errgroup.WithContext(ctx)
	for _, dst := range s.lapics {
		dst := dst
		g.Go(func() error {
			if reservedVector(vector) {
				return fmt.Errorf("lapic %d: %w: vector %d", dst.id, ErrInvalidVector, vector)
			}
			dst.queue.push(uint32(vector))
			return nil
		})
	}
	return g.Wait()
}
