package chipset

import (
	"encoding/binary"
	"errors"
	"testing"
)

type fakeVCPU struct {
	kicked   int
	resetTo  uint8
	resetOk  bool
	resetErr error
}

func (f *fakeVCPU) InterruptHostThread() { f.kicked++ }

func (f *fakeVCPU) ResetToStartupVector(vector uint8) error {
	if f.resetErr != nil {
		return f.resetErr
	}
	f.resetTo = vector
	f.resetOk = true
	return nil
}

func newTestSet(n int) (*LAPICSet, []*fakeVCPU) {
	vcpus := make([]*fakeVCPU, n)
	handles := make([]VCPUHandle, n)
	for i := range vcpus {
		vcpus[i] = &fakeVCPU{}
		handles[i] = vcpus[i]
	}
	return NewLAPICSet(handles), vcpus
}

func readReg(t *testing.T, l *LAPIC, offset uint32) uint32 {
	t.Helper()
	buf := make([]byte, 4)
	if err := l.ReadMMIO(nil, l.currentBase()+uint64(offset), buf); err != nil {
		t.Fatalf("read 0x%x: %v", offset, err)
	}
	return binary.LittleEndian.Uint32(buf)
}

func writeReg(t *testing.T, l *LAPIC, offset uint32, value uint32) error {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	return l.WriteMMIO(nil, l.currentBase()+uint64(offset), buf)
}

func TestLAPICIdentityAndVersion(t *testing.T) {
	set, _ := newTestSet(2)
	l1 := set.LAPIC(1)
	if got := readReg(t, l1, regIdentity); got != 1 {
		t.Fatalf("identity = %d, want 1", got)
	}
	if got := readReg(t, l1, regVersion); got != lapicVersion {
		t.Fatalf("version = 0x%x, want 0x%x", got, lapicVersion)
	}
}

func TestLAPICRaiseAndAcknowledge(t *testing.T) {
	set, _ := newTestSet(1)
	l := set.LAPIC(0)

	if err := set.RaiseInterrupt(0, 0x40); err != nil {
		t.Fatalf("RaiseInterrupt: %v", err)
	}
	if !set.Pending(0) {
		t.Fatalf("expected pending interrupt")
	}
	if got := set.Highest(0); got != 0x40 {
		t.Fatalf("Highest = %d, want 0x40", got)
	}

	set.Begin(0, 0x40)
	if l.irr.test(0x40) {
		t.Fatalf("IRR still set after begin")
	}
	if !l.isr.test(0x40) {
		t.Fatalf("ISR not set after begin")
	}

	if err := writeReg(t, l, regEOI, 0); err != nil {
		t.Fatalf("EOI write: %v", err)
	}
	if l.isr.test(0x40) {
		t.Fatalf("ISR still set after EOI")
	}
}

func TestLAPICRejectsReservedVector(t *testing.T) {
	set, _ := newTestSet(1)
	err := set.RaiseInterrupt(0, 5)
	if !errors.Is(err, ErrInvalidVector) {
		t.Fatalf("expected ErrInvalidVector, got %v", err)
	}
}

func TestLAPICCoalescesDuplicateRaise(t *testing.T) {
	set, _ := newTestSet(1)
	l := set.LAPIC(0)

	first, err := l.raise(0x30)
	if err != nil || !first {
		t.Fatalf("first raise: newlyRaised=%v err=%v", first, err)
	}
	second, err := l.raise(0x30)
	if err != nil || second {
		t.Fatalf("second raise should coalesce: newlyRaised=%v err=%v", second, err)
	}
}

func TestLAPICHighestPicksTopVector(t *testing.T) {
	set, _ := newTestSet(1)
	l := set.LAPIC(0)
	l.irr.set(0x20)
	l.irr.set(0x90)
	l.irr.set(0x40)
	if got := l.highestIRR(); got != 0x90 {
		t.Fatalf("highestIRR = 0x%x, want 0x90", got)
	}
}

func TestLAPICSpuriousVectorReadWrite(t *testing.T) {
	set, _ := newTestSet(1)
	l := set.LAPIC(0)
	if got := readReg(t, l, regSpuriousVector); got != defaultSpuriousVector {
		t.Fatalf("default spurious vector = 0x%x, want 0x%x", got, defaultSpuriousVector)
	}
	if err := writeReg(t, l, regSpuriousVector, 0x2FF); err != nil {
		t.Fatalf("write spurious vector: %v", err)
	}
	if got := readReg(t, l, regSpuriousVector); got != 0x2FF {
		t.Fatalf("spurious vector = 0x%x, want 0x2ff", got)
	}
}

func TestLAPICReadOnlyRegistersRejectWrites(t *testing.T) {
	set, _ := newTestSet(1)
	l := set.LAPIC(0)
	for _, offset := range []uint32{regVersion, regArbitrationPriority, regProcessorPriority, regTimerCurrentCount} {
		if err := writeReg(t, l, offset, 1); !errors.Is(err, ErrReadOnly) {
			t.Fatalf("offset 0x%x: expected ErrReadOnly, got %v", offset, err)
		}
	}
}

func TestLAPICMMIODisabledWhenAPICDisabled(t *testing.T) {
	set, _ := newTestSet(1)
	l := set.LAPIC(0)
	l.baseMSR &^= baseMSREnable

	buf := make([]byte, 4)
	if err := l.ReadMMIO(nil, l.currentBase()+regVersion, buf); !errors.Is(err, ErrDisabledAPIC) {
		t.Fatalf("expected ErrDisabledAPIC, got %v", err)
	}
}

func TestLAPICWriteRejectsNon4ByteAccess(t *testing.T) {
	set, _ := newTestSet(1)
	l := set.LAPIC(0)
	if err := l.WriteMMIO(nil, l.currentBase()+regSpuriousVector, []byte{1, 2}); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

func TestLAPICIdentityRewriteReindexes(t *testing.T) {
	set, _ := newTestSet(3)
	l1 := set.LAPIC(1)
	if err := writeReg(t, l1, regIdentity, 9); err != nil {
		t.Fatalf("write identity: %v", err)
	}
	dst, err := set.findPhysical(9)
	if err != nil {
		t.Fatalf("findPhysical(9): %v", err)
	}
	if dst != l1 {
		t.Fatalf("findPhysical(9) did not return the rewritten LAPIC")
	}
}
