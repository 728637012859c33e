package chipset

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vlapic/internal/hv"
)

// LAPICMMIOWindowSize is the size of the per-vCPU register-bank page.
const LAPICMMIOWindowSize uint64 = 0x1000

// DefaultLAPICBaseAddress is the architectural default physical base for
// LAPIC 0's register bank, matching IA32_APIC_BASE's reset value.
const DefaultLAPICBaseAddress uint64 = 0xFEE00000

// Register offsets within the 4 KiB bank (spec.md §6).
const (
	regIdentity            = 0x020
	regVersion             = 0x030
	regTaskPriority        = 0x080
	regArbitrationPriority = 0x090
	regProcessorPriority   = 0x0A0
	regEOI                 = 0x0B0
	regLogicalDestination  = 0x0D0
	regDestinationFormat   = 0x0E0
	regSpuriousVector      = 0x0F0
	regISRBase             = 0x100
	regTMRBase             = 0x180
	regIRRBase             = 0x200
	regBitmapWindowSize    = 0x80 // 8 subwords * 16-byte stride
	regErrorStatus         = 0x280
	regICRLow              = 0x300
	regICRHigh             = 0x310
	regLVTTimer            = 0x320
	regLVTThermal          = 0x330
	regLVTPerf             = 0x340
	regLVTLint0            = 0x350
	regLVTLint1            = 0x360
	regLVTError            = 0x370
	regTimerInitialCount   = 0x380
	regTimerCurrentCount   = 0x390
	regTimerDivideConfig   = 0x3E0

	bitmapSubwordStride = 0x10
)

const (
	lapicVersion          uint32 = 0x80050010
	defaultDestinationFmt uint32 = 0xFFFFFFFF
	// spec.md §6's register table pins this bit-exact: "Spurious Interrupt
	// Vector (init 0xFF)".
	defaultSpuriousVector uint32 = 0xFF
	defaultLVTTimer       uint32 = 0x00010000
)

// localVectorSource identifies one of the six internal interrupt sources
// described in spec.md §4.3.
type localVectorSource int

const (
	sourceTimer localVectorSource = iota
	sourceThermal
	sourcePerf
	sourceLint0
	sourceLint1
	sourceError
)

// LAPIC is the per-vCPU Local APIC register bank and vector-bitmap state
// described in spec.md §3 ("LAPIC State"). Register-bank fields are
// touched exclusively by the owning vCPU's MMIO-exit thread and need no
// lock of their own (spec.md §5); logicalDestination, destinationFormat,
// and taskPriority are read cross-LAPIC by the IPI router and are
// protected by the owning LAPICSet's stateLock instead.
type LAPIC struct {
	set   *LAPICSet
	index int
	vcpu  VCPUHandle

	id      uint8
	baseMSR uint64

	logicalDestination uint32 // guarded by set.stateLock
	destinationFormat  uint32 // guarded by set.stateLock
	taskPriority       uint32 // guarded by set.stateLock

	spuriousVector   uint32
	errorStatus      uint32
	errorAccumulator uint32

	irr, isr, ier, tmr vectorBitmap

	lvt [6]lvtEntry

	timerInitialCount uint32
	timerCurrentCount uint32
	timerDivide       uint8
	timerMode         timerMode
	timerMissedInts   uint64

	icrLow, icrHigh uint32

	lifecycle lifecycleState

	queue *irqQueue
}

func newLAPIC(set *LAPICSet, index int, id uint8, vcpu VCPUHandle) *LAPIC {
	l := &LAPIC{
		set:     set,
		index:   index,
		vcpu:    vcpu,
		id:      id,
		baseMSR: DefaultLAPICBaseAddress,

		destinationFormat: defaultDestinationFmt,
		spuriousVector:    defaultSpuriousVector,

		lifecycle: lifecycleInit,

		queue: newIRQQueue(),
	}
	l.lvt[sourceTimer] = lvtEntry(defaultLVTTimer)
	// All vectors are enabled by default: the emulator's IER bitmap is an
	// internal mask for vector delivery, not a guest-visible register
	// (spec.md's MMIO table exposes no IER offset), so it starts fully set.
	for i := range l.ier {
		l.ier[i] = 0xFFFFFFFF
	}
	if id == 0 {
		l.baseMSR |= baseMSRBootstrapCPU
	}
	l.baseMSR |= baseMSREnable
	return l
}

// ID returns this LAPIC's identity register value.
func (l *LAPIC) ID() uint8 { return l.id }

// State returns the current INIT/SIPI/STARTED lifecycle state.
func (l *LAPIC) State() lifecycleState { return l.lifecycle }

// apicEnabled reports whether MMIO access is architecturally legal.
func (l *LAPIC) apicEnabled() bool {
	return l.baseMSR&baseMSREnable != 0
}

// currentBase returns the 40-bit physical base currently in effect.
func (l *LAPIC) currentBase() uint64 {
	return l.baseMSR & baseMSRAddressMask
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (l *LAPIC) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: l.currentBase(), Size: LAPICMMIOWindowSize}}
}

// Init implements hv.Device.
func (l *LAPIC) Init(vm hv.VirtualMachine) error {
	_ = vm
	return nil
}

func (l *LAPIC) inRange(addr, size uint64) bool {
	base := l.currentBase()
	if addr < base {
		return false
	}
	return addr+size <= base+LAPICMMIOWindowSize
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (l *LAPIC) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	_ = ctx
	if !l.apicEnabled() {
		return fmt.Errorf("lapic %d: %w", l.id, ErrDisabledAPIC)
	}
	if !l.inRange(addr, uint64(len(data))) {
		return fmt.Errorf("lapic %d: read outside MMIO window: 0x%x", l.id, addr)
	}
	n := len(data)
	if n != 1 && n != 2 && n != 4 {
		return fmt.Errorf("lapic %d: %w: read size %d", l.id, ErrInvalidLength, n)
	}

	offset := uint32(addr - l.currentBase())
	regOffset := offset &^ 0x3
	subOffset := offset & 0x3
	if subOffset+uint32(n) > 4 {
		return fmt.Errorf("lapic %d: %w: read crosses register boundary at 0x%x", l.id, ErrInvalidLength, offset)
	}

	value, err := l.readRegister(regOffset)
	if err != nil {
		return err
	}

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	copy(data, buf[subOffset:subOffset+uint32(n)])
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (l *LAPIC) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	_ = ctx
	if !l.apicEnabled() {
		return fmt.Errorf("lapic %d: %w", l.id, ErrDisabledAPIC)
	}
	if !l.inRange(addr, uint64(len(data))) {
		return fmt.Errorf("lapic %d: write outside MMIO window: 0x%x", l.id, addr)
	}
	if len(data) != 4 {
		return fmt.Errorf("lapic %d: %w: writes must be 4 bytes, got %d", l.id, ErrInvalidLength, len(data))
	}
	offset := uint32(addr - l.currentBase())
	if offset&0x3 != 0 {
		return fmt.Errorf("lapic %d: %w: unaligned write at 0x%x", l.id, ErrInvalidLength, offset)
	}
	value := binary.LittleEndian.Uint32(data)
	return l.writeRegister(offset, value)
}

func bitmapWindow(bank *vectorBitmap, regOffset, base uint32) (uint32, bool) {
	if regOffset < base || regOffset >= base+regBitmapWindowSize {
		return 0, false
	}
	if (regOffset-base)%bitmapSubwordStride != 0 {
		return 0, false
	}
	idx := (regOffset - base) / bitmapSubwordStride
	return bank[idx], true
}

func (l *LAPIC) readRegister(offset uint32) (uint32, error) {
	switch offset {
	case regIdentity:
		return uint32(l.id), nil
	case regVersion:
		return lapicVersion, nil
	case regTaskPriority:
		l.set.stateLock.RLock()
		defer l.set.stateLock.RUnlock()
		return l.taskPriority, nil
	case regArbitrationPriority:
		// Left at zero; this emulator does not model bus-arbitration
		// priority (spec.md §9 Open Questions, Non-goals §1).
		return 0, nil
	case regProcessorPriority:
		// Left at zero: this core uses raw vector comparison, not the
		// TPR/PPR ladder, for pending/acknowledgement decisions (§4.1).
		return 0, nil
	case regEOI:
		// Architecturally write-only; guests that read it get zero.
		return 0, nil
	case regLogicalDestination:
		l.set.stateLock.RLock()
		defer l.set.stateLock.RUnlock()
		return l.logicalDestination, nil
	case regDestinationFormat:
		l.set.stateLock.RLock()
		defer l.set.stateLock.RUnlock()
		return l.destinationFormat, nil
	case regSpuriousVector:
		return l.spuriousVector, nil
	case regErrorStatus:
		return l.errorStatus, nil
	case regICRLow:
		return l.icrLow, nil
	case regICRHigh:
		return l.icrHigh, nil
	case regLVTTimer:
		return uint32(l.lvt[sourceTimer]), nil
	case regLVTThermal:
		return uint32(l.lvt[sourceThermal]), nil
	case regLVTPerf:
		return uint32(l.lvt[sourcePerf]), nil
	case regLVTLint0:
		return uint32(l.lvt[sourceLint0]), nil
	case regLVTLint1:
		return uint32(l.lvt[sourceLint1]), nil
	case regLVTError:
		return uint32(l.lvt[sourceError]), nil
	case regTimerInitialCount:
		return l.timerInitialCount, nil
	case regTimerCurrentCount:
		return l.timerCurrentCount, nil
	case regTimerDivideConfig:
		return uint32(l.timerDivide), nil
	}

	if word, ok := bitmapWindow(&l.isr, offset, regISRBase); ok {
		return word, nil
	}
	if word, ok := bitmapWindow(&l.tmr, offset, regTMRBase); ok {
		return word, nil
	}
	if word, ok := bitmapWindow(&l.irr, offset, regIRRBase); ok {
		return word, nil
	}

	return 0, fmt.Errorf("lapic %d: %w: offset 0x%x", l.id, ErrUnhandled, offset)
}

func (l *LAPIC) writeRegister(offset uint32, value uint32) error {
	switch offset {
	case regIdentity:
		l.id = uint8(value)
		l.set.reindexIdentity(l.index, l.id)
		return nil
	case regVersion, regArbitrationPriority, regProcessorPriority:
		return fmt.Errorf("lapic %d: %w: offset 0x%x", l.id, ErrReadOnly, offset)
	case regEOI:
		l.handleEOI()
		return nil
	case regTaskPriority:
		l.set.stateLock.Lock()
		l.taskPriority = value
		l.set.stateLock.Unlock()
		return nil
	case regLogicalDestination:
		l.set.stateLock.Lock()
		l.logicalDestination = value
		l.set.stateLock.Unlock()
		return nil
	case regDestinationFormat:
		l.set.stateLock.Lock()
		l.destinationFormat = value
		l.set.stateLock.Unlock()
		return nil
	case regSpuriousVector:
		l.spuriousVector = value
		return nil
	case regErrorStatus:
		// Writing ERR_STATUS latches the previous accumulated error value
		// into the readable register and clears the accumulator, matching
		// the architectural double-buffered behavior; IPI routing failures
		// never populate the accumulator themselves (spec.md §7).
		l.errorStatus = l.errorAccumulator
		l.errorAccumulator = 0
		return nil
	case regICRLow:
		l.icrLow = value
		return l.triggerICR()
	case regICRHigh:
		l.icrHigh = value
		return nil
	case regLVTTimer:
		l.lvt[sourceTimer] = lvtEntry(value)
		return nil
	case regLVTThermal:
		l.lvt[sourceThermal] = lvtEntry(value)
		return nil
	case regLVTPerf:
		l.lvt[sourcePerf] = lvtEntry(value)
		return nil
	case regLVTLint0:
		l.lvt[sourceLint0] = lvtEntry(value)
		return nil
	case regLVTLint1:
		l.lvt[sourceLint1] = lvtEntry(value)
		return nil
	case regLVTError:
		l.lvt[sourceError] = lvtEntry(value)
		return nil
	case regTimerInitialCount:
		// Write-triggered: also (re)loads the current counter (spec.md §4.6,
		// §8 "writing the timer initial count to N sets current count to N").
		l.timerInitialCount = value
		l.timerCurrentCount = value
		return nil
	case regTimerCurrentCount:
		return fmt.Errorf("lapic %d: %w: offset 0x%x", l.id, ErrReadOnly, offset)
	case regTimerDivideConfig:
		l.timerDivide = uint8(value & 0x7)
		return nil
	}

	if _, ok := bitmapWindow(&l.isr, offset, regISRBase); ok {
		return fmt.Errorf("lapic %d: %w: offset 0x%x", l.id, ErrReadOnly, offset)
	}
	if _, ok := bitmapWindow(&l.tmr, offset, regTMRBase); ok {
		return fmt.Errorf("lapic %d: %w: offset 0x%x", l.id, ErrReadOnly, offset)
	}
	if _, ok := bitmapWindow(&l.irr, offset, regIRRBase); ok {
		return fmt.Errorf("lapic %d: %w: offset 0x%x", l.id, ErrReadOnly, offset)
	}

	return fmt.Errorf("lapic %d: %w: offset 0x%x", l.id, ErrUnhandled, offset)
}

// raise implements the set(vec) operation of spec.md §4.1: mask-checked,
// coalescing, reserved-vector-rejecting IRR set. It returns (newlyRaised,
// err): err is ErrInvalidVector for vectors 0..15, newlyRaised is false
// both when the vector is masked off and when it coalesces against an
// already-set IRR bit.
func (l *LAPIC) raise(vector uint8) (bool, error) {
	if reservedVector(vector) {
		return false, fmt.Errorf("lapic %d: %w: vector %d", l.id, ErrInvalidVector, vector)
	}
	if !l.ier.test(vector) {
		return false, nil
	}
	if l.irr.test(vector) {
		return false, nil
	}
	l.irr.set(vector)
	return true, nil
}

// SpuriousVector returns the vector field of the spurious-interrupt vector
// register, for a hypervisor injection path that needs a fallback vector
// when nothing is otherwise eligible.
func (l *LAPIC) SpuriousVector() uint8 {
	return uint8(l.spuriousVector & 0xFF)
}

// pending implements the hypervisor-facing predicate: drain the queue into
// IRR, then report whether an unacknowledged vector outranks whatever is
// currently in service (spec.md §6, §8: "pending returns true iff
// highest_irr() > highest_isr()", with no other gate).
func (l *LAPIC) pending() bool {
	l.queue.drainInto(&l.irr, &l.ier)
	return l.highestIRR() > l.highestISR()
}

func (l *LAPIC) highestIRR() int { return l.irr.highest() }
func (l *LAPIC) highestISR() int { return l.isr.highest() }

// highest returns the vector the hypervisor should inject, or -1.
func (l *LAPIC) highest() int {
	irr, isr := l.highestIRR(), l.highestISR()
	if irr > isr {
		return irr
	}
	return -1
}

// begin implements the "begin IRQ" entry point of spec.md §4.2: promote a
// vector from IRR to ISR, but only if the LAPIC actually originated it.
func (l *LAPIC) begin(vector uint8) {
	if !l.irr.test(vector) {
		return
	}
	l.irr.clear(vector)
	l.isr.set(vector)
}

// handleEOI implements spec.md §4.2: clear the highest ISR bit, or do
// nothing if ISR is already empty (spurious EOI).
func (l *LAPIC) handleEOI() {
	top := l.isr.highest()
	if top < 0 {
		return
	}
	l.isr.clear(uint8(top))
}

// activateSource implements internal vector routing for one of the six
// local sources (spec.md §4.3).
func (l *LAPIC) activateSource(src localVectorSource) error {
	entry := l.lvt[src]
	if entry.masked() {
		return nil
	}
	mode := entry.deliveryMode()
	// Timer and error sources use fixed delivery implicitly regardless of
	// the programmed field, per spec.md §4.3.
	if src == sourceTimer || src == sourceError {
		mode = deliveryModeFixed
	}
	if mode != deliveryModeFixed {
		return fmt.Errorf("lapic %d: %w: local source delivery mode %d", l.id, ErrUnsupportedDeliveryMode, mode)
	}
	l.queue.push(uint32(entry.vector()))
	return nil
}

var (
	_ hv.Device               = (*LAPIC)(nil)
	_ hv.MemoryMappedIODevice = (*LAPIC)(nil)
)
