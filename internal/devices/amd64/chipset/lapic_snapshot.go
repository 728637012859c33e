package chipset

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vlapic/internal/hv"
)

// lapicSnapshot captures everything needed to reconstruct one LAPIC's
// observable state. It intentionally does not define an external byte
// layout (spec.md §1 places checkpoint serialization out of scope); this
// is this module's own gob-encoded representation, mirroring how
// ioapicSnapshot/picSnapshot are defined next to their devices.
type lapicSnapshot struct {
	ID      uint8
	BaseMSR uint64

	LogicalDestination uint32
	DestinationFormat  uint32
	TaskPriority       uint32

	SpuriousVector   uint32
	ErrorStatus      uint32
	ErrorAccumulator uint32

	IRR, ISR, IER, TMR [8]uint32

	LVT [6]uint32

	TimerInitialCount uint32
	TimerCurrentCount uint32
	TimerDivide       uint8
	TimerMode         int
	TimerMissedInts   uint64

	ICRLow, ICRHigh uint32

	Lifecycle int
}

func (l *LAPIC) DeviceId() string {
	return fmt.Sprintf("lapic%d", l.id)
}

func (l *LAPIC) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	l.set.stateLock.RLock()
	defer l.set.stateLock.RUnlock()

	snap := &lapicSnapshot{
		ID:                 l.id,
		BaseMSR:            l.baseMSR,
		LogicalDestination: l.logicalDestination,
		DestinationFormat:  l.destinationFormat,
		TaskPriority:       l.taskPriority,
		SpuriousVector:     l.spuriousVector,
		ErrorStatus:        l.errorStatus,
		ErrorAccumulator:   l.errorAccumulator,
		IRR:                l.irr,
		ISR:                l.isr,
		IER:                l.ier,
		TMR:                l.tmr,
		TimerInitialCount:  l.timerInitialCount,
		TimerCurrentCount:  l.timerCurrentCount,
		TimerDivide:        l.timerDivide,
		TimerMode:          int(l.timerMode),
		TimerMissedInts:    l.timerMissedInts,
		ICRLow:             l.icrLow,
		ICRHigh:            l.icrHigh,
		Lifecycle:          int(l.lifecycle),
	}
	for i, e := range l.lvt {
		snap.LVT[i] = uint32(e)
	}
	return snap, nil
}

func (l *LAPIC) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*lapicSnapshot)
	if !ok {
		return fmt.Errorf("lapic: invalid snapshot type")
	}

	l.set.stateLock.Lock()
	defer l.set.stateLock.Unlock()

	l.id = data.ID
	l.baseMSR = data.BaseMSR
	l.logicalDestination = data.LogicalDestination
	l.destinationFormat = data.DestinationFormat
	l.taskPriority = data.TaskPriority
	l.spuriousVector = data.SpuriousVector
	l.errorStatus = data.ErrorStatus
	l.errorAccumulator = data.ErrorAccumulator
	l.irr = data.IRR
	l.isr = data.ISR
	l.ier = data.IER
	l.tmr = data.TMR
	l.timerInitialCount = data.TimerInitialCount
	l.timerCurrentCount = data.TimerCurrentCount
	l.timerDivide = data.TimerDivide
	l.timerMode = timerMode(data.TimerMode)
	l.timerMissedInts = data.TimerMissedInts
	l.icrLow = data.ICRLow
	l.icrHigh = data.ICRHigh
	l.lifecycle = lifecycleState(data.Lifecycle)
	for i, v := range data.LVT {
		l.lvt[i] = lvtEntry(v)
	}
	return nil
}

var _ hv.DeviceSnapshotter = (*LAPIC)(nil)

// lapicYAMLDump is the shape of LAPIC.DumpYAML's output: a best-effort,
// human-readable register dump for developers inspecting a hung guest
// boot. It is not part of the checkpoint format (see lapicSnapshot) and is
// never parsed back in, only emitted.
type lapicYAMLDump struct {
	ID        uint8  `yaml:"id"`
	Lifecycle string `yaml:"lifecycle"`
	BaseMSR   string `yaml:"base_msr"`

	HighestIRR int `yaml:"highest_irr"`
	HighestISR int `yaml:"highest_isr"`

	TaskPriority       uint32 `yaml:"task_priority"`
	LogicalDestination uint32 `yaml:"logical_destination"`
	DestinationFormat  uint32 `yaml:"destination_format"`
	SpuriousVector     uint32 `yaml:"spurious_vector"`

	TimerInitialCount uint32 `yaml:"timer_initial_count"`
	TimerCurrentCount uint32 `yaml:"timer_current_count"`
	TimerMissedInts   uint64 `yaml:"timer_missed_interrupts"`
	QueueDepth        int    `yaml:"queue_depth"`
}

// DumpYAML renders this LAPIC's register file as YAML for debugging. It
// takes the state-lock only for the fields that require it, like the rest
// of the core.
func (l *LAPIC) DumpYAML() ([]byte, error) {
	l.set.stateLock.RLock()
	taskPriority := l.taskPriority
	logicalDestination := l.logicalDestination
	destinationFormat := l.destinationFormat
	l.set.stateLock.RUnlock()

	dump := lapicYAMLDump{
		ID:                 l.id,
		Lifecycle:          l.lifecycle.String(),
		BaseMSR:            fmt.Sprintf("0x%016x", l.baseMSR),
		HighestIRR:         l.highestIRR(),
		HighestISR:         l.highestISR(),
		TaskPriority:       taskPriority,
		LogicalDestination: logicalDestination,
		DestinationFormat:  destinationFormat,
		SpuriousVector:     l.spuriousVector,
		TimerInitialCount:  l.timerInitialCount,
		TimerCurrentCount:  l.timerCurrentCount,
		TimerMissedInts:    l.timerMissedInts,
		QueueDepth:         l.queue.len(),
	}
	return yaml.Marshal(dump)
}
