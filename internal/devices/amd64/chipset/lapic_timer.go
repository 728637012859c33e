package chipset

// Tick drives this LAPIC's timer forward by cyclesElapsed host CPU cycles,
// per spec.md §4.7. cpuFrequency is accepted for interface fidelity with
// the hypervisor's per-vCPU run loop call site but, like the algorithm in
// §4.7 itself, is not used by the raw-cycle divide model: only the divide
// configuration's power-of-two shift converts cycles into counter ticks.
func (l *LAPIC) Tick(cyclesElapsed uint64, cpuFrequency uint64) error {
	_ = cpuFrequency

	if l.timerInitialCount == 0 {
		return nil
	}
	if l.timerMode == timerOneShot && l.timerCurrentCount == 0 {
		return nil
	}

	shift := l.timerDivide & 0x7
	ticks := cyclesElapsed >> shift

	if ticks < uint64(l.timerCurrentCount) {
		l.timerCurrentCount -= uint32(ticks)
		if l.timerMissedInts > 0 && l.highestIRR() < 0 {
			l.timerMissedInts--
			return l.activateSource(sourceTimer)
		}
		return nil
	}

	ticks -= uint64(l.timerCurrentCount)
	l.timerCurrentCount = 0

	if err := l.activateSource(sourceTimer); err != nil {
		return err
	}

	if l.timerMode == timerPeriodic {
		initial := uint64(l.timerInitialCount)
		missed := ticks / initial
		l.timerCurrentCount = l.timerInitialCount - uint32(ticks%initial)
		l.timerMissedInts += missed
	}
	return nil
}

// SetTimerMode sets one-shot vs. periodic reload behavior. This is decoded
// from LVT-timer bit 17 in real hardware; this core exposes it directly
// since spec.md §3 models mode as a first-class Timer State field rather
// than specifying its LVT bit position.
func (l *LAPIC) SetTimerMode(mode timerMode) {
	l.timerMode = mode
}

// TimerMode reports the current one-shot/periodic mode.
func (l *LAPIC) TimerMode() timerMode { return l.timerMode }

// MissedTimerInterrupts reports the count of overflowed periodic ticks
// that have not yet been delivered (spec.md §3 "Timer State").
func (l *LAPIC) MissedTimerInterrupts() uint64 { return l.timerMissedInts }
