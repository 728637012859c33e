package chipset

import "testing"

func TestLAPICTimerPeriodicOverflowAccumulatesMissedTicks(t *testing.T) {
	set, _ := newTestSet(1)
	l := set.LAPIC(0)
	l.SetTimerMode(timerPeriodic)

	if err := writeReg(t, l, regTimerDivideConfig, 0); err != nil {
		t.Fatalf("divide config: %v", err)
	}
	if err := writeReg(t, l, regTimerInitialCount, 1000); err != nil {
		t.Fatalf("initial count: %v", err)
	}

	if err := l.Tick(3500, 0); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if l.timerCurrentCount != 500 {
		t.Fatalf("current count = %d, want 500", l.timerCurrentCount)
	}
	if l.timerMissedInts != 2 {
		t.Fatalf("missed interrupts = %d, want 2", l.timerMissedInts)
	}
}

func TestLAPICTimerMaskedLVTStillAdvancesCounter(t *testing.T) {
	set, _ := newTestSet(1)
	l := set.LAPIC(0)

	if err := writeReg(t, l, regLVTTimer, uint32(lvtMaskBit)); err != nil {
		t.Fatalf("lvt timer: %v", err)
	}
	if err := writeReg(t, l, regTimerInitialCount, 100); err != nil {
		t.Fatalf("initial count: %v", err)
	}

	if err := l.Tick(250, 0); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if l.timerCurrentCount != 0 {
		t.Fatalf("current count = %d, want 0 (masked timer still reloads)", l.timerCurrentCount)
	}
	if l.queue.len() != 0 {
		t.Fatalf("expected no queued vector for a masked LVT timer")
	}
}

func TestLAPICTimerDivideShift(t *testing.T) {
	set, _ := newTestSet(1)
	l := set.LAPIC(0)

	if err := writeReg(t, l, regTimerDivideConfig, 2); err != nil { // shift by 2: divide by 4
		t.Fatalf("divide config: %v", err)
	}
	if err := writeReg(t, l, regTimerInitialCount, 100); err != nil {
		t.Fatalf("initial count: %v", err)
	}

	if err := l.Tick(40, 0); err != nil { // 40 cycles >> 2 == 10 ticks
		t.Fatalf("Tick: %v", err)
	}
	if l.timerCurrentCount != 90 {
		t.Fatalf("current count = %d, want 90", l.timerCurrentCount)
	}
}

func TestLAPICTimerPeriodicReload(t *testing.T) {
	set, _ := newTestSet(1)
	l := set.LAPIC(0)
	l.SetTimerMode(timerPeriodic)

	if err := writeReg(t, l, regTimerInitialCount, 100); err != nil {
		t.Fatalf("initial count: %v", err)
	}

	if err := l.Tick(250, 0); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if l.timerCurrentCount != 50 {
		t.Fatalf("current count = %d, want 50", l.timerCurrentCount)
	}
	if l.MissedTimerInterrupts() != 1 {
		t.Fatalf("missed interrupts = %d, want 1", l.MissedTimerInterrupts())
	}
	if set.Pending(0) {
		t.Fatalf("fixed-mode timer interrupt should be drained only by pending()'s queue drain")
	}
}

func TestLAPICTimerZeroInitialCountIsNoOp(t *testing.T) {
	set, _ := newTestSet(1)
	l := set.LAPIC(0)
	if err := l.Tick(1000, 0); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if l.timerCurrentCount != 0 || l.timerMissedInts != 0 {
		t.Fatalf("expected no-op when initial count is zero")
	}
}
