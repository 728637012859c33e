package chipset

import "testing"

func TestLAPICSnapshotRoundTrip(t *testing.T) {
	set, _ := newTestSet(2)
	l := set.LAPIC(1)

	if err := writeReg(t, l, regTaskPriority, 0x20); err != nil {
		t.Fatalf("task priority: %v", err)
	}
	if err := writeReg(t, l, regTimerInitialCount, 500); err != nil {
		t.Fatalf("timer initial count: %v", err)
	}
	if _, err := l.raise(0x55); err != nil {
		t.Fatalf("raise: %v", err)
	}

	snap, err := l.CaptureSnapshot()
	if err != nil {
		t.Fatalf("CaptureSnapshot: %v", err)
	}

	l.taskPriority = 0
	l.timerInitialCount = 0
	l.irr.clear(0x55)

	if err := l.RestoreSnapshot(snap); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}
	if l.taskPriority != 0x20 {
		t.Fatalf("task priority not restored: got 0x%x", l.taskPriority)
	}
	if l.timerInitialCount != 500 {
		t.Fatalf("timer initial count not restored: got %d", l.timerInitialCount)
	}
	if !l.irr.test(0x55) {
		t.Fatalf("IRR bit not restored")
	}
}

func TestLAPICDeviceId(t *testing.T) {
	set, _ := newTestSet(3)
	if got := set.LAPIC(2).DeviceId(); got != "lapic2" {
		t.Fatalf("DeviceId() = %q, want %q", got, "lapic2")
	}
}

func TestLAPICDumpYAMLProducesOutput(t *testing.T) {
	set, _ := newTestSet(1)
	out, err := set.LAPIC(0).DumpYAML()
	if err != nil {
		t.Fatalf("DumpYAML: %v", err)
	}
	if len(out) == 0 {
		t.Fatalf("expected non-empty YAML dump")
	}
}
