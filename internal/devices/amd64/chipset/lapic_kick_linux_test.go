//go:build linux

package chipset

import "testing"

func TestEventfdKickerSignalsAndResets(t *testing.T) {
	kicked := 0
	k, err := newEventfdKicker(func(vector uint8) error {
		return nil
	}, func() { kicked++ })
	if err != nil {
		t.Fatalf("newEventfdKicker: %v", err)
	}
	defer k.Close()

	k.InterruptHostThread()
	if kicked != 1 {
		t.Fatalf("onKick called %d times, want 1", kicked)
	}

	if err := k.ResetToStartupVector(0x20); err != nil {
		t.Fatalf("ResetToStartupVector: %v", err)
	}
}
