//go:build linux

package chipset

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// eventfdKicker implements VCPUHandle's InterruptHostThread on Linux using
// an eventfd, the same primitive the teacher's KVM backend uses to break a
// vCPU thread out of KVM_RUN (internal/hv/kvm). It is a standalone
// VCPUHandle usable by tests and by any hv backend that wants a concrete
// host-kick wire rather than implementing one itself.
type eventfdKicker struct {
	fd     int
	reset  func(vector uint8) error
	onKick func()
}

// newEventfdKicker creates a non-blocking eventfd-backed kicker. reset
// implements the Startup-IPI handshake (spec.md §3 "IPI Lifecycle"); onKick
// is called after the eventfd write succeeds, letting a test observe the
// kick without inspecting the fd itself.
func newEventfdKicker(reset func(vector uint8) error, onKick func()) (*eventfdKicker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("lapic: create eventfd: %w", err)
	}
	return &eventfdKicker{fd: fd, reset: reset, onKick: onKick}, nil
}

// InterruptHostThread writes to the eventfd, waking anything blocked in a
// read(2) on it (e.g. the vCPU thread's poll loop around KVM_RUN).
func (k *eventfdKicker) InterruptHostThread() {
	var buf [8]byte
	buf[0] = 1
	_, _ = unix.Write(k.fd, buf[:])
	if k.onKick != nil {
		k.onKick()
	}
}

func (k *eventfdKicker) ResetToStartupVector(vector uint8) error {
	if k.reset == nil {
		return nil
	}
	return k.reset(vector)
}

// Fd returns the eventfd for a caller that wants to add it to its own
// epoll/poll set.
func (k *eventfdKicker) Fd() int { return k.fd }

// Close releases the eventfd.
func (k *eventfdKicker) Close() error {
	return unix.Close(k.fd)
}

var _ VCPUHandle = (*eventfdKicker)(nil)
