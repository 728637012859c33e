package chipset

import "errors"

// Sentinel errors for the LAPIC core, matching the taxonomy the rest of
// this package follows for the 8259 PIC and IO-APIC: package-level errors
// wrapped with fmt.Errorf("%w: ...") at the call site rather than ad-hoc
// string comparisons.
var (
	// ErrInvalidVector is returned when a vector <= 15 is raised through any
	// internal or external delivery path.
	ErrInvalidVector = errors.New("lapic: invalid vector")

	// ErrDisabledAPIC is returned for MMIO access while the base MSR's
	// APIC-enable bit is clear.
	ErrDisabledAPIC = errors.New("lapic: apic disabled")

	// ErrReadOnly is returned when the guest writes a read-only register.
	ErrReadOnly = errors.New("lapic: register is read-only")

	// ErrUnhandled is returned for an unrecognised MMIO offset.
	ErrUnhandled = errors.New("lapic: unhandled register")

	// ErrInvalidLength is returned for a non-4-byte write, or a read whose
	// size/alignment would cross a subword boundary.
	ErrInvalidLength = errors.New("lapic: invalid access length")

	// ErrNoSuchDestination is returned when a physical-mode IPI names an
	// identity with no matching LAPIC.
	ErrNoSuchDestination = errors.New("lapic: no such destination")

	// ErrBadDestinationFormat is returned when the destination-format
	// register holds a model that is neither flat nor cluster.
	ErrBadDestinationFormat = errors.New("lapic: bad destination format")

	// ErrUnsupportedDeliveryMode is returned for SMI, NMI, and reserved
	// delivery modes.
	ErrUnsupportedDeliveryMode = errors.New("lapic: unsupported delivery mode")

	// ErrStateMismatch is returned (and logged, not fatal) for an INIT IPI
	// delivered to a non-INIT LAPIC, or a Startup IPI delivered to a
	// non-SIPI LAPIC.
	ErrStateMismatch = errors.New("lapic: ipi lifecycle state mismatch")
)
