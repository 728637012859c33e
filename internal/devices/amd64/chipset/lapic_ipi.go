package chipset

import (
	"fmt"
	"log/slog"
)

// triggerICR is invoked when the guest writes ICR-low: it snapshots the
// current ICR and hands it to the owning LAPICSet's router. Per spec.md
// §7, IPI routing errors are logged and the originating MMIO store still
// reports success to the guest (the guest cannot observe IPI failures
// through the ICR write).
func (l *LAPIC) triggerICR() error {
	payload := icr{low: l.icrLow, high: l.icrHigh}
	if err := l.set.route(l, payload); err != nil {
		slog.Warn("lapic: ipi routing failed", "source", l.id, "err", err)
	}
	return nil
}

// SendSyntheticIPI implements the synthetic IPI API of spec.md §6: deliver
// an ICR-equivalent payload as though issued by a virtual CPU, with a null
// source. Used by virtual devices outside any LAPIC (e.g. a PCI MSI write).
func (s *LAPICSet) SendSyntheticIPI(vector, deliveryMode uint8, logical bool, levelTriggered bool, shorthand uint8, destination uint8) error {
	low := uint32(vector) | uint32(deliveryMode)<<icrDeliveryModeShift | uint32(shorthand&icrShorthandMask)<<icrShorthandShift
	if logical {
		low |= icrDestModeBit
	}
	if levelTriggered {
		low |= icrTriggerModeBit
	}
	high := uint32(destination) << icrDestinationShift
	return s.route(nil, icr{low: low, high: high})
}

// RaiseInterrupt implements the direct-by-number delivery API of spec.md
// §6: enqueue vector on the LAPIC owning vcpuID and kick its host thread if
// it runs remotely.
func (s *LAPICSet) RaiseInterrupt(vcpuID int, vector uint8) error {
	if vcpuID < 0 || vcpuID >= len(s.lapics) {
		return fmt.Errorf("lapic: no such vcpu %d", vcpuID)
	}
	if reservedVector(vector) {
		return fmt.Errorf("lapic: %w: vector %d", ErrInvalidVector, vector)
	}
	dst := s.lapics[vcpuID]
	dst.queue.push(uint32(vector))
	s.kick(dst)
	return nil
}

// route implements the IPI router of spec.md §4.4. source is nil for
// synthetic callers outside any LAPIC.
func (s *LAPICSet) route(source *LAPIC, payload icr) error {
	switch payload.shorthand() {
	case shorthandSelf:
		if source == nil {
			return fmt.Errorf("lapic: self shorthand requires a source")
		}
		return s.deliver(source, source, payload)

	case shorthandAll, shorthandAllButSelf:
		var firstErr error
		for _, dst := range s.lapics {
			if payload.shorthand() == shorthandAllButSelf && dst == source {
				continue
			}
			if err := s.deliver(source, dst, payload); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr

	case shorthandNone:
		if payload.destinationMode() == destModePhysical {
			dst, err := s.findPhysical(payload.destination())
			if err != nil {
				return err
			}
			return s.deliver(source, dst, payload)
		}
		return s.routeLogical(source, payload)
	}
	return fmt.Errorf("lapic: unknown destination shorthand %d", payload.shorthand())
}

// findPhysical locates the LAPIC whose identity register equals id. The
// index at id is tried first as a fast path (spec.md §9 flags the
// original's `dst_idx > 0` bounds check as a latent bug that incorrectly
// excludes index 0; this uses `dst_idx < N` only, per the implementer note).
func (s *LAPICSet) findPhysical(id uint8) (*LAPIC, error) {
	if idx := int(id); idx < len(s.lapics) && s.lapics[idx].id == id {
		return s.lapics[idx], nil
	}
	if item := s.identityIndex.Get(identityItem{id: id}); item != nil {
		return s.lapics[item.(identityItem).index], nil
	}
	for _, dst := range s.lapics {
		if dst.id == id {
			return dst, nil
		}
	}
	return nil, fmt.Errorf("lapic: %w: id %d", ErrNoSuchDestination, id)
}

// routeLogical implements the logical-mode, shorthand-none branch of
// spec.md §4.4 steps 4 and 5.
func (s *LAPICSet) routeLogical(source *LAPIC, payload icr) error {
	mda := payload.destination()
	deliveryMode := payload.deliveryMode()

	if deliveryMode != deliveryModeLowestPriority {
		var firstErr error
		matched := false
		for _, dst := range s.lapics {
			ok, err := s.logicalMatch(dst, mda)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			matched = true
			if err := s.deliver(source, dst, payload); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		_ = matched
		return firstErr
	}

	var best *LAPIC
	var bestPriority uint32
	for _, dst := range s.lapics {
		ok, err := s.logicalMatch(dst, mda)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		s.stateLock.RLock()
		priority := dst.taskPriority
		s.stateLock.RUnlock()
		if best == nil || priority < bestPriority {
			best = dst
			bestPriority = priority
		}
	}
	if best == nil {
		slog.Info("lapic: lowest-priority ipi matched no destination", "mda", mda)
		return nil
	}
	return s.deliver(source, best, payload)
}

// logicalMatch implements the destination match predicate of spec.md §4.5.
// It takes the state-lock for the duration of the read since the
// destination LAPIC's logical-destination register may be concurrently
// written by its own guest.
func (s *LAPICSet) logicalMatch(dst *LAPIC, mda uint8) (bool, error) {
	if mda == 0xFF {
		return true, nil
	}
	s.stateLock.RLock()
	logDst := dst.logicalDestination
	format := dst.destinationFormat
	s.stateLock.RUnlock()

	model := format >> 28 // DFR: bits 28-31 hold the model nibble.
	ldrID := byte(logDst >> 24) // LDR: bits 24-31 hold the logical ID.
	switch {
	case model == destFormatFlat:
		return ldrID&mda != 0, nil
	case model == destFormatCluster:
		return ldrID>>4 == mda>>4 && ldrID&0xF&(mda&0xF) != 0, nil
	default:
		return false, fmt.Errorf("lapic: %w: model 0x%x", ErrBadDestinationFormat, model)
	}
}

// deliver dispatches a matched destination on the ICR's delivery mode
// (spec.md §4.4, final paragraph).
func (s *LAPICSet) deliver(source, dst *LAPIC, payload icr) error {
	switch payload.deliveryMode() {
	case deliveryModeFixed, deliveryModeLowestPriority:
		// The destination's IRR is owned exclusively by its own vCPU thread
		// (spec.md §5); this may run on a different thread than dst, so
		// delivery only enqueues. The destination's own drainInto applies
		// the reserved/mask/coalesce checks when it next runs pending().
		if reservedVector(payload.vector()) {
			return fmt.Errorf("lapic %d: %w: vector %d", dst.id, ErrInvalidVector, payload.vector())
		}
		dst.queue.push(uint32(payload.vector()))
		s.kickIfRemote(source, dst)
		return nil

	case deliveryModeINIT:
		if dst.lifecycle != lifecycleInit {
			slog.Warn("lapic: redundant or misordered INIT ipi", "dest", dst.id, "state", dst.lifecycle)
			return nil
		}
		dst.lifecycle = lifecycleSIPI
		return nil

	case deliveryModeStartup:
		if dst.lifecycle != lifecycleSIPI {
			return fmt.Errorf("lapic %d: %w: startup ipi while in state %s", dst.id, ErrStateMismatch, dst.lifecycle)
		}
		if dst.vcpu != nil {
			if err := dst.vcpu.ResetToStartupVector(payload.vector()); err != nil {
				return fmt.Errorf("lapic %d: reset vcpu for startup ipi: %w", dst.id, err)
			}
		}
		dst.lifecycle = lifecycleStarted
		return nil

	case deliveryModeExtInt:
		// The external PIC handles ExtInt through a different path.
		return nil

	default:
		return fmt.Errorf("lapic %d: %w: delivery mode %d", dst.id, ErrUnsupportedDeliveryMode, payload.deliveryMode())
	}
}

// kickIfRemote requests a host-level interrupt of dst's vCPU if it is not
// the calling LAPIC, so the target vCPU exits its guest and re-checks its
// pending-interrupt predicate (spec.md §4.4, §5).
func (s *LAPICSet) kickIfRemote(source, dst *LAPIC) {
	if source == dst {
		return
	}
	s.kick(dst)
}

func (s *LAPICSet) kick(dst *LAPIC) {
	if dst.vcpu == nil {
		return
	}
	dst.vcpu.InterruptHostThread()
}
