package session

import (
	"math"
	"time"
)

// Lateness applies the timing rule for one phase: the cutoff is always
// relative to the session start, never to the phase's own activation
// time. A phase activated late can therefore have its window partially or
// fully elapsed before anyone can scan it; that is the documented
// behavior and must not be "fixed".
func Lateness(now, startTime time.Time, policyMinutes int) (SlotStatus, int) {
	cutoff := startTime.Add(time.Duration(policyMinutes) * time.Minute)
	if !now.After(cutoff) {
		return SlotPresent, 0
	}
	minutes := int(math.Round(now.Sub(cutoff).Seconds() / 60))
	return SlotLate, minutes
}

// Derive computes the final status from a record's scans and correction
// request. It is a pure function: the same inputs always yield the same
// output, and nothing else may mutate FinalStatus except an approved
// correction or a direct operator edit on an archived record.
//
// The second return value is the aggregate extra minutes, the sum of
// MinutesLate over every late slot.
func Derive(rec PersonRecord, mode Mode) (FinalStatus, int) {
	// A pending request forces absent on live display, signaling
	// "awaiting review".
	if rec.Correction != nil && rec.Correction.Status == CorrectionPending {
		return StatusAbsent, 0
	}

	scanned := 0
	anyLate := false
	extra := 0
	for _, slot := range rec.Scans {
		if slot.Status == SlotAbsent {
			continue
		}
		scanned++
		if slot.Status == SlotLate {
			anyLate = true
			extra += slot.MinutesLate
		}
	}

	switch {
	case scanned == 0:
		return StatusAbsent, 0
	case scanned == len(rec.Scans) && anyLate:
		return StatusLate, extra
	case scanned == len(rec.Scans):
		return StatusPresent, 0
	default:
		// Started but stopped. Only class mode has an "early" concept;
		// a hostel roll-call with unreached slots stays absent.
		if mode == ModeClass && len(rec.Scans) > 1 {
			return StatusLeftEarly, extra
		}
		return StatusAbsent, 0
	}
}
