package session

import (
	"testing"
	"time"
)

func rec(slots ...Slot) PersonRecord {
	return PersonRecord{Scans: slots}
}

func TestDerive(t *testing.T) {
	present := Slot{Status: SlotPresent}
	absent := Slot{Status: SlotAbsent}
	late10 := Slot{Status: SlotLate, MinutesLate: 10}
	late7 := Slot{Status: SlotLate, MinutesLate: 7}

	tests := []struct {
		name       string
		record     PersonRecord
		mode       Mode
		wantStatus FinalStatus
		wantExtra  int
	}{
		{"all absent is absent", rec(absent, absent), ModeClass, StatusAbsent, 0},
		{"all present is present", rec(present, present), ModeClass, StatusPresent, 0},
		{"one late is late", rec(present, late10), ModeClass, StatusLate, 10},
		{"late minutes accumulate", rec(late10, late7), ModeClass, StatusLate, 17},
		{"partial is left early in class mode", rec(present, absent), ModeClass, StatusLeftEarly, 0},
		{"partial with late keeps extra minutes", rec(late10, absent, absent), ModeClass, StatusLeftEarly, 10},
		{"partial is absent in hostel mode", rec(present, absent), ModeHostel, StatusAbsent, 0},
		{"single phase present", rec(present), ModeHostel, StatusPresent, 0},
		{"single phase absent", rec(absent), ModeClass, StatusAbsent, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, extra := Derive(tt.record, tt.mode)
			if status != tt.wantStatus || extra != tt.wantExtra {
				t.Errorf("Derive() = (%s, %d), want (%s, %d)", status, extra, tt.wantStatus, tt.wantExtra)
			}
		})
	}
}

func TestDerive_PendingCorrectionForcesAbsent(t *testing.T) {
	r := rec(Slot{Status: SlotPresent}, Slot{Status: SlotPresent})
	r.Correction = &CorrectionRequest{Status: CorrectionPending}

	if status, _ := Derive(r, ModeClass); status != StatusAbsent {
		t.Errorf("status with pending correction = %s, want absent", status)
	}

	// Denial reverts to the scan-derived value.
	r.Correction.Status = CorrectionDenied
	if status, _ := Derive(r, ModeClass); status != StatusPresent {
		t.Errorf("status after denial = %s, want present", status)
	}
}

func TestDerive_Pure(t *testing.T) {
	r := rec(Slot{Status: SlotLate, MinutesLate: 4}, Slot{Status: SlotAbsent})
	s1, e1 := Derive(r, ModeClass)
	s2, e2 := Derive(r, ModeClass)
	if s1 != s2 || e1 != e2 {
		t.Errorf("Derive not deterministic: (%s,%d) then (%s,%d)", s1, e1, s2, e2)
	}
}

func TestLateness(t *testing.T) {
	start := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

	status, mins := Lateness(start.Add(5*time.Minute), start, 10)
	if status != SlotPresent || mins != 0 {
		t.Errorf("scan before cutoff = (%s, %d), want (present, 0)", status, mins)
	}

	// Exactly at the cutoff is still on time.
	status, mins = Lateness(start.Add(10*time.Minute), start, 10)
	if status != SlotPresent || mins != 0 {
		t.Errorf("scan at cutoff = (%s, %d), want (present, 0)", status, mins)
	}

	status, mins = Lateness(start.Add(40*time.Minute), start, 10)
	if status != SlotLate || mins != 30 {
		t.Errorf("scan 30min past cutoff = (%s, %d), want (late, 30)", status, mins)
	}

	// Sub-minute overruns round to the nearest minute.
	status, mins = Lateness(start.Add(10*time.Minute+29*time.Second), start, 10)
	if status != SlotLate || mins != 0 {
		t.Errorf("29s past cutoff = (%s, %d), want (late, 0)", status, mins)
	}
	status, mins = Lateness(start.Add(10*time.Minute+31*time.Second), start, 10)
	if status != SlotLate || mins != 1 {
		t.Errorf("31s past cutoff = (%s, %d), want (late, 1)", status, mins)
	}
}
