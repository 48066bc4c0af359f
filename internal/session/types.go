package session

import (
	"time"

	"presence/internal/geo"
	"presence/internal/scancode"
)

// Store collections and the live-session singleton key.
const (
	CollectionSessions       = "sessions"
	CollectionRecords        = "records"
	CollectionArchives       = "archive_sessions"
	CollectionArchiveRecords = "archive_records"
	LiveSessionID            = "live"
)

// Mode selects classroom or hostel semantics for status derivation.
type Mode string

const (
	ModeClass  Mode = "class"
	ModeHostel Mode = "hostel"
)

// Lifecycle tags a record as live or archived. Live and archived records
// share one type; archival is a copy-and-tag transformation.
type Lifecycle string

const (
	LifecycleLive     Lifecycle = "live"
	LifecycleArchived Lifecycle = "archived"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// SlotStatus is the state of one phase slot in a person's record.
type SlotStatus string

const (
	SlotAbsent  SlotStatus = "absent"
	SlotPresent SlotStatus = "present"
	SlotLate    SlotStatus = "late"
)

// FinalStatus is the derived per-person outcome.
type FinalStatus string

const (
	StatusAbsent    FinalStatus = "absent"
	StatusPresent   FinalStatus = "present"
	StatusLate      FinalStatus = "late"
	StatusLeftEarly FinalStatus = "left_early"
)

// CorrectionStatus tracks a correction request through review.
type CorrectionStatus string

const (
	CorrectionPending  CorrectionStatus = "pending"
	CorrectionApproved CorrectionStatus = "approved"
	CorrectionDenied   CorrectionStatus = "denied"
)

// Session is the attendance-taking event. Exactly zero or one live
// session exists at a time; archived copies are immutable history.
type Session struct {
	ID            string          `json:"id"`
	Lifecycle     Lifecycle       `json:"lifecycle"`
	Status        SessionStatus   `json:"status"`
	Subject       string          `json:"subject"`
	Mode          Mode            `json:"mode"`
	Phase         int             `json:"phase"`
	TotalPhases   int             `json:"total_phases"`
	Codes         []scancode.Code `json:"codes"` // one per phase, append-only
	StartTime     time.Time       `json:"start_time"`
	LatePolicy    []int           `json:"late_policy"` // minutes after StartTime, per phase
	Location      geo.Point       `json:"location"`
	RadiusMeters  float64         `json:"radius_meters"`
	RequiresPhoto bool            `json:"requires_photo"`
	ArchiveID     string          `json:"archive_id,omitempty"` // allocated on first End
	EndedAt       time.Time       `json:"ended_at,omitempty"`
}

// CurrentCode returns the only acceptable code: the one issued for the
// active phase. Codes of passed phases stay in Codes for audit.
func (s *Session) CurrentCode() scancode.Code {
	return s.Codes[len(s.Codes)-1]
}

// Person is an identity snapshot captured at session start, deliberately
// decoupled from the live identity record so later edits do not corrupt
// history.
type Person struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Roll  string `json:"roll,omitempty"`
	Email string `json:"email,omitempty"`
}

// Slot is one phase checkpoint inside a person's record.
type Slot struct {
	Status      SlotStatus `json:"status"`
	MinutesLate int        `json:"minutes_late"`
	Timestamp   time.Time  `json:"timestamp,omitempty"`
	DeviceID    string     `json:"device_id,omitempty"`
	PhotoURL    string     `json:"photo_url,omitempty"`
}

// CorrectionRequest is a person's appeal to override a missed phase-1
// scan, resolved by an operator.
type CorrectionRequest struct {
	Reason      string           `json:"reason"`
	RequestedAt time.Time        `json:"requested_at"`
	Status      CorrectionStatus `json:"status"`
}

// PersonRecord is one person's attendance in one session. Scans has
// exactly TotalPhases slots, all absent at session start.
type PersonRecord struct {
	Lifecycle    Lifecycle          `json:"lifecycle"`
	SessionID    string             `json:"session_id"`
	Person       Person             `json:"person"`
	Scans        []Slot             `json:"scans"`
	FinalStatus  FinalStatus        `json:"final_status"`
	ExtraMinutes int                `json:"extra_minutes"`
	Correction   *CorrectionRequest `json:"correction,omitempty"`
}

// Config is the operator-supplied session configuration.
type Config struct {
	Subject          string    `json:"subject"`
	Mode             Mode      `json:"mode"`
	TotalPhases      int       `json:"total_phases"`
	LateAfterMinutes int       `json:"late_after_minutes"`
	LatePolicy       []int     `json:"late_policy,omitempty"` // per-phase override
	Location         geo.Point `json:"location"`
	RadiusMeters     float64   `json:"radius_meters"`
	RequiresPhoto    bool      `json:"requires_photo"`
}

// ScanResult reports the outcome of an accepted or idempotent scan.
type ScanResult struct {
	AlreadyScanned bool       `json:"already_scanned"`
	Status         SlotStatus `json:"status"`
	MinutesLate    int        `json:"minutes_late"`
}
