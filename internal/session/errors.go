package session

import "errors"

// Operator precondition failures. These surface to the operator and leave
// no partial mutation behind.
var (
	ErrSessionExists       = errors.New("a live session already exists")
	ErrNoLiveSession       = errors.New("no live session")
	ErrSessionEnded        = errors.New("session already ended")
	ErrNoRoster            = errors.New("roster is empty")
	ErrLocationUnavailable = errors.New("session location unavailable")
	ErrNoMorePhases        = errors.New("all phases already activated")
	ErrNoPendingCorrection = errors.New("no pending correction request")
	ErrRecordNotFound      = errors.New("person record not found")
	ErrArchiveNotFound     = errors.New("archived session not found")
)

// RejectReason classifies a scan rejection. Reasons are surfaced verbatim
// to the submitting person and never retried automatically.
type RejectReason string

const (
	RejectSessionInactive     RejectReason = "session_inactive"
	RejectRecordNotFound      RejectReason = "record_not_found"
	RejectWrongPhase          RejectReason = "wrong_phase"
	RejectInvalidCode         RejectReason = "invalid_code"
	RejectOutOfRange          RejectReason = "out_of_range"
	RejectDeviceAlreadyUsed   RejectReason = "device_already_used"
	RejectPreviousPhaseMissed RejectReason = "previous_phase_missed"
)

// Rejection is a scan attempt turned away by validation. No state is
// mutated when a Rejection is returned.
type Rejection struct {
	Reason  RejectReason
	Message string
}

func (r *Rejection) Error() string { return r.Message }

func reject(reason RejectReason, message string) *Rejection {
	return &Rejection{Reason: reason, Message: message}
}

// AsRejection extracts a Rejection from an error chain.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
