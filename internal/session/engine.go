package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"presence/internal/device"
	"presence/internal/geo"
	"presence/internal/scancode"
	"presence/internal/store"
)

// casAttempts bounds the read-modify-write retry loop on a person record.
const casAttempts = 3

// Engine owns the session lifecycle and every mutation of session and
// person records. Session-level transitions are serialized by a mutex;
// scan submissions run concurrently and synchronize per person record
// through conditional store updates.
type Engine struct {
	store   store.Store
	devices device.Registry
	issuer  *scancode.Issuer
	now     func() time.Time

	mu sync.Mutex // single-writer discipline on the live session
}

// NewEngine wires the engine to its store and device registry. A nil
// clock defaults to time.Now.
func NewEngine(st store.Store, devices device.Registry, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:   st,
		devices: devices,
		issuer:  scancode.NewIssuer(now),
		now:     now,
	}
}

// Start creates the live session and one all-absent record per roster
// member in a single atomic batch, then issues the phase-1 code.
func (e *Engine) Start(ctx context.Context, cfg Config, roster []Person) (Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, _, err := e.liveSession(ctx); err == nil {
		return Session{}, ErrSessionExists
	} else if !errors.Is(err, ErrNoLiveSession) {
		return Session{}, err
	}
	if len(roster) == 0 {
		return Session{}, ErrNoRoster
	}
	if !cfg.Location.Valid() {
		return Session{}, ErrLocationUnavailable
	}
	if cfg.TotalPhases < 1 || cfg.TotalPhases > 3 {
		return Session{}, fmt.Errorf("total phases must be between 1 and 3, got %d", cfg.TotalPhases)
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeClass
	}

	policy := cfg.LatePolicy
	if len(policy) != cfg.TotalPhases {
		policy = make([]int, cfg.TotalPhases)
		for i := range policy {
			policy[i] = cfg.LateAfterMinutes
		}
	}

	code, err := e.issuer.Issue(1)
	if err != nil {
		return Session{}, err
	}

	sess := Session{
		ID:            uuid.NewString(),
		Lifecycle:     LifecycleLive,
		Status:        SessionActive,
		Subject:       cfg.Subject,
		Mode:          mode,
		Phase:         1,
		TotalPhases:   cfg.TotalPhases,
		Codes:         []scancode.Code{code},
		StartTime:     e.now().UTC(),
		LatePolicy:    policy,
		Location:      cfg.Location,
		RadiusMeters:  cfg.RadiusMeters,
		RequiresPhoto: cfg.RequiresPhoto,
	}

	// The session write is create-only so two processes racing past the
	// existence check cannot both install a live session.
	ops := []store.WriteOp{store.PutIfAbsent(CollectionSessions, LiveSessionID, mustJSON(sess))}
	for _, person := range roster {
		rec := PersonRecord{
			Lifecycle:   LifecycleLive,
			SessionID:   sess.ID,
			Person:      person,
			Scans:       make([]Slot, cfg.TotalPhases),
			FinalStatus: StatusAbsent,
		}
		for i := range rec.Scans {
			rec.Scans[i].Status = SlotAbsent
		}
		ops = append(ops, store.Put(CollectionRecords, person.ID, mustJSON(rec)))
	}
	if err := e.store.Commit(ctx, ops); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return Session{}, ErrSessionExists
		}
		return Session{}, fmt.Errorf("start session: %w", err)
	}
	if err := e.devices.Reset(ctx); err != nil {
		log.Printf("device registry reset failed: %v", err)
	}
	return sess, nil
}

// ActivateNextPhase issues the next phase's code and increments the
// phase. Phase only ever moves forward.
func (e *Engine) ActivateNextPhase(ctx context.Context) (Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, version, err := e.liveSession(ctx)
	if err != nil {
		return Session{}, err
	}
	if sess.Status != SessionActive {
		return Session{}, ErrSessionEnded
	}
	if sess.Phase >= sess.TotalPhases {
		return Session{}, ErrNoMorePhases
	}

	code, err := e.issuer.Issue(sess.Phase + 1)
	if err != nil {
		return Session{}, err
	}
	sess.Phase++
	sess.Codes = append(sess.Codes, code)

	if _, err := e.store.Update(ctx, CollectionSessions, LiveSessionID, version, mustJSON(sess)); err != nil {
		return Session{}, fmt.Errorf("activate phase %d: %w", sess.Phase, err)
	}
	return sess, nil
}

// End finalizes every record and moves the session into the archive.
// Safe to retry: the archive id is allocated once and reused, and the
// archive batch overwrites the same keys instead of duplicating them.
func (e *Engine) End(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, sessVersion, err := e.liveSession(ctx)
	if err != nil {
		return "", err
	}

	if sess.Status != SessionEnded || sess.ArchiveID == "" {
		sess.Status = SessionEnded
		sess.EndedAt = e.now().UTC()
		if sess.ArchiveID == "" {
			sess.ArchiveID = uuid.NewString()
		}
		// Persist before archiving so a retry after a partial failure
		// reuses the same archive id.
		v, err := e.store.Set(ctx, CollectionSessions, LiveSessionID, mustJSON(sess))
		if err != nil {
			return "", fmt.Errorf("end session: %w", err)
		}
		sessVersion = v
	}

	archived := sess
	archived.Lifecycle = LifecycleArchived

	// Archive pass: finalize every record, copy everything under the
	// pre-allocated archive id, and delete the live documents in one
	// atomic batch. The deletes are guarded on the versions the listing
	// observed, so an in-flight scan that lands after the listing fails
	// the batch and the next attempt archives it instead of erasing it.
	for attempt := 0; attempt < casAttempts; attempt++ {
		docs, err := e.store.List(ctx, CollectionRecords)
		if err != nil {
			return "", fmt.Errorf("end session: %w", err)
		}

		ops := []store.WriteOp{store.Put(CollectionArchives, sess.ArchiveID, mustJSON(archived))}
		for _, doc := range docs {
			var rec PersonRecord
			if err := json.Unmarshal(doc.Data, &rec); err != nil {
				return "", fmt.Errorf("decode record %s: %w", doc.ID, err)
			}
			// A correction still pending at end of session is implicitly
			// denied.
			if rec.Correction != nil && rec.Correction.Status == CorrectionPending {
				rec.Correction.Status = CorrectionDenied
			}
			rec.FinalStatus, rec.ExtraMinutes = Derive(rec, sess.Mode)
			rec.Lifecycle = LifecycleArchived
			rec.SessionID = sess.ArchiveID
			for i := range rec.Scans {
				if !rec.Scans[i].Timestamp.IsZero() {
					rec.Scans[i].Timestamp = rec.Scans[i].Timestamp.UTC()
				}
			}
			ops = append(ops,
				store.Put(CollectionArchiveRecords, archiveRecordID(sess.ArchiveID, rec.Person.ID), mustJSON(rec)),
				store.DeleteAt(CollectionRecords, doc.ID, doc.Version))
		}
		ops = append(ops, store.DeleteAt(CollectionSessions, LiveSessionID, sessVersion))

		err = e.store.Commit(ctx, ops)
		if err == nil {
			if err := e.devices.Reset(ctx); err != nil {
				log.Printf("device registry reset failed: %v", err)
			}
			return sess.ArchiveID, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return "", fmt.Errorf("archive session: %w", err)
		}
	}
	return "", fmt.Errorf("archive contention: live records kept changing")
}

// SubmitScan validates one scan attempt. Preconditions run in a fixed
// order; the first failure determines the rejection reason. A repeat of
// an accepted scan is reported as AlreadyScanned, not an error.
func (e *Engine) SubmitScan(ctx context.Context, personID, rawCode string, loc geo.Point, deviceID, photoURL string) (ScanResult, error) {
	sess, _, err := e.liveSession(ctx)
	if errors.Is(err, ErrNoLiveSession) {
		return ScanResult{}, reject(RejectSessionInactive, "no session is currently active")
	} else if err != nil {
		return ScanResult{}, err
	}
	if sess.Status != SessionActive {
		return ScanResult{}, reject(RejectSessionInactive, "the session has ended")
	}

	rec, version, err := e.record(ctx, personID)
	if errors.Is(err, ErrRecordNotFound) {
		return ScanResult{}, reject(RejectRecordNotFound, "you are not on this session's roster")
	} else if err != nil {
		return ScanResult{}, err
	}

	code, err := scancode.Parse(rawCode)
	if err != nil {
		return ScanResult{}, reject(RejectInvalidCode, "the code is not recognized")
	}
	if code.Phase != sess.Phase {
		return ScanResult{}, reject(RejectWrongPhase,
			fmt.Sprintf("this code belongs to scan %d, scan %d is currently active", code.Phase, sess.Phase))
	}
	if !scancode.TokensMatch(code.Human, sess.CurrentCode().Human) {
		return ScanResult{}, reject(RejectInvalidCode, "the code does not match the active code")
	}

	if !loc.Valid() {
		return ScanResult{}, reject(RejectOutOfRange, "location coordinates are invalid")
	}
	distance := geo.DistanceMeters(sess.Location, loc)
	if !geo.WithinRadius(distance, sess.RadiusMeters) {
		return ScanResult{}, reject(RejectOutOfRange,
			fmt.Sprintf("you are %.0fm from the session location, allowed radius is %.0fm", distance, sess.RadiusMeters))
	}

	used, err := e.devices.Used(ctx, sess.Phase, deviceID)
	if err != nil {
		return ScanResult{}, fmt.Errorf("device check: %w", err)
	}
	slot := rec.Scans[sess.Phase-1]
	if used {
		// A repeat of this person's own accepted scan falls through to
		// the idempotent answer; any other reuse of the device is a
		// violation.
		if slot.Status == SlotAbsent || slot.DeviceID != deviceID {
			return ScanResult{}, reject(RejectDeviceAlreadyUsed, "this device already completed a scan for the current phase")
		}
	}
	if slot.Status != SlotAbsent {
		return ScanResult{AlreadyScanned: true, Status: slot.Status, MinutesLate: slot.MinutesLate}, nil
	}

	if sess.Phase > 1 && rec.Scans[sess.Phase-2].Status == SlotAbsent {
		return ScanResult{}, reject(RejectPreviousPhaseMissed,
			fmt.Sprintf("scan %d was missed, this scan cannot be accepted", sess.Phase-1))
	}

	status, minutesLate := Lateness(e.now(), sess.StartTime, sess.LatePolicy[sess.Phase-1])

	// The claim and the slot write together form the atomic acceptance:
	// the claim settles device races, the conditional update settles
	// same-person races.
	claimed, err := e.devices.Claim(ctx, sess.Phase, deviceID)
	if err != nil {
		return ScanResult{}, fmt.Errorf("device claim: %w", err)
	}
	if !claimed {
		return ScanResult{}, reject(RejectDeviceAlreadyUsed, "this device already completed a scan for the current phase")
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		rec.Scans[sess.Phase-1] = Slot{
			Status:      status,
			MinutesLate: minutesLate,
			Timestamp:   e.now().UTC(),
			DeviceID:    deviceID,
			PhotoURL:    photoURL,
		}
		rec.FinalStatus, rec.ExtraMinutes = Derive(rec, sess.Mode)

		_, err := e.store.Update(ctx, CollectionRecords, personID, version, mustJSON(rec))
		if err == nil {
			return ScanResult{Status: status, MinutesLate: minutesLate}, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			e.releaseClaim(ctx, sess.Phase, deviceID)
			return ScanResult{}, fmt.Errorf("write scan: %w", err)
		}

		rec, version, err = e.record(ctx, personID)
		if err != nil {
			e.releaseClaim(ctx, sess.Phase, deviceID)
			return ScanResult{}, err
		}
		if won := rec.Scans[sess.Phase-1]; won.Status != SlotAbsent {
			// A concurrent submission for the same person won the race.
			// Our claim stands only if that submission used this device.
			if won.DeviceID != deviceID {
				e.releaseClaim(ctx, sess.Phase, deviceID)
			}
			return ScanResult{AlreadyScanned: true, Status: won.Status, MinutesLate: won.MinutesLate}, nil
		}
	}

	e.releaseClaim(ctx, sess.Phase, deviceID)
	return ScanResult{}, fmt.Errorf("scan write contention for person %s", personID)
}

// RequestCorrection files or replaces a pending override request. Scans
// are untouched; live display shows absent while the request is pending.
func (e *Engine) RequestCorrection(ctx context.Context, personID, reason string) (PersonRecord, error) {
	sess, _, err := e.liveSession(ctx)
	if errors.Is(err, ErrNoLiveSession) {
		return PersonRecord{}, reject(RejectSessionInactive, "no session is currently active")
	} else if err != nil {
		return PersonRecord{}, err
	}
	if sess.Status != SessionActive {
		return PersonRecord{}, reject(RejectSessionInactive, "the session has ended")
	}

	return e.updateRecord(ctx, personID, func(rec *PersonRecord) error {
		rec.Correction = &CorrectionRequest{
			Reason:      reason,
			RequestedAt: e.now().UTC(),
			Status:      CorrectionPending,
		}
		rec.FinalStatus, rec.ExtraMinutes = Derive(*rec, sess.Mode)
		return nil
	})
}

// ResolveCorrection approves or denies a pending request. Approval
// rewrites the phase-1 slot to present at the approval instant; denial
// leaves scans untouched. Either way the status is re-derived.
func (e *Engine) ResolveCorrection(ctx context.Context, personID string, approve bool) (PersonRecord, error) {
	sess, _, err := e.liveSession(ctx)
	if err != nil {
		return PersonRecord{}, err
	}

	return e.updateRecord(ctx, personID, func(rec *PersonRecord) error {
		if rec.Correction == nil || rec.Correction.Status != CorrectionPending {
			return ErrNoPendingCorrection
		}
		if approve {
			rec.Correction.Status = CorrectionApproved
			rec.Scans[0] = Slot{
				Status:    SlotPresent,
				Timestamp: e.now().UTC(),
			}
		} else {
			rec.Correction.Status = CorrectionDenied
		}
		rec.FinalStatus, rec.ExtraMinutes = Derive(*rec, sess.Mode)
		return nil
	})
}

// Live returns the live session.
func (e *Engine) Live(ctx context.Context) (Session, error) {
	sess, _, err := e.liveSession(ctx)
	return sess, err
}

// LiveRecords returns every live person record, ordered by person id.
func (e *Engine) LiveRecords(ctx context.Context) ([]PersonRecord, error) {
	return e.listRecords(ctx, CollectionRecords)
}

// Archives lists archived sessions, newest start time first.
func (e *Engine) Archives(ctx context.Context) ([]Session, error) {
	docs, err := e.store.List(ctx, CollectionArchives)
	if err != nil {
		return nil, err
	}
	sessions := make([]Session, 0, len(docs))
	for _, doc := range docs {
		var sess Session
		if err := json.Unmarshal(doc.Data, &sess); err != nil {
			return nil, fmt.Errorf("decode archived session %s: %w", doc.ID, err)
		}
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})
	return sessions, nil
}

// Archive fetches one archived session and its records.
func (e *Engine) Archive(ctx context.Context, archiveID string) (Session, []PersonRecord, error) {
	doc, err := e.store.Get(ctx, CollectionArchives, archiveID)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, nil, ErrArchiveNotFound
	} else if err != nil {
		return Session{}, nil, err
	}
	var sess Session
	if err := json.Unmarshal(doc.Data, &sess); err != nil {
		return Session{}, nil, fmt.Errorf("decode archived session: %w", err)
	}

	all, err := e.listRecords(ctx, CollectionArchiveRecords)
	if err != nil {
		return Session{}, nil, err
	}
	records := make([]PersonRecord, 0, len(all))
	for _, rec := range all {
		if rec.SessionID == archiveID {
			records = append(records, rec)
		}
	}
	return sess, records, nil
}

// OverrideArchivedStatus is the explicit operator edit path on archived
// records: a direct status write that re-derives nothing.
func (e *Engine) OverrideArchivedStatus(ctx context.Context, archiveID, personID string, status FinalStatus) (PersonRecord, error) {
	id := archiveRecordID(archiveID, personID)
	doc, err := e.store.Get(ctx, CollectionArchiveRecords, id)
	if errors.Is(err, store.ErrNotFound) {
		return PersonRecord{}, ErrRecordNotFound
	} else if err != nil {
		return PersonRecord{}, err
	}
	var rec PersonRecord
	if err := json.Unmarshal(doc.Data, &rec); err != nil {
		return PersonRecord{}, fmt.Errorf("decode archived record: %w", err)
	}
	rec.FinalStatus = status
	if _, err := e.store.Set(ctx, CollectionArchiveRecords, id, mustJSON(rec)); err != nil {
		return PersonRecord{}, err
	}
	return rec, nil
}

// RebuildDeviceUsage recomputes the device registry from the live scan
// records. Usage is derivable state, so this runs on process start to
// avoid a second source of truth drifting from the records.
func (e *Engine) RebuildDeviceUsage(ctx context.Context) error {
	records, err := e.listRecords(ctx, CollectionRecords)
	if err != nil {
		return err
	}
	usage := make(map[int][]string)
	for _, rec := range records {
		for i, slot := range rec.Scans {
			if slot.Status != SlotAbsent && slot.DeviceID != "" {
				usage[i+1] = append(usage[i+1], slot.DeviceID)
			}
		}
	}
	return e.devices.Rebuild(ctx, usage)
}

func (e *Engine) liveSession(ctx context.Context) (Session, int64, error) {
	doc, err := e.store.Get(ctx, CollectionSessions, LiveSessionID)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, 0, ErrNoLiveSession
	} else if err != nil {
		return Session{}, 0, fmt.Errorf("load live session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(doc.Data, &sess); err != nil {
		return Session{}, 0, fmt.Errorf("decode live session: %w", err)
	}
	return sess, doc.Version, nil
}

func (e *Engine) record(ctx context.Context, personID string) (PersonRecord, int64, error) {
	doc, err := e.store.Get(ctx, CollectionRecords, personID)
	if errors.Is(err, store.ErrNotFound) {
		return PersonRecord{}, 0, ErrRecordNotFound
	} else if err != nil {
		return PersonRecord{}, 0, fmt.Errorf("load record %s: %w", personID, err)
	}
	var rec PersonRecord
	if err := json.Unmarshal(doc.Data, &rec); err != nil {
		return PersonRecord{}, 0, fmt.Errorf("decode record %s: %w", personID, err)
	}
	return rec, doc.Version, nil
}

func (e *Engine) listRecords(ctx context.Context, collection string) ([]PersonRecord, error) {
	docs, err := e.store.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	records := make([]PersonRecord, 0, len(docs))
	for _, doc := range docs {
		var rec PersonRecord
		if err := json.Unmarshal(doc.Data, &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", doc.ID, err)
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Person.ID < records[j].Person.ID
	})
	return records, nil
}

// updateRecord runs a bounded conditional read-modify-write on one
// person record.
func (e *Engine) updateRecord(ctx context.Context, personID string, mutate func(*PersonRecord) error) (PersonRecord, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		rec, version, err := e.record(ctx, personID)
		if err != nil {
			return PersonRecord{}, err
		}
		if err := mutate(&rec); err != nil {
			return PersonRecord{}, err
		}
		_, err = e.store.Update(ctx, CollectionRecords, personID, version, mustJSON(rec))
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return PersonRecord{}, fmt.Errorf("update record %s: %w", personID, err)
		}
	}
	return PersonRecord{}, fmt.Errorf("record write contention for person %s", personID)
}

func (e *Engine) releaseClaim(ctx context.Context, phase int, deviceID string) {
	if err := e.devices.Release(ctx, phase, deviceID); err != nil {
		log.Printf("device claim release failed: %v", err)
	}
}

func archiveRecordID(archiveID, personID string) string {
	return archiveID + "/" + personID
}

func mustJSON(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
