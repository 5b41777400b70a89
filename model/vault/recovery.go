package vault

import (
	"time"

	"github.com/google/uuid"
)

const (
	// RecoveryWindowDuration is the fixed length of the veto window opened by
	// a "lost all devices" recovery request.
	RecoveryWindowDuration = 48 * time.Hour

	// ClockDriftTolerance is accepted on both ends of the window so devices
	// with unsynchronized clocks neither spuriously reject a veto nor commit
	// prematurely.
	ClockDriftTolerance = 5 * time.Minute
)

// RecoveryOutcome is the terminal result of a recovery window.
type RecoveryOutcome uint8

const (
	OutcomePending RecoveryOutcome = iota
	OutcomeCommitted
	OutcomeRejected
)

func (o RecoveryOutcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeCommitted:
		return "committed"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// VetoMessage is one device's objection to a pending recovery. Append-only
// per window.
type VetoMessage struct {
	DeviceID  DeviceID
	Timestamp time.Time
	Reason    string
}

// RecoveryWindow tracks one in-flight "lost all devices" recovery request
// and its veto window. Created when the request is accepted, destroyed when
// the window is committed or rejected. The window itself is not safe for
// concurrent use; the recovery manager serializes access.
type RecoveryWindow struct {
	RequestID     uuid.UUID
	StartTime     time.Time
	EndTime       time.Time
	InitiatorRole Role

	vetoes  []VetoMessage
	outcome RecoveryOutcome
}

// NewRecoveryWindow opens a window of the fixed duration starting at now.
func NewRecoveryWindow(requestID uuid.UUID, role Role, now time.Time) *RecoveryWindow {
	return &RecoveryWindow{
		RequestID:     requestID,
		StartTime:     now,
		EndTime:       now.Add(RecoveryWindowDuration),
		InitiatorRole: role,
	}
}

// AddVeto appends a veto. Vetoes are never removed; a single recorded veto
// forces the window's outcome to rejected.
func (w *RecoveryWindow) AddVeto(v VetoMessage) {
	w.vetoes = append(w.vetoes, v)
}

// Vetoes returns the recorded vetoes in arrival order.
func (w *RecoveryWindow) Vetoes() []VetoMessage {
	out := make([]VetoMessage, len(w.vetoes))
	copy(out, w.vetoes)
	return out
}

// Vetoed reports whether at least one veto has been recorded.
func (w *RecoveryWindow) Vetoed() bool {
	return len(w.vetoes) > 0
}

// Outcome returns the window's resolution, OutcomePending while open.
func (w *RecoveryWindow) Outcome() RecoveryOutcome {
	return w.outcome
}

// Resolve sets the terminal outcome. Resolving an already-resolved window is
// a no-op so rejection stays monotonic: once rejected, a window can never
// become committed.
func (w *RecoveryWindow) Resolve(outcome RecoveryOutcome) {
	if w.outcome != OutcomePending {
		return
	}
	w.outcome = outcome
}
