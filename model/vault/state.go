package vault

import "fmt"

// Status is the coarse classification of a protocol state, used for the
// transition table and for user-facing display. The full state, including
// per-variant payloads, is the ProtocolState sum type below.
type Status uint8

const (
	StatusIdle Status = iota + 1
	StatusRekeying
	StatusRecoveryInitiated
	StatusDegraded
	StatusRevoked
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRekeying:
		return "rekeying"
	case StatusRecoveryInitiated:
		return "recovery-initiated"
	case StatusDegraded:
		return "degraded"
	case StatusRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("unknown-status-%d", uint8(s))
	}
}

// ProtocolState is the tagged variant describing what the protocol core is
// doing right now. Exactly one instance exists per open vault; it is owned by
// the state machine and mutated only through validated transitions.
//
// The interface is sealed: the only implementations are the variant structs
// in this file, so a switch over the concrete type is exhaustive. Modelling
// the state this way (rather than as booleans and optional fields) keeps the
// invalid-state space closed.
type ProtocolState interface {
	Status() Status
	isProtocolState()
}

// Idle is the quiescent state: no rekeying and no recovery in flight.
type Idle struct{}

func (Idle) Status() Status   { return StatusIdle }
func (Idle) isProtocolState() {}

// Rekeying carries the progress context of an in-flight epoch upgrade.
type Rekeying struct {
	Context *RekeyingContext
}

func (Rekeying) Status() Status   { return StatusRekeying }
func (Rekeying) isProtocolState() {}

// RecoveryInitiated carries the open recovery window.
type RecoveryInitiated struct {
	Window *RecoveryWindow
}

func (RecoveryInitiated) Status() Status   { return StatusRecoveryInitiated }
func (RecoveryInitiated) isProtocolState() {}

// Degraded is the read-only safe mode entered when an integrity check fails
// or an invariant violation melts the session down. A persistent degradation
// can only progress to Revoked.
type Degraded struct {
	Reason     string
	Persistent bool
}

func (Degraded) Status() Status   { return StatusDegraded }
func (Degraded) isProtocolState() {}

// Revoked is terminal for the session: no further key operations accepted.
type Revoked struct{}

func (Revoked) Status() Status   { return StatusRevoked }
func (Revoked) isProtocolState() {}
