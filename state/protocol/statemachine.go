package protocol

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/vaultmesh/vaultmesh/model/vault"
	"github.com/vaultmesh/vaultmesh/module/counters"
)

// StateMachine is the single top-level orchestrator of the key-lifecycle
// protocol. It owns the protocol state and the epoch counter and refuses any
// transition the invariant validator rejects. On a rejected transition the
// state is left untouched and the validator's error is returned unchanged,
// so no partial transition is ever observable.
//
// Transitions are synchronous and in-memory; the mutex is held only for the
// validation and the state swap, never across I/O.
type StateMachine struct {
	log      zerolog.Logger
	mu       sync.Mutex
	state    vault.ProtocolState
	epoch    *counters.StrictMonotonicCounter
	consumer Consumer
}

// NewStateMachine creates a machine in the Idle state at the given epoch.
// The consumer receives coarse state-change events after each successful
// transition; pass a Distributor to fan out to multiple observers.
func NewStateMachine(log zerolog.Logger, currentEpoch uint32, consumer Consumer) *StateMachine {
	return &StateMachine{
		log:      log.With().Str("component", "protocol_state_machine").Logger(),
		state:    vault.Idle{},
		epoch:    counters.NewStrictMonotonicCounter(currentEpoch),
		consumer: consumer,
	}
}

// CurrentState returns the protocol state.
func (sm *StateMachine) CurrentState() vault.ProtocolState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// CurrentEpoch returns the epoch counter without taking the state lock, so
// validators get a fast monotonic read.
func (sm *StateMachine) CurrentEpoch() uint32 {
	return sm.epoch.Value()
}

// AdvanceEpoch moves the epoch counter forward after a committed upgrade.
// It returns false if the value does not strictly increase the counter; the
// counter is then unchanged.
func (sm *StateMachine) AdvanceEpoch(epoch uint32) bool {
	ok := sm.epoch.Set(epoch)
	if ok {
		sm.log.Info().Uint32("epoch", epoch).Msg("epoch advanced")
	}
	return ok
}

// Transition attempts to move the machine to the target state. The validator
// function matching the (current, target) pair runs first; on any error the
// state is untouched and the error is returned unchanged to the caller.
func (sm *StateMachine) Transition(target vault.ProtocolState) error {
	sm.mu.Lock()
	from := sm.state.Status()
	if err := sm.validateTransition(sm.state, target); err != nil {
		sm.mu.Unlock()
		return err
	}
	sm.state = target
	sm.mu.Unlock()

	sm.log.Info().
		Str("from", from.String()).
		Str("to", target.Status().String()).
		Msg("state transition")
	sm.consumer.OnStateTransition(from, target.Status())
	return nil
}

// ForceDegraded is the meltdown entry point: it moves the machine into
// Degraded from any state, bypassing the transition table. It is the only
// path that skips validation, and it only ever narrows capability.
func (sm *StateMachine) ForceDegraded(reason string, persistent bool) {
	sm.mu.Lock()
	from := sm.state.Status()
	sm.state = vault.Degraded{Reason: reason, Persistent: persistent}
	sm.mu.Unlock()

	sm.log.Error().
		Str("from", from.String()).
		Msg("state machine forced into degraded mode")
	sm.consumer.OnStateTransition(from, vault.StatusDegraded)
}

// validateTransition implements the state transition table. Callers hold the
// mutex.
func (sm *StateMachine) validateTransition(current, target vault.ProtocolState) error {
	from := current.Status()
	to := target.Status()

	switch from {

	case vault.StatusIdle:
		switch st := target.(type) {
		case vault.Rekeying:
			if st.Context == nil {
				return NewInvalidTransitionErrorf(from, to, "rekeying requires a context")
			}
			// epoch monotonicity: the new header epoch must exceed the current epoch
			return CheckEpochMonotonicity(sm.epoch.Value(), st.Context.NewEpoch)
		case vault.RecoveryInitiated:
			if st.Window == nil {
				return NewInvalidTransitionErrorf(from, to, "recovery requires a window")
			}
			// causal entropy barrier: only an authorized session may open recovery
			return CheckCausalBarrier(st.Window.InitiatorRole)
		case vault.Degraded:
			if st.Reason == "" {
				return NewInvalidTransitionErrorf(from, to, "degradation requires a reason")
			}
			return nil
		case vault.Revoked:
			// explicit revoke-self instruction
			return nil
		}

	case vault.StatusRekeying:
		rk, ok := current.(vault.Rekeying)
		if !ok || rk.Context == nil {
			return NewInvalidTransitionErrorf(from, to, "rekeying state lost its context")
		}
		if to == vault.StatusIdle {
			// completion requires every active device re-wrapped at the new
			// epoch (header completeness, re-checked against headers by the upgrade
			// coordinator before it commits); rollback requires an explicit
			// abort, which returns the machine to its pre-transition state
			if rk.Context.Done() || rk.Context.Aborted() {
				return nil
			}
			return NewInvalidTransitionErrorf(from, to,
				"%d devices still pending at epoch %d", len(rk.Context.Pending()), rk.Context.NewEpoch)
		}

	case vault.StatusRecoveryInitiated:
		ri, ok := current.(vault.RecoveryInitiated)
		if !ok || ri.Window == nil {
			return NewInvalidTransitionErrorf(from, to, "recovery state lost its window")
		}
		if to == vault.StatusIdle {
			// the window must have been resolved, either rejected by a veto
			// (veto supremacy) or committed after elapsing with zero vetoes
			if ri.Window.Outcome() == vault.OutcomePending {
				return NewInvalidTransitionErrorf(from, to, "recovery window is unresolved")
			}
			return nil
		}

	case vault.StatusDegraded:
		deg, ok := current.(vault.Degraded)
		if !ok {
			return NewInvalidTransitionErrorf(from, to, "degraded state lost its payload")
		}
		switch to {
		case vault.StatusRevoked:
			// integrity failure persists
			return nil
		case vault.StatusIdle:
			if deg.Persistent {
				return NewInvalidTransitionErrorf(from, to, "persistent degradation cannot recover")
			}
			// integrity re-verified by the caller
			return nil
		}

	case vault.StatusRevoked:
		// terminal for the session
	}

	return NewInvalidTransitionErrorf(from, to, "transition not in table")
}
