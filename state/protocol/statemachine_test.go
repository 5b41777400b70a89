package protocol

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultmesh/vaultmesh/model/vault"
	"github.com/vaultmesh/vaultmesh/utils/unittest"
)

// eventRecorder captures coarse state events for assertions.
type eventRecorder struct {
	transitions []string
	meltdowns   []string
}

func (r *eventRecorder) OnStateTransition(from, to vault.Status) {
	r.transitions = append(r.transitions, from.String()+"->"+to.String())
}

func (r *eventRecorder) OnMeltdown(category string) {
	r.meltdowns = append(r.meltdowns, category)
}

func newMachine(t *testing.T, epoch uint32) (*StateMachine, *eventRecorder) {
	rec := &eventRecorder{}
	d := NewDistributor()
	d.AddConsumer(rec)
	return NewStateMachine(unittest.Logger(), epoch, d), rec
}

func TestIdleToRekeying(t *testing.T) {
	sm, _ := newMachine(t, 5)

	t.Run("higher epoch accepted", func(t *testing.T) {
		rk := vault.NewRekeyingContext(5, 6, nil)
		require.NoError(t, sm.Transition(vault.Rekeying{Context: rk}))
		assert.Equal(t, vault.StatusRekeying, sm.CurrentState().Status())
	})

	t.Run("regressing epoch refused without state change", func(t *testing.T) {
		sm, _ := newMachine(t, 5)
		rk := vault.NewRekeyingContext(5, 4, nil)
		err := sm.Transition(vault.Rekeying{Context: rk})
		require.True(t, IsEpochRegressionError(err))
		assert.Equal(t, vault.StatusIdle, sm.CurrentState().Status())
		assert.Equal(t, uint32(5), sm.CurrentEpoch())
	})
}

func TestRekeyingToIdle(t *testing.T) {
	devices := []vault.DeviceID{unittest.DeviceIDFixture(), unittest.DeviceIDFixture()}

	t.Run("refused while devices pending", func(t *testing.T) {
		sm, _ := newMachine(t, 1)
		rk := vault.NewRekeyingContext(1, 2, devices)
		require.NoError(t, sm.Transition(vault.Rekeying{Context: rk}))

		err := sm.Transition(vault.Idle{})
		require.True(t, IsInvalidTransitionError(err))
		assert.Equal(t, vault.StatusRekeying, sm.CurrentState().Status())
	})

	t.Run("allowed once all devices completed", func(t *testing.T) {
		sm, _ := newMachine(t, 1)
		rk := vault.NewRekeyingContext(1, 2, devices)
		require.NoError(t, sm.Transition(vault.Rekeying{Context: rk}))
		for _, id := range devices {
			rk.MarkCompleted(id)
		}
		require.NoError(t, sm.Transition(vault.Idle{}))
	})

	t.Run("allowed after abort", func(t *testing.T) {
		sm, _ := newMachine(t, 1)
		rk := vault.NewRekeyingContext(1, 2, devices)
		require.NoError(t, sm.Transition(vault.Rekeying{Context: rk}))
		rk.Abort()
		require.NoError(t, sm.Transition(vault.Idle{}))
		assert.Equal(t, uint32(1), sm.CurrentEpoch())
	})
}

func TestIdleToRecoveryInitiated(t *testing.T) {
	now := time.Now()

	t.Run("authorized role accepted", func(t *testing.T) {
		sm, _ := newMachine(t, 1)
		w := vault.NewRecoveryWindow(uuid.New(), vault.RoleAuthorized, now)
		require.NoError(t, sm.Transition(vault.RecoveryInitiated{Window: w}))
	})

	t.Run("recovery role refused without state change", func(t *testing.T) {
		sm, _ := newMachine(t, 1)
		w := vault.NewRecoveryWindow(uuid.New(), vault.RoleRecovery, now)
		err := sm.Transition(vault.RecoveryInitiated{Window: w})
		require.True(t, IsCausalEntropyBarrierError(err))
		assert.Equal(t, vault.StatusIdle, sm.CurrentState().Status())
	})
}

func TestRecoveryInitiatedToIdle(t *testing.T) {
	now := time.Now()
	sm, _ := newMachine(t, 1)
	w := vault.NewRecoveryWindow(uuid.New(), vault.RoleAuthorized, now)
	require.NoError(t, sm.Transition(vault.RecoveryInitiated{Window: w}))

	// unresolved window cannot close
	err := sm.Transition(vault.Idle{})
	require.True(t, IsInvalidTransitionError(err))

	w.Resolve(vault.OutcomeRejected)
	require.NoError(t, sm.Transition(vault.Idle{}))
}

func TestDegradedTransitions(t *testing.T) {
	t.Run("transient degradation can recover", func(t *testing.T) {
		sm, _ := newMachine(t, 1)
		require.NoError(t, sm.Transition(vault.Degraded{Reason: "integrity check failed"}))
		require.NoError(t, sm.Transition(vault.Idle{}))
	})

	t.Run("persistent degradation only revokes", func(t *testing.T) {
		sm, _ := newMachine(t, 1)
		require.NoError(t, sm.Transition(vault.Degraded{Reason: "integrity check failed", Persistent: true}))
		err := sm.Transition(vault.Idle{})
		require.True(t, IsInvalidTransitionError(err))
		require.NoError(t, sm.Transition(vault.Revoked{}))
	})

	t.Run("degradation requires a reason", func(t *testing.T) {
		sm, _ := newMachine(t, 1)
		err := sm.Transition(vault.Degraded{})
		require.True(t, IsInvalidTransitionError(err))
	})
}

func TestRevokedIsTerminal(t *testing.T) {
	sm, _ := newMachine(t, 1)
	require.NoError(t, sm.Transition(vault.Revoked{}))

	for _, target := range []vault.ProtocolState{
		vault.Idle{},
		vault.Rekeying{Context: vault.NewRekeyingContext(1, 2, nil)},
		vault.Degraded{Reason: "x"},
	} {
		err := sm.Transition(target)
		require.True(t, IsInvalidTransitionError(err), "to %s", target.Status())
	}
}

func TestForceDegraded(t *testing.T) {
	sm, rec := newMachine(t, 3)
	rk := vault.NewRekeyingContext(3, 4, []vault.DeviceID{unittest.DeviceIDFixture()})
	require.NoError(t, sm.Transition(vault.Rekeying{Context: rk}))

	sm.ForceDegraded("header-integrity", true)
	state := sm.CurrentState()
	require.Equal(t, vault.StatusDegraded, state.Status())
	deg, ok := state.(vault.Degraded)
	require.True(t, ok)
	assert.True(t, deg.Persistent)
	assert.Contains(t, rec.transitions, "rekeying->degraded")
}

func TestAdvanceEpoch(t *testing.T) {
	sm, _ := newMachine(t, 5)
	assert.True(t, sm.AdvanceEpoch(6))
	assert.False(t, sm.AdvanceEpoch(6))
	assert.False(t, sm.AdvanceEpoch(2))
	assert.Equal(t, uint32(6), sm.CurrentEpoch())
}

func TestTransitionEventsDelivered(t *testing.T) {
	sm, rec := newMachine(t, 1)
	rk := vault.NewRekeyingContext(1, 2, nil)
	require.NoError(t, sm.Transition(vault.Rekeying{Context: rk}))
	require.NoError(t, sm.Transition(vault.Idle{}))
	assert.Equal(t, []string{"idle->rekeying", "rekeying->idle"}, rec.transitions)
}
