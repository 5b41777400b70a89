package recovery_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultmesh/vaultmesh/model/vault"
	"github.com/vaultmesh/vaultmesh/module/recovery"
	"github.com/vaultmesh/vaultmesh/network"
	"github.com/vaultmesh/vaultmesh/state/protocol"
	"github.com/vaultmesh/vaultmesh/utils/unittest"
)

func newManager(t *testing.T) (*recovery.Manager, *protocol.StateMachine, *unittest.MutableClock) {
	log := unittest.Logger()
	clock := unittest.NewMutableClock(time.Now())
	sm := protocol.NewStateMachine(log, 1, protocol.NewDistributor())
	m := recovery.NewManager(log, sm, recovery.WithClock(clock.Now))
	return m, sm, clock
}

func TestInitiate(t *testing.T) {
	t.Run("opens a 48 hour window", func(t *testing.T) {
		m, sm, clock := newManager(t)
		w, err := m.Initiate(vault.RoleAuthorized)
		require.NoError(t, err)
		assert.Equal(t, clock.Now().Add(vault.RecoveryWindowDuration), w.EndTime)
		assert.Equal(t, vault.StatusRecoveryInitiated, sm.CurrentState().Status())
	})

	t.Run("recovery role cannot initiate", func(t *testing.T) {
		m, sm, _ := newManager(t)
		_, err := m.Initiate(vault.RoleRecovery)
		require.True(t, protocol.IsCausalEntropyBarrierError(err))
		assert.Equal(t, vault.StatusIdle, sm.CurrentState().Status())
		assert.Nil(t, m.Window())
	})

	t.Run("second concurrent request rejected", func(t *testing.T) {
		m, _, _ := newManager(t)
		_, err := m.Initiate(vault.RoleAuthorized)
		require.NoError(t, err)
		_, err = m.Initiate(vault.RoleAuthorized)
		require.True(t, protocol.IsInvalidTransitionError(err))
	})
}

// TestVetoRejectsWindow exercises the one-veto path: a single objection ten
// hours in terminates the window immediately.
func TestVetoRejectsWindow(t *testing.T) {
	m, sm, clock := newManager(t)
	w, err := m.Initiate(vault.RoleAuthorized)
	require.NoError(t, err)

	clock.Advance(10 * time.Hour)
	require.NoError(t, m.AddVeto(w.RequestID, unittest.DeviceIDFixture(), "that is not me"))

	assert.Equal(t, vault.OutcomeRejected, w.Outcome())
	assert.Equal(t, vault.StatusIdle, sm.CurrentState().Status())
	assert.Nil(t, m.Window())

	// the terminated window no longer accepts anything
	err = m.AddVeto(w.RequestID, unittest.DeviceIDFixture(), "again")
	require.ErrorIs(t, err, recovery.ErrUnknownRequest)
	_, err = m.CheckAndFinalize(w.RequestID)
	require.ErrorIs(t, err, recovery.ErrUnknownRequest)
}

// TestUnvetoedWindowCommits lets the window elapse with zero vetoes and
// checks the commit lands exactly once.
func TestUnvetoedWindowCommits(t *testing.T) {
	m, sm, clock := newManager(t)
	w, err := m.Initiate(vault.RoleAuthorized)
	require.NoError(t, err)

	// well inside the window nothing finalizes
	clock.Advance(24 * time.Hour)
	outcome, err := m.CheckAndFinalize(w.RequestID)
	require.NoError(t, err)
	assert.Equal(t, vault.OutcomePending, outcome)
	assert.Equal(t, vault.StatusRecoveryInitiated, sm.CurrentState().Status())

	clock.Advance(24*time.Hour + time.Minute)
	outcome, err = m.CheckAndFinalize(w.RequestID)
	require.NoError(t, err)
	assert.Equal(t, vault.OutcomeCommitted, outcome)
	assert.Equal(t, vault.StatusIdle, sm.CurrentState().Status())

	// exactly once
	_, err = m.CheckAndFinalize(w.RequestID)
	require.ErrorIs(t, err, recovery.ErrUnknownRequest)
}

// TestLateVetoWithinTolerance covers the clock-drift grace period: a veto
// arriving after end_time but within the tolerance still forces rejection.
func TestLateVetoWithinTolerance(t *testing.T) {
	m, _, clock := newManager(t)
	w, err := m.Initiate(vault.RoleAuthorized)
	require.NoError(t, err)

	clock.Advance(vault.RecoveryWindowDuration + vault.ClockDriftTolerance - time.Second)
	require.NoError(t, m.AddVeto(w.RequestID, unittest.DeviceIDFixture(), "late but valid"))
	assert.Equal(t, vault.OutcomeRejected, w.Outcome())
}

func TestVetoAfterToleranceExpired(t *testing.T) {
	m, _, clock := newManager(t)
	w, err := m.Initiate(vault.RoleAuthorized)
	require.NoError(t, err)

	clock.Advance(vault.RecoveryWindowDuration + vault.ClockDriftTolerance + time.Second)
	err = m.AddVeto(w.RequestID, unittest.DeviceIDFixture(), "too late")
	require.True(t, protocol.IsVetoWindowExpiredError(err))

	// the window itself is still open and now commits
	outcome, err := m.CheckAndFinalize(w.RequestID)
	require.NoError(t, err)
	assert.Equal(t, vault.OutcomeCommitted, outcome)
}

// TestVetoedWindowNeverCommits records a veto early, then finalizes after the
// window has fully elapsed: the veto wins regardless of elapsed time.
func TestVetoedWindowNeverCommits(t *testing.T) {
	m, _, clock := newManager(t)
	w, err := m.Initiate(vault.RoleAuthorized)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, m.AddVeto(w.RequestID, unittest.DeviceIDFixture(), "no"))

	clock.Advance(vault.RecoveryWindowDuration)
	assert.Equal(t, vault.OutcomeRejected, w.Outcome())
}

func TestUnknownRequestID(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.Initiate(vault.RoleAuthorized)
	require.NoError(t, err)

	err = m.AddVeto(uuid.New(), unittest.DeviceIDFixture(), "wrong id")
	require.ErrorIs(t, err, recovery.ErrUnknownRequest)
}

func TestNewWindowAfterResolution(t *testing.T) {
	m, sm, clock := newManager(t)
	w, err := m.Initiate(vault.RoleAuthorized)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, m.AddVeto(w.RequestID, unittest.DeviceIDFixture(), "no"))
	require.Equal(t, vault.StatusIdle, sm.CurrentState().Status())

	w2, err := m.Initiate(vault.RoleAuthorized)
	require.NoError(t, err)
	assert.NotEqual(t, w.RequestID, w2.RequestID)
}

// TestWatchVetoes streams a veto through the loopback transport and checks
// the manager records it and terminates the window.
func TestWatchVetoes(t *testing.T) {
	m, sm, clock := newManager(t)
	w, err := m.Initiate(vault.RoleAuthorized)
	require.NoError(t, err)

	transport := network.NewLoopback()
	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		done <- m.WatchVetoes(ctx, transport, w.RequestID)
	}()

	clock.Advance(time.Hour)
	veto := vault.VetoMessage{
		DeviceID:  unittest.DeviceIDFixture(),
		Timestamp: clock.Now(),
		Reason:    "streamed",
	}

	// the loopback drops vetoes submitted before the watcher's stream is
	// registered, so resubmit until the window terminates
	require.Eventually(t, func() bool {
		transport.SubmitVeto(w.RequestID, veto)
		return m.Window() == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, vault.OutcomeRejected, w.Outcome())
	assert.Equal(t, vault.StatusIdle, sm.CurrentState().Status())
}
