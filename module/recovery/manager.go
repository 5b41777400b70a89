// Package recovery manages the "lost all devices" recovery path: a fixed
// 48-hour window any surviving device can veto. A single recorded veto
// forces rejection; a window that elapses with zero vetoes commits exactly
// once.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vaultmesh/vaultmesh/model/vault"
	"github.com/vaultmesh/vaultmesh/network"
	"github.com/vaultmesh/vaultmesh/state/protocol"
)

// ErrUnknownRequest indicates the request id does not match the open window.
var ErrUnknownRequest = errors.New("unknown recovery request")

// Manager tracks at most one in-flight recovery window. One mutex serializes
// veto recording and finalization, so a veto present at the instant of the
// finalize check always wins; there is no commit-then-veto ordering once a
// veto has been recorded.
type Manager struct {
	log zerolog.Logger
	sm  *protocol.StateMachine

	mu     sync.Mutex
	window *vault.RecoveryWindow

	now func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager with no open window.
func NewManager(log zerolog.Logger, sm *protocol.StateMachine, opts ...Option) *Manager {
	m := &Manager{
		log: log.With().Str("component", "recovery_manager").Logger(),
		sm:  sm,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initiate opens a recovery window. A recovery-role initiator is rejected
// with CausalEntropyBarrierError; a second concurrent request is rejected,
// not queued.
func (m *Manager) Initiate(role vault.Role) (*vault.RecoveryWindow, error) {
	if err := protocol.CheckCausalBarrier(role); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.window != nil {
		return nil, protocol.NewInvalidTransitionErrorf(
			vault.StatusRecoveryInitiated, vault.StatusRecoveryInitiated,
			"recovery window %s already open", m.window.RequestID)
	}

	window := vault.NewRecoveryWindow(uuid.New(), role, m.now())
	if err := m.sm.Transition(vault.RecoveryInitiated{Window: window}); err != nil {
		return nil, err
	}
	m.window = window

	m.log.Info().
		Str("request_id", window.RequestID.String()).
		Time("end_time", window.EndTime).
		Msg("recovery window opened")
	return window, nil
}

// AddVeto records one device's objection. Accepted while
// now <= end_time + tolerance; once accepted, the window is marked rejected
// and the state machine driven back to Idle in the same operation. This is
// the only write path that can terminate a window early.
func (m *Manager) AddVeto(requestID uuid.UUID, deviceID vault.DeviceID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	window, err := m.openWindow(requestID)
	if err != nil {
		return err
	}

	now := m.now()
	if now.After(window.EndTime.Add(vault.ClockDriftTolerance)) {
		return protocol.NewVetoWindowExpiredError(requestID)
	}

	window.AddVeto(vault.VetoMessage{
		DeviceID:  deviceID,
		Timestamp: now,
		Reason:    reason,
	})
	window.Resolve(vault.OutcomeRejected)
	if err := m.sm.Transition(vault.Idle{}); err != nil {
		return err
	}
	m.window = nil

	m.log.Info().
		Str("request_id", requestID.String()).
		Str("device", deviceID.String()).
		Msg("recovery vetoed")
	return nil
}

// CheckAndFinalize applies the veto-supremacy check to the open window.
// Before the window elapses it reports OutcomePending and changes nothing.
// On a veto it cleans up and reports OutcomeRejected; after an un-vetoed
// window elapses it cleans up and reports OutcomeCommitted, exactly once.
// Root-authority transfer on a committed recovery is gated separately by the
// causal-barrier check on the resulting session.
func (m *Manager) CheckAndFinalize(requestID uuid.UUID) (vault.RecoveryOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	window, err := m.openWindow(requestID)
	if err != nil {
		return vault.OutcomePending, err
	}

	verr := protocol.CheckVetoSupremacy(window, m.now())
	switch {
	case verr == nil:
		window.Resolve(vault.OutcomeCommitted)

	case protocol.IsVetoSupremacyError(verr):
		window.Resolve(vault.OutcomeRejected)

	case protocol.IsVetoWindowActiveError(verr):
		return vault.OutcomePending, nil

	default:
		return vault.OutcomePending, verr
	}

	if err := m.sm.Transition(vault.Idle{}); err != nil {
		return vault.OutcomePending, err
	}
	outcome := window.Outcome()
	m.window = nil

	m.log.Info().
		Str("request_id", requestID.String()).
		Str("outcome", outcome.String()).
		Msg("recovery window finalized")
	return outcome, nil
}

// Window returns the open window, or nil.
func (m *Manager) Window() *vault.RecoveryWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.window
}

// WatchVetoes consumes the transport's veto stream for the open window and
// records each incoming veto. It returns when the stream closes, the context
// is cancelled, or the window terminates.
func (m *Manager) WatchVetoes(ctx context.Context, transport network.Transport, requestID uuid.UUID) error {
	stream, err := transport.VetoStream(ctx, requestID)
	if err != nil {
		return fmt.Errorf("could not open veto stream: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-stream:
			if !ok {
				return nil
			}
			err := m.AddVeto(requestID, msg.DeviceID, msg.Reason)
			if err != nil {
				if errors.Is(err, ErrUnknownRequest) {
					// window already terminated
					return nil
				}
				m.log.Warn().Err(err).Msg("could not record streamed veto")
			}
		}
	}
}

// openWindow returns the open window matching the request, holding m.mu.
func (m *Manager) openWindow(requestID uuid.UUID) (*vault.RecoveryWindow, error) {
	if m.window == nil || m.window.RequestID != requestID {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrUnknownRequest)
	}
	return m.window, nil
}
