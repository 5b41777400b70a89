package protocol

import (
	"time"

	"github.com/vaultmesh/vaultmesh/model/vault"
)

// The four global invariants, implemented as pure, side-effect-free checks.
// Every component consults the matching check before committing a transition.
// A caller that sees one of these errors returned against committed state
// must not attempt local recovery; it escalates to a meltdown.

// CheckEpochMonotonicity enforces epoch monotonicity: every accepted epoch is
// strictly greater than the previous.
func CheckEpochMonotonicity(current, attempted uint32) error {
	if attempted <= current {
		return NewEpochRegressionError(current, attempted)
	}
	return nil
}

// CheckHeaderCompleteness enforces header completeness: every member of the active
// device set maps to exactly one valid header at the current epoch. A header
// at a different epoch does not count.
func CheckHeaderCompleteness(active []vault.DeviceID, currentEpoch uint32, headers []vault.DeviceHeader) error {
	counts := make(map[vault.DeviceID]int, len(headers))
	for _, h := range headers {
		if h.Epoch != currentEpoch {
			continue
		}
		counts[h.DeviceID]++
	}
	for _, id := range active {
		switch n := counts[id]; {
		case n == 0:
			return NewMissingHeaderError(id)
		case n > 1:
			return NewMultipleHeadersError(id, n)
		}
	}
	return nil
}

// CheckCausalBarrier enforces the causal entropy barrier: a recovery-role session can never
// invoke the root-authority-changing operation.
func CheckCausalBarrier(role vault.Role) error {
	if role == vault.RoleRecovery {
		return NewCausalEntropyBarrierError()
	}
	return nil
}

// CheckVetoSupremacy enforces veto supremacy. It returns nil (commit allowed)
// only if the window has elapsed, drift tolerance included, with zero vetoes.
// Any recorded veto forces VetoSupremacyError regardless of time, arrival
// order or count; a window that is neither vetoed nor elapsed returns
// VetoWindowActiveError.
func CheckVetoSupremacy(window *vault.RecoveryWindow, now time.Time) error {
	if window.Vetoed() {
		return NewVetoSupremacyError(window.RequestID, len(window.Vetoes()))
	}
	commitBoundary := window.EndTime.Add(-vault.ClockDriftTolerance)
	if now.Before(commitBoundary) {
		return NewVetoWindowActiveError(window.RequestID, window.EndTime.Sub(now))
	}
	return nil
}
