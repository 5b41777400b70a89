package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vaultmesh/vaultmesh/model/vault"
)

// Error taxonomy, split in two families:
//
//   - Invariant violations (EpochRegressionError, MissingHeaderError,
//     MultipleHeadersError, CausalEntropyBarrierError, VetoSupremacyError,
//     VetoWindowActiveError, VetoWindowExpiredError). When one of these is
//     detected against committed state, the caller must not attempt local
//     recovery: it escalates to a meltdown. When returned by a validator
//     gating an attempted operation, the operation is refused and no state
//     changes.
//
//   - Protocol errors from I/O (InvalidTransitionError, ShadowWriteFailedError,
//     AtomicCommitFailedError, HeaderUpdateFailedError). These are retried or
//     rolled back within the attempted transition, leaving the state machine
//     at its pre-transition state so the caller can safely retry.

// EpochRegressionError indicates an attempted epoch that does not strictly
// increase the current one.
type EpochRegressionError struct {
	Current   uint32
	Attempted uint32
}

func NewEpochRegressionError(current, attempted uint32) error {
	return EpochRegressionError{Current: current, Attempted: attempted}
}

func (e EpochRegressionError) Error() string {
	return fmt.Sprintf("epoch regression: attempted %d does not exceed current %d", e.Attempted, e.Current)
}

func IsEpochRegressionError(err error) bool {
	var target EpochRegressionError
	return errors.As(err, &target)
}

// MissingHeaderError indicates an active device with no valid header for the
// current epoch.
type MissingHeaderError struct {
	DeviceID vault.DeviceID
}

func NewMissingHeaderError(id vault.DeviceID) error {
	return MissingHeaderError{DeviceID: id}
}

func (e MissingHeaderError) Error() string {
	return fmt.Sprintf("active device %s has no header for the current epoch", e.DeviceID)
}

func IsMissingHeaderError(err error) bool {
	var target MissingHeaderError
	return errors.As(err, &target)
}

// MultipleHeadersError indicates an active device with more than one header
// for the current epoch.
type MultipleHeadersError struct {
	DeviceID vault.DeviceID
	Count    int
}

func NewMultipleHeadersError(id vault.DeviceID, count int) error {
	return MultipleHeadersError{DeviceID: id, Count: count}
}

func (e MultipleHeadersError) Error() string {
	return fmt.Sprintf("active device %s has %d headers for the current epoch", e.DeviceID, e.Count)
}

func IsMultipleHeadersError(err error) bool {
	var target MultipleHeadersError
	return errors.As(err, &target)
}

// CausalEntropyBarrierError indicates a recovery-role session attempting the
// root-authority-rotation operation. Decrypt capability never implies
// authority-changing capability.
type CausalEntropyBarrierError struct{}

func NewCausalEntropyBarrierError() error {
	return CausalEntropyBarrierError{}
}

func (e CausalEntropyBarrierError) Error() string {
	return "causal entropy barrier: recovery role cannot rotate root authority"
}

func IsCausalEntropyBarrierError(err error) bool {
	var target CausalEntropyBarrierError
	return errors.As(err, &target)
}

// VetoSupremacyError indicates a recovery window with at least one recorded
// veto; its outcome is forced to rejected regardless of timing or count.
type VetoSupremacyError struct {
	RequestID uuid.UUID
	VetoCount int
}

func NewVetoSupremacyError(requestID uuid.UUID, count int) error {
	return VetoSupremacyError{RequestID: requestID, VetoCount: count}
}

func (e VetoSupremacyError) Error() string {
	return fmt.Sprintf("recovery window %s is vetoed (%d vetoes recorded)", e.RequestID, e.VetoCount)
}

func IsVetoSupremacyError(err error) bool {
	var target VetoSupremacyError
	return errors.As(err, &target)
}

// VetoWindowActiveError indicates a commit attempted while the veto window
// has not yet elapsed.
type VetoWindowActiveError struct {
	RequestID uuid.UUID
	Remaining time.Duration
}

func NewVetoWindowActiveError(requestID uuid.UUID, remaining time.Duration) error {
	return VetoWindowActiveError{RequestID: requestID, Remaining: remaining}
}

func (e VetoWindowActiveError) Error() string {
	return fmt.Sprintf("recovery window %s still active for %s", e.RequestID, e.Remaining)
}

func IsVetoWindowActiveError(err error) bool {
	var target VetoWindowActiveError
	return errors.As(err, &target)
}

// VetoWindowExpiredError indicates a veto submitted after the window closed,
// drift tolerance included.
type VetoWindowExpiredError struct {
	RequestID uuid.UUID
}

func NewVetoWindowExpiredError(requestID uuid.UUID) error {
	return VetoWindowExpiredError{RequestID: requestID}
}

func (e VetoWindowExpiredError) Error() string {
	return fmt.Sprintf("veto window %s has expired", e.RequestID)
}

func IsVetoWindowExpiredError(err error) bool {
	var target VetoWindowExpiredError
	return errors.As(err, &target)
}

// IsInvariantViolation returns whether the error belongs to the invariant
// violation family.
func IsInvariantViolation(err error) bool {
	return IsEpochRegressionError(err) ||
		IsMissingHeaderError(err) ||
		IsMultipleHeadersError(err) ||
		IsCausalEntropyBarrierError(err) ||
		IsVetoSupremacyError(err) ||
		IsVetoWindowActiveError(err) ||
		IsVetoWindowExpiredError(err)
}

// InvalidTransitionError indicates a transition not permitted by the state
// transition table.
type InvalidTransitionError struct {
	From vault.Status
	To   vault.Status
	msg  string
}

func NewInvalidTransitionErrorf(from, to vault.Status, msg string, args ...interface{}) error {
	return InvalidTransitionError{From: from, To: to, msg: fmt.Sprintf(msg, args...)}
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.msg)
}

func IsInvalidTransitionError(err error) bool {
	var target InvalidTransitionError
	return errors.As(err, &target)
}

// ShadowWriteFailedError indicates the durable write of the new metadata to
// its temporary location failed; the committed document is untouched.
type ShadowWriteFailedError struct {
	error
}

func NewShadowWriteFailedErrorf(msg string, args ...interface{}) error {
	return ShadowWriteFailedError{error: fmt.Errorf(msg, args...)}
}

func (e ShadowWriteFailedError) Unwrap() error {
	return e.error
}

func IsShadowWriteFailedError(err error) bool {
	var target ShadowWriteFailedError
	return errors.As(err, &target)
}

// AtomicCommitFailedError indicates the single atomic replace failed; the old
// metadata remains live.
type AtomicCommitFailedError struct {
	error
}

func NewAtomicCommitFailedErrorf(msg string, args ...interface{}) error {
	return AtomicCommitFailedError{error: fmt.Errorf(msg, args...)}
}

func (e AtomicCommitFailedError) Unwrap() error {
	return e.error
}

func IsAtomicCommitFailedError(err error) bool {
	var target AtomicCommitFailedError
	return errors.As(err, &target)
}

// HeaderUpdateFailedError indicates the re-wrap batch failed for at least one
// device; the whole batch is rolled back as a unit.
type HeaderUpdateFailedError struct {
	error
}

func NewHeaderUpdateFailedErrorf(msg string, args ...interface{}) error {
	return HeaderUpdateFailedError{error: fmt.Errorf(msg, args...)}
}

func (e HeaderUpdateFailedError) Unwrap() error {
	return e.error
}

func IsHeaderUpdateFailedError(err error) bool {
	var target HeaderUpdateFailedError
	return errors.As(err, &target)
}
