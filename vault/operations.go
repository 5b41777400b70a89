package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vaultmesh/vaultmesh/crypto"
	model "github.com/vaultmesh/vaultmesh/model/vault"
	"github.com/vaultmesh/vaultmesh/state/protocol"
)

// Register adds a device at the current epoch. Registration alone does not
// advance the epoch: the new device learns the current key, it does not
// invalidate anyone else's.
func (v *Vault) Register(ctx context.Context, name string, publicKey []byte) (model.DeviceID, error) {
	v.opMu.Lock()
	defer v.opMu.Unlock()

	if err := v.requireOperational(); err != nil {
		return model.ZeroDeviceID, err
	}

	v.keyMu.Lock()
	dek := v.dek.Copy()
	v.keyMu.Unlock()
	if dek == nil {
		return model.ZeroDeviceID, ErrLocked
	}
	defer dek.Zeroize()

	rec := model.DeviceRecord{
		DeviceID:     model.DeviceIDForPublicKey(publicKey),
		Name:         name,
		PublicKey:    append([]byte(nil), publicKey...),
		RegisteredAt: time.Now().UTC(),
	}
	pub := new([crypto.PublicKeySize]byte)
	copy(pub[:], rec.PublicKey)
	wrapped, err := crypto.WrapKey(pub, dek)
	if err != nil {
		return model.ZeroDeviceID, fmt.Errorf("could not wrap key for new device: %w", err)
	}
	header := model.DeviceHeader{
		DeviceID: rec.DeviceID,
		Epoch:    v.sm.CurrentEpoch(),
		Wrapped:  wrapped,
	}

	if err := v.headers.Add(rec, header); err != nil {
		return model.ZeroDeviceID, err
	}
	if err := v.persistHeaderStore(); err != nil {
		// persisting failed: undo the staged registration so memory and disk
		// agree again
		if rerr := v.headers.Remove(rec.DeviceID); rerr != nil {
			return model.ZeroDeviceID, v.escalate(protocol.NewMissingHeaderError(rec.DeviceID))
		}
		return model.ZeroDeviceID, err
	}

	v.log.Info().Str("device", rec.DeviceID.String()).Msg("device registered")
	return rec.DeviceID, nil
}

// Revoke removes a device from the active set and drives a full epoch
// upgrade before returning. A device is not safely revoked until the key has
// moved forward and the revoked device's header no longer exists in the new
// epoch's header set.
func (v *Vault) Revoke(ctx context.Context, id model.DeviceID) error {
	v.opMu.Lock()
	defer v.opMu.Unlock()

	if err := v.requireOperational(); err != nil {
		return err
	}

	rec, err := v.headers.Record(id)
	if err != nil {
		return err
	}
	oldHeader, err := v.headers.ByDevice(id)
	if err != nil {
		return err
	}
	if err := v.headers.Remove(id); err != nil {
		return err
	}

	newKey, err := v.coordinator.UpgradeEpoch(ctx, v.sm.CurrentEpoch()+1, v.sealVaultKey)
	if err != nil {
		// the upgrade rolled back as a unit; restore the staged removal so
		// the caller can retry from the exact pre-transition state
		if aerr := v.headers.Add(rec, oldHeader); aerr != nil {
			return v.escalate(protocol.NewMissingHeaderError(id))
		}
		return err
	}
	v.swapEpochKey(newKey)

	v.log.Info().
		Str("device", id.String()).
		Uint32("epoch", v.sm.CurrentEpoch()).
		Msg("device revoked")
	return nil
}

// RotateRootAuthority replaces the unlock credential: fresh KDF parameters,
// the vault key re-sealed under the new credential, committed atomically.
// This is the root-authority-changing operation the causal entropy barrier
// protects: a recovery-role session is refused before any state changes.
func (v *Vault) RotateRootAuthority(ctx context.Context, session *Session, newCredential []byte) error {
	if session == nil || session.vault != v {
		return fmt.Errorf("session was not issued by this vault")
	}
	if err := protocol.CheckCausalBarrier(session.Role()); err != nil {
		return err
	}

	v.opMu.Lock()
	defer v.opMu.Unlock()

	if err := v.requireOperational(); err != nil {
		return err
	}

	v.keyMu.Lock()
	dek := v.dek.Copy()
	v.keyMu.Unlock()
	if dek == nil {
		return ErrLocked
	}
	defer dek.Zeroize()

	kdfParams, err := crypto.DefaultKDFParams()
	if err != nil {
		return err
	}
	newKEK := crypto.DeriveCredentialKey(newCredential, kdfParams)
	wrappedVaultKey, err := crypto.Seal(newKEK, dek, nil)
	if err != nil {
		crypto.Zeroize(newKEK)
		return err
	}

	committed, err := v.store.ReadCommitted()
	if err != nil {
		crypto.Zeroize(newKEK)
		return err
	}
	newMeta := committed.Copy()
	newMeta.WrappedVaultKey = wrappedVaultKey
	newMeta.KDFSalt = kdfParams.Salt
	newMeta.KDFMemory = kdfParams.Memory
	newMeta.KDFTime = kdfParams.Time
	newMeta.KDFThreads = kdfParams.Threads

	if err := v.commitMetadata(newMeta); err != nil {
		crypto.Zeroize(newKEK)
		return err
	}

	v.keyMu.Lock()
	v.kek.Zeroize()
	v.kek = model.KeyHandle(newKEK)
	v.keyMu.Unlock()

	v.log.Info().Msg("root authority rotated")
	return nil
}

// InitiateRecovery opens the 48-hour veto window for a "lost all devices"
// recovery. The initiator's role is checked against the causal barrier; a
// second concurrent request is rejected.
func (v *Vault) InitiateRecovery(role model.Role) (*model.RecoveryWindow, error) {
	if err := v.requireOperational(); err != nil {
		return nil, err
	}
	return v.recovery.Initiate(role)
}

// SubmitVeto records a surviving device's objection to a pending recovery.
// Only registered devices may veto.
func (v *Vault) SubmitVeto(requestID uuid.UUID, deviceID model.DeviceID) error {
	if _, err := v.headers.Record(deviceID); err != nil {
		return err
	}
	return v.recovery.AddVeto(requestID, deviceID, "")
}

// CheckRecovery applies the veto-supremacy check to a pending recovery and
// finalizes the window if it has resolved.
func (v *Vault) CheckRecovery(requestID uuid.UUID) (model.RecoveryOutcome, error) {
	return v.recovery.CheckAndFinalize(requestID)
}

// WatchRecoveryVetoes streams transport vetoes into the open window until
// the context is cancelled or the window terminates.
func (v *Vault) WatchRecoveryVetoes(ctx context.Context, requestID uuid.UUID) error {
	return v.recovery.WatchVetoes(ctx, v.transport, requestID)
}

// ListDevices returns sanitized device metadata for display.
func (v *Vault) ListDevices() []model.DeviceInfo {
	epoch := v.headers.Epoch()
	records := v.headers.Records()
	out := make([]model.DeviceInfo, 0, len(records))
	for _, rec := range records {
		out = append(out, model.DeviceInfo{
			DeviceID:     rec.DeviceID,
			Name:         rec.Name,
			Epoch:        epoch,
			RegisteredAt: rec.RegisteredAt,
		})
	}
	return out
}

// VerifyIntegrity re-checks the committed document against the header
// completeness invariant. On success a non-persistent degradation clears
// back to Idle; on failure the violation escalates to meltdown.
func (v *Vault) VerifyIntegrity() error {
	v.opMu.Lock()
	defer v.opMu.Unlock()

	meta, err := v.store.ReadCommitted()
	if err != nil {
		return err
	}
	headers := make([]model.DeviceHeader, 0, len(meta.Headers))
	for _, h := range meta.Headers {
		headers = append(headers, h)
	}
	if err := protocol.CheckHeaderCompleteness(meta.ActiveDevices(), meta.CurrentEpoch, headers); err != nil {
		return v.escalate(err)
	}

	if v.sm.CurrentState().Status() == model.StatusDegraded {
		if err := v.sm.Transition(model.Idle{}); err != nil {
			return err
		}
	}
	return nil
}

// RevokeSelf is the explicit revoke-self instruction: the session becomes
// terminal and accepts no further key operations.
func (v *Vault) RevokeSelf() error {
	v.opMu.Lock()
	defer v.opMu.Unlock()

	if err := v.sm.Transition(model.Revoked{}); err != nil {
		return err
	}
	v.keyMu.Lock()
	v.dek.Zeroize()
	v.kek.Zeroize()
	v.dek = nil
	v.kek = nil
	v.keyMu.Unlock()
	return nil
}

// requireOperational refuses key operations outside the re-entrant states.
func (v *Vault) requireOperational() error {
	if v.melted.Load() {
		return ErrMelted
	}
	status := v.sm.CurrentState().Status()
	switch status {
	case model.StatusIdle, model.StatusRekeying, model.StatusRecoveryInitiated:
		return nil
	default:
		return fmt.Errorf("vault is %s: no key operations accepted", status)
	}
}

// persistHeaderStore writes the header store's current content through the
// two-phase contract, without changing the epoch.
func (v *Vault) persistHeaderStore() error {
	committed, err := v.store.ReadCommitted()
	if err != nil {
		return err
	}
	return v.commitMetadata(v.headers.Snapshot(committed))
}

// commitMetadata shadow-writes and atomically commits a document.
func (v *Vault) commitMetadata(meta *model.VaultMetadata) error {
	handle, err := v.store.ShadowWrite(meta)
	if err != nil {
		return protocol.NewShadowWriteFailedErrorf("%w", err)
	}
	if err := v.store.AtomicCommit(handle); err != nil {
		return protocol.NewAtomicCommitFailedErrorf("%w", err)
	}
	return nil
}
