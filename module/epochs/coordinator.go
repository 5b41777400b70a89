// Package epochs implements the atomic epoch-upgrade coordinator: minting a
// new data-encryption key, re-wrapping it for every active device, and the
// crash-consistent two-phase commit that makes the new epoch live.
package epochs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/vaultmesh/vaultmesh/crypto"
	"github.com/vaultmesh/vaultmesh/model/vault"
	"github.com/vaultmesh/vaultmesh/network"
	"github.com/vaultmesh/vaultmesh/state/protocol"
	"github.com/vaultmesh/vaultmesh/storage"
)

const (
	// shadow writes are retried with exponential backoff before the upgrade
	// is rolled back; the atomic commit itself is never retried once begun
	shadowWriteRetryBase  = 50 * time.Millisecond
	shadowWriteMaxRetries = 3

	rewrapConcurrency = 4
)

// SealVaultKeyFunc re-seals the new epoch key under the credential-derived
// key. Supplied by the session, which owns that key.
type SealVaultKeyFunc func(dek []byte) ([]byte, error)

// Coordinator drives epoch upgrades end to end. A partial failure anywhere
// before the atomic commit rolls the whole batch back; it never leaves some
// devices at the new epoch and others behind.
type Coordinator struct {
	log       zerolog.Logger
	sm        *protocol.StateMachine
	store     storage.MetadataStore
	headers   *storage.DeviceHeaderStore
	transport network.Transport
}

// NewCoordinator wires the coordinator to its collaborators.
func NewCoordinator(
	log zerolog.Logger,
	sm *protocol.StateMachine,
	store storage.MetadataStore,
	headers *storage.DeviceHeaderStore,
	transport network.Transport,
) *Coordinator {
	return &Coordinator{
		log:       log.With().Str("component", "epoch_coordinator").Logger(),
		sm:        sm,
		store:     store,
		headers:   headers,
		transport: transport,
	}
}

// Prepare invariant-checks the attempted epoch and mints a fresh
// data-encryption key. Fails with EpochRegressionError, unchanged, if the
// validator rejects the epoch. The caller owns the returned key material.
func (c *Coordinator) Prepare(newEpoch uint32) (*vault.RekeyingContext, vault.KeyHandle, error) {
	current := c.sm.CurrentEpoch()
	if err := protocol.CheckEpochMonotonicity(current, newEpoch); err != nil {
		return nil, nil, err
	}

	dek, err := crypto.NewDataKey()
	if err != nil {
		return nil, nil, fmt.Errorf("could not mint data key for epoch %d: %w", newEpoch, err)
	}

	rk := vault.NewRekeyingContext(current, newEpoch, c.headers.ActiveDevices())
	c.log.Info().
		Uint32("old_epoch", current).
		Uint32("new_epoch", newEpoch).
		Int("devices", len(rk.Pending())).
		Msg("epoch upgrade prepared")
	return rk, vault.KeyHandle(dek), nil
}

// UpdateAllDeviceHeaders re-wraps the new epoch key under every active
// device's public capability, the always-present recovery slot included: it
// is just another record in the batch, re-wrapped at the same time to the
// same size. Either every device gets a header or the error discards the
// whole batch.
func (c *Coordinator) UpdateAllDeviceHeaders(ctx context.Context, rk *vault.RekeyingContext, dek vault.KeyHandle) (map[vault.DeviceID]vault.DeviceHeader, error) {
	records := c.headers.Records()

	var (
		mu   sync.Mutex
		out  = make(map[vault.DeviceID]vault.DeviceHeader, len(records))
		merr *multierror.Error
	)

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(rewrapConcurrency)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			pub := new([crypto.PublicKeySize]byte)
			copy(pub[:], rec.PublicKey)
			wrapped, err := crypto.WrapKey(pub, dek)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("device %s: %w", rec.DeviceID, err))
				return nil
			}
			out[rec.DeviceID] = vault.DeviceHeader{
				DeviceID: rec.DeviceID,
				Epoch:    rk.NewEpoch,
				Wrapped:  wrapped,
			}
			rk.MarkCompleted(rec.DeviceID)
			return nil
		})
	}
	_ = g.Wait()

	if err := merr.ErrorOrNil(); err != nil {
		return nil, protocol.NewHeaderUpdateFailedErrorf("re-wrap batch for epoch %d failed: %w", rk.NewEpoch, err)
	}
	return out, nil
}

// ShadowWrite durably writes the fully-formed new metadata to its temporary
// location, retrying transient failures with backoff. The committed document
// is untouched throughout.
func (c *Coordinator) ShadowWrite(ctx context.Context, rk *vault.RekeyingContext, meta *vault.VaultMetadata) (*storage.ShadowHandle, error) {
	var handle *storage.ShadowHandle
	backoff := retry.WithMaxRetries(shadowWriteMaxRetries, retry.NewExponential(shadowWriteRetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		h, err := c.store.ShadowWrite(meta)
		if err != nil {
			c.log.Warn().Err(err).Msg("shadow write attempt failed")
			return retry.RetryableError(err)
		}
		handle = h
		return nil
	})
	if err != nil {
		return nil, protocol.NewShadowWriteFailedErrorf("shadow write for epoch %d: %w", rk.NewEpoch, err)
	}
	rk.ShadowPath = handle.Path()
	return handle, nil
}

// AtomicCommit makes the shadow document live. Either it fully succeeds and
// the new metadata is live, or it fully fails and the old metadata remains
// live; there is no intermediate state and no retry once begun.
func (c *Coordinator) AtomicCommit(handle *storage.ShadowHandle) error {
	if err := c.store.AtomicCommit(handle); err != nil {
		return protocol.NewAtomicCommitFailedErrorf("commit of epoch %d: %w", handle.Epoch(), err)
	}
	return nil
}

// UpgradeEpoch runs a full upgrade: prepare, re-wrap, shadow write, atomic
// commit, in-memory swap, broadcast. On any failure before the commit the
// state machine is returned to Idle at the old epoch and the error is
// surfaced for the caller to retry. On success it returns the new epoch key,
// which the caller now owns.
func (c *Coordinator) UpgradeEpoch(ctx context.Context, newEpoch uint32, sealVaultKey SealVaultKeyFunc) (vault.KeyHandle, error) {
	rk, dek, err := c.Prepare(newEpoch)
	if err != nil {
		return nil, err
	}

	if err := c.sm.Transition(vault.Rekeying{Context: rk}); err != nil {
		dek.Zeroize()
		return nil, err
	}

	rollback := func(cause error) error {
		dek.Zeroize()
		rk.Abort()
		if terr := c.sm.Transition(vault.Idle{}); terr != nil {
			// rollback of an aborted context cannot be refused by the table;
			// failing here means the machine itself is inconsistent
			c.log.Error().Err(terr).Msg("could not roll back to idle")
		}
		return cause
	}

	newHeaders, err := c.UpdateAllDeviceHeaders(ctx, rk, dek)
	if err != nil {
		return nil, rollback(err)
	}

	wrappedVaultKey, err := sealVaultKey(dek)
	if err != nil {
		return nil, rollback(fmt.Errorf("could not seal vault key: %w", err))
	}

	// the new document must be complete before anything is written: the
	// validator re-checks header completeness against the new epoch
	committed, err := c.store.ReadCommitted()
	if err != nil {
		return nil, rollback(fmt.Errorf("could not read committed metadata: %w", err))
	}
	// the device set comes from the header store, which carries removals the
	// caller staged but has not yet committed; the committed document only
	// contributes the fields the store does not own
	newMeta := c.headers.Snapshot(committed)
	newMeta.CurrentEpoch = newEpoch
	newMeta.Headers = newHeaders
	newMeta.WrappedVaultKey = wrappedVaultKey

	headerList := make([]vault.DeviceHeader, 0, len(newHeaders))
	for _, h := range newHeaders {
		headerList = append(headerList, h)
	}
	if err := protocol.CheckHeaderCompleteness(newMeta.ActiveDevices(), newEpoch, headerList); err != nil {
		return nil, rollback(err)
	}

	handle, err := c.ShadowWrite(ctx, rk, newMeta)
	if err != nil {
		return nil, rollback(err)
	}

	if err := c.AtomicCommit(handle); err != nil {
		// the shadow is discarded so a later startup cannot re-drive a
		// rolled-back upgrade
		if derr := c.store.DiscardShadow(handle); derr != nil {
			c.log.Warn().Err(derr).Msg("could not discard shadow after failed commit")
		}
		return nil, rollback(err)
	}

	// commit has landed: swap the in-memory view and advance the counter
	c.headers.ReplaceAll(newMeta)
	c.sm.AdvanceEpoch(newEpoch)
	if err := c.sm.Transition(vault.Idle{}); err != nil {
		return nil, err
	}

	c.broadcastHeaders(ctx, newHeaders)

	c.log.Info().
		Uint32("epoch", newEpoch).
		Int("devices", len(newHeaders)).
		Msg("epoch upgrade committed")
	return dek, nil
}

// broadcastHeaders pushes every device's new header out. Best effort: the
// upgrade is already committed and devices can also pull on next contact.
// All headers go out in one pass so the recovery slot's update timing is
// indistinguishable from any other device's.
func (c *Coordinator) broadcastHeaders(ctx context.Context, headers map[vault.DeviceID]vault.DeviceHeader) {
	for id, h := range headers {
		if err := c.transport.Broadcast(ctx, id, h.Wrapped); err != nil {
			c.log.Warn().Err(err).Str("device", id.String()).Msg("header broadcast failed")
		}
	}
}

// RecoverOnStartup resolves an interrupted upgrade deterministically. A
// shadow document that provably was fully written (its checksum verifies)
// and strictly increases the committed epoch is re-driven to completion by
// re-issuing the rename; anything else is discarded. The epoch never
// decreases, and the vault is never left part old, part new.
func (c *Coordinator) RecoverOnStartup() (*vault.VaultMetadata, error) {
	committed, err := c.store.ReadCommitted()
	if err != nil {
		return nil, err
	}

	handle, shadow, err := c.store.PendingShadow()
	switch {
	case errors.Is(err, storage.ErrNoShadow):
		// nothing pending

	case err != nil:
		// an unprovable shadow is discarded, never committed
		c.log.Warn().Err(err).Msg("discarding unreadable shadow document")
		if derr := c.store.DiscardShadow(handle); derr != nil {
			return nil, derr
		}

	case shadow.CurrentEpoch > committed.CurrentEpoch:
		if herr := headerSetConsistent(shadow); herr != nil {
			c.log.Warn().Err(herr).Msg("discarding inconsistent shadow document")
			if derr := c.store.DiscardShadow(handle); derr != nil {
				return nil, derr
			}
			break
		}
		c.log.Info().
			Uint32("committed_epoch", committed.CurrentEpoch).
			Uint32("shadow_epoch", shadow.CurrentEpoch).
			Msg("re-driving interrupted epoch upgrade")
		if err := c.store.AtomicCommit(handle); err != nil {
			return nil, protocol.NewAtomicCommitFailedErrorf("re-drive of epoch %d: %w", shadow.CurrentEpoch, err)
		}
		committed = shadow

	default:
		// stale or equal epoch: the upgrade already completed or was rolled
		// back; the shadow must not resurrect an old epoch
		c.log.Info().Uint32("shadow_epoch", shadow.CurrentEpoch).Msg("discarding stale shadow document")
		if derr := c.store.DiscardShadow(handle); derr != nil {
			return nil, derr
		}
	}

	// the committed document must agree with itself: the epoch recorded in
	// the header set must match the metadata epoch
	if err := headerSetConsistent(committed); err != nil {
		return nil, err
	}
	return committed, nil
}

// headerSetConsistent checks that the document's header set uniformly
// records the document's epoch, returning an invariant violation otherwise.
func headerSetConsistent(meta *vault.VaultMetadata) error {
	headerEpoch, uniform := meta.HeaderEpoch()
	if len(meta.Headers) > 0 && (!uniform || headerEpoch != meta.CurrentEpoch) {
		headers := make([]vault.DeviceHeader, 0, len(meta.Headers))
		for _, h := range meta.Headers {
			headers = append(headers, h)
		}
		return protocol.CheckHeaderCompleteness(meta.ActiveDevices(), meta.CurrentEpoch, headers)
	}
	return nil
}
