// Package vault assembles the protocol components into the per-open-vault
// context object exposed to calling layers (authentication, UI, CLI). There
// is no process-wide singleton: every open vault is one explicitly
// constructed Vault passed by reference to all operations.
package vault

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/vaultmesh/vaultmesh/crypto"
	model "github.com/vaultmesh/vaultmesh/model/vault"
	"github.com/vaultmesh/vaultmesh/module/epochs"
	"github.com/vaultmesh/vaultmesh/module/irrecoverable"
	"github.com/vaultmesh/vaultmesh/module/recovery"
	"github.com/vaultmesh/vaultmesh/network"
	"github.com/vaultmesh/vaultmesh/state/protocol"
	"github.com/vaultmesh/vaultmesh/storage"
)

// Config holds the construction parameters for one vault.
type Config struct {
	// Dir is the directory holding the vault's metadata document.
	Dir string
}

// Vault is the top-level handle for one open vault. All mutating operations
// are serialized by opMu (single-writer model); reads go through the
// individual components' own synchronization.
type Vault struct {
	log zerolog.Logger
	cfg Config

	store       storage.MetadataStore
	headers     *storage.DeviceHeaderStore
	sm          *protocol.StateMachine
	coordinator *epochs.Coordinator
	recovery    *recovery.Manager
	transport   network.Transport
	distributor *protocol.Distributor
	signaler    *irrecoverable.Signaler

	opMu sync.Mutex

	// keyMu guards the in-memory key handles; melted flips once and is
	// checked before any decrypt-capable operation
	keyMu  sync.Mutex
	dek    model.KeyHandle
	kek    model.KeyHandle
	melted atomic.Bool

	meltdownDone chan struct{}
}

// Open loads an existing vault from disk, resolving any interrupted epoch
// upgrade first. The vault starts locked; call Unlock to obtain a session.
func Open(log zerolog.Logger, cfg Config, transport network.Transport) (*Vault, error) {
	store, err := storage.NewFileStore(log, cfg.Dir)
	if err != nil {
		return nil, err
	}

	distributor := protocol.NewDistributor()
	signaler, meltdownErrs := irrecoverable.NewSignaler()

	v := &Vault{
		log:          log.With().Str("component", "vault").Logger(),
		cfg:          cfg,
		store:        store,
		transport:    transport,
		distributor:  distributor,
		signaler:     signaler,
		meltdownDone: make(chan struct{}),
	}

	// recovery needs a coordinator wired to a state machine, but the initial
	// epoch comes from the recovered document, so bootstrap in two steps:
	// a throwaway coordinator drives startup recovery against epoch 0 state
	bootSM := protocol.NewStateMachine(log, 0, distributor)
	bootHeaders := storage.NewDeviceHeaderStore(&model.VaultMetadata{Version: model.MetadataVersion})
	boot := epochs.NewCoordinator(log, bootSM, store, bootHeaders, transport)
	meta, err := boot.RecoverOnStartup()
	if err != nil {
		if protocol.IsInvariantViolation(err) {
			// a committed document that disagrees with itself is an
			// integrity failure: open degraded, never silently correct
			v.sm = protocol.NewStateMachine(log, 0, distributor)
			v.headers = bootHeaders
			v.coordinator = boot
			v.recovery = recovery.NewManager(log, v.sm)
			go v.runMeltdownHandler(meltdownErrs)
			v.signaler.Throw(err)
			return v, nil
		}
		return nil, err
	}

	v.headers = storage.NewDeviceHeaderStore(meta)
	v.sm = protocol.NewStateMachine(log, meta.CurrentEpoch, distributor)
	v.coordinator = epochs.NewCoordinator(log, v.sm, store, v.headers, transport)
	v.recovery = recovery.NewManager(log, v.sm)
	go v.runMeltdownHandler(meltdownErrs)

	v.log.Info().
		Uint32("epoch", meta.CurrentEpoch).
		Int("devices", len(meta.Devices)).
		Msg("vault opened")
	return v, nil
}

// InitParams are the inputs for creating a brand-new vault.
type InitParams struct {
	Credential      []byte
	RecoverySecret  []byte
	FirstDeviceName string
	FirstDevicePub  []byte
}

// Init creates a new vault on disk at epoch 1 with two header slots: the
// first real device and the recovery slot derived from the physical recovery
// secret. Both slots are wrapped in the same batch with identical layout, so
// nothing on disk marks the recovery slot out.
func Init(log zerolog.Logger, cfg Config, transport network.Transport, params InitParams) (*Vault, error) {
	store, err := storage.NewFileStore(log, cfg.Dir)
	if err != nil {
		return nil, err
	}
	if _, err := store.ReadCommitted(); err == nil {
		return nil, fmt.Errorf("vault already exists in %s: %w", cfg.Dir, storage.ErrAlreadyExists)
	}

	dek, err := crypto.NewDataKey()
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(dek)

	kdfParams, err := crypto.DefaultKDFParams()
	if err != nil {
		return nil, err
	}
	kek := crypto.DeriveCredentialKey(params.Credential, kdfParams)
	defer crypto.Zeroize(kek)
	wrappedVaultKey, err := crypto.Seal(kek, dek, nil)
	if err != nil {
		return nil, err
	}

	recoveryPub, _, err := crypto.DeriveRecoveryKeyPair(params.RecoverySecret)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	meta := &model.VaultMetadata{
		Version:         model.MetadataVersion,
		CurrentEpoch:    1,
		Devices:         make(map[model.DeviceID]model.DeviceRecord),
		Headers:         make(map[model.DeviceID]model.DeviceHeader),
		WrappedVaultKey: wrappedVaultKey,
		KDFSalt:         kdfParams.Salt,
		KDFMemory:       kdfParams.Memory,
		KDFTime:         kdfParams.Time,
		KDFThreads:      kdfParams.Threads,
	}

	slots := []model.DeviceRecord{
		{
			DeviceID:     model.DeviceIDForPublicKey(params.FirstDevicePub),
			Name:         params.FirstDeviceName,
			PublicKey:    append([]byte(nil), params.FirstDevicePub...),
			RegisteredAt: now,
		},
		{
			DeviceID:     model.DeviceIDForPublicKey(recoveryPub[:]),
			Name:         "device", // generic name, same as any unnamed slot
			PublicKey:    append([]byte(nil), recoveryPub[:]...),
			RegisteredAt: now,
		},
	}
	for _, rec := range slots {
		pub := new([crypto.PublicKeySize]byte)
		copy(pub[:], rec.PublicKey)
		wrapped, err := crypto.WrapKey(pub, dek)
		if err != nil {
			return nil, fmt.Errorf("could not wrap key for device %s: %w", rec.DeviceID, err)
		}
		meta.Devices[rec.DeviceID] = rec
		meta.Headers[rec.DeviceID] = model.DeviceHeader{
			DeviceID: rec.DeviceID,
			Epoch:    1,
			Wrapped:  wrapped,
		}
	}

	handle, err := store.ShadowWrite(meta)
	if err != nil {
		return nil, err
	}
	if err := store.AtomicCommit(handle); err != nil {
		return nil, err
	}

	log.Info().Str("dir", cfg.Dir).Msg("vault initialized")
	return Open(log, cfg, transport)
}

// CurrentEpoch returns the current epoch counter.
func (v *Vault) CurrentEpoch() uint32 {
	return v.sm.CurrentEpoch()
}

// CurrentState returns the protocol state.
func (v *Vault) CurrentState() model.ProtocolState {
	return v.sm.CurrentState()
}

// Subscribe registers a consumer for coarse state events.
func (v *Vault) Subscribe(c protocol.Consumer) {
	v.distributor.AddConsumer(c)
}

// Close zeroizes in-memory key material and shuts down the meltdown handler.
func (v *Vault) Close() {
	v.keyMu.Lock()
	v.dek.Zeroize()
	v.kek.Zeroize()
	v.dek = nil
	v.kek = nil
	v.keyMu.Unlock()

	v.signaler.Close()
	<-v.meltdownDone
}

// escalate routes a detected invariant violation into the meltdown sequence
// and returns the error unchanged for propagation. Violations are never
// locally retried or silently corrected.
func (v *Vault) escalate(err error) error {
	v.signaler.Throw(err)
	return err
}

// runMeltdownHandler is the single consumer of the violation channel. On the
// first violation it halts decrypt capability, zeroizes every in-memory key
// handle, forces the state machine into Degraded, and surfaces a
// high-priority alert demanding re-establishment of trust. Only the coarse
// category crosses the observation boundary.
func (v *Vault) runMeltdownHandler(errs <-chan error) {
	defer close(v.meltdownDone)
	for err := range errs {
		if !v.melted.CompareAndSwap(false, true) {
			continue
		}
		category := violationCategory(err)

		v.keyMu.Lock()
		v.dek.Zeroize()
		v.kek.Zeroize()
		v.dek = nil
		v.kek = nil
		v.keyMu.Unlock()

		v.sm.ForceDegraded(category, true)
		v.distributor.OnMeltdown(category)
		v.log.Error().Str("category", category).Msg("invariant violation: session melted down")
	}
}

// violationCategory maps a violation to the coarse label shown to users.
// Detail never crosses this boundary.
func violationCategory(err error) string {
	switch {
	case protocol.IsEpochRegressionError(err):
		return "epoch-regression"
	case protocol.IsMissingHeaderError(err), protocol.IsMultipleHeadersError(err):
		return "header-integrity"
	case protocol.IsCausalEntropyBarrierError(err):
		return "authority-barrier"
	case protocol.IsVetoSupremacyError(err), protocol.IsVetoWindowActiveError(err), protocol.IsVetoWindowExpiredError(err):
		return "recovery-window"
	default:
		return "integrity"
	}
}
