package vault_test

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultmesh/vaultmesh/crypto"
	model "github.com/vaultmesh/vaultmesh/model/vault"
	"github.com/vaultmesh/vaultmesh/network"
	"github.com/vaultmesh/vaultmesh/state/protocol"
	"github.com/vaultmesh/vaultmesh/storage"
	"github.com/vaultmesh/vaultmesh/utils/unittest"
	"github.com/vaultmesh/vaultmesh/vault"
)

type fixture struct {
	vault      *vault.Vault
	cfg        vault.Config
	transport  *network.Loopback
	credential []byte
	secret     []byte
	devicePub  *[crypto.PublicKeySize]byte
	devicePriv *[crypto.PrivateKeySize]byte
}

func initVault(t *testing.T) *fixture {
	pub, priv := unittest.DeviceKeyFixture(t)
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	cfg := vault.Config{Dir: t.TempDir()}
	transport := network.NewLoopback()
	v, err := vault.Init(unittest.Logger(), cfg, transport, vault.InitParams{
		Credential:      []byte("correct horse battery staple"),
		RecoverySecret:  secret,
		FirstDeviceName: "laptop",
		FirstDevicePub:  pub[:],
	})
	require.NoError(t, err)
	t.Cleanup(v.Close)

	return &fixture{
		vault:      v,
		cfg:        cfg,
		transport:  transport,
		credential: []byte("correct horse battery staple"),
		secret:     secret,
		devicePub:  pub,
		devicePriv: priv,
	}
}

func (f *fixture) unlock(t *testing.T) *vault.Session {
	session, err := f.vault.Unlock(f.credential, model.RoleAuthorized)
	require.NoError(t, err)
	return session
}

func (f *fixture) committed(t *testing.T) *model.VaultMetadata {
	store, err := storage.NewFileStore(unittest.Logger(), f.cfg.Dir)
	require.NoError(t, err)
	meta, err := store.ReadCommitted()
	require.NoError(t, err)
	return meta
}

func TestInit(t *testing.T) {
	f := initVault(t)

	assert.Equal(t, uint32(1), f.vault.CurrentEpoch())
	assert.Equal(t, model.StatusIdle, f.vault.CurrentState().Status())

	// two slots from day one, both the same shape on disk
	meta := f.committed(t)
	require.Len(t, meta.Headers, 2)
	for _, h := range meta.Headers {
		assert.Equal(t, uint32(1), h.Epoch)
		assert.Len(t, h.Wrapped, crypto.WrappedKeySize)
	}

	// init refuses to clobber an existing vault
	_, err := vault.Init(unittest.Logger(), f.cfg, f.transport, vault.InitParams{
		Credential:     []byte("x"),
		RecoverySecret: f.secret,
		FirstDevicePub: f.devicePub[:],
	})
	require.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestUnlock(t *testing.T) {
	f := initVault(t)

	t.Run("wrong credential refused", func(t *testing.T) {
		_, err := f.vault.Unlock([]byte("guess"), model.RoleAuthorized)
		require.Error(t, err)
	})

	t.Run("correct credential", func(t *testing.T) {
		session := f.unlock(t)
		assert.Equal(t, model.RoleAuthorized, session.Role())
	})

	t.Run("invalid role refused", func(t *testing.T) {
		_, err := f.vault.Unlock(f.credential, model.Role(9))
		require.Error(t, err)
	})
}

func TestRegister(t *testing.T) {
	f := initVault(t)

	t.Run("locked vault refuses registration", func(t *testing.T) {
		pub, _ := unittest.DeviceKeyFixture(t)
		_, err := f.vault.Register(context.Background(), "phone", pub[:])
		require.ErrorIs(t, err, vault.ErrLocked)
	})

	f.unlock(t)
	pub, priv := unittest.DeviceKeyFixture(t)
	id, err := f.vault.Register(context.Background(), "phone", pub[:])
	require.NoError(t, err)

	// registration does not advance the epoch
	assert.Equal(t, uint32(1), f.vault.CurrentEpoch())

	// the new device is persisted and can unwrap the current key
	meta := f.committed(t)
	header, ok := meta.Headers[id]
	require.True(t, ok)
	assert.Equal(t, uint32(1), header.Epoch)
	_, err = crypto.UnwrapKey(priv, header.Wrapped)
	require.NoError(t, err)

	assert.Len(t, f.vault.ListDevices(), 3)

	t.Run("duplicate identity refused", func(t *testing.T) {
		_, err := f.vault.Register(context.Background(), "phone again", pub[:])
		require.ErrorIs(t, err, storage.ErrAlreadyExists)
	})
}

// TestRevoke exercises the full revocation flow: removal, the driven epoch
// upgrade, and the recovery slot silently following to the new epoch.
func TestRevoke(t *testing.T) {
	f := initVault(t)
	f.unlock(t)

	pub, priv := unittest.DeviceKeyFixture(t)
	id, err := f.vault.Register(context.Background(), "phone", pub[:])
	require.NoError(t, err)

	require.NoError(t, f.vault.Revoke(context.Background(), id))
	assert.Equal(t, uint32(2), f.vault.CurrentEpoch())
	assert.Equal(t, model.StatusIdle, f.vault.CurrentState().Status())

	meta := f.committed(t)
	assert.Equal(t, uint32(2), meta.CurrentEpoch)
	require.Len(t, meta.Headers, 2)
	_, ok := meta.Headers[id]
	assert.False(t, ok)

	// the revoked device's key opens nothing at the new epoch
	for _, h := range meta.Headers {
		assert.Equal(t, uint32(2), h.Epoch)
		_, err := crypto.UnwrapKey(priv, h.Wrapped)
		require.Error(t, err)
	}

	// the surviving device and the recovery slot both unwrap the new key
	survivorHeader, ok := meta.Headers[model.DeviceIDForPublicKey(f.devicePub[:])]
	require.True(t, ok)
	_, err = crypto.UnwrapKey(f.devicePriv, survivorHeader.Wrapped)
	require.NoError(t, err)

	recoveryPub, recoveryPriv, err := crypto.DeriveRecoveryKeyPair(f.secret)
	require.NoError(t, err)
	recoveryHeader, ok := meta.Headers[model.DeviceIDForPublicKey(recoveryPub[:])]
	require.True(t, ok)
	_, err = crypto.UnwrapKey(recoveryPriv, recoveryHeader.Wrapped)
	require.NoError(t, err)

	t.Run("unknown device refused", func(t *testing.T) {
		err := f.vault.Revoke(context.Background(), unittest.DeviceIDFixture())
		require.ErrorIs(t, err, storage.ErrNotFound)
	})
}

// TestReopenAfterRevoke closes and reopens the vault directory, checking the
// committed epoch survives a restart.
func TestReopenAfterRevoke(t *testing.T) {
	f := initVault(t)
	f.unlock(t)

	pub, _ := unittest.DeviceKeyFixture(t)
	id, err := f.vault.Register(context.Background(), "phone", pub[:])
	require.NoError(t, err)
	require.NoError(t, f.vault.Revoke(context.Background(), id))

	reopened, err := vault.Open(unittest.Logger(), f.cfg, network.NewLoopback())
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint32(2), reopened.CurrentEpoch())
	assert.Equal(t, model.StatusIdle, reopened.CurrentState().Status())

	// the credential still opens the re-sealed vault key
	_, err = reopened.Unlock(f.credential, model.RoleAuthorized)
	require.NoError(t, err)
}

func TestRotateRootAuthority(t *testing.T) {
	f := initVault(t)
	session := f.unlock(t)

	t.Run("recovery role refused without state change", func(t *testing.T) {
		recoverySession, err := f.vault.Unlock(f.credential, model.RoleRecovery)
		require.NoError(t, err)

		before := f.committed(t)
		err = f.vault.RotateRootAuthority(context.Background(), recoverySession, []byte("new credential"))
		require.True(t, protocol.IsCausalEntropyBarrierError(err))

		after := f.committed(t)
		assert.Equal(t, before.WrappedVaultKey, after.WrappedVaultKey)
		assert.Equal(t, before.KDFSalt, after.KDFSalt)
		assert.Equal(t, model.StatusIdle, f.vault.CurrentState().Status())

		// the old credential still unlocks
		_, err = f.vault.Unlock(f.credential, model.RoleAuthorized)
		require.NoError(t, err)
	})

	t.Run("session from another vault refused", func(t *testing.T) {
		other := initVault(t)
		foreign := other.unlock(t)
		err := f.vault.RotateRootAuthority(context.Background(), foreign, []byte("new credential"))
		require.Error(t, err)
		require.False(t, protocol.IsCausalEntropyBarrierError(err))

		_, err = f.vault.Unlock(f.credential, model.RoleAuthorized)
		require.NoError(t, err)
	})

	t.Run("authorized rotation", func(t *testing.T) {
		session = f.unlock(t)
		require.NoError(t, f.vault.RotateRootAuthority(context.Background(), session, []byte("new credential")))

		_, err := f.vault.Unlock(f.credential, model.RoleAuthorized)
		require.Error(t, err)
		_, err = f.vault.Unlock([]byte("new credential"), model.RoleAuthorized)
		require.NoError(t, err)
	})
}

func TestRecoveryFlow(t *testing.T) {
	f := initVault(t)
	f.unlock(t)

	w, err := f.vault.InitiateRecovery(model.RoleAuthorized)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRecoveryInitiated, f.vault.CurrentState().Status())

	t.Run("unregistered device cannot veto", func(t *testing.T) {
		err := f.vault.SubmitVeto(w.RequestID, unittest.DeviceIDFixture())
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("registered device veto rejects", func(t *testing.T) {
		id := model.DeviceIDForPublicKey(f.devicePub[:])
		require.NoError(t, f.vault.SubmitVeto(w.RequestID, id))
		assert.Equal(t, model.OutcomeRejected, w.Outcome())
		assert.Equal(t, model.StatusIdle, f.vault.CurrentState().Status())
	})
}

// TestOpenDegradedOnTamper writes a committed document whose header set
// disagrees with its own epoch. Open must surface the vault in a degraded,
// melted state instead of silently correcting it.
func TestOpenDegradedOnTamper(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewFileStore(unittest.Logger(), dir)
	require.NoError(t, err)

	meta, _, _ := unittest.MetadataFixture(t, 2, 3)
	for id, h := range meta.Headers {
		h.Epoch = 2
		meta.Headers[id] = h
	}
	handle, err := store.ShadowWrite(meta)
	require.NoError(t, err)
	require.NoError(t, store.AtomicCommit(handle))

	v, err := vault.Open(unittest.Logger(), vault.Config{Dir: dir}, network.NewLoopback())
	require.NoError(t, err)
	defer v.Close()

	require.Eventually(t, func() bool {
		return v.CurrentState().Status() == model.StatusDegraded
	}, time.Second, 10*time.Millisecond)

	_, err = v.Unlock([]byte("test-credential"), model.RoleAuthorized)
	require.ErrorIs(t, err, vault.ErrMelted)
	_, err = v.Register(context.Background(), "phone", make([]byte, crypto.PublicKeySize))
	require.ErrorIs(t, err, vault.ErrMelted)
}

func TestRevokeSelf(t *testing.T) {
	f := initVault(t)
	f.unlock(t)

	require.NoError(t, f.vault.RevokeSelf())
	assert.Equal(t, model.StatusRevoked, f.vault.CurrentState().Status())

	pub, _ := unittest.DeviceKeyFixture(t)
	_, err := f.vault.Register(context.Background(), "phone", pub[:])
	require.Error(t, err)
	require.NotErrorIs(t, err, vault.ErrLocked)
}
