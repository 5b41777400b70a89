// Package unittest provides fixtures and helpers shared by tests.
package unittest

import (
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vaultmesh/vaultmesh/crypto"
	model "github.com/vaultmesh/vaultmesh/model/vault"
)

// DeviceIDFixture returns a random device identity.
func DeviceIDFixture() model.DeviceID {
	var id model.DeviceID
	_, _ = rand.Read(id[:])
	return id
}

// DeviceKeyFixture generates a real KEM key pair for a test device.
func DeviceKeyFixture(t testing.TB) (*[crypto.PublicKeySize]byte, *[crypto.PrivateKeySize]byte) {
	pub, priv, err := crypto.GenerateDeviceKeyPair()
	require.NoError(t, err)
	return pub, priv
}

// DataKeyFixture mints a data-encryption key.
func DataKeyFixture(t testing.TB) []byte {
	dek, err := crypto.NewDataKey()
	require.NoError(t, err)
	return dek
}

// DeviceFixture is a test device with its full key material.
type DeviceFixture struct {
	Record model.DeviceRecord
	Header model.DeviceHeader
	Priv   *[crypto.PrivateKeySize]byte
}

// DeviceFixtures creates n devices, each with a header wrapping dek at the
// given epoch.
func DeviceFixtures(t testing.TB, n int, epoch uint32, dek []byte) []DeviceFixture {
	out := make([]DeviceFixture, 0, n)
	for i := 0; i < n; i++ {
		pub, priv := DeviceKeyFixture(t)
		id := model.DeviceIDForPublicKey(pub[:])
		wrapped, err := crypto.WrapKey(pub, dek)
		require.NoError(t, err)
		out = append(out, DeviceFixture{
			Record: model.DeviceRecord{
				DeviceID:     id,
				Name:         "device",
				PublicKey:    pub[:],
				RegisteredAt: time.Now().UTC(),
			},
			Header: model.DeviceHeader{
				DeviceID: id,
				Epoch:    epoch,
				Wrapped:  wrapped,
			},
			Priv: priv,
		})
	}
	return out
}

// MetadataFixture builds a committed metadata document with n devices at the
// given epoch, returning the document, the epoch key, and the devices.
func MetadataFixture(t testing.TB, n int, epoch uint32) (*model.VaultMetadata, []byte, []DeviceFixture) {
	dek := DataKeyFixture(t)
	devices := DeviceFixtures(t, n, epoch, dek)

	// deliberately weak parameters so tests stay fast
	kdfParams := crypto.KDFParams{Memory: 64, Time: 1, Threads: 1, Salt: make([]byte, 32)}
	kek := crypto.DeriveCredentialKey([]byte("test-credential"), kdfParams)
	wrappedVaultKey, sealErr := crypto.Seal(kek, dek, nil)
	require.NoError(t, sealErr)

	meta := &model.VaultMetadata{
		Version:         model.MetadataVersion,
		CurrentEpoch:    epoch,
		Devices:         make(map[model.DeviceID]model.DeviceRecord, n),
		Headers:         make(map[model.DeviceID]model.DeviceHeader, n),
		WrappedVaultKey: wrappedVaultKey,
		KDFSalt:         kdfParams.Salt,
		KDFMemory:       kdfParams.Memory,
		KDFTime:         kdfParams.Time,
		KDFThreads:      kdfParams.Threads,
	}
	for _, d := range devices {
		meta.Devices[d.Record.DeviceID] = d.Record
		meta.Headers[d.Record.DeviceID] = d.Header
	}
	return meta, dek, devices
}

// MutableClock is an injectable time source tests can advance by hand.
type MutableClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewMutableClock(start time.Time) *MutableClock {
	return &MutableClock{now: start}
}

// Now is the time source to inject.
func (c *MutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *MutableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
