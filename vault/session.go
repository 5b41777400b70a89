package vault

import (
	"errors"
	"fmt"

	"github.com/vaultmesh/vaultmesh/crypto"
	model "github.com/vaultmesh/vaultmesh/model/vault"
)

// ErrLocked indicates an operation requiring the unlocked vault key was
// attempted before a successful Unlock.
var ErrLocked = errors.New("vault is locked")

// ErrMelted indicates the session has melted down; only re-establishment of
// trust from a root credential can continue.
var ErrMelted = errors.New("session degraded by invariant violation")

// Session is the opaque handle returned by Unlock. It is bound to the vault
// that issued it; its role is assigned at authentication time by the
// authentication collaborator and never changes for the session's lifetime.
type Session struct {
	vault *Vault
	role  model.Role
}

// Role returns the session's capability class.
func (s *Session) Role() model.Role {
	return s.role
}

// Unlock verifies the credential against the committed metadata and loads
// the current epoch key into memory. The role comes from the authentication
// collaborator; this layer only records it. No plaintext key material is
// ever returned.
func (v *Vault) Unlock(credential []byte, role model.Role) (*Session, error) {
	if v.melted.Load() {
		return nil, ErrMelted
	}
	if !role.Valid() {
		return nil, fmt.Errorf("invalid session role %d", uint8(role))
	}

	meta, err := v.store.ReadCommitted()
	if err != nil {
		return nil, err
	}

	kek := crypto.DeriveCredentialKey(credential, meta.KDFParams())
	dek, err := crypto.Open(kek, meta.WrappedVaultKey, nil)
	if err != nil {
		crypto.Zeroize(kek)
		return nil, fmt.Errorf("could not unlock vault key: %w", err)
	}

	v.keyMu.Lock()
	v.dek.Zeroize()
	v.kek.Zeroize()
	v.dek = model.KeyHandle(dek)
	v.kek = model.KeyHandle(kek)
	v.keyMu.Unlock()

	v.log.Info().Str("role", role.String()).Msg("vault unlocked")
	return &Session{vault: v, role: role}, nil
}

// sealVaultKey re-seals a data key under the session's credential key. Used
// by epoch upgrades to refresh the credential-wrapped copy.
func (v *Vault) sealVaultKey(dek []byte) ([]byte, error) {
	v.keyMu.Lock()
	defer v.keyMu.Unlock()
	if v.kek == nil {
		return nil, ErrLocked
	}
	return crypto.Seal(v.kek, dek, nil)
}

// swapEpochKey installs the new epoch's key handle, zeroizing the old one.
func (v *Vault) swapEpochKey(dek model.KeyHandle) {
	v.keyMu.Lock()
	defer v.keyMu.Unlock()
	v.dek.Zeroize()
	v.dek = dek
}
