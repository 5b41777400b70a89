package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// KDFParams are the argon2id parameters used to stretch the unlock credential
// into the key-encryption key that seals the vault key at rest.
type KDFParams struct {
	Memory  uint32
	Time    uint32
	Threads uint8
	Salt    []byte
}

const kdfSaltSize = 32

// DefaultKDFParams returns argon2id parameters with a fresh random salt.
func DefaultKDFParams() (KDFParams, error) {
	salt := make([]byte, kdfSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return KDFParams{}, fmt.Errorf("could not generate kdf salt: %w", err)
	}
	return KDFParams{Memory: 128 * 1024, Time: 3, Threads: 4, Salt: salt}, nil
}

// DeriveCredentialKey stretches an unlock credential into a 32-byte
// key-encryption key. The caller must Zeroize the result when done.
func DeriveCredentialKey(credential []byte, p KDFParams) []byte {
	return argon2.IDKey(credential, p.Salt, p.Time, p.Memory, p.Threads, 32)
}
