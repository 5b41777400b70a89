// Package crypto provides the key-wrapping and key-derivation primitives the
// protocol core consumes as opaque capabilities: a post-quantum KEM for
// per-device wrapping of the data-encryption key, an AEAD for sealing, and a
// password KDF for the unlock credential. All key material crossing this
// package boundary is a plain byte slice the caller is expected to Zeroize.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/companyzero/sntrup4591761"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// DataKeySize is the size of the symmetric data-encryption key minted for
	// each epoch.
	DataKeySize = 32

	// PublicKeySize and PrivateKeySize are the sizes of a device's KEM key
	// pair (its "public capability" in protocol terms).
	PublicKeySize  = sntrup4591761.PublicKeySize
	PrivateKeySize = sntrup4591761.PrivateKeySize

	// WrappedKeySize is the exact byte length of a wrapped data-encryption
	// key: KEM ciphertext, followed by the AEAD nonce, followed by the sealed
	// key with its tag. Every device header carries exactly this many bytes,
	// which makes the recovery slot indistinguishable from a real device by
	// size.
	WrappedKeySize = sntrup4591761.CiphertextSize + chacha20poly1305.NonceSizeX + DataKeySize + chacha20poly1305.Overhead
)

// headerWrapInfo is the HKDF info string binding derived wrap keys to this
// use. Changing it invalidates every existing header.
const headerWrapInfo = "vaultmesh/header-wrap/v1"

var (
	ErrWrappedSize = errors.New("crypto: wrapped key has wrong size")
	ErrDecapsulate = errors.New("crypto: could not decapsulate shared secret")
)

// NewDataKey mints a fresh random data-encryption key for a new epoch.
func NewDataKey() ([]byte, error) {
	dek := make([]byte, DataKeySize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("could not generate data key: %w", err)
	}
	return dek, nil
}

// GenerateDeviceKeyPair creates a KEM key pair for a new device.
func GenerateDeviceKeyPair() (*[PublicKeySize]byte, *[PrivateKeySize]byte, error) {
	pk, sk, err := sntrup4591761.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("could not generate device key pair: %w", err)
	}
	return pk, sk, nil
}

// DeriveRecoveryKeyPair deterministically derives the KEM key pair for the
// always-present recovery slot from a physical recovery secret. The same
// secret always yields the same pair, so possession of the secret is
// sufficient to unwrap the current epoch's key without any stored marker
// singling the slot out.
func DeriveRecoveryKeyPair(secret []byte) (*[PublicKeySize]byte, *[PrivateKeySize]byte, error) {
	seed := hkdf.New(sha256.New, secret, nil, []byte("vaultmesh/recovery-keypair/v1"))
	pk, sk, err := sntrup4591761.GenerateKey(seed)
	if err != nil {
		return nil, nil, fmt.Errorf("could not derive recovery key pair: %w", err)
	}
	return pk, sk, nil
}

// WrapKey encrypts the data-encryption key to one device's public capability.
// The returned slice always has exactly WrappedKeySize bytes.
func WrapKey(pub *[PublicKeySize]byte, dek []byte) ([]byte, error) {
	if len(dek) != DataKeySize {
		return nil, fmt.Errorf("data key must be %d bytes, got %d", DataKeySize, len(dek))
	}

	ct, shared, err := sntrup4591761.Encapsulate(rand.Reader, pub)
	if err != nil {
		return nil, fmt.Errorf("could not encapsulate: %w", err)
	}
	defer Zeroize(shared[:])

	wrapKey := deriveWrapKey(shared[:])
	defer Zeroize(wrapKey)

	aead, err := chacha20poly1305.NewX(wrapKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, WrappedKeySize)
	out = append(out, ct[:]...)
	out = append(out, nonce...)
	// The KEM ciphertext is bound as associated data so a wrapped blob cannot
	// be spliced together from two different wraps.
	out = aead.Seal(out, nonce, dek, ct[:])
	if len(out) != WrappedKeySize {
		return nil, ErrWrappedSize
	}
	return out, nil
}

// UnwrapKey recovers the data-encryption key from a wrapped blob using the
// device's private capability.
func UnwrapKey(priv *[PrivateKeySize]byte, wrapped []byte) ([]byte, error) {
	if len(wrapped) != WrappedKeySize {
		return nil, ErrWrappedSize
	}

	ct := new([sntrup4591761.CiphertextSize]byte)
	copy(ct[:], wrapped)
	shared, ok := sntrup4591761.Decapsulate(ct, priv)
	if ok != 1 {
		return nil, ErrDecapsulate
	}
	defer Zeroize(shared[:])

	wrapKey := deriveWrapKey(shared[:])
	defer Zeroize(wrapKey)

	aead, err := chacha20poly1305.NewX(wrapKey)
	if err != nil {
		return nil, err
	}
	nonce := wrapped[sntrup4591761.CiphertextSize : sntrup4591761.CiphertextSize+chacha20poly1305.NonceSizeX]
	sealed := wrapped[sntrup4591761.CiphertextSize+chacha20poly1305.NonceSizeX:]

	dek, err := aead.Open(nil, nonce, sealed, ct[:])
	if err != nil {
		return nil, fmt.Errorf("could not open wrapped key: %w", err)
	}
	return dek, nil
}

func deriveWrapKey(shared []byte) []byte {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, shared, nil, []byte(headerWrapInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		// HKDF cannot fail for a 32-byte read.
		panic(err)
	}
	return key
}
