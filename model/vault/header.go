package vault

import (
	"fmt"
	"time"

	"github.com/vaultmesh/vaultmesh/crypto"
)

// DeviceHeader is one device's wrapped copy of the data-encryption key at a
// particular epoch. Headers are created when a device is registered or when
// the epoch advances, and simply omitted from the new header set when the
// device is revoked.
type DeviceHeader struct {
	DeviceID DeviceID
	Epoch    uint32
	Wrapped  []byte
}

// Validate checks structural well-formedness: a non-zero identity and a
// wrapped blob of exactly the fixed size. Uniform header size is what keeps
// the recovery slot indistinguishable from a real device, so a wrong-sized
// header is rejected outright rather than padded or truncated.
func (h DeviceHeader) Validate() error {
	if h.DeviceID == ZeroDeviceID {
		return fmt.Errorf("device header has zero identity")
	}
	if len(h.Wrapped) != crypto.WrappedKeySize {
		return fmt.Errorf("device header wrapped blob must be %d bytes, got %d",
			crypto.WrappedKeySize, len(h.Wrapped))
	}
	return nil
}

// DeviceRecord is the registration entry for a device: its identity, public
// capability, and display metadata. Records carry no flag distinguishing the
// recovery slot; it is just another record whose key pair happens to be
// derivable from the physical recovery secret.
type DeviceRecord struct {
	DeviceID     DeviceID
	Name         string
	PublicKey    []byte
	RegisteredAt time.Time
}

// Validate checks the record's identity matches its public capability.
func (r DeviceRecord) Validate() error {
	if len(r.PublicKey) != crypto.PublicKeySize {
		return fmt.Errorf("device public key must be %d bytes, got %d",
			crypto.PublicKeySize, len(r.PublicKey))
	}
	if DeviceIDForPublicKey(r.PublicKey) != r.DeviceID {
		return fmt.Errorf("device id does not match public key")
	}
	return nil
}

// DeviceInfo is the sanitized view of a device exposed to calling layers:
// names, epoch numbers and timestamps only, never key material.
type DeviceInfo struct {
	DeviceID     DeviceID
	Name         string
	Epoch        uint32
	RegisteredAt time.Time
}
