// Package vault holds the core datatypes of the key-lifecycle protocol:
// device identities, epochs, wrapped-key headers, the on-disk metadata
// document, the protocol state sum type, and recovery windows.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DeviceID uniquely identifies a device within a vault. It is the SHA-256 of
// the device's KEM public capability, so it can be recomputed by anyone
// holding the public key and never needs to be trusted separately.
type DeviceID [32]byte

// ZeroDeviceID is the zero value, used to detect uninitialized identities.
var ZeroDeviceID = DeviceID{}

// DeviceIDForPublicKey computes the identity for a device public capability.
func DeviceIDForPublicKey(pub []byte) DeviceID {
	return DeviceID(sha256.Sum256(pub))
}

// HexStringToDeviceID parses a 64-character hex string into a DeviceID.
func HexStringToDeviceID(s string) (DeviceID, error) {
	var id DeviceID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("could not decode device id hex: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("device id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id DeviceID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler so DeviceID can key maps in
// encoded metadata.
func (id DeviceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *DeviceID) UnmarshalText(text []byte) error {
	parsed, err := HexStringToDeviceID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
