package vault

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/vaultmesh/vaultmesh/crypto"
)

// MetadataVersion is the current on-disk format version.
const MetadataVersion uint16 = 1

// VaultMetadata is the single persistent document describing a vault's key
// state: the current epoch, the registered devices, each device's wrapped
// copy of the epoch key, and the credential-wrapped vault key. It is owned
// by the storage layer and only ever replaced wholesale through the
// shadow-write/atomic-rename contract, so readers always observe either the
// old document or the new one, never a mixture.
type VaultMetadata struct {
	Version      uint16
	CurrentEpoch uint32

	Devices map[DeviceID]DeviceRecord
	Headers map[DeviceID]DeviceHeader

	// WrappedVaultKey is the current epoch's data-encryption key sealed under
	// the credential-derived key, for unlocking without a device capability.
	WrappedVaultKey []byte

	// KDF parameters for the unlock credential.
	KDFSalt    []byte
	KDFMemory  uint32
	KDFTime    uint32
	KDFThreads uint8
}

var metadataEncMode cbor.EncMode

func init() {
	var err error
	metadataEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes the metadata deterministically.
func (m *VaultMetadata) Encode() ([]byte, error) {
	b, err := metadataEncMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("could not encode vault metadata: %w", err)
	}
	return b, nil
}

// DecodeVaultMetadata parses and structurally validates a metadata document.
func DecodeVaultMetadata(b []byte) (*VaultMetadata, error) {
	var m VaultMetadata
	if err := cbor.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("could not decode vault metadata: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks structural well-formedness of the document. Header
// completeness against the active-device set is the invariant validator's
// job; this only rejects documents that could not have been produced by a
// correct writer.
func (m *VaultMetadata) Validate() error {
	if m.Version != MetadataVersion {
		return fmt.Errorf("unsupported metadata version %d", m.Version)
	}
	for id, rec := range m.Devices {
		if id != rec.DeviceID {
			return fmt.Errorf("device record key %s does not match record id %s", id, rec.DeviceID)
		}
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("invalid device record %s: %w", id, err)
		}
	}
	for id, h := range m.Headers {
		if id != h.DeviceID {
			return fmt.Errorf("header key %s does not match header id %s", id, h.DeviceID)
		}
		if err := h.Validate(); err != nil {
			return fmt.Errorf("invalid header %s: %w", id, err)
		}
	}
	// a correct writer always stages records and headers together
	for id := range m.Devices {
		if _, ok := m.Headers[id]; !ok {
			return fmt.Errorf("device %s has no header", id)
		}
	}
	for id := range m.Headers {
		if _, ok := m.Devices[id]; !ok {
			return fmt.Errorf("header %s has no device record", id)
		}
	}
	return nil
}

// ActiveDevices returns the identities of all registered devices.
func (m *VaultMetadata) ActiveDevices() []DeviceID {
	out := make([]DeviceID, 0, len(m.Devices))
	for id := range m.Devices {
		out = append(out, id)
	}
	return out
}

// HeaderEpoch returns the single epoch shared by every header, or false if
// the header set is empty or mixed. Startup recovery compares this against
// CurrentEpoch to detect an interrupted upgrade.
func (m *VaultMetadata) HeaderEpoch() (uint32, bool) {
	var epoch uint32
	first := true
	for _, h := range m.Headers {
		if first {
			epoch = h.Epoch
			first = false
			continue
		}
		if h.Epoch != epoch {
			return 0, false
		}
	}
	if first {
		return 0, false
	}
	return epoch, true
}

// KDFParams returns the credential KDF parameters recorded in the document.
func (m *VaultMetadata) KDFParams() crypto.KDFParams {
	return crypto.KDFParams{
		Memory:  m.KDFMemory,
		Time:    m.KDFTime,
		Threads: m.KDFThreads,
		Salt:    m.KDFSalt,
	}
}

// Copy returns a deep copy so callers can stage changes without mutating the
// committed document.
func (m *VaultMetadata) Copy() *VaultMetadata {
	c := &VaultMetadata{
		Version:      m.Version,
		CurrentEpoch: m.CurrentEpoch,
		Devices:      make(map[DeviceID]DeviceRecord, len(m.Devices)),
		Headers:      make(map[DeviceID]DeviceHeader, len(m.Headers)),
		KDFMemory:    m.KDFMemory,
		KDFTime:      m.KDFTime,
		KDFThreads:   m.KDFThreads,
	}
	c.WrappedVaultKey = append([]byte(nil), m.WrappedVaultKey...)
	c.KDFSalt = append([]byte(nil), m.KDFSalt...)
	for id, rec := range m.Devices {
		rec.PublicKey = append([]byte(nil), rec.PublicKey...)
		c.Devices[id] = rec
	}
	for id, h := range m.Headers {
		h.Wrapped = append([]byte(nil), h.Wrapped...)
		c.Headers[id] = h
	}
	return c
}
