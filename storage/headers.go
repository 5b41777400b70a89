package storage

import (
	"fmt"
	"sync"

	"github.com/vaultmesh/vaultmesh/model/vault"
)

// DeviceHeaderStore holds, for the current epoch, the map from device
// identity to its wrapped copy of the data-encryption key, plus the device
// registration records. Reads (listing devices, fetching one header) are far
// more frequent than writes, so access is guarded by a read-write lock.
//
// The store is the in-memory view of the committed metadata; it is replaced
// wholesale when an epoch upgrade commits and mutated in place only for
// registration and revocation staging.
type DeviceHeaderStore struct {
	mu      sync.RWMutex
	epoch   uint32
	devices map[vault.DeviceID]vault.DeviceRecord
	headers map[vault.DeviceID]vault.DeviceHeader
}

// NewDeviceHeaderStore builds the store from a committed metadata document.
func NewDeviceHeaderStore(meta *vault.VaultMetadata) *DeviceHeaderStore {
	c := meta.Copy()
	return &DeviceHeaderStore{
		epoch:   c.CurrentEpoch,
		devices: c.Devices,
		headers: c.Headers,
	}
}

// Epoch returns the epoch the stored headers belong to.
func (s *DeviceHeaderStore) Epoch() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// ByDevice returns one device's header, or ErrNotFound.
func (s *DeviceHeaderStore) ByDevice(id vault.DeviceID) (vault.DeviceHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.headers[id]
	if !ok {
		return vault.DeviceHeader{}, fmt.Errorf("header for device %s: %w", id, ErrNotFound)
	}
	return h, nil
}

// Record returns one device's registration record, or ErrNotFound.
func (s *DeviceHeaderStore) Record(id vault.DeviceID) (vault.DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.devices[id]
	if !ok {
		return vault.DeviceRecord{}, fmt.Errorf("record for device %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

// ActiveDevices returns the identities of all registered devices.
func (s *DeviceHeaderStore) ActiveDevices() []vault.DeviceID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]vault.DeviceID, 0, len(s.devices))
	for id := range s.devices {
		out = append(out, id)
	}
	return out
}

// Records returns a copy of all registration records.
func (s *DeviceHeaderStore) Records() []vault.DeviceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]vault.DeviceRecord, 0, len(s.devices))
	for _, rec := range s.devices {
		out = append(out, rec)
	}
	return out
}

// Headers returns a copy of all current headers.
func (s *DeviceHeaderStore) Headers() []vault.DeviceHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]vault.DeviceHeader, 0, len(s.headers))
	for _, h := range s.headers {
		out = append(out, h)
	}
	return out
}

// Count returns the number of registered devices.
func (s *DeviceHeaderStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// Add registers a device record together with its header at the store's
// current epoch. Fails with ErrAlreadyExists for a duplicate identity.
func (s *DeviceHeaderStore) Add(rec vault.DeviceRecord, header vault.DeviceHeader) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := header.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if header.Epoch != s.epoch {
		return fmt.Errorf("header epoch %d does not match store epoch %d", header.Epoch, s.epoch)
	}
	if _, ok := s.devices[rec.DeviceID]; ok {
		return fmt.Errorf("device %s: %w", rec.DeviceID, ErrAlreadyExists)
	}
	s.devices[rec.DeviceID] = rec
	s.headers[rec.DeviceID] = header
	return nil
}

// Remove drops a device's record and header. Returns ErrNotFound if the
// device is not registered.
func (s *DeviceHeaderStore) Remove(id vault.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[id]; !ok {
		return fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	delete(s.devices, id)
	delete(s.headers, id)
	return nil
}

// ReplaceAll swaps the store's content for the committed state of a new
// epoch. Called only after the atomic commit has succeeded.
func (s *DeviceHeaderStore) ReplaceAll(meta *vault.VaultMetadata) {
	c := meta.Copy()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch = c.CurrentEpoch
	s.devices = c.Devices
	s.headers = c.Headers
}

// Snapshot materializes the store's content into a metadata document, using
// base for the fields the store does not own (wrapped vault key, KDF
// parameters).
func (s *DeviceHeaderStore) Snapshot(base *vault.VaultMetadata) *vault.VaultMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := base.Copy()
	out.CurrentEpoch = s.epoch
	out.Devices = make(map[vault.DeviceID]vault.DeviceRecord, len(s.devices))
	out.Headers = make(map[vault.DeviceID]vault.DeviceHeader, len(s.headers))
	for id, rec := range s.devices {
		rec.PublicKey = append([]byte(nil), rec.PublicKey...)
		out.Devices[id] = rec
	}
	for id, h := range s.headers {
		h.Wrapped = append([]byte(nil), h.Wrapped...)
		out.Headers[id] = h
	}
	return out
}
