// Package storage persists vault metadata with a crash-consistent two-phase
// contract: the fully-formed new document is first written durably to a
// shadow location, then made live with a single atomic rename. Readers only
// ever observe the old document or the new one, never a mixture.
package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/vaultmesh/vaultmesh/model/vault"
)

const (
	metadataFileName = "metadata.vmd"
	shadowSuffix     = ".shadow"

	filePerm = 0o600
	dirPerm  = 0o700
)

// fileMagic prefixes every document so foreign files are rejected early.
var fileMagic = []byte("VMD1")

// ShadowHandle identifies one durably written, not yet committed document.
type ShadowHandle struct {
	path  string
	epoch uint32
}

// Path returns the shadow file location, recorded in the rekeying context so
// startup recovery can find it after a crash.
func (h *ShadowHandle) Path() string {
	return h.path
}

// Epoch returns the epoch of the document behind the handle.
func (h *ShadowHandle) Epoch() uint32 {
	return h.epoch
}

// MetadataStore is the storage contract the protocol core depends on.
type MetadataStore interface {

	// ShadowWrite durably writes the fully-formed new document to a temporary
	// location. The committed document is untouched.
	ShadowWrite(meta *vault.VaultMetadata) (*ShadowHandle, error)

	// AtomicCommit makes a shadow document live with a single atomic replace.
	// It either fully succeeds or fully fails; no intermediate state is ever
	// visible to readers.
	AtomicCommit(handle *ShadowHandle) error

	// ReadCommitted returns the committed document, or ErrNotFound.
	ReadCommitted() (*vault.VaultMetadata, error)

	// PendingShadow returns a handle to a leftover shadow document from an
	// interrupted upgrade, with its decoded content, or ErrNoShadow. A shadow
	// that fails its integrity check is reported as ErrCorrupted.
	PendingShadow() (*ShadowHandle, *vault.VaultMetadata, error)

	// DiscardShadow removes a shadow document that will not be committed.
	DiscardShadow(handle *ShadowHandle) error
}

// FileStore implements MetadataStore on a directory. Every document carries
// a checksum so startup recovery can prove a shadow was fully written before
// rolling forward to it.
type FileStore struct {
	log zerolog.Logger
	dir string
}

var _ MetadataStore = (*FileStore)(nil)

// NewFileStore creates the directory if needed and returns a store rooted in
// it.
func NewFileStore(log zerolog.Logger, dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("could not create vault directory: %w", err)
	}
	return &FileStore{
		log: log.With().Str("component", "metadata_store").Logger(),
		dir: dir,
	}, nil
}

// CommittedPath returns the location of the live document.
func (s *FileStore) CommittedPath() string {
	return filepath.Join(s.dir, metadataFileName)
}

func (s *FileStore) shadowPath() string {
	return s.CommittedPath() + shadowSuffix
}

func (s *FileStore) ShadowWrite(meta *vault.VaultMetadata) (*ShadowHandle, error) {
	payload, err := meta.Encode()
	if err != nil {
		return nil, err
	}
	doc := frameDocument(payload)

	path := s.shadowPath()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return nil, fmt.Errorf("could not open shadow file: %w", err)
	}
	if _, err := f.Write(doc); err != nil {
		f.Close()
		return nil, fmt.Errorf("could not write shadow file: %w", err)
	}
	// the shadow must be durable before the rename can be attempted,
	// otherwise a crash could commit a torn document
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("could not sync shadow file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("could not close shadow file: %w", err)
	}
	if err := syncDir(s.dir); err != nil {
		return nil, err
	}

	s.log.Debug().Uint32("epoch", meta.CurrentEpoch).Msg("shadow document written")
	return &ShadowHandle{path: path, epoch: meta.CurrentEpoch}, nil
}

func (s *FileStore) AtomicCommit(handle *ShadowHandle) error {
	if err := os.Rename(handle.path, s.CommittedPath()); err != nil {
		return fmt.Errorf("could not commit shadow document: %w", err)
	}
	if err := syncDir(s.dir); err != nil {
		return err
	}
	s.log.Info().Uint32("epoch", handle.epoch).Msg("metadata committed")
	return nil
}

func (s *FileStore) ReadCommitted() (*vault.VaultMetadata, error) {
	return readDocument(s.CommittedPath())
}

func (s *FileStore) PendingShadow() (*ShadowHandle, *vault.VaultMetadata, error) {
	path := s.shadowPath()
	meta, err := readDocument(path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrNoShadow
		}
		return &ShadowHandle{path: path}, nil, err
	}
	return &ShadowHandle{path: path, epoch: meta.CurrentEpoch}, meta, nil
}

func (s *FileStore) DiscardShadow(handle *ShadowHandle) error {
	if err := os.Remove(handle.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not discard shadow document: %w", err)
	}
	s.log.Debug().Msg("shadow document discarded")
	return nil
}

// frameDocument wraps a payload as magic || length || payload || sha256.
// The checksum is what lets startup recovery distinguish a fully written
// shadow from a torn one.
func frameDocument(payload []byte) []byte {
	out := make([]byte, 0, len(fileMagic)+4+len(payload)+sha256.Size)
	out = append(out, fileMagic...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	sum := sha256.Sum256(payload)
	out = append(out, sum[:]...)
	return out
}

func readDocument(path string) (*vault.VaultMetadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("metadata document %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("could not read metadata document: %w", err)
	}

	headerLen := len(fileMagic) + 4
	if len(b) < headerLen+sha256.Size || !bytes.Equal(b[:len(fileMagic)], fileMagic) {
		return nil, fmt.Errorf("metadata document %s: %w", path, ErrCorrupted)
	}
	payloadLen := int(binary.BigEndian.Uint32(b[len(fileMagic):headerLen]))
	if len(b) != headerLen+payloadLen+sha256.Size {
		return nil, fmt.Errorf("metadata document %s has wrong length: %w", path, ErrCorrupted)
	}
	payload := b[headerLen : headerLen+payloadLen]
	sum := sha256.Sum256(payload)
	if !bytes.Equal(sum[:], b[headerLen+payloadLen:]) {
		return nil, fmt.Errorf("metadata document %s failed checksum: %w", path, ErrCorrupted)
	}

	return vault.DecodeVaultMetadata(payload)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("could not open vault directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("could not sync vault directory: %w", err)
	}
	return nil
}
