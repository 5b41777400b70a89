package vault

// KeyHandle is an opaque, zeroable handle to symmetric key material, such as
// one epoch's data-encryption key. The handle lives in memory for the
// duration of a session and is zeroized when the epoch is retired or the
// session melts down; only the epoch counter is ever persisted in the clear.
type KeyHandle []byte

// Zeroize overwrites the key material in place.
func (k KeyHandle) Zeroize() {
	for i := range k {
		k[i] = 0
	}
}

// Copy returns an independent copy of the key material.
func (k KeyHandle) Copy() KeyHandle {
	if k == nil {
		return nil
	}
	c := make(KeyHandle, len(k))
	copy(c, k)
	return c
}
