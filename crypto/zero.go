package crypto

// Zeroize overwrites a byte slice with zeros. Callers holding key material
// must call this before releasing the slice to the garbage collector.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
