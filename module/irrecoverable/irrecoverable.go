// Package irrecoverable carries invariant violations from the point of
// detection to the vault's meltdown handler. A detected violation is never
// retried or locally corrected; the detecting component throws it here and
// returns the error to its caller, while the handler halts decryption,
// zeroizes key handles and forces the state machine into degraded mode.
package irrecoverable

import "sync"

// Signaler delivers violations to the single meltdown handler. It never
// blocks or panics for the thrower: when the handler is behind, additional
// throws are dropped, because one violation is already sufficient to melt
// the session down, and throws racing or following Close are dropped the
// same way.
type Signaler struct {
	mu     sync.Mutex
	closed bool
	errs   chan error
}

// NewSignaler creates a signaler and the channel the meltdown handler
// consumes.
func NewSignaler() (*Signaler, <-chan error) {
	errs := make(chan error, 1)
	return &Signaler{errs: errs}, errs
}

// Throw reports an invariant violation. Non-blocking; a no-op once the
// signaler is closed.
func (s *Signaler) Throw(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

// Close releases the channel, terminating the handler. Safe to call more
// than once.
func (s *Signaler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.errs)
}
