package vault

// RekeyingContext tracks the progress of one epoch upgrade. It is created on
// entering the Rekeying state and discarded when the machine returns to Idle,
// either on completion, on rollback, or when startup recovery re-drives an
// interrupted upgrade.
type RekeyingContext struct {
	OldEpoch   uint32
	NewEpoch   uint32
	ShadowPath string

	pending   map[DeviceID]struct{}
	completed map[DeviceID]struct{}
	aborted   bool
}

// NewRekeyingContext creates a context with every given device pending.
func NewRekeyingContext(oldEpoch, newEpoch uint32, devices []DeviceID) *RekeyingContext {
	pending := make(map[DeviceID]struct{}, len(devices))
	for _, id := range devices {
		pending[id] = struct{}{}
	}
	return &RekeyingContext{
		OldEpoch:  oldEpoch,
		NewEpoch:  newEpoch,
		pending:   pending,
		completed: make(map[DeviceID]struct{}, len(devices)),
	}
}

// MarkCompleted records that a device's header has been re-wrapped at the new
// epoch. Marking an unknown device is a no-op.
func (c *RekeyingContext) MarkCompleted(id DeviceID) {
	if _, ok := c.pending[id]; !ok {
		return
	}
	delete(c.pending, id)
	c.completed[id] = struct{}{}
}

// Pending returns the devices still awaiting a header at the new epoch.
func (c *RekeyingContext) Pending() []DeviceID {
	out := make([]DeviceID, 0, len(c.pending))
	for id := range c.pending {
		out = append(out, id)
	}
	return out
}

// Done reports whether every device has been re-wrapped.
func (c *RekeyingContext) Done() bool {
	return len(c.pending) == 0
}

// Abort marks the upgrade as rolled back; the batch is discarded as a unit
// and the state machine may return to Idle at the old epoch.
func (c *RekeyingContext) Abort() {
	c.aborted = true
}

// Aborted reports whether the upgrade was rolled back.
func (c *RekeyingContext) Aborted() bool {
	return c.aborted
}
