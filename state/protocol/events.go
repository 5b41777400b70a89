package protocol

import (
	"sync"

	"github.com/vaultmesh/vaultmesh/model/vault"
)

// Consumer receives protocol state events at the observation boundary. Only
// coarse statuses and sanitized categories cross this interface; violation
// detail and key material never do. Implementations must be non-blocking:
// events are delivered synchronously after a transition commits.
type Consumer interface {

	// OnStateTransition is called after a successful transition. Callbacks are
	// informationally idempotent; consumers must tolerate repeated delivery of
	// the same pair.
	OnStateTransition(from, to vault.Status)

	// OnMeltdown is called when an invariant violation has forced the session
	// into degraded mode. The category is a coarse label safe for display.
	OnMeltdown(category string)
}

// Distributor fans events out to all registered consumers. It implements
// Consumer itself so it can be passed wherever a single consumer is expected.
type Distributor struct {
	mu        sync.RWMutex
	consumers []Consumer
}

var _ Consumer = (*Distributor)(nil)

func NewDistributor() *Distributor {
	return &Distributor{}
}

// AddConsumer registers a consumer. Safe for concurrent use.
func (d *Distributor) AddConsumer(c Consumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consumers = append(d.consumers, c)
}

func (d *Distributor) OnStateTransition(from, to vault.Status) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.consumers {
		c.OnStateTransition(from, to)
	}
}

func (d *Distributor) OnMeltdown(category string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.consumers {
		c.OnMeltdown(category)
	}
}
