package network

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/vaultmesh/vaultmesh/model/vault"
)

// Loopback is an in-process Transport for tests and single-process use. It
// records broadcasts and feeds locally submitted vetoes to open streams.
type Loopback struct {
	mu         sync.Mutex
	broadcasts map[vault.DeviceID][][]byte
	streams    map[uuid.UUID][]chan vault.VetoMessage
}

var _ Transport = (*Loopback)(nil)

func NewLoopback() *Loopback {
	return &Loopback{
		broadcasts: make(map[vault.DeviceID][][]byte),
		streams:    make(map[uuid.UUID][]chan vault.VetoMessage),
	}
}

func (l *Loopback) Broadcast(_ context.Context, device vault.DeviceID, headerBytes []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := append([]byte(nil), headerBytes...)
	l.broadcasts[device] = append(l.broadcasts[device], cp)
	return nil
}

// Broadcasts returns the header payloads delivered to one device, in order.
func (l *Loopback) Broadcasts(device vault.DeviceID) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.broadcasts[device]...)
}

func (l *Loopback) VetoStream(ctx context.Context, requestID uuid.UUID) (<-chan vault.VetoMessage, error) {
	ch := make(chan vault.VetoMessage, 16)
	l.mu.Lock()
	l.streams[requestID] = append(l.streams[requestID], ch)
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		defer l.mu.Unlock()
		chans := l.streams[requestID]
		for i, c := range chans {
			if c == ch {
				l.streams[requestID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// SubmitVeto feeds a veto to every open stream for the request. Vetoes
// submitted with no open stream are dropped; the recovery manager is the
// durable record, not the transport.
func (l *Loopback) SubmitVeto(requestID uuid.UUID, msg vault.VetoMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.streams[requestID] {
		select {
		case ch <- msg:
		default:
		}
	}
}
