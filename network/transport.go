// Package network defines the transport boundary of the protocol core:
// broadcasting new headers to devices and receiving veto signals. The wire
// framing itself is a collaborator concern; the core only sees opaque header
// bytes and typed veto messages.
package network

import (
	"context"

	"github.com/google/uuid"

	"github.com/vaultmesh/vaultmesh/model/vault"
)

// Transport is the inter-device signalling contract.
type Transport interface {

	// Broadcast delivers a device's new wrapped header after an epoch
	// upgrade. Best effort; the upgrade itself is already committed.
	Broadcast(ctx context.Context, device vault.DeviceID, headerBytes []byte) error

	// VetoStream returns the stream of veto messages submitted for a
	// recovery request. The channel is closed when ctx is cancelled.
	VetoStream(ctx context.Context, requestID uuid.UUID) (<-chan vault.VetoMessage, error)
}
