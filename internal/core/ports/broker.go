package ports

import (
	"context"
	"encoding/json"

	"huddle/internal/core/domain"
)

// Delivery is one relay frame addressed to a peer that may be connected to
// another relay instance.
type Delivery struct {
	To    domain.PeerID   `json:"to"`
	Frame json.RawMessage `json:"frame"`
}

// Broker fans deliveries out across relay instances.
type Broker interface {
	Publish(ctx context.Context, d Delivery) error
	// Subscribe blocks, calling handler for deliveries published by other
	// instances, until ctx ends.
	Subscribe(ctx context.Context, handler func(Delivery)) error
	Close() error
}
