package service

import (
	"context"

	"github.com/bark-labs/liveness-watch/internal/model"
)

// AliveEvent is emitted on a dead -> alive edge.
type AliveEvent struct {
	Subscribers []model.Identity
	DeviceName  string
	AliveAt     int64
}

// DeadEvent is emitted when the sweep expires a device. DeadAt is the
// theoretical expiry instant (aliveAt + ttl), not the sweep wall clock.
type DeadEvent struct {
	Subscribers []model.Identity
	DeviceName  string
	DeadAt      int64
}

// Notifier delivers state-change events to subscribers.
// Implementations own retries and must not block on one failing recipient.
type Notifier interface {
	NotifyDeviceIsAlive(ctx context.Context, event AliveEvent)
	NotifyDeviceIsDead(ctx context.Context, event DeadEvent)
}
