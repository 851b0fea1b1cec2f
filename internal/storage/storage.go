package storage

import (
	"context"
	"time"

	"github.com/bark-labs/liveness-watch/internal/model"
)

// Store abstracts device persistence.
//
// Every method is atomic with respect to the others for a single device
// record. SweepExpired must re-check its staleness predicate at write time so
// a concurrent heartbeat that refreshes AliveAt keeps the device alive.
// MarkAlive sets alive=true and aliveAt in one step and reports whether the
// device was already alive at that moment.
type Store interface {
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	CreateDevice(ctx context.Context, device *model.Device) error
	UpdateDevice(ctx context.Context, id string, update model.DeviceUpdate) error
	MarkAlive(ctx context.Context, id string, aliveAt int64) (wasAlive bool, err error)
	ListSubscriberDevices(ctx context.Context, identity model.Identity) ([]*model.Device, error)
	ListDevices(ctx context.Context) ([]*model.Device, error)
	SweepExpired(ctx context.Context, ttl time.Duration, limit int) ([]*model.Device, error)
	AppendNoticeLog(ctx context.Context, log *model.NoticeLog) error
	ListNoticeLogs(ctx context.Context) ([]*model.NoticeLog, error)
	Close() error
}

// Clock returns the current time. Stores use it to evaluate the sweep cutoff.
type Clock func() time.Time

// ExpiryCutoff returns the aliveAt (ms) below which a device is overdue.
func ExpiryCutoff(now time.Time, ttl time.Duration) int64 {
	return now.UnixMilli() - ttl.Milliseconds()
}
