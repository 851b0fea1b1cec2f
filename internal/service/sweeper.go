package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
)

// Sweeper defaults.
const (
	DefaultSweepInterval = 60 * time.Second
	DefaultLivenessTTL   = 3 * time.Minute
	DefaultSweepBatch    = 100
)

// SweeperConfig tunes the health-check sweep.
type SweeperConfig struct {
	TTL       time.Duration
	Interval  time.Duration
	BatchSize int
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.TTL <= 0 {
		c.TTL = DefaultLivenessTTL
	}
	if c.Interval <= 0 {
		c.Interval = DefaultSweepInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultSweepBatch
	}
	return c
}

// Sweeper periodically expires devices whose last heartbeat is older than
// the TTL and emits a dead notification for each.
type Sweeper struct {
	devices *DeviceService
	cfg     SweeperConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper builds a sweeper that expires devices owned by devices' store.
func NewSweeper(devices *DeviceService, cfg SweeperConfig) *Sweeper {
	return &Sweeper{devices: devices, cfg: cfg.withDefaults()}
}

// Start launches the ticker loop. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop stops scheduling ticks and waits for an in-flight batch to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.Infof("Sweeper started (ttl=%s interval=%s batch=%d)", s.cfg.TTL, s.cfg.Interval, s.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping sweeper...")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("Sweeper: sweep failed: %v", err)
			}
		}
	}
}

// Sweep drains every overdue device, batch by batch, and returns how many
// were expired. Cancelling ctx stops between batches, never inside one.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	store := s.devices.store
	ttlMs := s.cfg.TTL.Milliseconds()
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		// A batch is flipped atomically in the store; do not let a stop abort
		// it halfway and lose the dead notifications of already flipped rows.
		expired, err := store.SweepExpired(context.WithoutCancel(ctx), s.cfg.TTL, s.cfg.BatchSize)
		if err != nil {
			return total, serverError("sweep expired devices", err)
		}
		if len(expired) == 0 {
			break
		}
		for _, device := range expired {
			event := DeadEvent{
				Subscribers: device.Subscribers,
				DeviceName:  device.Name,
				DeadAt:      device.AliveAt + ttlMs,
			}
			s.devices.dispatch(ctx, func(ctx context.Context) {
				s.devices.notifier.NotifyDeviceIsDead(ctx, event)
			})
		}
		total += len(expired)
	}
	if total > 0 {
		log.Infof("Sweeper: expired %d devices", total)
	}
	return total, nil
}
