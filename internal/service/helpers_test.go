package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bark-labs/liveness-watch/internal/model"
	"github.com/bark-labs/liveness-watch/internal/storage"
	"github.com/bark-labs/liveness-watch/internal/storage/bolt"
)

var (
	clientA = model.Identity{Source: model.SourceBark, SourceID: "client-a"}
	clientB = model.Identity{Source: model.SourceBark, SourceID: "client-b"}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu    sync.Mutex
	alive []AliveEvent
	dead  []DeadEvent
}

func (n *recordingNotifier) NotifyDeviceIsAlive(_ context.Context, e AliveEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alive = append(n.alive, e)
}

func (n *recordingNotifier) NotifyDeviceIsDead(_ context.Context, e DeadEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dead = append(n.dead, e)
}

func (n *recordingNotifier) aliveEvents() []AliveEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]AliveEvent(nil), n.alive...)
}

func (n *recordingNotifier) deadEvents() []DeadEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]DeadEvent(nil), n.dead...)
}

type fixture struct {
	store    *bolt.Store
	clock    *fakeClock
	notifier *recordingNotifier
	svc      *DeviceService
}

func newFixture(t *testing.T, opts ...DeviceOption) *fixture {
	t.Helper()
	clock := newFakeClock()
	store, err := bolt.New(filepath.Join(t.TempDir(), "devices.db"), bolt.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("bolt.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	notifier := &recordingNotifier{}
	opts = append([]DeviceOption{WithClock(clock.Now)}, opts...)
	return &fixture{
		store:    store,
		clock:    clock,
		notifier: notifier,
		svc:      NewDeviceService(store, notifier, opts...),
	}
}

func (f *fixture) create(t *testing.T, owner model.Identity, name string) *CreatedDevice {
	t.Helper()
	created, err := f.svc.CreateDevice(context.Background(), CreateDeviceInput{Client: owner, DeviceName: name})
	if err != nil {
		t.Fatalf("CreateDevice(%q): %v", name, err)
	}
	return created
}

func (f *fixture) device(t *testing.T, id string) *model.Device {
	t.Helper()
	d, err := f.store.GetDevice(context.Background(), id)
	if err != nil {
		t.Fatalf("GetDevice(%s): %v", id, err)
	}
	return d
}

// brokenStore fails every call, standing in for an unreachable database.
type brokenStore struct {
	storage.Store
}

var errUnavailable = errors.New("store unavailable")

func (brokenStore) GetDevice(context.Context, string) (*model.Device, error) {
	return nil, errUnavailable
}

func (brokenStore) ListSubscriberDevices(context.Context, model.Identity) ([]*model.Device, error) {
	return nil, errUnavailable
}

func (brokenStore) SweepExpired(context.Context, time.Duration, int) ([]*model.Device, error) {
	return nil, errUnavailable
}

// hookedStore runs afterGet once, right after the next GetDevice returns.
type hookedStore struct {
	storage.Store
	afterGet func()
}

func (h *hookedStore) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	device, err := h.Store.GetDevice(ctx, id)
	if fn := h.afterGet; fn != nil {
		h.afterGet = nil
		fn()
	}
	return device, err
}
