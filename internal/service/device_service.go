package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bark-labs/liveness-watch/internal/crypto"
	"github.com/bark-labs/liveness-watch/internal/model"
	"github.com/bark-labs/liveness-watch/internal/storage"
	"github.com/labstack/gommon/log"
)

const (
	deviceIDLength    = 8
	deviceTokenLength = 32
	maxIDAttempts     = 100
)

// DeviceService owns the device lifecycle: creation, heartbeats and
// subscriptions. Notifications are dispatched asynchronously; Wait blocks
// until every dispatched notification has returned.
type DeviceService struct {
	store    storage.Store
	notifier Notifier
	now      func() time.Time
	randHex  func(int) (string, error)

	mu      sync.Mutex
	idle    *sync.Cond
	pending int
	closed  bool
}

// DeviceOption customises a DeviceService.
type DeviceOption func(*DeviceService)

// WithClock overrides the time source used for heartbeats.
func WithClock(now func() time.Time) DeviceOption {
	return func(s *DeviceService) {
		s.now = now
	}
}

func withRandom(fn func(int) (string, error)) DeviceOption {
	return func(s *DeviceService) {
		s.randHex = fn
	}
}

// CreatedDevice is returned once, to the creator, by CreateDevice.
type CreatedDevice struct {
	DeviceID    string `json:"deviceId"`
	DeviceToken string `json:"deviceToken"`
	DeviceName  string `json:"deviceName"`
}

// HeartbeatResult carries the accepted heartbeat time in ms.
type HeartbeatResult struct {
	DeviceAliveAt int64 `json:"deviceAliveAt"`
}

// SubscriptionResult names the device a subscription change applied to.
type SubscriptionResult struct {
	DeviceName string `json:"deviceName"`
}

// DeviceStats summarises the device population.
type DeviceStats struct {
	Total int `json:"total"`
	Alive int `json:"alive"`
}

// NewDeviceService constructs DeviceService.
func NewDeviceService(store storage.Store, notifier Notifier, opts ...DeviceOption) *DeviceService {
	s := &DeviceService{
		store:    store,
		notifier: notifier,
		now:      time.Now,
		randHex:  crypto.RandomHex,
	}
	s.idle = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateDevice registers a new device owned by, and subscribed to, in.Client.
func (s *DeviceService) CreateDevice(ctx context.Context, in CreateDeviceInput) (*CreatedDevice, error) {
	in, err := validateCreateDevice(in)
	if err != nil {
		return nil, err
	}
	token, err := s.randHex(deviceTokenLength)
	if err != nil {
		return nil, serverError("generate device token", err)
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := s.randHex(deviceIDLength)
		if err != nil {
			return nil, serverError("generate device id", err)
		}
		_, err = s.store.GetDevice(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, serverError("probe device id", err)
		}

		device := &model.Device{
			ID:          id,
			Name:        in.DeviceName,
			Token:       token,
			Alive:       false,
			AliveAt:     0,
			Owner:       in.Client,
			Subscribers: []model.Identity{in.Client},
		}
		err = s.store.CreateDevice(ctx, device)
		if errors.Is(err, storage.ErrConflict) {
			// Lost a race for the id between probe and insert.
			continue
		}
		if err != nil {
			return nil, serverError("create device", err)
		}
		return &CreatedDevice{DeviceID: id, DeviceToken: token, DeviceName: device.Name}, nil
	}
	return nil, serverError("generate device id", fmt.Errorf("no free id after %d attempts", maxIDAttempts))
}

// MarkAsAlive accepts a heartbeat. The alive notification fires only when
// the device was dead before this heartbeat.
func (s *DeviceService) MarkAsAlive(ctx context.Context, in HeartbeatInput) (*HeartbeatResult, error) {
	in, err := validateHeartbeat(in)
	if err != nil {
		return nil, err
	}
	device, err := s.getDevice(ctx, in.DeviceID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(device.Token), []byte(in.DeviceToken)) != 1 {
		return nil, invalidToken(in.DeviceID)
	}

	aliveAt := s.now().UnixMilli()
	// The store reports the state it replaced, so a sweep that flipped the
	// device after the read above still yields an alive notification.
	wasAlive, err := s.store.MarkAlive(ctx, device.ID, aliveAt)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, deviceNotFound(in.DeviceID)
		}
		return nil, serverError("mark device alive", err)
	}

	if !wasAlive {
		event := AliveEvent{Subscribers: device.Subscribers, DeviceName: device.Name, AliveAt: aliveAt}
		s.dispatch(ctx, func(ctx context.Context) {
			s.notifier.NotifyDeviceIsAlive(ctx, event)
		})
	}
	return &HeartbeatResult{DeviceAliveAt: aliveAt}, nil
}

// ListDevices returns the devices client subscribes to. The token is only
// revealed on devices client owns.
func (s *DeviceService) ListDevices(ctx context.Context, client model.Identity) ([]model.DeviceSummary, error) {
	client, err := validateIdentity(client)
	if err != nil {
		return nil, err
	}
	devices, err := s.store.ListSubscriberDevices(ctx, client)
	if err != nil {
		return nil, serverError("list subscriber devices", err)
	}
	summaries := make([]model.DeviceSummary, 0, len(devices))
	for _, device := range devices {
		summary := model.DeviceSummary{
			DeviceID:   device.ID,
			DeviceName: device.Name,
			Alive:      device.Alive,
			AliveAt:    device.AliveAt,
		}
		if device.Owner == client {
			token := device.Token
			summary.DeviceToken = &token
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// Subscribe adds in.Client to the device's subscribers.
//
// The read-modify-write of the subscriber list is not atomic against a
// concurrent Subscribe/Unsubscribe on the same device; the last writer wins.
func (s *DeviceService) Subscribe(ctx context.Context, in SubscriptionInput) (*SubscriptionResult, error) {
	in, err := validateSubscription(in)
	if err != nil {
		return nil, err
	}
	device, err := s.getDevice(ctx, in.DeviceID)
	if err != nil {
		return nil, err
	}
	if device.HasSubscriber(in.Client) {
		return nil, alreadySubscribed(in.DeviceID)
	}
	subscribers := append(append(make([]model.Identity, 0, len(device.Subscribers)+1), device.Subscribers...), in.Client)
	if err := s.saveSubscribers(ctx, device.ID, subscribers); err != nil {
		return nil, err
	}
	return &SubscriptionResult{DeviceName: device.Name}, nil
}

// Unsubscribe removes every entry equal to in.Client. The owner is not
// special-cased and may unsubscribe from their own device.
func (s *DeviceService) Unsubscribe(ctx context.Context, in SubscriptionInput) (*SubscriptionResult, error) {
	in, err := validateSubscription(in)
	if err != nil {
		return nil, err
	}
	device, err := s.getDevice(ctx, in.DeviceID)
	if err != nil {
		return nil, err
	}
	subscribers := make([]model.Identity, 0, len(device.Subscribers))
	for _, sub := range device.Subscribers {
		if sub != in.Client {
			subscribers = append(subscribers, sub)
		}
	}
	if len(subscribers) == len(device.Subscribers) {
		return nil, notSubscribed(in.DeviceID)
	}
	if err := s.saveSubscribers(ctx, device.ID, subscribers); err != nil {
		return nil, err
	}
	return &SubscriptionResult{DeviceName: device.Name}, nil
}

// Stats counts all and alive devices.
func (s *DeviceService) Stats(ctx context.Context) (DeviceStats, error) {
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return DeviceStats{}, serverError("list devices", err)
	}
	stats := DeviceStats{Total: len(devices)}
	for _, d := range devices {
		if d.Alive {
			stats.Alive++
		}
	}
	return stats, nil
}

// Wait blocks until all dispatched notifications have returned. It is safe
// to call while other goroutines keep dispatching.
func (s *DeviceService) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		s.idle.Wait()
	}
}

// Close stops accepting new notifications and waits for the dispatched ones.
// Heartbeats and sweeps after Close still update the store but notify nobody.
func (s *DeviceService) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Wait()
}

// dispatch runs fn on its own goroutine, detached from the caller's
// cancellation so a finished request does not abort delivery.
func (s *DeviceService) dispatch(ctx context.Context, fn func(context.Context)) {
	if s.notifier == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		log.Warn("notification dropped: device service closed")
		return
	}
	s.pending++
	s.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer s.finish()
		fn(detached)
	}()
}

func (s *DeviceService) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--
	if s.pending == 0 {
		s.idle.Broadcast()
	}
}

func (s *DeviceService) getDevice(ctx context.Context, id string) (*model.Device, error) {
	device, err := s.store.GetDevice(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, deviceNotFound(id)
		}
		return nil, serverError("get device", err)
	}
	return device, nil
}

func (s *DeviceService) saveSubscribers(ctx context.Context, id string, subscribers []model.Identity) error {
	err := s.store.UpdateDevice(ctx, id, model.DeviceUpdate{Subscribers: subscribers})
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return deviceNotFound(id)
	}
	return serverError("update subscribers", err)
}
