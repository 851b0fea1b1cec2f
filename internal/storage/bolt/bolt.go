package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/bark-labs/liveness-watch/internal/model"
	"github.com/bark-labs/liveness-watch/internal/storage"
	bolt "go.etcd.io/bbolt"
)

var _ storage.Store = (*Store)(nil)

var (
	bucketDevices     = []byte("devices")
	bucketSubscribers = []byte("subscriber_index")
	bucketNoticeLog   = []byte("notice_logs")
	errStop           = errors.New("stop iteration")
)

// Store is a BoltDB-backed Store implementation.
//
// Bolt allows a single writer at a time, so every Update transaction below is
// the atomic unit the sweep relies on.
type Store struct {
	db  *bolt.DB
	now storage.Clock
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the clock used for sweep cutoffs.
func WithClock(clock storage.Clock) Option {
	return func(s *Store) {
		s.now = clock
	}
}

// New initialises the Bolt store.
func New(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDevices, bucketSubscribers, bucketNoticeLog} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes underlying Bolt DB.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDevice fetches a device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var device *model.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		device, err = readDevice(tx.Bucket(bucketDevices), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}

// CreateDevice inserts a new device, failing with ErrConflict on a taken id.
func (s *Store) CreateDevice(ctx context.Context, device *model.Device) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketDevices)
		if bkt.Get([]byte(device.ID)) != nil {
			return storage.ErrConflict
		}
		if err := writeDevice(bkt, device); err != nil {
			return err
		}
		return indexSubscribers(tx.Bucket(bucketSubscribers), device.ID, nil, device.Subscribers)
	})
}

// UpdateDevice applies the set fields of update to the stored record.
func (s *Store) UpdateDevice(ctx context.Context, id string, update model.DeviceUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketDevices)
		device, err := readDevice(bkt, id)
		if err != nil {
			return err
		}
		previous := device.Subscribers
		update.Apply(device)
		if err := writeDevice(bkt, device); err != nil {
			return err
		}
		if update.Subscribers == nil {
			return nil
		}
		return indexSubscribers(tx.Bucket(bucketSubscribers), id, previous, device.Subscribers)
	})
}

// MarkAlive flips the device alive and refreshes aliveAt inside one write
// transaction, returning the alive flag it replaced.
func (s *Store) MarkAlive(ctx context.Context, id string, aliveAt int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var wasAlive bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketDevices)
		device, err := readDevice(bkt, id)
		if err != nil {
			return err
		}
		wasAlive = device.Alive
		device.Alive = true
		device.AliveAt = aliveAt
		return writeDevice(bkt, device)
	})
	if err != nil {
		return false, err
	}
	return wasAlive, nil
}

// ListSubscriberDevices returns devices whose subscribers contain identity.
func (s *Store) ListSubscriberDevices(ctx context.Context, identity model.Identity) ([]*model.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := indexPrefix(identity)
	var devices []*model.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		devicesBkt := tx.Bucket(bucketDevices)
		c := tx.Bucket(bucketSubscribers).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			device, err := readDevice(devicesBkt, string(k[len(prefix):]))
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			devices = append(devices, device)
		}
		return nil
	})
	return devices, err
}

// ListDevices returns all devices.
func (s *Store) ListDevices(ctx context.Context) ([]*model.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var devices []*model.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(_, v []byte) error {
			var device model.Device
			if err := json.Unmarshal(v, &device); err != nil {
				return err
			}
			devices = append(devices, &device)
			return nil
		})
	})
	return devices, err
}

// SweepExpired flips up to limit overdue alive devices to dead and returns
// them as they were before the flip.
func (s *Store) SweepExpired(ctx context.Context, ttl time.Duration, limit int) ([]*model.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	cutoff := storage.ExpiryCutoff(s.now(), ttl)
	var expired []*model.Device
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketDevices)
		err := bkt.ForEach(func(_, v []byte) error {
			var device model.Device
			if err := json.Unmarshal(v, &device); err != nil {
				return err
			}
			if device.Alive && device.AliveAt < cutoff {
				expired = append(expired, &device)
				if len(expired) >= limit {
					return errStop
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStop) {
			return err
		}
		// Buckets cannot be written while ForEach is iterating them.
		for _, device := range expired {
			flipped := *device
			flipped.Alive = false
			if err := writeDevice(bkt, &flipped); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// AppendNoticeLog stores a delivery log entry.
func (s *Store) AppendNoticeLog(ctx context.Context, log *model.NoticeLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = s.now().UTC()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketNoticeLog)
		id, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		log.ID = id
		payload, err := json.Marshal(log)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, id)
		return bkt.Put(key, payload)
	})
}

// ListNoticeLogs returns all notice logs.
func (s *Store) ListNoticeLogs(ctx context.Context) ([]*model.NoticeLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var logs []*model.NoticeLog
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNoticeLog).ForEach(func(_, v []byte) error {
			var log model.NoticeLog
			if err := json.Unmarshal(v, &log); err != nil {
				return err
			}
			logs = append(logs, &log)
			return nil
		})
	})
	return logs, err
}

func readDevice(bkt *bolt.Bucket, id string) (*model.Device, error) {
	raw := bkt.Get([]byte(id))
	if raw == nil {
		return nil, storage.ErrNotFound
	}
	var device model.Device
	if err := json.Unmarshal(raw, &device); err != nil {
		return nil, err
	}
	return &device, nil
}

func writeDevice(bkt *bolt.Bucket, device *model.Device) error {
	payload, err := json.Marshal(device)
	if err != nil {
		return err
	}
	return bkt.Put([]byte(device.ID), payload)
}

// indexSubscribers rewrites the identity -> device index entries of one device.
func indexSubscribers(bkt *bolt.Bucket, deviceID string, previous, current []model.Identity) error {
	for _, identity := range previous {
		if err := bkt.Delete(indexKey(identity, deviceID)); err != nil {
			return err
		}
	}
	for _, identity := range current {
		if err := bkt.Put(indexKey(identity, deviceID), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func indexPrefix(identity model.Identity) []byte {
	return append([]byte(identity.Key()), 0)
}

func indexKey(identity model.Identity, deviceID string) []byte {
	return append(indexPrefix(identity), deviceID...)
}
