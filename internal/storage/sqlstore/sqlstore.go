// Package sqlstore implements storage.Store on top of gorm, backed by either
// a pure-Go SQLite file or a Postgres database.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bark-labs/liveness-watch/internal/model"
	"github.com/bark-labs/liveness-watch/internal/storage"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var _ storage.Store = (*Store)(nil)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	markAliveAttempts = 3
)

type deviceRow struct {
	ID            string `gorm:"primaryKey;size:32"`
	Name          string `gorm:"size:100;not null"`
	Token         string `gorm:"size:64;not null"`
	Alive         bool   `gorm:"not null;default:false;index:idx_devices_expiry,priority:1"`
	AliveAt       int64  `gorm:"not null;default:0;index:idx_devices_expiry,priority:2"`
	OwnerSource   string `gorm:"size:32;not null"`
	OwnerSourceID string `gorm:"size:256;not null"`
}

func (deviceRow) TableName() string { return "devices" }

type subscriberRow struct {
	DeviceID string `gorm:"primaryKey;size:32"`
	Source   string `gorm:"primaryKey;size:32;index:idx_subscriber_identity,priority:1"`
	SourceID string `gorm:"primaryKey;size:256;index:idx_subscriber_identity,priority:2"`
	Position int    `gorm:"not null"`
}

func (subscriberRow) TableName() string { return "device_subscribers" }

type noticeLogRow struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DeviceName string `gorm:"size:100"`
	Recipient  string `gorm:"size:300;index"`
	Event      string `gorm:"size:16"`
	Title      string
	Body       string
	Result     string
	Status     string `gorm:"size:16;index"`
	CreatedAt  time.Time
}

func (noticeLogRow) TableName() string { return "notice_logs" }

// Store is a gorm-backed Store implementation.
type Store struct {
	db  *gorm.DB
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

// Open connects to the database and migrates the schema.
// For sqlite, dsn is a file path; for postgres it is a libpq connection string.
func Open(driver, dsn string, opts ...Option) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&deviceRow{}, &subscriberRow{}, &noticeLogRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer; one connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetDevice fetches a device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	db := s.db.WithContext(ctx)
	var row deviceRow
	if err := db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	devices, err := s.hydrate(db, []deviceRow{row})
	if err != nil {
		return nil, err
	}
	return devices[0], nil
}

// CreateDevice inserts a new device, failing with ErrConflict on a taken id.
func (s *Store) CreateDevice(ctx context.Context, device *model.Device) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&deviceRow{}).Where("id = ?", device.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return storage.ErrConflict
		}
		if err := tx.Create(toRow(device)).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return storage.ErrConflict
			}
			return err
		}
		return replaceSubscribers(tx, device.ID, device.Subscribers)
	})
}

// UpdateDevice applies the set fields of update to the stored record.
func (s *Store) UpdateDevice(ctx context.Context, id string, update model.DeviceUpdate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&deviceRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return storage.ErrNotFound
		}
		fields := map[string]any{}
		if update.Alive != nil {
			fields["alive"] = *update.Alive
		}
		if update.AliveAt != nil {
			fields["alive_at"] = *update.AliveAt
		}
		if len(fields) > 0 {
			if err := tx.Model(&deviceRow{}).Where("id = ?", id).Updates(fields).Error; err != nil {
				return err
			}
		}
		if update.Subscribers == nil {
			return nil
		}
		return replaceSubscribers(tx, id, update.Subscribers)
	})
}

// MarkAlive flips the device alive and refreshes aliveAt.
//
// The dead->alive flip and the alive refresh are separate conditional
// UPDATEs, so exactly one of them matches the row as it is at write time and
// its RowsAffected tells which state the heartbeat replaced. A sweep landing
// between the two statements only causes another round.
func (s *Store) MarkAlive(ctx context.Context, id string, aliveAt int64) (bool, error) {
	db := s.db.WithContext(ctx)
	for attempt := 0; attempt < markAliveAttempts; attempt++ {
		res := db.Model(&deviceRow{}).
			Where("id = ? AND alive = ?", id, false).
			Updates(map[string]any{"alive": true, "alive_at": aliveAt})
		if res.Error != nil {
			return false, res.Error
		}
		if res.RowsAffected == 1 {
			return false, nil
		}

		res = db.Model(&deviceRow{}).
			Where("id = ? AND alive = ?", id, true).
			Updates(map[string]any{"alive": true, "alive_at": aliveAt})
		if res.Error != nil {
			return false, res.Error
		}
		if res.RowsAffected == 1 {
			return true, nil
		}

		var count int64
		if err := db.Model(&deviceRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return false, err
		}
		if count == 0 {
			return false, storage.ErrNotFound
		}
	}
	return false, fmt.Errorf("mark alive %s: device kept changing state", id)
}

// ListSubscriberDevices returns devices whose subscribers contain identity.
func (s *Store) ListSubscriberDevices(ctx context.Context, identity model.Identity) ([]*model.Device, error) {
	db := s.db.WithContext(ctx)
	subQuery := db.Model(&subscriberRow{}).
		Select("device_id").
		Where("source = ? AND source_id = ?", identity.Source, identity.SourceID)
	var rows []deviceRow
	if err := db.Where("id IN (?)", subQuery).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.hydrate(db, rows)
}

// ListDevices returns all devices.
func (s *Store) ListDevices(ctx context.Context) ([]*model.Device, error) {
	db := s.db.WithContext(ctx)
	var rows []deviceRow
	if err := db.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return s.hydrate(db, rows)
}

// SweepExpired flips up to limit overdue alive devices to dead and returns
// them as they were before the flip.
//
// Each flip is a conditional UPDATE that repeats the staleness predicate, so a
// device refreshed by a heartbeat after the candidate SELECT is left alone.
// The whole batch runs in one transaction; on error no device stays flipped.
func (s *Store) SweepExpired(ctx context.Context, ttl time.Duration, limit int) ([]*model.Device, error) {
	if limit <= 0 {
		return nil, nil
	}
	cutoff := storage.ExpiryCutoff(s.now(), ttl)

	var expired []*model.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []deviceRow
		if err := tx.Where("alive = ? AND alive_at < ?", true, cutoff).
			Order("alive_at").
			Limit(limit).
			Find(&candidates).Error; err != nil {
			return err
		}

		flipped := make([]deviceRow, 0, len(candidates))
		for _, row := range candidates {
			res := tx.Model(&deviceRow{}).
				Where("id = ? AND alive = ? AND alive_at < ?", row.ID, true, cutoff).
				Update("alive", false)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				flipped = append(flipped, row)
			}
		}

		var err error
		expired, err = s.hydrate(tx, flipped)
		return err
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// AppendNoticeLog stores a delivery log entry.
func (s *Store) AppendNoticeLog(ctx context.Context, log *model.NoticeLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = s.now().UTC()
	}
	row := noticeLogRow{
		DeviceName: log.DeviceName,
		Recipient:  log.Recipient,
		Event:      log.Event,
		Title:      log.Title,
		Body:       log.Body,
		Result:     log.Result,
		Status:     log.Status,
		CreatedAt:  log.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	log.ID = row.ID
	return nil
}

// ListNoticeLogs returns all notice logs.
func (s *Store) ListNoticeLogs(ctx context.Context) ([]*model.NoticeLog, error) {
	var rows []noticeLogRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	logs := make([]*model.NoticeLog, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, &model.NoticeLog{
			ID:         row.ID,
			DeviceName: row.DeviceName,
			Recipient:  row.Recipient,
			Event:      row.Event,
			Title:      row.Title,
			Body:       row.Body,
			Result:     row.Result,
			Status:     row.Status,
			CreatedAt:  row.CreatedAt,
		})
	}
	return logs, nil
}

// hydrate attaches subscriber lists to device rows with a single query.
func (s *Store) hydrate(db *gorm.DB, rows []deviceRow) ([]*model.Device, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	var subs []subscriberRow
	if err := db.Where("device_id IN ?", ids).Order("device_id, position").Find(&subs).Error; err != nil {
		return nil, err
	}
	byDevice := make(map[string][]model.Identity, len(rows))
	for _, sub := range subs {
		byDevice[sub.DeviceID] = append(byDevice[sub.DeviceID], model.Identity{Source: sub.Source, SourceID: sub.SourceID})
	}
	devices := make([]*model.Device, 0, len(rows))
	for _, row := range rows {
		devices = append(devices, &model.Device{
			ID:          row.ID,
			Name:        row.Name,
			Token:       row.Token,
			Alive:       row.Alive,
			AliveAt:     row.AliveAt,
			Owner:       model.Identity{Source: row.OwnerSource, SourceID: row.OwnerSourceID},
			Subscribers: byDevice[row.ID],
		})
	}
	return devices, nil
}

func replaceSubscribers(tx *gorm.DB, deviceID string, subscribers []model.Identity) error {
	if err := tx.Where("device_id = ?", deviceID).Delete(&subscriberRow{}).Error; err != nil {
		return err
	}
	if len(subscribers) == 0 {
		return nil
	}
	rows := make([]subscriberRow, 0, len(subscribers))
	for i, identity := range subscribers {
		rows = append(rows, subscriberRow{
			DeviceID: deviceID,
			Source:   identity.Source,
			SourceID: identity.SourceID,
			Position: i,
		})
	}
	return tx.Create(&rows).Error
}

func toRow(device *model.Device) *deviceRow {
	return &deviceRow{
		ID:            device.ID,
		Name:          device.Name,
		Token:         device.Token,
		Alive:         device.Alive,
		AliveAt:       device.AliveAt,
		OwnerSource:   device.Owner.Source,
		OwnerSourceID: device.Owner.SourceID,
	}
}
