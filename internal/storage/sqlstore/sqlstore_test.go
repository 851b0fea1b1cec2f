package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bark-labs/liveness-watch/internal/model"
	"github.com/bark-labs/liveness-watch/internal/storage"
	"gorm.io/gorm"
)

var (
	alice = model.Identity{Source: model.SourceBark, SourceID: "alice"}
	bob   = model.Identity{Source: model.SourceBark, SourceID: "bob"}
)

func newTestStore(t *testing.T, now time.Time) *Store {
	t.Helper()
	s, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "liveness.db"), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newDevice(id string, owner model.Identity) *model.Device {
	return &model.Device{
		ID:          id,
		Name:        "device " + id,
		Token:       "token-" + id,
		Owner:       owner,
		Subscribers: []model.Identity{owner},
	}
}

func ptr[T any](v T) *T { return &v }

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "whatever"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestDeviceRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Now())

	if err := s.CreateDevice(ctx, newDevice("a1", alice)); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if err := s.CreateDevice(ctx, newDevice("a1", bob)); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("duplicate CreateDevice error = %v, want ErrConflict", err)
	}

	if err := s.UpdateDevice(ctx, "a1", model.DeviceUpdate{Subscribers: []model.Identity{alice, bob}}); err != nil {
		t.Fatalf("UpdateDevice: %v", err)
	}
	got, err := s.GetDevice(ctx, "a1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got.Owner != alice || got.Token != "token-a1" || got.Alive {
		t.Errorf("GetDevice = %+v", got)
	}
	if len(got.Subscribers) != 2 || got.Subscribers[0] != alice || got.Subscribers[1] != bob {
		t.Errorf("subscribers = %v, want [alice bob] in order", got.Subscribers)
	}

	if _, err := s.GetDevice(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetDevice(nope) error = %v", err)
	}
	if err := s.UpdateDevice(ctx, "nope", model.DeviceUpdate{Alive: ptr(true)}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("UpdateDevice(nope) error = %v", err)
	}
}

func TestListSubscriberDevices(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Now())
	for _, d := range []*model.Device{newDevice("a1", alice), newDevice("b1", bob), newDevice("b2", bob)} {
		if err := s.CreateDevice(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UpdateDevice(ctx, "b2", model.DeviceUpdate{Subscribers: []model.Identity{bob, alice}}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListSubscriberDevices(ctx, alice)
	if err != nil {
		t.Fatalf("ListSubscriberDevices: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a1" || got[1].ID != "b2" {
		t.Errorf("alice devices = %v", got)
	}
}

func TestSweepExpiredConditionalFlip(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(50_000_000)
	s := newTestStore(t, now)
	ttl := 3 * time.Minute

	states := map[string]struct {
		alive   bool
		aliveAt int64
	}{
		"stale": {true, now.UnixMilli() - ttl.Milliseconds() - 1},
		"fresh": {true, now.UnixMilli()},
		"dead":  {false, 1},
	}
	for id, st := range states {
		if err := s.CreateDevice(ctx, newDevice(id, alice)); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateDevice(ctx, id, model.DeviceUpdate{Alive: ptr(st.alive), AliveAt: ptr(st.aliveAt)}); err != nil {
			t.Fatal(err)
		}
	}

	expired, err := s.SweepExpired(ctx, ttl, 100)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "stale" {
		t.Fatalf("SweepExpired = %v, want [stale]", expired)
	}
	if expired[0].AliveAt != states["stale"].aliveAt || len(expired[0].Subscribers) != 1 {
		t.Errorf("expired record = %+v", expired[0])
	}
	got, _ := s.GetDevice(ctx, "stale")
	if got.Alive {
		t.Error("stale device still alive")
	}
	if again, _ := s.SweepExpired(ctx, ttl, 100); len(again) != 0 {
		t.Errorf("second sweep = %v, want none", again)
	}
}

func TestNoticeLogs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Now())
	entry := &model.NoticeLog{Recipient: alice.Key(), Event: model.EventAlive, Status: model.NoticeStatusFailed}
	if err := s.AppendNoticeLog(ctx, entry); err != nil {
		t.Fatal(err)
	}
	if entry.ID == 0 {
		t.Error("AppendNoticeLog did not assign an id")
	}
	logs, err := s.ListNoticeLogs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].Status != model.NoticeStatusFailed {
		t.Errorf("ListNoticeLogs = %+v", logs)
	}
}

func TestMarkAliveReportsReplacedState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	if err := s.CreateDevice(ctx, newDevice("m1", alice)); err != nil {
		t.Fatal(err)
	}

	wasAlive, err := s.MarkAlive(ctx, "m1", 1000)
	if err != nil || wasAlive {
		t.Fatalf("first MarkAlive = %v, %v; want false", wasAlive, err)
	}
	wasAlive, err = s.MarkAlive(ctx, "m1", 2000)
	if err != nil || !wasAlive {
		t.Fatalf("second MarkAlive = %v, %v; want true", wasAlive, err)
	}
	// Same timestamp again still counts as a refresh of an alive device.
	if wasAlive, err = s.MarkAlive(ctx, "m1", 2000); err != nil || !wasAlive {
		t.Fatalf("repeated MarkAlive = %v, %v; want true", wasAlive, err)
	}
	d, err := s.GetDevice(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Alive || d.AliveAt != 2000 {
		t.Errorf("device = %+v", d)
	}

	if _, err := s.MarkAlive(ctx, "missing", 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("MarkAlive(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSweepExpiredRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, now)
	stale := now.Add(-time.Hour).UnixMilli()
	for _, id := range []string{"r1", "r2"} {
		if err := s.CreateDevice(ctx, newDevice(id, alice)); err != nil {
			t.Fatal(err)
		}
		if _, err := s.MarkAlive(ctx, id, stale); err != nil {
			t.Fatal(err)
		}
	}

	var updates atomic.Int32
	failSecond := func(tx *gorm.DB) {
		if updates.Add(1) == 2 {
			tx.AddError(errors.New("disk full"))
		}
	}
	if err := s.db.Callback().Update().Before("gorm:update").Register("test:fail_second_update", failSecond); err != nil {
		t.Fatal(err)
	}

	if expired, err := s.SweepExpired(ctx, time.Minute, 10); err == nil {
		t.Fatalf("SweepExpired = %v, want error", expired)
	}
	for _, id := range []string{"r1", "r2"} {
		d, err := s.GetDevice(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Alive {
			t.Errorf("%s flipped dead by a failed sweep", id)
		}
	}

	if err := s.db.Callback().Update().Remove("test:fail_second_update"); err != nil {
		t.Fatal(err)
	}
	expired, err := s.SweepExpired(ctx, time.Minute, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 2 {
		t.Errorf("retry sweep expired %d devices, want 2", len(expired))
	}
}
