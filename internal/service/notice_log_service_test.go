package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bark-labs/liveness-watch/internal/model"
	"github.com/bark-labs/liveness-watch/internal/storage/bolt"
)

func seedNoticeLogs(t *testing.T) *NoticeLogService {
	t.Helper()
	store, err := bolt.New(filepath.Join(t.TempDir(), "logs.db"))
	if err != nil {
		t.Fatalf("bolt.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	entries := []model.NoticeLog{
		{DeviceName: "Porch", Recipient: "bark:a", Event: model.EventAlive, Status: model.NoticeStatusSuccess},
		{DeviceName: "Porch", Recipient: "bark:b", Event: model.EventAlive, Status: model.NoticeStatusFailed},
		{DeviceName: "Porch", Recipient: "bark:a", Event: model.EventDead, Status: model.NoticeStatusSuccess},
		{DeviceName: "Garage", Recipient: "bark:a", Event: model.EventDead, Status: model.NoticeStatusSuccess},
		{DeviceName: "Garage", Recipient: "bark:b", Event: model.EventDead, Status: model.NoticeStatusSuccess},
	}
	for i := range entries {
		entries[i].CreatedAt = base.Add(time.Duration(i) * time.Hour)
		if err := store.AppendNoticeLog(context.Background(), &entries[i]); err != nil {
			t.Fatal(err)
		}
	}
	return NewNoticeLogService(store)
}

func TestNoticeLogQueryPaginates(t *testing.T) {
	svc := seedNoticeLogs(t)
	ctx := context.Background()

	page, err := svc.Query(ctx, model.NoticeLogFilter{Page: 2, PageSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 5 || page.Pages != 3 || len(page.Data) != 2 {
		t.Fatalf("page = %+v", page)
	}
	// Newest first: page 2 holds entries 3 and 2 (by insertion order, 1-based).
	if page.Data[0].ID != 3 || page.Data[1].ID != 2 {
		t.Errorf("page 2 ids = %d, %d", page.Data[0].ID, page.Data[1].ID)
	}

	past, err := svc.Query(ctx, model.NoticeLogFilter{Page: 9, PageSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(past.Data) != 0 || past.Total != 5 {
		t.Errorf("out of range page = %+v", past)
	}
}

func TestNoticeLogQueryFilters(t *testing.T) {
	svc := seedNoticeLogs(t)
	ctx := context.Background()

	page, err := svc.Query(ctx, model.NoticeLogFilter{Recipient: "bark:a", Event: "dead"})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 {
		t.Errorf("recipient+event filter total = %d, want 2", page.Total)
	}

	begin := time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)
	page, err = svc.Query(ctx, model.NoticeLogFilter{BeginTime: &begin, EndTime: &end})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 {
		t.Errorf("time window total = %d, want 2", page.Total)
	}
}

func TestNoticeLogCounts(t *testing.T) {
	svc := seedNoticeLogs(t)
	ctx := context.Background()

	byStatus, err := svc.CountByStatus(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(byStatus) != 2 ||
		byStatus[0]["status"] != model.NoticeStatusFailed || byStatus[0]["count"] != 1 ||
		byStatus[1]["status"] != model.NoticeStatusSuccess || byStatus[1]["count"] != 4 {
		t.Errorf("CountByStatus = %v", byStatus)
	}

	byDevice, err := svc.CountByDevice(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(byDevice) != 2 || byDevice[0]["device"] != "Garage" || byDevice[0]["count"] != 2 {
		t.Errorf("CountByDevice = %v", byDevice)
	}

	byEvent, err := svc.CountByEvent(ctx, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(byEvent) != 2 || byEvent[0]["event"] != model.EventAlive || byEvent[0]["count"] != 2 {
		t.Errorf("CountByEvent = %v", byEvent)
	}
}
