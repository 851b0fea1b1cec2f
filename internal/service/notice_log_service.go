package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/bark-labs/liveness-watch/internal/model"
	"github.com/bark-labs/liveness-watch/internal/storage"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// NoticeLogService filters and aggregates delivery logs for the admin API.
type NoticeLogService struct {
	store storage.Store
}

// NewNoticeLogService builds the notice log service.
func NewNoticeLogService(store storage.Store) *NoticeLogService {
	return &NoticeLogService{store: store}
}

// Query returns one page of logs, newest first.
func (s *NoticeLogService) Query(ctx context.Context, filter model.NoticeLogFilter) (*model.NoticeLogPage, error) {
	logs, err := s.filteredLogs(ctx, filter)
	if err != nil {
		return nil, err
	}

	total := len(logs)
	if filter.PageSize <= 0 {
		filter.PageSize = defaultPageSize
	}
	if filter.PageSize > maxPageSize {
		filter.PageSize = maxPageSize
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}

	start := min((filter.Page-1)*filter.PageSize, total)
	end := min(start+filter.PageSize, total)

	return &model.NoticeLogPage{
		Data:     logs[start:end],
		Total:    total,
		Pages:    (total + filter.PageSize - 1) / filter.PageSize,
		PageNum:  filter.Page,
		PageSize: filter.PageSize,
	}, nil
}

// CountByStatus aggregates by delivery status.
func (s *NoticeLogService) CountByStatus(ctx context.Context, begin, end *time.Time) ([]map[string]any, error) {
	return s.countBy(ctx, begin, end, "status", func(l *model.NoticeLog) string { return l.Status })
}

// CountByEvent aggregates by ALIVE/DEAD event.
func (s *NoticeLogService) CountByEvent(ctx context.Context, begin, end *time.Time) ([]map[string]any, error) {
	return s.countBy(ctx, begin, end, "event", func(l *model.NoticeLog) string { return l.Event })
}

// CountByDevice aggregates by device name.
func (s *NoticeLogService) CountByDevice(ctx context.Context, begin, end *time.Time) ([]map[string]any, error) {
	return s.countBy(ctx, begin, end, "device", func(l *model.NoticeLog) string { return l.DeviceName })
}

func (s *NoticeLogService) countBy(ctx context.Context, begin, end *time.Time, key string, keyOf func(*model.NoticeLog) string) ([]map[string]any, error) {
	logs, err := s.filteredLogs(ctx, model.NoticeLogFilter{BeginTime: begin, EndTime: end})
	if err != nil {
		return nil, err
	}
	counter := make(map[string]int)
	for _, l := range logs {
		k := strings.TrimSpace(keyOf(l))
		if k == "" {
			k = "UNKNOWN"
		}
		counter[k]++
	}
	result := make([]map[string]any, 0, len(counter))
	for k, v := range counter {
		result = append(result, map[string]any{key: k, "count": v})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i][key].(string) < result[j][key].(string)
	})
	return result, nil
}

func (s *NoticeLogService) filteredLogs(ctx context.Context, filter model.NoticeLogFilter) ([]*model.NoticeLog, error) {
	all, err := s.store.ListNoticeLogs(ctx)
	if err != nil {
		return nil, err
	}
	matches := make([]*model.NoticeLog, 0, len(all))
	for _, l := range all {
		if filter.Recipient != "" && l.Recipient != filter.Recipient {
			continue
		}
		if filter.Event != "" && !strings.EqualFold(l.Event, filter.Event) {
			continue
		}
		if filter.Status != "" && !strings.EqualFold(l.Status, filter.Status) {
			continue
		}
		if filter.BeginTime != nil && l.CreatedAt.Before(filter.BeginTime.UTC()) {
			continue
		}
		if filter.EndTime != nil && l.CreatedAt.After(filter.EndTime.UTC()) {
			continue
		}
		matches = append(matches, l)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID > matches[j].ID
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	return matches, nil
}
