package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bark-labs/liveness-watch/internal/barkclient"
	"github.com/bark-labs/liveness-watch/internal/crypto"
	"github.com/bark-labs/liveness-watch/internal/model"
	"github.com/bark-labs/liveness-watch/internal/storage"
	"github.com/labstack/gommon/log"
)

var _ Notifier = (*NoticeService)(nil)

const noticeTimeFormat = "15:04"

// PushSender is the subset of the Bark client used for delivery.
type PushSender interface {
	SendPush(ctx context.Context, push barkclient.Push) (*barkclient.CommonResponse[struct{}], error)
	SendEncryptedPush(ctx context.Context, deviceKey, ciphertext, iv string) (*barkclient.CommonResponse[struct{}], error)
}

// NoticeOptions configures message rendering and delivery.
type NoticeOptions struct {
	// QuietStart and QuietEnd are local hours; notifications sent in
	// [QuietStart, QuietEnd) are delivered without sound. Equal values disable it.
	QuietStart int
	QuietEnd   int
	Location   *time.Location
	// EncodeKey and IV enable AES-CBC encrypted pushes when both are set.
	EncodeKey string
	IV        string
	Now       func() time.Time
}

// NoticeService renders liveness events and pushes them to every subscriber
// through Bark, recording each attempt in the notice log.
type NoticeService struct {
	store storage.Store
	bark  PushSender
	opts  NoticeOptions
}

// NewNoticeService builds NoticeService.
func NewNoticeService(store storage.Store, bark PushSender, opts NoticeOptions) *NoticeService {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &NoticeService{store: store, bark: bark, opts: opts}
}

// NotifyDeviceIsAlive tells subscribers the device came back.
func (s *NoticeService) NotifyDeviceIsAlive(ctx context.Context, event AliveEvent) {
	at := time.UnixMilli(event.AliveAt).In(s.opts.Location).Format(noticeTimeFormat)
	s.broadcast(ctx, event.Subscribers, notice{
		event:      model.EventAlive,
		deviceName: event.DeviceName,
		title:      fmt.Sprintf("🟩 [%s]", event.DeviceName),
		body:       fmt.Sprintf("Online since %s", at),
	})
}

// NotifyDeviceIsDead tells subscribers the device went silent.
func (s *NoticeService) NotifyDeviceIsDead(ctx context.Context, event DeadEvent) {
	at := time.UnixMilli(event.DeadAt).In(s.opts.Location).Format(noticeTimeFormat)
	s.broadcast(ctx, event.Subscribers, notice{
		event:      model.EventDead,
		deviceName: event.DeviceName,
		title:      fmt.Sprintf("🟥 [%s]", event.DeviceName),
		body:       fmt.Sprintf("Offline since %s", at),
	})
}

type notice struct {
	event      string
	deviceName string
	title      string
	body       string
}

// broadcast fans out one goroutine per recipient; a failure is logged and
// recorded but never affects the other recipients.
func (s *NoticeService) broadcast(ctx context.Context, recipients []model.Identity, n notice) {
	level := barkclient.LevelActive
	if s.quiet() {
		level = barkclient.LevelPassive
	}

	var wg sync.WaitGroup
	wg.Add(len(recipients))
	for _, recipient := range recipients {
		recipient := recipient // per-iteration copy (go directive < 1.22)
		go func() {
			defer wg.Done()
			status, result := model.NoticeStatusSuccess, ""
			if err := s.deliver(ctx, recipient, n, level); err != nil {
				status, result = model.NoticeStatusFailed, err.Error()
				log.Infoj(log.JSON{
					"message":   "Failed to notify client",
					"recipient": recipient.Key(),
					"device":    n.deviceName,
					"event":     n.event,
					"error":     result,
				})
			}
			s.appendLog(ctx, recipient, n, status, result)
		}()
	}
	wg.Wait()
}

func (s *NoticeService) deliver(ctx context.Context, recipient model.Identity, n notice, level string) error {
	switch recipient.Source {
	case model.SourceBark:
		return s.pushBark(ctx, recipient.SourceID, n, level)
	default:
		return fmt.Errorf("unknown client source %q", recipient.Source)
	}
}

func (s *NoticeService) pushBark(ctx context.Context, deviceKey string, n notice, level string) error {
	if s.bark == nil {
		return fmt.Errorf("bark client not configured")
	}
	push := barkclient.Push{
		DeviceKey: deviceKey,
		Title:     n.title,
		Body:      n.body,
		Group:     n.deviceName,
		Level:     level,
	}

	var (
		resp *barkclient.CommonResponse[struct{}]
		err  error
	)
	if s.opts.EncodeKey != "" && s.opts.IV != "" {
		var ciphertext string
		ciphertext, err = s.encrypt(push)
		if err != nil {
			return err
		}
		resp, err = s.bark.SendEncryptedPush(ctx, deviceKey, ciphertext, s.opts.IV)
	} else {
		resp, err = s.bark.SendPush(ctx, push)
	}
	if err != nil {
		return err
	}
	if resp == nil || resp.Code != 200 {
		msg := "empty response"
		if resp != nil {
			msg = fmt.Sprintf("code %d: %s", resp.Code, resp.Message)
		}
		return fmt.Errorf("bark rejected push: %s", msg)
	}
	return nil
}

func (s *NoticeService) encrypt(push barkclient.Push) (string, error) {
	body, err := json.Marshal(map[string]string{
		"title": push.Title,
		"body":  push.Body,
		"group": push.Group,
		"level": push.Level,
	})
	if err != nil {
		return "", err
	}
	return crypto.EncryptToBase64(body, []byte(s.opts.EncodeKey), []byte(s.opts.IV))
}

func (s *NoticeService) quiet() bool {
	start, end := s.opts.QuietStart, s.opts.QuietEnd
	if start == end {
		return false
	}
	hour := s.opts.Now().In(s.opts.Location).Hour()
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func (s *NoticeService) appendLog(ctx context.Context, recipient model.Identity, n notice, status, result string) {
	if s.store == nil {
		return
	}
	entry := &model.NoticeLog{
		DeviceName: n.deviceName,
		Recipient:  recipient.Key(),
		Event:      n.event,
		Title:      n.title,
		Body:       n.body,
		Result:     result,
		Status:     status,
	}
	if err := s.store.AppendNoticeLog(ctx, entry); err != nil {
		log.Errorf("append notice log failed: %v", err)
	}
}
