package model

import "time"

// NoticeLog tracks each delivery attempt to a subscriber.
type NoticeLog struct {
	ID         uint64    `json:"id"`
	DeviceName string    `json:"deviceName"`
	Recipient  string    `json:"recipient"`
	Event      string    `json:"event"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Result     string    `json:"result"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

const (
	NoticeStatusSuccess = "SUCCESS"
	NoticeStatusFailed  = "FAILED"

	EventAlive = "ALIVE"
	EventDead  = "DEAD"
)

// NoticeLogFilter describes query parameters for log searching.
type NoticeLogFilter struct {
	Recipient string
	Event     string
	Status    string
	BeginTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}
