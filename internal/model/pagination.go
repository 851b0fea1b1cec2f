package model

// NoticeLogPage is a single page of delivery logs.
type NoticeLogPage struct {
	Data     []*NoticeLog `json:"data"`
	Total    int          `json:"total"`
	Pages    int          `json:"pages"`
	PageNum  int          `json:"pageNum"`
	PageSize int          `json:"pageSize"`
}
