package storage

import "time"

// Alert statuses. StatusFailed has no transition into it and is kept so
// history files that carry it still load.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusExpired = "expired"
)

// AlertRecord is one tracked alert. Timestamps are epoch milliseconds and the
// JSON names match the alerts_history.json layout.
type AlertRecord struct {
	ID                  string   `json:"id"`
	Symbol              string   `json:"symbol"`
	RSI                 float64  `json:"rsi"`
	Timeframe           string   `json:"timeframe"`
	Price               float64  `json:"price"`
	TargetPrice         float64  `json:"targetPrice"`
	FundingRate         *float64 `json:"fundingRate"`
	Timestamp           int64    `json:"timestamp"`
	Date                string   `json:"date"`
	Status              string   `json:"status"`
	TargetReached       *bool    `json:"targetReached"`
	TargetReachedAt     *int64   `json:"targetReachedAt"`
	MaxPrice            float64  `json:"maxPrice"`
	MinPrice            float64  `json:"minPrice"`
	CurrentPrice        float64  `json:"currentPrice"`
	LastUpdate          int64    `json:"lastUpdate"`
	MaxDropPercent      float64  `json:"maxDropPercent"`
	MaxDropPrice        float64  `json:"maxDropPrice"`
	MaxDropAt           *int64   `json:"maxDropAt"`
	TimeToTargetMinutes *float64 `json:"timeToTargetMinutes,omitempty"`
	FinalDropPercent    *float64 `json:"finalDropPercent,omitempty"`
}

// CreatedAt returns the creation time in UTC.
func (a AlertRecord) CreatedAt() time.Time {
	return time.UnixMilli(a.Timestamp).UTC()
}

// Clone deep-copies the pointer fields.
func (a AlertRecord) Clone() AlertRecord {
	out := a
	out.FundingRate = clonePtr(a.FundingRate)
	out.TargetReached = clonePtr(a.TargetReached)
	out.TargetReachedAt = clonePtr(a.TargetReachedAt)
	out.MaxDropAt = clonePtr(a.MaxDropAt)
	out.TimeToTargetMinutes = clonePtr(a.TimeToTargetMinutes)
	out.FinalDropPercent = clonePtr(a.FinalDropPercent)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
