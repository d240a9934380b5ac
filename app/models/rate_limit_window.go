package models

import (
	"encoding/json"
	"time"
)

// RateLimitWindow is the sliding-log limiter document for one (user,
// operation key) pair. EventsJSON holds unix-millisecond timestamps inside
// the trailing window; entries outside the window are pruned on every check,
// so len(events) <= limit after any committed mutation.
type RateLimitWindow struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       uint      `gorm:"not null;index:ux_rate_limit_windows_user_op,unique,priority:1" json:"user_id"`
	OperationKey string    `gorm:"type:varchar(64);not null;index:ux_rate_limit_windows_user_op,unique,priority:2" json:"operation_key"`
	EventsJSON   string    `gorm:"type:text;not null" json:"-"`
	Version      int64     `gorm:"not null;default:0" json:"version"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Events decodes the stored timestamp list (unix milliseconds).
func (w *RateLimitWindow) Events() ([]int64, error) {
	if w.EventsJSON == "" {
		return nil, nil
	}
	var events []int64
	if err := json.Unmarshal([]byte(w.EventsJSON), &events); err != nil {
		return nil, err
	}
	return events, nil
}

// SetEvents encodes the timestamp list.
func (w *RateLimitWindow) SetEvents(events []int64) error {
	data, err := json.Marshal(events)
	if err != nil {
		return err
	}
	w.EventsJSON = string(data)
	return nil
}
