package models

import "time"

// GateCounter counts client-side pre-check (gate) outcomes per user per UTC
// day. Daily reset happens implicitly through the day-keyed row identity;
// there is no expiry job.
type GateCounter struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;index:ux_gate_counters_user_day,unique,priority:1" json:"user_id"`
	Day       string    `gorm:"type:varchar(10);not null;index:ux_gate_counters_user_day,unique,priority:2" json:"day"`
	Failed    int       `gorm:"not null;default:0" json:"failed"`
	Passed    int       `gorm:"not null;default:0" json:"passed"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GateDay formats the UTC day key used for gate counter rows.
func GateDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
