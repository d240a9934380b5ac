package models

import (
	"encoding/json"
	"time"
)

// CreditBucket is one grant of scan credits with its own expiry. Buckets are
// the atomic unit the ledger tracks and debits; a bucket with Amount == 0 is
// pruned on the next mutation. A nil ExpiresAt means the bucket never expires.
type CreditBucket struct {
	Amount    int        `json:"amount"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	SourceID  string     `json:"source_id,omitempty"`
	Context   string     `json:"context,omitempty"`
}

// Expired reports whether the bucket is expired at the given instant.
func (b CreditBucket) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// CreditSummary is the per-user ledger document. TotalAvailable is a derived
// cache of the sum of non-expired bucket amounts and must equal that sum
// after every committed mutation. Version increments on every committed
// mutation and backs the optimistic concurrency check in the ledger
// repository; callers never use it for locking themselves.
type CreditSummary struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UserID         uint      `gorm:"not null;uniqueIndex" json:"user_id"`
	BucketsJSON    string    `gorm:"type:longtext;not null" json:"-"`
	TotalAvailable int       `gorm:"not null;default:0" json:"total_available"`
	Version        int64     `gorm:"not null;default:0" json:"version"`
	LastUpdated    time.Time `gorm:"autoUpdateTime" json:"last_updated"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Buckets decodes the stored bucket list. An empty document decodes to nil.
func (s *CreditSummary) Buckets() ([]CreditBucket, error) {
	if s.BucketsJSON == "" {
		return nil, nil
	}
	var buckets []CreditBucket
	if err := json.Unmarshal([]byte(s.BucketsJSON), &buckets); err != nil {
		return nil, err
	}
	return buckets, nil
}

// SetBuckets encodes the bucket list and refreshes the derived total.
func (s *CreditSummary) SetBuckets(buckets []CreditBucket, now time.Time) error {
	data, err := json.Marshal(buckets)
	if err != nil {
		return err
	}
	s.BucketsJSON = string(data)
	total := 0
	for _, b := range buckets {
		if !b.Expired(now) {
			total += b.Amount
		}
	}
	s.TotalAvailable = total
	return nil
}
