package models

import (
	"encoding/json"
	"time"
)

const (
	ScanStatusAwaitingUpload = "awaiting_upload"
	ScanStatusQueued         = "queued"
	ScanStatusAuthorized     = "authorized"
	ScanStatusProcessing     = "processing"
	ScanStatusCompleted      = "completed"
	ScanStatusFailed         = "failed"
)

const (
	ScanModeFront = "front"
	ScanModeSide  = "side"
	ScanModeFull  = "full"
)

// ScanSession tracks one paid body-scan attempt from upload to result. A
// session in status "authorized" has been charged but not yet processed;
// that window is what the compensating refund targets on failure.
type ScanSession struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	UUID            string     `gorm:"type:varchar(36);not null;uniqueIndex" json:"uuid"`
	UserID          uint       `gorm:"not null;index:idx_scan_sessions_user_created,priority:1" json:"user_id"`
	Status          string     `gorm:"type:varchar(32);not null;default:'awaiting_upload';index" json:"status"`
	Mode            string     `gorm:"type:varchar(16);not null;default:'front'" json:"mode"`
	Charged         bool       `gorm:"default:false" json:"charged"`
	GateScore       float64    `gorm:"not null;default:0" json:"gate_score"`
	ImageHashesJSON string     `gorm:"type:text" json:"-"`
	ErrorMsg        string     `gorm:"type:text" json:"error_msg,omitempty"`
	AuthorizedAt    *time.Time `gorm:"type:timestamp;default:null" json:"authorized_at,omitempty"`
	CompletedAt     *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index:idx_scan_sessions_user_created,priority:2" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ImageHashes decodes the stored perceptual hash list.
func (s *ScanSession) ImageHashes() []string {
	if s.ImageHashesJSON == "" {
		return nil
	}
	var hashes []string
	if err := json.Unmarshal([]byte(s.ImageHashesJSON), &hashes); err != nil {
		return nil
	}
	return hashes
}

// SetImageHashes encodes the perceptual hash list.
func (s *ScanSession) SetImageHashes(hashes []string) error {
	data, err := json.Marshal(hashes)
	if err != nil {
		return err
	}
	s.ImageHashesJSON = string(data)
	return nil
}
