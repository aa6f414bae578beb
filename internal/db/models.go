package db

import "time"

// Checkpoint is the persisted progress of one transfer.
type Checkpoint struct {
	TransferID       string `gorm:"primaryKey"`
	PeerID           string `gorm:"not null;index"`
	Direction        string `gorm:"not null"`
	FileName         string
	FilePath         string
	FileSize         int64
	MimeType         string
	ChunkSize        int
	BytesTransferred int64
	Class            string
	SavedAt          time.Time
}

type CallRecord struct {
	ID              uint   `gorm:"primaryKey"`
	PeerID          string `gorm:"index"`
	GroupID         string
	Kind            string
	Media           string
	Outcome         string
	StartedAt       time.Time `gorm:"index"`
	DurationSeconds int64
}
