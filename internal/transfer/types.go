package transfer

import (
	"time"
)

type State string

const (
	StateRequested    State = "requested"
	StateAccepted     State = "accepted"
	StateRejected     State = "rejected"
	StateConnecting   State = "connecting"
	StateTransferring State = "transferring"
	StatePaused       State = "paused"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

type CapabilityClass string

const (
	MemoryBuffered CapabilityClass = "memory-buffered"
	StreamingDisk  CapabilityClass = "streaming-disk"
)

// Capability describes what this client can receive. It is resolved once
// at startup.
type Capability struct {
	Class    CapabilityClass
	MaxBytes int64
}

func (c Capability) Allows(size int64) bool {
	return size >= 0 && size <= c.MaxBytes
}

type Snapshot struct {
	ID               string
	Direction        Direction
	PeerID           string
	FileName         string
	FileSize         int64
	MimeType         string
	State            State
	BytesTransferred int64
	ChunkSize        int
	ResumeOffset     int64
	Class            CapabilityClass
	// Path is the source file for sends and the final location of a
	// completed disk receive.
	Path      string
	Err       error
	UpdatedAt time.Time
}

// Checkpoint is the persisted progress of a transfer.
type Checkpoint struct {
	TransferID       string
	PeerID           string
	Direction        Direction
	FileName         string
	FilePath         string
	FileSize         int64
	MimeType         string
	ChunkSize        int
	BytesTransferred int64
	Class            CapabilityClass
	UpdatedAt        time.Time
}

// CheckpointStore persists checkpoints. SaveCheckpoint must never move a
// stored checkpoint backwards.
type CheckpointStore interface {
	SaveCheckpoint(cp Checkpoint) error
	Checkpoints() ([]Checkpoint, error)
	DeleteCheckpoint(transferID string) error
}

type Config struct {
	ChunkSize          int
	HighWaterMark      uint64
	LowWaterMark       uint64
	CheckpointEvery    int
	CheckpointInterval time.Duration
	StallTimeout       time.Duration
	DownloadDir        string
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:          16 * 1024,
		HighWaterMark:      1 << 20,
		LowWaterMark:       256 * 1024,
		CheckpointEvery:    64,
		CheckpointInterval: 10 * time.Second,
		StallTimeout:       30 * time.Second,
		DownloadDir:        "downloads",
	}
}
