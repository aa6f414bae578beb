package store

import (
	"github.com/rudransh-shrivastava/peer-call/internal/call"
	"github.com/rudransh-shrivastava/peer-call/internal/transfer"
)

// CheckpointRepository persists transfer progress across restarts.
type CheckpointRepository interface {
	transfer.CheckpointStore
	Checkpoint(transferID string) (transfer.Checkpoint, error)
}

// CallRepository keeps the call history.
type CallRepository interface {
	call.History
	RecentCalls(limit int) ([]call.Record, error)
}

var (
	_ CheckpointRepository = (*CheckpointStore)(nil)
	_ CallRepository       = (*CallStore)(nil)
)
