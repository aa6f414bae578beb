// Package store persists transfer checkpoints and call history.
package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/rudransh-shrivastava/peer-call/internal/db"
	"github.com/rudransh-shrivastava/peer-call/internal/transfer"
)

var ErrNotFound = errors.New("not found")

type CheckpointStore struct {
	DB *gorm.DB
}

func NewCheckpointStore(db *gorm.DB) *CheckpointStore {
	return &CheckpointStore{DB: db}
}

// SaveCheckpoint inserts or updates cp. A stored checkpoint that is already
// further along is left untouched.
func (s *CheckpointStore) SaveCheckpoint(cp transfer.Checkpoint) error {
	row := toCheckpointRow(cp)
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var existing db.Checkpoint
		err := tx.Where("transfer_id = ?", cp.TransferID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&row).Error
		case err != nil:
			return err
		}
		if existing.BytesTransferred > row.BytesTransferred {
			return nil
		}
		return tx.Save(&row).Error
	})
}

func (s *CheckpointStore) Checkpoint(transferID string) (transfer.Checkpoint, error) {
	var row db.Checkpoint
	err := s.DB.Where("transfer_id = ?", transferID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return transfer.Checkpoint{}, fmt.Errorf("checkpoint %s: %w", transferID, ErrNotFound)
	}
	if err != nil {
		return transfer.Checkpoint{}, err
	}
	return fromCheckpointRow(row), nil
}

func (s *CheckpointStore) Checkpoints() ([]transfer.Checkpoint, error) {
	var rows []db.Checkpoint
	if err := s.DB.Order("transfer_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]transfer.Checkpoint, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromCheckpointRow(row))
	}
	return out, nil
}

// DeleteCheckpoint removes the checkpoint for transferID. Deleting a
// missing checkpoint is not an error.
func (s *CheckpointStore) DeleteCheckpoint(transferID string) error {
	return s.DB.Where("transfer_id = ?", transferID).Delete(&db.Checkpoint{}).Error
}

func toCheckpointRow(cp transfer.Checkpoint) db.Checkpoint {
	return db.Checkpoint{
		TransferID:       cp.TransferID,
		PeerID:           cp.PeerID,
		Direction:        string(cp.Direction),
		FileName:         cp.FileName,
		FilePath:         cp.FilePath,
		FileSize:         cp.FileSize,
		MimeType:         cp.MimeType,
		ChunkSize:        cp.ChunkSize,
		BytesTransferred: cp.BytesTransferred,
		Class:            string(cp.Class),
		SavedAt:          cp.UpdatedAt,
	}
}

func fromCheckpointRow(row db.Checkpoint) transfer.Checkpoint {
	return transfer.Checkpoint{
		TransferID:       row.TransferID,
		PeerID:           row.PeerID,
		Direction:        transfer.Direction(row.Direction),
		FileName:         row.FileName,
		FilePath:         row.FilePath,
		FileSize:         row.FileSize,
		MimeType:         row.MimeType,
		ChunkSize:        row.ChunkSize,
		BytesTransferred: row.BytesTransferred,
		Class:            transfer.CapabilityClass(row.Class),
		UpdatedAt:        row.SavedAt,
	}
}
