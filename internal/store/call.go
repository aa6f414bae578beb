package store

import (
	"time"

	"gorm.io/gorm"

	"github.com/rudransh-shrivastava/peer-call/internal/call"
	"github.com/rudransh-shrivastava/peer-call/internal/db"
	"github.com/rudransh-shrivastava/peer-call/internal/protocol"
)

type CallStore struct {
	DB *gorm.DB
}

func NewCallStore(db *gorm.DB) *CallStore {
	return &CallStore{DB: db}
}

func (s *CallStore) RecordCall(rec call.Record) error {
	return s.DB.Create(&db.CallRecord{
		PeerID:          rec.PeerID,
		GroupID:         rec.GroupID,
		Kind:            string(rec.Kind),
		Media:           string(rec.Media),
		Outcome:         rec.Outcome,
		StartedAt:       rec.StartedAt,
		DurationSeconds: int64(rec.Duration / time.Second),
	}).Error
}

// RecentCalls returns up to limit records, newest first. A limit of zero
// returns every record.
func (s *CallStore) RecentCalls(limit int) ([]call.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []db.CallRecord
	if err := s.DB.Order("started_at desc, id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]call.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, call.Record{
			PeerID:    row.PeerID,
			GroupID:   row.GroupID,
			Kind:      call.Kind(row.Kind),
			Media:     protocol.MediaKind(row.Media),
			Outcome:   row.Outcome,
			StartedAt: row.StartedAt,
			Duration:  time.Duration(row.DurationSeconds) * time.Second,
		})
	}
	return out, nil
}
