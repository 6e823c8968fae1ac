package postgres

import (
	"time"

	"github.com/jkaninda/flowgate/internal/storage"
)

// FlowModel maps to the "flow_history" table. The SQLite backend shares it.
type FlowModel struct {
	ID          string    `gorm:"type:varchar(36);primaryKey"`
	Gateway     string    `gorm:"not null;index"`
	Method      string    `gorm:"not null"`
	RequestCode int       `gorm:"not null"`
	Outcome     string    `gorm:"not null;index"`
	Reason      string    `gorm:"type:text"`
	ContainerID string
	StartedAt   time.Time `gorm:"not null"`
	CompletedAt time.Time `gorm:"not null;index"`
	DurationMS  int64     `gorm:"not null;default:0"`
	CreatedAt   time.Time
}

func (FlowModel) TableName() string { return "flow_history" }

func toFlowModel(r *storage.FlowRecord) FlowModel {
	return FlowModel{
		ID:          r.ID,
		Gateway:     r.Gateway,
		Method:      r.Method,
		RequestCode: r.RequestCode,
		Outcome:     r.Outcome,
		Reason:      r.Reason,
		ContainerID: r.ContainerID,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		DurationMS:  r.DurationMS,
	}
}

func toFlowRecord(m *FlowModel) storage.FlowRecord {
	return storage.FlowRecord{
		ID:          m.ID,
		Gateway:     m.Gateway,
		Method:      m.Method,
		RequestCode: m.RequestCode,
		Outcome:     m.Outcome,
		Reason:      m.Reason,
		ContainerID: m.ContainerID,
		StartedAt:   m.StartedAt.UTC(),
		CompletedAt: m.CompletedAt.UTC(),
		DurationMS:  m.DurationMS,
	}
}
