package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/flowgate/internal/storage"
)

// HistoryRepository implements storage.HistoryStore over any GORM dialect.
type HistoryRepository struct {
	db     *gorm.DB
	driver string
}

// NewHistoryRepository creates a HistoryRepository. driver is reported by
// Driver and only used for logging and health output.
func NewHistoryRepository(db *gorm.DB, driver string) *HistoryRepository {
	return &HistoryRepository{db: db, driver: driver}
}

// Record persists a completed flow. An empty ID is filled in.
func (r *HistoryRepository) Record(ctx context.Context, rec *storage.FlowRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	model := toFlowModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording flow %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns the newest records first.
func (r *HistoryRepository) Recent(ctx context.Context, limit int) ([]storage.FlowRecord, error) {
	var models []FlowModel
	if err := r.db.WithContext(ctx).
		Order("completed_at DESC").
		Limit(storage.ClampLimit(limit)).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing flow history: %w", err)
	}
	out := make([]storage.FlowRecord, len(models))
	for i := range models {
		out[i] = toFlowRecord(&models[i])
	}
	return out, nil
}

// Get returns one record by ID.
func (r *HistoryRepository) Get(ctx context.Context, id string) (*storage.FlowRecord, error) {
	var model FlowModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("flow %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("getting flow %s: %w", id, err)
	}
	rec := toFlowRecord(&model)
	return &rec, nil
}

// Prune hard-deletes records completed before olderThan.
func (r *HistoryRepository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("completed_at < ?", olderThan.UTC()).
		Delete(&FlowModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning flow history: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ping checks the database connection for readiness probes.
func (r *HistoryRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (r *HistoryRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns the storage driver name.
func (r *HistoryRepository) Driver() string {
	return r.driver
}

var _ storage.HistoryStore = (*HistoryRepository)(nil)
