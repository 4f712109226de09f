package journal

import (
	"context"
	"fmt"
	"slices"
	"time"

	"gorm.io/gorm"
)

// TableName 日志表名，与 internal/migration 中的 DDL 保持一致
const TableName = "journal_events"

type eventRow struct {
	ID         string    `gorm:"column:id;primaryKey;size:64"`
	EventType  string    `gorm:"column:event_type;size:255;index;not null"`
	Source     string    `gorm:"column:source;size:255"`
	Payload    string    `gorm:"column:payload;type:text"`
	OccurredAt time.Time `gorm:"column:occurred_at;index;not null"`
	RecordedAt time.Time `gorm:"column:recorded_at;not null"`
}

func (eventRow) TableName() string { return TableName }

// SQLStore 基于 gorm 的事件日志，支持 postgres / mysql / sqlite
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore creates a gorm-backed journal. The caller owns the *gorm.DB.
// Schema is managed by internal/migration; AutoMigrate is for tests and embedded setups.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: gorm db is nil", ErrInvalidInput)
	}
	return &SQLStore{db: db}, nil
}

// AutoMigrate creates or updates the journal table.
func (s *SQLStore) AutoMigrate() error {
	return s.db.AutoMigrate(&eventRow{})
}

func (s *SQLStore) Append(ctx context.Context, rec Record) error {
	row := eventRow{
		ID:         rec.ID,
		EventType:  rec.Type,
		Source:     rec.Source,
		Payload:    string(rec.Payload),
		OccurredAt: rec.Timestamp.UTC(),
		RecordedAt: rec.RecordedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("journal/sql: append: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, q Query) ([]Record, error) {
	tx := s.db.WithContext(ctx).Model(&eventRow{})
	if q.Type != "" {
		tx = tx.Where("event_type = ?", q.Type)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("occurred_at >= ?", q.Since.UTC())
	}
	tx = tx.Order("occurred_at DESC").Order("recorded_at DESC")
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []eventRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("journal/sql: list: %w", err)
	}
	slices.Reverse(rows)

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec := Record{
			ID:         row.ID,
			Type:       row.EventType,
			Source:     row.Source,
			Timestamp:  row.OccurredAt,
			RecordedAt: row.RecordedAt,
		}
		if row.Payload != "" {
			rec.Payload = []byte(row.Payload)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close is a no-op; the connection pool belongs to the caller.
func (s *SQLStore) Close() error { return nil }
