package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"trade_sync/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// LedgerEventRecord is the relational form of one ledger event.
type LedgerEventRecord struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement:false"`
	AccountID  string    `gorm:"index"`
	Timestamp  time.Time `gorm:""`
	EntityType string    `gorm:"index:idx_entity"`
	EventType  string    `gorm:""`
	EntityID   string    `gorm:"index:idx_entity"`
	RawData    []byte    `gorm:""`
	Sequence   uint64    `gorm:"uniqueIndex"`
}

// TableName keeps the table name stable across gorm naming strategies.
func (LedgerEventRecord) TableName() string {
	return "ledger_events"
}

// EventStore persists ledger events to SQLite (Pure Go driver).
// Writes are best-effort: the in-memory ledger is authoritative and a
// failed insert must never leave an open transaction behind.
type EventStore struct {
	db *gorm.DB
}

// NewEventStore opens (or creates) the SQLite database at dbPath.
func NewEventStore(dbPath string) (*EventStore, error) {
	// Ensure directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto Migration
	if err := db.AutoMigrate(&LedgerEventRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &EventStore{db: db}, nil
}

// SaveEvent inserts one event. Each insert is its own implicit transaction,
// so a failure rolls back completely and the caller can continue from memory.
func (s *EventStore) SaveEvent(ctx context.Context, ev *domain.BrokerEvent) error {
	rec := LedgerEventRecord{
		ID:         ev.ID,
		AccountID:  ev.AccountID,
		Timestamp:  ev.Timestamp,
		EntityType: string(ev.EntityType),
		EventType:  string(ev.EventType),
		EntityID:   ev.EntityID,
		RawData:    []byte(ev.RawData),
		Sequence:   ev.Seq,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// LoadEventsSince returns persisted events with sequence > sinceSeq in
// sequence order, for warm-loading the ledger at startup.
func (s *EventStore) LoadEventsSince(ctx context.Context, sinceSeq uint64) ([]domain.BrokerEvent, error) {
	var recs []LedgerEventRecord
	err := s.db.WithContext(ctx).
		Where("sequence > ?", sinceSeq).
		Order("sequence asc").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}

	events := make([]domain.BrokerEvent, 0, len(recs))
	for _, r := range recs {
		events = append(events, domain.BrokerEvent{
			ID:         r.ID,
			AccountID:  r.AccountID,
			Timestamp:  r.Timestamp,
			EntityType: domain.EntityType(r.EntityType),
			EventType:  domain.EventType(r.EventType),
			EntityID:   r.EntityID,
			RawData:    r.RawData,
			Seq:        r.Sequence,
		})
	}
	return events, nil
}

// MaxSequence returns the highest persisted sequence, 0 when empty.
func (s *EventStore) MaxSequence(ctx context.Context) (uint64, error) {
	var max *uint64
	err := s.db.WithContext(ctx).
		Model(&LedgerEventRecord{}).
		Select("MAX(sequence)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

// Close releases the underlying connection pool.
func (s *EventStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
