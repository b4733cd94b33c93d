package audit

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Record is the sqlite row shape for an audit event.
type Record struct {
	ID         string    `gorm:"primaryKey"`
	Time       time.Time `gorm:"index"`
	Identity   string    `gorm:"index"`
	SessionID  string    `gorm:"index"`
	Command    string
	Outcome    string `gorm:"index"`
	Reason     string
	RiskScore  int
	DurationNS int64
}

// SQLiteSink persists events to a sqlite database for retention and
// offline queries beyond what the JSONL log offers.
type SQLiteSink struct {
	db *gorm.DB
}

// NewSQLiteSink opens (creating if needed) the audit database at path.
// Use ":memory:" for tests.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying database: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Write inserts one event.
func (s *SQLiteSink) Write(ev Event) error {
	rec := Record{
		ID:         ev.ID,
		Time:       ev.Time,
		Identity:   ev.Identity,
		SessionID:  ev.SessionID,
		Command:    ev.Command,
		Outcome:    ev.Outcome,
		Reason:     ev.Reason,
		RiskScore:  ev.RiskScore,
		DurationNS: int64(ev.Duration),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Query filters stored events. Zero-valued fields are ignored; limit
// caps the result (default 100), newest first.
type Query struct {
	Identity  string
	SessionID string
	Outcome   string
	Since     time.Time
	Limit     int
}

// Find returns events matching q.
func (s *SQLiteSink) Find(q Query) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	tx := s.db.Model(&Record{}).Order("time DESC").Limit(limit)
	if q.Identity != "" {
		tx = tx.Where("identity = ?", q.Identity)
	}
	if q.SessionID != "" {
		tx = tx.Where("session_id = ?", q.SessionID)
	}
	if q.Outcome != "" {
		tx = tx.Where("outcome = ?", q.Outcome)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("time >= ?", q.Since)
	}

	var recs []Record
	if err := tx.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}

	events := make([]Event, len(recs))
	for i, r := range recs {
		events[i] = Event{
			ID:        r.ID,
			Time:      r.Time,
			Identity:  r.Identity,
			SessionID: r.SessionID,
			Command:   r.Command,
			Outcome:   r.Outcome,
			Reason:    r.Reason,
			RiskScore: r.RiskScore,
			Duration:  time.Duration(r.DurationNS),
		}
	}
	return events, nil
}

// Close closes the underlying database.
func (s *SQLiteSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
