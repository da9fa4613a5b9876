// Package stats records completed study sessions. This is the only
// durable data the node keeps; replicated room state lives in the
// transport.
package stats

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SessionRecord is one completed timer interval.
type SessionRecord struct {
	ID              uint      `gorm:"primarykey" json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	ParticipantName string    `gorm:"size:40;index;not null" json:"participant_name"`
	RoomID          string    `gorm:"size:8;index" json:"room_id"`
	Mode            string    `gorm:"size:16;not null" json:"mode"`
	DurationSeconds int       `gorm:"not null" json:"duration_sec"`
	CompletedAt     time.Time `gorm:"not null" json:"completed_at"`
}

// TableName returns the table name for SessionRecord.
func (SessionRecord) TableName() string {
	return "session_records"
}

// Summary aggregates a participant's focus history.
type Summary struct {
	ParticipantName  string `json:"participant_name"`
	FocusSessions    int64  `json:"focus_sessions"`
	TotalFocusedSecs int64  `json:"total_focused_sec"`
}

// ErrNoSessions is returned when a participant has no recorded history.
var ErrNoSessions = errors.New("no recorded sessions")

// Store persists session records in SQLite.
type Store struct {
	db *gorm.DB
}

// Open creates or opens the store at path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open stats database: %w", err)
	}
	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate stats database: %w", err)
	}
	return &Store{db: db}, nil
}

// Record saves one completed session.
func (s *Store) Record(rec *SessionRecord) error {
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// Summarize aggregates the focus history for a participant name.
func (s *Store) Summarize(participantName string) (*Summary, error) {
	var count int64
	q := s.db.Model(&SessionRecord{}).
		Where("participant_name = ? AND mode = ?", participantName, "focus")
	if err := q.Count(&count).Error; err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	if count == 0 {
		return nil, ErrNoSessions
	}

	var total int64
	err := s.db.Model(&SessionRecord{}).
		Where("participant_name = ? AND mode = ?", participantName, "focus").
		Select("COALESCE(SUM(duration_seconds), 0)").
		Scan(&total).Error
	if err != nil {
		return nil, fmt.Errorf("sum focused time: %w", err)
	}

	return &Summary{
		ParticipantName:  participantName,
		FocusSessions:    count,
		TotalFocusedSecs: total,
	}, nil
}

// Recent returns the latest records for a participant, newest first.
func (s *Store) Recent(participantName string, limit int) ([]SessionRecord, error) {
	var recs []SessionRecord
	err := s.db.
		Where("participant_name = ?", participantName).
		Order("completed_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return recs, nil
}
