package model

import (
	"time"

	"gorm.io/gorm"
)

// QAEntry is one question/answer exchange in a lesson's chat history.
// Entries are append-only; a user's clear-history call tombstones their rows
// via the soft-delete column and never touches other users' entries.
type QAEntry struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	LessonID uint `gorm:"not null;index:idx_qa_lesson_user" json:"lesson_id"`
	UserID   uint `gorm:"not null;index:idx_qa_lesson_user" json:"user_id"`

	Question string `gorm:"type:text;not null" json:"question"`
	Answer   string `gorm:"type:text;not null" json:"answer"`

	// CanonicalID links the raw question to its canonical form. Null means
	// canonicalization was bypassed (e.g. the embedding provider was down)
	// and the answer was generated without cache participation.
	CanonicalID *uint `gorm:"index" json:"canonical_id,omitempty"`

	// FromCache marks answers served from a previous QAEntry instead of a
	// fresh model invocation.
	FromCache bool `gorm:"default:false" json:"from_cache"`

	// IsFallback marks the fixed apology answer returned when the model was
	// unreachable.
	IsFallback bool `gorm:"default:false" json:"is_fallback"`

	TokensUsed int `gorm:"default:0" json:"tokens_used"`
}

// TableName specifies the table name for QAEntry
func (QAEntry) TableName() string {
	return "qa_entries"
}
