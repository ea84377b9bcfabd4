package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Vector is an embedding vector stored as JSONB. It is owned by the record it
// is attached to and never mutated after creation.
type Vector []float64

// Scan implements the sql.Scanner interface for reading from database
func (v *Vector) Scan(value interface{}) error {
	if value == nil {
		*v = Vector{}
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("failed to unmarshal Vector value")
	}

	if len(bytes) == 0 {
		*v = Vector{}
		return nil
	}

	return json.Unmarshal(bytes, v)
}

// Value implements the driver.Valuer interface for writing to database
func (v Vector) Value() (driver.Value, error) {
	if len(v) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(v)
}

// CanonicalQuestion is the representative phrasing for a cluster of
// semantically equivalent student questions about one lesson. It is the cache
// key for answers: canonical_text and embedding are immutable after creation,
// only hit_count moves.
//
// The (lesson_id, canonical_text) pair is unique so that two concurrent
// first-askers of the same phrasing race on the insert and the loser relinks
// to the winner's row.
type CanonicalQuestion struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	LessonID      uint   `gorm:"not null;uniqueIndex:idx_canonical_lesson_text" json:"lesson_id"`
	CanonicalText string `gorm:"type:text;not null;uniqueIndex:idx_canonical_lesson_text" json:"canonical_text"`
	Embedding     Vector `gorm:"type:jsonb" json:"-"`
	HitCount      int    `gorm:"not null;default:1" json:"hit_count"`
}

// TableName specifies the table name for CanonicalQuestion
func (CanonicalQuestion) TableName() string {
	return "canonical_questions"
}
