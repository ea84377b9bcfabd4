package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StringList is a custom type for storing an ordered list of strings as JSONB
type StringList []string

// Scan implements the sql.Scanner interface for reading from database
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = StringList{}
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("failed to unmarshal StringList value")
	}

	if len(bytes) == 0 {
		*l = StringList{}
		return nil
	}

	return json.Unmarshal(bytes, l)
}

// Value implements the driver.Valuer interface for writing to database
func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return []byte("[]"), nil // Return empty JSON array instead of nil
	}
	return json.Marshal(l)
}

// Lesson is the logical lesson a teacher owns. The lesson row carries the
// identity, ownership and the current version pointer; the content itself
// lives in immutable LessonVersion rows.
type Lesson struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	TeacherID          uint       `gorm:"not null;index" json:"teacher_id"`
	Title              string     `gorm:"type:text;not null" json:"title"`
	Summary            string     `gorm:"type:text" json:"summary"`
	LearningObjectives StringList `gorm:"type:jsonb" json:"learning_objectives"`
	FocusArea          string     `gorm:"type:varchar(255);index" json:"focus_area"`
	GradeLevel         string     `gorm:"type:varchar(100);index" json:"grade_level"`
	IsPublic           bool       `gorm:"default:true" json:"is_public"`

	// SourceFileKey is the object storage key of the originally uploaded
	// document, empty when storage is disabled or the upload failed.
	SourceFileKey string `gorm:"type:varchar(512)" json:"source_file_key,omitempty"`

	// CurrentVersion points at the authoritative LessonVersion. It normally
	// references the highest version number unless explicitly rolled back.
	CurrentVersion int `gorm:"not null;default:0" json:"current_version"`

	// Relationships
	Versions []LessonVersion `gorm:"foreignKey:LessonID;constraint:OnDelete:CASCADE" json:"versions,omitempty"`
}

// TableName specifies the table name for Lesson
func (Lesson) TableName() string {
	return "lessons"
}

// LessonVersion is one immutable revision of a lesson's content. Version
// numbers are 1-based and gapless per lesson.
type LessonVersion struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	LessonID      uint `gorm:"not null;uniqueIndex:idx_lesson_version_number" json:"lesson_id"`
	VersionNumber int  `gorm:"not null;uniqueIndex:idx_lesson_version_number" json:"version_number"`

	Content        LessonPlan `gorm:"type:jsonb" json:"content"`
	SourceFileName string     `gorm:"type:varchar(255)" json:"source_file_name"`

	// GenerationParams preserves the request parameters this revision was
	// generated with, for later auditing and "improve version" calls.
	GenerationParams datatypes.JSON `json:"generation_params,omitempty"`

	// IsFallback marks content produced by the deterministic fallback path
	// instead of the language model, so the presentation layer can signal
	// "best effort" to the user.
	IsFallback bool `gorm:"default:false" json:"is_fallback"`
}

// TableName specifies the table name for LessonVersion
func (LessonVersion) TableName() string {
	return "lesson_versions"
}
