package services

import (
	"errors"
	"fmt"
	"strconv"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lessonforge/api/model"
)

var (
	// ErrVersionNotFound is returned when a requested version number does
	// not exist for the lesson.
	ErrVersionNotFound = errors.New("lesson version not found")
	// ErrLessonNotFound is returned when the lesson itself does not exist.
	ErrLessonNotFound = errors.New("lesson not found")
)

// VersionStore manages the append-only version history of lessons.
// Versions are never updated or deleted; every change appends a new row
// with the next contiguous version number.
type VersionStore struct {
	db *gorm.DB
}

// NewVersionStore creates a new version store
func NewVersionStore(db *gorm.DB) *VersionStore {
	return &VersionStore{db: db}
}

// lockLesson loads the lesson row, taking a row lock on dialects that
// support it so concurrent appends serialize on the same lesson.
func lockLesson(tx *gorm.DB, lessonID uint) (*model.Lesson, error) {
	q := tx
	if tx.Dialector.Name() == "postgres" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var lesson model.Lesson
	if err := q.First(&lesson, lessonID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLessonNotFound
		}
		return nil, err
	}
	return &lesson, nil
}

// AppendVersion stores a new version of the lesson plan and advances the
// lesson's current-version pointer. Version numbers are contiguous from 1.
func (s *VersionStore) AppendVersion(lessonID uint, plan model.LessonPlan, sourceFileName string, params []byte, isFallback bool) (*model.LessonVersion, error) {
	var version *model.LessonVersion

	err := s.db.Transaction(func(tx *gorm.DB) error {
		lesson, err := lockLesson(tx, lessonID)
		if err != nil {
			return err
		}

		var maxNumber int
		if err := tx.Model(&model.LessonVersion{}).
			Where("lesson_id = ?", lessonID).
			Select("COALESCE(MAX(version_number), 0)").
			Scan(&maxNumber).Error; err != nil {
			return fmt.Errorf("finding latest version: %w", err)
		}

		version = &model.LessonVersion{
			LessonID:         lessonID,
			VersionNumber:    maxNumber + 1,
			Content:          plan,
			SourceFileName:   sourceFileName,
			GenerationParams: datatypes.JSON(params),
			IsFallback:       isFallback,
		}
		if err := tx.Create(version).Error; err != nil {
			return fmt.Errorf("creating version: %w", err)
		}

		// The lesson row mirrors the current version's headline fields
		// so listings never need to join the versions table.
		lesson.CurrentVersion = version.VersionNumber
		lesson.Title = plan.Title
		lesson.Summary = plan.Summary
		lesson.LearningObjectives = model.StringList(plan.LearningObjectives)
		if err := tx.Save(lesson).Error; err != nil {
			return fmt.Errorf("updating lesson pointer: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

// GetVersion fetches one version. selector is either a version number or
// the literal "current".
func (s *VersionStore) GetVersion(lessonID uint, selector string) (*model.LessonVersion, error) {
	number, err := s.resolveSelector(lessonID, selector)
	if err != nil {
		return nil, err
	}

	var version model.LessonVersion
	err = s.db.
		Where("lesson_id = ? AND version_number = ?", lessonID, number).
		First(&version).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: lesson %d version %d", ErrVersionNotFound, lessonID, number)
		}
		return nil, err
	}
	return &version, nil
}

func (s *VersionStore) resolveSelector(lessonID uint, selector string) (int, error) {
	if selector == "" || selector == "current" {
		var lesson model.Lesson
		if err := s.db.First(&lesson, lessonID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return 0, ErrLessonNotFound
			}
			return 0, err
		}
		if lesson.CurrentVersion == 0 {
			return 0, fmt.Errorf("%w: lesson %d has no versions", ErrVersionNotFound, lessonID)
		}
		return lesson.CurrentVersion, nil
	}

	number, err := strconv.Atoi(selector)
	if err != nil || number < 1 {
		return 0, fmt.Errorf("%w: invalid version selector %q", ErrVersionNotFound, selector)
	}
	return number, nil
}

// ListVersions returns all versions of a lesson, oldest first, without
// the plan content to keep the payload small.
func (s *VersionStore) ListVersions(lessonID uint) ([]model.LessonVersion, error) {
	var exists int64
	if err := s.db.Model(&model.Lesson{}).Where("id = ?", lessonID).Count(&exists).Error; err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrLessonNotFound
	}

	var versions []model.LessonVersion
	err := s.db.
		Select("id", "created_at", "lesson_id", "version_number", "source_file_name", "is_fallback").
		Where("lesson_id = ?", lessonID).
		Order("version_number ASC").
		Find(&versions).Error
	if err != nil {
		return nil, err
	}
	return versions, nil
}

// RollbackTo appends a copy of an older version as the newest version.
// History is never rewritten; a rollback is itself a new version.
func (s *VersionStore) RollbackTo(lessonID uint, versionNumber int) (*model.LessonVersion, error) {
	target, err := s.GetVersion(lessonID, strconv.Itoa(versionNumber))
	if err != nil {
		return nil, err
	}

	params := []byte(fmt.Sprintf(`{"rollback_of": %d}`, versionNumber))
	return s.AppendVersion(lessonID, target.Content, target.SourceFileName, params, target.IsFallback)
}
