package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lessonforge/api/model"
	"github.com/lessonforge/api/services/inference"
)

// newTestDB opens a throwaway sqlite database with the full schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_txlock=immediate"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}

	// sqlite has no row locks; a single connection serializes the
	// read-then-append transactions the way FOR UPDATE does in postgres.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("getting sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&model.Lesson{},
		&model.LessonVersion{},
		&model.CanonicalQuestion{},
		&model.QAEntry{},
		&model.TokenBudget{},
		&model.TokenResetLog{},
		&model.CronJobLog{},
	)
	if err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db
}

// createTestLesson inserts a bare lesson row for tests that need a parent.
func createTestLesson(t *testing.T, db *gorm.DB, teacherID uint) *model.Lesson {
	t.Helper()

	lesson := &model.Lesson{
		TeacherID: teacherID,
		Title:     "Photosynthesis",
		IsPublic:  true,
	}
	if err := db.Create(lesson).Error; err != nil {
		t.Fatalf("creating test lesson: %v", err)
	}
	return lesson
}

// fakeCompleter returns queued responses in order, then repeats the last
// one. A nil queue with failWith set always fails.
type fakeCompleter struct {
	mu        sync.Mutex
	responses []string
	tokens    int
	failWith  error
	calls     int
}

func (f *fakeCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if f.failWith != nil {
		return "", 0, f.failWith
	}
	if len(f.responses) == 0 {
		return "", 0, errors.New("fakeCompleter: no responses queued")
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	tokens := f.tokens
	if tokens == 0 {
		tokens = 100
	}
	return resp, tokens, nil
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeEmbedder maps exact text to fixed vectors; unknown text gets a
// deterministic default so tests control similarity precisely.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float64
	failure error
	calls   int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if f.failure != nil {
		return nil, f.failure
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float64{1, 0, 0}, nil
}

var _ inference.Completer = (*fakeCompleter)(nil)
var _ inference.Embedder = (*fakeEmbedder)(nil)

// validPlanJSON builds a minimal valid lesson plan JSON document.
func validPlanJSON(title string) string {
	return fmt.Sprintf(`{
		"title": %q,
		"summary": "A short summary.",
		"learning_objectives": ["Understand the topic"],
		"sections": [{"heading": "Introduction", "content": "Some content."}],
		"quiz": [{
			"question": "What is discussed?",
			"options": ["The topic", "Something else"],
			"answer": "The topic",
			"explanation": "The lesson covers the topic."
		}]
	}`, title)
}
