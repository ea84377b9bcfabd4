package services

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/lessonforge/api/model"
)

func testPlan(title string) model.LessonPlan {
	return model.LessonPlan{
		Title:   title,
		Summary: "summary of " + title,
		Sections: []model.Section{
			{Heading: "Main", Content: "Content for " + title},
		},
	}
}

func TestAppendVersionNumbersAreGapless(t *testing.T) {
	db := newTestDB(t)
	store := NewVersionStore(db)
	lesson := createTestLesson(t, db, 1)

	for i := 1; i <= 5; i++ {
		v, err := store.AppendVersion(lesson.ID, testPlan(fmt.Sprintf("v%d", i)), "source.txt", nil, false)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if v.VersionNumber != i {
			t.Errorf("expected version number %d, got %d", i, v.VersionNumber)
		}
	}

	var lessonRow model.Lesson
	if err := db.First(&lessonRow, lesson.ID).Error; err != nil {
		t.Fatal(err)
	}
	if lessonRow.CurrentVersion != 5 {
		t.Errorf("current pointer should be 5, got %d", lessonRow.CurrentVersion)
	}
	if lessonRow.Title != "v5" {
		t.Errorf("lesson title should mirror newest version, got %q", lessonRow.Title)
	}
}

func TestAppendVersionUnknownLesson(t *testing.T) {
	db := newTestDB(t)
	store := NewVersionStore(db)

	_, err := store.AppendVersion(9999, testPlan("x"), "", nil, false)
	if !errors.Is(err, ErrLessonNotFound) {
		t.Errorf("expected ErrLessonNotFound, got %v", err)
	}
}

func TestGetVersionSelectors(t *testing.T) {
	db := newTestDB(t)
	store := NewVersionStore(db)
	lesson := createTestLesson(t, db, 1)

	for i := 1; i <= 3; i++ {
		if _, err := store.AppendVersion(lesson.ID, testPlan(fmt.Sprintf("v%d", i)), "", nil, false); err != nil {
			t.Fatal(err)
		}
	}

	current, err := store.GetVersion(lesson.ID, "current")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current.VersionNumber != 3 {
		t.Errorf("current should be 3, got %d", current.VersionNumber)
	}

	second, err := store.GetVersion(lesson.ID, "2")
	if err != nil {
		t.Fatalf("explicit number: %v", err)
	}
	if second.Content.Title != "v2" {
		t.Errorf("wrong content for version 2: %q", second.Content.Title)
	}

	if _, err := store.GetVersion(lesson.ID, "42"); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("expected ErrVersionNotFound, got %v", err)
	}
	if _, err := store.GetVersion(lesson.ID, "abc"); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("expected ErrVersionNotFound for garbage selector, got %v", err)
	}
}

func TestListVersionsOldestFirst(t *testing.T) {
	db := newTestDB(t)
	store := NewVersionStore(db)
	lesson := createTestLesson(t, db, 1)

	for i := 1; i <= 3; i++ {
		if _, err := store.AppendVersion(lesson.ID, testPlan(fmt.Sprintf("v%d", i)), "", nil, false); err != nil {
			t.Fatal(err)
		}
	}

	versions, err := store.ListVersions(lesson.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}
	for i, v := range versions {
		if v.VersionNumber != i+1 {
			t.Errorf("position %d has version %d, want %d", i, v.VersionNumber, i+1)
		}
	}

	if _, err := store.ListVersions(9999); !errors.Is(err, ErrLessonNotFound) {
		t.Errorf("expected ErrLessonNotFound, got %v", err)
	}
}

func TestRollbackAppendsCopy(t *testing.T) {
	db := newTestDB(t)
	store := NewVersionStore(db)
	lesson := createTestLesson(t, db, 1)

	for i := 1; i <= 3; i++ {
		if _, err := store.AppendVersion(lesson.ID, testPlan(fmt.Sprintf("v%d", i)), "", nil, false); err != nil {
			t.Fatal(err)
		}
	}

	rolled, err := store.RollbackTo(lesson.ID, 1)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rolled.VersionNumber != 4 {
		t.Errorf("rollback must append as version 4, got %d", rolled.VersionNumber)
	}
	if rolled.Content.Title != "v1" {
		t.Errorf("rollback content should match version 1, got %q", rolled.Content.Title)
	}

	// History is intact: all four versions exist.
	versions, err := store.ListVersions(lesson.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 4 {
		t.Errorf("expected 4 versions after rollback, got %d", len(versions))
	}

	current, err := store.GetVersion(lesson.ID, "current")
	if err != nil {
		t.Fatal(err)
	}
	if current.VersionNumber != 4 {
		t.Errorf("current should point at the rollback copy, got %d", current.VersionNumber)
	}
}

func TestAppendVersionConcurrent(t *testing.T) {
	db := newTestDB(t)
	store := NewVersionStore(db)
	lesson := createTestLesson(t, db, 1)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.AppendVersion(lesson.ID, testPlan(fmt.Sprintf("concurrent-%d", n)), "", nil, false)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append failed: %v", err)
		}
	}

	versions, err := store.ListVersions(lesson.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != workers {
		t.Fatalf("expected %d versions, got %d", workers, len(versions))
	}
	seen := make(map[int]bool)
	for _, v := range versions {
		if seen[v.VersionNumber] {
			t.Errorf("duplicate version number %d", v.VersionNumber)
		}
		seen[v.VersionNumber] = true
	}
	for i := 1; i <= workers; i++ {
		if !seen[i] {
			t.Errorf("version number %d missing, numbering has gaps", i)
		}
	}
}
