package services

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/lessonforge/api/model"
	"github.com/lessonforge/api/services/inference"
	"github.com/lessonforge/api/utils/cache"
)

// newQAFixture wires a full Q&A stack over fakes and a fresh database.
func newQAFixture(t *testing.T, completer *fakeCompleter, embedder *fakeEmbedder, redis *cache.RedisCache, limit int64) (*QAService, *model.Lesson) {
	t.Helper()

	db := newTestDB(t)
	budget := NewBudgetGuard(db, limit)
	versions := NewVersionStore(db)
	lessons := NewLessonService(db, completer, versions, budget)
	canon := NewCanonicalizer(db, embedder, redis, 0.90)
	qa := NewQAService(db, lessons, versions, canon, budget, redis)

	lesson := createTestLesson(t, db, 1)
	if _, err := versions.AppendVersion(lesson.ID, testPlan("Photosynthesis"), "source.txt", nil, false); err != nil {
		t.Fatal(err)
	}
	return qa, lesson
}

func TestAskFreshQuestion(t *testing.T) {
	completer := &fakeCompleter{responses: []string{"Light becomes chemical energy."}, tokens: 42}
	qa, lesson := newQAFixture(t, completer, &fakeEmbedder{}, nil, 100000)

	result, err := qa.Ask(context.Background(), lesson.ID, 7, "How does photosynthesis work?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FromCache {
		t.Error("first ask cannot come from cache")
	}
	if result.Answer != "Light becomes chemical energy." {
		t.Errorf("unexpected answer: %q", result.Answer)
	}
	if result.TokensUsed != 42 {
		t.Errorf("expected 42 tokens, got %d", result.TokensUsed)
	}
	if result.CanonicalID == nil {
		t.Error("canonical link missing")
	}
}

func TestAskEquivalentQuestionHitsCache(t *testing.T) {
	completer := &fakeCompleter{responses: []string{"Light becomes chemical energy."}}
	embedder := &fakeEmbedder{} // all questions embed identically
	qa, lesson := newQAFixture(t, completer, embedder, nil, 100000)
	ctx := context.Background()

	first, err := qa.Ask(ctx, lesson.ID, 7, "How does photosynthesis work?")
	if err != nil {
		t.Fatal(err)
	}

	second, err := qa.Ask(ctx, lesson.ID, 8, "Explain how photosynthesis works")
	if err != nil {
		t.Fatal(err)
	}
	if !second.FromCache {
		t.Error("equivalent question should be served from cache")
	}
	if second.Answer != first.Answer {
		t.Errorf("cached answer differs: %q vs %q", second.Answer, first.Answer)
	}
	if second.TokensUsed != 0 {
		t.Errorf("cache hit must not consume tokens, got %d", second.TokensUsed)
	}
	if completer.callCount() != 1 {
		t.Errorf("model called %d times, want 1", completer.callCount())
	}

	// Both exchanges are in their askers' histories.
	if entries, _ := qa.GetHistory(lesson.ID, 8); len(entries) != 1 || !entries[0].FromCache {
		t.Error("cache hit must still be recorded in the asker's history")
	}
}

func TestAskBudgetExceeded(t *testing.T) {
	completer := &fakeCompleter{responses: []string{"won't be reached"}}
	qa, lesson := newQAFixture(t, completer, &fakeEmbedder{}, nil, 10) // tiny budget

	_, err := qa.Ask(context.Background(), lesson.ID, 7, "A question that costs more than ten tokens to answer?")
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if completer.callCount() != 0 {
		t.Error("no model call may happen after budget rejection")
	}
	if entries, _ := qa.GetHistory(lesson.ID, 7); len(entries) != 0 {
		t.Error("rejected question must not be recorded")
	}
}

func TestAskEmptyQuestion(t *testing.T) {
	qa, lesson := newQAFixture(t, &fakeCompleter{}, &fakeEmbedder{}, nil, 100000)

	if _, err := qa.Ask(context.Background(), lesson.ID, 7, "   "); !errors.Is(err, ErrEmptyQuestion) {
		t.Errorf("expected ErrEmptyQuestion, got %v", err)
	}
}

func TestAskDegradesWithoutEmbeddings(t *testing.T) {
	completer := &fakeCompleter{responses: []string{"Still answered."}}
	embedder := &fakeEmbedder{failure: inference.ErrEmbeddingUnavailable}
	qa, lesson := newQAFixture(t, completer, embedder, nil, 100000)

	result, err := qa.Ask(context.Background(), lesson.ID, 7, "Does it still work?")
	if err != nil {
		t.Fatalf("embedding outage must not fail the ask: %v", err)
	}
	if result.CanonicalID != nil {
		t.Error("degraded ask must not be linked to a canonical question")
	}
	if result.Answer != "Still answered." {
		t.Errorf("unexpected answer: %q", result.Answer)
	}
}

func TestAskModelDownReturnsApology(t *testing.T) {
	completer := &fakeCompleter{failWith: inference.ErrModelUnavailable}
	qa, lesson := newQAFixture(t, completer, &fakeEmbedder{}, nil, 100000)

	result, err := qa.Ask(context.Background(), lesson.ID, 7, "Is anyone there?")
	if err != nil {
		t.Fatalf("model outage must degrade, not fail: %v", err)
	}
	if !result.IsFallback {
		t.Error("apology answer must be flagged as fallback")
	}
	if result.Answer == "" {
		t.Error("fallback answer must not be empty")
	}

	// The apology is not cached: a retry should reach the model again.
	completer.failWith = nil
	completer.responses = []string{"Back online."}
	retry, err := qa.Ask(context.Background(), lesson.ID, 7, "Is anyone there?")
	if err != nil {
		t.Fatal(err)
	}
	if retry.FromCache {
		t.Error("apology must not be served from cache on retry")
	}
	if retry.Answer != "Back online." {
		t.Errorf("retry should get a fresh answer, got %q", retry.Answer)
	}
}

func TestAskWithRedisHotCache(t *testing.T) {
	mr := miniredis.RunT(t)
	redis := cache.NewRedisCacheFromAddr(mr.Addr())

	completer := &fakeCompleter{responses: []string{"Cached in redis."}}
	qa, lesson := newQAFixture(t, completer, &fakeEmbedder{}, redis, 100000)
	ctx := context.Background()

	if _, err := qa.Ask(ctx, lesson.ID, 7, "What gets cached?"); err != nil {
		t.Fatal(err)
	}

	result, err := qa.Ask(ctx, lesson.ID, 8, "what gets cached?")
	if err != nil {
		t.Fatal(err)
	}
	if !result.FromCache {
		t.Error("second ask should hit the hot cache")
	}
	if completer.callCount() != 1 {
		t.Errorf("model called %d times, want 1", completer.callCount())
	}
}

func TestClearHistoryIsUserScoped(t *testing.T) {
	completer := &fakeCompleter{responses: []string{"answer"}}
	qa, lesson := newQAFixture(t, completer, &fakeEmbedder{}, nil, 100000)
	ctx := context.Background()

	if _, err := qa.Ask(ctx, lesson.ID, 7, "User seven's question?"); err != nil {
		t.Fatal(err)
	}
	if _, err := qa.Ask(ctx, lesson.ID, 8, "User eight's question?"); err != nil {
		t.Fatal(err)
	}

	cleared, err := qa.ClearHistory(lesson.ID, 7)
	if err != nil {
		t.Fatal(err)
	}
	if cleared != 1 {
		t.Errorf("expected 1 cleared entry, got %d", cleared)
	}

	if entries, _ := qa.GetHistory(lesson.ID, 7); len(entries) != 0 {
		t.Error("user 7's history should be empty after clearing")
	}
	if entries, _ := qa.GetHistory(lesson.ID, 8); len(entries) != 1 {
		t.Error("user 8's history must be untouched")
	}

	// Tombstoned rows survive in the table for the purge job.
	var total int64
	db := qa.db
	if err := db.Unscoped().Model(&model.QAEntry{}).Where("lesson_id = ?", lesson.ID).Count(&total).Error; err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Errorf("clear must soft-delete, expected 2 physical rows, got %d", total)
	}
}

func TestGetHistoryOldestFirst(t *testing.T) {
	completer := &fakeCompleter{responses: []string{"a1", "a2", "a3"}}
	embedder := &fakeEmbedder{vectors: map[string][]float64{
		"first question?":  {1, 0, 0},
		"second question?": {0, 1, 0},
		"third question?":  {0, 0, 1},
	}}
	qa, lesson := newQAFixture(t, completer, embedder, nil, 100000)
	ctx := context.Background()

	for _, q := range []string{"First question?", "Second question?", "Third question?"} {
		if _, err := qa.Ask(ctx, lesson.ID, 7, q); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := qa.GetHistory(lesson.ID, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Question != "First question?" || entries[2].Question != "Third question?" {
		t.Error("history must be in chronological order")
	}
}
