package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/lessonforge/api/model"
	"github.com/lessonforge/api/services/inference"
	"github.com/lessonforge/api/utils"
	"github.com/lessonforge/api/utils/cache"
)

const (
	// answerCacheTTL bounds the Redis hot cache in front of the QAEntry
	// lookup. The database remains the source of truth.
	answerCacheTTL = 24 * time.Hour
	// historyWindow is how many prior exchanges feed the answer prompt.
	historyWindow = 4
	// answerMaxTokens bounds a single answer completion.
	answerMaxTokens = 1024
)

// QAService orchestrates question answering: canonicalization, the answer
// cache, budget accounting and persistence of the Q&A history.
type QAService struct {
	db            *gorm.DB
	lessons       *LessonService
	versions      *VersionStore
	canonicalizer *Canonicalizer
	budget        *BudgetGuard
	redis         *cache.RedisCache
	logger        *utils.Logger
}

// NewQAService creates a new Q&A service. redis may be nil; the hot cache
// is then skipped and lookups go straight to the database.
func NewQAService(db *gorm.DB, lessons *LessonService, versions *VersionStore, canonicalizer *Canonicalizer, budget *BudgetGuard, redis *cache.RedisCache) *QAService {
	return &QAService{
		db:            db,
		lessons:       lessons,
		versions:      versions,
		canonicalizer: canonicalizer,
		budget:        budget,
		redis:         redis,
		logger:        utils.NewLogger("qa_service"),
	}
}

// AskResult is the outcome of one question.
type AskResult struct {
	Answer      string `json:"answer"`
	FromCache   bool   `json:"from_cache"`
	IsFallback  bool   `json:"is_fallback"`
	TokensUsed  int    `json:"tokens_used"`
	CanonicalID *uint  `json:"canonical_id,omitempty"`
	EntryID     uint   `json:"entry_id"`
}

func answerCacheKey(lessonID uint, canonicalID uint) string {
	return fmt.Sprintf("qa:answer:%d:%d", lessonID, canonicalID)
}

// Ask answers a question about a lesson. Equivalent questions reuse the
// cached answer; fresh questions go to the model inside the caller's
// token budget. Every asked question is recorded in the history, cached
// or not.
func (s *QAService) Ask(ctx context.Context, lessonID, userID uint, question string) (*AskResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	// Canonicalization is best-effort: when embeddings are down the
	// question simply stays uncanonicalized and skips the cache.
	var canonicalID *uint
	canonical, isNew, err := s.canonicalizer.Canonicalize(ctx, lessonID, question)
	switch {
	case err == nil:
		canonicalID = &canonical.ID
	case errors.Is(err, ErrEmptyQuestion):
		return nil, err
	case errors.Is(err, inference.ErrEmbeddingUnavailable):
		s.logger.Printf("Canonicalization degraded for lesson %d: %v", lessonID, err)
	default:
		return nil, err
	}

	// A known canonical question may already have an answer.
	if canonicalID != nil && !isNew {
		if answer, ok := s.lookupCachedAnswer(ctx, lessonID, *canonicalID); ok {
			entry, err := s.recordEntry(lessonID, userID, question, answer, canonicalID, true, false, 0)
			if err != nil {
				return nil, err
			}
			return &AskResult{
				Answer:      answer,
				FromCache:   true,
				TokensUsed:  0,
				CanonicalID: canonicalID,
				EntryID:     entry.ID,
			}, nil
		}
	}

	version, err := s.versions.GetVersion(lessonID, "current")
	if err != nil {
		return nil, err
	}

	history, err := s.recentHistory(lessonID, userID)
	if err != nil {
		return nil, err
	}

	prompt := version.Content.PlainText() + question
	estimated := EstimateTokens(prompt, answerMaxTokens)
	if err := s.budget.Reserve(userID, estimated); err != nil {
		return nil, err
	}

	answer, tokens, isFallback := s.lessons.Answer(ctx, version.Content, question, history)

	if err := s.budget.Reconcile(userID, int64(tokens)-estimated); err != nil {
		s.logger.Printf("Budget reconcile failed for user %d: %v", userID, err)
	}

	entry, err := s.recordEntry(lessonID, userID, question, answer, canonicalID, false, isFallback, tokens)
	if err != nil {
		return nil, err
	}

	// Apology answers are never cached; the next ask should retry the
	// model instead of replaying the failure.
	if canonicalID != nil && !isFallback {
		s.storeCachedAnswer(ctx, lessonID, *canonicalID, answer)
	}

	return &AskResult{
		Answer:      answer,
		IsFallback:  isFallback,
		TokensUsed:  tokens,
		CanonicalID: canonicalID,
		EntryID:     entry.ID,
	}, nil
}

// lookupCachedAnswer checks Redis first, then the newest non-fallback
// entry for the canonical question in the database.
func (s *QAService) lookupCachedAnswer(ctx context.Context, lessonID, canonicalID uint) (string, bool) {
	if s.redis != nil {
		if answer, err := s.redis.Get(ctx, answerCacheKey(lessonID, canonicalID)); err == nil && answer != "" {
			return answer, true
		}
	}

	var entry model.QAEntry
	err := s.db.
		Where("lesson_id = ? AND canonical_id = ? AND is_fallback = ? AND from_cache = ?",
			lessonID, canonicalID, false, false).
		Order("id DESC").
		First(&entry).Error
	if err != nil {
		return "", false
	}

	// Repopulate the hot cache on a database hit.
	if s.redis != nil {
		s.storeCachedAnswer(ctx, lessonID, canonicalID, entry.Answer)
	}
	return entry.Answer, true
}

func (s *QAService) storeCachedAnswer(ctx context.Context, lessonID, canonicalID uint, answer string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Set(ctx, answerCacheKey(lessonID, canonicalID), answer, answerCacheTTL); err != nil {
		s.logger.Printf("Answer cache write failed: %v", err)
	}
}

func (s *QAService) recordEntry(lessonID, userID uint, question, answer string, canonicalID *uint, fromCache, isFallback bool, tokens int) (*model.QAEntry, error) {
	entry := model.QAEntry{
		LessonID:    lessonID,
		UserID:      userID,
		Question:    question,
		Answer:      answer,
		CanonicalID: canonicalID,
		FromCache:   fromCache,
		IsFallback:  isFallback,
		TokensUsed:  tokens,
	}
	if err := s.db.Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("recording qa entry: %w", err)
	}
	return &entry, nil
}

// recentHistory returns the user's last few exchanges on this lesson in
// chronological order, for conversational context.
func (s *QAService) recentHistory(lessonID, userID uint) ([]model.QAEntry, error) {
	var entries []model.QAEntry
	err := s.db.
		Where("lesson_id = ? AND user_id = ?", lessonID, userID).
		Order("id DESC").
		Limit(historyWindow).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// GetHistory returns the user's full Q&A history for a lesson, oldest
// first. Cleared entries are excluded by the soft-delete scope.
func (s *QAService) GetHistory(lessonID, userID uint) ([]model.QAEntry, error) {
	var entries []model.QAEntry
	err := s.db.
		Where("lesson_id = ? AND user_id = ?", lessonID, userID).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ClearHistory soft-deletes the user's history for one lesson. Other
// users' histories and the canonical question statistics are untouched.
func (s *QAService) ClearHistory(lessonID, userID uint) (int64, error) {
	res := s.db.
		Where("lesson_id = ? AND user_id = ?", lessonID, userID).
		Delete(&model.QAEntry{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
