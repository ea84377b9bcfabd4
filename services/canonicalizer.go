package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/lessonforge/api/model"
	"github.com/lessonforge/api/services/inference"
	"github.com/lessonforge/api/utils"
	"github.com/lessonforge/api/utils/cache"
)

// ErrEmptyQuestion is returned when the question is blank after trimming.
var ErrEmptyQuestion = errors.New("question text is empty")

const (
	// embeddingCacheTTL bounds how long memoized vectors live in Redis.
	embeddingCacheTTL = 7 * 24 * time.Hour
	// similarityTie treats scores within this tolerance as equal, so the
	// tie-break on hit count is deterministic.
	similarityTie = 1e-9
)

// Canonicalizer maps free-form questions onto canonical representatives
// per lesson, using embedding cosine similarity. Questions that land
// within the threshold of an existing representative reuse it; everything
// else becomes a new representative.
type Canonicalizer struct {
	db        *gorm.DB
	embedder  inference.Embedder
	redis     *cache.RedisCache
	threshold float64
	logger    *utils.Logger
}

// NewCanonicalizer creates a new canonicalizer. redis may be nil; the
// embedding memo is then skipped.
func NewCanonicalizer(db *gorm.DB, embedder inference.Embedder, redis *cache.RedisCache, threshold float64) *Canonicalizer {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.90
	}
	return &Canonicalizer{
		db:        db,
		embedder:  embedder,
		redis:     redis,
		threshold: threshold,
		logger:    utils.NewLogger("canonicalizer"),
	}
}

// NormalizeQuestion is the cheap textual normalization applied before
// embedding: trim, collapse whitespace, lowercase.
func NormalizeQuestion(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

func embeddingCacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + hex.EncodeToString(sum[:])
}

// embed computes the embedding for normalized text, memoized in Redis.
// Cache failures are logged and ignored.
func (c *Canonicalizer) embed(ctx context.Context, text string) ([]float64, error) {
	key := embeddingCacheKey(text)

	if c.redis != nil {
		var vec []float64
		if err := c.redis.GetJSON(ctx, key, &vec); err == nil && len(vec) > 0 {
			return vec, nil
		}
	}

	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if c.redis != nil {
		if err := c.redis.SetJSON(ctx, key, vec, embeddingCacheTTL); err != nil {
			c.logger.Printf("Embedding memo write failed: %v", err)
		}
	}
	return vec, nil
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched or zero vectors score 0.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Canonicalize resolves a question to its canonical representative within
// a lesson, creating a new one on a miss. Returns the representative and
// whether it was newly created.
func (c *Canonicalizer) Canonicalize(ctx context.Context, lessonID uint, questionText string) (*model.CanonicalQuestion, bool, error) {
	normalized := NormalizeQuestion(questionText)
	if normalized == "" {
		return nil, false, ErrEmptyQuestion
	}

	// Exact textual match short-circuits the embedding call entirely.
	var exact model.CanonicalQuestion
	err := c.db.Where("lesson_id = ? AND canonical_text = ?", lessonID, normalized).First(&exact).Error
	if err == nil {
		if err := c.recordHit(&exact); err != nil {
			return nil, false, err
		}
		return &exact, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	vec, err := c.embed(ctx, normalized)
	if err != nil {
		return nil, false, err
	}

	var candidates []model.CanonicalQuestion
	if err := c.db.Where("lesson_id = ?", lessonID).Find(&candidates).Error; err != nil {
		return nil, false, err
	}

	best := c.bestMatch(vec, candidates)
	if best != nil {
		if err := c.recordHit(best); err != nil {
			return nil, false, err
		}
		return best, false, nil
	}

	created := model.CanonicalQuestion{
		LessonID:      lessonID,
		CanonicalText: normalized,
		Embedding:     model.Vector(vec),
		HitCount:      1,
	}
	if err := c.db.Create(&created).Error; err != nil {
		// Lost a race to a concurrent identical question: reuse the
		// winner's row instead.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			var winner model.CanonicalQuestion
			if ferr := c.db.Where("lesson_id = ? AND canonical_text = ?", lessonID, normalized).First(&winner).Error; ferr != nil {
				return nil, false, ferr
			}
			if err := c.recordHit(&winner); err != nil {
				return nil, false, err
			}
			return &winner, false, nil
		}
		return nil, false, fmt.Errorf("creating canonical question: %w", err)
	}
	return &created, true, nil
}

// bestMatch returns the candidate with the highest similarity at or above
// the threshold, preferring higher hit counts on ties.
func (c *Canonicalizer) bestMatch(vec []float64, candidates []model.CanonicalQuestion) *model.CanonicalQuestion {
	var best *model.CanonicalQuestion
	bestScore := 0.0

	for i := range candidates {
		cand := &candidates[i]
		score := cosineSimilarity(vec, cand.Embedding)
		if score < c.threshold {
			continue
		}
		switch {
		case best == nil, score > bestScore+similarityTie:
			best, bestScore = cand, score
		case math.Abs(score-bestScore) <= similarityTie && cand.HitCount > best.HitCount:
			best = cand
		}
	}
	return best
}

func (c *Canonicalizer) recordHit(q *model.CanonicalQuestion) error {
	err := c.db.Model(q).UpdateColumn("hit_count", gorm.Expr("hit_count + 1")).Error
	if err != nil {
		return err
	}
	q.HitCount++
	return nil
}

// TopQuestions returns a lesson's most frequently asked canonical
// questions, most popular first.
func (c *Canonicalizer) TopQuestions(lessonID uint, limit int) ([]model.CanonicalQuestion, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	var questions []model.CanonicalQuestion
	err := c.db.
		Select("id", "created_at", "lesson_id", "canonical_text", "hit_count").
		Where("lesson_id = ?", lessonID).
		Order("hit_count DESC, id ASC").
		Limit(limit).
		Find(&questions).Error
	if err != nil {
		return nil, err
	}
	return questions, nil
}
