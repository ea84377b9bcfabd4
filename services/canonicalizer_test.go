package services

import (
	"context"
	"errors"
	"testing"

	"github.com/lessonforge/api/model"
	"github.com/lessonforge/api/services/inference"
)

func TestCanonicalizeCreatesOnFirstAsk(t *testing.T) {
	db := newTestDB(t)
	embedder := &fakeEmbedder{vectors: map[string][]float64{
		"what is photosynthesis?": {1, 0, 0},
	}}
	canon := NewCanonicalizer(db, embedder, nil, 0.90)

	q, isNew, err := canon.Canonicalize(context.Background(), 1, "What is photosynthesis?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !isNew {
		t.Error("first ask should create a new canonical question")
	}
	if q.CanonicalText != "what is photosynthesis?" {
		t.Errorf("canonical text not normalized: %q", q.CanonicalText)
	}
	if q.HitCount != 1 {
		t.Errorf("new canonical question should start at hit count 1, got %d", q.HitCount)
	}
}

func TestCanonicalizeNormalizesWhitespaceAndCase(t *testing.T) {
	db := newTestDB(t)
	embedder := &fakeEmbedder{}
	canon := NewCanonicalizer(db, embedder, nil, 0.90)

	first, _, err := canon.Canonicalize(context.Background(), 1, "What  IS   Photosynthesis?")
	if err != nil {
		t.Fatal(err)
	}

	// Textually identical after normalization: no embedding needed.
	callsBefore := embedder.calls
	second, isNew, err := canon.Canonicalize(context.Background(), 1, "  what is photosynthesis?  ")
	if err != nil {
		t.Fatal(err)
	}
	if isNew {
		t.Error("normalized duplicate should reuse the canonical question")
	}
	if second.ID != first.ID {
		t.Errorf("expected same canonical id %d, got %d", first.ID, second.ID)
	}
	if embedder.calls != callsBefore {
		t.Error("exact text match must not call the embedder")
	}
	if second.HitCount != 2 {
		t.Errorf("hit count should be 2, got %d", second.HitCount)
	}
}

func TestCanonicalizeMatchesAboveThreshold(t *testing.T) {
	db := newTestDB(t)
	embedder := &fakeEmbedder{vectors: map[string][]float64{
		"what is photosynthesis?":       {1, 0, 0},
		"explain photosynthesis please": {0.99, 0.141, 0}, // cos ~0.99
		"how do volcanoes form?":        {0, 1, 0},        // orthogonal
	}}
	canon := NewCanonicalizer(db, embedder, nil, 0.90)
	ctx := context.Background()

	original, _, err := canon.Canonicalize(ctx, 1, "What is photosynthesis?")
	if err != nil {
		t.Fatal(err)
	}

	similar, isNew, err := canon.Canonicalize(ctx, 1, "Explain photosynthesis please")
	if err != nil {
		t.Fatal(err)
	}
	if isNew {
		t.Error("similar question should reuse the canonical representative")
	}
	if similar.ID != original.ID {
		t.Errorf("expected canonical id %d, got %d", original.ID, similar.ID)
	}

	distinct, isNew, err := canon.Canonicalize(ctx, 1, "How do volcanoes form?")
	if err != nil {
		t.Fatal(err)
	}
	if !isNew {
		t.Error("orthogonal question must create a new representative")
	}
	if distinct.ID == original.ID {
		t.Error("distinct question reused the wrong representative")
	}
}

func TestCanonicalizeScopedPerLesson(t *testing.T) {
	db := newTestDB(t)
	embedder := &fakeEmbedder{}
	canon := NewCanonicalizer(db, embedder, nil, 0.90)
	ctx := context.Background()

	a, _, err := canon.Canonicalize(ctx, 1, "What is this about?")
	if err != nil {
		t.Fatal(err)
	}
	b, isNew, err := canon.Canonicalize(ctx, 2, "What is this about?")
	if err != nil {
		t.Fatal(err)
	}
	if !isNew {
		t.Error("same question on another lesson must be a new representative")
	}
	if a.ID == b.ID {
		t.Error("canonical questions leaked across lessons")
	}
}

func TestCanonicalizeTieBreaksOnHitCount(t *testing.T) {
	db := newTestDB(t)

	// Two pre-existing representatives with identical embeddings but
	// different popularity.
	low := model.CanonicalQuestion{LessonID: 1, CanonicalText: "rarely asked", Embedding: model.Vector{1, 0, 0}, HitCount: 1}
	high := model.CanonicalQuestion{LessonID: 1, CanonicalText: "often asked", Embedding: model.Vector{1, 0, 0}, HitCount: 10}
	if err := db.Create(&low).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Create(&high).Error; err != nil {
		t.Fatal(err)
	}

	embedder := &fakeEmbedder{vectors: map[string][]float64{
		"a brand new phrasing": {1, 0, 0},
	}}
	canon := NewCanonicalizer(db, embedder, nil, 0.90)

	match, isNew, err := canon.Canonicalize(context.Background(), 1, "A brand new phrasing")
	if err != nil {
		t.Fatal(err)
	}
	if isNew {
		t.Fatal("tied match should not create a new representative")
	}
	if match.ID != high.ID {
		t.Errorf("tie should prefer the more popular representative, got id %d", match.ID)
	}
}

func TestCanonicalizeEmptyQuestion(t *testing.T) {
	db := newTestDB(t)
	canon := NewCanonicalizer(db, &fakeEmbedder{}, nil, 0.90)

	for _, q := range []string{"", "   ", "\n\t"} {
		if _, _, err := canon.Canonicalize(context.Background(), 1, q); !errors.Is(err, ErrEmptyQuestion) {
			t.Errorf("question %q: expected ErrEmptyQuestion, got %v", q, err)
		}
	}
}

func TestCanonicalizeEmbedderDown(t *testing.T) {
	db := newTestDB(t)
	embedder := &fakeEmbedder{failure: inference.ErrEmbeddingUnavailable}
	canon := NewCanonicalizer(db, embedder, nil, 0.90)

	_, _, err := canon.Canonicalize(context.Background(), 1, "Anything new")
	if !errors.Is(err, inference.ErrEmbeddingUnavailable) {
		t.Errorf("expected ErrEmbeddingUnavailable, got %v", err)
	}
}

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		a, b []float64
		want float64
	}{
		{[]float64{1, 0}, []float64{1, 0}, 1},
		{[]float64{1, 0}, []float64{0, 1}, 0},
		{[]float64{1, 0}, []float64{-1, 0}, -1},
		{[]float64{1, 0}, []float64{1, 0, 0}, 0}, // dimension mismatch
		{nil, nil, 0},
	}
	for _, c := range cases {
		got := cosineSimilarity(c.a, c.b)
		if diff := got - c.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("cosineSimilarity(%v, %v) = %f, want %f", c.a, c.b, got, c.want)
		}
	}
}

func TestTopQuestions(t *testing.T) {
	db := newTestDB(t)
	canon := NewCanonicalizer(db, &fakeEmbedder{}, nil, 0.90)

	rows := []model.CanonicalQuestion{
		{LessonID: 1, CanonicalText: "q1", HitCount: 3},
		{LessonID: 1, CanonicalText: "q2", HitCount: 7},
		{LessonID: 1, CanonicalText: "q3", HitCount: 5},
		{LessonID: 2, CanonicalText: "other lesson", HitCount: 100},
	}
	for i := range rows {
		if err := db.Create(&rows[i]).Error; err != nil {
			t.Fatal(err)
		}
	}

	top, err := canon.TopQuestions(1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 {
		t.Fatalf("expected 2 results, got %d", len(top))
	}
	if top[0].CanonicalText != "q2" || top[1].CanonicalText != "q3" {
		t.Errorf("wrong order: %q then %q", top[0].CanonicalText, top[1].CanonicalText)
	}
}
