package allocator

import (
	"context"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsat-prep/assessment/internal/apperr"
	"github.com/lsat-prep/assessment/internal/models"
)

type fakeSource struct {
	questions []models.Question
	mu        map[int64]float64
	history   map[int64]*models.QuestionHistory // by unit
	retracted []int64
	rangeHits int
}

func newFakeSource() *fakeSource {
	return &fakeSource{mu: map[int64]float64{}, history: map[int64]*models.QuestionHistory{}}
}

func (f *fakeSource) add(id, chapter, unit int64, mu float64, topics ...string) {
	f.questions = append(f.questions, models.Question{
		ID: id, ChapterID: chapter, UnitID: unit, Topics: topics, Status: models.QuestionActive,
	})
	f.mu[id] = mu
}

func inScope(q models.Question, s Scope) bool {
	return q.IsActive() && (s.ChapterID == 0 || q.ChapterID == s.ChapterID) && (s.UnitID == 0 || q.UnitID == s.UnitID)
}

func (f *fakeSource) ActiveQuestions(_ context.Context, s Scope) ([]models.Question, error) {
	return lo.Filter(f.questions, func(q models.Question, _ int) bool { return inScope(q, s) }), nil
}

func (f *fakeSource) QuestionIDsInRange(_ context.Context, s Scope, low, hi float64, exclude []int64, limit int) ([]int64, error) {
	f.rangeHits++
	var out []int64
	for _, q := range f.questions {
		mu := f.mu[q.ID]
		if inScope(q, s) && mu >= low && mu <= hi && !lo.Contains(exclude, q.ID) && len(out) < limit {
			out = append(out, q.ID)
		}
	}
	return out, nil
}

func (f *fakeSource) RandomQuestionIDs(_ context.Context, n int, exclude []int64) ([]int64, error) {
	var out []int64
	for _, q := range f.questions {
		if q.IsActive() && !lo.Contains(exclude, q.ID) && len(out) < n {
			out = append(out, q.ID)
		}
	}
	return out, nil
}

func (f *fakeSource) GetQuestionHistory(_ context.Context, userID, unitID int64) (*models.QuestionHistory, error) {
	if h, ok := f.history[unitID]; ok {
		return h, nil
	}
	return &models.QuestionHistory{UserID: userID, UnitID: unitID}, nil
}

func (f *fakeSource) RetractHistory(_ context.Context, _, _ int64, ids []int64) error {
	f.retracted = append(f.retracted, ids...)
	return nil
}

func newTestAllocator() *Allocator {
	return New(Options{MaxWidenIterations: 20, WrongQuotaRatio: 0.3}, NewSeededShuffler(7), nil)
}

func TestSkillWindowReturnsWhatExistsOnThinCorpus(t *testing.T) {
	src := newFakeSource()
	// Four questions near mu 15, nothing else within reach of widening.
	src.add(1, 1, 1, 14.6)
	src.add(2, 1, 1, 15.2)
	src.add(3, 1, 1, 15.9)
	src.add(4, 1, 1, 16.4)
	src.add(5, 1, 1, 40)

	a := newTestAllocator()
	alloc, err := a.Allocate(context.Background(), src, Request{
		Policy: models.PolicySkillWindow, N: 10, LearnerMu: 15,
		Level: models.Level{ID: 1, ChapterID: 1},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3, 4}, alloc.QuestionIDs)
	assert.LessOrEqual(t, src.rangeHits, 4, "widening stops once an iteration finds nothing new")
}

func TestSkillWindowIterationCap(t *testing.T) {
	src := newFakeSource()
	// One new question per widening step forever outward.
	for i := int64(0); i < 200; i++ {
		src.add(i+1, 1, 1, 16+0.5*float64(i))
	}
	a := New(Options{MaxWidenIterations: 5}, NewSeededShuffler(1), nil)
	alloc, err := a.Allocate(context.Background(), src, Request{
		Policy: models.PolicySkillWindow, N: 50, LearnerMu: 15,
		Level: models.Level{ChapterID: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 6, src.rangeHits)
	assert.LessOrEqual(t, len(alloc.QuestionIDs), 50)
}

func TestSkillWindowNoDuplicatesAndExcludes(t *testing.T) {
	src := newFakeSource()
	for i := int64(1); i <= 30; i++ {
		src.add(i, 1, 1, 14+float64(i%5)*0.4)
	}
	a := newTestAllocator()
	alloc, err := a.Allocate(context.Background(), src, Request{
		Policy: models.PolicySkillWindow, N: 3, LearnerMu: 15,
		Level: models.Level{ChapterID: 1}, Exclude: []int64{1, 2, 3, 4, 5},
	})
	require.NoError(t, err)
	assert.Len(t, alloc.QuestionIDs, 3)
	assert.Equal(t, alloc.QuestionIDs, lo.Uniq(alloc.QuestionIDs))
	for _, id := range alloc.QuestionIDs {
		assert.Greater(t, id, int64(5))
	}
}

func TestQuotaSplit(t *testing.T) {
	src := newFakeSource()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	hist := &models.QuestionHistory{UserID: 9, UnitID: 2}
	id := int64(1)
	for i := 0; i < 5; i++ {
		src.add(id, 1, 2, 15)
		hist.Wrong = append(hist.Wrong, models.HistoryItem{QuestionID: id, AnsweredAt: base.Add(time.Duration(5-i) * time.Hour)})
		id++
	}
	for i := 0; i < 8; i++ {
		src.add(id, 1, 2, 15)
		hist.Correct = append(hist.Correct, models.HistoryItem{QuestionID: id, AnsweredAt: base.Add(time.Duration(i) * time.Hour)})
		id++
	}
	var fresh []int64
	for i := 0; i < 20; i++ {
		src.add(id, 1, 2, 15)
		fresh = append(fresh, id)
		id++
	}
	src.history[2] = hist

	a := newTestAllocator()
	alloc, err := a.Allocate(context.Background(), src, Request{
		Policy: models.PolicyQuota, UserID: 9, N: 10,
		Level: models.Level{ID: 4, ChapterID: 1, UnitID: 2},
	})
	require.NoError(t, err)
	require.Len(t, alloc.QuestionIDs, 10)
	assert.Equal(t, TierPrimary, alloc.Tier)

	wrongPicked := lo.Intersect(alloc.QuestionIDs, []int64{1, 2, 3, 4, 5})
	// Oldest wrong items are ids 5, 4, 3 (answered at +1h, +2h, +3h).
	assert.ElementsMatch(t, []int64{3, 4, 5}, wrongPicked)
	assert.Len(t, lo.Intersect(alloc.QuestionIDs, fresh), 7)
	assert.Empty(t, lo.Intersect(alloc.QuestionIDs, []int64{6, 7, 8, 9, 10, 11, 12, 13}))
	assert.ElementsMatch(t, []int64{3, 4, 5}, src.retracted)
}

func TestQuotaBackfillsFromOldestCorrect(t *testing.T) {
	src := newFakeSource()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	hist := &models.QuestionHistory{UnitID: 2}
	for i := int64(1); i <= 6; i++ {
		src.add(i, 1, 2, 15)
		hist.Correct = append(hist.Correct, models.HistoryItem{QuestionID: i, AnsweredAt: base.Add(time.Duration(10-i) * time.Hour)})
	}
	src.add(7, 1, 2, 15)
	src.history[2] = hist

	a := newTestAllocator()
	alloc, err := a.Allocate(context.Background(), src, Request{
		Policy: models.PolicyQuota, N: 4,
		Level: models.Level{ChapterID: 1, UnitID: 2},
	})
	require.NoError(t, err)
	// One fresh, then the three oldest correct: ids 6, 5, 4.
	assert.ElementsMatch(t, []int64{7, 6, 5, 4}, alloc.QuestionIDs)
}

func TestQuotaTopicFilterIsStrictSubset(t *testing.T) {
	src := newFakeSource()
	src.add(1, 1, 2, 15, "algebra")
	src.add(2, 1, 2, 15, "algebra", "geometry")
	src.add(3, 1, 2, 15)
	src.add(4, 1, 2, 15, "algebra", "fractions")

	a := newTestAllocator()
	alloc, err := a.Allocate(context.Background(), src, Request{
		Policy: models.PolicyQuota, N: 2,
		Level: models.Level{ChapterID: 1, UnitID: 2, AllowedTopics: []string{"algebra", "fractions"}},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 4}, alloc.QuestionIDs)
	assert.Equal(t, TierPrimary, alloc.Tier)
}

func TestQuotaFallbackTiers(t *testing.T) {
	src := newFakeSource()
	src.add(1, 1, 2, 15, "algebra")
	src.add(2, 1, 2, 15, "geometry")
	src.add(3, 1, 3, 15, "algebra")
	src.add(4, 2, 9, 15, "algebra")

	a := newTestAllocator()
	level := models.Level{ChapterID: 1, UnitID: 2, AllowedTopics: []string{"algebra"}}

	alloc, err := a.Allocate(context.Background(), src, Request{Policy: models.PolicyQuota, N: 2, Level: level})
	require.NoError(t, err)
	assert.Equal(t, TierUnitRelaxed, alloc.Tier)
	assert.ElementsMatch(t, []int64{1, 2}, alloc.QuestionIDs)

	alloc, err = a.Allocate(context.Background(), src, Request{Policy: models.PolicyQuota, N: 3, Level: level})
	require.NoError(t, err)
	assert.Equal(t, TierChapter, alloc.Tier)
	assert.ElementsMatch(t, []int64{1, 2, 3}, alloc.QuestionIDs)

	alloc, err = a.Allocate(context.Background(), src, Request{Policy: models.PolicyQuota, N: 10, Level: level})
	require.NoError(t, err)
	assert.Equal(t, TierGlobal, alloc.Tier)
	assert.ElementsMatch(t, []int64{1, 2, 3, 4}, alloc.QuestionIDs)
}

func TestEmptyCorpusIsExhausted(t *testing.T) {
	a := newTestAllocator()
	for _, policy := range []models.AllocationPolicy{models.PolicyQuota, models.PolicySkillWindow} {
		_, err := a.Allocate(context.Background(), newFakeSource(), Request{Policy: policy, N: 5, Level: models.Level{ChapterID: 1, UnitID: 1}})
		require.Error(t, err)
		assert.Equal(t, apperr.Exhausted, apperr.KindOf(err), "policy %s", policy)
	}
}

func TestInactiveHistoryIsRetracted(t *testing.T) {
	src := newFakeSource()
	src.add(1, 1, 2, 15)
	src.questions = append(src.questions, models.Question{ID: 2, ChapterID: 1, UnitID: 2, Status: models.QuestionInactive})
	src.history[2] = &models.QuestionHistory{UnitID: 2, Wrong: []models.HistoryItem{{QuestionID: 2}}}

	a := newTestAllocator()
	alloc, err := a.Allocate(context.Background(), src, Request{Policy: models.PolicyQuota, N: 1, Level: models.Level{ChapterID: 1, UnitID: 2}})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, alloc.QuestionIDs)
	assert.Contains(t, src.retracted, int64(2))
}

func TestShufflerIsPermutation(t *testing.T) {
	ids := []int64{1, 2, 3, 4, 5, 6, 7, 8}
	shuffleIDs(NewShuffler(), ids)
	assert.ElementsMatch(t, []int64{1, 2, 3, 4, 5, 6, 7, 8}, ids)
}
