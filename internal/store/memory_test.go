package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsat-prep/assessment/internal/allocator"
	"github.com/lsat-prep/assessment/internal/models"
)

var ctx = context.Background()

func TestRecordHistoryMovesBetweenLists(t *testing.T) {
	m := NewMemory()
	at := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.RecordHistory(ctx, 1, 2, 10, false, at))
	require.NoError(t, m.RecordHistory(ctx, 1, 2, 11, false, at))
	require.NoError(t, m.RecordHistory(ctx, 1, 2, 10, true, at.Add(time.Hour)))

	h, err := m.GetQuestionHistory(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, h.Wrong, 1)
	assert.Equal(t, int64(11), h.Wrong[0].QuestionID)
	require.Len(t, h.Correct, 1)
	assert.Equal(t, int64(10), h.Correct[0].QuestionID)

	require.NoError(t, m.RetractHistory(ctx, 1, 2, []int64{10, 11}))
	h, err = m.GetQuestionHistory(ctx, 1, 2)
	require.NoError(t, err)
	assert.Empty(t, h.Wrong)
	assert.Empty(t, h.Correct)
}

func TestSaveSessionSupersedesScope(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.SaveSession(ctx, &models.Session{ID: "a", UserID: 1, LevelID: 5}))
	require.NoError(t, m.SaveSession(ctx, &models.Session{ID: "b", UserID: 1, LevelID: 5}))
	require.NoError(t, m.SaveSession(ctx, &models.Session{ID: "c", UserID: 1, LevelID: 6}))

	_, err := m.GetSession(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	s, err := m.GetSessionForScope(ctx, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, "b", s.ID)

	_, err = m.GetSession(ctx, "c")
	assert.NoError(t, err)
}

func TestAddHealthClamps(t *testing.T) {
	m := NewMemory()
	_, err := m.AddHealth(ctx, 1, -1, 6)
	assert.ErrorIs(t, err, ErrNotFound)

	p, err := m.GetOrCreateProgress(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Health)

	h, err := m.AddHealth(ctx, 1, -1, 6)
	require.NoError(t, err)
	assert.Equal(t, 0, h)
	h, err = m.AddHealth(ctx, 1, -1, 6)
	require.NoError(t, err)
	assert.Equal(t, 0, h)
	h, err = m.AddHealth(ctx, 1, 10, 6)
	require.NoError(t, err)
	assert.Equal(t, 6, h)
}

func TestInTxRollsBack(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.UpsertLearnerRating(ctx, &models.LearnerRating{UserID: 1, Mu: 15, Sigma: 10}))

	boom := errors.New("boom")
	err := m.InTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.UpsertLearnerRating(ctx, &models.LearnerRating{UserID: 1, Mu: 30, Sigma: 3}))
		require.NoError(t, tx.SaveSession(ctx, &models.Session{ID: "x", UserID: 1, LevelID: 1, Pool: []int64{1, 2}}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	r, err := m.GetLearnerRating(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 15.0, r.Mu)
	_, err = m.GetSession(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionCopiesAreIsolated(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.SaveSession(ctx, &models.Session{ID: "s", Pool: []int64{1, 2, 3}}))
	s, err := m.GetSession(ctx, "s")
	require.NoError(t, err)
	s.Pool[0] = 99

	again, err := m.GetSession(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Pool[0])
}

func TestBestAttemptsOnePerUser(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	for _, a := range []models.AttemptRecord{
		{UserID: 1, LevelID: 3, Score: 50, TimeSecs: 40, CompletedAt: now},
		{UserID: 1, LevelID: 3, Score: 70, TimeSecs: 60, CompletedAt: now},
		{UserID: 2, LevelID: 3, Score: 60, TimeSecs: 30, CompletedAt: now},
		{UserID: 3, LevelID: 4, Score: 99, TimeSecs: 10, CompletedAt: now},
	} {
		a := a
		require.NoError(t, m.InsertAttempt(ctx, &a))
	}

	byScore, err := m.BestAttempts(ctx, 3, true)
	require.NoError(t, err)
	require.Len(t, byScore, 2)
	assert.Equal(t, int64(1), byScore[0].UserID)
	assert.Equal(t, 70, byScore[0].Score)

	byTime, err := m.BestAttempts(ctx, 3, false)
	require.NoError(t, err)
	require.Len(t, byTime, 2)
	assert.Equal(t, int64(2), byTime[0].UserID)
	assert.Equal(t, 40.0, byTime[1].TimeSecs)

	top, err := m.TopAttempts(ctx, 3, true, 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestQuestionIDsInRangeUsesRatings(t *testing.T) {
	m := NewMemory()
	for i, mu := range []float64{10, 14.5, 15.5, 22} {
		q := &models.Question{ID: int64(i + 1), ChapterID: 1, UnitID: 1}
		require.NoError(t, m.UpsertQuestion(ctx, q))
		require.NoError(t, m.UpsertQuestionRating(ctx, models.QuestionRating{QuestionID: q.ID, Mu: mu, Sigma: 5}))
	}
	ids, err := m.QuestionIDsInRange(ctx, allocator.Scope{ChapterID: 1}, 14, 16, []int64{3}, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)
}

func TestNextLevelByOrder(t *testing.T) {
	m := NewMemory()
	for _, l := range []*models.Level{
		{ID: 1, ChapterID: 1, Order: 1},
		{ID: 2, ChapterID: 1, Order: 3},
		{ID: 3, ChapterID: 1, Order: 2},
		{ID: 4, ChapterID: 2, Order: 2},
	} {
		require.NoError(t, m.UpsertLevel(ctx, l))
	}
	next, err := m.NextLevel(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), next.ID)

	_, err = m.NextLevel(ctx, 1, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}
