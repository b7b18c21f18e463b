package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsat-prep/assessment/internal/allocator"
	"github.com/lsat-prep/assessment/internal/apperr"
	"github.com/lsat-prep/assessment/internal/config"
	"github.com/lsat-prep/assessment/internal/models"
	"github.com/lsat-prep/assessment/internal/realtime"
	"github.com/lsat-prep/assessment/internal/store"
)

var ctx = context.Background()

const userID int64 = 1

// recorder captures published events.
type recorder struct {
	mu     sync.Mutex
	events []realtime.Message
}

func (r *recorder) Publish(_ context.Context, msg realtime.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, msg)
	return nil
}

func (r *recorder) types() []realtime.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]realtime.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Event
	}
	return out
}

func (r *recorder) last() realtime.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return realtime.Message{}
	}
	return r.events[len(r.events)-1]
}

type fixture struct {
	store  *store.Memory
	engine *Engine
	events *recorder
}

// newFixture seeds one chapter with two ordered levels and ten questions
// whose correct answer is option 0.
func newFixture(t *testing.T, mutate func(cfg *config.EngineConfig, l *models.Level)) *fixture {
	t.Helper()
	m := store.NewMemory()
	cfg := config.DefaultEngine()
	level := models.Level{
		ID: 1, ChapterID: 1, UnitID: 1, Order: 1, Name: "Basics",
		AttemptType: models.AttemptTimeRush, Policy: models.PolicyQuota,
		RequiredCorrect: 3, TotalQuestions: 5, TimeLimitSecs: 60,
	}
	if mutate != nil {
		mutate(&cfg, &level)
	}
	require.NoError(t, m.UpsertLevel(ctx, &level))
	require.NoError(t, m.UpsertLevel(ctx, &models.Level{
		ID: 2, ChapterID: 1, UnitID: 1, Order: 2, Name: "Next",
		AttemptType: models.AttemptTimeRush, RequiredCorrect: 3, TotalQuestions: 5,
	}))
	for i := 1; i <= 10; i++ {
		require.NoError(t, m.UpsertQuestion(ctx, &models.Question{
			ID: int64(i), ChapterID: 1, UnitID: 1,
			Topics:         []string{"logic", "sets"},
			Prompt:         "Which option?",
			Options:        []string{"a", "b", "c"},
			CorrectIndices: []int{0},
		}))
	}

	events := &recorder{}
	eng := NewEngine(m, cfg, events, nil, WithShuffler(allocator.NewSeededShuffler(7)))
	return &fixture{store: m, engine: eng, events: events}
}

func right() models.AnswerRequest { return models.AnswerRequest{Answer: intPtr(0)} }
func wrong() models.AnswerRequest { return models.AnswerRequest{Answer: intPtr(1)} }

func TestStartSession(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.engine.Start(ctx, userID, 1)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, models.StatusInProgress, resp.Status)
	assert.Equal(t, 3, resp.Hearts)
	assert.Equal(t, 5, resp.Health)
	assert.Len(t, resp.Questions, 5)
	assert.Equal(t, models.Rating{Mu: 15, Sigma: 10}, resp.Rating)

	sess, err := f.engine.Get(ctx, userID, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sess.SectionID)
	assert.Equal(t, 3, sess.RequiredCorrect)
	assert.Equal(t, []realtime.EventType{realtime.EventQuestions}, f.events.types())
}

func TestStartWithoutHealth(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.GetOrCreateProgress(ctx, userID, 6)
	require.NoError(t, err)
	_, err = f.store.AddHealth(ctx, userID, -6, 6)
	require.NoError(t, err)

	_, err = f.engine.Start(ctx, userID, 1)
	assert.True(t, apperr.Is(err, apperr.InsufficientResource), "err = %v", err)

	// Nothing was written.
	_, err = f.store.GetLearnerRating(ctx, userID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentStartsSpendHealthOnce(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.store.GetOrCreateProgress(ctx, userID, 6)
	require.NoError(t, err)
	_, err = f.store.AddHealth(ctx, userID, -5, 6)
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Start(ctx, userID, int64(i+1))
		}(i)
	}
	wg.Wait()

	var started, refused int
	for _, err := range errs {
		switch {
		case err == nil:
			started++
		case apperr.Is(err, apperr.InsufficientResource):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, refused)

	progress, err := f.store.GetOrCreateProgress(ctx, userID, 6)
	require.NoError(t, err)
	assert.Zero(t, progress.Health)
}

func TestStartUnknownLevel(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.Start(ctx, userID, 99)
	assert.True(t, apperr.Is(err, apperr.NotFound), "err = %v", err)
}

func TestStartSupersedesOngoingSession(t *testing.T) {
	f := newFixture(t, nil)
	first, err := f.engine.Start(ctx, userID, 1)
	require.NoError(t, err)
	second, err := f.engine.Start(ctx, userID, 1)
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Empty(t, first.Superseded)
	assert.Equal(t, first.SessionID, second.Superseded)

	_, err = f.engine.Get(ctx, userID, first.SessionID)
	assert.True(t, apperr.Is(err, apperr.NotFound))
	_, err = f.engine.Get(ctx, userID, second.SessionID)
	assert.NoError(t, err)
}

func TestHeartsDepletedAfterThirdWrongAnswer(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := f.engine.Start(ctx, userID, 1)
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		res, summary, err := f.engine.Answer(ctx, userID, resp.SessionID, wrong())
		require.NoError(t, err)
		assert.Nil(t, summary)
		assert.Equal(t, models.StatusInProgress, res.Status)
		assert.Equal(t, 3-i, res.Hearts)
		assert.NotNil(t, res.NextQuestion)
	}

	res, summary, err := f.engine.Answer(ctx, userID, resp.SessionID, wrong())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Hearts)
	assert.Equal(t, models.StatusFailed, res.Status)
	require.NotNil(t, summary)
	assert.Equal(t, models.ReasonHeartsDepleted, summary.Reason)
	assert.Nil(t, summary.Ranking, "failed sessions are not ranked")
	assert.Equal(t, 5, summary.Health, "no health restored on failure")

	best, err := f.store.BestAttempts(ctx, 1, true)
	require.NoError(t, err)
	assert.Empty(t, best)

	_, _, err = f.engine.Answer(ctx, userID, resp.SessionID, wrong())
	assert.True(t, apperr.Is(err, apperr.InvalidState), "err = %v", err)
	ev := f.events.last()
	assert.Equal(t, realtime.EventError, ev.Event)
	assert.Equal(t, resp.SessionID, ev.SessionID)
	assert.Equal(t, models.ErrorResponse{Error: "session " + resp.SessionID + " is failed", Kind: "InvalidState"}, ev.Data)

	closed, err := f.engine.Get(ctx, userID, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, closed.Status)
	assert.Equal(t, models.ReasonHeartsDepleted, closed.FinishReason)
	_, ok := closed.CurrentQuestion()
	assert.False(t, ok, "unanswered questions are dropped on close")
	assert.Equal(t, 3, closed.Attempts())

	again, err := f.engine.Start(ctx, userID, 1)
	require.NoError(t, err)
	assert.Empty(t, again.Superseded, "a closed session is replaced silently")
	_, err = f.engine.Get(ctx, userID, resp.SessionID)
	assert.True(t, apperr.Is(err, apperr.NotFound), "err = %v", err)
}

func TestCompletionRewardsAndUnlocks(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := f.engine.Start(ctx, userID, 1)
	require.NoError(t, err)

	var summary *models.SessionSummary
	for i := 0; i < 3; i++ {
		var res *models.AnswerResult
		res, summary, err = f.engine.Answer(ctx, userID, resp.SessionID, right())
		require.NoError(t, err)
		assert.True(t, res.Correct)
		assert.Greater(t, res.Rating.Mu, 15.0)
	}
	require.NotNil(t, summary)
	assert.Equal(t, models.StatusCompleted, summary.Status)
	assert.Equal(t, models.ReasonThresholdReached, summary.Reason)
	assert.Equal(t, 3, summary.Correct)
	assert.Equal(t, 3*10+3, summary.Score)
	assert.Equal(t, 30, summary.CoinsEarned)
	assert.Equal(t, 6, summary.Health)
	assert.Equal(t, 100.0, summary.ProgressPct)
	require.NotNil(t, summary.NextLevelID)
	assert.Equal(t, int64(2), *summary.NextLevelID)
	assert.Greater(t, summary.DisplayRating, 2000)

	require.NotNil(t, summary.Ranking)
	assert.Equal(t, 1, summary.Ranking.Rank)
	assert.Equal(t, 100, summary.Ranking.Percentile)
	assert.Len(t, summary.Ranking.Leaderboard, 1)

	next, err := f.store.GetLevelProgress(ctx, userID, 2)
	require.NoError(t, err)
	assert.True(t, next.Unlocked)

	lp, err := f.store.GetLevelProgress(ctx, userID, 1)
	require.NoError(t, err)
	assert.True(t, lp.Completed)
	assert.Equal(t, 3, lp.MaxCorrect)
	assert.Equal(t, 3, lp.MaxStreak)
	require.NotNil(t, lp.BestTimeSecs)

	hist, err := f.store.GetQuestionHistory(ctx, userID, 1)
	require.NoError(t, err)
	assert.Len(t, hist.Correct, 3)
	assert.Empty(t, hist.Wrong)

	assert.Len(t, f.store.ChangeLog(), 3)
	types := f.events.types()
	assert.Equal(t, realtime.EventSessionFinished, types[len(types)-1])
}

func TestUnreachableThresholdEndsEarly(t *testing.T) {
	f := newFixture(t, func(cfg *config.EngineConfig, l *models.Level) {
		cfg.Hearts = 5
		l.RequiredCorrect = 4
	})
	resp, err := f.engine.Start(ctx, userID, 1)
	require.NoError(t, err)

	res, _, err := f.engine.Answer(ctx, userID, resp.SessionID, wrong())
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, res.Status)

	res, summary, err := f.engine.Answer(ctx, userID, resp.SessionID, wrong())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, res.Status)
	require.NotNil(t, summary)
	assert.Equal(t, models.ReasonUnreachable, summary.Reason)
}

func TestAnswerRejectsWrongQuestionAndUser(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := f.engine.Start(ctx, userID, 1)
	require.NoError(t, err)
	sess, err := f.engine.Get(ctx, userID, resp.SessionID)
	require.NoError(t, err)

	other := sess.Pool[1]
	_, _, err = f.engine.Answer(ctx, userID, resp.SessionID, models.AnswerRequest{QuestionID: other, Answer: intPtr(0)})
	assert.True(t, apperr.Is(err, apperr.InvalidState), "err = %v", err)

	_, _, err = f.engine.Answer(ctx, 2, resp.SessionID, right())
	assert.True(t, apperr.Is(err, apperr.NotFound), "err = %v", err)

	_, _, err = f.engine.Answer(ctx, userID, resp.SessionID, models.AnswerRequest{Answer: intPtr(-3)})
	assert.True(t, apperr.Is(err, apperr.ValidationError), "err = %v", err)

	// Questions have three options.
	_, _, err = f.engine.Answer(ctx, userID, resp.SessionID, models.AnswerRequest{Answer: intPtr(99)})
	assert.True(t, apperr.Is(err, apperr.ValidationError), "err = %v", err)
	_, _, err = f.engine.Answer(ctx, userID, resp.SessionID, models.AnswerRequest{Answers: []int{0, 3}})
	assert.True(t, apperr.Is(err, apperr.ValidationError), "err = %v", err)
	_, _, err = f.engine.Submit(ctx, userID, resp.SessionID, models.SubmitRequest{
		Answers: []models.AnswerRequest{right(), {Answer: intPtr(3)}},
	})
	assert.True(t, apperr.Is(err, apperr.ValidationError), "err = %v", err)

	// None of the rejected calls moved the session.
	after, err := f.engine.Get(ctx, userID, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, after.Cursor)
	assert.Equal(t, 3, after.Hearts)
	assert.Zero(t, after.Streak)
	assert.Empty(t, f.store.ChangeLog())
}

func TestSubmitBatch(t *testing.T) {
	f := newFixture(t, func(cfg *config.EngineConfig, l *models.Level) {
		l.Policy = models.PolicySkillWindow
		l.RequiredCorrect = 2
	})
	resp, err := f.engine.Start(ctx, userID, 1)
	require.NoError(t, err)
	require.Len(t, resp.Questions, 3, "skill rounds are three questions")

	results, summary, err := f.engine.Submit(ctx, userID, resp.SessionID, models.SubmitRequest{
		Answers: []models.AnswerRequest{wrong(), right(), right(), right()},
	})
	require.NoError(t, err)
	require.Len(t, results, 3, "answers after the close are ignored")
	assert.False(t, results[0].Correct)
	assert.True(t, results[2].Correct)
	require.NotNil(t, summary)
	assert.Equal(t, models.StatusCompleted, summary.Status)

	log := f.store.ChangeLog()
	require.Len(t, log, 3)
	// The learner is chained through the batch.
	assert.Equal(t, log[0].LearnerAfter, log[1].LearnerBefore)
	assert.Equal(t, log[1].LearnerAfter, log[2].LearnerBefore)

	recs, err := f.store.GetTopicPerformance(ctx, []models.TopicKey{{UserID: userID, SectionID: 1, TopicID: "logic"}})
	require.NoError(t, err)
	rec := recs[models.TopicKey{UserID: userID, SectionID: 1, TopicID: "logic"}]
	require.NotNil(t, rec)
	assert.Len(t, rec.Window, 3)
	assert.Len(t, rec.History, 1, "one snapshot per batch")

	_, _, err = f.engine.Submit(ctx, userID, "missing", models.SubmitRequest{})
	assert.True(t, apperr.Is(err, apperr.ValidationError))
}

func TestEndSession(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.engine.Start(ctx, userID, 1)
	require.NoError(t, err)
	_, _, err = f.engine.Answer(ctx, userID, resp.SessionID, right())
	require.NoError(t, err)
	summary, err := f.engine.End(ctx, userID, resp.SessionID, models.EndRequest{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAbandoned, summary.Status)
	assert.Nil(t, summary.Ranking)

	lp, err := f.store.GetLevelProgress(ctx, userID, 1)
	require.NoError(t, err)
	assert.False(t, lp.Completed)
	assert.InDelta(t, 33.33, lp.ProgressPct, 0.01)

	resp, err = f.engine.Start(ctx, userID, 1)
	require.NoError(t, err)
	summary, err = f.engine.End(ctx, userID, resp.SessionID, models.EndRequest{Reason: models.ReasonTimeUp, TimeSecs: 42})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, summary.Status)
	assert.Equal(t, 42.0, summary.TimeSecs)
	assert.Zero(t, summary.CoinsEarned, "below threshold earns nothing")
	require.NotNil(t, summary.Ranking)

	_, err = f.engine.End(ctx, userID, resp.SessionID, models.EndRequest{})
	assert.True(t, apperr.Is(err, apperr.InvalidState), "err = %v", err)

	_, err = f.engine.End(ctx, userID, "x", models.EndRequest{Reason: "bored"})
	assert.True(t, apperr.Is(err, apperr.ValidationError))
}

func TestConcurrentAnswersAppliedOnce(t *testing.T) {
	f := newFixture(t, func(cfg *config.EngineConfig, l *models.Level) {
		l.RequiredCorrect = 5
	})
	resp, err := f.engine.Start(ctx, userID, 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = f.engine.Answer(ctx, userID, resp.SessionID, right())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	sess, err := f.engine.Get(ctx, userID, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Cursor)
	assert.Len(t, sess.AnsweredCorrect, 2)
	assert.NotEqual(t, sess.AnsweredCorrect[0], sess.AnsweredCorrect[1])
	assert.Len(t, f.store.ChangeLog(), 2)
	assert.Zero(t, f.engine.locks.size())
}

func TestRatingView(t *testing.T) {
	f := newFixture(t, nil)
	r, err := f.engine.Rating(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 2000, r.DisplayRating)

	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.UpsertLearnerRating(ctx, &models.LearnerRating{UserID: userID, Mu: 20, Sigma: 4, LastPlayedAt: now}))
	r, err = f.engine.Rating(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 2500, r.DisplayRating)
	assert.Equal(t, now, r.LastPlayedAt)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("s")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Zero(t, k.size())
}
