package rating

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsat-prep/assessment/internal/models"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestVWinAtZero(t *testing.T) {
	// phi(0)/Phi(0) = sqrt(2/pi)
	got := vWin(0)
	if math.Abs(got-math.Sqrt(2/math.Pi)) > 1e-9 {
		t.Errorf("vWin(0) = %f, want %f", got, math.Sqrt(2/math.Pi))
	}
	gotW := wWin(0)
	if math.Abs(gotW-2/math.Pi) > 1e-9 {
		t.Errorf("wWin(0) = %f, want %f", gotW, 2/math.Pi)
	}
}

func TestVWinExtremeTail(t *testing.T) {
	got := vWin(-50)
	if math.IsNaN(got) || math.IsInf(got, 0) {
		t.Fatalf("vWin(-50) = %f, want finite", got)
	}
	if w := wWin(-50); w <= 0 || w >= 1 {
		t.Errorf("wWin(-50) = %f, want in (0,1)", w)
	}
}

func TestCorrectAnswerEvenMatch(t *testing.T) {
	p := DefaultParams()
	learner := models.Rating{Mu: 15, Sigma: 10}
	question := models.Rating{Mu: 15, Sigma: 10}

	res := p.Update(learner, Outcome{UserID: 1, QuestionID: 7, IsCorrect: true, Question: &question},
		SessionContext{Attempts: 1, Correct: 1}, testNow)

	assert.Greater(t, res.Learner.Mu, learner.Mu)
	assert.Less(t, res.Learner.Sigma, learner.Sigma)
	assert.Less(t, res.Question.Mu, question.Mu)
	assert.GreaterOrEqual(t, res.Learner.Mu, p.MuMin)
	assert.GreaterOrEqual(t, res.Learner.Sigma, p.SigmaMin)
	assert.GreaterOrEqual(t, res.Question.Mu, p.MuMin)
	assert.GreaterOrEqual(t, res.Question.Sigma, p.SigmaMin)

	assert.Equal(t, learner, res.Entry.LearnerBefore)
	assert.Equal(t, res.Learner, res.Entry.LearnerAfter)
	assert.Equal(t, question, res.Entry.QuestionBefore)
	assert.Equal(t, res.Question, res.Entry.QuestionAfter)
	assert.Equal(t, int64(7), res.Entry.QuestionID)
	assert.True(t, res.Entry.IsCorrect)
}

func TestIncorrectAnswerMovesMeansApart(t *testing.T) {
	p := DefaultParams()
	learner := models.Rating{Mu: 15, Sigma: 10}
	question := models.Rating{Mu: 15, Sigma: 10}

	res := p.Update(learner, Outcome{IsCorrect: false, Question: &question}, SessionContext{Attempts: 1}, testNow)

	assert.Less(t, res.Learner.Mu, learner.Mu)
	assert.Greater(t, res.Question.Mu, question.Mu)
}

func TestMissingQuestionRatingUsesDefault(t *testing.T) {
	p := DefaultParams()
	res := p.Update(models.Rating{Mu: 20, Sigma: 5}, Outcome{QuestionID: 3, IsCorrect: true},
		SessionContext{Attempts: 1, Correct: 1}, testNow)

	assert.Equal(t, models.Rating{Mu: 15, Sigma: 10}, res.Entry.QuestionBefore)
}

func TestClampsHoldUnderRandomSequences(t *testing.T) {
	p := DefaultParams()
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		learner := models.Rating{Mu: rng.Float64() * 40, Sigma: rng.Float64() * 12}
		ctx := SessionContext{}
		for i := 0; i < 40; i++ {
			q := models.Rating{Mu: rng.Float64() * 40, Sigma: rng.Float64() * 12}
			correct := rng.Intn(2) == 0
			ctx = ctx.next(correct)
			res := p.Update(learner, Outcome{IsCorrect: correct, Question: &q}, ctx, testNow)
			require.GreaterOrEqual(t, res.Learner.Mu, p.MuMin)
			require.GreaterOrEqual(t, res.Learner.Sigma, p.SigmaMin)
			require.GreaterOrEqual(t, res.Question.Mu, p.MuMin)
			require.GreaterOrEqual(t, res.Question.Sigma, p.SigmaMin)
			learner = res.Learner
		}
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	p := DefaultParams()
	outcomes := []Outcome{
		{QuestionID: 1, IsCorrect: true, Question: &models.Rating{Mu: 12, Sigma: 6}},
		{QuestionID: 2, IsCorrect: false, Question: &models.Rating{Mu: 18, Sigma: 4}},
		{QuestionID: 3, IsCorrect: true, Question: &models.Rating{Mu: 22, Sigma: 8}},
		{QuestionID: 4, IsCorrect: true},
		{QuestionID: 5, IsCorrect: false, Question: &models.Rating{Mu: 9, Sigma: 3}},
		{QuestionID: 6, IsCorrect: true, Question: &models.Rating{Mu: 14, Sigma: 5}},
	}
	start := models.Rating{Mu: 15, Sigma: 10}

	first := p.UpdateBatch(start, outcomes, SessionContext{}, testNow)
	second := p.UpdateBatch(start, outcomes, SessionContext{}, testNow)

	assert.Equal(t, first, second)
}

func TestTargetAccuracy(t *testing.T) {
	tests := []struct {
		mu   float64
		want float64
	}{
		{3, 0.9},
		{10, 0.9},
		{10.5, 0.8},
		{20, 0.8},
		{20.01, 0.5},
		{40, 0.5},
	}
	for _, tt := range tests {
		if got := TargetAccuracy(tt.mu); got != tt.want {
			t.Errorf("TargetAccuracy(%v) = %v, want %v", tt.mu, got, tt.want)
		}
	}
}

func TestSigmaCorrectionWidensOnUnderPerformance(t *testing.T) {
	p := DefaultParams()
	learner := models.Rating{Mu: 15, Sigma: 10}
	q := models.Rating{Mu: 15, Sigma: 10}

	// 1 of 5 correct against a target of 0.8: delta = -0.6.
	ctx := SessionContext{Attempts: 5, Correct: 1}
	withCorrection := p.Update(learner, Outcome{IsCorrect: false, Question: &q}, ctx, testNow)

	noHistory := p
	noHistory.MinHistory = 100
	without := noHistory.Update(learner, Outcome{IsCorrect: false, Question: &q}, ctx, testNow)

	want := 0.6 * math.Sqrt(0.2*0.8) * 5
	assert.InDelta(t, want, withCorrection.Learner.Sigma-without.Learner.Sigma, 1e-9)
	assert.Equal(t, without.Question, withCorrection.Question)
}

func TestSigmaCorrectionNarrowsSlowlyOnOverPerformance(t *testing.T) {
	p := DefaultParams()
	// Target for mu 25 is 0.5; 4 of 5 correct gives delta = +0.3.
	got := p.correctSigma(models.Rating{Mu: 15, Sigma: 8}, 25, SessionContext{Attempts: 5, Correct: 4})
	want := 8 - 0.3*math.Sqrt(0.8*0.2)*0.01
	assert.InDelta(t, want, got.Sigma, 1e-12)
}

func TestSigmaCorrectionSkippedBelowMinHistory(t *testing.T) {
	p := DefaultParams()
	r := models.Rating{Mu: 15, Sigma: 8}
	assert.Equal(t, r, p.correctSigma(r, 15, SessionContext{Attempts: 4, Correct: 0}))
}

func TestUpdateBatchChainsLearnerOnly(t *testing.T) {
	p := DefaultParams()
	q1 := models.Rating{Mu: 14, Sigma: 7}
	q2 := models.Rating{Mu: 16, Sigma: 7}
	start := models.Rating{Mu: 15, Sigma: 10}

	res := p.UpdateBatch(start, []Outcome{
		{QuestionID: 1, IsCorrect: true, Question: &q1},
		{QuestionID: 2, IsCorrect: true, Question: &q2},
	}, SessionContext{}, testNow)

	require.Len(t, res.Results, 2)
	assert.Equal(t, start, res.Results[0].Entry.LearnerBefore)
	assert.Equal(t, res.Results[0].Learner, res.Results[1].Entry.LearnerBefore)
	assert.Equal(t, res.Results[1].Learner, res.Learner)

	// q2 is rated against the chained learner, with its own stored rating.
	assert.Equal(t, q2, res.Results[1].Entry.QuestionBefore)
	single := p.Update(res.Results[0].Learner, Outcome{QuestionID: 2, IsCorrect: true, Question: &q2},
		SessionContext{Attempts: 2, Correct: 2}, testNow)
	assert.Equal(t, single.Question, res.Results[1].Question)
}

func TestUpdateBatchRepeatedQuestionContinues(t *testing.T) {
	p := DefaultParams()
	q := models.Rating{Mu: 15, Sigma: 10}
	res := p.UpdateBatch(models.Rating{Mu: 15, Sigma: 10}, []Outcome{
		{QuestionID: 9, IsCorrect: true, Question: &q},
		{QuestionID: 9, IsCorrect: true, Question: &q},
	}, SessionContext{}, testNow)

	assert.Equal(t, res.Results[0].Question, res.Results[1].Entry.QuestionBefore)
}

func TestDecay(t *testing.T) {
	p := DefaultParams()

	assert.Equal(t, p.DefaultLearner, p.Decay(nil, testNow))

	prior := &models.LearnerRating{Mu: 18, Sigma: 4, LastPlayedAt: testNow.Add(-23 * time.Hour)}
	assert.Equal(t, models.Rating{Mu: 18, Sigma: 4}, p.Decay(prior, testNow), "under one day does not decay")

	prior.LastPlayedAt = testNow.Add(-49 * time.Hour)
	got := p.Decay(prior, testNow)
	want := 4 + 4*(1-math.Exp(-0.5*2))
	assert.Equal(t, 18.0, got.Mu)
	assert.InDelta(t, want, got.Sigma, 1e-12)
}

func TestDisplayRating(t *testing.T) {
	p := DefaultParams()
	tests := []struct {
		mu   float64
		want int
	}{
		{0, 500},
		{15, 2000},
		{15.004, 2000},
		{3.456, 846},
		{500, 20000},
	}
	for _, tt := range tests {
		if got := p.DisplayRating(tt.mu); got != tt.want {
			t.Errorf("DisplayRating(%v) = %d, want %d", tt.mu, got, tt.want)
		}
	}
}
