package session

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/lsat-prep/assessment/internal/models"
	"github.com/lsat-prep/assessment/internal/store"
)

// close finalizes a terminal session. It updates level progress maxima, pays
// success rewards, records the attempt for ranking and drops the unanswered pool.
// timeSecs of zero means wall-clock time since start.
func (e *Engine) close(ctx context.Context, tx store.Tx, sess *models.Session, level *models.Level, timeSecs float64, now time.Time) (*models.SessionSummary, *models.AttemptRecord, error) {
	sess.EndedAt = &now
	if timeSecs <= 0 {
		timeSecs = now.Sub(sess.StartedAt).Seconds()
	}
	correct := len(sess.AnsweredCorrect)
	success := sess.Status == models.StatusCompleted && correct >= sess.RequiredCorrect

	summary := &models.SessionSummary{
		SessionID: sess.ID,
		LevelID:   sess.LevelID,
		Status:    sess.Status,
		Reason:    sess.FinishReason,
		Correct:   correct,
		Incorrect: len(sess.AnsweredIncorrect),
		Score:     sess.Score,
		MaxStreak: sess.MaxStreak,
		TimeSecs:  timeSecs,
	}

	lp, err := e.levelProgress(ctx, tx, sess.UserID, sess.LevelID)
	if err != nil {
		return nil, nil, err
	}
	lp.MaxScore = max(lp.MaxScore, sess.MaxScore)
	lp.MaxStreak = max(lp.MaxStreak, sess.MaxStreak)
	lp.MaxCorrect = max(lp.MaxCorrect, correct)
	lp.ProgressPct = progressPct(lp.MaxCorrect, level.RequiredCorrect)
	lp.LastAttemptAt = now
	if success {
		lp.Completed = true
		if lp.BestTimeSecs == nil || timeSecs < *lp.BestTimeSecs {
			best := timeSecs
			lp.BestTimeSecs = &best
		}
	}
	if err := tx.SaveLevelProgress(ctx, lp); err != nil {
		return nil, nil, storeErr(err, "save level progress")
	}
	summary.ProgressPct = lp.ProgressPct

	if success {
		health, err := tx.AddHealth(ctx, sess.UserID, 1, e.cfg.HealthMax)
		if err != nil {
			return nil, nil, storeErr(err, "restore health")
		}
		summary.Health = health

		coins := correct * e.cfg.CoinsPerCorrect
		if err := tx.AddCoins(ctx, sess.UserID, coins); err != nil {
			return nil, nil, storeErr(err, "add coins")
		}
		summary.CoinsEarned = coins

		next, err := e.unlockNext(ctx, tx, sess.UserID, level, now)
		if err != nil {
			return nil, nil, err
		}
		summary.NextLevelID = next
	} else {
		progress, err := tx.GetOrCreateProgress(ctx, sess.UserID, e.cfg.HealthMax)
		if err != nil {
			return nil, nil, storeErr(err, "get progress")
		}
		summary.Health = progress.Health
	}

	learner, err := tx.GetLearnerRating(ctx, sess.UserID)
	switch {
	case err == nil:
		summary.DisplayRating = e.params.DisplayRating(learner.Mu)
	case errors.Is(err, store.ErrNotFound):
		summary.DisplayRating = e.params.DisplayRating(e.params.DefaultLearner.Mu)
	default:
		return nil, nil, storeErr(err, "get learner rating")
	}

	var attempt *models.AttemptRecord
	if sess.Status == models.StatusCompleted {
		attempt = &models.AttemptRecord{
			SessionID:   sess.ID,
			UserID:      sess.UserID,
			LevelID:     sess.LevelID,
			Correct:     correct,
			Score:       sess.Score,
			TimeSecs:    timeSecs,
			CompletedAt: now,
		}
		if err := tx.InsertAttempt(ctx, attempt); err != nil {
			return nil, nil, storeErr(err, "insert attempt")
		}
	}

	// The terminal record stays until the next start on the level replaces it.
	sess.Pool = sess.Pool[:min(sess.Cursor, len(sess.Pool))]
	if err := tx.SaveSession(ctx, sess); err != nil {
		return nil, nil, storeErr(err, "save closed session")
	}

	e.log.Info("session closed",
		"session_id", sess.ID,
		"user_id", sess.UserID,
		"status", sess.Status,
		"reason", sess.FinishReason,
		"correct", correct,
		"score", sess.Score,
	)
	return summary, attempt, nil
}

func (e *Engine) levelProgress(ctx context.Context, tx store.Tx, userID, levelID int64) (*models.LevelProgress, error) {
	lp, err := tx.GetLevelProgress(ctx, userID, levelID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.LevelProgress{UserID: userID, LevelID: levelID, Unlocked: true}, nil
	}
	if err != nil {
		return nil, storeErr(err, "get level progress")
	}
	return lp, nil
}

// unlockNext marks the next level of the chapter unlocked and returns its id,
// or nil when the level is the chapter's last.
func (e *Engine) unlockNext(ctx context.Context, tx store.Tx, userID int64, level *models.Level, now time.Time) (*int64, error) {
	next, err := tx.NextLevel(ctx, level.ChapterID, level.Order)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err, "get next level")
	}

	lp, err := e.levelProgress(ctx, tx, userID, next.ID)
	if err != nil {
		return nil, err
	}
	if !lp.Unlocked {
		lp.Unlocked = true
		lp.LastAttemptAt = now
		if err := tx.SaveLevelProgress(ctx, lp); err != nil {
			return nil, storeErr(err, "unlock level %d", next.ID)
		}
	}
	id := next.ID
	return &id, nil
}

func progressPct(correct, required int) float64 {
	if required <= 0 {
		return 100
	}
	return math.Min(100, float64(correct)/float64(required)*100)
}

// attachRanking adds the ranking summary for a recorded attempt. Ranking is
// read after commit; a failure leaves the summary without it.
func (e *Engine) attachRanking(ctx context.Context, level *models.Level, summary *models.SessionSummary, attempt *models.AttemptRecord) {
	if summary == nil || attempt == nil || level == nil {
		return
	}
	rs, err := e.ranking.Summarize(ctx, *level, *attempt)
	if err != nil {
		e.log.Warn("ranking unavailable", "session_id", attempt.SessionID, "error", err)
		return
	}
	summary.Ranking = rs
}
