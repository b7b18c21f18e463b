package session

import (
	"github.com/lsat-prep/assessment/internal/models"
)

// Streak milestones award their own value as bonus XP. Passing the last one
// restarts the streak.
var streakMilestones = map[int]bool{3: true, 6: true, 9: true}

const lastMilestone = 9

// outcome is one graded answer as seen by the state machine.
type outcome struct {
	QuestionID  int64
	Correct     bool
	XPCorrect   int
	XPIncorrect int
	// Fast is set when the answer beat the level's per-question time budget.
	Fast bool
}

type step struct {
	XP          int
	StreakBonus int
	SpeedBonus  int
}

// applyAnswer returns the session after one graded answer. The input session
// is not modified.
func applyAnswer(s models.Session, o outcome) (models.Session, step) {
	s.AnsweredCorrect = append([]int64(nil), s.AnsweredCorrect...)
	s.AnsweredIncorrect = append([]int64(nil), s.AnsweredIncorrect...)

	var st step
	if o.Correct {
		s.AnsweredCorrect = append(s.AnsweredCorrect, o.QuestionID)
		s.Streak++
		st.XP = o.XPCorrect
		if o.Fast {
			st.SpeedBonus = o.XPCorrect / 2
		}
		if streakMilestones[s.Streak] {
			st.StreakBonus = s.Streak
		}
		s.Score += st.XP + st.SpeedBonus + st.StreakBonus
		s.MaxStreak = max(s.MaxStreak, s.Streak)
		if s.Streak > lastMilestone {
			s.Streak = 0
		}
	} else {
		s.AnsweredIncorrect = append(s.AnsweredIncorrect, o.QuestionID)
		s.Streak = 0
		s.Hearts = max(s.Hearts-1, 0)
		s.Score = max(s.Score-o.XPIncorrect, 0)
	}
	s.MaxScore = max(s.MaxScore, s.Score)
	s.Cursor++

	s.Status, s.FinishReason = nextStatus(s)
	return s, st
}

// nextStatus decides whether the session ends after an answer. The first
// matching rule wins.
func nextStatus(s models.Session) (models.SessionStatus, models.FinishReason) {
	correct := len(s.AnsweredCorrect)
	switch {
	case s.Hearts <= 0:
		return models.StatusFailed, models.ReasonHeartsDepleted
	case correct >= s.RequiredCorrect:
		return models.StatusCompleted, models.ReasonThresholdReached
	case s.Remaining() == 0:
		return models.StatusFailed, models.ReasonPoolExhausted
	case correct+s.Remaining() < s.RequiredCorrect:
		return models.StatusFailed, models.ReasonUnreachable
	default:
		return models.StatusInProgress, ""
	}
}
