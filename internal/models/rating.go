package models

import "time"

// Rating is a Gaussian skill belief: Mu is the estimate, Sigma its spread.
type Rating struct {
	Mu    float64 `json:"mu"`
	Sigma float64 `json:"sigma"`
}

type LearnerRating struct {
	UserID       int64     `json:"user_id"`
	Mu           float64   `json:"mu"`
	Sigma        float64   `json:"sigma"`
	LastPlayedAt time.Time `json:"last_played_at"`
}

func (r LearnerRating) Rating() Rating { return Rating{Mu: r.Mu, Sigma: r.Sigma} }

type QuestionRating struct {
	QuestionID  int64   `json:"question_id"`
	Mu          float64 `json:"mu"`
	Sigma       float64 `json:"sigma"`
	XPCorrect   int     `json:"xp_correct"`
	XPIncorrect int     `json:"xp_incorrect"`
}

func (r QuestionRating) Rating() Rating { return Rating{Mu: r.Mu, Sigma: r.Sigma} }

// ChangeLogEntry is an append-only audit record of one rating update.
type ChangeLogEntry struct {
	ID             int64     `json:"id,omitempty"`
	UserID         int64     `json:"user_id"`
	QuestionID     int64     `json:"question_id"`
	SessionID      string    `json:"session_id,omitempty"`
	IsCorrect      bool      `json:"is_correct"`
	LearnerBefore  Rating    `json:"learner_before"`
	LearnerAfter   Rating    `json:"learner_after"`
	QuestionBefore Rating    `json:"question_before"`
	QuestionAfter  Rating    `json:"question_after"`
	CreatedAt      time.Time `json:"created_at"`
}

// ── API Response Types ────────────────────────────────────

type RatingResponse struct {
	Mu            float64   `json:"mu"`
	Sigma         float64   `json:"sigma"`
	DisplayRating int       `json:"display_rating"`
	LastPlayedAt  time.Time `json:"last_played_at"`
}
