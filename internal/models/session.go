package models

import "time"

type SessionStatus string

const (
	StatusNotStarted SessionStatus = "not_started"
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusFailed     SessionStatus = "failed"
	StatusAbandoned  SessionStatus = "abandoned"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAbandoned
}

type FinishReason string

const (
	ReasonHeartsDepleted   FinishReason = "hearts_depleted"
	ReasonThresholdReached FinishReason = "threshold_reached"
	ReasonPoolExhausted    FinishReason = "pool_exhausted"
	ReasonUnreachable      FinishReason = "threshold_unreachable"
	ReasonAbandoned        FinishReason = "abandoned"
	ReasonTimeUp           FinishReason = "time_up"
)

// Session is the working state of one ongoing attempt, addressed by its own
// ticket ID. Starting again on the same level replaces it with a new ticket.
type Session struct {
	ID                string           `json:"id"`
	UserID            int64            `json:"user_id"`
	LevelID           int64            `json:"level_id"`
	SectionID         int64            `json:"section_id"`
	Policy            AllocationPolicy `json:"policy"`
	Status            SessionStatus    `json:"status"`
	Hearts            int              `json:"hearts"`
	Streak            int              `json:"streak"`
	Score             int              `json:"score"`
	MaxScore          int              `json:"max_score"`
	MaxStreak         int              `json:"max_streak"`
	RequiredCorrect   int              `json:"required_correct"`
	Pool              []int64          `json:"pool"`
	Cursor            int              `json:"cursor"`
	AnsweredCorrect   []int64          `json:"answered_correct"`
	AnsweredIncorrect []int64          `json:"answered_incorrect"`
	FinishReason      FinishReason     `json:"finish_reason,omitempty"`
	StartedAt         time.Time        `json:"started_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	EndedAt           *time.Time       `json:"ended_at,omitempty"`
}

// CurrentQuestion returns the question awaiting an answer, if any.
func (s Session) CurrentQuestion() (int64, bool) {
	if s.Cursor < 0 || s.Cursor >= len(s.Pool) {
		return 0, false
	}
	return s.Pool[s.Cursor], true
}

func (s Session) Attempts() int { return len(s.AnsweredCorrect) + len(s.AnsweredIncorrect) }

func (s Session) Remaining() int {
	if r := len(s.Pool) - s.Cursor; r > 0 {
		return r
	}
	return 0
}

// ── Persisted progress ────────────────────────────────────

// LevelProgress keeps the running bests for one learner on one level.
type LevelProgress struct {
	UserID        int64     `json:"user_id"`
	LevelID       int64     `json:"level_id"`
	Unlocked      bool      `json:"unlocked"`
	Completed     bool      `json:"completed"`
	BestTimeSecs  *float64  `json:"best_time_secs,omitempty"`
	MaxScore      int       `json:"max_score"`
	MaxStreak     int       `json:"max_streak"`
	MaxCorrect    int       `json:"max_correct"`
	ProgressPct   float64   `json:"progress_pct"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// AttemptRecord is a closed, completed session kept for ranking.
type AttemptRecord struct {
	ID          int64     `json:"id,omitempty"`
	SessionID   string    `json:"session_id"`
	UserID      int64     `json:"user_id"`
	LevelID     int64     `json:"level_id"`
	Correct     int       `json:"correct"`
	Score       int       `json:"score"`
	TimeSecs    float64   `json:"time_secs"`
	CompletedAt time.Time `json:"completed_at"`
}

// ── API Request/Response Types ────────────────────────────

type StartSessionResponse struct {
	SessionID string           `json:"session_id"`
	Status    SessionStatus    `json:"status"`
	Hearts    int              `json:"hearts"`
	Health    int              `json:"health"`
	Rating    Rating           `json:"rating"`
	Questions []PublicQuestion `json:"questions"`
	// Superseded is the ongoing session on the level this start replaced.
	Superseded string `json:"superseded_session_id,omitempty"`
}

type AnswerRequest struct {
	QuestionID int64   `json:"question_id"`
	Answer     *int    `json:"answer,omitempty"`
	Answers    []int   `json:"answers,omitempty"`
	TimeSecs   float64 `json:"time_secs,omitempty"`
}

type SubmitRequest struct {
	Answers []AnswerRequest `json:"answers"`
}

type EndRequest struct {
	Reason   FinishReason `json:"reason"`
	TimeSecs float64      `json:"time_secs"`
}

type AnswerResult struct {
	SessionID    string        `json:"session_id"`
	QuestionID   int64         `json:"question_id"`
	Correct      bool          `json:"correct"`
	XPAwarded    int           `json:"xp_awarded"`
	StreakBonus  int           `json:"streak_bonus,omitempty"`
	SpeedBonus   int           `json:"speed_bonus,omitempty"`
	Hearts       int           `json:"hearts"`
	Streak       int           `json:"streak"`
	Score        int           `json:"score"`
	Status       SessionStatus `json:"status"`
	Rating       Rating        `json:"rating"`
	NextQuestion *int64        `json:"next_question,omitempty"`
}

type SessionSummary struct {
	SessionID     string          `json:"session_id"`
	LevelID       int64           `json:"level_id"`
	Status        SessionStatus   `json:"status"`
	Reason        FinishReason    `json:"reason"`
	Correct       int             `json:"correct"`
	Incorrect     int             `json:"incorrect"`
	Score         int             `json:"score"`
	MaxStreak     int             `json:"max_streak"`
	TimeSecs      float64         `json:"time_secs"`
	ProgressPct   float64         `json:"progress_pct"`
	CoinsEarned   int             `json:"coins_earned,omitempty"`
	Health        int             `json:"health"`
	NextLevelID   *int64          `json:"next_level_id,omitempty"`
	DisplayRating int             `json:"display_rating"`
	Ranking       *RankingSummary `json:"ranking,omitempty"`
}

type RankingSummary struct {
	Rank            int                `json:"rank"`
	Percentile      int                `json:"percentile"`
	ScorePercentile int                `json:"score_percentile"`
	TimePercentile  int                `json:"time_percentile"`
	Peers           int                `json:"peers"`
	Leaderboard     []LeaderboardEntry `json:"leaderboard,omitempty"`
}

type LeaderboardEntry struct {
	Rank     int     `json:"rank"`
	Profile  Profile `json:"profile"`
	Score    int     `json:"score"`
	TimeSecs float64 `json:"time_secs"`
}

// Better reports whether a strictly beats b. higherIsBetter ranks by score
// with faster time breaking ties; otherwise by time with higher score
// breaking ties.
func (a AttemptRecord) Better(b AttemptRecord, higherIsBetter bool) bool {
	if higherIsBetter {
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.TimeSecs < b.TimeSecs
	}
	if a.TimeSecs != b.TimeSecs {
		return a.TimeSecs < b.TimeSecs
	}
	return a.Score > b.Score
}

type AnswerResponse struct {
	Result  *AnswerResult   `json:"result"`
	Summary *SessionSummary `json:"summary,omitempty"`
}

type SubmitResponse struct {
	Results []AnswerResult  `json:"results"`
	Summary *SessionSummary `json:"summary,omitempty"`
}
