package models

import "time"

type QuestionStatus string

const (
	QuestionActive   QuestionStatus = "active"
	QuestionInactive QuestionStatus = "inactive"
)

type Question struct {
	ID             int64          `json:"id"`
	ChapterID      int64          `json:"chapter_id"`
	UnitID         int64          `json:"unit_id"`
	Topics         []string       `json:"topics"`
	Prompt         string         `json:"prompt"`
	Options        []string       `json:"options"`
	CorrectIndices []int          `json:"-"`
	Status         QuestionStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
}

// IsActive reports whether the question may be allocated.
func (q Question) IsActive() bool { return q.Status == QuestionActive }

// ── Levels ────────────────────────────────────────────────

type AttemptType string

const (
	AttemptTimeRush      AttemptType = "time_rush"
	AttemptPrecisionPath AttemptType = "precision_path"
)

var ValidAttemptTypes = map[AttemptType]bool{
	AttemptTimeRush:      true,
	AttemptPrecisionPath: true,
}

type AllocationPolicy string

const (
	PolicySkillWindow AllocationPolicy = "skill_window"
	PolicyQuota       AllocationPolicy = "quota"
)

var ValidAllocationPolicies = map[AllocationPolicy]bool{
	PolicySkillWindow: true,
	PolicyQuota:       true,
}

// Level is the scope a session is played against. Levels are ordered inside a
// chapter; completing one unlocks the next by Order.
type Level struct {
	ID              int64            `json:"id"`
	ChapterID       int64            `json:"chapter_id"`
	UnitID          int64            `json:"unit_id"`
	Order           int              `json:"order"`
	Name            string           `json:"name"`
	AttemptType     AttemptType      `json:"attempt_type"`
	Policy          AllocationPolicy `json:"policy,omitempty"`
	RequiredCorrect int              `json:"required_correct"`
	TotalQuestions  int              `json:"total_questions"`
	TimeLimitSecs   int              `json:"time_limit_secs"`
	AllowedTopics   []string         `json:"allowed_topics"`
}

// HigherIsBetter reports the ranking direction for attempts on this level.
func (l Level) HigherIsBetter() bool { return l.AttemptType != AttemptPrecisionPath }

// ── Learner question history ─────────────────────────────

type HistoryItem struct {
	QuestionID int64     `json:"question_id"`
	AnsweredAt time.Time `json:"answered_at"`
}

// QuestionHistory tracks, per learner and unit, which questions were last
// answered wrong or right. A question id lives in at most one of the two lists.
type QuestionHistory struct {
	UserID  int64         `json:"user_id"`
	UnitID  int64         `json:"unit_id"`
	Wrong   []HistoryItem `json:"wrong"`
	Correct []HistoryItem `json:"correct"`
}

// ── API Response Types ────────────────────────────────────

// PublicQuestion is a question as delivered to a client, without its answer key.
type PublicQuestion struct {
	ID      int64    `json:"id"`
	Topics  []string `json:"topics"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
}

func (q Question) Public() PublicQuestion {
	return PublicQuestion{ID: q.ID, Topics: q.Topics, Prompt: q.Prompt, Options: q.Options}
}
