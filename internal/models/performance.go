package models

import "time"

type AttemptOutcome struct {
	At      time.Time `json:"at"`
	Correct bool      `json:"correct"`
}

type AccuracyPoint struct {
	At       time.Time `json:"at"`
	Accuracy float64   `json:"accuracy"`
}

// TopicPerformance is the per (user, section, topic) accuracy record. Window is
// bounded; History is append-only.
type TopicPerformance struct {
	UserID    int64            `json:"user_id"`
	SectionID int64            `json:"section_id"`
	TopicID   string           `json:"topic_id"`
	Window    []AttemptOutcome `json:"window"`
	History   []AccuracyPoint  `json:"history"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// TopicKey addresses one TopicPerformance record.
type TopicKey struct {
	UserID    int64
	SectionID int64
	TopicID   string
}

func (p TopicPerformance) Key() TopicKey {
	return TopicKey{UserID: p.UserID, SectionID: p.SectionID, TopicID: p.TopicID}
}
