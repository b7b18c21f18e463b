package accuracy

import (
	"sort"
	"time"

	"github.com/lsat-prep/assessment/internal/models"
)

// Aggregator keeps bounded per-topic outcome windows and derives a
// recency-weighted accuracy from them.
type Aggregator struct {
	windowSize int
	weight     float64
}

func New(windowSize int, weight float64) *Aggregator {
	if windowSize <= 0 {
		windowSize = 10
	}
	if weight <= 0 {
		weight = 1.2
	}
	return &Aggregator{windowSize: windowSize, weight: weight}
}

func (a *Aggregator) WindowSize() int { return a.windowSize }

// Attempt is one answered question as seen by the aggregator.
type Attempt struct {
	UserID    int64
	SectionID int64
	Topics    []string
	At        time.Time
	Correct   bool
}

// Push appends an outcome to the record's window and drops the oldest entries
// beyond the window size.
func (a *Aggregator) Push(rec *models.TopicPerformance, at time.Time, correct bool) {
	rec.Window = append(rec.Window, models.AttemptOutcome{At: at, Correct: correct})
	if over := len(rec.Window) - a.windowSize; over > 0 {
		sortWindow(rec.Window)
		rec.Window = append([]models.AttemptOutcome(nil), rec.Window[over:]...)
	}
}

// WMA is sum(o_i * W^i) / sum(W^i) over the window sorted oldest first.
// An empty window has accuracy 0.
func (a *Aggregator) WMA(window []models.AttemptOutcome) float64 {
	if len(window) == 0 {
		return 0
	}
	sorted := append([]models.AttemptOutcome(nil), window...)
	sortWindow(sorted)

	var num, den float64
	w := 1.0
	for _, o := range sorted {
		if o.Correct {
			num += w
		}
		den += w
		w *= a.weight
	}
	return num / den
}

// Snapshot appends the current WMA to the record's history. History times
// are kept strictly increasing.
func (a *Aggregator) Snapshot(rec *models.TopicPerformance, at time.Time) models.AccuracyPoint {
	sortWindow(rec.Window)
	if n := len(rec.History); n > 0 && !at.After(rec.History[n-1].At) {
		at = rec.History[n-1].At.Add(time.Nanosecond)
	}
	p := models.AccuracyPoint{At: at, Accuracy: a.WMA(rec.Window)}
	rec.History = append(rec.History, p)
	rec.UpdatedAt = at
	return p
}

// ApplyBatch pushes every attempt into the window of each of its topics, then
// snapshots each touched topic once. Records missing from the map are
// created. It returns the touched keys in first-touch order.
func (a *Aggregator) ApplyBatch(records map[models.TopicKey]*models.TopicPerformance, attempts []Attempt, now time.Time) []models.TopicKey {
	var touched []models.TopicKey
	seen := make(map[models.TopicKey]bool)

	for _, at := range attempts {
		for _, topic := range uniqueTopics(at.Topics) {
			key := models.TopicKey{UserID: at.UserID, SectionID: at.SectionID, TopicID: topic}
			rec, ok := records[key]
			if !ok {
				rec = &models.TopicPerformance{UserID: key.UserID, SectionID: key.SectionID, TopicID: key.TopicID}
				records[key] = rec
			}
			a.Push(rec, at.At, at.Correct)
			if !seen[key] {
				seen[key] = true
				touched = append(touched, key)
			}
		}
	}

	for _, key := range touched {
		a.Snapshot(records[key], now)
	}
	return touched
}

func sortWindow(w []models.AttemptOutcome) {
	sort.SliceStable(w, func(i, j int) bool { return w[i].At.Before(w[j].At) })
}

func uniqueTopics(topics []string) []string {
	seen := make(map[string]bool, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
