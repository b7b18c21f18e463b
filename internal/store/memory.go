package store

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/lsat-prep/assessment/internal/allocator"
	"github.com/lsat-prep/assessment/internal/models"
)

type historyKey struct {
	userID, unitID int64
}

type progressKey struct {
	userID, levelID int64
}

type memState struct {
	users     map[int64]models.User
	progress  map[int64]models.UserProgress
	learners  map[int64]models.LearnerRating
	questions map[int64]models.Question
	qratings  map[int64]models.QuestionRating
	levels    map[int64]models.Level
	changelog []models.ChangeLogEntry
	history   map[historyKey]models.QuestionHistory
	sessions  map[string]models.Session
	topics    map[models.TopicKey]models.TopicPerformance
	levelProg map[progressKey]models.LevelProgress
	attempts  []models.AttemptRecord
	nextID    int64
}

func newMemState() *memState {
	return &memState{
		users:     map[int64]models.User{},
		progress:  map[int64]models.UserProgress{},
		learners:  map[int64]models.LearnerRating{},
		questions: map[int64]models.Question{},
		qratings:  map[int64]models.QuestionRating{},
		levels:    map[int64]models.Level{},
		history:   map[historyKey]models.QuestionHistory{},
		sessions:  map[string]models.Session{},
		topics:    map[models.TopicKey]models.TopicPerformance{},
		levelProg: map[progressKey]models.LevelProgress{},
	}
}

// clone deep-copies every slice held by the state so a snapshot is isolated
// from later mutation.
func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.progress {
		c.progress[k] = v
	}
	for k, v := range s.learners {
		c.learners[k] = v
	}
	for k, v := range s.questions {
		c.questions[k] = copyQuestion(v)
	}
	for k, v := range s.qratings {
		c.qratings[k] = v
	}
	for k, v := range s.levels {
		v.AllowedTopics = append([]string(nil), v.AllowedTopics...)
		c.levels[k] = v
	}
	c.changelog = append([]models.ChangeLogEntry(nil), s.changelog...)
	for k, v := range s.history {
		c.history[k] = copyHistory(v)
	}
	for k, v := range s.sessions {
		c.sessions[k] = copySession(v)
	}
	for k, v := range s.topics {
		c.topics[k] = copyTopic(v)
	}
	for k, v := range s.levelProg {
		c.levelProg[k] = v
	}
	c.attempts = append([]models.AttemptRecord(nil), s.attempts...)
	c.nextID = s.nextID
	return c
}

func copyQuestion(q models.Question) models.Question {
	q.Topics = append([]string(nil), q.Topics...)
	q.Options = append([]string(nil), q.Options...)
	q.CorrectIndices = append([]int(nil), q.CorrectIndices...)
	return q
}

func copyHistory(h models.QuestionHistory) models.QuestionHistory {
	h.Wrong = append([]models.HistoryItem(nil), h.Wrong...)
	h.Correct = append([]models.HistoryItem(nil), h.Correct...)
	return h
}

func copySession(s models.Session) models.Session {
	s.Pool = append([]int64(nil), s.Pool...)
	s.AnsweredCorrect = append([]int64(nil), s.AnsweredCorrect...)
	s.AnsweredIncorrect = append([]int64(nil), s.AnsweredIncorrect...)
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	return s
}

func copyTopic(t models.TopicPerformance) models.TopicPerformance {
	t.Window = append([]models.AttemptOutcome(nil), t.Window...)
	t.History = append([]models.AccuracyPoint(nil), t.History...)
	return t
}

// Memory is an in-process Store. Transactions are serialized and roll back by
// restoring a snapshot taken when they began.
type Memory struct {
	mu   sync.Mutex
	txMu sync.Mutex
	st   *memState
}

func NewMemory() *Memory {
	return &Memory{st: newMemState()}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := m.st.clone()
	m.mu.Unlock()

	err := fn(m)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		m.mu.Lock()
		m.st = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// assignID gives *id a fresh value when zero and keeps the counter ahead of
// explicitly chosen ids. Callers hold m.mu.
func (m *Memory) assignID(id *int64) {
	if *id == 0 {
		m.st.nextID++
		*id = m.st.nextID
		return
	}
	if *id > m.st.nextID {
		m.st.nextID = *id
	}
}

// ── Corpus ──────────────────────────────────────────────

func inScope(q models.Question, s allocator.Scope) bool {
	return q.IsActive() &&
		(s.ChapterID == 0 || q.ChapterID == s.ChapterID) &&
		(s.UnitID == 0 || q.UnitID == s.UnitID)
}

func (m *Memory) sortedQuestions() []models.Question {
	qs := lo.Values(m.st.questions)
	sort.Slice(qs, func(i, j int) bool { return qs[i].ID < qs[j].ID })
	return qs
}

func (m *Memory) ActiveQuestions(_ context.Context, scope allocator.Scope) ([]models.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Question
	for _, q := range m.sortedQuestions() {
		if inScope(q, scope) {
			out = append(out, copyQuestion(q))
		}
	}
	return out, nil
}

func (m *Memory) QuestionIDsInRange(_ context.Context, scope allocator.Scope, low, hi float64, exclude []int64, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	skip := lo.SliceToMap(exclude, func(id int64) (int64, bool) { return id, true })
	var out []int64
	for _, q := range m.sortedQuestions() {
		if len(out) >= limit {
			break
		}
		if !inScope(q, scope) || skip[q.ID] {
			continue
		}
		mu := m.questionMu(q.ID)
		if mu >= low && mu <= hi {
			out = append(out, q.ID)
		}
	}
	return out, nil
}

func (m *Memory) questionMu(id int64) float64 {
	if r, ok := m.st.qratings[id]; ok {
		return r.Mu
	}
	return 15
}

func (m *Memory) RandomQuestionIDs(_ context.Context, n int, exclude []int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	skip := lo.SliceToMap(exclude, func(id int64) (int64, bool) { return id, true })
	ids := lo.FilterMap(m.sortedQuestions(), func(q models.Question, _ int) (int64, bool) {
		return q.ID, q.IsActive() && !skip[q.ID]
	})
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids, nil
}

func (m *Memory) GetQuestions(_ context.Context, ids []int64) (map[int64]models.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]models.Question, len(ids))
	for _, id := range ids {
		if q, ok := m.st.questions[id]; ok {
			out[id] = copyQuestion(q)
		}
	}
	return out, nil
}

func (m *Memory) UpsertQuestion(_ context.Context, q *models.Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignID(&q.ID)
	if q.Status == "" {
		q.Status = models.QuestionActive
	}
	m.st.questions[q.ID] = copyQuestion(*q)
	return nil
}

func (m *Memory) GetLevel(_ context.Context, levelID int64) (*models.Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.st.levels[levelID]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func (m *Memory) NextLevel(_ context.Context, chapterID int64, order int) (*models.Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next *models.Level
	for _, l := range m.st.levels {
		if l.ChapterID != chapterID || l.Order <= order {
			continue
		}
		if next == nil || l.Order < next.Order {
			l := l
			next = &l
		}
	}
	if next == nil {
		return nil, ErrNotFound
	}
	return next, nil
}

func (m *Memory) UpsertLevel(_ context.Context, l *models.Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignID(&l.ID)
	m.st.levels[l.ID] = *l
	return nil
}

// ── Ratings ─────────────────────────────────────────────

func (m *Memory) GetLearnerRating(_ context.Context, userID int64) (*models.LearnerRating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.st.learners[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *Memory) UpsertLearnerRating(_ context.Context, r *models.LearnerRating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.learners[r.UserID] = *r
	return nil
}

func (m *Memory) GetQuestionRatings(_ context.Context, ids []int64) (map[int64]models.QuestionRating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]models.QuestionRating, len(ids))
	for _, id := range ids {
		if r, ok := m.st.qratings[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (m *Memory) UpsertQuestionRating(_ context.Context, r models.QuestionRating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.qratings[r.QuestionID] = r
	return nil
}

func (m *Memory) AppendChangeLog(_ context.Context, entries []models.ChangeLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.assignID(&e.ID)
		m.st.changelog = append(m.st.changelog, e)
	}
	return nil
}

// ChangeLog returns a copy of the audit log.
func (m *Memory) ChangeLog() []models.ChangeLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ChangeLogEntry(nil), m.st.changelog...)
}

// ── History ─────────────────────────────────────────────

func (m *Memory) GetQuestionHistory(_ context.Context, userID, unitID int64) (*models.QuestionHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.st.history[historyKey{userID, unitID}]
	if !ok {
		return &models.QuestionHistory{UserID: userID, UnitID: unitID}, nil
	}
	h = copyHistory(h)
	return &h, nil
}

func (m *Memory) RetractHistory(_ context.Context, userID, unitID int64, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := historyKey{userID, unitID}
	h, ok := m.st.history[key]
	if !ok {
		return nil
	}
	drop := lo.SliceToMap(ids, func(id int64) (int64, bool) { return id, true })
	keep := func(it models.HistoryItem, _ int) bool { return !drop[it.QuestionID] }
	h.Wrong = lo.Filter(h.Wrong, keep)
	h.Correct = lo.Filter(h.Correct, keep)
	m.st.history[key] = h
	return nil
}

func (m *Memory) RecordHistory(_ context.Context, userID, unitID, questionID int64, correct bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := historyKey{userID, unitID}
	h := copyHistory(m.st.history[key])
	h.UserID, h.UnitID = userID, unitID
	other := func(it models.HistoryItem, _ int) bool { return it.QuestionID != questionID }
	h.Wrong = lo.Filter(h.Wrong, other)
	h.Correct = lo.Filter(h.Correct, other)
	item := models.HistoryItem{QuestionID: questionID, AnsweredAt: at}
	if correct {
		h.Correct = append(h.Correct, item)
	} else {
		h.Wrong = append(h.Wrong, item)
	}
	m.st.history[key] = h
	return nil
}

// ── Sessions ────────────────────────────────────────────

func (m *Memory) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.st.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s = copySession(s)
	return &s, nil
}

func (m *Memory) GetSessionForScope(_ context.Context, userID, levelID int64) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.st.sessions {
		if s.UserID == userID && s.LevelID == levelID {
			s = copySession(s)
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

// SaveSession upserts s, replacing any other session on the same (user, level).
func (m *Memory) SaveSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, other := range m.st.sessions {
		if id != s.ID && other.UserID == s.UserID && other.LevelID == s.LevelID {
			delete(m.st.sessions, id)
		}
	}
	m.st.sessions[s.ID] = copySession(*s)
	return nil
}

// ── Topic performance ───────────────────────────────────

func (m *Memory) GetTopicPerformance(_ context.Context, keys []models.TopicKey) (map[models.TopicKey]*models.TopicPerformance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[models.TopicKey]*models.TopicPerformance, len(keys))
	for _, k := range keys {
		if t, ok := m.st.topics[k]; ok {
			t = copyTopic(t)
			out[k] = &t
		}
	}
	return out, nil
}

func (m *Memory) SaveTopicPerformance(_ context.Context, recs []*models.TopicPerformance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		m.st.topics[r.Key()] = copyTopic(*r)
	}
	return nil
}

// ── Progress ────────────────────────────────────────────

func (m *Memory) GetOrCreateProgress(_ context.Context, userID int64, initialHealth int) (*models.UserProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.st.progress[userID]
	if !ok {
		p = models.UserProgress{UserID: userID, Health: initialHealth, UpdatedAt: time.Now()}
		m.st.progress[userID] = p
	}
	return &p, nil
}

func (m *Memory) AddHealth(_ context.Context, userID int64, delta, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.st.progress[userID]
	if !ok {
		return 0, ErrNotFound
	}
	p.Health = min(max(p.Health+delta, 0), limit)
	p.UpdatedAt = time.Now()
	m.st.progress[userID] = p
	return p.Health, nil
}

func (m *Memory) AddCoins(_ context.Context, userID int64, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.st.progress[userID]
	if !ok {
		return ErrNotFound
	}
	p.Coins += amount
	m.st.progress[userID] = p
	return nil
}

func (m *Memory) GetLevelProgress(_ context.Context, userID, levelID int64) (*models.LevelProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.st.levelProg[progressKey{userID, levelID}]
	if !ok {
		return nil, ErrNotFound
	}
	if p.BestTimeSecs != nil {
		t := *p.BestTimeSecs
		p.BestTimeSecs = &t
	}
	return &p, nil
}

func (m *Memory) SaveLevelProgress(_ context.Context, p *models.LevelProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.levelProg[progressKey{p.UserID, p.LevelID}] = *p
	return nil
}

// ── Attempts and profiles ───────────────────────────────

func (m *Memory) InsertAttempt(_ context.Context, a *models.AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignID(&a.ID)
	m.st.attempts = append(m.st.attempts, *a)
	return nil
}

func (m *Memory) BestAttempts(_ context.Context, levelID int64, higherIsBetter bool) ([]models.AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := map[int64]models.AttemptRecord{}
	for _, a := range m.st.attempts {
		if a.LevelID != levelID {
			continue
		}
		if cur, ok := best[a.UserID]; !ok || a.Better(cur, higherIsBetter) {
			best[a.UserID] = a
		}
	}
	out := lo.Values(best)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Better(out[j], higherIsBetter) {
			return true
		}
		if out[j].Better(out[i], higherIsBetter) {
			return false
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (m *Memory) TopAttempts(ctx context.Context, levelID int64, higherIsBetter bool, k int) ([]models.AttemptRecord, error) {
	all, err := m.BestAttempts(ctx, levelID, higherIsBetter)
	if err != nil {
		return nil, err
	}
	if len(all) > k {
		all = all[:k]
	}
	return all, nil
}

func (m *Memory) GetProfiles(_ context.Context, ids []int64) (map[int64]models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]models.Profile, len(ids))
	for _, id := range ids {
		u, ok := m.st.users[id]
		if !ok {
			continue
		}
		out[id] = models.Profile{UserID: u.ID, DisplayName: u.DisplayName(), Username: u.Username, AvatarURL: u.AvatarURL}
	}
	return out, nil
}

func (m *Memory) UpsertUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignID(&u.ID)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	m.st.users[u.ID] = *u
	return nil
}
