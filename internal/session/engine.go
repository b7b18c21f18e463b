package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/lsat-prep/assessment/internal/accuracy"
	"github.com/lsat-prep/assessment/internal/allocator"
	"github.com/lsat-prep/assessment/internal/apperr"
	"github.com/lsat-prep/assessment/internal/config"
	"github.com/lsat-prep/assessment/internal/logger"
	"github.com/lsat-prep/assessment/internal/models"
	"github.com/lsat-prep/assessment/internal/ranking"
	"github.com/lsat-prep/assessment/internal/rating"
	"github.com/lsat-prep/assessment/internal/realtime"
	"github.com/lsat-prep/assessment/internal/store"
)

// Engine runs sessions: it allocates questions, grades answers, updates
// ratings and topic accuracy, and closes sessions with rewards and ranking.
// All mutations of one session are serialized.
type Engine struct {
	store   store.Store
	cfg     config.EngineConfig
	params  rating.Params
	alloc   *allocator.Allocator
	agg     *accuracy.Aggregator
	ranking *ranking.Service
	pub     realtime.Publisher
	locks   *keyedMutex
	now     func() time.Time
	log     *logger.Logger
}

type Option func(*Engine)

// WithShuffler replaces the allocator's crypto-seeded shuffler.
func WithShuffler(s allocator.Shuffler) Option {
	return func(e *Engine) {
		e.alloc = allocator.New(allocOptions(e.cfg), s, e.log)
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func allocOptions(cfg config.EngineConfig) allocator.Options {
	return allocator.Options{
		MaxWidenIterations: cfg.MaxWidenIterations,
		WrongQuotaRatio:    cfg.WrongQuotaRatio,
	}
}

func NewEngine(st store.Store, cfg config.EngineConfig, pub realtime.Publisher, log *logger.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	if pub == nil {
		pub = realtime.Nop{}
	}
	e := &Engine{
		store:   st,
		cfg:     cfg,
		params:  rating.ParamsFromConfig(cfg),
		agg:     accuracy.New(cfg.WindowSize, cfg.AccuracyWeight),
		ranking: ranking.NewService(st, log),
		pub:     pub,
		locks:   newKeyedMutex(),
		now:     time.Now,
		log:     log.With("component", "session"),
	}
	e.alloc = allocator.New(allocOptions(cfg), nil, log)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// storeErr converts a store failure into a typed error. Errors that already
// carry a kind pass through unchanged.
func storeErr(err error, format string, args ...any) error {
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae):
		return err
	case errors.Is(err, store.ErrNotFound):
		return apperr.Wrap(apperr.NotFound, err, format+" not found", args...)
	default:
		return apperr.Wrap(apperr.Internal, err, format, args...)
	}
}

// ── Start ─────────────────────────────────────────────────

// Start spends one health point, decays the learner's rating, allocates a
// question pool and opens a new session on the level. Any ongoing session of
// the user on that level is replaced.
func (e *Engine) Start(ctx context.Context, userID, levelID int64) (*models.StartSessionResponse, error) {
	resp, err := e.start(ctx, userID, levelID)
	if err != nil {
		return nil, e.fail(ctx, userID, "", err)
	}
	return resp, nil
}

func (e *Engine) start(ctx context.Context, userID, levelID int64) (*models.StartSessionResponse, error) {
	now := e.now()
	var (
		resp       *models.StartSessionResponse
		sess       models.Session
		tier       allocator.Tier
		stale      int
		superseded string
	)

	err := e.store.InTx(ctx, func(tx store.Tx) error {
		level, err := tx.GetLevel(ctx, levelID)
		if err != nil {
			return storeErr(err, "level %d", levelID)
		}

		progress, err := tx.GetOrCreateProgress(ctx, userID, e.cfg.HealthMax)
		if err != nil {
			return storeErr(err, "get progress")
		}
		if progress.Health <= 0 {
			return apperr.New(apperr.InsufficientResource, "no health left to start a session")
		}
		health, err := tx.AddHealth(ctx, userID, -1, e.cfg.HealthMax)
		if err != nil {
			return storeErr(err, "spend health")
		}

		prior, err := tx.GetLearnerRating(ctx, userID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return storeErr(err, "get learner rating")
		}
		learner := e.params.Decay(prior, now)
		if err := tx.UpsertLearnerRating(ctx, &models.LearnerRating{
			UserID: userID, Mu: learner.Mu, Sigma: learner.Sigma, LastPlayedAt: now,
		}); err != nil {
			return storeErr(err, "save learner rating")
		}

		policy := level.Policy
		if policy == "" {
			policy = models.AllocationPolicy(e.cfg.Policy)
		}
		n := level.TotalQuestions
		if n <= 0 {
			n = e.cfg.FetchTarget
		}
		var exclude []int64
		if policy == models.PolicySkillWindow {
			if e.cfg.SkillRoundSize > 0 {
				n = e.cfg.SkillRoundSize
			}
			hist, err := tx.GetQuestionHistory(ctx, userID, level.UnitID)
			if err != nil {
				return storeErr(err, "get question history")
			}
			exclude = lo.Map(hist.Correct, func(h models.HistoryItem, _ int) int64 { return h.QuestionID })
		}

		alloc, err := e.alloc.Allocate(ctx, tx, allocator.Request{
			Policy:    policy,
			UserID:    userID,
			Level:     *level,
			N:         n,
			LearnerMu: learner.Mu,
			Exclude:   exclude,
		})
		if err != nil {
			return storeErr(err, "allocate questions")
		}
		tier, stale = alloc.Tier, len(alloc.Retracted)

		questions, err := tx.GetQuestions(ctx, alloc.QuestionIDs)
		if err != nil {
			return storeErr(err, "get questions")
		}

		prev, err := tx.GetSessionForScope(ctx, userID, level.ID)
		switch {
		case err == nil && prev.Status == models.StatusInProgress:
			superseded = prev.ID
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return storeErr(err, "get ongoing session")
		}

		required := level.RequiredCorrect
		if required <= 0 || required > len(alloc.QuestionIDs) {
			required = len(alloc.QuestionIDs)
		}
		sess = models.Session{
			ID:              uuid.NewString(),
			UserID:          userID,
			LevelID:         level.ID,
			SectionID:       level.ChapterID,
			Policy:          policy,
			Status:          models.StatusInProgress,
			Hearts:          e.cfg.Hearts,
			RequiredCorrect: required,
			Pool:            alloc.QuestionIDs,
			StartedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.SaveSession(ctx, &sess); err != nil {
			return storeErr(err, "save session")
		}

		public := make([]models.PublicQuestion, 0, len(sess.Pool))
		for _, id := range sess.Pool {
			if q, ok := questions[id]; ok {
				public = append(public, q.Public())
			}
		}
		resp = &models.StartSessionResponse{
			SessionID:  sess.ID,
			Status:     sess.Status,
			Hearts:     sess.Hearts,
			Health:     health,
			Rating:     learner,
			Questions:  public,
			Superseded: superseded,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("session started",
		"session_id", sess.ID,
		"user_id", userID,
		"level_id", levelID,
		"policy", sess.Policy,
		"pool", len(sess.Pool),
		"tier", tier,
		"retracted", stale,
	)
	if superseded != "" {
		e.log.Info("session superseded", "session_id", superseded, "by", sess.ID)
	}
	e.publish(ctx, realtime.Message{UserID: userID, SessionID: sess.ID, Event: realtime.EventQuestions, Data: resp.Questions})
	return resp, nil
}

// ── Answer / Submit ───────────────────────────────────────

// Answer grades the answer to the session's current question.
func (e *Engine) Answer(ctx context.Context, userID int64, sessionID string, req models.AnswerRequest) (*models.AnswerResult, *models.SessionSummary, error) {
	results, summary, err := e.apply(ctx, userID, sessionID, []models.AnswerRequest{req})
	if err != nil {
		return nil, nil, e.fail(ctx, userID, sessionID, err)
	}
	return &results[0], summary, nil
}

// Submit grades several answers in pool order as one batch. Answers left
// over when the session ends are ignored.
func (e *Engine) Submit(ctx context.Context, userID int64, sessionID string, req models.SubmitRequest) ([]models.AnswerResult, *models.SessionSummary, error) {
	if len(req.Answers) == 0 {
		return nil, nil, e.fail(ctx, userID, sessionID, apperr.New(apperr.ValidationError, "answers must not be empty"))
	}
	results, summary, err := e.apply(ctx, userID, sessionID, req.Answers)
	if err != nil {
		return nil, nil, e.fail(ctx, userID, sessionID, err)
	}
	return results, summary, nil
}

type graded struct {
	question models.Question
	correct  bool
	timeSecs float64
}

func (e *Engine) apply(ctx context.Context, userID int64, sessionID string, reqs []models.AnswerRequest) ([]models.AnswerResult, *models.SessionSummary, error) {
	answers := make([]Answer, len(reqs))
	for i, r := range reqs {
		a, err := NormalizeAnswer(r)
		if err != nil {
			return nil, nil, err
		}
		answers[i] = a
	}

	unlock := e.locks.Lock(sessionID)
	defer unlock()

	now := e.now()
	var (
		results []models.AnswerResult
		summary *models.SessionSummary
		attempt *models.AttemptRecord
		level   *models.Level
	)

	err := e.store.InTx(ctx, func(tx store.Tx) error {
		sess, err := e.loadOwned(ctx, tx, userID, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != models.StatusInProgress {
			return apperr.New(apperr.InvalidState, "session %s is %s", sessionID, sess.Status)
		}
		level, err = tx.GetLevel(ctx, sess.LevelID)
		if err != nil {
			return storeErr(err, "level %d", sess.LevelID)
		}

		ids := lo.Uniq(sess.Pool[min(sess.Cursor, len(sess.Pool)):])
		questions, err := tx.GetQuestions(ctx, ids)
		if err != nil {
			return storeErr(err, "get questions")
		}
		qratings, err := tx.GetQuestionRatings(ctx, ids)
		if err != nil {
			return storeErr(err, "get question ratings")
		}

		before := rating.SessionContext{Attempts: sess.Attempts(), Correct: len(sess.AnsweredCorrect)}
		var (
			outcomes []rating.Outcome
			grades   []graded
		)
		for i, req := range reqs {
			if sess.Status != models.StatusInProgress {
				break
			}
			qid, ok := sess.CurrentQuestion()
			if !ok {
				return apperr.New(apperr.InvalidState, "session %s has no current question", sessionID)
			}
			if req.QuestionID != 0 && req.QuestionID != qid {
				return apperr.New(apperr.InvalidState, "expected an answer to question %d, got %d", qid, req.QuestionID)
			}
			q, ok := questions[qid]
			if !ok {
				return apperr.New(apperr.NotFound, "question %d not found", qid)
			}
			if err := answers[i].Validate(q); err != nil {
				return err
			}

			correct := answers[i].IsCorrect(q.CorrectIndices)
			xpCorrect, xpIncorrect := e.cfg.DefaultXPCorrect, 0
			var qr *models.Rating
			if r, ok := qratings[qid]; ok {
				if r.XPCorrect > 0 {
					xpCorrect = r.XPCorrect
				}
				xpIncorrect = r.XPIncorrect
				rr := r.Rating()
				qr = &rr
			}

			next, st := applyAnswer(*sess, outcome{
				QuestionID:  qid,
				Correct:     correct,
				XPCorrect:   xpCorrect,
				XPIncorrect: xpIncorrect,
				Fast:        correct && fastAnswer(*level, req.TimeSecs),
			})
			sess = &next

			outcomes = append(outcomes, rating.Outcome{
				UserID:     userID,
				QuestionID: qid,
				SessionID:  sess.ID,
				IsCorrect:  correct,
				Question:   qr,
			})
			grades = append(grades, graded{question: q, correct: correct, timeSecs: req.TimeSecs})

			res := models.AnswerResult{
				SessionID:   sess.ID,
				QuestionID:  qid,
				Correct:     correct,
				StreakBonus: st.StreakBonus,
				SpeedBonus:  st.SpeedBonus,
				Hearts:      sess.Hearts,
				Streak:      sess.Streak,
				Score:       sess.Score,
				Status:      sess.Status,
			}
			if correct {
				res.XPAwarded = st.XP + st.StreakBonus + st.SpeedBonus
			}
			if nq, ok := sess.CurrentQuestion(); ok && sess.Status == models.StatusInProgress {
				res.NextQuestion = &nq
			}
			results = append(results, res)
		}

		learner, err := e.rate(ctx, tx, userID, outcomes, before, qratings, now)
		if err != nil {
			return err
		}
		for i := range results {
			results[i].Rating = learner[i]
		}

		if err := e.recordHistory(ctx, tx, userID, level.UnitID, grades, now); err != nil {
			return err
		}
		if err := e.recordAccuracy(ctx, tx, userID, sess.SectionID, grades, now); err != nil {
			return err
		}

		sess.UpdatedAt = now
		if !sess.Status.Terminal() {
			if err := tx.SaveSession(ctx, sess); err != nil {
				return storeErr(err, "save session")
			}
			return nil
		}
		summary, attempt, err = e.close(ctx, tx, sess, level, 0, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	e.attachRanking(ctx, level, summary, attempt)

	if len(results) == 1 {
		e.publish(ctx, realtime.Message{UserID: userID, SessionID: sessionID, Event: realtime.EventResult, Data: results[0]})
	} else {
		e.publish(ctx, realtime.Message{UserID: userID, SessionID: sessionID, Event: realtime.EventResults, Data: results})
	}
	if summary != nil {
		e.publish(ctx, realtime.Message{UserID: userID, SessionID: sessionID, Event: realtime.EventSessionFinished, Data: summary})
	} else if last := results[len(results)-1]; last.NextQuestion != nil {
		e.publish(ctx, realtime.Message{UserID: userID, SessionID: sessionID, Event: realtime.EventQuestion, Data: *last.NextQuestion})
	}
	return results, summary, nil
}

// fastAnswer reports whether timeSecs beats the level's per-question budget.
func fastAnswer(level models.Level, timeSecs float64) bool {
	if timeSecs <= 0 || level.TimeLimitSecs <= 0 || level.RequiredCorrect <= 0 {
		return false
	}
	return timeSecs < float64(level.TimeLimitSecs)/float64(level.RequiredCorrect)
}

// rate runs the rating update for the batch and persists learner, question
// ratings and change log. It returns the learner rating after each outcome.
func (e *Engine) rate(ctx context.Context, tx store.Tx, userID int64, outcomes []rating.Outcome, before rating.SessionContext, prior map[int64]models.QuestionRating, now time.Time) ([]models.Rating, error) {
	if len(outcomes) == 0 {
		return nil, nil
	}
	current, err := tx.GetLearnerRating(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, storeErr(err, "get learner rating")
	}
	learner := e.params.DefaultLearner
	if current != nil {
		learner = current.Rating()
	}

	batch := e.params.UpdateBatch(learner, outcomes, before, now)

	if err := tx.UpsertLearnerRating(ctx, &models.LearnerRating{
		UserID: userID, Mu: batch.Learner.Mu, Sigma: batch.Learner.Sigma, LastPlayedAt: now,
	}); err != nil {
		return nil, storeErr(err, "save learner rating")
	}

	after := make([]models.Rating, len(batch.Results))
	final := make(map[int64]models.Rating)
	entries := make([]models.ChangeLogEntry, len(batch.Results))
	for i, r := range batch.Results {
		after[i] = r.Learner
		final[r.Entry.QuestionID] = r.Question
		entries[i] = r.Entry
	}
	for id, r := range final {
		qr := prior[id]
		qr.QuestionID = id
		qr.Mu, qr.Sigma = r.Mu, r.Sigma
		if err := tx.UpsertQuestionRating(ctx, qr); err != nil {
			return nil, storeErr(err, "save question rating %d", id)
		}
	}
	if err := tx.AppendChangeLog(ctx, entries); err != nil {
		return nil, storeErr(err, "append rating change log")
	}
	return after, nil
}

func (e *Engine) recordHistory(ctx context.Context, tx store.Tx, userID, unitID int64, grades []graded, now time.Time) error {
	for i, g := range grades {
		// Keep answer order visible in the history timestamps.
		at := now.Add(time.Duration(i) * time.Nanosecond)
		if err := tx.RecordHistory(ctx, userID, unitID, g.question.ID, g.correct, at); err != nil {
			return storeErr(err, "record history")
		}
	}
	return nil
}

func (e *Engine) recordAccuracy(ctx context.Context, tx store.Tx, userID, sectionID int64, grades []graded, now time.Time) error {
	if len(grades) == 0 {
		return nil
	}
	attempts := make([]accuracy.Attempt, len(grades))
	var keys []models.TopicKey
	for i, g := range grades {
		attempts[i] = accuracy.Attempt{
			UserID:    userID,
			SectionID: sectionID,
			Topics:    g.question.Topics,
			At:        now.Add(time.Duration(i) * time.Nanosecond),
			Correct:   g.correct,
		}
		for _, topic := range g.question.Topics {
			keys = append(keys, models.TopicKey{UserID: userID, SectionID: sectionID, TopicID: topic})
		}
	}

	records, err := tx.GetTopicPerformance(ctx, lo.Uniq(keys))
	if err != nil {
		return storeErr(err, "get topic performance")
	}
	if records == nil {
		records = make(map[models.TopicKey]*models.TopicPerformance)
	}
	touched := e.agg.ApplyBatch(records, attempts, now.Add(time.Duration(len(grades))*time.Nanosecond))
	recs := lo.Map(touched, func(k models.TopicKey, _ int) *models.TopicPerformance { return records[k] })
	if err := tx.SaveTopicPerformance(ctx, recs); err != nil {
		return storeErr(err, "save topic performance")
	}
	return nil
}

// ── End / Get ─────────────────────────────────────────────

// End closes a session on the caller's request. An abandoned session is
// closed without an attempt record; time_up completes it with whatever was
// achieved.
func (e *Engine) End(ctx context.Context, userID int64, sessionID string, req models.EndRequest) (*models.SessionSummary, error) {
	summary, err := e.end(ctx, userID, sessionID, req)
	if err != nil {
		return nil, e.fail(ctx, userID, sessionID, err)
	}
	return summary, nil
}

func (e *Engine) end(ctx context.Context, userID int64, sessionID string, req models.EndRequest) (*models.SessionSummary, error) {
	status := models.StatusAbandoned
	reason := models.ReasonAbandoned
	switch req.Reason {
	case "", models.ReasonAbandoned:
	case models.ReasonTimeUp:
		status, reason = models.StatusCompleted, models.ReasonTimeUp
	default:
		return nil, apperr.New(apperr.ValidationError, "unsupported end reason %q", req.Reason)
	}
	if req.TimeSecs < 0 {
		return nil, apperr.New(apperr.ValidationError, "time_secs must be non-negative")
	}

	unlock := e.locks.Lock(sessionID)
	defer unlock()

	now := e.now()
	var (
		summary *models.SessionSummary
		attempt *models.AttemptRecord
		level   *models.Level
	)
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		sess, err := e.loadOwned(ctx, tx, userID, sessionID)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return apperr.New(apperr.InvalidState, "session %s is already %s", sessionID, sess.Status)
		}
		level, err = tx.GetLevel(ctx, sess.LevelID)
		if err != nil {
			return storeErr(err, "level %d", sess.LevelID)
		}
		sess.Status, sess.FinishReason = status, reason
		summary, attempt, err = e.close(ctx, tx, sess, level, req.TimeSecs, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.attachRanking(ctx, level, summary, attempt)
	e.publish(ctx, realtime.Message{UserID: userID, SessionID: sessionID, Event: realtime.EventSessionFinished, Data: summary})
	return summary, nil
}

// Get returns the caller's session. A closed session stays readable until the
// next start on its level replaces it.
func (e *Engine) Get(ctx context.Context, userID int64, sessionID string) (*models.Session, error) {
	return e.loadOwned(ctx, e.store, userID, sessionID)
}

// Rating returns the learner's stored rating and its display value.
func (e *Engine) Rating(ctx context.Context, userID int64) (*models.RatingResponse, error) {
	r, err := e.store.GetLearnerRating(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.RatingResponse{
			Mu:            e.params.DefaultLearner.Mu,
			Sigma:         e.params.DefaultLearner.Sigma,
			DisplayRating: e.params.DisplayRating(e.params.DefaultLearner.Mu),
		}, nil
	}
	if err != nil {
		return nil, storeErr(err, "get learner rating")
	}
	return &models.RatingResponse{
		Mu:            r.Mu,
		Sigma:         r.Sigma,
		DisplayRating: e.params.DisplayRating(r.Mu),
		LastPlayedAt:  r.LastPlayedAt,
	}, nil
}

// loadOwned fetches a session and hides sessions of other users.
func (e *Engine) loadOwned(ctx context.Context, tx store.Tx, userID int64, sessionID string) (*models.Session, error) {
	sess, err := tx.GetSession(ctx, sessionID)
	if err != nil {
		return nil, storeErr(err, "session %s", sessionID)
	}
	if sess.UserID != userID {
		return nil, apperr.New(apperr.NotFound, "session %s not found", sessionID)
	}
	return sess, nil
}

// fail sends the public form of err to the caller's event stream and returns err.
func (e *Engine) fail(ctx context.Context, userID int64, sessionID string, err error) error {
	kind, msg := apperr.Public(err)
	e.publish(ctx, realtime.Message{
		UserID:    userID,
		SessionID: sessionID,
		Event:     realtime.EventError,
		Data:      models.ErrorResponse{Error: msg, Kind: string(kind)},
	})
	return err
}

func (e *Engine) publish(ctx context.Context, msg realtime.Message) {
	if err := e.pub.Publish(ctx, msg); err != nil {
		e.log.Warn("publish event failed", "event", msg.Event, "session_id", msg.SessionID, "error", err)
	}
}
