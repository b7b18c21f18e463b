package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/lsat-prep/assessment/internal/allocator"
	"github.com/lsat-prep/assessment/internal/models"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Postgres struct {
	db   *sql.DB
	q    querier
	inTx bool
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, q: db}
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if p.inTx {
		return fn(p)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Postgres{db: p.db, q: tx, inTx: true}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// ── Corpus ──────────────────────────────────────────────

const questionColumns = `q.id, q.chapter_id, q.unit_id, q.topics, q.prompt, q.options, q.correct_indices, q.status, q.created_at`

func scanQuestion(row interface{ Scan(...any) error }) (models.Question, error) {
	var (
		q       models.Question
		topics  pq.StringArray
		options []byte
		correct pq.Int64Array
	)
	if err := row.Scan(&q.ID, &q.ChapterID, &q.UnitID, &topics, &q.Prompt, &options, &correct, &q.Status, &q.CreatedAt); err != nil {
		return q, err
	}
	q.Topics = []string(topics)
	if len(options) > 0 {
		if err := json.Unmarshal(options, &q.Options); err != nil {
			return q, fmt.Errorf("decode options: %w", err)
		}
	}
	for _, c := range correct {
		q.CorrectIndices = append(q.CorrectIndices, int(c))
	}
	return q, nil
}

func (p *Postgres) queryQuestions(ctx context.Context, query string, args ...any) ([]models.Question, error) {
	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (p *Postgres) ActiveQuestions(ctx context.Context, scope allocator.Scope) ([]models.Question, error) {
	qs, err := p.queryQuestions(ctx,
		`SELECT `+questionColumns+`
		 FROM questions q
		 WHERE q.status = 'active'
		   AND ($1::bigint = 0 OR q.chapter_id = $1)
		   AND ($2::bigint = 0 OR q.unit_id = $2)
		 ORDER BY q.id`,
		scope.ChapterID, scope.UnitID,
	)
	if err != nil {
		return nil, fmt.Errorf("active questions: %w", err)
	}
	return qs, nil
}

func (p *Postgres) QuestionIDsInRange(ctx context.Context, scope allocator.Scope, lo, hi float64, exclude []int64, limit int) ([]int64, error) {
	rows, err := p.q.QueryContext(ctx,
		`SELECT q.id
		 FROM questions q
		 LEFT JOIN question_ratings r ON r.question_id = q.id
		 WHERE q.status = 'active'
		   AND ($1::bigint = 0 OR q.chapter_id = $1)
		   AND ($2::bigint = 0 OR q.unit_id = $2)
		   AND COALESCE(r.mu, 15) BETWEEN $3 AND $4
		   AND NOT (q.id = ANY($5))
		 ORDER BY q.id
		 LIMIT $6`,
		scope.ChapterID, scope.UnitID, lo, hi, idArray(exclude), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("questions in range: %w", err)
	}
	return scanIDs(rows)
}

func (p *Postgres) RandomQuestionIDs(ctx context.Context, n int, exclude []int64) ([]int64, error) {
	rows, err := p.q.QueryContext(ctx,
		`SELECT id FROM questions
		 WHERE status = 'active' AND NOT (id = ANY($1))
		 ORDER BY random()
		 LIMIT $2`,
		idArray(exclude), n,
	)
	if err != nil {
		return nil, fmt.Errorf("random questions: %w", err)
	}
	return scanIDs(rows)
}

// idArray never encodes as NULL, so "NOT (id = ANY($n))" holds for an empty list.
func idArray(ids []int64) pq.Int64Array {
	return pq.Int64Array(append([]int64{}, ids...))
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) GetQuestions(ctx context.Context, ids []int64) (map[int64]models.Question, error) {
	qs, err := p.queryQuestions(ctx,
		`SELECT `+questionColumns+` FROM questions q WHERE q.id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("get questions: %w", err)
	}
	out := make(map[int64]models.Question, len(qs))
	for _, q := range qs {
		out[q.ID] = q
	}
	return out, nil
}

func (p *Postgres) UpsertQuestion(ctx context.Context, q *models.Question) error {
	options, err := json.Marshal(q.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	if q.Status == "" {
		q.Status = models.QuestionActive
	}
	correct := make([]int64, len(q.CorrectIndices))
	for i, c := range q.CorrectIndices {
		correct[i] = int64(c)
	}
	if q.ID == 0 {
		err = p.q.QueryRowContext(ctx,
			`INSERT INTO questions (chapter_id, unit_id, topics, prompt, options, correct_indices, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id, created_at`,
			q.ChapterID, q.UnitID, pq.Array(q.Topics), q.Prompt, options, pq.Array(correct), q.Status,
		).Scan(&q.ID, &q.CreatedAt)
	} else {
		err = p.q.QueryRowContext(ctx,
			`INSERT INTO questions (id, chapter_id, unit_id, topics, prompt, options, correct_indices, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (id) DO UPDATE SET
			    chapter_id = EXCLUDED.chapter_id, unit_id = EXCLUDED.unit_id,
			    topics = EXCLUDED.topics, prompt = EXCLUDED.prompt, options = EXCLUDED.options,
			    correct_indices = EXCLUDED.correct_indices, status = EXCLUDED.status
			 RETURNING created_at`,
			q.ID, q.ChapterID, q.UnitID, pq.Array(q.Topics), q.Prompt, options, pq.Array(correct), q.Status,
		).Scan(&q.CreatedAt)
	}
	if err != nil {
		return fmt.Errorf("upsert question: %w", err)
	}
	return nil
}

const levelColumns = `id, chapter_id, unit_id, ord, name, attempt_type, policy, required_correct, total_questions, time_limit_secs, allowed_topics`

func scanLevel(row *sql.Row) (*models.Level, error) {
	var (
		l      models.Level
		topics pq.StringArray
	)
	err := row.Scan(&l.ID, &l.ChapterID, &l.UnitID, &l.Order, &l.Name, &l.AttemptType, &l.Policy,
		&l.RequiredCorrect, &l.TotalQuestions, &l.TimeLimitSecs, &topics)
	if err != nil {
		return nil, notFound(err)
	}
	l.AllowedTopics = []string(topics)
	return &l, nil
}

func (p *Postgres) GetLevel(ctx context.Context, levelID int64) (*models.Level, error) {
	return scanLevel(p.q.QueryRowContext(ctx, `SELECT `+levelColumns+` FROM levels WHERE id = $1`, levelID))
}

func (p *Postgres) NextLevel(ctx context.Context, chapterID int64, order int) (*models.Level, error) {
	return scanLevel(p.q.QueryRowContext(ctx,
		`SELECT `+levelColumns+` FROM levels
		 WHERE chapter_id = $1 AND ord > $2
		 ORDER BY ord LIMIT 1`,
		chapterID, order,
	))
}

func (p *Postgres) UpsertLevel(ctx context.Context, l *models.Level) error {
	err := p.q.QueryRowContext(ctx,
		`INSERT INTO levels (id, chapter_id, unit_id, ord, name, attempt_type, policy,
		                     required_correct, total_questions, time_limit_secs, allowed_topics)
		 VALUES (COALESCE(NULLIF($1::bigint, 0), nextval('levels_id_seq')), $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		    chapter_id = EXCLUDED.chapter_id, unit_id = EXCLUDED.unit_id, ord = EXCLUDED.ord,
		    name = EXCLUDED.name, attempt_type = EXCLUDED.attempt_type, policy = EXCLUDED.policy,
		    required_correct = EXCLUDED.required_correct, total_questions = EXCLUDED.total_questions,
		    time_limit_secs = EXCLUDED.time_limit_secs, allowed_topics = EXCLUDED.allowed_topics
		 RETURNING id`,
		l.ID, l.ChapterID, l.UnitID, l.Order, l.Name, l.AttemptType, l.Policy,
		l.RequiredCorrect, l.TotalQuestions, l.TimeLimitSecs, pq.Array(l.AllowedTopics),
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("upsert level: %w", err)
	}
	return nil
}

// ── Ratings ─────────────────────────────────────────────

func (p *Postgres) GetLearnerRating(ctx context.Context, userID int64) (*models.LearnerRating, error) {
	var r models.LearnerRating
	err := p.q.QueryRowContext(ctx,
		`SELECT user_id, mu, sigma, last_played_at FROM learner_ratings WHERE user_id = $1`,
		userID,
	).Scan(&r.UserID, &r.Mu, &r.Sigma, &r.LastPlayedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (p *Postgres) UpsertLearnerRating(ctx context.Context, r *models.LearnerRating) error {
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO learner_ratings (user_id, mu, sigma, last_played_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE SET
		    mu = EXCLUDED.mu, sigma = EXCLUDED.sigma, last_played_at = EXCLUDED.last_played_at`,
		r.UserID, r.Mu, r.Sigma, r.LastPlayedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert learner rating: %w", err)
	}
	return nil
}

func (p *Postgres) GetQuestionRatings(ctx context.Context, ids []int64) (map[int64]models.QuestionRating, error) {
	rows, err := p.q.QueryContext(ctx,
		`SELECT question_id, mu, sigma, xp_correct, xp_incorrect
		 FROM question_ratings WHERE question_id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("get question ratings: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]models.QuestionRating, len(ids))
	for rows.Next() {
		var r models.QuestionRating
		if err := rows.Scan(&r.QuestionID, &r.Mu, &r.Sigma, &r.XPCorrect, &r.XPIncorrect); err != nil {
			return nil, fmt.Errorf("scan question rating: %w", err)
		}
		out[r.QuestionID] = r
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertQuestionRating(ctx context.Context, r models.QuestionRating) error {
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO question_ratings (question_id, mu, sigma, xp_correct, xp_incorrect)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (question_id) DO UPDATE SET
		    mu = EXCLUDED.mu, sigma = EXCLUDED.sigma,
		    xp_correct = EXCLUDED.xp_correct, xp_incorrect = EXCLUDED.xp_incorrect`,
		r.QuestionID, r.Mu, r.Sigma, r.XPCorrect, r.XPIncorrect,
	)
	if err != nil {
		return fmt.Errorf("upsert question rating: %w", err)
	}
	return nil
}

func (p *Postgres) AppendChangeLog(ctx context.Context, entries []models.ChangeLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	const cols = 13
	placeholders := make([]string, 0, len(entries))
	args := make([]any, 0, len(entries)*cols)
	for i, e := range entries {
		base := i * cols
		ph := make([]string, cols)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ", ")+")")
		args = append(args, e.UserID, e.QuestionID, nullString(e.SessionID), e.IsCorrect,
			e.LearnerBefore.Mu, e.LearnerBefore.Sigma, e.LearnerAfter.Mu, e.LearnerAfter.Sigma,
			e.QuestionBefore.Mu, e.QuestionBefore.Sigma, e.QuestionAfter.Mu, e.QuestionAfter.Sigma,
			createdAt(e.CreatedAt))
	}
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO rating_changelog (user_id, question_id, session_id, is_correct,
		    learner_mu_before, learner_sigma_before, learner_mu_after, learner_sigma_after,
		    question_mu_before, question_sigma_before, question_mu_after, question_sigma_after,
		    created_at)
		 VALUES `+strings.Join(placeholders, ", "),
		args...,
	)
	if err != nil {
		return fmt.Errorf("append change log: %w", err)
	}
	return nil
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ── History ─────────────────────────────────────────────

func (p *Postgres) GetQuestionHistory(ctx context.Context, userID, unitID int64) (*models.QuestionHistory, error) {
	rows, err := p.q.QueryContext(ctx,
		`SELECT question_id, correct, answered_at FROM question_history
		 WHERE user_id = $1 AND unit_id = $2
		 ORDER BY answered_at`,
		userID, unitID,
	)
	if err != nil {
		return nil, fmt.Errorf("get question history: %w", err)
	}
	defer rows.Close()

	h := &models.QuestionHistory{UserID: userID, UnitID: unitID}
	for rows.Next() {
		var (
			item    models.HistoryItem
			correct bool
		)
		if err := rows.Scan(&item.QuestionID, &correct, &item.AnsweredAt); err != nil {
			return nil, fmt.Errorf("scan question history: %w", err)
		}
		if correct {
			h.Correct = append(h.Correct, item)
		} else {
			h.Wrong = append(h.Wrong, item)
		}
	}
	return h, rows.Err()
}

func (p *Postgres) RetractHistory(ctx context.Context, userID, unitID int64, ids []int64) error {
	_, err := p.q.ExecContext(ctx,
		`DELETE FROM question_history
		 WHERE user_id = $1 AND unit_id = $2 AND question_id = ANY($3)`,
		userID, unitID, pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("retract question history: %w", err)
	}
	return nil
}

func (p *Postgres) RecordHistory(ctx context.Context, userID, unitID, questionID int64, correct bool, at time.Time) error {
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO question_history (user_id, unit_id, question_id, correct, answered_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id, unit_id, question_id) DO UPDATE SET
		    correct = EXCLUDED.correct, answered_at = EXCLUDED.answered_at`,
		userID, unitID, questionID, correct, at,
	)
	if err != nil {
		return fmt.Errorf("record question history: %w", err)
	}
	return nil
}

// ── Sessions ────────────────────────────────────────────

const sessionColumns = `id, user_id, level_id, section_id, policy, status, hearts, streak, score,
	max_score, max_streak, required_correct, pool, cursor_pos, answered_correct, answered_incorrect,
	finish_reason, started_at, updated_at, ended_at`

func scanSession(row *sql.Row) (*models.Session, error) {
	var (
		s                        models.Session
		pool, correct, incorrect pq.Int64Array
		reason                   sql.NullString
		endedAt                  sql.NullTime
	)
	err := row.Scan(&s.ID, &s.UserID, &s.LevelID, &s.SectionID, &s.Policy, &s.Status,
		&s.Hearts, &s.Streak, &s.Score, &s.MaxScore, &s.MaxStreak, &s.RequiredCorrect,
		&pool, &s.Cursor, &correct, &incorrect, &reason, &s.StartedAt, &s.UpdatedAt, &endedAt)
	if err != nil {
		return nil, notFound(err)
	}
	s.Pool = []int64(pool)
	s.AnsweredCorrect = []int64(correct)
	s.AnsweredIncorrect = []int64(incorrect)
	s.FinishReason = models.FinishReason(reason.String)
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	return &s, nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	if p.inTx {
		query += ` FOR UPDATE`
	}
	return scanSession(p.q.QueryRowContext(ctx, query, id))
}

func (p *Postgres) GetSessionForScope(ctx context.Context, userID, levelID int64) (*models.Session, error) {
	return scanSession(p.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1 AND level_id = $2`,
		userID, levelID,
	))
}

// SaveSession upserts s. The (user_id, level_id) uniqueness replaces any
// older ticket for the same level.
func (p *Postgres) SaveSession(ctx context.Context, s *models.Session) error {
	if _, err := p.q.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = $1 AND level_id = $2 AND id <> $3`,
		s.UserID, s.LevelID, s.ID,
	); err != nil {
		return fmt.Errorf("supersede session: %w", err)
	}
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		 ON CONFLICT (id) DO UPDATE SET
		    status = EXCLUDED.status, hearts = EXCLUDED.hearts, streak = EXCLUDED.streak,
		    score = EXCLUDED.score, max_score = EXCLUDED.max_score, max_streak = EXCLUDED.max_streak,
		    pool = EXCLUDED.pool, cursor_pos = EXCLUDED.cursor_pos,
		    answered_correct = EXCLUDED.answered_correct, answered_incorrect = EXCLUDED.answered_incorrect,
		    finish_reason = EXCLUDED.finish_reason, updated_at = EXCLUDED.updated_at, ended_at = EXCLUDED.ended_at`,
		s.ID, s.UserID, s.LevelID, s.SectionID, s.Policy, s.Status, s.Hearts, s.Streak, s.Score,
		s.MaxScore, s.MaxStreak, s.RequiredCorrect, pq.Array(s.Pool), s.Cursor,
		pq.Array(s.AnsweredCorrect), pq.Array(s.AnsweredIncorrect),
		nullString(string(s.FinishReason)), s.StartedAt, s.UpdatedAt, s.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// ── Topic performance ───────────────────────────────────

func (p *Postgres) GetTopicPerformance(ctx context.Context, keys []models.TopicKey) (map[models.TopicKey]*models.TopicPerformance, error) {
	out := make(map[models.TopicKey]*models.TopicPerformance, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	users := make([]int64, len(keys))
	sections := make([]int64, len(keys))
	topics := make([]string, len(keys))
	for i, k := range keys {
		users[i], sections[i], topics[i] = k.UserID, k.SectionID, k.TopicID
	}
	rows, err := p.q.QueryContext(ctx,
		`SELECT t.user_id, t.section_id, t.topic_id, t.attempts_window, t.accuracy_history, t.updated_at
		 FROM topic_performance t
		 JOIN unnest($1::bigint[], $2::bigint[], $3::text[]) AS k(user_id, section_id, topic_id)
		   ON k.user_id = t.user_id AND k.section_id = t.section_id AND k.topic_id = t.topic_id`,
		pq.Array(users), pq.Array(sections), pq.Array(topics),
	)
	if err != nil {
		return nil, fmt.Errorf("get topic performance: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec             models.TopicPerformance
			window, history []byte
		)
		if err := rows.Scan(&rec.UserID, &rec.SectionID, &rec.TopicID, &window, &history, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan topic performance: %w", err)
		}
		if err := json.Unmarshal(window, &rec.Window); err != nil {
			return nil, fmt.Errorf("decode attempts window: %w", err)
		}
		if err := json.Unmarshal(history, &rec.History); err != nil {
			return nil, fmt.Errorf("decode accuracy history: %w", err)
		}
		out[rec.Key()] = &rec
	}
	return out, rows.Err()
}

func (p *Postgres) SaveTopicPerformance(ctx context.Context, recs []*models.TopicPerformance) error {
	for _, rec := range recs {
		window, err := json.Marshal(rec.Window)
		if err != nil {
			return fmt.Errorf("encode attempts window: %w", err)
		}
		history, err := json.Marshal(rec.History)
		if err != nil {
			return fmt.Errorf("encode accuracy history: %w", err)
		}
		_, err = p.q.ExecContext(ctx,
			`INSERT INTO topic_performance (user_id, section_id, topic_id, attempts_window, accuracy_history, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (user_id, section_id, topic_id) DO UPDATE SET
			    attempts_window = EXCLUDED.attempts_window,
			    accuracy_history = EXCLUDED.accuracy_history,
			    updated_at = EXCLUDED.updated_at`,
			rec.UserID, rec.SectionID, rec.TopicID, window, history, rec.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("save topic performance: %w", err)
		}
	}
	return nil
}

// ── Progress ────────────────────────────────────────────

func (p *Postgres) GetOrCreateProgress(ctx context.Context, userID int64, initialHealth int) (*models.UserProgress, error) {
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO user_progress (user_id, health) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, initialHealth,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert progress: %w", err)
	}

	query := `SELECT user_id, health, coins, updated_at FROM user_progress WHERE user_id = $1`
	if p.inTx {
		query += ` FOR UPDATE`
	}
	var up models.UserProgress
	err = p.q.QueryRowContext(ctx, query, userID).Scan(&up.UserID, &up.Health, &up.Coins, &up.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return &up, nil
}

func (p *Postgres) AddHealth(ctx context.Context, userID int64, delta, limit int) (int, error) {
	var health int
	err := p.q.QueryRowContext(ctx,
		`UPDATE user_progress SET
		    health = LEAST(GREATEST(health + $2, 0), $3),
		    updated_at = NOW()
		 WHERE user_id = $1
		 RETURNING health`,
		userID, delta, limit,
	).Scan(&health)
	if err != nil {
		return 0, notFound(err)
	}
	return health, nil
}

func (p *Postgres) AddCoins(ctx context.Context, userID int64, amount int) error {
	res, err := p.q.ExecContext(ctx,
		`UPDATE user_progress SET coins = coins + $2, updated_at = NOW() WHERE user_id = $1`,
		userID, amount,
	)
	if err != nil {
		return fmt.Errorf("add coins: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetLevelProgress(ctx context.Context, userID, levelID int64) (*models.LevelProgress, error) {
	var (
		lp       models.LevelProgress
		bestTime sql.NullFloat64
	)
	err := p.q.QueryRowContext(ctx,
		`SELECT user_id, level_id, unlocked, completed, best_time_secs, max_score, max_streak,
		        max_correct, progress_pct, last_attempt_at
		 FROM level_progress WHERE user_id = $1 AND level_id = $2`,
		userID, levelID,
	).Scan(&lp.UserID, &lp.LevelID, &lp.Unlocked, &lp.Completed, &bestTime, &lp.MaxScore, &lp.MaxStreak,
		&lp.MaxCorrect, &lp.ProgressPct, &lp.LastAttemptAt)
	if err != nil {
		return nil, notFound(err)
	}
	if bestTime.Valid {
		lp.BestTimeSecs = &bestTime.Float64
	}
	return &lp, nil
}

func (p *Postgres) SaveLevelProgress(ctx context.Context, lp *models.LevelProgress) error {
	_, err := p.q.ExecContext(ctx,
		`INSERT INTO level_progress (user_id, level_id, unlocked, completed, best_time_secs,
		                             max_score, max_streak, max_correct, progress_pct, last_attempt_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (user_id, level_id) DO UPDATE SET
		    unlocked = EXCLUDED.unlocked, completed = EXCLUDED.completed,
		    best_time_secs = EXCLUDED.best_time_secs, max_score = EXCLUDED.max_score,
		    max_streak = EXCLUDED.max_streak, max_correct = EXCLUDED.max_correct,
		    progress_pct = EXCLUDED.progress_pct, last_attempt_at = EXCLUDED.last_attempt_at`,
		lp.UserID, lp.LevelID, lp.Unlocked, lp.Completed, lp.BestTimeSecs,
		lp.MaxScore, lp.MaxStreak, lp.MaxCorrect, lp.ProgressPct, lp.LastAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("save level progress: %w", err)
	}
	return nil
}

// ── Attempts and profiles ───────────────────────────────

func (p *Postgres) InsertAttempt(ctx context.Context, a *models.AttemptRecord) error {
	err := p.q.QueryRowContext(ctx,
		`INSERT INTO attempts (session_id, user_id, level_id, correct, score, time_secs, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		a.SessionID, a.UserID, a.LevelID, a.Correct, a.Score, a.TimeSecs, a.CompletedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func attemptOrder(higherIsBetter bool) string {
	if higherIsBetter {
		return "score DESC, time_secs ASC"
	}
	return "time_secs ASC, score DESC"
}

func (p *Postgres) BestAttempts(ctx context.Context, levelID int64, higherIsBetter bool) ([]models.AttemptRecord, error) {
	return p.TopAttempts(ctx, levelID, higherIsBetter, 0)
}

// TopAttempts returns one best row per user. k <= 0 means no limit.
func (p *Postgres) TopAttempts(ctx context.Context, levelID int64, higherIsBetter bool, k int) ([]models.AttemptRecord, error) {
	order := attemptOrder(higherIsBetter)
	var limit any
	if k > 0 {
		limit = k
	}
	rows, err := p.q.QueryContext(ctx,
		`SELECT id, session_id, user_id, level_id, correct, score, time_secs, completed_at
		 FROM (
		     SELECT a.*, ROW_NUMBER() OVER (PARTITION BY user_id ORDER BY `+order+`) AS rn
		     FROM attempts a WHERE level_id = $1
		 ) best
		 WHERE rn = 1
		 ORDER BY `+order+`, user_id
		 LIMIT $2`,
		levelID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("top attempts: %w", err)
	}
	defer rows.Close()

	var out []models.AttemptRecord
	for rows.Next() {
		var a models.AttemptRecord
		if err := rows.Scan(&a.ID, &a.SessionID, &a.UserID, &a.LevelID, &a.Correct, &a.Score, &a.TimeSecs, &a.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) GetProfiles(ctx context.Context, ids []int64) (map[int64]models.Profile, error) {
	rows, err := p.q.QueryContext(ctx,
		`SELECT id, name, COALESCE(username, ''), COALESCE(avatar_url, '')
		 FROM users WHERE id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("get profiles: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]models.Profile, len(ids))
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Username, &u.AvatarURL); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out[u.ID] = models.Profile{UserID: u.ID, DisplayName: u.DisplayName(), Username: u.Username, AvatarURL: u.AvatarURL}
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertUser(ctx context.Context, u *models.User) error {
	err := p.q.QueryRowContext(ctx,
		`INSERT INTO users (id, name, username, avatar_url)
		 VALUES (COALESCE(NULLIF($1::bigint, 0), nextval('users_id_seq')), $2, NULLIF($3, ''), NULLIF($4, ''))
		 ON CONFLICT (id) DO UPDATE SET
		    name = EXCLUDED.name, username = EXCLUDED.username, avatar_url = EXCLUDED.avatar_url
		 RETURNING id, created_at`,
		u.ID, u.Name, u.Username, u.AvatarURL,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}
