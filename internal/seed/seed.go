package seed

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lsat-prep/assessment/internal/models"
	"github.com/lsat-prep/assessment/internal/store"
)

// File is a corpus snapshot: users, levels and rated questions.
type File struct {
	Users     []User     `yaml:"users"`
	Levels    []Level    `yaml:"levels"`
	Questions []Question `yaml:"questions"`
}

type User struct {
	ID        int64  `yaml:"id"`
	Name      string `yaml:"name"`
	Username  string `yaml:"username"`
	AvatarURL string `yaml:"avatar_url"`
}

type Level struct {
	ID              int64    `yaml:"id"`
	ChapterID       int64    `yaml:"chapter_id"`
	UnitID          int64    `yaml:"unit_id"`
	Order           int      `yaml:"order"`
	Name            string   `yaml:"name"`
	AttemptType     string   `yaml:"attempt_type"`
	Policy          string   `yaml:"policy"`
	RequiredCorrect int      `yaml:"required_correct"`
	TotalQuestions  int      `yaml:"total_questions"`
	TimeLimitSecs   int      `yaml:"time_limit_secs"`
	AllowedTopics   []string `yaml:"allowed_topics"`
}

type Question struct {
	ID        int64    `yaml:"id"`
	ChapterID int64    `yaml:"chapter_id"`
	UnitID    int64    `yaml:"unit_id"`
	Topics    []string `yaml:"topics"`
	Prompt    string   `yaml:"prompt"`
	Options   []string `yaml:"options"`
	Correct   []int    `yaml:"correct"`
	Inactive  bool     `yaml:"inactive"`
	Rating    *Rating  `yaml:"rating"`
}

type Rating struct {
	Mu          float64 `yaml:"mu"`
	Sigma       float64 `yaml:"sigma"`
	XPCorrect   int     `yaml:"xp_correct"`
	XPIncorrect int     `yaml:"xp_incorrect"`
}

// Parse decodes and validates a seed document. Unknown keys are rejected.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func ParseFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer fh.Close()
	return Parse(fh)
}

func (f *File) Validate() error {
	levelIDs := map[int64]bool{}
	for i, l := range f.Levels {
		if l.ID <= 0 {
			return fmt.Errorf("levels[%d]: id is required", i)
		}
		if levelIDs[l.ID] {
			return fmt.Errorf("levels[%d]: duplicate id %d", i, l.ID)
		}
		levelIDs[l.ID] = true
		if !models.ValidAttemptTypes[models.AttemptType(l.AttemptType)] {
			return fmt.Errorf("levels[%d]: invalid attempt_type %q", i, l.AttemptType)
		}
		if l.Policy != "" && !models.ValidAllocationPolicies[models.AllocationPolicy(l.Policy)] {
			return fmt.Errorf("levels[%d]: invalid policy %q", i, l.Policy)
		}
		if l.RequiredCorrect < 0 || l.TotalQuestions < 0 || l.RequiredCorrect > l.TotalQuestions {
			return fmt.Errorf("levels[%d]: required_correct must be within [0, total_questions]", i)
		}
	}

	questionIDs := map[int64]bool{}
	for i, q := range f.Questions {
		if q.ID <= 0 {
			return fmt.Errorf("questions[%d]: id is required", i)
		}
		if questionIDs[q.ID] {
			return fmt.Errorf("questions[%d]: duplicate id %d", i, q.ID)
		}
		questionIDs[q.ID] = true
		if len(q.Options) == 0 || len(q.Correct) == 0 {
			return fmt.Errorf("questions[%d]: options and correct are required", i)
		}
		for _, c := range q.Correct {
			if c < 0 || c >= len(q.Options) {
				return fmt.Errorf("questions[%d]: correct index %d out of range", i, c)
			}
		}
		if q.Rating != nil && q.Rating.Sigma <= 0 {
			return fmt.Errorf("questions[%d]: rating sigma must be positive", i)
		}
	}
	return nil
}

type Counts struct {
	Users, Levels, Questions, Ratings int
}

// Apply upserts everything in f in one transaction.
func Apply(ctx context.Context, st store.Store, f *File) (Counts, error) {
	var c Counts
	err := st.InTx(ctx, func(tx store.Tx) error {
		for _, u := range f.Users {
			if err := tx.UpsertUser(ctx, &models.User{ID: u.ID, Name: u.Name, Username: u.Username, AvatarURL: u.AvatarURL}); err != nil {
				return fmt.Errorf("upsert user %d: %w", u.ID, err)
			}
			c.Users++
		}
		for _, l := range f.Levels {
			level := models.Level{
				ID:              l.ID,
				ChapterID:       l.ChapterID,
				UnitID:          l.UnitID,
				Order:           l.Order,
				Name:            l.Name,
				AttemptType:     models.AttemptType(l.AttemptType),
				Policy:          models.AllocationPolicy(l.Policy),
				RequiredCorrect: l.RequiredCorrect,
				TotalQuestions:  l.TotalQuestions,
				TimeLimitSecs:   l.TimeLimitSecs,
				AllowedTopics:   l.AllowedTopics,
			}
			if err := tx.UpsertLevel(ctx, &level); err != nil {
				return fmt.Errorf("upsert level %d: %w", l.ID, err)
			}
			c.Levels++
		}
		for _, q := range f.Questions {
			status := models.QuestionActive
			if q.Inactive {
				status = models.QuestionInactive
			}
			question := models.Question{
				ID:             q.ID,
				ChapterID:      q.ChapterID,
				UnitID:         q.UnitID,
				Topics:         q.Topics,
				Prompt:         q.Prompt,
				Options:        q.Options,
				CorrectIndices: q.Correct,
				Status:         status,
			}
			if err := tx.UpsertQuestion(ctx, &question); err != nil {
				return fmt.Errorf("upsert question %d: %w", q.ID, err)
			}
			c.Questions++

			if q.Rating == nil {
				continue
			}
			if err := tx.UpsertQuestionRating(ctx, models.QuestionRating{
				QuestionID:  q.ID,
				Mu:          q.Rating.Mu,
				Sigma:       q.Rating.Sigma,
				XPCorrect:   q.Rating.XPCorrect,
				XPIncorrect: q.Rating.XPIncorrect,
			}); err != nil {
				return fmt.Errorf("upsert question rating %d: %w", q.ID, err)
			}
			c.Ratings++
		}
		return nil
	})
	return c, err
}
