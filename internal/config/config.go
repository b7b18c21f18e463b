package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

type ServerConfig struct {
	Port           string   `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	// Memory runs the engine against the in-process store instead of Postgres.
	Memory bool `mapstructure:"memory"`
}

type RedisConfig struct {
	Addr    string `mapstructure:"addr"`
	Channel string `mapstructure:"channel"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type LogConfig struct {
	Mode string `mapstructure:"mode"`
}

// EngineConfig holds every tunable of the rating, allocation and session logic.
type EngineConfig struct {
	MuMin                float64 `mapstructure:"mu_min"`
	SigmaMin             float64 `mapstructure:"sigma_min"`
	SigmaLTScalingFactor float64 `mapstructure:"sigma_lt_scaling_factor"`
	SigmaGTScalingFactor float64 `mapstructure:"sigma_gt_scaling_factor"`
	SigmaDecayConst      float64 `mapstructure:"sigma_decay_const"`
	MinHistory           int     `mapstructure:"min_history"`
	Beta                 float64 `mapstructure:"beta"`
	Tau                  float64 `mapstructure:"tau"`
	DefaultLearnerMu     float64 `mapstructure:"default_learner_mu"`
	DefaultLearnerSigma  float64 `mapstructure:"default_learner_sigma"`
	DefaultQuestionMu    float64 `mapstructure:"default_question_mu"`
	DefaultQuestionSigma float64 `mapstructure:"default_question_sigma"`

	WindowSize     int     `mapstructure:"window_size"`
	AccuracyWeight float64 `mapstructure:"accuracy_weight"`

	Policy             string  `mapstructure:"policy"`
	FetchTarget        int     `mapstructure:"fetch_target"`
	SkillRoundSize     int     `mapstructure:"skill_round_size"`
	WrongQuotaRatio    float64 `mapstructure:"wrong_quota_ratio"`
	MaxWidenIterations int     `mapstructure:"max_widen_iterations"`

	Hearts           int `mapstructure:"hearts"`
	HealthMax        int `mapstructure:"health_max"`
	CoinsPerCorrect  int `mapstructure:"coins_per_correct"`
	DefaultXPCorrect int `mapstructure:"default_xp_correct"`

	RatingDefault    int `mapstructure:"rating_default"`
	RatingMultiplier int `mapstructure:"rating_multiplier"`
	RatingMax        int `mapstructure:"rating_max"`
}

// Load reads an optional .env file, then configuration from environment
// variables layered over defaults. ENGINE_MU_MIN maps to engine.mu_min.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "assessment")
	v.SetDefault("database.user", "assessment")
	v.SetDefault("database.password", "assessment")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.memory", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.channel", "assessment-events")

	v.SetDefault("auth.jwt_secret", "change-me-in-production")
	v.SetDefault("log.mode", "development")

	d := DefaultEngine()
	v.SetDefault("engine.mu_min", d.MuMin)
	v.SetDefault("engine.sigma_min", d.SigmaMin)
	v.SetDefault("engine.sigma_lt_scaling_factor", d.SigmaLTScalingFactor)
	v.SetDefault("engine.sigma_gt_scaling_factor", d.SigmaGTScalingFactor)
	v.SetDefault("engine.sigma_decay_const", d.SigmaDecayConst)
	v.SetDefault("engine.min_history", d.MinHistory)
	v.SetDefault("engine.beta", d.Beta)
	v.SetDefault("engine.tau", d.Tau)
	v.SetDefault("engine.default_learner_mu", d.DefaultLearnerMu)
	v.SetDefault("engine.default_learner_sigma", d.DefaultLearnerSigma)
	v.SetDefault("engine.default_question_mu", d.DefaultQuestionMu)
	v.SetDefault("engine.default_question_sigma", d.DefaultQuestionSigma)
	v.SetDefault("engine.window_size", d.WindowSize)
	v.SetDefault("engine.accuracy_weight", d.AccuracyWeight)
	v.SetDefault("engine.policy", d.Policy)
	v.SetDefault("engine.fetch_target", d.FetchTarget)
	v.SetDefault("engine.skill_round_size", d.SkillRoundSize)
	v.SetDefault("engine.wrong_quota_ratio", d.WrongQuotaRatio)
	v.SetDefault("engine.max_widen_iterations", d.MaxWidenIterations)
	v.SetDefault("engine.hearts", d.Hearts)
	v.SetDefault("engine.health_max", d.HealthMax)
	v.SetDefault("engine.coins_per_correct", d.CoinsPerCorrect)
	v.SetDefault("engine.default_xp_correct", d.DefaultXPCorrect)
	v.SetDefault("engine.rating_default", d.RatingDefault)
	v.SetDefault("engine.rating_multiplier", d.RatingMultiplier)
	v.SetDefault("engine.rating_max", d.RatingMax)
}

// DefaultEngine returns the engine tunables used when nothing is configured.
func DefaultEngine() EngineConfig {
	return EngineConfig{
		MuMin:                3,
		SigmaMin:             3,
		SigmaLTScalingFactor: 5,
		SigmaGTScalingFactor: 0.01,
		SigmaDecayConst:      0.5,
		MinHistory:           5,
		Beta:                 25.0 / 6.0,
		Tau:                  25.0 / 300.0,
		DefaultLearnerMu:     15,
		DefaultLearnerSigma:  10,
		DefaultQuestionMu:    15,
		DefaultQuestionSigma: 10,
		WindowSize:           10,
		AccuracyWeight:       1.2,
		Policy:               "quota",
		FetchTarget:          10,
		SkillRoundSize:       3,
		WrongQuotaRatio:      0.3,
		MaxWidenIterations:   20,
		Hearts:               3,
		HealthMax:            6,
		CoinsPerCorrect:      10,
		DefaultXPCorrect:     10,
		RatingDefault:        500,
		RatingMultiplier:     100,
		RatingMax:            20000,
	}
}

func (c *Config) Validate() error {
	e := c.Engine
	switch {
	case e.MuMin < 0 || e.SigmaMin <= 0:
		return fmt.Errorf("engine.mu_min and engine.sigma_min must be positive")
	case e.WindowSize <= 0:
		return fmt.Errorf("engine.window_size must be > 0, got %d", e.WindowSize)
	case e.AccuracyWeight <= 0:
		return fmt.Errorf("engine.accuracy_weight must be > 0, got %f", e.AccuracyWeight)
	case e.Policy != "quota" && e.Policy != "skill_window":
		return fmt.Errorf("engine.policy must be 'quota' or 'skill_window', got %q", e.Policy)
	case e.FetchTarget <= 0 || e.SkillRoundSize <= 0:
		return fmt.Errorf("engine.fetch_target and engine.skill_round_size must be > 0")
	case e.MaxWidenIterations <= 0:
		return fmt.Errorf("engine.max_widen_iterations must be > 0")
	case e.Hearts <= 0 || e.HealthMax <= 0:
		return fmt.Errorf("engine.hearts and engine.health_max must be > 0")
	}
	return nil
}

// DSN returns the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.Name, c.Database.SSLMode,
	)
}
