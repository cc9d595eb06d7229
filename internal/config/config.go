// Package config resolves runtime settings: defaults, then the YAML file,
// then environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/questgate/server/internal/integrity"
)

// Config is the resolved runtime configuration.
type Config struct {
	Port           string
	LogLevel       slog.Level
	AllowedOrigins []string

	RedisURL     string
	DatabaseURL  string
	MaxDBConns   int
	KafkaBrokers []string
	KafkaTopic   string

	Limits            integrity.Limits
	CommitTimeout     time.Duration
	FingerprintScheme integrity.FingerprintScheme
	HighRiskVerdict   integrity.Verdict
	DetectAutomation  bool
	MaxClockSkew      time.Duration

	LockTimeout      time.Duration
	LockTTL          time.Duration
	HistoryRetention time.Duration

	Quests []integrity.Quest
}

// Gate returns the subset the integrity gate consumes.
func (c Config) Gate() integrity.GateConfig {
	return integrity.GateConfig{
		Limits:           c.Limits,
		Scheme:           c.FingerprintScheme,
		CommitTimeout:    c.CommitTimeout,
		HighRiskVerdict:  c.HighRiskVerdict,
		DetectAutomation: c.DetectAutomation,
		MaxClockSkew:     c.MaxClockSkew,
	}
}

// configFile mirrors configs/default.yaml.
type configFile struct {
	Server struct {
		Port           string   `yaml:"port"`
		LogLevel       string   `yaml:"log_level"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Dependencies struct {
		RedisURL     string   `yaml:"redis_url"`
		PostgresURL  string   `yaml:"postgres_url"`
		MaxDBConns   int      `yaml:"max_db_conns"`
		KafkaBrokers []string `yaml:"kafka_brokers"`
		KafkaTopic   string   `yaml:"kafka_topic"`
	} `yaml:"dependencies"`
	Gate struct {
		Limits            *integrity.Limits `yaml:"limits"`
		CommitTimeout     time.Duration     `yaml:"commit_timeout"`
		FingerprintScheme string            `yaml:"fingerprint_scheme"`
		HighRiskVerdict   string            `yaml:"high_risk_verdict"`
		DetectAutomation  *bool             `yaml:"detect_automation"`
		MaxClockSkew      time.Duration     `yaml:"max_clock_skew"`
	} `yaml:"gate"`
	Locking struct {
		Timeout time.Duration `yaml:"timeout"`
		TTL     time.Duration `yaml:"ttl"`
	} `yaml:"locking"`
	History struct {
		Retention time.Duration `yaml:"retention"`
	} `yaml:"history"`
	Quests []integrity.Quest `yaml:"quests"`
}

// Load resolves configuration. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Config{
		Port:              "8080",
		LogLevel:          slog.LevelInfo,
		AllowedOrigins:    []string{"*"},
		MaxDBConns:        10,
		KafkaTopic:        "quest.submission.decided",
		Limits:            integrity.DefaultLimits(),
		CommitTimeout:     integrity.DefaultCommitTimeout,
		FingerprintScheme: integrity.SchemeSHA256,
		HighRiskVerdict:   integrity.VerdictFlag,
		DetectAutomation:  true,
		MaxClockSkew:      5 * time.Minute,
		LockTimeout:       3 * time.Second,
		LockTTL:           10 * time.Second,
		HistoryRetention:  30 * 24 * time.Hour,
	}

	var rawScheme, rawVerdict, rawLevel string

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			var f configFile
			if err := yaml.Unmarshal(raw, &f); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
			applyFile(&cfg, f)
			rawScheme = f.Gate.FingerprintScheme
			rawVerdict = f.Gate.HighRiskVerdict
			rawLevel = f.Server.LogLevel
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.Port = envOrDefault("PORT", cfg.Port)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopic = envOrDefault("KAFKA_TOPIC", cfg.KafkaTopic)
	rawLevel = envOrDefault("LOG_LEVEL", rawLevel)
	rawScheme = envOrDefault("FINGERPRINT_SCHEME", rawScheme)
	rawVerdict = envOrDefault("HIGH_RISK_VERDICT", rawVerdict)
	if ms := envInt("COMMIT_TIMEOUT_MS", 0); ms > 0 {
		cfg.CommitTimeout = time.Duration(ms) * time.Millisecond
	}

	if rawLevel != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(rawLevel)); err != nil {
			return Config{}, fmt.Errorf("log level %q: %w", rawLevel, err)
		}
	}
	if rawScheme != "" {
		scheme, err := integrity.ParseFingerprintScheme(rawScheme)
		if err != nil {
			return Config{}, err
		}
		cfg.FingerprintScheme = scheme
	}
	if rawVerdict != "" {
		v := integrity.Verdict(strings.ToLower(strings.TrimSpace(rawVerdict)))
		if v != integrity.VerdictFlag && v != integrity.VerdictReject {
			return Config{}, fmt.Errorf("high risk verdict %q: want flag or reject", rawVerdict)
		}
		cfg.HighRiskVerdict = v
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, f configFile) {
	if f.Server.Port != "" {
		cfg.Port = f.Server.Port
	}
	if len(f.Server.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = f.Server.AllowedOrigins
	}
	if f.Dependencies.RedisURL != "" {
		cfg.RedisURL = f.Dependencies.RedisURL
	}
	if f.Dependencies.PostgresURL != "" {
		cfg.DatabaseURL = f.Dependencies.PostgresURL
	}
	if f.Dependencies.MaxDBConns > 0 {
		cfg.MaxDBConns = f.Dependencies.MaxDBConns
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = f.Dependencies.KafkaBrokers
	}
	if f.Dependencies.KafkaTopic != "" {
		cfg.KafkaTopic = f.Dependencies.KafkaTopic
	}
	if f.Gate.Limits != nil {
		cfg.Limits = *f.Gate.Limits
	}
	if f.Gate.CommitTimeout > 0 {
		cfg.CommitTimeout = f.Gate.CommitTimeout
	}
	if f.Gate.DetectAutomation != nil {
		cfg.DetectAutomation = *f.Gate.DetectAutomation
	}
	if f.Gate.MaxClockSkew > 0 {
		cfg.MaxClockSkew = f.Gate.MaxClockSkew
	}
	if f.Locking.Timeout > 0 {
		cfg.LockTimeout = f.Locking.Timeout
	}
	if f.Locking.TTL > 0 {
		cfg.LockTTL = f.Locking.TTL
	}
	if f.History.Retention > 0 {
		cfg.HistoryRetention = f.History.Retention
	}
	if len(f.Quests) > 0 {
		cfg.Quests = f.Quests
	}
}

func (c Config) validate() error {
	if c.Limits.PerHour <= 0 || c.Limits.PerDay <= 0 {
		return fmt.Errorf("limits: per_hour and per_day must be positive")
	}
	if c.Limits.Cooldown < 0 {
		return fmt.Errorf("limits: cooldown must not be negative")
	}
	if c.LockTTL < c.LockTimeout {
		return fmt.Errorf("locking: ttl %s shorter than timeout %s", c.LockTTL, c.LockTimeout)
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
