// Package config loads the runtime configuration from defaults, an optional
// YAML file, and environment variable overrides, in that order.
package config

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agentloop/agent"
	"github.com/BaSui01/agentloop/llm"
	"github.com/BaSui01/agentloop/store"
	"github.com/BaSui01/agentloop/summarize"
)

// Config is the full runtime configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" env:"LOG"`
	LLM        LLMConfig        `yaml:"llm" env:"LLM"`
	Database   DatabaseConfig   `yaml:"database" env:"DATABASE"`
	Redis      RedisConfig      `yaml:"redis" env:"REDIS"`
	Step       agent.StepConfig `yaml:"step" env:"STEP"`
	Loop       agent.LoopConfig `yaml:"loop" env:"LOOP"`
	Summarizer summarize.Config `yaml:"summarizer" env:"SUMMARIZER"`
}

// LLMConfig holds provider selection and the retry budget shared by all
// adapter calls.
type LLMConfig struct {
	Provider string          `yaml:"provider" env:"PROVIDER"`
	APIKey   string          `yaml:"api_key" env:"API_KEY"`
	BaseURL  string          `yaml:"base_url" env:"BASE_URL"`
	Model    string          `yaml:"model" env:"MODEL"`
	Timeout  time.Duration   `yaml:"timeout" env:"TIMEOUT"`
	Retry    llm.RetryConfig `yaml:"retry" env:"-"`
}

// DatabaseConfig selects the relational backend for message and agent state.
type DatabaseConfig struct {
	Driver   string           `yaml:"driver" env:"DRIVER"`
	Host     string           `yaml:"host" env:"HOST"`
	Port     int              `yaml:"port" env:"PORT"`
	User     string           `yaml:"user" env:"USER"`
	Password string           `yaml:"password" env:"PASSWORD"`
	Name     string           `yaml:"name" env:"NAME"`
	SSLMode  string           `yaml:"ssl_mode" env:"SSL_MODE"`
	Pool     store.PoolConfig `yaml:"pool" env:"-"`
}

// RedisConfig holds the run-status store and agent-lock settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	RunTTL       time.Duration `yaml:"run_ttl" env:"RUN_TTL"`
	LockTTL      time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			OutputPaths:  []string{"stdout"},
			EnableCaller: true,
		},
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o",
			Timeout:  60 * time.Second,
			Retry:    llm.DefaultRetryConfig(),
		},
		Database: DatabaseConfig{
			Driver:  "sqlite",
			Name:    "agentloop.db",
			SSLMode: "disable",
			Pool:    store.DefaultPoolConfig(),
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			RunTTL:       store.DefaultRunTTL,
			LockTTL:      store.DefaultLockTTL,
		},
		Step: agent.StepConfig{
			MaxSummarizeRetries: 3,
			LLMTimeout:          60 * time.Second,
		},
		Loop: agent.LoopConfig{MaxSteps: 50},
		Summarizer: summarize.Config{
			Mode:                summarize.TokenPressure,
			MessageBufferLimit:  60,
			MessageBufferMin:    10,
			TargetPressureRatio: 0.7,
			ContextWindow:       32768,
		},
	}
}

// Validate rejects configurations that would misbehave at runtime.
func (c *Config) Validate() error {
	var errs []string

	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("unknown database driver %q", c.Database.Driver))
	}
	switch c.Summarizer.Mode {
	case summarize.StaticBuffer, summarize.TokenPressure:
	default:
		errs = append(errs, fmt.Sprintf("unknown summarizer mode %q", c.Summarizer.Mode))
	}
	if c.Summarizer.MessageBufferMin > c.Summarizer.MessageBufferLimit {
		errs = append(errs, "summarizer message_buffer_min exceeds message_buffer_limit")
	}
	if r := c.Summarizer.TargetPressureRatio; r <= 0 || r > 1 {
		errs = append(errs, "summarizer target_pressure_ratio must be in (0, 1]")
	}
	if c.Loop.MaxSteps <= 0 {
		errs = append(errs, "loop max_steps must be positive")
	}
	if c.LLM.Provider == "" {
		errs = append(errs, "llm provider is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN builds the connection string store.Open expects for the configured
// driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// BuildLogger constructs the zap logger described by the log section.
func (lc LogConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if lc.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if len(lc.OutputPaths) > 0 {
		zc.OutputPaths = lc.OutputPaths
	}
	zc.DisableCaller = !lc.EnableCaller
	zc.DisableStacktrace = !lc.EnableStacktrace
	return zc.Build()
}
