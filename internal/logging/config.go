package logging

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/dealflow/internal/config"
)

// Config is the resolved logger configuration. Operators set only the
// logging section of the config file; FromSettings fills in the rest.
type Config struct {
	Level  zapcore.Level
	Format string // json or console

	Stdout bool
	OTEL   bool

	Sampling SamplingConfig

	// Caller annotates entries with file:line, skipping CallerSkip extra
	// frames for wrappers around Logger.
	Caller     bool
	CallerSkip int

	// StackLevel is the lowest level that carries a stack trace.
	StackLevel zapcore.Level

	// Fields are attached to every entry.
	Fields    map[string]string
	Redaction RedactionConfig
}

// SamplingConfig keeps the first Initial entries with the same message per
// Tick, then every Thereafter-th.
type SamplingConfig struct {
	Enabled    bool
	Tick       config.Duration
	Initial    int
	Thereafter int
}

// RedactionConfig lists denied keys and value patterns. Content adds the
// inbound scrubber for string values and messages.
type RedactionConfig struct {
	Enabled  bool
	Fields   []string
	Patterns []string
	Content  bool
}

var defaultRedactedKeys = []string{
	"password", "secret", "token", "api_key", "authorization",
	"bearer", "credential", "dsn", "iban", "card_number",
}

var defaultRedactedPatterns = []string{
	`(?i)bearer\s+\S+`,
	`(?i)api[_-]?key[=:]\s*\S+`,
	`sk-ant-[A-Za-z0-9_-]{10,}`,
}

func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Stdout: true,
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       config.Duration(time.Second),
			Initial:    100,
			Thereafter: 10,
		},
		Caller:     true,
		StackLevel: zapcore.ErrorLevel,
		Fields:     map[string]string{"service": "dealflow"},
		Redaction: RedactionConfig{
			Enabled:  true,
			Fields:   append([]string(nil), defaultRedactedKeys...),
			Patterns: append([]string(nil), defaultRedactedPatterns...),
			Content:  true,
		},
	}
}

// FromSettings builds a logger config from the file-level logging section.
func FromSettings(s config.LoggingConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if s.Level != "" {
		lvl, err := LevelFromString(s.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
		cfg.Level = lvl
	}
	if s.Format != "" {
		cfg.Format = s.Format
	}
	cfg.OTEL = s.OTEL
	cfg.Sampling.Enabled = s.Sampling
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Format != "json" && c.Format != "console" {
		errs = append(errs, fmt.Errorf("format must be json or console, got %q", c.Format))
	}
	if !c.Stdout && !c.OTEL {
		errs = append(errs, errors.New("no output enabled (stdout or otel)"))
	}
	if c.Sampling.Enabled && c.Sampling.Tick.Duration() <= 0 {
		errs = append(errs, errors.New("sampling tick must be positive"))
	}
	if c.CallerSkip < 0 {
		errs = append(errs, fmt.Errorf("caller skip must not be negative, got %d", c.CallerSkip))
	}
	if c.Redaction.Enabled {
		if _, err := compilePatterns(c.Redaction.Patterns); err != nil {
			errs = append(errs, err)
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			errs = append(errs, fmt.Errorf("field %q: key and value are required", k))
		}
	}
	return errors.Join(errs...)
}
