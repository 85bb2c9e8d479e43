// Package config loads dealflow configuration: defaults, then an optional
// YAML file, then DEALFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
	"github.com/fyrsmithlabs/dealflow/internal/redact"
)

// Config holds the complete dealflow configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Queue     QueueConfig     `koanf:"queue"`
	NATS      NATSConfig      `koanf:"nats"`
	Oracle    OracleConfig    `koanf:"oracle"`
	Policy    PolicyConfig    `koanf:"policy"`
	Sweep     SweepConfig     `koanf:"sweep"`
	Temporal  TemporalConfig  `koanf:"temporal"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Redaction redact.Config   `koanf:"redaction"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Store drivers.
const (
	DriverMemory = "memory"
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// StoreConfig selects the persistent store.
type StoreConfig struct {
	Driver string `koanf:"driver"`
	DSN    Secret `koanf:"dsn"`
}

// Queue backends.
const (
	QueueMemory = "memory"
	QueueNATS   = "nats"
)

// QueueConfig selects the task queue.
type QueueConfig struct {
	Backend      string   `koanf:"backend"`
	PollInterval Duration `koanf:"poll_interval"`
	MaxAttempts  int      `koanf:"max_attempts"`
}

// NATSConfig configures the JetStream connection used by the queue and the
// delivery publisher. With Embedded set, dealflowd runs its own server.
type NATSConfig struct {
	URL                   string   `koanf:"url"`
	Embedded              bool     `koanf:"embedded"`
	Port                  int      `koanf:"port"`
	StoreDir              string   `koanf:"store_dir"`
	Stream                string   `koanf:"stream"`
	SubjectPrefix         string   `koanf:"subject_prefix"`
	Consumer              string   `koanf:"consumer"`
	MaxDeliver            int      `koanf:"max_deliver"`
	AckWait               Duration `koanf:"ack_wait"`
	DeliveryStream        string   `koanf:"delivery_stream"`
	DeliverySubjectPrefix string   `koanf:"delivery_subject_prefix"`
}

// Oracle providers.
const (
	OracleAnthropic = "anthropic"
	OracleOpenAI    = "openai"
	OracleNone      = "none"
)

// OracleConfig configures the language model oracle.
type OracleConfig struct {
	Provider   string   `koanf:"provider"`
	APIKey     Secret   `koanf:"api_key"`
	Model      string   `koanf:"model"`
	BaseURL    string   `koanf:"base_url"`
	MaxTokens  int64    `koanf:"max_tokens"`
	Timeout    Duration `koanf:"timeout"`
	RateLimit  float64  `koanf:"rate_limit"`
	Burst      int      `koanf:"burst"`
	MaxRetries int      `koanf:"max_retries"`
}

// PolicyConfig is the default owner policy plus per-owner overrides.
type PolicyConfig struct {
	AutoSendEnabled  bool                   `koanf:"auto_send_enabled"`
	SandboxMode      bool                   `koanf:"sandbox_mode"`
	MinConfidence    float64                `koanf:"min_confidence"`
	NegotiationStyle string                 `koanf:"negotiation_style"`
	Owners           map[string]OwnerPolicy `koanf:"owners"`

	// ManualThreads opens new threads with autopilot off.
	ManualThreads bool `koanf:"manual_threads"`
}

// OwnerPolicy overrides individual policy fields for one owner. Unset fields
// inherit the default.
type OwnerPolicy struct {
	AutoSendEnabled  *bool    `koanf:"auto_send_enabled"`
	SandboxMode      *bool    `koanf:"sandbox_mode"`
	MinConfidence    *float64 `koanf:"min_confidence"`
	NegotiationStyle *string  `koanf:"negotiation_style"`
	MaxFollowUps     *int     `koanf:"max_follow_ups"`
}

// SweepConfig drives the periodic jobs.
type SweepConfig struct {
	Interval         Duration `koanf:"interval"`
	SilenceThreshold Duration `koanf:"silence_threshold"`
	MaxFollowUps     int      `koanf:"max_follow_ups"`
	ConflictWindow   Duration `koanf:"conflict_window"`
	RelayBatch       int      `koanf:"relay_batch"`
	RedeliveryAfter  Duration `koanf:"redelivery_after"`
}

// TemporalConfig enables the durable sweep workflow.
type TemporalConfig struct {
	Enabled    bool   `koanf:"enabled"`
	HostPort   string `koanf:"host_port"`
	Namespace  string `koanf:"namespace"`
	TaskQueue  string `koanf:"task_queue"`
	WorkflowID string `koanf:"workflow_id"`
}

// LoggingConfig is the subset of logger settings exposed in the file.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	OTEL     bool   `koanf:"otel"`
	Sampling bool   `koanf:"sampling"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled       bool    `koanf:"enabled"`
	Endpoint      string  `koanf:"endpoint"`
	Protocol      string  `koanf:"protocol"`
	Insecure      bool    `koanf:"insecure"`
	TLSSkipVerify bool    `koanf:"tls_skip_verify"`
	ServiceName   string  `koanf:"service_name"`
	SampleRate    float64 `koanf:"sample_rate"`
	Prometheus    bool    `koanf:"prometheus"` // OTEL instruments on /metrics
}

// Default returns the configuration used when nothing is set: in-memory
// store and queue, no oracle, autonomy off.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8480,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Store: StoreConfig{Driver: DriverMemory},
		Queue: QueueConfig{
			Backend:      QueueMemory,
			PollInterval: Duration(250 * time.Millisecond),
			MaxAttempts:  5,
		},
		NATS: NATSConfig{
			URL:                   "nats://127.0.0.1:4222",
			Port:                  4222,
			StoreDir:              "/var/lib/dealflow/nats",
			Stream:                "DEALFLOW_JOBS",
			SubjectPrefix:         "dealflow.jobs.",
			Consumer:              "dealflow-worker",
			MaxDeliver:            5,
			AckWait:               Duration(2 * time.Minute),
			DeliveryStream:        "DEALFLOW_DELIVERIES",
			DeliverySubjectPrefix: "dealflow.deliveries.",
		},
		Oracle: OracleConfig{
			Provider:   OracleNone,
			Timeout:    Duration(30 * time.Second),
			RateLimit:  2,
			Burst:      4,
			MaxRetries: 3,
		},
		Policy: PolicyConfig{
			MinConfidence:    negotiation.DefaultMinConfidence,
			NegotiationStyle: string(negotiation.StyleBalanced),
		},
		Sweep: SweepConfig{
			Interval:         Duration(time.Minute),
			SilenceThreshold: Duration(72 * time.Hour),
			MaxFollowUps:     negotiation.DefaultMaxFollowUps,
			ConflictWindow:   Duration(7 * 24 * time.Hour),
			RelayBatch:       100,
			RedeliveryAfter:  Duration(5 * time.Minute),
		},
		Temporal: TemporalConfig{
			HostPort:   "127.0.0.1:7233",
			Namespace:  "default",
			TaskQueue:  "dealflow-sweeps",
			WorkflowID: "dealflow-sweep",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Sampling: true,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			ServiceName: "dealflow",
			SampleRate:  1,
			Prometheus:  true,
		},
		Redaction: *redact.DefaultConfig(),
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port %d out of range 1-65535", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverMySQL, DriverSQLite:
		if !c.Store.DSN.IsSet() {
			errs = append(errs, fmt.Errorf("store.dsn required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Queue.Backend {
	case QueueMemory:
		if c.Queue.PollInterval.Duration() <= 0 {
			errs = append(errs, errors.New("queue.poll_interval must be positive"))
		}
	case QueueNATS:
		if !c.NATS.Embedded && c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url required unless nats.embedded"))
		}
		if c.NATS.MaxDeliver < 1 {
			errs = append(errs, errors.New("nats.max_deliver must be at least 1"))
		}
		if c.NATS.AckWait.Duration() <= 0 {
			errs = append(errs, errors.New("nats.ack_wait must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue.backend %q", c.Queue.Backend))
	}

	switch c.Oracle.Provider {
	case OracleNone:
	case OracleAnthropic:
		if !c.Oracle.APIKey.IsSet() {
			errs = append(errs, errors.New("oracle.api_key required for provider anthropic"))
		}
	case OracleOpenAI:
		if !c.Oracle.APIKey.IsSet() && c.Oracle.BaseURL == "" {
			errs = append(errs, errors.New("oracle.api_key or oracle.base_url required for provider openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown oracle.provider %q", c.Oracle.Provider))
	}
	if c.Oracle.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("oracle.timeout must be positive"))
	}

	if err := validConfidence("policy.min_confidence", c.Policy.MinConfidence); err != nil {
		errs = append(errs, err)
	}
	if s := negotiation.Style(c.Policy.NegotiationStyle); s != "" && !s.Valid() {
		errs = append(errs, fmt.Errorf("unknown policy.negotiation_style %q", s))
	}
	for owner, o := range c.Policy.Owners {
		if o.MinConfidence != nil {
			if err := validConfidence("policy.owners."+owner+".min_confidence", *o.MinConfidence); err != nil {
				errs = append(errs, err)
			}
		}
		if o.NegotiationStyle != nil && !negotiation.Style(*o.NegotiationStyle).Valid() {
			errs = append(errs, fmt.Errorf("unknown policy.owners.%s.negotiation_style %q", owner, *o.NegotiationStyle))
		}
	}

	if c.Sweep.Interval.Duration() <= 0 {
		errs = append(errs, errors.New("sweep.interval must be positive"))
	}
	if c.Sweep.SilenceThreshold.Duration() <= 0 {
		errs = append(errs, errors.New("sweep.silence_threshold must be positive"))
	}
	if c.Sweep.MaxFollowUps < 1 {
		errs = append(errs, errors.New("sweep.max_follow_ups must be at least 1"))
	}
	if c.Sweep.RelayBatch < 1 {
		errs = append(errs, errors.New("sweep.relay_batch must be at least 1"))
	}

	if c.Temporal.Enabled && (c.Temporal.HostPort == "" || c.Temporal.TaskQueue == "") {
		errs = append(errs, errors.New("temporal.host_port and temporal.task_queue required when temporal is enabled"))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate %v out of range [0,1]", c.Telemetry.SampleRate))
	}
	if err := c.Redaction.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("redaction: %w", err))
	}
	return errors.Join(errs...)
}

// validConfidence accepts (0,1]. Zero is rejected because a policy reads it
// as unset and falls back to the default threshold.
func validConfidence(field string, v float64) error {
	if math.IsNaN(v) || v <= 0 || v > 1 {
		return fmt.Errorf("%s %v out of range (0,1]", field, v)
	}
	return nil
}

// DefaultPolicy returns the policy applied to owners without overrides.
func (c *Config) DefaultPolicy() negotiation.Policy {
	return negotiation.Policy{
		AutoSendEnabled:  c.Policy.AutoSendEnabled,
		SandboxMode:      c.Policy.SandboxMode,
		MinConfidence:    c.Policy.MinConfidence,
		NegotiationStyle: negotiation.Style(c.Policy.NegotiationStyle),
		MaxFollowUps:     c.Sweep.MaxFollowUps,
	}
}

// Policies returns the policy source for the orchestrator: the default
// policy overlaid with each owner's overrides.
func (c *Config) Policies() negotiation.StaticPolicies {
	def := c.DefaultPolicy()
	owners := make(map[string]negotiation.Policy, len(c.Policy.Owners))
	for owner, o := range c.Policy.Owners {
		owners[owner] = o.apply(def)
	}
	return negotiation.StaticPolicies{Default: def, Owners: owners}
}

func (o OwnerPolicy) apply(p negotiation.Policy) negotiation.Policy {
	if o.AutoSendEnabled != nil {
		p.AutoSendEnabled = *o.AutoSendEnabled
	}
	if o.SandboxMode != nil {
		p.SandboxMode = *o.SandboxMode
	}
	if o.MinConfidence != nil {
		p.MinConfidence = *o.MinConfidence
	}
	if o.NegotiationStyle != nil {
		p.NegotiationStyle = negotiation.Style(*o.NegotiationStyle)
	}
	if o.MaxFollowUps != nil {
		p.MaxFollowUps = *o.MaxFollowUps
	}
	return p
}
