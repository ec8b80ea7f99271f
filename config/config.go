// Package config loads service configuration from defaults, an optional
// YAML file and TXSCREEN_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/liamcoop/txscreen/annotation"
	"github.com/liamcoop/txscreen/scoring"
	"github.com/liamcoop/txscreen/tracing"
	"github.com/liamcoop/txscreen/workflow"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const EnvPrefix = "TXSCREEN"

// Customer sources accepted by CustomersConfig.Source.
const (
	CustomerSourcePostgres = "postgres"
	CustomerSourceStatic   = "static"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Scoring    ScoringConfig    `mapstructure:"scoring"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Customers  CustomersConfig  `mapstructure:"customers"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Annotation AnnotationConfig `mapstructure:"annotation"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AlertAddr       string        `mapstructure:"alert_addr"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level           string `mapstructure:"level"`
	ErrorSampleRate int    `mapstructure:"error_sample_rate"`
}

type WorkflowConfig struct {
	CustomerDataTimeout time.Duration `mapstructure:"customer_data_timeout"`
	RiskAnalysisTimeout time.Duration `mapstructure:"risk_analysis_timeout"`
	ComplianceTimeout   time.Duration `mapstructure:"compliance_timeout"`
	AnnotationTimeout   time.Duration `mapstructure:"annotation_timeout"`
	FraudAlertTimeout   time.Duration `mapstructure:"fraud_alert_timeout"`
	RunDeadline         time.Duration `mapstructure:"run_deadline"`
	AlertAssignee       string        `mapstructure:"alert_assignee"`
	Retry               RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
}

// ScoringConfig holds the point model. Empty country tables fall back to the
// built-in ones.
type ScoringConfig struct {
	CountryRisk          map[string]int    `mapstructure:"country_risk"`
	CountryAliases       map[string]string `mapstructure:"country_aliases"`
	LargeAmountThreshold string            `mapstructure:"large_amount_threshold"`
	LargeAmountPoints    int               `mapstructure:"large_amount_points"`
	SuspiciousPoints     int               `mapstructure:"suspicious_points"`
	SanctionsPoints      int               `mapstructure:"sanctions_points"`
	NewAccountDays       int               `mapstructure:"new_account_days"`
	NewAccountPoints     int               `mapstructure:"new_account_points"`
	LowTrustThreshold    float64           `mapstructure:"low_trust_threshold"`
	LowTrustPoints       int               `mapstructure:"low_trust_points"`
	PriorFraudPoints     int               `mapstructure:"prior_fraud_points"`
	// OperatorRules enables CEL factor rules stored in the database.
	OperatorRules bool `mapstructure:"operator_rules"`
}

type TracingConfig struct {
	// Correlator is "otel" or "log".
	Correlator    string  `mapstructure:"correlator"`
	ServiceName   string  `mapstructure:"service_name"`
	Exporter      string  `mapstructure:"exporter"`
	Endpoint      string  `mapstructure:"endpoint"`
	Insecure      bool    `mapstructure:"insecure"`
	SampleRatio   float64 `mapstructure:"sample_ratio"`
	RegistryLimit int     `mapstructure:"registry_limit"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type CustomersConfig struct {
	Source string `mapstructure:"source"`
	// File is a YAML or JSON map of transaction id to profile, read when
	// Source is static.
	File string `mapstructure:"file"`
}

type AlertsConfig struct {
	// URL of the alert adapter. Empty dispatches to an in-process store.
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AnnotationConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Model    string        `mapstructure:"model"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Template string        `mapstructure:"template"`
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment are used.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The unprefixed names predate the prefix and are still honoured.
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("log.level", EnvPrefix+"_LOG_LEVEL", "LOG_LEVEL")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Scoring.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	wf := workflow.DefaultConfig()
	p := scoring.DefaultPolicy()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.alert_addr", ":8081")
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.error_sample_rate", 100)

	v.SetDefault("workflow.customer_data_timeout", wf.CustomerDataTimeout)
	v.SetDefault("workflow.risk_analysis_timeout", wf.RiskAnalysisTimeout)
	v.SetDefault("workflow.compliance_timeout", wf.ComplianceTimeout)
	v.SetDefault("workflow.annotation_timeout", wf.AnnotationTimeout)
	v.SetDefault("workflow.fraud_alert_timeout", wf.FraudAlertTimeout)
	v.SetDefault("workflow.run_deadline", wf.RunDeadline)
	v.SetDefault("workflow.alert_assignee", wf.AlertAssignee)
	v.SetDefault("workflow.retry.max_attempts", wf.Retry.MaxAttempts)
	v.SetDefault("workflow.retry.initial_interval", wf.Retry.InitialInterval)
	v.SetDefault("workflow.retry.max_interval", wf.Retry.MaxInterval)
	v.SetDefault("workflow.retry.multiplier", wf.Retry.Multiplier)

	v.SetDefault("scoring.large_amount_threshold", p.LargeAmountThreshold.String())
	v.SetDefault("scoring.large_amount_points", p.LargeAmountPoints)
	v.SetDefault("scoring.suspicious_points", p.SuspiciousPoints)
	v.SetDefault("scoring.sanctions_points", p.SanctionsPoints)
	v.SetDefault("scoring.new_account_days", p.NewAccountDays)
	v.SetDefault("scoring.new_account_points", p.NewAccountPoints)
	v.SetDefault("scoring.low_trust_threshold", p.LowTrustThreshold)
	v.SetDefault("scoring.low_trust_points", p.LowTrustPoints)
	v.SetDefault("scoring.prior_fraud_points", p.PriorFraudPoints)
	v.SetDefault("scoring.operator_rules", false)

	v.SetDefault("tracing.correlator", "otel")
	v.SetDefault("tracing.service_name", "txscreen")
	v.SetDefault("tracing.exporter", tracing.ExporterStdout)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.registry_limit", tracing.DefaultRegistryLimit)

	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 5*time.Minute)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "txscreen.events")

	v.SetDefault("customers.source", CustomerSourcePostgres)
	v.SetDefault("customers.file", "")
	v.SetDefault("alerts.url", "")
	v.SetDefault("alerts.timeout", 5*time.Second)

	v.SetDefault("annotation.endpoint", "")
	v.SetDefault("annotation.model", "")
	v.SetDefault("annotation.api_key", "")
	v.SetDefault("annotation.timeout", wf.AnnotationTimeout)
	v.SetDefault("annotation.template", "")
}

// normalize restores the upper-case keys viper folds to lower case.
func (s *ScoringConfig) normalize() {
	if len(s.CountryRisk) > 0 {
		upper := make(map[string]int, len(s.CountryRisk))
		for code, pts := range s.CountryRisk {
			upper[strings.ToUpper(strings.TrimSpace(code))] = pts
		}
		s.CountryRisk = upper
	}
	if len(s.CountryAliases) > 0 {
		upper := make(map[string]string, len(s.CountryAliases))
		for name, code := range s.CountryAliases {
			upper[strings.ToUpper(strings.TrimSpace(name))] = strings.ToUpper(strings.TrimSpace(code))
		}
		s.CountryAliases = upper
	}
}

// Validate checks what the components would otherwise reject at startup.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.ScoringPolicy(); err != nil {
		errs = append(errs, err)
	}
	switch c.Tracing.Correlator {
	case "otel", "log":
	default:
		errs = append(errs, fmt.Errorf("tracing.correlator must be otel or log, got %q", c.Tracing.Correlator))
	}
	switch c.Tracing.Exporter {
	case tracing.ExporterOTLP, tracing.ExporterStdout, tracing.ExporterNone:
	default:
		errs = append(errs, fmt.Errorf("unknown tracing.exporter %q", c.Tracing.Exporter))
	}
	switch c.Customers.Source {
	case CustomerSourcePostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres customer source"))
		}
	case CustomerSourceStatic:
	default:
		errs = append(errs, fmt.Errorf("unknown customers.source %q", c.Customers.Source))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, errors.New("server.request_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// ScoringPolicy builds and validates the point model.
func (c *Config) ScoringPolicy() (scoring.Policy, error) {
	s := c.Scoring
	p := scoring.DefaultPolicy()
	if len(s.CountryRisk) > 0 {
		p.CountryRisk = s.CountryRisk
		p.CountryAliases = s.CountryAliases
	} else if len(s.CountryAliases) > 0 {
		p.CountryAliases = s.CountryAliases
	}
	if s.LargeAmountThreshold != "" {
		threshold, err := decimal.NewFromString(s.LargeAmountThreshold)
		if err != nil {
			return scoring.Policy{}, fmt.Errorf("invalid scoring.large_amount_threshold %q: %w", s.LargeAmountThreshold, err)
		}
		p.LargeAmountThreshold = threshold
	}
	p.LargeAmountPoints = s.LargeAmountPoints
	p.SuspiciousPoints = s.SuspiciousPoints
	p.SanctionsPoints = s.SanctionsPoints
	p.NewAccountDays = s.NewAccountDays
	p.NewAccountPoints = s.NewAccountPoints
	p.LowTrustThreshold = s.LowTrustThreshold
	p.LowTrustPoints = s.LowTrustPoints
	p.PriorFraudPoints = s.PriorFraudPoints
	if err := p.Validate(); err != nil {
		return scoring.Policy{}, fmt.Errorf("invalid scoring policy: %w", err)
	}
	return p, nil
}

func (c *Config) WorkflowConfig() workflow.Config {
	w := c.Workflow
	return workflow.Config{
		CustomerDataTimeout: w.CustomerDataTimeout,
		RiskAnalysisTimeout: w.RiskAnalysisTimeout,
		ComplianceTimeout:   w.ComplianceTimeout,
		AnnotationTimeout:   w.AnnotationTimeout,
		FraudAlertTimeout:   w.FraudAlertTimeout,
		RunDeadline:         w.RunDeadline,
		AlertAssignee:       w.AlertAssignee,
		Retry: workflow.RetryPolicy{
			MaxAttempts:     w.Retry.MaxAttempts,
			InitialInterval: w.Retry.InitialInterval,
			MaxInterval:     w.Retry.MaxInterval,
			Multiplier:      w.Retry.Multiplier,
		},
	}
}

func (c *Config) ProviderConfig() tracing.ProviderConfig {
	return tracing.ProviderConfig{
		ServiceName: c.Tracing.ServiceName,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		Insecure:    c.Tracing.Insecure,
		SampleRatio: c.Tracing.SampleRatio,
	}
}

func (c *Config) KafkaConfig() tracing.KafkaConfig {
	return tracing.KafkaConfig{Brokers: c.Kafka.Brokers, Topic: c.Kafka.Topic}
}

func (c *Config) AnnotationConfig() annotation.HTTPConfig {
	return annotation.HTTPConfig{
		Endpoint: c.Annotation.Endpoint,
		Model:    c.Annotation.Model,
		APIKey:   c.Annotation.APIKey,
		Timeout:  c.Annotation.Timeout,
	}
}
