package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/classifier"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/decay"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/lifecycle"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/maintenance"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/metrics"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/recall"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/runlog"
	"github.com/madeinoz67/madeinoz-knowledge-system/internal/store"
)

// ErrInvalid marks a configuration section that failed validation.
var ErrInvalid = errors.New("invalid configuration")

// Store and classifier backends.
const (
	BackendNeo4j  = "neo4j"
	BackendMemory = "memory"

	ClassifierHeuristic = "heuristic"
	ClassifierClaude    = "claude"
)

const envPrefix = "MADEINOZ_KNOWLEDGE"

// Config holds all configuration for the knowledge system.
type Config struct {
	Store       StoreConfig          `mapstructure:"store"`
	Neo4j       store.Neo4jConfig    `mapstructure:"neo4j"`
	Claude      ClaudeConfig         `mapstructure:"claude"`
	Classifier  ClassifierConfig     `mapstructure:"classifier"`
	Decay       DecayConfig          `mapstructure:"decay"`
	Lifecycle   lifecycle.Thresholds `mapstructure:"lifecycle"`
	Weights     recall.Weights       `mapstructure:"weights"`
	Maintenance maintenance.Config   `mapstructure:"maintenance"`
	RunLog      runlog.Config        `mapstructure:"runlog"`
	Metrics     metrics.Config       `mapstructure:"metrics"`
	Logging     LoggingConfig        `mapstructure:"logging"`
	API         APIConfig            `mapstructure:"api"`
}

// StoreConfig selects the memory store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// APIConfig holds HTTP API server settings.
type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	AuthToken  string `mapstructure:"auth_token"`
}

// ClaudeConfig holds Anthropic Claude API settings.
type ClaudeConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// String returns a safe representation of ClaudeConfig with the API key masked.
func (c ClaudeConfig) String() string {
	masked := maskAPIKey(c.APIKey)
	return fmt.Sprintf("ClaudeConfig{APIKey:%s, Model:%s}", masked, c.Model)
}

// maskAPIKey shows first 4 + last 4 chars, replacing the middle with asterisks.
func maskAPIKey(key string) string {
	const visible = 4
	if len(key) <= visible*2 {
		return "***"
	}
	return key[:visible] + "****" + key[len(key)-visible:]
}

// ClassifierConfig selects the importance/stability classifier and its guard.
type ClassifierConfig struct {
	Backend string                 `mapstructure:"backend"`
	Guard   classifier.GuardConfig `mapstructure:"guard"`
}

// DecayConfig holds the decay model constants.
type DecayConfig struct {
	BaseHalfLifeDays    float64 `mapstructure:"base_half_life_days"`
	ImportanceDampening float64 `mapstructure:"importance_dampening"`
}

// Validate checks the decay constants.
func (d DecayConfig) Validate() error {
	if d.BaseHalfLifeDays <= 0 {
		return fmt.Errorf("decay.base_half_life_days must be greater than 0")
	}
	if d.ImportanceDampening < 0 || d.ImportanceDampening > 0.25 {
		return fmt.Errorf("decay.importance_dampening must be between 0 and 0.25")
	}
	return nil
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store:      StoreConfig{Backend: BackendNeo4j},
		Neo4j:      store.Neo4jConfig{URI: "neo4j://localhost:7687", Username: "neo4j", Database: "neo4j"},
		Claude:     ClaudeConfig{Model: "claude-haiku-4-5-20251001"},
		Classifier: ClassifierConfig{Backend: ClassifierHeuristic, Guard: classifier.DefaultGuardConfig()},
		Decay: DecayConfig{
			BaseHalfLifeDays:    decay.DefaultBaseHalfLifeDays,
			ImportanceDampening: decay.DefaultImportanceDampening,
		},
		Lifecycle:   lifecycle.DefaultThresholds(),
		Weights:     recall.DefaultWeights(),
		Maintenance: maintenance.DefaultConfig(),
		RunLog: runlog.Config{
			Path:       filepath.Join(homeDir(), ".madeinoz-knowledge", "runlog"),
			MaxEntries: runlog.DefaultConfig().MaxEntries,
		},
		Metrics: metrics.DefaultConfig(),
		Logging: LoggingConfig{Level: "info", Format: "text"},
		API:     APIConfig{ListenAddr: ":8080"},
	}
}

// Load reads configuration from file and environment variables. Sections that
// fail validation are replaced by their defaults; the returned config is
// always usable, and the second return joins one ErrInvalid per rejected
// section. A config file that exists but cannot be parsed is fatal.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(homeDir(), ".madeinoz-knowledge"))
	v.AddConfigPath(".")

	// Environment variables
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Map specific env vars
	_ = v.BindEnv("claude.api_key", "ANTHROPIC_API_KEY", envPrefix+"_CLAUDE_API_KEY")
	_ = v.BindEnv("neo4j.password", "NEO4J_PASSWORD", envPrefix+"_NEO4J_PASSWORD")
	_ = v.BindEnv("neo4j.uri", "NEO4J_URI", envPrefix+"_NEO4J_URI")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is OK: use defaults + env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &cfg, cfg.ApplyFallbacks()
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("store.backend", d.Store.Backend)

	v.SetDefault("neo4j.uri", d.Neo4j.URI)
	v.SetDefault("neo4j.username", d.Neo4j.Username)
	v.SetDefault("neo4j.password", "")
	v.SetDefault("neo4j.database", d.Neo4j.Database)

	v.SetDefault("claude.api_key", "")
	v.SetDefault("claude.model", d.Claude.Model)

	v.SetDefault("classifier.backend", d.Classifier.Backend)
	v.SetDefault("classifier.guard.timeout", d.Classifier.Guard.Timeout)
	v.SetDefault("classifier.guard.max_failures", d.Classifier.Guard.MaxFailures)
	v.SetDefault("classifier.guard.open_duration", d.Classifier.Guard.OpenDuration)
	v.SetDefault("classifier.guard.half_open_max_success", d.Classifier.Guard.HalfOpenMaxSuccess)
	v.SetDefault("classifier.guard.rate_per_second", d.Classifier.Guard.RatePerSecond)
	v.SetDefault("classifier.guard.burst", d.Classifier.Guard.Burst)

	v.SetDefault("decay.base_half_life_days", d.Decay.BaseHalfLifeDays)
	v.SetDefault("decay.importance_dampening", d.Decay.ImportanceDampening)

	for name, rule := range map[string]lifecycle.Rule{
		"dormant":  d.Lifecycle.Dormant,
		"archived": d.Lifecycle.Archived,
		"expired":  d.Lifecycle.Expired,
	} {
		v.SetDefault("lifecycle."+name+".days", rule.Days)
		v.SetDefault("lifecycle."+name+".decay_score", rule.DecayScore)
		v.SetDefault("lifecycle."+name+".max_importance", rule.MaxImportance)
	}
	v.SetDefault("lifecycle.retention_days", d.Lifecycle.RetentionDays)

	v.SetDefault("weights.semantic", d.Weights.Semantic)
	v.SetDefault("weights.recency", d.Weights.Recency)
	v.SetDefault("weights.importance", d.Weights.Importance)

	v.SetDefault("maintenance.batch_size", d.Maintenance.BatchSize)
	v.SetDefault("maintenance.max_duration", d.Maintenance.MaxDuration)
	v.SetDefault("maintenance.interval", d.Maintenance.Interval)
	v.SetDefault("maintenance.persist_retries", d.Maintenance.PersistRetries)
	v.SetDefault("maintenance.retry_backoff", d.Maintenance.RetryBackoff)
	v.SetDefault("maintenance.page_size", d.Maintenance.PageSize)

	v.SetDefault("runlog.path", d.RunLog.Path)
	v.SetDefault("runlog.in_memory", d.RunLog.InMemory)
	v.SetDefault("runlog.max_entries", d.RunLog.MaxEntries)
	v.SetDefault("runlog.sync_writes", d.RunLog.SyncWrites)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("metrics.maintenance_duration_buckets", d.Metrics.MaintenanceDurationBuckets)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("api.listen_addr", d.API.ListenAddr)
	v.SetDefault("api.auth_token", "")
}

// section validates one part of the config and can reset it to defaults.
type section struct {
	name     string
	validate func(c *Config) error
	reset    func(c, d *Config)
}

var sections = []section{
	{"store", (*Config).validateStore, func(c, d *Config) { c.Store = d.Store }},
	{"neo4j", (*Config).validateNeo4j, func(c, d *Config) { c.Neo4j = d.Neo4j }},
	{"classifier", (*Config).validateClassifier, func(c, d *Config) { c.Classifier = d.Classifier }},
	{"decay", func(c *Config) error { return c.Decay.Validate() }, func(c, d *Config) { c.Decay = d.Decay }},
	{"lifecycle", func(c *Config) error { return c.Lifecycle.Validate() }, func(c, d *Config) { c.Lifecycle = d.Lifecycle }},
	{"weights", func(c *Config) error { return c.Weights.Validate() }, func(c, d *Config) { c.Weights = d.Weights }},
	{"maintenance", func(c *Config) error { return c.Maintenance.Validate() }, func(c, d *Config) { c.Maintenance = d.Maintenance }},
	{"runlog", (*Config).validateRunLog, func(c, d *Config) { c.RunLog = d.RunLog }},
	{"logging", (*Config).validateLogging, func(c, d *Config) { c.Logging = d.Logging }},
	{"api", (*Config).validateAPI, func(c, d *Config) { c.API = d.API }},
}

// Validate checks every section and joins all problems found.
func (c *Config) Validate() error {
	var errs []error
	for _, s := range sections {
		if err := s.validate(c); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrInvalid, s.name, err))
		}
	}
	return errors.Join(errs...)
}

// ApplyFallbacks replaces every invalid section with its defaults and reports
// what was replaced. The receiver is valid afterwards.
func (c *Config) ApplyFallbacks() error {
	d := Default()
	var errs []error
	for _, s := range sections {
		if err := s.validate(c); err != nil {
			s.reset(c, d)
			errs = append(errs, fmt.Errorf("%w: %s: %w (using defaults)", ErrInvalid, s.name, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case BackendNeo4j, BackendMemory:
		return nil
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendNeo4j, BackendMemory, c.Store.Backend)
	}
}

func (c *Config) validateNeo4j() error {
	if c.Store.Backend != BackendNeo4j {
		return nil
	}
	if c.Neo4j.URI == "" {
		return fmt.Errorf("neo4j.uri must not be empty")
	}
	if c.Neo4j.Username == "" {
		return fmt.Errorf("neo4j.username must not be empty")
	}
	return nil
}

func (c *Config) validateClassifier() error {
	switch c.Classifier.Backend {
	case ClassifierHeuristic:
	case ClassifierClaude:
		if c.Claude.APIKey == "" {
			return fmt.Errorf("classifier.backend %q requires claude.api_key (or ANTHROPIC_API_KEY)", ClassifierClaude)
		}
		if c.Claude.Model == "" {
			return fmt.Errorf("claude.model must not be empty")
		}
	default:
		return fmt.Errorf("classifier.backend must be %q or %q, got %q", ClassifierHeuristic, ClassifierClaude, c.Classifier.Backend)
	}
	g := c.Classifier.Guard
	if g.Timeout <= 0 {
		return fmt.Errorf("classifier.guard.timeout must be greater than 0")
	}
	if g.MaxFailures == 0 {
		return fmt.Errorf("classifier.guard.max_failures must be greater than 0")
	}
	if g.RatePerSecond < 0 {
		return fmt.Errorf("classifier.guard.rate_per_second must be >= 0")
	}
	return nil
}

func (c *Config) validateRunLog() error {
	if !c.RunLog.InMemory && c.RunLog.Path == "" {
		return fmt.Errorf("runlog.path must not be empty unless runlog.in_memory is set")
	}
	if c.RunLog.MaxEntries < 0 {
		return fmt.Errorf("runlog.max_entries must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateAPI() error {
	if c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr must not be empty")
	}
	return nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
