// Package config loads and validates all process configuration: environment
// variables, the YAML tool catalog, and worker pool sizing. Configuration is
// loaded once at startup and passed explicitly to each component.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeMode selects log verbosity and worker pool sizing.
type RuntimeMode string

const (
	ModeDevelopment RuntimeMode = "development"
	ModeProduction  RuntimeMode = "production"
)

// Config is the umbrella configuration object returned by Load and used
// throughout the application.
type Config struct {
	Port        string
	RuntimeMode RuntimeMode

	// StoreURL is the Postgres connection string; CacheURL the Redis address.
	StoreURL string
	CacheURL string

	// SaaS connector credentials and endpoint.
	SaaSBaseURL   string
	SaaSSecret    string
	WebhookSecret string // optional HMAC secret for webhook signatures

	// LLM credentials. LLMBaseURL overrides the provider endpoint (used by
	// tests and proxies).
	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string

	// RetainRawPayloads stores the raw webhook record alongside shaped
	// events. Off by default.
	RetainRawPayloads bool

	Pools    PoolsConfig
	Timeouts TimeoutConfig

	// AuthTokens maps bearer tokens to user ids for the control API.
	AuthTokens map[string]string

	// Tools is the merged builtin + user tool catalog, keyed by tool name.
	Tools map[string]ToolSpec
}

// TimeoutConfig holds per-kind execution budgets.
type TimeoutConfig struct {
	ToolStep           time.Duration `yaml:"tool_step"`
	LLMStep            time.Duration `yaml:"llm_step"`
	WaitMax            time.Duration `yaml:"wait_max"`
	ShapeMatchDeadline time.Duration `yaml:"shape_match_deadline"`
}

// DefaultTimeouts returns the built-in execution budgets.
func DefaultTimeouts() TimeoutConfig {
	return TimeoutConfig{
		ToolStep:           30 * time.Second,
		LLMStep:            60 * time.Second,
		WaitMax:            15 * time.Minute,
		ShapeMatchDeadline: 60 * time.Second,
	}
}

// cortexYAML is the on-disk structure of cortex.yaml.
type cortexYAML struct {
	Tools    map[string]ToolSpec `yaml:"tools"`
	Auth     authYAML            `yaml:"auth"`
	Pools    *PoolsConfig        `yaml:"pools"`
	Timeouts *TimeoutConfig      `yaml:"timeouts"`
}

type authYAML struct {
	Tokens map[string]string `yaml:"tokens"`
}

// Load reads configuration from the environment and, when present,
// <configDir>/cortex.yaml. Environment always wins for credentials.
func Load(configDir string) (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		RuntimeMode:       RuntimeMode(getEnv("RUNTIME_MODE", string(ModeDevelopment))),
		StoreURL:          os.Getenv("STORE_URL"),
		CacheURL:          os.Getenv("CACHE_URL"),
		SaaSBaseURL:       getEnv("SAAS_BASE_URL", "https://api.nango.dev"),
		SaaSSecret:        os.Getenv("SAAS_SECRET"),
		WebhookSecret:     os.Getenv("SAAS_WEBHOOK_SECRET"),
		LLMAPIKey:         os.Getenv("LLM_API_KEY"),
		LLMBaseURL:        os.Getenv("LLM_BASE_URL"),
		LLMModel:          getEnv("LLM_MODEL", "gpt-4o-mini"),
		RetainRawPayloads: getEnvBool("RETAIN_RAW_PAYLOADS", false),
		Timeouts:          DefaultTimeouts(),
		AuthTokens:        make(map[string]string),
	}

	if cfg.RuntimeMode != ModeDevelopment && cfg.RuntimeMode != ModeProduction {
		return nil, NewConfigError("RUNTIME_MODE",
			fmt.Sprintf("must be %q or %q", ModeDevelopment, ModeProduction))
	}
	cfg.Pools = DefaultPools(cfg.RuntimeMode)

	fileCfg, err := loadYAML(configDir)
	if err != nil {
		return nil, err
	}
	if fileCfg != nil {
		if fileCfg.Pools != nil {
			cfg.Pools.apply(fileCfg.Pools)
		}
		if fileCfg.Timeouts != nil {
			applyTimeouts(&cfg.Timeouts, fileCfg.Timeouts)
		}
		for token, userID := range fileCfg.Auth.Tokens {
			cfg.AuthTokens[token] = userID
		}
	}

	var userTools map[string]ToolSpec
	if fileCfg != nil {
		userTools = fileCfg.Tools
	}
	cfg.Tools, err = MergeTools(BuiltinTools(), userTools)
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	slog.Info("Configuration loaded",
		"mode", cfg.RuntimeMode,
		"tools", len(cfg.Tools),
		"shaper_workers", cfg.Pools.ShaperWorkers,
		"matcher_workers", cfg.Pools.MatcherWorkers,
		"runtime_workers", cfg.Pools.RuntimeWorkers)

	return cfg, nil
}

// loadYAML reads cortex.yaml from configDir. A missing file is not an error;
// all settings have builtin defaults or come from the environment.
func loadYAML(configDir string) (*cortexYAML, error) {
	if configDir == "" {
		return nil, nil
	}
	path := filepath.Join(configDir, "cortex.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, NewConfigError("cortex.yaml", err.Error())
	}
	var out cortexYAML
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, NewConfigError("cortex.yaml", fmt.Sprintf("invalid YAML: %v", err))
	}
	return &out, nil
}

func (c *Config) validate() error {
	if c.StoreURL == "" {
		return NewConfigError("STORE_URL", "required")
	}
	if c.CacheURL == "" {
		return NewConfigError("CACHE_URL", "required")
	}
	if c.LLMAPIKey == "" {
		return NewConfigError("LLM_API_KEY", "required")
	}
	if c.Timeouts.WaitMax <= 0 || c.Timeouts.ToolStep <= 0 || c.Timeouts.LLMStep <= 0 {
		return NewConfigError("timeouts", "must be positive durations")
	}
	if err := c.Pools.validate(); err != nil {
		return err
	}
	for name, spec := range c.Tools {
		if err := spec.validate(name); err != nil {
			return err
		}
	}
	return nil
}

func applyTimeouts(dst, src *TimeoutConfig) {
	if src.ToolStep > 0 {
		dst.ToolStep = src.ToolStep
	}
	if src.LLMStep > 0 {
		dst.LLMStep = src.LLMStep
	}
	if src.WaitMax > 0 {
		dst.WaitMax = src.WaitMax
	}
	if src.ShapeMatchDeadline > 0 {
		dst.ShapeMatchDeadline = src.ShapeMatchDeadline
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}
