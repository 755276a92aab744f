// Package config handles climate-agent configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/climate-agent/config.yaml,
// /etc/climate-agent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "climate-agent", "config.yaml"))
	}

	paths = append(paths, "/etc/climate-agent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all climate-agent configuration.
type Config struct {
	Listen      ListenConfig       `yaml:"listen"`
	DataDir     string             `yaml:"data_dir"`
	LogLevel    string             `yaml:"log_level"`
	LogFormat   string             `yaml:"log_format"` // text or json
	Timezone    string             `yaml:"timezone"`
	ToolServers []ToolServerConfig `yaml:"tool_servers"`
	Retry       RetryConfig        `yaml:"retry"`
	Models      ModelsConfig       `yaml:"models"`
	Anthropic   AnthropicConfig    `yaml:"anthropic"`
	OpenAI      OpenAIConfig       `yaml:"openai"`
	Climate     ClimateConfig      `yaml:"climate"`
	Baseline    BaselineConfig     `yaml:"baseline"`
	Schedule    ScheduleConfig     `yaml:"schedule"`
	MQTT        MQTTConfig         `yaml:"mqtt"`
	API         APIConfig          `yaml:"api"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ToolServerConfig describes one remote tool provider speaking JSON-RPC
// over HTTP.
type ToolServerConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"` // per-attempt read timeout
}

// Endpoint returns the JSON-RPC endpoint. A URL without a path gets
// "/mcp" appended.
func (s ToolServerConfig) Endpoint() string {
	u, err := url.Parse(s.URL)
	if err != nil || u.Path != "" && u.Path != "/" {
		return s.URL
	}
	return strings.TrimRight(s.URL, "/") + "/mcp"
}

// RetryConfig bounds retries of remote tool calls.
type RetryConfig struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
	Jitter    float64       `yaml:"jitter"`
}

// ModelsConfig selects the model backend.
type ModelsConfig struct {
	Provider      string        `yaml:"provider"` // ollama, anthropic, openai
	Model         string        `yaml:"model"`
	OllamaURL     string        `yaml:"ollama_url"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxIterations int           `yaml:"max_iterations"`

	// Pricing maps model names to per-million-token prices for usage
	// cost tracking. Models not listed are treated as free.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the USD price of one million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OpenAIConfig defines settings for any OpenAI-compatible chat
// completions endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ClimateConfig holds the hard bounds and cycle behavior.
type ClimateConfig struct {
	Location          string  `yaml:"location"` // free text for the prompt, e.g. "Ottawa, Canada"
	MinTemp           float64 `yaml:"min_temp"`
	MaxTemp           float64 `yaml:"max_temp"`
	ForecastHours     int     `yaml:"forecast_hours"`
	OverrideTolerance float64 `yaml:"override_tolerance"`
	ConflictPolicy    string  `yaml:"conflict_policy"` // last_wins or reject
}

// BaselineConfig holds the rule thresholds for the deterministic
// baseline. Hours are 0-23 local time, temperatures °C.
type BaselineConfig struct {
	DayStart        int     `yaml:"day_start"`
	NightStart      int     `yaml:"night_start"`
	DayTarget       float64 `yaml:"day_target"`
	NightTarget     float64 `yaml:"night_target"`
	WarmupStart     int     `yaml:"warmup_start"`
	WarmupEnd       int     `yaml:"warmup_end"`
	WarmupTarget    float64 `yaml:"warmup_target"`
	ColdThreshold   float64 `yaml:"cold_threshold"`
	ColdBoost       float64 `yaml:"cold_boost"`
	HotThreshold    float64 `yaml:"hot_threshold"`
	HotTarget       float64 `yaml:"hot_target"`
	AwayTarget      float64 `yaml:"away_target"`
	AwayIdleMinutes int     `yaml:"away_idle_minutes"`
	Deadband        float64 `yaml:"deadband"`
}

// ScheduleConfig defines when scheduled evaluations fire. A non-empty
// Cron expression takes precedence over Every.
type ScheduleConfig struct {
	Every      time.Duration `yaml:"every"`
	Cron       string        `yaml:"cron"`
	RunOnStart bool          `yaml:"run_on_start"`
}

// MQTTConfig defines the optional Home Assistant MQTT publisher.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// APIConfig tunes the admin API.
type APIConfig struct {
	EvaluateRate  float64 `yaml:"evaluate_rate"` // manual triggers per minute
	EvaluateBurst int     `yaml:"evaluate_burst"`
}

// Load reads configuration from a YAML file, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:    ListenConfig{Port: 8080},
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
		Retry: RetryConfig{
			Attempts:  3,
			BaseDelay: time.Second,
			MaxDelay:  10 * time.Second,
			Jitter:    0.2,
		},
		Models: ModelsConfig{
			Provider:      "ollama",
			OllamaURL:     "http://localhost:11434",
			Timeout:       120 * time.Second,
			MaxIterations: 6,
		},
		Climate: ClimateConfig{
			MinTemp:           17,
			MaxTemp:           23,
			ForecastHours:     12,
			OverrideTolerance: 0.5,
			ConflictPolicy:    "last_wins",
		},
		Baseline: BaselineConfig{
			DayStart:        6,
			NightStart:      23,
			DayTarget:       21,
			NightTarget:     18,
			WarmupStart:     6,
			WarmupEnd:       7,
			WarmupTarget:    20,
			ColdThreshold:   -10,
			ColdBoost:       1,
			HotThreshold:    25,
			HotTarget:       24,
			AwayTarget:      17,
			AwayIdleMinutes: 60,
			Deadband:        0.5,
		},
		Schedule: ScheduleConfig{
			Every:      30 * time.Minute,
			RunOnStart: true,
		},
		MQTT: MQTTConfig{
			DeviceName:      "climate-agent",
			DiscoveryPrefix: "homeassistant",
		},
		API: APIConfig{
			EvaluateRate:  6,
			EvaluateBurst: 1,
		},
	}
}

// applyDefaults fills zero values a partial YAML document may have left
// behind in nested lists.
func (c *Config) applyDefaults() {
	for i := range c.ToolServers {
		if c.ToolServers[i].Timeout <= 0 {
			c.ToolServers[i].Timeout = 10 * time.Second
		}
	}
}

// Validate reports configuration errors that would make the agent
// misbehave rather than fail loudly.
func (c *Config) Validate() error {
	var errs []error

	if len(c.ToolServers) == 0 {
		errs = append(errs, errors.New("tool_servers: at least one server is required"))
	}
	seen := make(map[string]bool)
	for i, s := range c.ToolServers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("tool_servers[%d]: name is required", i))
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("tool_servers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		if _, err := url.ParseRequestURI(s.URL); err != nil {
			errs = append(errs, fmt.Errorf("tool_servers[%d]: invalid url %q", i, s.URL))
		}
	}

	if c.Climate.MinTemp >= c.Climate.MaxTemp {
		errs = append(errs, fmt.Errorf("climate: min_temp %.1f must be below max_temp %.1f",
			c.Climate.MinTemp, c.Climate.MaxTemp))
	}
	if c.Climate.ForecastHours < 1 || c.Climate.ForecastHours > 48 {
		errs = append(errs, fmt.Errorf("climate: forecast_hours %d out of range 1-48", c.Climate.ForecastHours))
	}
	switch c.Climate.ConflictPolicy {
	case "last_wins", "reject":
	default:
		errs = append(errs, fmt.Errorf("climate: unknown conflict_policy %q (valid: last_wins, reject)", c.Climate.ConflictPolicy))
	}

	b := c.Baseline
	for name, h := range map[string]int{
		"day_start": b.DayStart, "night_start": b.NightStart,
		"warmup_start": b.WarmupStart, "warmup_end": b.WarmupEnd,
	} {
		if h < 0 || h > 24 {
			errs = append(errs, fmt.Errorf("baseline: %s %d out of range 0-24", name, h))
		}
	}

	if c.Retry.Attempts < 1 {
		errs = append(errs, errors.New("retry: attempts must be at least 1"))
	}
	if c.Models.MaxIterations < 1 {
		errs = append(errs, errors.New("models: max_iterations must be at least 1"))
	}
	if c.Schedule.Every <= 0 && c.Schedule.Cron == "" {
		errs = append(errs, errors.New("schedule: one of every or cron is required"))
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone: %w", err))
		}
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format: unknown %q (valid: text, json)", c.LogFormat))
	}

	return errors.Join(errs...)
}

// Location returns the configured timezone, defaulting to the local zone.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
