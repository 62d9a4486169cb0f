// Package config provides configuration parsing and management for recal.
//
// Global settings (directories, storage backend, observation source, logging,
// listen address) come from command-line flags with environment-variable
// fallbacks, flags taking precedence. Per-horizon tunables (search space,
// validation gates, trigger policy) come from a YAML horizons file, since they
// differ per horizon and do not fit flat flags.
//
// Supported configuration sources (in order of precedence):
//  1. Command-line flags
//  2. Environment variables
//  3. Default values
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HatiCode/recal/pkg/drift"
	"github.com/HatiCode/recal/pkg/optimizer"
	"github.com/HatiCode/recal/pkg/params"
	"github.com/HatiCode/recal/pkg/trigger"
	"github.com/HatiCode/recal/pkg/validator"
)

// Config holds all global recal configuration.
type Config struct {
	ConfigDir    string
	HistoryDir   string
	LockDir      string
	HorizonsFile string

	Listen    string
	LogFormat string
	LogLevel  string

	History       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Source       string
	SourceConfig map[string]string

	BacktestURL     string
	BacktestTimeout time.Duration

	OptimizeBudget time.Duration
	CostPerPoint   time.Duration

	MonitorWindow     time.Duration
	MonitorExecutions int
	MonitorFailures   int

	WebhookURL string

	CheckInterval time.Duration
}

// Defaults returns a Config populated from environment variables with
// built-in fallbacks. Cobra flags bind on top of these values.
func Defaults() *Config {
	return &Config{
		ConfigDir:    getEnv("CONFIG_DIR", "/var/lib/recal/configs"),
		HistoryDir:   getEnv("HISTORY_DIR", "/var/lib/recal/history"),
		LockDir:      getEnv("LOCK_DIR", "/var/lib/recal/locks"),
		HorizonsFile: getEnv("HORIZONS_FILE", "/etc/recal/horizons.yaml"),

		Listen:    getEnv("LISTEN", ":8085"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),

		History:       getEnv("HISTORY_BACKEND", "file"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		Source:       getEnv("SOURCE", "http"),
		SourceConfig: parseSourceConfig(),

		BacktestURL:     getEnv("BACKTEST_URL", ""),
		BacktestTimeout: getEnvDuration("BACKTEST_TIMEOUT", 2*time.Minute),

		OptimizeBudget: getEnvDuration("OPTIMIZE_BUDGET", 10*time.Minute),
		CostPerPoint:   getEnvDuration("COST_PER_POINT", 20*time.Second),

		MonitorWindow:     getEnvDuration("MONITOR_WINDOW", time.Hour),
		MonitorExecutions: getEnvInt("MONITOR_EXECUTIONS", 5),
		MonitorFailures:   getEnvInt("MONITOR_FAILURES", 3),

		WebhookURL: getEnv("WEBHOOK_URL", ""),

		CheckInterval: getEnvDuration("CHECK_INTERVAL", 24*time.Hour),
	}
}

// Validate checks settings that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	switch c.History {
	case "file", "memory", "redis":
	default:
		return fmt.Errorf("invalid history backend %q (must be file, memory, or redis)", c.History)
	}
	switch c.Source {
	case "http", "static":
	default:
		return fmt.Errorf("invalid source %q (must be http or static)", c.Source)
	}
	if c.Source == "http" && c.SourceConfig["errorsUrl"] == "" {
		return fmt.Errorf("SOURCE_ERRORS_URL is required when source=http")
	}
	if c.BacktestURL == "" {
		return fmt.Errorf("BACKTEST_URL is required")
	}
	return nil
}

// parseSourceConfig parses SOURCE_* environment variables into a generic
// configuration map. For example: SOURCE_ERRORS_URL, SOURCE_FORECAST_PATH.
// Names are converted to camelCase for the map keys (SOURCE_ERRORS_URL ->
// errorsUrl).
func parseSourceConfig() map[string]string {
	config := make(map[string]string)

	for _, env := range os.Environ() {
		if len(env) > 7 && env[:7] == "SOURCE_" {
			parts := splitEnv(env)
			if len(parts) == 2 && parts[0] != "SOURCE" {
				key := toLowerCamelCase(parts[0][7:])
				config[key] = parts[1]
			}
		}
	}

	return config
}

func splitEnv(env string) []string {
	for i := 0; i < len(env); i++ {
		if env[i] == '=' {
			return []string{env[:i], env[i+1:]}
		}
	}
	return []string{env}
}

func toLowerCamelCase(s string) string {
	if s == "" {
		return s
	}
	parts := []rune(s)
	result := make([]rune, 0, len(parts))
	nextUpper := false
	for i, r := range parts {
		if r == '_' {
			nextUpper = true
			continue
		}
		if i == 0 {
			result = append(result, toLower(r))
		} else if nextUpper {
			result = append(result, r)
			nextUpper = false
		} else {
			result = append(result, toLower(r))
		}
	}
	return string(result)
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + 32
	}
	return r
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// Duration wraps time.Duration so the horizons YAML can use Go duration
// strings like "24h" or "30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Horizon holds the per-horizon tunables loaded from the horizons file.
type Horizon struct {
	Name string `yaml:"name"`

	// Space is the bounded hyperparameter grid searched on recalibration.
	Space optimizer.SearchSpace `yaml:"space"`

	// Gates override the default validation thresholds; zero values keep
	// the defaults.
	Gates struct {
		PrimaryImprovement    float64 `yaml:"primaryImprovement"`
		SecondaryImprovement  float64 `yaml:"secondaryImprovement"`
		MaxDispersionIncrease float64 `yaml:"maxDispersionIncrease"`
		MaxLatencyIncrease    float64 `yaml:"maxLatencyIncrease"`
		MinCoverage           float64 `yaml:"minCoverage"`
		MaxAbsBias            float64 `yaml:"maxAbsBias"`
	} `yaml:"gates"`

	// Trigger overrides the default trigger policy; zero values keep the
	// defaults.
	Trigger struct {
		DegradationThreshold float64  `yaml:"degradationThreshold"`
		ShortWindow          Duration `yaml:"shortWindow"`
		BaselineWindow       Duration `yaml:"baselineWindow"`
		MinShortN            int      `yaml:"minShortN"`
		MinBaselineN         int      `yaml:"minBaselineN"`
		DriftSignificance    float64  `yaml:"driftSignificance"`
		MinDriftSeverity     string   `yaml:"minDriftSeverity"`
		MaxAge               Duration `yaml:"maxAge"`
		CoolDown             Duration `yaml:"coolDown"`
	} `yaml:"trigger"`

	// BacktestWindow bounds the observation window handed to the optimizer.
	// Defaults to the baseline window.
	BacktestWindow Duration `yaml:"backtestWindow"`
}

// GatesStruct converts the YAML overrides into validator gates.
func (h Horizon) GatesStruct() validator.Gates {
	return validator.Gates{
		PrimaryImprovement:    h.Gates.PrimaryImprovement,
		SecondaryImprovement:  h.Gates.SecondaryImprovement,
		MaxDispersionIncrease: h.Gates.MaxDispersionIncrease,
		MaxLatencyIncrease:    h.Gates.MaxLatencyIncrease,
		MinCoverage:           h.Gates.MinCoverage,
		MaxAbsBias:            h.Gates.MaxAbsBias,
	}
}

// Policy converts the YAML overrides into a trigger policy.
func (h Horizon) Policy() trigger.Policy {
	return trigger.Policy{
		DegradationThreshold: h.Trigger.DegradationThreshold,
		ShortWindow:          h.Trigger.ShortWindow.Std(),
		BaselineWindow:       h.Trigger.BaselineWindow.Std(),
		MinShortN:            h.Trigger.MinShortN,
		MinBaselineN:         h.Trigger.MinBaselineN,
		Drift:                drift.Config{Significance: h.Trigger.DriftSignificance},
		MinDriftSeverity:     drift.ParseSeverity(h.Trigger.MinDriftSeverity),
		MaxAge:               h.Trigger.MaxAge.Std(),
		CoolDown:             h.Trigger.CoolDown.Std(),
	}
}

// LoadHorizons reads and validates the horizons file.
func LoadHorizons(path string) ([]Horizon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read horizons file: %w", err)
	}

	var doc struct {
		Horizons []Horizon `yaml:"horizons"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse horizons file: %w", err)
	}
	if len(doc.Horizons) == 0 {
		return nil, fmt.Errorf("horizons file %s defines no horizons", path)
	}

	seen := make(map[string]bool, len(doc.Horizons))
	for i, h := range doc.Horizons {
		if !params.ValidHorizonName(h.Name) {
			return nil, fmt.Errorf("horizon[%d]: invalid name %q (must be alphanumeric with dash/underscore, 1-253 chars)", i, h.Name)
		}
		if seen[h.Name] {
			return nil, fmt.Errorf("horizon %q defined twice", h.Name)
		}
		seen[h.Name] = true
		if err := h.Space.Validate(); err != nil {
			return nil, fmt.Errorf("horizon %q: %w", h.Name, err)
		}
	}

	return doc.Horizons, nil
}

// FindHorizon returns the named horizon from the loaded set.
func FindHorizon(horizons []Horizon, name string) (Horizon, error) {
	for _, h := range horizons {
		if h.Name == name {
			return h, nil
		}
	}
	return Horizon{}, fmt.Errorf("horizon %q is not defined in the horizons file", name)
}
