package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/HatiCode/recal/pkg/drift"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_RECAL_VAR", "custom")
	if got := getEnv("TEST_RECAL_VAR", "default"); got != "custom" {
		t.Errorf("getEnv = %s, want custom", got)
	}
	if got := getEnv("TEST_RECAL_UNSET", "default"); got != "default" {
		t.Errorf("getEnv = %s, want default", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_RECAL_INT", "42")
	if got := getEnvInt("TEST_RECAL_INT", 7); got != 42 {
		t.Errorf("getEnvInt = %d, want 42", got)
	}

	t.Setenv("TEST_RECAL_BAD_INT", "not-a-number")
	if got := getEnvInt("TEST_RECAL_BAD_INT", 7); got != 7 {
		t.Errorf("getEnvInt = %d, want fallback 7", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_RECAL_DUR", "90s")
	if got := getEnvDuration("TEST_RECAL_DUR", time.Minute); got != 90*time.Second {
		t.Errorf("getEnvDuration = %v, want 90s", got)
	}

	t.Setenv("TEST_RECAL_BAD_DUR", "ninety")
	if got := getEnvDuration("TEST_RECAL_BAD_DUR", time.Minute); got != time.Minute {
		t.Errorf("getEnvDuration = %v, want fallback 1m", got)
	}
}

func TestToLowerCamelCase(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ERRORS_URL", "errorsUrl"},
		{"TIMESTAMP_PATH", "timestampPath"},
		{"URL", "url"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := toLowerCamelCase(tt.in); got != tt.want {
			t.Errorf("toLowerCamelCase(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestParseSourceConfig(t *testing.T) {
	t.Setenv("SOURCE_ERRORS_URL", "http://jobs:8080/obs")
	t.Setenv("SOURCE_TIMESTAMP_PATH", "data.#.ts")

	cfg := parseSourceConfig()
	if cfg["errorsUrl"] != "http://jobs:8080/obs" {
		t.Errorf("errorsUrl = %s", cfg["errorsUrl"])
	}
	if cfg["timestampPath"] != "data.#.ts" {
		t.Errorf("timestampPath = %s", cfg["timestampPath"])
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			History:      "file",
			Source:       "http",
			SourceConfig: map[string]string{"errorsUrl": "http://jobs:8080/obs"},
			BacktestURL:  "http://model:9000/backtest",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"static source needs no urls", func(c *Config) {
			c.Source = "static"
			c.SourceConfig = nil
		}, false},
		{"memory backend", func(c *Config) { c.History = "memory" }, false},
		{"unknown history backend", func(c *Config) { c.History = "dynamo" }, true},
		{"unknown source", func(c *Config) { c.Source = "kafka" }, true},
		{"http source without errors url", func(c *Config) { c.SourceConfig = nil }, true},
		{"missing backtest url", func(c *Config) { c.BacktestURL = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

const horizonsYAML = `
horizons:
  - name: h24
    space:
      contextLengths: [128, 256]
      sampleCounts: [10, 20]
      diversities: [0.5, 1.0]
    gates:
      minCoverage: 0.92
      maxAbsBias: 3.0
    trigger:
      degradationThreshold: 0.2
      shortWindow: 24h
      baselineWindow: 168h
      minDriftSeverity: high
      coolDown: 336h
    backtestWindow: 72h
  - name: h168
    space:
      contextLengths: [512]
      sampleCounts: [30]
      diversities: [1.0]
`

func writeHorizons(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "horizons.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadHorizons(t *testing.T) {
	horizons, err := LoadHorizons(writeHorizons(t, horizonsYAML))
	if err != nil {
		t.Fatalf("LoadHorizons failed: %v", err)
	}
	if len(horizons) != 2 {
		t.Fatalf("got %d horizons, want 2", len(horizons))
	}

	h := horizons[0]
	if h.Name != "h24" {
		t.Errorf("name = %s", h.Name)
	}
	if h.Space.Size() != 8 {
		t.Errorf("space size = %d, want 8", h.Space.Size())
	}
	if h.BacktestWindow.Std() != 72*time.Hour {
		t.Errorf("backtestWindow = %v, want 72h", h.BacktestWindow.Std())
	}

	gates := h.GatesStruct()
	if gates.MinCoverage != 0.92 || gates.MaxAbsBias != 3.0 {
		t.Errorf("gates = %+v", gates)
	}

	policy := h.Policy()
	if policy.DegradationThreshold != 0.2 {
		t.Errorf("degradationThreshold = %v", policy.DegradationThreshold)
	}
	if policy.ShortWindow != 24*time.Hour || policy.BaselineWindow != 168*time.Hour {
		t.Errorf("windows = %v/%v", policy.ShortWindow, policy.BaselineWindow)
	}
	if policy.MinDriftSeverity != drift.SeverityHigh {
		t.Errorf("minDriftSeverity = %v, want high", policy.MinDriftSeverity)
	}
	if policy.CoolDown != 336*time.Hour {
		t.Errorf("coolDown = %v", policy.CoolDown)
	}
}

func TestLoadHorizons_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty document", "horizons: []"},
		{"invalid name", "horizons:\n  - name: \"a/b\"\n    space:\n      contextLengths: [1]\n      sampleCounts: [1]\n      diversities: [1.0]"},
		{"duplicate name", "horizons:\n  - name: h24\n    space:\n      contextLengths: [1]\n      sampleCounts: [1]\n      diversities: [1.0]\n  - name: h24\n    space:\n      contextLengths: [1]\n      sampleCounts: [1]\n      diversities: [1.0]"},
		{"empty search space", "horizons:\n  - name: h24\n    space: {}"},
		{"bad duration", "horizons:\n  - name: h24\n    space:\n      contextLengths: [1]\n      sampleCounts: [1]\n      diversities: [1.0]\n    backtestWindow: tomorrow"},
		{"not yaml", "{{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadHorizons(writeHorizons(t, tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadHorizons_MissingFile(t *testing.T) {
	if _, err := LoadHorizons(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFindHorizon(t *testing.T) {
	horizons, err := LoadHorizons(writeHorizons(t, horizonsYAML))
	if err != nil {
		t.Fatal(err)
	}

	h, err := FindHorizon(horizons, "h168")
	if err != nil {
		t.Fatalf("FindHorizon failed: %v", err)
	}
	if h.Name != "h168" {
		t.Errorf("name = %s", h.Name)
	}

	if _, err := FindHorizon(horizons, "h9000"); err == nil {
		t.Error("expected error for unknown horizon")
	}
}
