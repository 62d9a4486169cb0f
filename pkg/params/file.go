package params

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var horizonNameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9_-]{0,251}[a-zA-Z0-9])?$`)

// ValidHorizonName reports whether a horizon identifier is safe to embed in
// file names and store keys.
func ValidHorizonName(horizon string) bool {
	return horizonNameRegex.MatchString(horizon)
}

// Path returns the live configuration path for a horizon inside dir.
func Path(dir, horizon string) string {
	return filepath.Join(dir, horizon+".yaml")
}

// Load reads and validates the active configuration for a horizon.
//
// Returns:
//   - cfg: the parsed configuration (zero value if not found)
//   - found: true if the file exists
//   - error: parse or validation failure, nil otherwise
func Load(dir, horizon string) (ActiveConfiguration, bool, error) {
	if !ValidHorizonName(horizon) {
		return ActiveConfiguration{}, false, fmt.Errorf("invalid horizon name %q", horizon)
	}

	data, err := os.ReadFile(Path(dir, horizon))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ActiveConfiguration{}, false, nil
		}
		return ActiveConfiguration{}, false, fmt.Errorf("read config: %w", err)
	}

	var cfg ActiveConfiguration
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ActiveConfiguration{}, false, fmt.Errorf("parse config for horizon %q: %w", horizon, err)
	}

	if err := cfg.Validate(); err != nil {
		return ActiveConfiguration{}, false, fmt.Errorf("invalid config for horizon %q: %w", horizon, err)
	}

	return cfg, true, nil
}

// WriteAtomic serializes cfg and installs it at the live path for its horizon
// using write-to-temp + rename. A crash between the temp write and the rename
// leaves the previous live file untouched.
//
// The temp file is created in the same directory as the destination so the
// rename stays on one filesystem and remains atomic.
func WriteAtomic(dir string, cfg ActiveConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid config: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+cfg.Horizon+"-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()

	// Any failure past this point must not leave the temp file behind.
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp config: %w", err)
	}

	if err := os.Rename(tmpName, Path(dir, cfg.Horizon)); err != nil {
		cleanup()
		return fmt.Errorf("install config: %w", err)
	}

	return nil
}

// Marshal returns the canonical serialized form of a configuration, the same
// bytes WriteAtomic puts on disk. Useful for byte-level backup verification.
func Marshal(cfg ActiveConfiguration) ([]byte, error) {
	return yaml.Marshal(cfg)
}
