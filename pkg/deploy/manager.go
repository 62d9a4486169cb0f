// Package deploy owns the active configuration files and the promotion state
// machine.
//
// Per-horizon states:
//
//	Idle → BackingUp → Writing → Live → Monitoring → {Stable | RollingBack}
//
// Backups are raw byte copies of the live file taken immediately before the
// swap and verified before the swap proceeds (fail closed). The swap itself is
// a write-to-temp + atomic rename, never an in-place overwrite, so forecast
// jobs reading the live path can never observe a torn configuration. Rollback
// restores the latest backup bytes through the same discipline.
package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/HatiCode/recal/pkg/history"
	"github.com/HatiCode/recal/pkg/params"
)

// State is a horizon's position in the deployment state machine.
type State string

const (
	StateIdle        State = "idle"
	StateBackingUp   State = "backing_up"
	StateWriting     State = "writing"
	StateLive        State = "live"
	StateMonitoring  State = "monitoring"
	StateStable      State = "stable"
	StateRollingBack State = "rolling_back"
)

// ErrNoBackup is returned by Rollback when no backup exists for the horizon.
var ErrNoBackup = errors.New("no backup available")

// Manager performs configuration promotions and rollbacks for all horizons.
// It is safe for concurrent use; distinct horizons never block each other
// beyond a map lookup.
type Manager struct {
	configDir string
	backupDir string
	store     history.Store
	logger    *slog.Logger

	mu     sync.RWMutex
	states map[string]State
	// lastDeploy remembers the attempt behind the most recent Deploy so the
	// monitoring outcome can be recorded against it.
	lastDeploy map[string]deployRecord

	nowFunc func() time.Time
}

type deployRecord struct {
	attemptID string
	versionID string
	backupRef string
}

// NewManager creates a deployment manager. configDir holds the live
// per-horizon YAML files; backups go to configDir/backups/<horizon>. A nil
// logger falls back to slog.Default.
func NewManager(configDir string, store history.Store, logger *slog.Logger) (*Manager, error) {
	if configDir == "" {
		return nil, errors.New("config dir cannot be empty")
	}
	if store == nil {
		return nil, errors.New("history store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	backupDir := filepath.Join(configDir, "backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	return &Manager{
		configDir:  configDir,
		backupDir:  backupDir,
		store:      store,
		logger:     logger,
		states:     make(map[string]State),
		lastDeploy: make(map[string]deployRecord),
		nowFunc:    time.Now,
	}, nil
}

// SetNowFunc overrides the clock. Exported for testing purposes.
func (m *Manager) SetNowFunc(f func() time.Time) { m.nowFunc = f }

// State returns the horizon's current deployment state.
func (m *Manager) State(horizon string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.states[horizon]; ok {
		return s
	}
	return StateIdle
}

func (m *Manager) setState(horizon string, s State) {
	m.mu.Lock()
	m.states[horizon] = s
	m.mu.Unlock()
}

// Deploy promotes an approved candidate to the horizon's active
// configuration. It returns the version id and whether a new version was
// written.
//
// Deploying a candidate whose parameters already match the live configuration
// is an idempotent no-op: the live version id is returned with deployed false,
// and no backup or history entry is produced. There is no pending attempt to
// monitor after a no-op.
//
// Any backup or write failure aborts with the previous configuration intact.
func (m *Manager) Deploy(ctx context.Context, horizon string, cand params.Candidate, reasons []string) (string, bool, error) {
	if !params.ValidHorizonName(horizon) {
		return "", false, fmt.Errorf("invalid horizon name %q", horizon)
	}
	if err := cand.Params.Validate(); err != nil {
		return "", false, fmt.Errorf("invalid candidate: %w", err)
	}

	active, hasActive, err := params.Load(m.configDir, horizon)
	if err != nil {
		return "", false, fmt.Errorf("load active configuration: %w", err)
	}

	if hasActive && active.Params.Equal(cand.Params) {
		m.logger.Info("candidate already live, skipping deploy",
			"horizon", horizon, "version_id", active.VersionID)
		return active.VersionID, false, nil
	}

	// Backing-up. No live file means first promotion; nothing to back up.
	m.setState(horizon, StateBackingUp)
	backupRef := ""
	if hasActive {
		backupRef, err = m.writeBackup(horizon)
		if err != nil {
			m.setState(horizon, StateIdle)
			return "", false, fmt.Errorf("backup failed, aborting deploy: %w", err)
		}
	}

	// Writing.
	m.setState(horizon, StateWriting)
	versionID := uuid.NewString()
	next := params.ActiveConfiguration{
		Horizon:       horizon,
		VersionID:     versionID,
		SchemaVersion: params.SchemaVersion,
		Params:        cand.Params,
		PromotedAt:    m.nowFunc().UTC(),
		Metrics:       cand.Metrics,
	}
	if err := params.WriteAtomic(m.configDir, next); err != nil {
		m.setState(horizon, StateIdle)
		return "", false, fmt.Errorf("write active configuration: %w", err)
	}

	// Live.
	m.setState(horizon, StateLive)

	attemptID := uuid.NewString()
	entry := history.Entry{
		AttemptID:        attemptID,
		Timestamp:        m.nowFunc().UTC(),
		Horizon:          horizon,
		Reasons:          reasons,
		CandidateMetrics: &cand.Metrics,
		Decision:         history.DecisionDeployed,
		VersionID:        versionID,
		Outcome:          history.OutcomePending,
		BackupRef:        backupRef,
	}
	if err := m.store.Append(ctx, entry); err != nil {
		// The new configuration is already live; a lost history record is an
		// infrastructure error the caller must surface.
		return versionID, true, fmt.Errorf("deployed version %s but history append failed: %w", versionID, err)
	}

	m.mu.Lock()
	m.lastDeploy[horizon] = deployRecord{attemptID: attemptID, versionID: versionID, backupRef: backupRef}
	m.mu.Unlock()

	m.logger.Info("configuration deployed",
		"horizon", horizon,
		"version_id", versionID,
		"backup", backupRef,
	)

	return versionID, true, nil
}

// writeBackup copies the live file's raw bytes to a timestamped backup and
// verifies the copy before returning. The backup is immutable once written.
// Each horizon gets its own subdirectory; horizon names may contain dashes,
// so a flat name-prefix scheme would let horizons claim each other's backups.
func (m *Manager) writeBackup(horizon string) (string, error) {
	livePath := params.Path(m.configDir, horizon)
	data, err := os.ReadFile(livePath)
	if err != nil {
		return "", fmt.Errorf("read live configuration: %w", err)
	}

	dir := filepath.Join(m.backupDir, horizon)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	stamp := m.nowFunc().UTC().Format("20060102T150405.000Z")
	name := stamp + ".yaml"
	path := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, "."+name+".tmp")
	if err != nil {
		return "", fmt.Errorf("create temp backup: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write backup: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("sync backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close backup: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("install backup: %w", err)
	}

	// Verify: the backup must be byte-identical to the live file before the
	// swap may proceed.
	check, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("verify backup: %w", err)
	}
	if !bytes.Equal(check, data) {
		return "", fmt.Errorf("backup verification failed for %s: content mismatch", path)
	}

	return path, nil
}

// Rollback restores the horizon's most recent backup as the live
// configuration, through the same atomic-write discipline as a deploy.
// Returns false with ErrNoBackup when the horizon has never been backed up.
//
// Rollback is also exposed as an operator command; reason distinguishes
// automatic ("monitor_failures") from manual ("operator") restores in the log.
func (m *Manager) Rollback(ctx context.Context, horizon, reason string) (bool, error) {
	if !params.ValidHorizonName(horizon) {
		return false, fmt.Errorf("invalid horizon name %q", horizon)
	}

	m.setState(horizon, StateRollingBack)
	defer m.setState(horizon, StateIdle)

	backupPath, err := m.latestBackup(horizon)
	if err != nil {
		return false, err
	}
	if backupPath == "" {
		return false, ErrNoBackup
	}

	data, err := os.ReadFile(backupPath)
	if err != nil {
		return false, fmt.Errorf("read backup: %w", err)
	}

	// Parse before install: a corrupt backup must never become live.
	var restored params.ActiveConfiguration
	if err := yaml.Unmarshal(data, &restored); err != nil {
		return false, fmt.Errorf("parse backup %s: %w", backupPath, err)
	}
	if err := restored.Validate(); err != nil {
		return false, fmt.Errorf("backup %s is not a valid configuration: %w", backupPath, err)
	}
	if restored.Horizon != horizon {
		return false, fmt.Errorf("backup %s belongs to horizon %q, not %q", backupPath, restored.Horizon, horizon)
	}

	if err := m.installBytes(horizon, data); err != nil {
		return false, fmt.Errorf("restore backup: %w", err)
	}

	entry := history.Entry{
		AttemptID: uuid.NewString(),
		Timestamp: m.nowFunc().UTC(),
		Horizon:   horizon,
		Reasons:   []string{reason},
		Decision:  history.DecisionRollback,
		VersionID: restored.VersionID,
		Outcome:   history.OutcomeNone,
		BackupRef: backupPath,
	}
	if err := m.store.Append(ctx, entry); err != nil {
		return true, fmt.Errorf("rolled back but history append failed: %w", err)
	}

	m.logger.Info("configuration rolled back",
		"horizon", horizon,
		"restored_version", restored.VersionID,
		"backup", backupPath,
		"reason", reason,
	)

	return true, nil
}

// installBytes writes raw configuration bytes to the live path via temp +
// rename. Used by rollback so the restored file is byte-identical to the
// backup.
func (m *Manager) installBytes(horizon string, data []byte) error {
	tmp, err := os.CreateTemp(m.configDir, "."+horizon+"-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, params.Path(m.configDir, horizon)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("install config: %w", err)
	}
	return nil
}

// latestBackup returns the newest backup path for a horizon, or "" when none
// exists. Backup names embed a fixed-width UTC timestamp, so lexicographic
// order is chronological order.
func (m *Manager) latestBackup(horizon string) (string, error) {
	dir := filepath.Join(m.backupDir, horizon)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read backup dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return "", nil
	}

	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}

// Active returns the live configuration for a horizon.
func (m *Manager) Active(horizon string) (params.ActiveConfiguration, bool, error) {
	return params.Load(m.configDir, horizon)
}
