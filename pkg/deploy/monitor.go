package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/HatiCode/recal/pkg/history"
)

// ExecutionResult reports one forecast execution observed after a deploy.
type ExecutionResult struct {
	// OK is false when the execution failed or produced invalid output.
	OK bool

	// Err optionally carries the failure cause, for logging.
	Err error
}

// MonitorConfig bounds the post-deployment observation window.
type MonitorConfig struct {
	// Window is the wall-clock bound. Defaults to 60m.
	Window time.Duration

	// MaxExecutions caps how many forecast executions are observed.
	// Defaults to 5.
	MaxExecutions int

	// FailureThreshold is the failure count that triggers an automatic
	// rollback. Defaults to 3.
	FailureThreshold int
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Window <= 0 {
		c.Window = time.Hour
	}
	if c.MaxExecutions <= 0 {
		c.MaxExecutions = 5
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	return c
}

// Monitor watches forecast executions after a deploy and settles the attempt's
// outcome. It consumes results until the wall-clock window elapses, the
// execution cap is reached, or the failure threshold fires, whichever comes
// first. Crossing the threshold triggers an automatic rollback to the backup
// taken by Deploy.
//
// The settled outcome is appended to history as a new record carrying the
// deploy attempt's id; the original record is never rewritten.
func (m *Manager) Monitor(ctx context.Context, horizon string, results <-chan ExecutionResult, cfg MonitorConfig) (history.Outcome, error) {
	cfg = cfg.withDefaults()

	m.mu.RLock()
	rec, ok := m.lastDeploy[horizon]
	m.mu.RUnlock()
	if !ok {
		return history.OutcomeNone, fmt.Errorf("no deployment to monitor for horizon %q", horizon)
	}

	m.setState(horizon, StateMonitoring)

	deadline := time.NewTimer(cfg.Window)
	defer deadline.Stop()

	seen := 0
	failures := 0

observe:
	for seen < cfg.MaxExecutions {
		select {
		case <-ctx.Done():
			m.setState(horizon, StateLive)
			return history.OutcomePending, ctx.Err()
		case <-deadline.C:
			break observe
		case res, open := <-results:
			if !open {
				break observe
			}
			seen++
			if !res.OK {
				failures++
				m.logger.Warn("forecast execution failed during monitoring",
					"horizon", horizon,
					"version_id", rec.versionID,
					"failures", failures,
					"error", res.Err,
				)
			}
			if failures >= cfg.FailureThreshold {
				break observe
			}
		}
	}

	outcome := history.OutcomeStable
	if failures >= cfg.FailureThreshold {
		outcome = history.OutcomeRolledBack
		if _, err := m.Rollback(ctx, horizon, "monitor_failures"); err != nil {
			return history.OutcomeRolledBack, fmt.Errorf("automatic rollback failed: %w", err)
		}
	} else {
		m.setState(horizon, StateStable)
	}

	entry := history.Entry{
		AttemptID: rec.attemptID,
		Timestamp: m.nowFunc().UTC(),
		Horizon:   horizon,
		Decision:  history.DecisionDeployed,
		VersionID: rec.versionID,
		Outcome:   outcome,
		BackupRef: rec.backupRef,
		Note:      fmt.Sprintf("monitored %d executions, %d failures", seen, failures),
	}
	if err := m.store.Append(ctx, entry); err != nil {
		return outcome, fmt.Errorf("record monitoring outcome: %w", err)
	}

	m.logger.Info("monitoring settled",
		"horizon", horizon,
		"version_id", rec.versionID,
		"outcome", string(outcome),
		"executions", seen,
		"failures", failures,
	)

	return outcome, nil
}
