// Package history provides the append-only log of recalibration attempts.
//
// Every completed attempt produces one Entry. Entries are never rewritten in
// place: a monitoring outcome that becomes known after deployment is recorded
// by appending a superseding record carrying the same AttemptID. Readers that
// want the current state of an attempt take the last record for that
// AttemptID; readers that want the latest attempt for a horizon take the last
// record for that horizon. Only fully committed records are visible to the
// next trigger evaluation.
package history

import (
	"context"
	"time"

	"github.com/HatiCode/recal/pkg/params"
)

// Decision classifies how a recalibration attempt ended.
type Decision string

const (
	// DecisionDeployed means the candidate passed validation and was promoted.
	DecisionDeployed Decision = "deployed"

	// DecisionRejected means validation rejected the best candidate.
	DecisionRejected Decision = "rejected"

	// DecisionNoCandidates means the optimizer produced zero valid candidates.
	DecisionNoCandidates Decision = "no_candidates"

	// DecisionAborted means an infrastructure error stopped the attempt.
	DecisionAborted Decision = "aborted"

	// DecisionRollback records a restore of a previous configuration, whether
	// operator-initiated or triggered by monitoring.
	DecisionRollback Decision = "rollback"
)

// Outcome classifies the post-deployment monitoring result.
type Outcome string

const (
	// OutcomeNone applies to attempts that never deployed.
	OutcomeNone Outcome = "none"

	// OutcomePending means monitoring has not finished yet.
	OutcomePending Outcome = "pending"

	// OutcomeStable means the monitoring window closed cleanly.
	OutcomeStable Outcome = "stable"

	// OutcomeRolledBack means monitored failures forced an automatic rollback.
	OutcomeRolledBack Outcome = "rolled_back"
)

// Entry is one record in the attempt log.
type Entry struct {
	AttemptID string    `json:"attemptId"`
	Timestamp time.Time `json:"timestamp"`
	Horizon   string    `json:"horizon"`

	// Reasons lists the trigger conditions that fired, in priority order.
	Reasons []string `json:"reasons,omitempty"`

	// CandidateMetrics is the best candidate's backtest bundle, if any.
	CandidateMetrics *params.MetricsBundle `json:"candidateMetrics,omitempty"`

	Decision Decision `json:"decision"`

	// FailedCriteria names the validation gates that failed on rejection.
	FailedCriteria []string `json:"failedCriteria,omitempty"`

	// VersionID is the deployed configuration version, when Decision is deployed.
	VersionID string `json:"versionId,omitempty"`

	Outcome Outcome `json:"outcome"`

	// BackupRef is the path of the pre-deployment backup, when one was taken.
	BackupRef string `json:"backupRef,omitempty"`

	Note string `json:"note,omitempty"`
}

// Store is the attempt log abstraction. Implementations must be safe for
// concurrent use and must make Append all-or-nothing: a partially written
// record must never be returned by Latest or List.
type Store interface {
	// Append commits one entry to the log.
	Append(ctx context.Context, e Entry) error

	// Latest returns the most recently appended entry for a horizon.
	Latest(ctx context.Context, horizon string) (Entry, bool, error)

	// List returns up to limit entries for a horizon, oldest first.
	// limit <= 0 means no limit.
	List(ctx context.Context, horizon string, limit int) ([]Entry, error)
}
