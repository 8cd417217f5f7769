package unit

import (
	"time"
)

// Health is the controller-reported health of a deployment unit's
// workload.
type Health string

const (
	HealthUnknown     Health = "Unknown"
	HealthProgressing Health = "Progressing"
	HealthHealthy     Health = "Healthy"
	HealthDegraded    Health = "Degraded"
	HealthFailed      Health = "Failed"
)

// SyncState is the controller-reported state of the unit's manifests
// relative to the cluster.
type SyncState string

const (
	SyncUnknown   SyncState = "Unknown"
	SyncSynced    SyncState = "Synced"
	SyncOutOfSync SyncState = "OutOfSync"
)

// Strategy names the way a sync was (or will be) effected: either by
// asking the controller directly, or by republishing manifests and
// letting the controller's own watch loop pick them up.
type Strategy string

const (
	StrategyDirect   Strategy = "direct"
	StrategyFallback Strategy = "fallback"
)

// Outcome is the terminal result of a sync attempt, as recorded in
// the unit's lifecycle status.
type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeFailed     Outcome = "failed"
	OutcomeTimedOut   Outcome = "timed-out"
	OutcomeSuperseded Outcome = "superseded"
)

// State is the trigger lifecycle state implied by the most recent
// attempt. The transient per-strategy success states collapse into
// requested→completed, since the poller confirms success
// asynchronously rather than at the moment the controller accepts the
// request.
type State string

const (
	StateIdle              State = "idle"
	StateRequested         State = "requested"
	StateDirectFailed      State = "direct-failed"
	StateFallbackRequested State = "fallback-requested"
	StateFallbackFailed    State = "fallback-failed"
	StateCompleted         State = "completed"
)

// SourceRepo identifies the repository holding a unit's application
// code (and CI pipeline).
type SourceRepo struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// Bundle is the complete set of generated manifest files for one
// version of a unit, keyed by filename. A publish always replaces the
// whole bundle; there is no merging of partial file sets.
type Bundle map[string]string

// Attempt is the summary of the most recent sync attempt for a unit.
// Attempts are not kept historically; only the latest survives, inside
// the unit's status.
type Attempt struct {
	Strategy  Strategy  `json:"strategy"`
	StartedAt time.Time `json:"startedAt"`
	Outcome   Outcome   `json:"outcome"`
}

// Status is the latest observed lifecycle state of a unit.
type Status struct {
	Health          Health    `json:"health"`
	SyncState       SyncState `json:"syncState"`
	ReadyReplicas   int       `json:"readyReplicas"`
	DesiredReplicas int       `json:"desiredReplicas"`
	LastAttempt     *Attempt  `json:"lastAttempt,omitempty"`
}

// State derives the lifecycle state from the last attempt.
func (s Status) State() State {
	a := s.LastAttempt
	if a == nil || a.Outcome == OutcomeSuperseded {
		return StateIdle
	}
	if a.Outcome == OutcomeSucceeded {
		return StateCompleted
	}
	switch a.Strategy {
	case StrategyFallback:
		if a.Outcome == OutcomePending {
			return StateFallbackRequested
		}
		return StateFallbackFailed
	default:
		if a.Outcome == OutcomePending {
			return StateRequested
		}
		return StateDirectFailed
	}
}

// Converged reports whether the status is terminally good: healthy,
// synced, and fully scaled.
func (s Status) Converged() bool {
	return s.Health == HealthHealthy &&
		s.SyncState == SyncSynced &&
		s.ReadyReplicas == s.DesiredReplicas
}

// Unit is a deployment unit: one application's source repository,
// current manifest bundle, and lifecycle status. The Version increases
// by exactly one each time a sync trigger is accepted for the unit;
// holders of an older version must never overwrite a record whose
// version has since advanced.
type Unit struct {
	Name       string     `json:"name"`
	SourceRepo SourceRepo `json:"sourceRepo"`
	Bundle     Bundle     `json:"bundle,omitempty"`
	Status     Status     `json:"status"`
	Version    int64      `json:"version"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}
