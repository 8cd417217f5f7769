package unit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusState(t *testing.T) {
	for _, c := range []struct {
		attempt *Attempt
		want    State
	}{
		{nil, StateIdle},
		{&Attempt{Strategy: StrategyDirect, Outcome: OutcomeSuperseded}, StateIdle},
		{&Attempt{Strategy: StrategyDirect, Outcome: OutcomePending}, StateRequested},
		{&Attempt{Strategy: StrategyDirect, Outcome: OutcomeFailed}, StateDirectFailed},
		{&Attempt{Strategy: StrategyDirect, Outcome: OutcomeTimedOut}, StateDirectFailed},
		{&Attempt{Strategy: StrategyDirect, Outcome: OutcomeSucceeded}, StateCompleted},
		{&Attempt{Strategy: StrategyFallback, Outcome: OutcomePending}, StateFallbackRequested},
		{&Attempt{Strategy: StrategyFallback, Outcome: OutcomeFailed}, StateFallbackFailed},
		{&Attempt{Strategy: StrategyFallback, Outcome: OutcomeTimedOut}, StateFallbackFailed},
		{&Attempt{Strategy: StrategyFallback, Outcome: OutcomeSucceeded}, StateCompleted},
	} {
		assert.Equal(t, c.want, Status{LastAttempt: c.attempt}.State())
	}
}

func TestStatusConverged(t *testing.T) {
	assert.True(t, Status{Health: HealthHealthy, SyncState: SyncSynced, ReadyReplicas: 3, DesiredReplicas: 3}.Converged())
	assert.False(t, Status{Health: HealthHealthy, SyncState: SyncSynced, ReadyReplicas: 2, DesiredReplicas: 3}.Converged())
	assert.False(t, Status{Health: HealthProgressing, SyncState: SyncSynced, ReadyReplicas: 3, DesiredReplicas: 3}.Converged())
	assert.False(t, Status{Health: HealthHealthy, SyncState: SyncOutOfSync, ReadyReplicas: 3, DesiredReplicas: 3}.Converged())
	assert.True(t, Status{Health: HealthHealthy, SyncState: SyncSynced}.Converged())
}
