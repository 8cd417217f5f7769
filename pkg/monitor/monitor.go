// Package monitor follows a sync attempt to its terminal outcome by
// polling the GitOps controller and recording observations against the
// unit, guarded by the attempt's version.
package monitor

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	kitprom "github.com/go-kit/kit/metrics/prometheus"
	"github.com/jonboulle/clockwork"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	gitopsderr "github.com/gitopsd/gitopsd/pkg/errors"
	"github.com/gitopsd/gitopsd/pkg/gitops"
	"github.com/gitopsd/gitopsd/pkg/metrics"
	"github.com/gitopsd/gitopsd/pkg/unit"
)

var outcomeCount = kitprom.NewCounterFrom(stdprometheus.CounterOpts{
	Namespace: "gitopsd",
	Subsystem: "monitor",
	Name:      "outcomes_total",
	Help:      "Terminal outcomes of monitored sync attempts.",
}, []string{metrics.LabelOutcome})

// Poller watches sync attempts until they converge, fail, or time
// out. One Monitor call polls one attempt; calls for distinct units
// are independent, and a call for a superseded attempt stops silently
// at its first stale write.
type Poller struct {
	Store      unit.Store
	Controller gitops.Controller
	Timeout    time.Duration
	Interval   time.Duration
	Clock      clockwork.Clock
	Logger     log.Logger
}

// Monitor polls the controller for the unit's state until the attempt
// identified by version reaches a terminal outcome. It never returns
// an error: a monitoring failure is an attempt outcome, not a caller
// problem.
func (p *Poller) Monitor(ctx context.Context, name string, version int64) {
	deadline := p.Clock.Now().Add(p.Timeout)
	for {
		u, err := p.Store.Get(ctx, name)
		if err != nil {
			p.Logger.Log("unit", name, "version", version, "warning", "abandoning monitor", "err", err)
			return
		}
		if u.Version != version {
			// A newer trigger owns the record now.
			return
		}

		observed, err := p.Controller.Application(ctx, name)
		if err != nil && !gitopsderr.IsMissing(err) {
			p.Logger.Log("unit", name, "version", version, "warning", "poll failed", "err", err)
		}

		status := u.Status
		if err == nil {
			status.Health = observed.Health
			status.SyncState = observed.SyncState
			status.ReadyReplicas = observed.ReadyReplicas
			status.DesiredReplicas = observed.DesiredReplicas
		}

		switch {
		case err == nil && status.Converged():
			p.finish(ctx, name, version, status, unit.OutcomeSucceeded)
			return
		case err == nil && (status.Health == unit.HealthDegraded || status.Health == unit.HealthFailed):
			p.finish(ctx, name, version, status, unit.OutcomeFailed)
			return
		case !p.Clock.Now().Before(deadline):
			p.finish(ctx, name, version, status, unit.OutcomeTimedOut)
			return
		}

		if err == nil {
			if ok, werr := p.Store.UpdateStatus(ctx, name, version, status); werr != nil {
				p.Logger.Log("unit", name, "version", version, "warning", "abandoning monitor", "err", werr)
				return
			} else if !ok {
				return
			}
		}

		select {
		case <-p.Clock.After(p.Interval):
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) finish(ctx context.Context, name string, version int64, status unit.Status, outcome unit.Outcome) {
	if status.LastAttempt != nil {
		att := *status.LastAttempt
		att.Outcome = outcome
		status.LastAttempt = &att
	} else {
		status.LastAttempt = &unit.Attempt{
			Strategy:  unit.StrategyDirect,
			StartedAt: p.Clock.Now(),
			Outcome:   outcome,
		}
	}
	ok, err := p.Store.UpdateStatus(ctx, name, version, status)
	if err != nil {
		p.Logger.Log("unit", name, "version", version, "warning", "recording outcome failed", "err", err)
		return
	}
	if !ok {
		return
	}
	outcomeCount.With(metrics.LabelOutcome, string(outcome)).Add(1)
	p.Logger.Log("unit", name, "version", version, "outcome", outcome, "state", status.State())
}
