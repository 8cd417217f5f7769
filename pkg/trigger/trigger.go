// Package trigger turns "this unit changed" signals into sync
// attempts against the GitOps controller, falling back to a manifest
// republish when the controller won't take the sync directly.
//
// Every accepted trigger advances the unit's version; all status
// writes for the attempt carry that version and are dropped by the
// store once a newer trigger has been accepted. That version check is
// the only serialization between attempts for the same unit; attempts
// for distinct units are fully concurrent.
package trigger

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/go-kit/kit/log"
	kitprom "github.com/go-kit/kit/metrics/prometheus"
	"github.com/jonboulle/clockwork"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/gitopsd/gitopsd/pkg/gitops"
	"github.com/gitopsd/gitopsd/pkg/metrics"
	"github.com/gitopsd/gitopsd/pkg/publish"
	"github.com/gitopsd/gitopsd/pkg/unit"
)

var triggerCount = kitprom.NewCounterFrom(stdprometheus.CounterOpts{
	Namespace: "gitopsd",
	Subsystem: "trigger",
	Name:      "attempts_total",
	Help:      "Number of sync attempts, by strategy and immediate outcome.",
}, []string{metrics.LabelStrategy, metrics.LabelOutcome})

// Watcher follows up on a sync attempt until it reaches a terminal
// outcome; pkg/monitor provides the production implementation.
type Watcher interface {
	Monitor(ctx context.Context, name string, version int64)
}

// Gate delays a sync attempt until the unit's artifacts can plausibly
// exist, e.g. until CI has had time to build and push an image.
type Gate interface {
	Wait(ctx context.Context, name string) error
}

// FixedDelay is a Gate that waits a constant duration.
type FixedDelay struct {
	D     time.Duration
	Clock clockwork.Clock
}

func (g FixedDelay) Wait(ctx context.Context, name string) error {
	select {
	case <-g.Clock.After(g.D):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger coordinates sync attempts for deployment units.
type Trigger struct {
	Store        unit.Store
	Controller   gitops.Controller
	Publisher    publish.Publisher
	ManifestRepo publish.Repo
	// BasePath is the directory in the manifest repo under which each
	// unit has its own subdirectory.
	BasePath string
	Watcher  Watcher
	Gate     Gate
	Logger   log.Logger
	Clock    clockwork.Clock
}

// Trigger accepts a new sync trigger for the unit and attempts it
// immediately.
func (t *Trigger) Trigger(ctx context.Context, name string) error {
	version, err := t.Store.Accept(ctx, name)
	if err != nil {
		return err
	}
	return t.run(ctx, name, version)
}

// TriggerDelayed accepts the trigger now, waits out the gate, then
// attempts the sync unless a newer trigger arrived in the meantime.
// Accepting before waiting is what lets the newest of a burst of
// pushes win: every push bumps the version, and the older waiters find
// themselves stale when they wake.
func (t *Trigger) TriggerDelayed(ctx context.Context, name string) error {
	version, err := t.Store.Accept(ctx, name)
	if err != nil {
		return err
	}
	if err := t.Gate.Wait(ctx, name); err != nil {
		return err
	}
	u, err := t.Store.Get(ctx, name)
	if err != nil {
		return err
	}
	if u.Version != version {
		t.Logger.Log("unit", name, "version", version, "event", "superseded while waiting")
		triggerCount.With(metrics.LabelStrategy, string(unit.StrategyDirect), metrics.LabelOutcome, string(unit.OutcomeSuperseded)).Add(1)
		return nil
	}
	return t.run(ctx, name, version)
}

func (t *Trigger) run(ctx context.Context, name string, version int64) error {
	u, err := t.Store.Get(ctx, name)
	if err != nil {
		return err
	}

	status := u.Status
	status.LastAttempt = &unit.Attempt{
		Strategy:  unit.StrategyDirect,
		StartedAt: t.Clock.Now(),
		Outcome:   unit.OutcomePending,
	}
	if ok, err := t.Store.UpdateStatus(ctx, name, version, status); err != nil {
		return err
	} else if !ok {
		return nil
	}

	if err := t.Controller.Sync(ctx, name); err == nil {
		t.Logger.Log("unit", name, "version", version, "strategy", unit.StrategyDirect, "state", status.State(), "event", "sync requested")
		triggerCount.With(metrics.LabelStrategy, string(unit.StrategyDirect), metrics.LabelOutcome, string(unit.OutcomePending)).Add(1)
		t.watch(name, version)
		return nil
	} else if ctx.Err() != nil {
		return err
	} else {
		t.Logger.Log("unit", name, "version", version, "warning", "direct sync refused, republishing manifests", "err", err)
	}

	status.LastAttempt = &unit.Attempt{
		Strategy:  unit.StrategyFallback,
		StartedAt: t.Clock.Now(),
		Outcome:   unit.OutcomePending,
	}
	if ok, err := t.Store.UpdateStatus(ctx, name, version, status); err != nil {
		return err
	} else if !ok {
		return nil
	}

	// The pending write above was version-guarded, but the publish is
	// not. Re-read so an attempt superseded in the meantime stops here
	// instead of republishing a stale bundle.
	if u, err = t.Store.Get(ctx, name); err != nil {
		return err
	} else if u.Version != version {
		triggerCount.With(metrics.LabelStrategy, string(unit.StrategyFallback), metrics.LabelOutcome, string(unit.OutcomeSuperseded)).Add(1)
		return nil
	}

	_, perr := t.Publisher.Publish(ctx, t.ManifestRepo, path.Join(t.BasePath, name), u.Bundle, fmt.Sprintf("Sync %s", name))
	if perr != nil {
		status.LastAttempt.Outcome = unit.OutcomeFailed
		// Best effort; a newer trigger overwrites this anyway.
		t.Store.UpdateStatus(ctx, name, version, status)
		triggerCount.With(metrics.LabelStrategy, string(unit.StrategyFallback), metrics.LabelOutcome, string(unit.OutcomeFailed)).Add(1)
		return perr
	}

	t.Logger.Log("unit", name, "version", version, "strategy", unit.StrategyFallback, "state", status.State(), "event", "manifests republished")
	triggerCount.With(metrics.LabelStrategy, string(unit.StrategyFallback), metrics.LabelOutcome, string(unit.OutcomePending)).Add(1)
	t.watch(name, version)
	return nil
}

// watch hands the attempt to the watcher on its own goroutine, with a
// fresh context: the attempt's fate no longer depends on the request
// that triggered it.
func (t *Trigger) watch(name string, version int64) {
	if t.Watcher == nil {
		return
	}
	go t.Watcher.Monitor(context.Background(), name, version)
}
