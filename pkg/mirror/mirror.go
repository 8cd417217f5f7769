// Package mirror keeps the stored status of every unit loosely in
// step with what the GitOps controller reports, independently of any
// in-flight sync attempt. It is the catch-all for drift the attempt
// monitors don't see: manual syncs, controller restarts, workloads
// scaled behind our back.
package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	kitprom "github.com/go-kit/kit/metrics/prometheus"
	"github.com/jonboulle/clockwork"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/gitopsd/gitopsd/pkg/gitops"
	"github.com/gitopsd/gitopsd/pkg/metrics"
	"github.com/gitopsd/gitopsd/pkg/unit"
)

var mirrorDuration = kitprom.NewHistogramFrom(stdprometheus.HistogramOpts{
	Namespace: "gitopsd",
	Subsystem: "mirror",
	Name:      "duration_seconds",
	Help:      "Duration of mirror passes, in seconds.",
	Buckets:   stdprometheus.DefBuckets,
}, []string{metrics.LabelSuccess})

type Mirror struct {
	Store      unit.Store
	Controller gitops.Controller
	Interval   time.Duration
	Clock      clockwork.Clock
	Logger     log.Logger

	initOnce sync.Once
	syncSoon chan struct{}
}

func (m *Mirror) init() {
	m.initOnce.Do(func() {
		m.syncSoon = make(chan struct{}, 1)
	})
}

// AskForSync requests an out-of-band mirror pass. Requests coalesce:
// asking many times while a pass is pending still yields one pass.
func (m *Mirror) AskForSync() {
	m.init()
	select {
	case m.syncSoon <- struct{}{}:
	default:
	}
}

// Loop runs mirror passes until stop is closed.
func (m *Mirror) Loop(stop chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	m.init()
	for {
		select {
		case <-stop:
			return
		case <-m.syncSoon:
		case <-m.Clock.After(m.Interval):
		}
		begin := time.Now()
		err := m.mirrorOnce(context.Background())
		mirrorDuration.With(metrics.LabelSuccess, boolStr(err == nil)).Observe(time.Since(begin).Seconds())
		if err != nil {
			m.Logger.Log("warning", "mirror pass failed", "err", err)
		}
	}
}

// mirrorOnce overwrites each known unit's observed status with the
// controller's current report. Units the controller doesn't know yet
// are left alone; their status stays whatever the last attempt wrote.
func (m *Mirror) mirrorOnce(ctx context.Context) error {
	apps, err := m.Controller.Applications(ctx)
	if err != nil {
		return err
	}
	units, err := m.Store.List(ctx)
	if err != nil {
		return err
	}
	var mirrored int
	for _, u := range units {
		st, ok := apps[u.Name]
		if !ok {
			continue
		}
		err := m.Store.PutStatus(ctx, u.Name, unit.Status{
			Health:          st.Health,
			SyncState:       st.SyncState,
			ReadyReplicas:   st.ReadyReplicas,
			DesiredReplicas: st.DesiredReplicas,
		})
		if err != nil {
			m.Logger.Log("unit", u.Name, "warning", "mirroring status failed", "err", err)
			continue
		}
		mirrored++
	}
	m.Logger.Log("event", "mirror pass", "units", len(units), "mirrored", mirrored)
	return nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
