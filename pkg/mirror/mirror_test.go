package mirror

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitopsd/gitopsd/pkg/gitops"
	"github.com/gitopsd/gitopsd/pkg/unit"
	"github.com/gitopsd/gitopsd/pkg/unit/inmem"
)

func TestMirrorOnce(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	require.NoError(t, store.SavePublished(ctx, &unit.Unit{
		Name:       "widget",
		SourceRepo: unit.SourceRepo{URL: "https://github.com/acme/widget-src"},
	}))
	require.NoError(t, store.SavePublished(ctx, &unit.Unit{
		Name:       "orphan",
		SourceRepo: unit.SourceRepo{URL: "https://github.com/acme/orphan-src"},
	}))

	m := &Mirror{
		Store: store,
		Controller: &gitops.Mock{
			ApplicationsFunc: func(ctx context.Context) (map[string]gitops.Status, error) {
				return map[string]gitops.Status{
					"widget": {
						Health:          unit.HealthHealthy,
						SyncState:       unit.SyncSynced,
						ReadyReplicas:   2,
						DesiredReplicas: 2,
					},
					// Not a unit we know; ignored.
					"stranger": {Health: unit.HealthDegraded},
				}, nil
			},
		},
		Interval: 30 * time.Second,
		Clock:    clockwork.NewFakeClock(),
		Logger:   log.NewNopLogger(),
	}

	require.NoError(t, m.mirrorOnce(ctx))

	u, err := store.Get(ctx, "widget")
	require.NoError(t, err)
	assert.Equal(t, unit.HealthHealthy, u.Status.Health)
	assert.Equal(t, 2, u.Status.ReadyReplicas)

	// A unit the controller doesn't report keeps its stored status.
	o, err := store.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, unit.Health(""), o.Status.Health)
}

func TestAskForSyncCoalesces(t *testing.T) {
	passes := make(chan struct{}, 8)
	m := &Mirror{
		Store: inmem.New(),
		Controller: &gitops.Mock{
			ApplicationsFunc: func(ctx context.Context) (map[string]gitops.Status, error) {
				passes <- struct{}{}
				return map[string]gitops.Status{}, nil
			},
		},
		Interval: time.Hour,
		Clock:    clockwork.NewFakeClock(),
		Logger:   log.NewNopLogger(),
	}

	stop := make(chan struct{})
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go m.Loop(stop, wg)

	m.AskForSync()
	select {
	case <-passes:
	case <-time.After(2 * time.Second):
		t.Fatal("AskForSync did not cause a pass")
	}

	close(stop)
	wg.Wait()
}
