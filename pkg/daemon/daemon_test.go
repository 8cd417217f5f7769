package daemon

import (
	"context"
	"sync"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gitopsderr "github.com/gitopsd/gitopsd/pkg/errors"
	"github.com/gitopsd/gitopsd/pkg/publish"
	"github.com/gitopsd/gitopsd/pkg/unit"
	"github.com/gitopsd/gitopsd/pkg/unit/inmem"
)

// scripted records the order of side effects across collaborators.
type scripted struct {
	mu    sync.Mutex
	steps []string
}

func (s *scripted) record(step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

type scriptedPublisher struct {
	script  *scripted
	results map[string]publish.Result
}

func (p *scriptedPublisher) Publish(ctx context.Context, repo publish.Repo, basePath string, bundle unit.Bundle, message string) (publish.Result, error) {
	p.script.record("publish " + repo.Name + " " + basePath)
	if r, ok := p.results[repo.Name]; ok {
		return r, nil
	}
	return publish.Result{Atomic: true, CommitSHA: "sha-" + repo.Name}, nil
}

func (p *scriptedPublisher) EnsureRepo(ctx context.Context, repo publish.Repo, private bool) error {
	p.script.record("ensure " + repo.Name)
	return nil
}

type scriptedSecrets struct {
	script *scripted
}

func (s *scriptedSecrets) Provision(ctx context.Context, owner, repo, name, value string) error {
	s.script.record("secret " + repo + " " + name)
	return nil
}

type scriptedTriggerer struct {
	script *scripted
}

func (t *scriptedTriggerer) Trigger(ctx context.Context, name string) error {
	t.script.record("trigger " + name)
	return nil
}

func newTestDaemon(script *scripted, store unit.Store) *Daemon {
	return &Daemon{
		Store:        store,
		Publisher:    &scriptedPublisher{script: script},
		Secrets:      &scriptedSecrets{script: script},
		Triggerer:    &scriptedTriggerer{script: script},
		Owner:        "acme",
		SourceBranch: "main",
		ManifestRepo: publish.Repo{Owner: "acme", Name: "manifests", Branch: "main"},
		BasePath:     "apps",
		CISecretName: "PAT_TOKEN",
		CIToken:      "ghp_sekrit",
		Logger:       log.NewNopLogger(),
	}
}

func TestDeployFullPipeline(t *testing.T) {
	script := &scripted{}
	store := inmem.New()
	d := newTestDaemon(script, store)

	res, err := d.Deploy(context.Background(), DeployRequest{
		Name: "widget",
		Scaffold: unit.Bundle{
			".github/workflows/ci.yml": "name: ci",
			"main.go":                  "package main",
		},
		Manifests: unit.Bundle{"deployment.yaml": "kind: Deployment"},
	})
	require.NoError(t, err)
	assert.Equal(t, "widget", res.Unit)
	require.NotNil(t, res.SourceResult)
	assert.True(t, res.ManifestResult.Atomic)

	// The CI secret must land before the scaffold: a workflow that
	// runs ahead of its credential fails its first build.
	assert.Equal(t, []string{
		"ensure widget",
		"secret widget PAT_TOKEN",
		"publish widget ",
		"publish manifests apps/widget",
		"trigger widget",
	}, script.steps)

	u, err := store.Get(context.Background(), "widget")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/widget", u.SourceRepo.URL)
	assert.Equal(t, unit.Bundle{"deployment.yaml": "kind: Deployment"}, u.Bundle)

	// The unit is correlatable by its source URL from now on.
	got, err := store.Lookup(context.Background(), "git@github.com:acme/widget.git")
	require.NoError(t, err)
	assert.Equal(t, "widget", got.Name)
}

func TestDeployWithoutScaffold(t *testing.T) {
	script := &scripted{}
	d := newTestDaemon(script, inmem.New())

	res, err := d.Deploy(context.Background(), DeployRequest{
		Name:      "widget",
		Manifests: unit.Bundle{"deployment.yaml": "kind: Deployment"},
	})
	require.NoError(t, err)
	assert.Nil(t, res.SourceResult)
	assert.Equal(t, []string{
		"publish manifests apps/widget",
		"trigger widget",
	}, script.steps, "no scaffold means no source repo work at all")
}

func TestDeployScaffoldWithoutWorkflow(t *testing.T) {
	script := &scripted{}
	d := newTestDaemon(script, inmem.New())

	_, err := d.Deploy(context.Background(), DeployRequest{
		Name:      "widget",
		Scaffold:  unit.Bundle{"main.go": "package main"},
		Manifests: unit.Bundle{"deployment.yaml": "kind: Deployment"},
	})
	require.NoError(t, err)
	for _, step := range script.steps {
		assert.NotContains(t, step, "secret", "no workflow in the scaffold, no secret to provision")
	}
}

func TestDeployValidation(t *testing.T) {
	d := newTestDaemon(&scripted{}, inmem.New())

	for name, req := range map[string]DeployRequest{
		"no name":      {Manifests: unit.Bundle{"a.yaml": "a"}},
		"bad name":     {Name: "wid get", Manifests: unit.Bundle{"a.yaml": "a"}},
		"slashed name": {Name: "wid/get", Manifests: unit.Bundle{"a.yaml": "a"}},
		"no manifests": {Name: "widget"},
	} {
		_, err := d.Deploy(context.Background(), req)
		require.Error(t, err, name)
		var ge *gitopsderr.Error
		require.IsType(t, ge, err, name)
		assert.Equal(t, gitopsderr.Type(gitopsderr.User), err.(*gitopsderr.Error).Type, name)
	}
}

func TestDeploySourceRepoOverride(t *testing.T) {
	script := &scripted{}
	store := inmem.New()
	d := newTestDaemon(script, store)

	_, err := d.Deploy(context.Background(), DeployRequest{
		Name:       "widget",
		SourceRepo: "widget-backend",
		Scaffold:   unit.Bundle{"main.go": "package main"},
		Manifests:  unit.Bundle{"deployment.yaml": "kind: Deployment"},
	})
	require.NoError(t, err)

	u, err := store.Get(context.Background(), "widget")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/widget-backend", u.SourceRepo.URL)
}
