// Package daemon implements the API server: it orchestrates a deploy
// end to end, from scaffolding the source repository to triggering
// the first sync.
package daemon

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	gitopsderr "github.com/gitopsd/gitopsd/pkg/errors"
	"github.com/gitopsd/gitopsd/pkg/publish"
	"github.com/gitopsd/gitopsd/pkg/secret"
	"github.com/gitopsd/gitopsd/pkg/unit"
)

const workflowPrefix = ".github/workflows/"

// DeployRequest asks the daemon to set up (or update) one deployment
// unit.
type DeployRequest struct {
	// Name of the deployment unit. Also the name of its directory in
	// the manifest repository.
	Name string `json:"name"`
	// SourceRepo is the source repository's name under the configured
	// owner; defaults to Name.
	SourceRepo string `json:"sourceRepo,omitempty"`
	// Private makes a newly created source repository private.
	Private bool `json:"private,omitempty"`
	// Scaffold is written to the source repository: CI workflows,
	// build files, starter code. Optional.
	Scaffold unit.Bundle `json:"scaffold,omitempty"`
	// Manifests is the unit's manifest bundle, written under the
	// unit's directory in the manifest repository.
	Manifests unit.Bundle `json:"manifests"`
}

type DeployResult struct {
	Unit string `json:"unit"`
	// SourceResult reports the scaffold publish; nil when no scaffold
	// was requested.
	SourceResult *publish.Result `json:"sourceResult,omitempty"`
	// ManifestResult reports the manifest publish.
	ManifestResult publish.Result `json:"manifestResult"`
}

// Triggerer starts a sync attempt; pkg/trigger implements it.
type Triggerer interface {
	Trigger(ctx context.Context, name string) error
}

// Daemon ties the collaborators together behind the API.
type Daemon struct {
	Store     unit.Store
	Publisher publish.Publisher
	Secrets   secret.Provisioner
	Triggerer Triggerer
	// Owner under which source repositories live.
	Owner string
	// SourceBranch is the branch scaffolds are published to.
	SourceBranch string
	ManifestRepo publish.Repo
	// BasePath is the directory in the manifest repo under which each
	// unit gets its own subdirectory.
	BasePath string
	// CISecretName/CIToken is the push credential provisioned into
	// source repositories so their workflows can write back.
	CISecretName string
	CIToken      string
	Logger       log.Logger
}

func (d *Daemon) Ping(ctx context.Context) error {
	_, err := d.Store.List(ctx)
	return err
}

func (d *Daemon) ListUnits(ctx context.Context) ([]*unit.Unit, error) {
	return d.Store.List(ctx)
}

func (d *Daemon) GetUnit(ctx context.Context, name string) (*unit.Unit, error) {
	return d.Store.Get(ctx, name)
}

// Deploy runs the pipeline for one unit: ensure the source repository
// exists, provision its CI secret, publish the scaffold, publish the
// manifest bundle, record the unit, and trigger the first sync. The
// secret goes in before the scaffold, since a workflow that runs ahead
// of its credential fails its first build.
func (d *Daemon) Deploy(ctx context.Context, req DeployRequest) (DeployResult, error) {
	if err := validate(req); err != nil {
		return DeployResult{}, err
	}

	srcName := req.SourceRepo
	if srcName == "" {
		srcName = req.Name
	}
	srcRepo := publish.Repo{Owner: d.Owner, Name: srcName, Branch: d.SourceBranch}
	res := DeployResult{Unit: req.Name}

	if len(req.Scaffold) > 0 {
		if err := d.Publisher.EnsureRepo(ctx, srcRepo, req.Private); err != nil {
			return res, err
		}
		if d.CIToken != "" && hasWorkflow(req.Scaffold) {
			if err := d.Secrets.Provision(ctx, srcRepo.Owner, srcRepo.Name, d.CISecretName, d.CIToken); err != nil {
				return res, err
			}
		}
		sr, err := d.Publisher.Publish(ctx, srcRepo, "", req.Scaffold, fmt.Sprintf("Scaffold %s", req.Name))
		if err != nil {
			return res, err
		}
		res.SourceResult = &sr
	}

	mr, err := d.Publisher.Publish(ctx, d.ManifestRepo, path.Join(d.BasePath, req.Name), req.Manifests, fmt.Sprintf("Deploy %s", req.Name))
	if err != nil {
		return res, err
	}
	res.ManifestResult = mr
	if failed := mr.Failed(); len(failed) > 0 {
		d.Logger.Log("unit", req.Name, "warning", "partial manifest publish", "failed", strings.Join(failed, ","))
	}

	u := &unit.Unit{
		Name: req.Name,
		SourceRepo: unit.SourceRepo{
			URL:  fmt.Sprintf("https://github.com/%s/%s", srcRepo.Owner, srcRepo.Name),
			Name: srcRepo.Name,
		},
		Bundle: req.Manifests,
	}
	if err := d.Store.SavePublished(ctx, u); err != nil {
		return res, err
	}

	if err := d.Triggerer.Trigger(ctx, req.Name); err != nil {
		// The unit is recorded and its manifests are in place; the
		// next push or mirror pass picks it up.
		d.Logger.Log("unit", req.Name, "warning", "initial sync trigger failed", "err", err)
	}
	d.Logger.Log("unit", req.Name, "event", "deployed", "atomic", mr.Atomic)
	return res, nil
}

func validate(req DeployRequest) error {
	var complaint string
	switch {
	case req.Name == "":
		complaint = "a deploy request needs a unit name"
	case strings.ContainsAny(req.Name, "/ "):
		complaint = fmt.Sprintf("unit name %q must not contain slashes or spaces", req.Name)
	case len(req.Manifests) == 0:
		complaint = "a deploy request needs at least one manifest file"
	default:
		return nil
	}
	return &gitopsderr.Error{
		Type: gitopsderr.User,
		Err:  errors.New(complaint),
		Help: "The deploy request is incomplete: " + complaint + ".",
	}
}

func hasWorkflow(b unit.Bundle) bool {
	for f := range b {
		if strings.HasPrefix(f, workflowPrefix) {
			return true
		}
	}
	return false
}
