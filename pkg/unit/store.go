package unit

import (
	"context"

	"github.com/pkg/errors"

	gitopsderr "github.com/gitopsd/gitopsd/pkg/errors"
)

// Store is the correlation index and system of record for deployment
// units. A unit's record is authoritative; the lookup by source URL is
// derived from it and rebuilt implicitly on every write.
//
// There are no multi-record transactions: each unit's record is
// updated independently, and same-unit writers are serialized by the
// version check in UpdateStatus rather than by locking.
type Store interface {
	// Get returns the unit by name, or a Missing error.
	Get(ctx context.Context, name string) (*Unit, error)

	// Lookup resolves a unit by any form of its source repository
	// URL (see Canonical), or returns a Missing error.
	Lookup(ctx context.Context, sourceURL string) (*Unit, error)

	// List returns all units.
	List(ctx context.Context) ([]*Unit, error)

	// SavePublished records a successful manifest publish: it creates
	// the unit on first publish, and otherwise replaces the stored
	// bundle and source repo wholesale. The version is not touched.
	SavePublished(ctx context.Context, u *Unit) error

	// Accept registers acceptance of a new sync trigger for the unit,
	// incrementing its version by exactly one, and returns the new
	// version. The returned version is the generation token that any
	// in-flight attempt must present to write status.
	Accept(ctx context.Context, name string) (int64, error)

	// UpdateStatus writes the latest observation for the unit, but
	// only if the stored version still equals version; it returns
	// false (and no error) when a newer trigger has superseded the
	// caller.
	UpdateStatus(ctx context.Context, name string, version int64, status Status) (bool, error)

	// PutStatus writes the controller-observed fields of the status
	// (health, sync state, replica counts) without a version guard,
	// leaving the attempt summary alone. This is the idempotent
	// last-observation-wins path used by the background mirror.
	PutStatus(ctx context.Context, name string, status Status) error
}

// ErrNotFound builds the Missing error reported for absent units.
func ErrNotFound(name string) error {
	return &gitopsderr.Error{
		Type: gitopsderr.Missing,
		Err:  errors.Errorf("deployment unit %q not found", name),
		Help: `The deployment unit you asked for is not in the index.

If it was deployed outside this daemon, it has no correlation entry;
republish its manifests through the deploy API to create one.
`,
	}
}
