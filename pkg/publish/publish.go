// Package publish writes bundles of generated files into git
// repositories. The primary path commits all files of a bundle
// atomically; when the repository host won't accept the batched
// commit, the publisher degrades to file-at-a-time writes and reports
// exactly which files made it.
package publish

import (
	"context"
	"fmt"

	"github.com/gitopsd/gitopsd/pkg/unit"
)

// Repo names a repository on the git host.
type Repo struct {
	Owner  string
	Name   string
	Branch string
}

func (r Repo) String() string {
	return fmt.Sprintf("%s/%s@%s", r.Owner, r.Name, r.Branch)
}

// FileResult records the fate of one file during a per-file fallback
// publish.
type FileResult struct {
	Path string `json:"path"`
	// CommitSHA of the commit that wrote the file; empty if it failed.
	CommitSHA string `json:"commitSha,omitempty"`
	Err       string `json:"error,omitempty"`
}

// Result describes a publish that reached the repository, in whole or
// in part.
type Result struct {
	// Atomic is true when the whole bundle landed in a single commit.
	Atomic bool `json:"atomic"`
	// CommitSHA of the batch commit; only set when Atomic.
	CommitSHA string `json:"commitSha,omitempty"`
	// Files holds per-file outcomes of the fallback path; empty when
	// Atomic.
	Files []FileResult `json:"files,omitempty"`
}

// Failed returns the paths that did not make it to the repository.
func (r Result) Failed() []string {
	var failed []string
	for _, f := range r.Files {
		if f.Err != "" {
			failed = append(failed, f.Path)
		}
	}
	return failed
}

// Publisher writes bundles to repositories on a git host.
type Publisher interface {
	// Publish writes every file of the bundle under basePath on the
	// repo's branch. It commits atomically when it can, and otherwise
	// falls back to per-file writes; an error is returned only when
	// nothing could be published at all.
	Publish(ctx context.Context, repo Repo, basePath string, bundle unit.Bundle, message string) (Result, error)

	// EnsureRepo creates the repository if it does not exist yet.
	// Finding it already there is not an error.
	EnsureRepo(ctx context.Context, repo Repo, private bool) error
}
