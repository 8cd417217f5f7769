package publish

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	kitprom "github.com/go-kit/kit/metrics/prometheus"
	"github.com/google/go-github/v50/github"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"

	gitopsderr "github.com/gitopsd/gitopsd/pkg/errors"
	"github.com/gitopsd/gitopsd/pkg/metrics"
	"github.com/gitopsd/gitopsd/pkg/middleware"
	"github.com/gitopsd/gitopsd/pkg/unit"
)

const workflowPrefix = ".github/workflows/"

var (
	publishDuration = kitprom.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "gitopsd",
		Subsystem: "publish",
		Name:      "duration_seconds",
		Help:      "Duration of bundle publishes, in seconds.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{metrics.LabelStrategy, metrics.LabelSuccess})
	fallbackCount = kitprom.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "gitopsd",
		Subsystem: "publish",
		Name:      "fallback_total",
		Help:      "Number of publishes that degraded to per-file writes.",
	}, []string{})
)

// GitHub publishes bundles through the GitHub API: batched commits via
// the git data API, per-file writes via the contents API when the
// batch is refused.
type GitHub struct {
	client *github.Client
	logger log.Logger
}

var _ Publisher = &GitHub{}

func NewGitHub(client *github.Client, logger log.Logger) *GitHub {
	return &GitHub{client: client, logger: logger}
}

// NewGitHubClient constructs an API client authenticated with the
// given token, with bounded retry on rate limits and server errors.
func NewGitHubClient(token string, clock clockwork.Clock) *github.Client {
	rt := middleware.BackoffRoundTripper(http.DefaultTransport, middleware.InitialBackoff, middleware.MaxBackoff, middleware.MaxAttempts, clock)
	hc := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
			Base:   rt,
		},
		Timeout: 30 * time.Second,
	}
	return github.NewClient(hc)
}

func (g *GitHub) Publish(ctx context.Context, repo Repo, basePath string, bundle unit.Bundle, message string) (Result, error) {
	begin := time.Now()
	res, err := g.publishAtomic(ctx, repo, basePath, bundle, message)
	publishDuration.With(
		metrics.LabelStrategy, "atomic",
		metrics.LabelSuccess, fmt.Sprint(err == nil),
	).Observe(time.Since(begin).Seconds())
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return Result{}, err
	}

	g.logger.Log("warning", "batched commit refused, falling back to per-file writes", "repo", repo.String(), "err", err)
	fallbackCount.With().Add(1)

	begin = time.Now()
	res, err = g.publishFiles(ctx, repo, basePath, bundle, message)
	publishDuration.With(
		metrics.LabelStrategy, "fallback",
		metrics.LabelSuccess, fmt.Sprint(err == nil),
	).Observe(time.Since(begin).Seconds())
	return res, err
}

// publishAtomic lands the whole bundle in one commit: read the branch
// ref and its commit, build a tree on top, commit it, and advance the
// ref. No force: if the branch moved underneath us the update is
// refused and the caller falls back.
func (g *GitHub) publishAtomic(ctx context.Context, repo Repo, basePath string, bundle unit.Bundle, message string) (Result, error) {
	ref, resp, err := g.client.Git.GetRef(ctx, repo.Owner, repo.Name, "heads/"+repo.Branch)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return g.publishInitial(ctx, repo, basePath, bundle, message)
		}
		return Result{}, classify(resp, err, "fetching branch ref")
	}

	baseCommit, resp, err := g.client.Git.GetCommit(ctx, repo.Owner, repo.Name, *ref.Object.SHA)
	if err != nil {
		return Result{}, classify(resp, err, "fetching head commit")
	}

	tree, resp, err := g.client.Git.CreateTree(ctx, repo.Owner, repo.Name, *baseCommit.Tree.SHA, treeEntries(basePath, bundle))
	if err != nil {
		return Result{}, classify(resp, err, "creating tree")
	}

	commit, resp, err := g.client.Git.CreateCommit(ctx, repo.Owner, repo.Name, &github.Commit{
		Message: github.String(message),
		Tree:    tree,
		Parents: []*github.Commit{{SHA: ref.Object.SHA}},
	})
	if err != nil {
		return Result{}, classify(resp, err, "creating commit")
	}

	ref.Object.SHA = commit.SHA
	if _, resp, err = g.client.Git.UpdateRef(ctx, repo.Owner, repo.Name, ref, false); err != nil {
		return Result{}, classify(resp, err, "advancing branch ref")
	}

	return Result{Atomic: true, CommitSHA: *commit.SHA}, nil
}

// publishInitial handles the empty-repository case, where there is no
// branch ref to build on: create an orphan commit and the ref itself.
func (g *GitHub) publishInitial(ctx context.Context, repo Repo, basePath string, bundle unit.Bundle, message string) (Result, error) {
	tree, resp, err := g.client.Git.CreateTree(ctx, repo.Owner, repo.Name, "", treeEntries(basePath, bundle))
	if err != nil {
		return Result{}, classify(resp, err, "creating initial tree")
	}
	commit, resp, err := g.client.Git.CreateCommit(ctx, repo.Owner, repo.Name, &github.Commit{
		Message: github.String(message),
		Tree:    tree,
	})
	if err != nil {
		return Result{}, classify(resp, err, "creating initial commit")
	}
	_, resp, err = g.client.Git.CreateRef(ctx, repo.Owner, repo.Name, &github.Reference{
		Ref:    github.String("refs/heads/" + repo.Branch),
		Object: &github.GitObject{SHA: commit.SHA},
	})
	if err != nil {
		return Result{}, classify(resp, err, "creating branch ref")
	}
	return Result{Atomic: true, CommitSHA: *commit.SHA}, nil
}

// publishFiles writes the bundle one file at a time through the
// contents API. Workflow files go first and keep the real commit
// message, since CI must see them; everything else is committed with
// `[skip ci]` so the burst of single-file commits doesn't trigger a
// build per file. Partial success is success: the result records the
// fate of every file.
func (g *GitHub) publishFiles(ctx context.Context, repo Repo, basePath string, bundle unit.Bundle, message string) (Result, error) {
	res := Result{Files: make([]FileResult, 0, len(bundle))}
	var firstErr error
	for _, file := range orderFiles(bundle) {
		full := path.Join(basePath, file)
		msg := message + " [skip ci]"
		if strings.HasPrefix(file, workflowPrefix) {
			msg = message
		}
		sha, err := g.putFile(ctx, repo, full, bundle[file], msg)
		fr := FileResult{Path: full, CommitSHA: sha}
		if err != nil {
			fr.Err = err.Error()
			if firstErr == nil {
				firstErr = err
			}
			g.logger.Log("warning", "file publish failed", "repo", repo.String(), "path", full, "err", err)
		}
		res.Files = append(res.Files, fr)
		if ctx.Err() != nil {
			return res, errors.Wrap(ctx.Err(), "publishing files")
		}
	}
	if len(res.Failed()) == len(bundle) && firstErr != nil {
		return res, firstErr
	}
	return res, nil
}

func (g *GitHub) putFile(ctx context.Context, repo Repo, fullPath, content, message string) (string, error) {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: []byte(content),
		Branch:  github.String(repo.Branch),
	}

	existing, _, resp, err := g.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, fullPath, &github.RepositoryContentGetOptions{Ref: repo.Branch})
	switch {
	case err == nil && existing != nil:
		opts.SHA = existing.SHA
	case resp != nil && resp.StatusCode == http.StatusNotFound:
		// new file
	case err != nil:
		return "", classify(resp, err, "checking existing file")
	}

	var result *github.RepositoryContentResponse
	if opts.SHA != nil {
		result, resp, err = g.client.Repositories.UpdateFile(ctx, repo.Owner, repo.Name, fullPath, opts)
	} else {
		result, resp, err = g.client.Repositories.CreateFile(ctx, repo.Owner, repo.Name, fullPath, opts)
	}
	if err != nil {
		return "", classify(resp, err, "writing file")
	}
	if result.Commit.SHA != nil {
		return *result.Commit.SHA, nil
	}
	return "", nil
}

func (g *GitHub) EnsureRepo(ctx context.Context, repo Repo, private bool) error {
	_, resp, err := g.client.Repositories.Get(ctx, repo.Owner, repo.Name)
	if err == nil {
		return nil
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		return classify(resp, err, "checking repository")
	}

	newRepo := &github.Repository{
		Name:     github.String(repo.Name),
		Private:  github.Bool(private),
		AutoInit: github.Bool(true),
	}
	_, resp, err = g.client.Repositories.Create(ctx, repo.Owner, newRepo)
	if err != nil && resp != nil && resp.StatusCode == http.StatusNotFound {
		// Not an organisation; create under the authenticated user.
		_, resp, err = g.client.Repositories.Create(ctx, "", newRepo)
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnprocessableEntity {
			// Someone else created it between our check and the create.
			return nil
		}
		return classify(resp, err, "creating repository")
	}
	g.logger.Log("repo", repo.String(), "event", "repository created")
	return nil
}

// treeEntries lays the bundle out under basePath as blob entries,
// sorted for deterministic trees.
func treeEntries(basePath string, bundle unit.Bundle) []*github.TreeEntry {
	entries := make([]*github.TreeEntry, 0, len(bundle))
	for _, file := range orderFiles(bundle) {
		entries = append(entries, &github.TreeEntry{
			Path:    github.String(path.Join(basePath, file)),
			Mode:    github.String("100644"),
			Type:    github.String("blob"),
			Content: github.String(bundle[file]),
		})
	}
	return entries
}

// orderFiles returns the bundle's paths with workflow files first,
// each group sorted.
func orderFiles(bundle unit.Bundle) []string {
	var workflows, rest []string
	for file := range bundle {
		if strings.HasPrefix(file, workflowPrefix) {
			workflows = append(workflows, file)
		} else {
			rest = append(rest, file)
		}
	}
	sort.Strings(workflows)
	sort.Strings(rest)
	return append(workflows, rest...)
}

func classify(resp *github.Response, err error, doing string) error {
	code := 0
	if resp != nil {
		code = resp.StatusCode
	}
	wrapped := errors.Wrap(err, doing)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &gitopsderr.Error{
			Type: gitopsderr.Auth,
			Err:  wrapped,
			Help: "GitHub rejected our credentials. Check that the token is valid and has repo scope.",
		}
	case code == http.StatusNotFound:
		return &gitopsderr.Error{
			Type: gitopsderr.Missing,
			Err:  wrapped,
			Help: "GitHub reports the repository, branch, or path does not exist.",
		}
	case code == http.StatusConflict || code == http.StatusUnprocessableEntity:
		return &gitopsderr.Error{
			Type: gitopsderr.Conflict,
			Err:  wrapped,
			Help: "The branch moved while we were publishing, or GitHub refused the content. The publisher will fall back to per-file writes.",
		}
	case code == http.StatusTooManyRequests || code >= 500:
		return &gitopsderr.Error{
			Type: gitopsderr.Transient,
			Err:  wrapped,
			Help: "GitHub kept rate-limiting or failing; retries are exhausted.",
		}
	}
	return &gitopsderr.Error{
		Type: gitopsderr.Server,
		Err:  wrapped,
		Help: "An unexpected error talking to GitHub.",
	}
}
