package webhook

import (
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-kit/kit/log"
	kitprom "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	gitopsderr "github.com/gitopsd/gitopsd/pkg/errors"
	"github.com/gitopsd/gitopsd/pkg/gitops"
	"github.com/gitopsd/gitopsd/pkg/metrics"
	"github.com/gitopsd/gitopsd/pkg/unit"
)

const (
	maxBody     = 5 * 1024 * 1024
	dedupWindow = 1024
)

var eventCount = kitprom.NewCounterFrom(stdprometheus.CounterOpts{
	Namespace: "gitopsd",
	Subsystem: "webhook",
	Name:      "events_total",
	Help:      "Webhook events received, by origin classification and disposition.",
}, []string{metrics.LabelOrigin, metrics.LabelOutcome})

// Triggerer is the part of pkg/trigger the webhook handler drives.
type Triggerer interface {
	Trigger(ctx context.Context, name string) error
	TriggerDelayed(ctx context.Context, name string) error
}

// Mirror is nudged after an accepted manifest push, so observed status
// catches up without waiting for the next interval pass.
type Mirror interface {
	AskForSync()
}

// Handler receives push events from the git host.
type Handler struct {
	// Secret verifies event signatures; empty disables verification.
	Secret []byte
	// ManifestRemote is the manifest repository's URL; pushes to it
	// are classified as manifest events.
	ManifestRemote unit.Remote
	// BasePath is the directory in the manifest repo under which each
	// unit has a subdirectory; paths outside it are ignored.
	BasePath string
	// AppSet, when set, names the controller application-set to
	// refresh on manifest pushes.
	AppSet     string
	Store      unit.Store
	Triggerer  Triggerer
	Controller gitops.Controller
	// Limiter paces the burst of direct syncs a manifest push fans out
	// into.
	Limiter *rate.Limiter
	// Mirror, when set, is asked for an out-of-band status pass on
	// manifest pushes.
	Mirror Mirror
	Logger log.Logger

	initOnce sync.Once
	seen     *seenCommits
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := ioutil.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	if !Verify(body, r.Header.Get("X-Hub-Signature-256"), h.Secret) {
		h.Logger.Log("warning", "rejected event with bad signature")
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	switch r.Header.Get("X-GitHub-Event") {
	case "ping":
		accepted(w, "pong")
		return
	case "push":
	default:
		accepted(w, "ignored")
		return
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "unparseable event", http.StatusBadRequest)
		return
	}

	h.initOnce.Do(func() { h.seen = newSeenCommits(dedupWindow) })
	if event.HeadCommit != nil && event.HeadCommit.ID != "" && h.seen.seen(event.HeadCommit.ID) {
		accepted(w, "duplicate")
		return
	}

	switch h.classify(event.Repository.CloneURL) {
	case KindManifestRepo:
		h.manifestPush(w, event)
	case KindSourceRepo:
		h.sourcePush(w, event)
	default:
		eventCount.With(metrics.LabelOrigin, "unknown", metrics.LabelOutcome, "dropped").Add(1)
		h.Logger.Log("warning", "dropping event with unparseable repository URL", "url", event.Repository.CloneURL)
		accepted(w, "ignored")
	}
}

func (h *Handler) classify(cloneURL string) Kind {
	if h.ManifestRemote.Equivalent(cloneURL) {
		return KindManifestRepo
	}
	if _, err := unit.Canonical(cloneURL); err != nil {
		return KindUnknown
	}
	return KindSourceRepo
}

// manifestPush fans a manifest-repo push out into direct syncs for
// every unit whose directory the push touched.
func (h *Handler) manifestPush(w http.ResponseWriter, event Event) {
	names := h.unitsFromEvent(event)
	eventCount.With(metrics.LabelOrigin, "manifest", metrics.LabelOutcome, "accepted").Add(1)
	h.Logger.Log("origin", "manifest", "commit", headCommitID(event), "units", strings.Join(names, ","))

	if h.AppSet != "" && h.Controller != nil {
		go func() {
			if err := h.Controller.RefreshAppSet(context.Background(), h.AppSet); err != nil {
				h.Logger.Log("warning", "application-set refresh failed", "appset", h.AppSet, "err", err)
			}
		}()
	}

	if h.Mirror != nil {
		h.Mirror.AskForSync()
	}

	for _, name := range names {
		name := name
		go func() {
			ctx := context.Background()
			if h.Limiter != nil {
				if err := h.Limiter.Wait(ctx); err != nil {
					return
				}
			}
			if err := h.Triggerer.Trigger(ctx, name); err != nil {
				h.Logger.Log("unit", name, "warning", "trigger failed", "err", err)
			}
		}()
	}
	acceptedJSON(w, map[string]interface{}{"status": "accepted", "units": names})
}

// sourcePush correlates a source-repo push with its unit and schedules
// a delayed sync, giving CI time to build first. A push from a
// repository we have no unit for is logged and acknowledged; failing
// the delivery would only make the git host redeliver it.
func (h *Handler) sourcePush(w http.ResponseWriter, event Event) {
	u, err := h.Store.Lookup(context.Background(), event.Repository.CloneURL)
	if err != nil {
		if gitopsderr.IsMissing(err) {
			eventCount.With(metrics.LabelOrigin, "source", metrics.LabelOutcome, "unresolved").Add(1)
			h.Logger.Log("origin", "source", "warning", "push from unresolved repository", "url", event.Repository.CloneURL)
			accepted(w, "unresolved")
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	eventCount.With(metrics.LabelOrigin, "source", metrics.LabelOutcome, "accepted").Add(1)
	h.Logger.Log("origin", "source", "unit", u.Name, "commit", headCommitID(event))
	name := u.Name
	go func() {
		if err := h.Triggerer.TriggerDelayed(context.Background(), name); err != nil {
			h.Logger.Log("unit", name, "warning", "delayed trigger failed", "err", err)
		}
	}()
	acceptedJSON(w, map[string]interface{}{"status": "accepted", "unit": name})
}

// unitsFromEvent extracts the unit names whose directories under
// BasePath the push touched. Paths outside BasePath, and files sitting
// directly in BasePath, belong to no unit and are skipped.
func (h *Handler) unitsFromEvent(event Event) []string {
	prefix := strings.Trim(h.BasePath, "/") + "/"
	set := map[string]struct{}{}
	commits := event.Commits
	if event.HeadCommit != nil {
		commits = append(commits, *event.HeadCommit)
	}
	for _, c := range commits {
		for _, paths := range [][]string{c.Added, c.Modified, c.Removed} {
			for _, p := range paths {
				if !strings.HasPrefix(p, prefix) {
					continue
				}
				rest := strings.TrimPrefix(p, prefix)
				if i := strings.Index(rest, "/"); i > 0 {
					set[rest[:i]] = struct{}{}
				}
			}
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func headCommitID(event Event) string {
	if event.HeadCommit == nil {
		return ""
	}
	return event.HeadCommit.ID
}

func accepted(w http.ResponseWriter, status string) {
	acceptedJSON(w, map[string]interface{}{"status": status})
}

func acceptedJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(body)
}
