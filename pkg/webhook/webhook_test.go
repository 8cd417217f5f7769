package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitopsd/gitopsd/pkg/unit"
	"github.com/gitopsd/gitopsd/pkg/unit/inmem"
)

func sign(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func TestVerify(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"zen": "Design for failure."}`)

	assert.True(t, Verify(body, sign(body, secret), secret))
	assert.False(t, Verify(body, sign(body, []byte("wrong")), secret))
	assert.False(t, Verify(body, "sha256=zzzz", secret))
	assert.False(t, Verify(body, "", secret))
	assert.True(t, Verify(body, "", nil), "no secret configured disables verification")
}

// recorder is a Triggerer that records calls and signals each one.
type recorder struct {
	mu      sync.Mutex
	direct  []string
	delayed []string
	called  chan string
}

func newRecorder() *recorder {
	return &recorder{called: make(chan string, 16)}
}

func (r *recorder) Trigger(ctx context.Context, name string) error {
	r.mu.Lock()
	r.direct = append(r.direct, name)
	r.mu.Unlock()
	r.called <- name
	return nil
}

func (r *recorder) TriggerDelayed(ctx context.Context, name string) error {
	r.mu.Lock()
	r.delayed = append(r.delayed, name)
	r.mu.Unlock()
	r.called <- name
	return nil
}

func (r *recorder) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.called:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for trigger %d of %d", i+1, n)
		}
	}
}

func newTestHandler(store unit.Store, rec *recorder, secret string) *Handler {
	return &Handler{
		Secret:         []byte(secret),
		ManifestRemote: unit.Remote{URL: "https://github.com/acme/manifests"},
		BasePath:       "apps",
		Store:          store,
		Triggerer:      rec,
		Logger:         log.NewNopLogger(),
	}
}

func deliver(h *Handler, eventType string, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/webhook/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", eventType)
	if sig != "" {
		req.Header.Set("X-Hub-Signature-256", sig)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func pushEvent(cloneURL, commitID string, paths ...string) []byte {
	e := Event{
		Ref:        "refs/heads/main",
		Repository: Repository{Name: "x", CloneURL: cloneURL},
		HeadCommit: &Commit{ID: commitID, Modified: paths},
	}
	b, _ := json.Marshal(e)
	return b
}

func TestBadSignatureRejected(t *testing.T) {
	rec := newRecorder()
	h := newTestHandler(inmem.New(), rec, "s3cret")

	body := pushEvent("https://github.com/acme/manifests", "c1", "apps/widget/deployment.yaml")
	w := deliver(h, "push", body, sign(body, []byte("wrong")))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, rec.direct)
	assert.Empty(t, rec.delayed)
}

func TestManifestPushTriggersTouchedUnits(t *testing.T) {
	rec := newRecorder()
	h := newTestHandler(inmem.New(), rec, "s3cret")

	e := Event{
		Ref:        "refs/heads/main",
		Repository: Repository{Name: "manifests", CloneURL: "git@github.com:acme/manifests.git"},
		HeadCommit: &Commit{ID: "c1"},
		Commits: []Commit{
			{ID: "c0", Added: []string{"apps/widget/deployment.yaml"}},
			{ID: "c1", Modified: []string{"apps/gadget/service.yaml", "apps/widget/service.yaml"}, Removed: []string{"README.md", "apps/stray-file.yaml"}},
		},
	}
	body, _ := json.Marshal(e)
	w := deliver(h, "push", body, sign(body, []byte("s3cret")))
	assert.Equal(t, http.StatusAccepted, w.Code)

	rec.waitFor(t, 2)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.ElementsMatch(t, []string{"widget", "gadget"}, rec.direct)
	assert.Empty(t, rec.delayed)
}

func TestSourcePushSchedulesDelayedSync(t *testing.T) {
	store := inmem.New()
	require.NoError(t, store.SavePublished(context.Background(), &unit.Unit{
		Name:       "widget",
		SourceRepo: unit.SourceRepo{URL: "https://github.com/acme/widget-src", Name: "widget-src"},
	}))
	rec := newRecorder()
	h := newTestHandler(store, rec, "s3cret")

	body := pushEvent("git@github.com:acme/widget-src.git", "c2", "main.go")
	w := deliver(h, "push", body, sign(body, []byte("s3cret")))
	assert.Equal(t, http.StatusAccepted, w.Code)

	rec.waitFor(t, 1)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"widget"}, rec.delayed)
	assert.Empty(t, rec.direct)
}

func TestUnresolvedSourcePushAcknowledged(t *testing.T) {
	rec := newRecorder()
	h := newTestHandler(inmem.New(), rec, "s3cret")

	body := pushEvent("https://github.com/acme/stranger", "c3", "main.go")
	w := deliver(h, "push", body, sign(body, []byte("s3cret")))

	// Acknowledged so the git host doesn't redeliver, but nothing is
	// triggered.
	assert.Equal(t, http.StatusAccepted, w.Code)
	select {
	case name := <-rec.called:
		t.Fatalf("unexpected trigger for %q", name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDuplicateDeliveryIgnored(t *testing.T) {
	rec := newRecorder()
	h := newTestHandler(inmem.New(), rec, "s3cret")

	body := pushEvent("https://github.com/acme/manifests", "c4", "apps/widget/deployment.yaml")
	sig := sign(body, []byte("s3cret"))

	w := deliver(h, "push", body, sig)
	assert.Equal(t, http.StatusAccepted, w.Code)
	rec.waitFor(t, 1)

	w = deliver(h, "push", body, sig)
	assert.Equal(t, http.StatusAccepted, w.Code)
	select {
	case name := <-rec.called:
		t.Fatalf("redelivery triggered %q again", name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPingAndUnknownEvents(t *testing.T) {
	rec := newRecorder()
	h := newTestHandler(inmem.New(), rec, "")

	w := deliver(h, "ping", []byte(`{"zen": "Keep it simple."}`), "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = deliver(h, "issues", []byte(`{}`), "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	select {
	case name := <-rec.called:
		t.Fatalf("unexpected trigger for %q", name)
	case <-time.After(50 * time.Millisecond):
	}
}

type nudgeMirror struct {
	asked chan struct{}
}

func (m *nudgeMirror) AskForSync() {
	select {
	case m.asked <- struct{}{}:
	default:
	}
}

func TestManifestPushNudgesMirror(t *testing.T) {
	rec := newRecorder()
	h := newTestHandler(inmem.New(), rec, "s3cret")
	m := &nudgeMirror{asked: make(chan struct{}, 1)}
	h.Mirror = m

	body := pushEvent("https://github.com/acme/manifests", "c5", "apps/widget/deployment.yaml")
	w := deliver(h, "push", body, sign(body, []byte("s3cret")))
	assert.Equal(t, http.StatusAccepted, w.Code)

	select {
	case <-m.asked:
	case <-time.After(2 * time.Second):
		t.Fatal("mirror was not asked for a pass")
	}
	rec.waitFor(t, 1)
}

func TestSeenCommitsBounded(t *testing.T) {
	s := newSeenCommits(2)
	assert.False(t, s.seen("a"))
	assert.False(t, s.seen("b"))
	assert.True(t, s.seen("a"))
	assert.False(t, s.seen("c")) // evicts a
	assert.False(t, s.seen("a"))
	assert.True(t, s.seen("c"))
}
