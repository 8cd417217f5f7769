// Package webhook ingests git-host push events, verifies their
// signatures, and classifies them: pushes to the manifest repository
// trigger direct syncs for the touched units, pushes to a known source
// repository schedule a delayed sync for its unit, and everything else
// is dropped.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Commit is the slice of a push event's commit we care about: its id
// and the paths it touched.
type Commit struct {
	ID       string   `json:"id"`
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`
}

// Repository identifies the pushed-to repository.
type Repository struct {
	Name     string `json:"name"`
	CloneURL string `json:"clone_url"`
}

// Event is a git-host push event.
type Event struct {
	Ref        string     `json:"ref"`
	Repository Repository `json:"repository"`
	HeadCommit *Commit    `json:"head_commit"`
	Commits    []Commit   `json:"commits"`
}

// Kind classifies where a push event came from.
type Kind int

const (
	// KindUnknown events are dropped.
	KindUnknown Kind = iota
	// KindManifestRepo events fan out into direct syncs for the
	// touched units.
	KindManifestRepo
	// KindSourceRepo events schedule a delayed sync for the pushed-to
	// repository's unit.
	KindSourceRepo
)

func (k Kind) String() string {
	switch k {
	case KindManifestRepo:
		return "manifest"
	case KindSourceRepo:
		return "source"
	}
	return "unknown"
}

const signaturePrefix = "sha256="

// Verify checks the HMAC-SHA256 signature the git host computes over
// the raw request body. An empty secret disables verification, for
// development setups without one configured.
func Verify(body []byte, signature string, secret []byte) bool {
	if len(secret) == 0 {
		return true
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	sig, err := hex.DecodeString(signature[len(signaturePrefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}
