package unit

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/whilp/git-urls"
)

// Remote points at a git repo somewhere.
type Remote struct {
	// URL is where we clone from
	URL string `json:"url"`
}

func (r Remote) SafeURL() string {
	u, err := giturls.Parse(r.URL)
	if err != nil {
		return fmt.Sprintf("<unparseable: %s>", r.URL)
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

// Equivalent compares the given URL with the remote URL without taking
// protocols or `.git` suffixes into account.
func (r Remote) Equivalent(u string) bool {
	lu, err := giturls.Parse(r.URL)
	if err != nil {
		return false
	}
	ru, err := giturls.Parse(u)
	if err != nil {
		return false
	}
	return lu.Host == ru.Host && trimPath(lu.Path) == trimPath(ru.Path)
}

func trimPath(p string) string {
	return strings.TrimSuffix(strings.Trim(p, "/"), ".git")
}

// Canonical reduces a source repository URL to the key used by the
// correlation index. Scheme variants, a trailing slash, and a `.git`
// suffix all canonicalise to the same key, so that
// `https://host/o/r`, `https://host/o/r.git` and `https://host/o/r/`
// resolve to the same unit.
func Canonical(rawurl string) (string, error) {
	u, err := giturls.Parse(rawurl)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(u.Host)
	if host == "" {
		return "", fmt.Errorf("no host in git URL %q", rawurl)
	}
	return host + "/" + trimPath(u.Path), nil
}
