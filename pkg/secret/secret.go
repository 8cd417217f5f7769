// Package secret provisions repository CI secrets. Values are sealed
// to the repository's public key on our side, so the plaintext never
// travels further than the sealing call.
package secret

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/google/go-github/v50/github"
	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/box"

	gitopsderr "github.com/gitopsd/gitopsd/pkg/errors"
)

// Provisioner writes sealed secrets into repositories on the git host.
type Provisioner interface {
	// Provision seals value to the repository's public key and stores
	// it under name. Provisioning is idempotent; an existing secret is
	// overwritten.
	Provision(ctx context.Context, owner, repo, name, value string) error
}

type GitHub struct {
	client *github.Client
	logger log.Logger
}

var _ Provisioner = &GitHub{}

func NewGitHub(client *github.Client, logger log.Logger) *GitHub {
	return &GitHub{client: client, logger: logger}
}

// Provision must run before any workflow that references the secret is
// published, or the workflow's first run races the secret's existence.
// Callers sequence that; this method only seals and stores.
func (g *GitHub) Provision(ctx context.Context, owner, repo, name, value string) error {
	key, resp, err := g.client.Actions.GetRepoPublicKey(ctx, owner, repo)
	if err != nil {
		return provisionError(resp, errors.Wrap(err, "fetching repository public key"))
	}

	sealed, err := Seal(value, key.GetKey())
	if err != nil {
		return &gitopsderr.Error{
			Type: gitopsderr.Server,
			Err:  errors.Wrapf(err, "sealing secret %s", name),
			Help: "The repository public key could not be used for sealing. It may be malformed.",
		}
	}

	_, err = g.client.Actions.CreateOrUpdateRepoSecret(ctx, owner, repo, &github.EncryptedSecret{
		Name:           name,
		KeyID:          key.GetKeyID(),
		EncryptedValue: sealed,
	})
	if err != nil {
		return provisionError(nil, errors.Wrapf(err, "storing secret %s", name))
	}
	g.logger.Log("repo", owner+"/"+repo, "secret", name, "event", "provisioned")
	return nil
}

// Seal encrypts value to the base64-encoded 32-byte public key using
// an anonymous sealed box, and returns the ciphertext base64-encoded,
// which is the shape the secrets API expects.
func Seal(value, publicKey string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return "", errors.Wrap(err, "decoding public key")
	}
	if len(raw) != 32 {
		return "", errors.Errorf("public key is %d bytes, want 32", len(raw))
	}
	var pk [32]byte
	copy(pk[:], raw)
	sealed, err := box.SealAnonymous(nil, []byte(value), &pk, rand.Reader)
	if err != nil {
		return "", errors.Wrap(err, "sealing")
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func provisionError(resp *github.Response, err error) error {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return &gitopsderr.Error{
			Type: gitopsderr.Auth,
			Err:  err,
			Help: "GitHub rejected our credentials for the secrets API. The token needs repo scope on the target repository.",
		}
	}
	return &gitopsderr.Error{
		Type: gitopsderr.Server,
		Err:  err,
		Help: "The secret could not be provisioned. Any workflow that depends on it will fail until it is.",
	}
}
