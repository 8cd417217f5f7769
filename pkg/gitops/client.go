// Package gitops is a client for the GitOps controller's REST API: it
// can authenticate, fetch application status, and request a
// reconcile. The controller's own reconciliation loop is out of scope
// here; we only drive and observe it over the network.
package gitops

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	gitopsderr "github.com/gitopsd/gitopsd/pkg/errors"
	"github.com/gitopsd/gitopsd/pkg/middleware"
	"github.com/gitopsd/gitopsd/pkg/unit"
)

// Status is the controller-reported state of one application.
type Status struct {
	Health          unit.Health
	SyncState       unit.SyncState
	ReadyReplicas   int
	DesiredReplicas int
}

// Controller is the surface of the GitOps controller the daemon
// consumes. It is an interface so we can wrap it in instrumentation,
// write fake implementations, and so on.
type Controller interface {
	Application(ctx context.Context, name string) (Status, error)
	Applications(ctx context.Context) (map[string]Status, error)
	Sync(ctx context.Context, name string) error
	RefreshAppSet(ctx context.Context, name string) error
}

type Config struct {
	// URL of the controller API, e.g. https://argocd.example.com
	URL string
	// Token authenticates requests directly when set.
	Token string
	// Username/Password are used to open a session when no token is
	// supplied (or when the token is rejected).
	Username string
	Password string
	// InsecureSkipVerify disables TLS verification, for controllers
	// behind self-signed endpoints.
	InsecureSkipVerify bool
	Timeout            time.Duration
	Clock              clockwork.Clock
}

type Client struct {
	base     string
	username string
	password string
	client   *http.Client
	logger   log.Logger

	mu    sync.Mutex
	token string
}

var _ Controller = &Client{}

func New(cfg Config, logger log.Logger) (*Client, error) {
	base := strings.TrimSuffix(cfg.URL, "/")
	if _, err := url.Parse(base); err != nil || base == "" {
		return nil, errors.Errorf("invalid controller URL %q", cfg.URL)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	var rt http.RoundTripper = http.DefaultTransport
	if cfg.InsecureSkipVerify {
		rt = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	return &Client{
		base:     base,
		username: cfg.Username,
		password: cfg.Password,
		token:    cfg.Token,
		client: &http.Client{
			Transport: middleware.BackoffRoundTripper(rt, middleware.InitialBackoff, middleware.MaxBackoff, middleware.MaxAttempts, clock),
			Timeout:   timeout,
		},
		logger: logger,
	}, nil
}

func (c *Client) Application(ctx context.Context, name string) (Status, error) {
	var app application
	if err := c.do(ctx, "GET", "/api/v1/applications/"+url.PathEscape(name), nil, &app); err != nil {
		return Status{}, err
	}
	return app.status(), nil
}

func (c *Client) Applications(ctx context.Context) (map[string]Status, error) {
	var list struct {
		Items []application `json:"items"`
	}
	if err := c.do(ctx, "GET", "/api/v1/applications", nil, &list); err != nil {
		return nil, err
	}
	res := make(map[string]Status, len(list.Items))
	for _, app := range list.Items {
		res[app.Metadata.Name] = app.status()
	}
	return res, nil
}

// Sync asks the controller to reconcile the named application now.
func (c *Client) Sync(ctx context.Context, name string) error {
	body := map[string]interface{}{
		"prune":  true,
		"dryRun": false,
		"strategy": map[string]string{
			"syncStrategy": "apply",
		},
	}
	return c.do(ctx, "POST", "/api/v1/applications/"+url.PathEscape(name)+"/sync", body, nil)
}

// RefreshAppSet prods the controller's application-set so that a newly
// published unit directory is turned into an application without
// waiting for the next generator pass.
func (c *Client) RefreshAppSet(ctx context.Context, name string) error {
	return c.do(ctx, "POST", "/api/v1/applicationsets/"+url.PathEscape(name)+"/refresh", map[string]string{}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request")
		}
		rdr = bytes.NewReader(b)
	}
	attempt := func(token string) (*http.Response, error) {
		var req *http.Request
		var err error
		if rdr != nil {
			rdr.Seek(0, 0)
			req, err = http.NewRequest(method, c.base+path, rdr)
		} else {
			req, err = http.NewRequest(method, c.base+path, nil)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "constructing request %s %s", method, path)
		}
		req = req.WithContext(ctx)
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return c.client.Do(req)
	}

	resp, err := attempt(c.currentToken())
	if err != nil {
		return &gitopsderr.Error{
			Type: gitopsderr.Transient,
			Err:  errors.Wrapf(err, "%s %s", method, path),
			Help: "The GitOps controller could not be reached.",
		}
	}
	if resp.StatusCode == http.StatusUnauthorized && c.username != "" {
		resp.Body.Close()
		if err := c.login(ctx); err != nil {
			return err
		}
		resp, err = attempt(c.currentToken())
		if err != nil {
			return &gitopsderr.Error{
				Type: gitopsderr.Transient,
				Err:  errors.Wrapf(err, "%s %s", method, path),
				Help: "The GitOps controller could not be reached.",
			}
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp, method, path)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrapf(err, "decoding response from %s", path)
		}
	}
	return nil
}

func (c *Client) statusError(resp *http.Response, method, path string) error {
	excerpt, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 1024))
	base := errors.Errorf("%s %s: %s (%s)", method, path, resp.Status, strings.TrimSpace(string(excerpt)))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &gitopsderr.Error{
			Type: gitopsderr.Auth,
			Err:  base,
			Help: "The controller rejected our credentials. Check the token, or the session username and password.",
		}
	case resp.StatusCode == http.StatusNotFound:
		return &gitopsderr.Error{
			Type: gitopsderr.Missing,
			Err:  base,
			Help: "The controller has no such application. It may not have been generated yet.",
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		// The transport has already retried these up to its bound.
		return &gitopsderr.Error{
			Type: gitopsderr.Transient,
			Err:  base,
			Help: "The controller kept rate-limiting or failing; retries are exhausted.",
		}
	}
	return &gitopsderr.Error{
		Type: gitopsderr.Server,
		Err:  base,
		Help: "The controller rejected the request.",
	}
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// login opens a session with the controller and stores the resulting
// token for subsequent requests.
func (c *Client) login(ctx context.Context) error {
	b, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return errors.Wrap(err, "encoding session request")
	}
	req, err := http.NewRequest("POST", c.base+"/api/v1/session", bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "constructing session request")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return &gitopsderr.Error{
			Type: gitopsderr.Transient,
			Err:  errors.Wrap(err, "opening controller session"),
			Help: "The GitOps controller could not be reached to open a session.",
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &gitopsderr.Error{
			Type: gitopsderr.Auth,
			Err:  errors.Errorf("opening controller session: %s", resp.Status),
			Help: "The controller refused the session username and password.",
		}
	}
	var session struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return errors.Wrap(err, "decoding session response")
	}
	c.mu.Lock()
	c.token = session.Token
	c.mu.Unlock()
	c.logger.Log("event", "session opened")
	return nil
}

// -- wire format

type application struct {
	Metadata struct {
		Name string `json:"name"`
	} `json:"metadata"`
	Status struct {
		Health struct {
			Status string `json:"status"`
		} `json:"health"`
		Sync struct {
			Status string `json:"status"`
		} `json:"sync"`
		Resources []struct {
			Kind   string `json:"kind"`
			Status struct {
				Replicas      int `json:"replicas"`
				ReadyReplicas int `json:"readyReplicas"`
			} `json:"status"`
		} `json:"resources"`
	} `json:"status"`
}

func (a application) status() Status {
	s := Status{
		Health:    unit.Health(orUnknown(a.Status.Health.Status)),
		SyncState: unit.SyncState(orUnknown(a.Status.Sync.Status)),
	}
	for _, r := range a.Status.Resources {
		if r.Kind == "Deployment" {
			s.DesiredReplicas += r.Status.Replicas
			s.ReadyReplicas += r.Status.ReadyReplicas
		}
	}
	return s
}

func orUnknown(s string) string {
	if s == "" {
		return string(unit.HealthUnknown)
	}
	return s
}
