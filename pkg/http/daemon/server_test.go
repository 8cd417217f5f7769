package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gitopsd "github.com/gitopsd/gitopsd/pkg/daemon"
	"github.com/gitopsd/gitopsd/pkg/unit"
)

type mockServer struct {
	units map[string]*unit.Unit
	err   error
}

func (m *mockServer) Ping(ctx context.Context) error { return m.err }

func (m *mockServer) ListUnits(ctx context.Context) ([]*unit.Unit, error) {
	if m.err != nil {
		return nil, m.err
	}
	var res []*unit.Unit
	for _, u := range m.units {
		res = append(res, u)
	}
	return res, nil
}

func (m *mockServer) GetUnit(ctx context.Context, name string) (*unit.Unit, error) {
	if u, ok := m.units[name]; ok {
		return u, nil
	}
	return nil, unit.ErrNotFound(name)
}

func (m *mockServer) Deploy(ctx context.Context, req gitopsd.DeployRequest) (gitopsd.DeployResult, error) {
	if m.err != nil {
		return gitopsd.DeployResult{}, m.err
	}
	return gitopsd.DeployResult{Unit: req.Name}, nil
}

func newTestServer(t *testing.T, s Server) *httptest.Server {
	t.Helper()
	handler := NewHandler(s, http.NotFoundHandler(), NewRouter())
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func TestPing(t *testing.T) {
	server := newTestServer(t, &mockServer{})
	resp, err := http.Get(server.URL + "/v1/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestGetUnit(t *testing.T) {
	server := newTestServer(t, &mockServer{units: map[string]*unit.Unit{
		"widget": {Name: "widget", Version: 3},
	}})

	resp, err := http.Get(server.URL + "/v1/units/widget")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var u unit.Unit
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&u))
	assert.Equal(t, "widget", u.Name)
	assert.Equal(t, int64(3), u.Version)
}

func TestGetUnitMissing(t *testing.T) {
	server := newTestServer(t, &mockServer{})

	resp, err := http.Get(server.URL + "/v1/units/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body struct {
		Type string `json:"type"`
		Help string `json:"help"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "missing", body.Type)
	assert.NotEmpty(t, body.Help)
}

func TestDeploy(t *testing.T) {
	server := newTestServer(t, &mockServer{})

	reqBody, _ := json.Marshal(gitopsd.DeployRequest{
		Name:      "widget",
		Manifests: unit.Bundle{"deployment.yaml": "kind: Deployment"},
	})
	resp, err := http.Post(server.URL+"/v1/deploy", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res gitopsd.DeployResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, "widget", res.Unit)
}

func TestDeployBadBody(t *testing.T) {
	server := newTestServer(t, &mockServer{})
	resp, err := http.Post(server.URL+"/v1/deploy", "application/json", bytes.NewReader([]byte("{nope")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownRoute(t *testing.T) {
	server := newTestServer(t, &mockServer{})
	resp, err := http.Get(server.URL + "/v0/whatever")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
