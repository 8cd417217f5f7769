// Package daemon serves the operator-facing HTTP API and mounts the
// webhook ingestion endpoint.
package daemon

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/weaveworks/common/middleware"

	gitopsd "github.com/gitopsd/gitopsd/pkg/daemon"
	transport "github.com/gitopsd/gitopsd/pkg/http"
	"github.com/gitopsd/gitopsd/pkg/metrics"
	"github.com/gitopsd/gitopsd/pkg/unit"
)

var requestDuration = stdprometheus.NewHistogramVec(stdprometheus.HistogramOpts{
	Namespace: "gitopsd",
	Name:      "request_duration_seconds",
	Help:      "Time (in seconds) spent serving HTTP requests.",
	Buckets:   stdprometheus.DefBuckets,
}, []string{metrics.LabelMethod, metrics.LabelRoute, "status_code", "ws"})

func init() {
	stdprometheus.MustRegister(requestDuration)
}

// Server is the API surface the HTTP handlers call into; pkg/daemon
// implements it.
type Server interface {
	Ping(ctx context.Context) error
	ListUnits(ctx context.Context) ([]*unit.Unit, error)
	GetUnit(ctx context.Context, name string) (*unit.Unit, error)
	Deploy(ctx context.Context, req gitopsd.DeployRequest) (gitopsd.DeployResult, error)
}

func NewRouter() *mux.Router {
	r := transport.NewAPIRouter()
	r.NewRoute().Name("NotFound").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		transport.WriteError(w, r, http.StatusNotFound, transport.MakeAPINotFound(r.URL.Path))
	})
	return r
}

// NewHandler attaches the API handlers and the webhook endpoint to the
// router, and wraps the lot in request metrics.
func NewHandler(s Server, webhook http.Handler, r *mux.Router) http.Handler {
	handle := HTTPServer{s}

	r.Get(transport.Ping).HandlerFunc(handle.Ping)
	r.Get(transport.ListUnits).HandlerFunc(handle.ListUnits)
	r.Get(transport.GetUnit).HandlerFunc(handle.GetUnit)
	r.Get(transport.Deploy).HandlerFunc(handle.Deploy)
	r.Get(transport.GitHubWebhook).Handler(webhook)

	return middleware.Instrument{
		RouteMatcher: r,
		Duration:     requestDuration,
	}.Wrap(r)
}

type HTTPServer struct {
	server Server
}

func (s HTTPServer) Ping(w http.ResponseWriter, r *http.Request) {
	if err := s.server.Ping(r.Context()); err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s HTTPServer) ListUnits(w http.ResponseWriter, r *http.Request) {
	units, err := s.server.ListUnits(r.Context())
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, units)
}

func (s HTTPServer) GetUnit(w http.ResponseWriter, r *http.Request) {
	u, err := s.server.GetUnit(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, u)
}

func (s HTTPServer) Deploy(w http.ResponseWriter, r *http.Request) {
	var req gitopsd.DeployRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		transport.WriteError(w, r, http.StatusBadRequest, err)
		return
	}
	res, err := s.server.Deploy(r.Context(), req)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, res)
}
