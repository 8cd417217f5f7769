package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	gitopsderr "github.com/gitopsd/gitopsd/pkg/errors"
)

func NewAPIRouter() *mux.Router {
	r := mux.NewRouter()

	r.NewRoute().Name(Ping).Methods("GET").Path("/v1/ping")
	r.NewRoute().Name(ListUnits).Methods("GET").Path("/v1/units")
	r.NewRoute().Name(GetUnit).Methods("GET").Path("/v1/units/{name}")
	r.NewRoute().Name(Deploy).Methods("POST").Path("/v1/deploy")

	r.NewRoute().Name(GitHubWebhook).Methods("POST").Path("/api/webhook/github")

	return r
}

// MakeURL resolves a named route against an endpoint, for clients of
// the API.
func MakeURL(endpoint string, router *mux.Router, routeName string, urlParams ...string) (*url.URL, error) {
	if len(urlParams)%2 != 0 {
		panic("urlParams must be even!")
	}

	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing endpoint %s", endpoint)
	}
	route := router.Get(routeName)
	if route == nil {
		return nil, errors.New("no route with name " + routeName)
	}
	routeURL, err := route.URLPath()
	if err != nil {
		return nil, errors.Wrapf(err, "retrieving route path %s", routeName)
	}

	v := url.Values{}
	for i := 0; i < len(urlParams); i += 2 {
		v.Add(urlParams[i], urlParams[i+1])
	}

	endpointURL.Path = path.Join(endpointURL.Path, routeURL.Path)
	endpointURL.RawQuery = v.Encode()
	return endpointURL, nil
}

func WriteError(w http.ResponseWriter, r *http.Request, code int, err error) {
	body, encodeErr := json.Marshal(err)
	if encodeErr != nil {
		w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "Error encoding error response: %s\n\nOriginal error: %s", encodeErr.Error(), err.Error())
		return
	}
	w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(body)
}

func JSONResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	body, err := json.Marshal(result)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// ErrorResponse maps the error taxonomy onto status codes. Anything
// not already one of our errors is covered as an unexpected server
// error.
func ErrorResponse(w http.ResponseWriter, r *http.Request, apiError error) {
	var outErr *gitopsderr.Error
	var code int
	var ok bool

	err := errors.Cause(apiError)
	if outErr, ok = err.(*gitopsderr.Error); !ok {
		outErr = gitopsderr.CoverAllError(apiError)
	}
	switch outErr.Type {
	case gitopsderr.Auth:
		code = http.StatusUnauthorized
	case gitopsderr.Missing:
		code = http.StatusNotFound
	case gitopsderr.Conflict:
		code = http.StatusConflict
	case gitopsderr.Timeout:
		code = http.StatusGatewayTimeout
	case gitopsderr.User:
		code = http.StatusUnprocessableEntity
	case gitopsderr.Transient:
		code = http.StatusServiceUnavailable
	case gitopsderr.Server:
		code = http.StatusInternalServerError
	default:
		code = http.StatusInternalServerError
	}
	WriteError(w, r, code, outErr)
}
