// Package httpserver wires the router, circuit breaker, retry/fallback
// controller, and SSE observer into the proxy's HTTP surface.
package httpserver

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/johnzilla/arbstr/internal/breaker"
	"github.com/johnzilla/arbstr/internal/router"
	"github.com/johnzilla/arbstr/internal/storage"
)

// State is the shared, read-mostly application state every handler closes
// over: an immutable router, the live circuit breaker registry, the
// dispatch client, and (optionally) the request log store.
type State struct {
	Router   *router.Router
	Breakers *breaker.Registry
	Store    *storage.Store
	Client   *http.Client
}

// NewHTTPClient builds the upstream dispatch client: a 10s connect timeout
// and a 120s response-header timeout per attempt. Body reads beyond that
// are bounded only by the caller's context -- the 30s retry deadline for
// non-streaming requests, nothing further for streaming ones.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		ResponseHeaderTimeout: 120 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// NewMux wires the full HTTP surface: chat completions, model/provider
// listings, health, and the stats/request-log endpoints.
func NewMux(state *State) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/chat/completions", state.handleChatCompletions).Methods(http.MethodPost)
	r.HandleFunc("/v1/models", state.handleModels).Methods(http.MethodGet)
	r.HandleFunc("/providers", state.handleProviders).Methods(http.MethodGet)
	r.HandleFunc("/health", state.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/stats", state.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/requests", state.handleRequests).Methods(http.MethodGet)
	return r
}
