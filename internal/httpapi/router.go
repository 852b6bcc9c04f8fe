// Package httpapi implements the HTTP surface (C9): the proxy routes that
// mirror the upstream inference API and the admin routes that manage
// credentials, configuration, and logs. Grounded on the teacher's
// internal/api router and middleware package, narrowed from its
// auth/RBAC/compression/validation stack to this system's two guard
// types (inbound proxy-token check, admin Basic auth).
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/vitaliisemenov/llmproxy/internal/config"
	"github.com/vitaliisemenov/llmproxy/internal/dispatcher"
	"github.com/vitaliisemenov/llmproxy/internal/store"
	"github.com/vitaliisemenov/llmproxy/internal/validator"
	"github.com/vitaliisemenov/llmproxy/pkg/metrics"
)

// credentialCache is the C2 write surface the admin routes mutate through.
type credentialCache interface {
	QueueInsert(table string, row store.Row)
	QueueUpdate(table string, set map[string]any, whereField string, whereVal any)
	QueueDelete(table string, pkField string, pkVal any)
}

// Scheduler is the C7 surface the admin bulk-refresh route triggers.
type Scheduler interface {
	TriggerNow(ctx context.Context) error
}

// Router wires the C9 HTTP surface together.
type Router struct {
	mux *mux.Router

	dispatch  *dispatcher.Dispatcher
	store     *store.Store
	cache     credentialCache
	scheduler Scheduler
	cfgStore  *config.Store
	validator *validator.Validator
	logger    *slog.Logger
	metrics   *metrics.HTTPMetrics
}

// NewRouter builds the full route tree and middleware chain.
func NewRouter(d *dispatcher.Dispatcher, st *store.Store, ca credentialCache, sch Scheduler,
	cfgStore *config.Store, v *validator.Validator, log *slog.Logger) *mux.Router {

	rt := &Router{
		mux:       mux.NewRouter(),
		dispatch:  d,
		store:     st,
		cache:     ca,
		scheduler: sch,
		cfgStore:  cfgStore,
		validator: v,
		logger:    log,
		metrics:   metrics.DefaultRegistry().HTTP(),
	}

	rt.mux.Use(corsMiddleware)
	rt.mux.Use(securityHeadersMiddleware)
	rt.mux.Use(metricsMiddleware(rt.metrics))
	rt.mux.Use(recoveryMiddleware(log))

	rt.mux.HandleFunc("/health", rt.handleHealth).Methods(http.MethodGet, http.MethodOptions)

	rt.registerProxyRoutes()
	rt.registerAdminRoutes()

	rt.mux.PathPrefix("/docs/").Handler(httpSwagger.WrapHandler)

	return rt.mux
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := rt.store.Health(r.Context()); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// currentInboundAuth reads the live proxy tokens on every request so an
// admin token update (§4.8) takes effect without a process restart.
func (rt *Router) currentInboundAuth() inboundAuth {
	rc := rt.cfgStore.Snapshot().Runtime
	return inboundAuth{customAPIKey: rc.ProxyAPIToken, freeAPIKey: rc.FreeModelAPIToken}
}

func (rt *Router) registerProxyRoutes() {
	proxy := rt.mux.NewRoute().Subrouter()
	proxy.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rt.currentInboundAuth().middleware()(next).ServeHTTP(w, r)
		})
	})

	register := func(path string, endpoint dispatcher.Endpoint, method string, stream bool) {
		proxy.HandleFunc(path, rt.proxyHandler(endpoint, stream)).Methods(method, http.MethodOptions)
	}

	register("/v1/chat/completions", dispatcher.EndpointChatCompletions, http.MethodPost, true)
	register("/v1/completions", dispatcher.EndpointCompletions, http.MethodPost, true)
	register("/v1/embeddings", dispatcher.EndpointEmbeddings, http.MethodPost, false)
	register("/v1/rerank", dispatcher.EndpointRerank, http.MethodPost, false)
	register("/v1/images/generations", dispatcher.EndpointImagesGenerate, http.MethodPost, false)
	register("/v1/models", dispatcher.EndpointModels, http.MethodGet, false)
}
