// Package controlplane is the engine's HTTP control surface (spec section
// 4.H): the semantic endpoints a UI or CLI drives a run through. It wraps
// net/http.ServeMux directly — spec section 1 states "wire framing is a
// collaborator, not specified here", so no router library is warranted —
// generalizing the teacher's dashboard.Server (CORS middleware, per-client
// SSE channels with slow-subscriber drop, a config GET/POST endpoint) from
// one fixed dashboard API to the full run lifecycle surface.
package controlplane

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vayu-dev/vayu-engine/eventloop"
	"github.com/vayu-dev/vayu-engine/logger"
	"github.com/vayu-dev/vayu-engine/metricscollector"
	"github.com/vayu-dev/vayu-engine/model"
	"github.com/vayu-dev/vayu-engine/runmanager"
	"github.com/vayu-dev/vayu-engine/sandbox"
	"github.com/vayu-dev/vayu-engine/settings"
	"github.com/vayu-dev/vayu-engine/storage"
	"github.com/vayu-dev/vayu-engine/vayuerr"
)

// Version is the engine build version reported by GET /health, set by the
// cmd/engine main package at link time in the teacher's own pattern of a
// plain package-level var (see main.go's existing version handling).
var Version = "dev"

// Server is the engine's HTTP control plane.
type Server struct {
	mux *http.ServeMux

	store    *storage.Store
	settings *settings.Store
	runs     *runmanager.Manager
	sandbox  *sandbox.Pool
	loop     *eventloop.Loop
	registry *prometheus.Registry
	log      *logger.Logger

	subMu sync.Mutex
	subs  map[string]map[chan metricscollector.LiveStats]struct{}
}

// New builds a Server. loop is the shared event loop used for POST
// /request's single synchronous dispatch (spec: "uses a shared event loop
// ... with a single in-flight request"), distinct from each run's own
// exclusively-owned loop inside runmanager.
func New(store *storage.Store, settingsStore *settings.Store, runs *runmanager.Manager, pool *sandbox.Pool, loop *eventloop.Loop, registry *prometheus.Registry, log *logger.Logger) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		store:    store,
		settings: settingsStore,
		runs:     runs,
		sandbox:  pool,
		loop:     loop,
		registry: registry,
		log:      log.With("controlplane"),
		subs:     make(map[string]map[chan metricscollector.LiveStats]struct{}),
	}
	s.registerRoutes()
	return s
}

// Handler returns the wrapped CORS-enabled mux, for cmd/engine to pass to
// http.Server.
func (s *Server) Handler() http.Handler {
	return s.withCORS(s.mux)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /config", s.handleConfigGet)
	s.mux.HandleFunc("PATCH /config", s.handleConfigPatch)
	s.mux.HandleFunc("POST /request", s.handleRequest)
	s.mux.HandleFunc("POST /run", s.handleRunStart)
	s.mux.HandleFunc("POST /run/{id}/stop", s.handleRunStop)
	s.mux.HandleFunc("GET /run/{id}", s.handleRunGet)
	s.mux.HandleFunc("GET /run/{id}/report", s.handleRunReport)
	s.mux.HandleFunc("GET /run/{id}/stats", s.handleRunStats)
	s.mux.HandleFunc("GET /run/{id}/stream", s.handleRunStream)
	s.mux.HandleFunc("GET /run/{id}/timeseries", s.handleRunTimeseries)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.mux.HandleFunc("POST /collections", s.handleCollectionCreate)
	s.mux.HandleFunc("GET /collections/{id}", s.handleCollectionGet)
	s.mux.HandleFunc("POST /requests", s.handleRequestCreate)
	s.mux.HandleFunc("GET /requests/{id}", s.handleRequestGet)
	s.mux.HandleFunc("POST /environments", s.handleEnvironmentCreate)
	s.mux.HandleFunc("GET /environments/{id}", s.handleEnvironmentGet)
}

// withCORS mirrors the teacher's dashboard.Server.withCORS middleware
// exactly: wide-open CORS since the engine is a local, single-operator
// daemon, not a multi-tenant service.
func (s *Server) withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	defs := s.settings.Definitions()
	values := s.settings.All()
	out := make(map[string]any, len(defs))
	for key, def := range defs {
		out[key] = map[string]any{
			"value":       values[key],
			"type":        def.Type,
			"description": def.Description,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type configPatchRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handleConfigPatch(w http.ResponseWriter, r *http.Request) {
	var body configPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, vayuerr.New(vayuerr.KindEngineError, "invalid JSON body"))
		return
	}
	if err := s.settings.Set(r.Context(), body.Key, body.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": body.Key, "value": body.Value})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, err error) {
	status, payload := vayuerr.ToPayload(err)
	writeJSON(w, status, payload)
}

// publish fans snap out to every live stream subscriber for runID, dropping
// it for any subscriber whose channel is full rather than blocking — the
// teacher's exact "slow subscriber, drop rather than block" idiom.
func (s *Server) publish(runID string, status model.RunStatus, snap metricscollector.LiveStats) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs[runID] {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *Server) subscribe(runID string) chan metricscollector.LiveStats {
	ch := make(chan metricscollector.LiveStats, 16)
	s.subMu.Lock()
	if s.subs[runID] == nil {
		s.subs[runID] = make(map[chan metricscollector.LiveStats]struct{})
	}
	s.subs[runID][ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

func (s *Server) unsubscribe(runID string, ch chan metricscollector.LiveStats) {
	s.subMu.Lock()
	delete(s.subs[runID], ch)
	s.subMu.Unlock()
}

// PublishFunc exposes publish as a runmanager.PublishFunc for wiring at
// boot (cmd/engine constructs the Manager with a nil publish callback,
// builds the Server from it, then hands this to Manager.SetPublish).
func (s *Server) PublishFunc() runmanager.PublishFunc { return s.publish }
