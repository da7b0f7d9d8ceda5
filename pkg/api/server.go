package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/cuemby/formicaio/pkg/ferrors"
	"github.com/cuemby/formicaio/pkg/log"
	"github.com/cuemby/formicaio/pkg/scheduler"
)

// Server is the thin HTTP dispatch layer over Operations: the wire format
// is this layer's concern, while idempotence and status semantics live in
// the core. Routing uses one router.HandleFunc per route with
// .Methods(...) restricting the verb.
type Server struct {
	ops    Operations
	router *mux.Router
	logger zerolog.Logger
}

// NewServer builds the router and registers every route.
func NewServer(ops Operations) *Server {
	s := &Server{
		ops:    ops,
		router: mux.NewRouter(),
		logger: log.WithComponent("api"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *mux.Router { return s.router }

// ListenAndServe starts the HTTP server on addr with conservative default
// timeouts.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second, // logs/metrics responses can be large
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("starting HTTP API server")
	return srv.ListenAndServe()
}

func (s *Server) registerRoutes() {
	r := s.router
	r.HandleFunc("/nodes", s.handleListNodes).Methods(http.MethodGet)
	r.HandleFunc("/nodes", s.handleCreateNode).Methods(http.MethodPost)
	r.HandleFunc("/nodes/{id}", s.handleGetNode).Methods(http.MethodGet)
	r.HandleFunc("/nodes/{id}", s.handleRemoveNode).Methods(http.MethodDelete)
	r.HandleFunc("/nodes/{id}/start", s.handleStartNode).Methods(http.MethodPost)
	r.HandleFunc("/nodes/{id}/stop", s.handleStopNode).Methods(http.MethodPost)
	r.HandleFunc("/nodes/{id}/recycle", s.handleRecycleNode).Methods(http.MethodPost)
	r.HandleFunc("/nodes/{id}/upgrade", s.handleUpgradeNode).Methods(http.MethodPost)
	r.HandleFunc("/nodes/{id}/logs", s.handleNodeLogs).Methods(http.MethodGet)
	r.HandleFunc("/nodes/{id}/metrics", s.handleListMetrics).Methods(http.MethodGet)
	r.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet)
	r.HandleFunc("/settings", s.handleUpdateSettings).Methods(http.MethodPut)
	r.HandleFunc("/stats", s.handleGetStats).Methods(http.MethodGet)
	r.Handle("/metrics", scheduler.MetricsHandler()).Methods(http.MethodGet)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.ops.ListNodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	node, err := s.ops.GetNode(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var spec createNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, &ferrors.ConfigError{Msg: "invalid request body", Err: err})
		return
	}

	node, err := s.ops.CreateNode(r.Context(), spec.toNodeSpec())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

func (s *Server) handleStartNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.ops.StartNode(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.ops.StopNode(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecycleNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.ops.RecycleNode(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.ops.RemoveNode(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpgradeNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &ferrors.ConfigError{Msg: "invalid request body", Err: err})
		return
	}
	if err := s.ops.UpgradeNode(r.Context(), id, body.Version); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNodeLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	follow := r.URL.Query().Get("follow") == "true"

	rc, err := s.ops.NodeLogs(r.Context(), id, follow)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handleListMetrics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var sinceMs int64
	if v := r.URL.Query().Get("since_ms"); v != "" {
		sinceMs, _ = strconv.ParseInt(v, 10, 64)
	}

	samples, err := s.ops.ListMetrics(r.Context(), id, sinceMs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	set, err := s.ops.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var set settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
		writeError(w, &ferrors.ConfigError{Msg: "invalid request body", Err: err})
		return
	}
	if err := s.ops.UpdateSettings(r.Context(), set.toSettings()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ops.GetStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the pkg/ferrors taxonomy to HTTP status codes, keeping
// that mapping out of every handler.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var notFound *ferrors.NotFoundError
	var conflict *ferrors.ConflictError
	var cfg *ferrors.ConfigError
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &conflict):
		status = http.StatusConflict
	case errors.As(err, &cfg):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
