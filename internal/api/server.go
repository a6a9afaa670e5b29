// Package api exposes import and export sessions over a small JSON HTTP API.
//
// Routes:
//
//	POST   /api/imports               → open an import {namespace, path}
//	POST   /api/imports/{id}/analyze  → start type analysis
//	PUT    /api/imports/{id}/fields   → delimiter and per-field decisions
//	POST   /api/imports/{id}/start    → start the import
//	POST   /api/imports/{id}/cancel   → cancel the run or the analysis
//	GET    /api/imports/{id}          → snapshot
//	DELETE /api/imports/{id}          → close and forget
//
// /api/exports has the same shape; analyze gathers the export fields.
// Analysis and runs are started in the background and observed by polling
// the snapshot.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/haohanyang/compass/internal/session"
	"github.com/haohanyang/compass/internal/storage"
)

// Config controls the server.
type Config struct {
	Addr    string
	Session session.Config
	// PingInterval is passed to every session's connection watcher. Zero
	// uses session.DefaultPingInterval; negative disables watching.
	PingInterval time.Duration
}

// Server owns the sessions it created. The store is borrowed.
type Server struct {
	cfg    Config
	store  storage.Store
	router *chi.Mux
	server *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	imports map[string]*importJob
	exports map[string]*exportJob
}

// NewServer builds the router.
func NewServer(store storage.Store, cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		store:   store,
		router:  chi.NewRouter(),
		ctx:     ctx,
		cancel:  cancel,
		imports: map[string]*importJob{},
		exports: map[string]*exportJob{},
	}
	s.setupMiddleware()
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/imports", func(r chi.Router) {
			r.Post("/", s.handleImportCreate)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleImportGet)
				r.Delete("/", s.handleImportDelete)
				r.Post("/analyze", s.handleImportAnalyze)
				r.Put("/fields", s.handleImportFields)
				r.Post("/start", s.handleImportStart)
				r.Post("/cancel", s.handleImportCancel)
			})
		})
		r.Route("/exports", func(r chi.Router) {
			r.Post("/", s.handleExportCreate)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleExportGet)
				r.Delete("/", s.handleExportDelete)
				r.Post("/analyze", s.handleExportAnalyze)
				r.Put("/fields", s.handleExportFields)
				r.Post("/start", s.handleExportStart)
				r.Post("/cancel", s.handleExportCancel)
			})
		})
	})
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe() error {
	log.Printf("api: listening on %s", s.cfg.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and closes every session. Runs in
// flight are canceled.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	s.Close()
	return err
}

// Close cancels background work and closes all sessions.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	imports, exports := s.imports, s.exports
	s.imports, s.exports = map[string]*importJob{}, map[string]*exportJob{}
	s.mu.Unlock()
	for _, j := range imports {
		j.close()
	}
	for _, j := range exports {
		j.close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		respondError(w, r, err, http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// watch starts the connection watcher of one session; it ends with ctx.
func (s *Server) watch(ctx context.Context, id string, w func(context.Context, session.Pinger, time.Duration) error) {
	if s.cfg.PingInterval < 0 {
		return
	}
	go func() {
		if err := w(ctx, s.store, s.cfg.PingInterval); err != nil {
			log.Printf("api: session %s: connection lost: %v", id, err)
		}
	}()
}

// ---- responses ----

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, r *http.Request, err error, status int) {
	reqID := middleware.GetReqID(r.Context())
	log.Printf("api: %s %s status=%d request_id=%s err=%v", r.Method, r.URL.Path, status, reqID, err)
	respondJSON(w, status, errorResponse{Error: err.Error(), Code: errorCode(err), RequestID: reqID})
}

// decodeBody reads a JSON request body into v. An empty body leaves v
// unchanged.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &badRequest{err}
	}
	return nil
}

const maxBody = 1 << 20
