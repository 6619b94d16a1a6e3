package server

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"nvis/internal/storage"

	"github.com/gorilla/mux"
)

// Server serves the viewer root as static files plus a small API and the
// live-reload websocket.
type Server struct {
	root     string
	store    *storage.Store
	hub      *Hub
	log      *slog.Logger
	verbose  bool
	server   *http.Server
	listener net.Listener
}

// New creates a server for root. Requests are logged only when verbose.
func New(root string, store *storage.Store, log *slog.Logger, verbose bool) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		root:    root,
		store:   store,
		hub:     NewHub(log),
		log:     log,
		verbose: verbose,
	}
}

// Hub returns the live-reload hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	if s.verbose {
		r.Use(s.logRequests)
	}
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/api/runs/{id}", s.handleRunMeta).Methods("GET")
	r.HandleFunc("/api/sessions", s.handleSessions).Methods("GET")
	r.Handle("/ws", s.hub).Methods("GET")
	r.PathPrefix("/").Handler(noCache(http.FileServer(http.Dir(s.root))))
	return r
}

// Listen binds addr so that address errors surface before serving starts.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Addr reports the bound address, or "" before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve runs until ctx is cancelled, then shuts down gracefully. Listen must
// have been called.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.Addr(), "root", s.root)
	err := s.server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentRuns(limitParam(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, recs)
}

// handleRunMeta returns the result metadata of one finished run: output
// paths and raw score ranges for diffs, the degree for scores.
func (s *Server) handleRunMeta(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "run history disabled", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	meta, err := s.store.RunMeta(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "no result for run "+id, http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(meta)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentSessions(limitParam(r, 100))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, recs)
}

func writeJSON[T any](w http.ResponseWriter, recs []T) {
	if recs == nil {
		recs = []T{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

func limitParam(r *http.Request, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return def
}

// noCache stops browsers from holding on to stale frames and manifests.
func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
