package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"packdb/pkg/segment"
	"packdb/pkg/store"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5

	maxValueBytes = 16 << 20
)

type iStoreAPI interface {
	Put(key string, value []byte) error
	PutDurable(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Sync() error
	JournalPending() int
	SegmentStats() segment.Stats
}

type iStatsSource interface {
	Snapshot() map[string]uint64
}

// Server exposes the composed store over HTTP.
type Server struct {
	store           iStoreAPI
	stats           iStatsSource
	httpServer      *http.Server
	shutdownTimeout time.Duration
	URL             string
	addr            string
}

// NewServer creates a new server instance.
func NewServer(st iStoreAPI, stats iStatsSource, port string, shutdownTimeout time.Duration) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return &Server{
		store:           st,
		stats:           stats,
		shutdownTimeout: shutdownTimeout,
		URL:             "http://localhost:" + port,
		addr:            ":" + port,
	}
}

// Start starts the server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Put("/api/record", s.handlePut)
	r.Get("/api/record", s.handleGet)
	r.Delete("/api/record", s.handleDelete)
	r.Post("/api/sync", s.handleSync)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

type statsResponse struct {
	Segments       segment.Stats     `json:"segments"`
	JournalPending int               `json:"journal_pending"`
	Counters       map[string]uint64 `json:"counters,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Segments:       s.store.SegmentStats(),
		JournalPending: s.store.JournalPending(),
	}
	if s.stats != nil {
		resp.Counters = s.stats.Snapshot()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handlePut stores the request body under the key query parameter. With
// ?durable=true the call returns only after the covering journal sync.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueBytes+1))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to read value"))
		return
	}
	if len(value) > maxValueBytes {
		s.writeJSON(w, http.StatusRequestEntityTooLarge, NewErrorResponse("Value too large"))
		return
	}

	put := s.store.Put
	if r.URL.Query().Get("durable") == "true" {
		put = s.store.PutDurable
	}

	if err := put(key, value); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	value, err := s.store.Get(key)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(value))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return
	}

	if err := s.store.Delete(key); err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
			return
		}
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Sync(); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
