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

	"lsmtree/pkg/lsm"
	"lsmtree/pkg/txn"

	"github.com/go-chi/chi/v5"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
	maxValueBytes          = 1 << 20
)

// iTree is the engine surface the server needs.
type iTree interface {
	OpenCursor(sess *txn.Session, opts lsm.CursorOptions) (*lsm.Cursor, error)
	Stats() lsm.Stats
}

// Server exposes one tree over HTTP: point reads and writes plus a stats
// endpoint.
type Server struct {
	tree       iTree
	txns       *txn.Registry
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance.
func NewServer(tree iTree, txns *txn.Registry, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		tree: tree,
		txns: txns,
		URL:  "http://localhost:" + port,
		addr: ":" + port,
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

// Stop stops the server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// createRouter builds the chi router.
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/keys/{key}", s.handleGet)
	r.Put("/keys/{key}", s.handlePut)
	r.Delete("/keys/{key}", s.handleDelete)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tree.Stats())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("key required"))
		return
	}

	opts, err := lsm.ParseCursorOptions(r.URL.Query().Get("options"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	sess := s.txns.Begin()
	cur, err := s.tree.OpenCursor(sess, opts)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, lsm.ErrInvalidArgument) {
			code = http.StatusBadRequest
		}
		s.writeJSON(w, code, NewErrorResponse(err.Error()))
		return
	}
	defer cur.Close()

	val, err := cur.Search([]byte(key))
	switch {
	case errors.Is(err, lsm.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("not found"))
	case err != nil:
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
	default:
		s.writeJSON(w, http.StatusOK, NewValueResponse(string(val)))
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("key required"))
		return
	}
	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBytes))
	if err != nil {
		s.writeJSON(w, http.StatusRequestEntityTooLarge, NewErrorResponse("value too large"))
		return
	}

	sess := s.txns.Begin()
	cur, err := s.tree.OpenCursor(sess, lsm.CursorOptions{Overwrite: true})
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	defer cur.Close()

	if err := cur.Insert([]byte(key), value); err != nil {
		sess.Rollback()
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	sess.Commit()
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("key required"))
		return
	}

	sess := s.txns.Begin()
	cur, err := s.tree.OpenCursor(sess, lsm.CursorOptions{Overwrite: true})
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	defer cur.Close()

	if err := cur.Remove([]byte(key)); err != nil {
		sess.Rollback()
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	sess.Commit()
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
