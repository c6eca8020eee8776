// Package api exposes the admin HTTP surface: create, list, inspect and
// cancel broadcasts, plus aggregate stats and a health probe. It is an
// operator interface, not a public one; bind it to localhost or put it
// behind your own auth.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"storebot/internal/services/broadcast"
	"storebot/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string // default "127.0.0.1:8090"
}

// Broadcasts is the slice of the broadcast service the API needs.
type Broadcasts interface {
	Create(ctx context.Context, req broadcast.CreateRequest) (*broadcast.Broadcast, error)
	Enqueue(ctx context.Context, id int64) error
	Cancel(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*broadcast.Broadcast, error)
	LiveProgress(ctx context.Context, id int64) (broadcast.Progress, error)
	List(ctx context.Context, limit, offset int) ([]*broadcast.Broadcast, error)
	Stats(ctx context.Context) (broadcast.Stats, error)
}

type Server struct {
	cfg Config
	svc Broadcasts
	log logx.Logger
	srv *http.Server
}

func New(cfg Config, svc Broadcasts, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8090"
	}
	return &Server{cfg: cfg, svc: svc, log: log}
}

// Router builds the route table. Split out from Start so tests can drive
// it with httptest without binding a socket.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/v1/health", s.handleHealth)
	r.Route("/v1/broadcasts", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/stats", s.handleStats)
		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/progress", s.handleProgress)
		r.Post("/{id}/enqueue", s.handleEnqueue)
		r.Post("/{id}/cancel", s.handleCancel)
	})
	return r
}

func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin api serve", logx.Err(err))
		}
	}()
	s.log.Info("admin api listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	if s.srv == nil {
		return
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("admin api shutdown", logx.Err(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req broadcast.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	b, err := s.svc.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit < 1 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	list, err := s.svc.List(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list, "limit": limit, "offset": offset})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := s.svc.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := s.svc.LiveProgress(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Enqueue(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "enqueued": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.svc.Cancel(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": true})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid broadcast id")
		return 0, false
	}
	return id, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	var fe *broadcast.FilterError
	var illegal *broadcast.ErrIllegalTransition
	switch {
	case errors.Is(err, broadcast.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, broadcast.ErrEmptyText), errors.As(err, &fe):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &illegal):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
