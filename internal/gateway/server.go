// Package gateway serves the read-mostly HTTP and websocket status surface.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dohr-michael/warden/internal/events"
	"github.com/dohr-michael/warden/internal/gateway/ws"
	"github.com/dohr-michael/warden/internal/status"
	"github.com/dohr-michael/warden/internal/storage"
	"github.com/dohr-michael/warden/internal/storage/vault"
	"github.com/dohr-michael/warden/internal/tasks"
)

// TaskCanceller cancels a task. The worker pool implements it so running
// loops stop immediately.
type TaskCanceller interface {
	Cancel(taskID, reason string) error
}

// Deps are the components the gateway reads from.
type Deps struct {
	Bus         *events.Bus
	Tasks       tasks.Store
	Status      status.Sources
	ActivityDir string        // optional; enables /api/events?day=
	Canceller   TaskCanceller // optional; defaults to the task store
}

// Server is the Warden gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	deps       Deps
}

// NewServer creates a new gateway server.
func NewServer(deps Deps, host string, port int) *Server {
	s := &Server{deps: deps}
	s.hub = ws.NewHub(deps.Bus, &wsHandler{s: s})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/ws", s.hub.ServeWS)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/errors/stats", s.handleErrorStats)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", s.handleTasks)
		r.Get("/{id}", s.handleTask)
		r.Delete("/{id}", s.handleCancelTask)
	})

	r.Get("/api/flags", s.handleFlags)
	r.Delete("/api/flags/{flag}", s.handleClearFlag)

	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("warden gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sum, err := status.Summarize(r.Context(), s.deps.Status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}

	day := r.URL.Query().Get("day")
	if day == "" {
		var types []events.EventType
		for _, v := range r.URL.Query()["type"] {
			for _, t := range strings.Split(v, ",") {
				if t = strings.TrimSpace(t); t != "" {
					types = append(types, events.EventType(t))
				}
			}
		}
		history := s.deps.Bus.History(limit, types...)
		if history == nil {
			history = []events.Event{}
		}
		writeJSON(w, http.StatusOK, history)
		return
	}

	if s.deps.ActivityDir == "" {
		writeError(w, http.StatusServiceUnavailable, errors.New("activity log not configured"))
		return
	}
	t, err := time.Parse(time.DateOnly, day)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid day %q", day))
		return
	}
	list, err := storage.ReadActivity(s.deps.ActivityDir, t, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []events.Event{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleErrorStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status.Errors == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("error log not available"))
		return
	}
	st, err := s.deps.Status.Errors.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.listTasks(r.URL.Query().Get("queue"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.checkTask(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.cancelTask(chi.URLParam(r, "id"), r.URL.Query().Get("reason")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFlags(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status.Flags == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("flags not available"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Status.Flags.List())
}

func (s *Server) handleClearFlag(w http.ResponseWriter, r *http.Request) {
	if err := s.clearFlag(chi.URLParam(r, "flag")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps domain errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errUnknownQueue), errors.Is(err, status.ErrUnknownFlag):
		return http.StatusBadRequest
	case errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var taskQueues = []vault.Queue{
	vault.QueuePending, vault.QueueInProgress, vault.QueueDone, vault.QueueNeedsAction,
}

var (
	errUnknownQueue = errors.New("unknown queue")
	errUnavailable  = errors.New("not available")
)

func parseQueue(name string) (vault.Queue, error) {
	if name == "" {
		return vault.QueuePending, nil
	}
	for _, q := range taskQueues {
		if strings.EqualFold(string(q), name) {
			return q, nil
		}
	}
	return "", fmt.Errorf("%w: %q", errUnknownQueue, name)
}
