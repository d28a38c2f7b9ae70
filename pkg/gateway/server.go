// Package gateway serves the operator HTTP surface: health, readiness,
// Prometheus metrics, room stats and per-room status.
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
)

const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 18790
)

// RoomStatus is the live view of one room.
type RoomStatus struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Running bool   `json:"running"`
	Queued  int    `json:"queued"`
	Breaker string `json:"breaker"`
	Error   string `json:"error,omitempty"`
}

// Status is what the gateway reports at /healthz and /readyz.
type Status struct {
	Status            string       `json:"status"`
	UptimeSeconds     int64        `json:"uptime_seconds"`
	ResponderLastOKAt string       `json:"responder_last_ok_at,omitempty"`
	ResponderLastErr  string       `json:"responder_last_error,omitempty"`
	Rooms             []RoomStatus `json:"rooms"`
}

// StatusSource is implemented by the running service.
type StatusSource interface {
	Status() Status
	Ready() bool
}

// Options configures a Server.
type Options struct {
	Host    string
	Port    int
	Metrics http.Handler
	Stats   http.Handler
	Logger  *slog.Logger
}

// Server is the status HTTP server.
type Server struct {
	source StatusSource
	addr   string
	router chi.Router
	log    *slog.Logger
}

func NewServer(source StatusSource, opts Options) (*Server, error) {
	if source == nil {
		return nil, errors.New("status source is required")
	}

	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = DefaultHost
	}
	port := opts.Port
	if port <= 0 {
		port = DefaultPort
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		source: source,
		addr:   net.JoinHostPort(host, strconv.Itoa(port)),
		log:    opts.Logger.With("component", "gateway.server"),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", s.handleHealth)
	router.Get("/readyz", s.handleReady)
	router.Get("/rooms/{roomID}", s.handleRoom)
	if opts.Metrics != nil {
		router.Handle("/metrics", opts.Metrics)
	}
	if opts.Stats != nil {
		router.Handle("/stats", opts.Stats)
	}
	s.router = router

	return s, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Status server started", "address", s.addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start status server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, s.status("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.source.Ready() {
		s.respond(w, http.StatusServiceUnavailable, s.status("not_ready"))
		return
	}
	s.respond(w, http.StatusOK, s.status("ready"))
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	for _, room := range s.source.Status().Rooms {
		if room.ID == roomID {
			s.respond(w, http.StatusOK, room)
			return
		}
	}
	s.respond(w, http.StatusNotFound, map[string]string{"error": "unknown room " + roomID})
}

func (s *Server) status(label string) Status {
	status := s.source.Status()
	status.Status = label
	return status
}

func (s *Server) respond(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}
