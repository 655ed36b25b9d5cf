package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/intake/internal/collector"
	"github.com/MikeSquared-Agency/intake/internal/session"
)

// Sessions is the session service as seen by the HTTP surface.
type Sessions interface {
	Start(ctx context.Context) (session.State, error)
	Resume(ctx context.Context, sessionID string) (session.State, error)
	Get(ctx context.Context, sessionID string) (session.State, error)
	SubmitTurn(ctx context.Context, sessionID, text string) (session.State, error)
	EditField(ctx context.Context, sessionID string, field collector.Field, value string) (session.State, error)
	SelectService(ctx context.Context, sessionID, name string) (session.State, error)
	MatchServices(ctx context.Context, keyword string) ([]collector.Service, error)
	Finish(ctx context.Context, sessionID string) (session.State, error)
	Reset(ctx context.Context, sessionID string) (session.State, error)
	Subscribe(sessionID string) (<-chan session.State, func())
}

// Scheduler receives settled-turn notifications for background re-extraction.
type Scheduler interface {
	Settled(sessionID string, turnCount int)
	Cancel(sessionID string)
}

type Server struct {
	router    *chi.Mux
	port      int
	sessions  Sessions
	scheduler Scheduler
	logger    *slog.Logger
	http      *http.Server
}

// NewServer builds the router. scheduler may be nil; apiToken empty disables
// auth on the session routes.
func NewServer(port int, apiToken string, sessions Sessions, scheduler Scheduler, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		port:      port,
		sessions:  sessions,
		scheduler: scheduler,
		logger:    logger,
	}

	router.Get("/health", s.health)

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/intake/status", s.status)

		r.Group(func(r chi.Router) {
			r.Use(BearerAuthMiddleware(apiToken))

			r.Get("/services", s.matchServices)

			r.Post("/sessions", s.startSession)
			r.Route("/sessions/{id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Delete("/", s.resetSession)
				r.Post("/resume", s.resumeSession)
				r.Post("/messages", s.submitTurn)
				r.Put("/fields/{field}", s.editField)
				r.Post("/service", s.selectService)
				r.Post("/finish", s.finish)
				r.Get("/ws", s.sessionWS)
			})
		})
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("API server starting", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":            "intake",
		"status":           "collecting",
		"fields":           collector.AllFields,
		"background_merge": s.scheduler != nil,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
