// Package api exposes the orchestrator's task lifecycle over HTTP: task
// CRUD against the C1 store, the C7 supervisor's action endpoints, and a
// per-task SSE stream fed by the C2 event bus.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/anti-entropy/forgewright/internal/core"
	"github.com/anti-entropy/forgewright/internal/events"
	"github.com/anti-entropy/forgewright/internal/logging"
	"github.com/anti-entropy/forgewright/internal/service"
)

// Supervisor is the subset of *service.Supervisor the API drives task
// actions through.
type Supervisor interface {
	StartAgent(ctx context.Context, taskID core.TaskID, opts service.StartOptions) error
	ApprovePlan(ctx context.Context, taskID core.TaskID) error
	ApproveAndCreatePR(ctx context.Context, taskID core.TaskID) error
	RequestChanges(ctx context.Context, taskID core.TaskID, feedback string) error
	MarkPRMerged(ctx context.Context, taskID core.TaskID) error
	MarkPRClosed(ctx context.Context, taskID core.TaskID) error
	SendFeedback(taskID core.TaskID, message string) error
	CancelAgent(taskID core.TaskID) error
	ExtendTimeout(taskID core.TaskID) error
	ChatHistory(taskID core.TaskID) []events.ChatMessageEvent
}

// Server wires the task store, event bus and supervisor into a chi
// router.
type Server struct {
	router     chi.Router
	store      core.TaskStore
	bus        *events.Bus
	supervisor Supervisor
	logger     *logging.Logger
}

// NewServer builds a Server and registers its routes.
func NewServer(store core.TaskStore, bus *events.Bus, supervisor Supervisor, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{store: store, bus: bus, supervisor: supervisor, logger: logger}
	s.router = s.setupRouter()
	return s
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	}).Handler)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Post("/", s.handleCreateTask)
		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Delete("/", s.handleDeleteTask)
			r.Get("/logs", s.handleTaskLogs)
			r.Get("/events", s.handleTaskEvents)
			r.Get("/chat", s.handleTaskChat)

			r.Post("/start", s.handleStartAgent)
			r.Post("/resume", s.handleResumeAgent)
			r.Post("/plan", s.handlePlanOnly)
			r.Post("/plan/approve", s.handleApprovePlan)
			r.Post("/pr/approve", s.handleApproveAndCreatePR)
			r.Post("/pr/request-changes", s.handleRequestChanges)
			r.Post("/pr/merged", s.handleMarkPRMerged)
			r.Post("/pr/closed", s.handleMarkPRClosed)
			r.Post("/feedback", s.handleSendFeedback)
			r.Post("/cancel", s.handleCancelAgent)
			r.Post("/extend", s.handleExtendTimeout)
		})
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)
		s.logger.Info("http request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then shuts
// it down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondDomainError maps a core.DomainError to its HTTP status, falling
// back to 500 for anything else.
func respondDomainError(w http.ResponseWriter, err error) {
	status, ok := httpStatusForDomainError(err)
	if !ok {
		status = http.StatusInternalServerError
	}
	respondError(w, status, err.Error())
}
