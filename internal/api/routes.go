package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/audioworks/volcasr/internal/config"
	"github.com/audioworks/volcasr/internal/tasks"
	"github.com/audioworks/volcasr/pkg/logger"
)

// Router is the API router
type Router struct {
	handler    *Handler
	middleware *Middleware
	config     *config.Config
	logger     *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(service *tasks.Service, store TaskReader, config *config.Config, logger *logger.Logger) *Router {
	return &Router{
		handler:    NewHandler(service, store, config, logger),
		middleware: NewMiddleware(logger),
		config:     config,
		logger:     logger.Named("api-router"),
	}
}

// Routes returns the API routes
func (r *Router) Routes() http.Handler {
	router := chi.NewRouter()

	// Middleware
	router.Use(r.middleware.RequestID)
	router.Use(r.middleware.Logger)
	router.Use(r.middleware.Recoverer)
	router.Use(r.middleware.CORS(r.config.Server.CORSAllowedOrigins))

	router.Get("/", r.handler.Index)
	router.Get("/healthz", r.handler.Health)

	// Transcription routes
	router.Post("/transcribe", r.handler.Transcribe)
	router.Post("/transcribe/sync", r.handler.TranscribeSync)

	// Task routes
	router.Get("/tasks", r.handler.ListTasks)
	router.Get("/tasks/by-task-id/{taskID}", r.handler.GetTaskByExternalID)
	router.Get("/tasks/{id}", r.handler.GetTask)

	// Legacy status route
	router.Get("/status/{id}", r.handler.GetStatus)

	return router
}
