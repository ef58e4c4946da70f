package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/storyloom/storyloom-api/internal/api"
	apiMiddleware "github.com/storyloom/storyloom-api/internal/api/middleware"
)

// setupRouter creates and configures the application router with all routes
// and middleware. It builds the handlers from the application's services and
// returns the configured router.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware)

	authMiddleware := apiMiddleware.NewAuthMiddleware(app.tokenVerifier)

	taskHandler := api.NewTaskHandler(app.lifecycle, app.taskRunner, app.eventStore, app.logger)
	sseHandler := api.NewSSEHandler(
		app.taskStore,
		app.eventStore,
		app.subscriber,
		app.collector,
		app.sseConfig(),
		app.logger,
	)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)

			// Event stream
			r.Get("/events", sseHandler.HandleEvents)

			// Task endpoints
			r.Post("/tasks", taskHandler.CreateTask)
			r.Get("/tasks", taskHandler.ListTasks)
			r.Get("/tasks/{id}", taskHandler.GetTask)
			r.Post("/tasks/{id}/cancel", taskHandler.CancelTask)
			r.Post("/tasks/dismiss", taskHandler.DismissTasks)
		})
	})

	// Operational endpoints (unauthenticated)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("Failed to write health check response", "error", err)
		}
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))

	return r
}
