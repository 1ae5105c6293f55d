package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/file-finder/backend/internal/api/handlers"
	"github.com/file-finder/backend/internal/api/middleware"
	"github.com/file-finder/backend/internal/auth"
	"github.com/file-finder/backend/internal/config"
	"github.com/file-finder/backend/internal/db"
	"github.com/file-finder/backend/internal/db/models"
	"github.com/file-finder/backend/internal/job"
	"github.com/file-finder/backend/internal/search"
	"github.com/file-finder/backend/internal/storage"
)

// Deps are the services the HTTP API is built on.
type Deps struct {
	Database *db.Database
	JWT      *auth.JWTService
	Config   *config.Config
	Engine   *search.Engine
	Files    *storage.AferoFS
	Jobs     *job.JobQueue
	Logger   zerolog.Logger
	Version  string
}

// NewRouter wires the API. The returned rate limiter must be closed on
// shutdown.
func NewRouter(d Deps) (*chi.Mux, *middleware.RateLimiter) {
	cfg := d.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(middleware.Logger(d.Logger))
	r.Use(cors.Handler(middleware.CORSHandler(cfg.Server.CORSOrigins)))

	loginLimiter := middleware.NewRateLimiter(cfg.Server.LoginRateLimit, time.Minute)
	jsonBody := middleware.MaxBodySize(cfg.Server.MaxBodyBytes)

	// Handlers
	healthHandler := handlers.NewHealthHandler(d.Version)
	authHandler := handlers.NewAuthHandler(d.Database, d.JWT, d.Logger)
	filesHandler := handlers.NewFilesHandler(d.Engine, d.Files, cfg.Search.DefaultRoot, cfg.Search.Timeout, d.Logger)
	jobHandler := handlers.NewJobHandler(d.Jobs, cfg.Search.DefaultRoot, d.Logger)
	adminHandler := handlers.NewAdminHandler(d.Database, d.Jobs, cfg.Search.DefaultRoot, d.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", healthHandler.Health)

		// Auth (public)
		r.With(loginLimiter.Handler, jsonBody).Post("/auth/login", authHandler.Login)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(d.JWT))

			r.Get("/auth/me", authHandler.Me)

			// Files
			r.Get("/files/search", filesHandler.Search)
			r.Get("/files/download", filesHandler.Download)

			// Jobs
			r.With(jsonBody).Post("/jobs/search", jobHandler.CreateSearchJob)
			r.Get("/jobs", jobHandler.ListJobs)
			r.Get("/jobs/{id}", jobHandler.GetJob)
			r.Delete("/jobs/{id}", jobHandler.CancelJob)
			r.Post("/jobs/{id}/retry", jobHandler.RetryJob)

			// Admin
			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireRole(models.RoleAdmin))
				r.Get("/stats", adminHandler.DashboardStats)
				r.Get("/users", adminHandler.ListUsers)
				r.With(jsonBody).Post("/users", adminHandler.CreateUser)
				r.Delete("/users/{id}", adminHandler.DeleteUser)
			})
		})
	})

	return r, loginLimiter
}
