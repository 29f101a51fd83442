package http

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/cardea-security/oracle/internal/auth"
	"github.com/cardea-security/oracle/internal/config"
	"github.com/cardea-security/oracle/internal/httputil"
	"github.com/cardea-security/oracle/internal/logging"
)

// NewRouter creates and configures the HTTP router
func NewRouter(cfg *config.Config, authHandler *auth.Handler, gate *auth.Gate, logger *logging.Logger) *chi.Mux {
	r := chi.NewRouter()

	// CORS - must be first
	if len(cfg.Server.TrustedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.Server.TrustedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           300, // 5 minutes
		}))
	}

	// Global middleware
	r.Use(SecurityHeaders)               // Security headers on all responses
	r.Use(middleware.Recoverer)          // Recover from panics
	r.Use(middleware.RequestID)          // Add request ID
	r.Use(middleware.RealIP)             // Set RemoteAddr to real IP
	r.Use(logging.RequestLogger(logger)) // Structured logging with request context
	r.Use(middleware.Compress(5))        // Compress responses

	// Public routes
	r.Get("/health", handleHealth)

	// Swagger UI - only in development
	// Production builds will not have this route at all
	if cfg.Server.IsDevelopment() {
		log.Println("Swagger UI enabled at /swagger/*")
		r.Get("/swagger/*", httpSwagger.WrapHandler)
	} else {
		log.Println("Swagger UI disabled (production mode)")
	}

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.Post("/refresh", authHandler.Refresh)
		r.Post("/logout", authHandler.Logout)
		r.Get("/verify-email", authHandler.VerifyEmail)
		r.Post("/forgot-password", authHandler.ForgotPassword)
		r.Post("/reset-password", authHandler.ResetPassword)
		r.Post("/resend-verification", authHandler.ResendVerificationEmail)
		r.Post("/oauth/{provider}/login", authHandler.OAuthLogin)

		// Password change needs an authenticated caller
		r.Group(func(r chi.Router) {
			r.Use(gate.Authenticate)
			r.Use(gate.RequireAuth)
			r.Post("/change-password", authHandler.ChangePassword)
		})
	})

	// Protected routes (require authentication)
	r.Group(func(r chi.Router) {
		r.Use(gate.Authenticate)
		r.Use(gate.RequireAuth)
		r.Get("/me", authHandler.Me)
	})

	// Admin routes (require the admin role)
	r.Route("/admin", func(r chi.Router) {
		r.Use(gate.Authenticate)
		r.Use(gate.RequireRoles("admin"))
		r.Get("/ping", handleAdminPing)
	})

	return r
}

// handleHealth is a simple health check endpoint
// @Summary      Health check
// @Description  Check if the API is running
// @Tags         health
// @Produce      json
// @Success      200 {object} map[string]string
// @Router       /health [get]
func handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.RespondJSON(w, map[string]string{"status": "api is running"}, http.StatusOK)
}

// handleAdminPing confirms the caller holds the admin role
// @Summary      Admin ping
// @Description  Role-gated endpoint for verifying admin access
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Success      200 {object} map[string]string
// @Failure      401 {object} map[string]string "Unauthorized"
// @Failure      403 {object} map[string]string "Missing admin role"
// @Router       /admin/ping [get]
func handleAdminPing(w http.ResponseWriter, r *http.Request) {
	logger := logging.GetLoggerFromContext(r.Context())

	principal, _ := auth.GetUserFromContext(r.Context())
	logger.Info("admin endpoint accessed", "user_id", principal.ID, "username", principal.Username)

	httputil.RespondJSON(w, map[string]string{
		"message":  "pong",
		"username": principal.Username,
	}, http.StatusOK)
}
