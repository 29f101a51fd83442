package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	_ "github.com/cardea-security/oracle/docs" // Swagger docs (generated)
	"github.com/cardea-security/oracle/internal/auth"
	"github.com/cardea-security/oracle/internal/config"
	"github.com/cardea-security/oracle/internal/database"
	"github.com/cardea-security/oracle/internal/email"
	httpServer "github.com/cardea-security/oracle/internal/http"
	"github.com/cardea-security/oracle/internal/identity"
	"github.com/cardea-security/oracle/internal/logging"
	"github.com/cardea-security/oracle/internal/oauth"
	"github.com/cardea-security/oracle/internal/ratelimit"
	"github.com/cardea-security/oracle/internal/user"
)

// @title           Cardea Oracle
// @version         1.0
// @description     Authentication and session-integrity service for the Cardea security-alert platform.

// @contact.name   Cardea Security
// @contact.email  support@cardea.security

// @license.name  MIT
// @license.url   https://opensource.org/licenses/MIT

// @host      localhost:8080
// @BasePath  /

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the access token.

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	logger := logging.NewLogger(cfg.Server.IsDevelopment())
	logger.Info("starting application",
		"env", cfg.Server.Env,
		"port", cfg.Server.Port,
		"token_codec", cfg.Auth.TokenCodec,
	)

	// Initialize database connection
	db, err := database.Open(cfg.Database.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	// Initialize Redis connection
	redisClient, err := initRedis(cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	defer redisClient.Close()

	// Initialize repositories
	userRepo := user.NewRepository(db)
	sessionRepo := auth.NewRedisRepository(redisClient)

	// Initialize rate limiter
	rateLimiter := ratelimit.NewLimiter(redisClient)

	// Initialize bearer-token codec
	tokenService, err := newTokenService(cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to initialize token service: %w", err)
	}

	// Initialize email service
	emailService := email.NewService(email.Config{
		SMTPHost:     cfg.Email.SMTPHost,
		SMTPPort:     cfg.Email.SMTPPort,
		SMTPUser:     cfg.Email.SMTPUser,
		SMTPPassword: cfg.Email.SMTPPassword,
		FromEmail:    cfg.Email.FromEmail,
		FromName:     cfg.Email.FromName,
		AppBaseURL:   cfg.Email.AppBaseURL,
	})

	// Initialize auth service
	authService := auth.NewService(
		userRepo,
		sessionRepo,
		tokenService,
		emailService,
		logger,
		auth.ServiceConfig{
			AccessTokenDuration:  cfg.Auth.AccessTokenDuration,
			RefreshTokenDuration: cfg.Auth.RefreshTokenDuration,
			VerificationTokenTTL: cfg.Auth.VerificationTokenTTL,
			ResetTokenTTL:        cfg.Auth.ResetTokenTTL,
			LockoutThreshold:     cfg.Lockout.Threshold,
			LockoutDuration:      cfg.Lockout.Duration,
		},
	)

	// Initialize federated validators; unconfigured providers stay out
	// of the chain entirely
	var validators []oauth.Validator
	if google := oauth.NewGoogleValidator(cfg.OAuth.Google.ClientID, cfg.OAuth.GoogleTokenInfoURL, logger); google.Enabled() {
		validators = append(validators, google)
		logger.Info("google provider enabled")
	}
	if microsoft := oauth.NewMicrosoftValidator(cfg.OAuth.Microsoft.ClientID, logger); microsoft.Enabled() {
		validators = append(validators, microsoft)
		logger.Info("microsoft provider enabled")
	}

	reconciler := identity.NewReconciler(userRepo, logger)

	// Initialize HTTP handlers
	authHandler := auth.NewHandler(
		authService,
		rateLimiter,
		logger,
		validators,
		reconciler,
		!cfg.Server.IsDevelopment(), // isProduction
		cfg.Auth.AccessTokenDuration,
		cfg.Auth.RefreshTokenDuration,
	)
	gate := auth.NewGate(
		tokenService,
		userRepo,
		reconciler,
		validators,
		logger,
		auth.GateConfig{
			TrustPrincipalHeader: cfg.Server.TrustPrincipalHeader,
			PrincipalHeader:      cfg.Server.PrincipalHeader,
		},
	)

	// Initialize router
	router := httpServer.NewRouter(cfg, authHandler, gate, logger)

	// Initialize HTTP server
	serverAddr := ":" + cfg.Server.Port
	server := httpServer.NewServer(
		serverAddr,
		router,
		cfg.Server.ReadTimeout,
		cfg.Server.WriteTimeout,
	)

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	// Wait for interrupt signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		log.Printf("Received signal: %v", sig)

		// Graceful shutdown with timeout
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// newTokenService builds the configured bearer-token codec.
func newTokenService(cfg config.AuthConfig) (auth.TokenService, error) {
	switch cfg.TokenCodec {
	case "paseto":
		svc, err := auth.NewPasetoService(cfg.SecretKey)
		return svc, err
	default:
		svc, err := auth.NewJWTService(cfg.SecretKey)
		return svc, err
	}
}

// initRedis initializes the Redis connection and returns a Redis client
func initRedis(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Verify connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return client, nil
}
