package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Lockout  LockoutConfig
	OAuth    OAuthConfig
	Email    EmailConfig
}

type ServerConfig struct {
	Port            string
	Env             string // dev or prod
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	TrustedOrigins  []string // CORS allowed origins for cookie auth

	// TrustPrincipalHeader enables the X-Auth-Principal fast path in the
	// authorization gate. Only safe when an edge proxy strips the header
	// from client traffic; see auth.Middleware for the trust boundary.
	TrustPrincipalHeader bool
	PrincipalHeader      string
}

type DatabaseConfig struct {
	Host           string
	Port           string
	User           string
	Password       string
	DBName         string
	SSLMode        string
	ChannelBinding string // "require" for managed Postgres, empty for local
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type AuthConfig struct {
	// TokenCodec selects the bearer-token implementation: "jwt" (HS256)
	// or "paseto" (v4.local). Both are symmetric; SecretKey is the single
	// trust anchor and must be at least 32 bytes.
	TokenCodec           string
	SecretKey            []byte
	AccessTokenDuration  time.Duration
	RefreshTokenDuration time.Duration
	VerificationTokenTTL time.Duration
	ResetTokenTTL        time.Duration
}

type LockoutConfig struct {
	// Threshold is the cumulative failed-login count that locks the
	// account; Duration is how long the lock holds before lazy unlock.
	Threshold int
	Duration  time.Duration
}

// ProviderConfig holds one OAuth provider's credentials. An empty
// ClientID disables the provider entirely.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
}

type OAuthConfig struct {
	Google    ProviderConfig
	Microsoft ProviderConfig
	// GoogleTokenInfoURL overrides the introspection endpoint in tests.
	GoogleTokenInfoURL string
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPassword string
	FromEmail    string
	FromName     string
	AppBaseURL   string // frontend base URL for verification/reset links
}

// Load reads configuration from environment variables.
// A .env file is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:                 getEnv("SERVER_PORT", "8080"),
			Env:                  getEnv("APP_ENV", "dev"),
			ReadTimeout:          getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:         getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			ShutdownTimeout:      getDurationEnv("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
			TrustedOrigins:       getSliceEnv("TRUSTED_ORIGINS", []string{"http://localhost:5173"}),
			TrustPrincipalHeader: getBoolEnv("TRUST_PRINCIPAL_HEADER", false),
			PrincipalHeader:      getEnv("PRINCIPAL_HEADER", "X-Auth-Principal"),
		},
		Database: DatabaseConfig{
			Host:           getEnv("DB_HOST", "localhost"),
			Port:           getEnv("DB_PORT", "5432"),
			User:           getEnv("DB_USER", "postgres"),
			Password:       getEnv("DB_PASSWORD", "postgres"),
			DBName:         getEnv("DB_NAME", "oracle"),
			SSLMode:        getEnv("DB_SSLMODE", "disable"),
			ChannelBinding: getEnv("DB_CHANNEL_BINDING", ""),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			TokenCodec:           getEnv("TOKEN_CODEC", "jwt"),
			SecretKey:            []byte(getEnv("SECRET_KEY", "")),
			AccessTokenDuration:  getDurationEnv("ACCESS_TOKEN_DURATION", 30*time.Minute),
			RefreshTokenDuration: getDurationEnv("REFRESH_TOKEN_DURATION", 7*24*time.Hour),
			VerificationTokenTTL: getDurationEnv("VERIFICATION_TOKEN_TTL", 24*time.Hour),
			ResetTokenTTL:        getDurationEnv("RESET_TOKEN_TTL", 1*time.Hour),
		},
		Lockout: LockoutConfig{
			Threshold: getIntEnv("LOCKOUT_THRESHOLD", 5),
			Duration:  getDurationEnv("LOCKOUT_DURATION", 15*time.Minute),
		},
		OAuth: OAuthConfig{
			Google: ProviderConfig{
				ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
				ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
			},
			Microsoft: ProviderConfig{
				ClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
				ClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
			},
			GoogleTokenInfoURL: getEnv("GOOGLE_TOKEN_INFO_URL", "https://oauth2.googleapis.com/tokeninfo"),
		},
		Email: EmailConfig{
			SMTPHost:     getEnv("SMTP_HOST", ""),
			SMTPPort:     getEnv("SMTP_PORT", "587"),
			SMTPUser:     getEnv("SMTP_USER", ""),
			SMTPPassword: getEnv("SMTP_PASSWORD", ""),
			FromEmail:    getEnv("SMTP_FROM_EMAIL", "noreply@cardea.security"),
			FromName:     getEnv("SMTP_FROM_NAME", "Cardea Security"),
			AppBaseURL:   getEnv("APP_BASE_URL", "http://localhost:5173"),
		},
	}

	if len(cfg.Auth.SecretKey) < 32 {
		return nil, fmt.Errorf("SECRET_KEY must be at least 32 bytes, got %d", len(cfg.Auth.SecretKey))
	}
	switch cfg.Auth.TokenCodec {
	case "jwt", "paseto":
	default:
		return nil, fmt.Errorf("TOKEN_CODEC must be \"jwt\" or \"paseto\", got %q", cfg.Auth.TokenCodec)
	}
	if cfg.Lockout.Threshold < 1 {
		return nil, fmt.Errorf("LOCKOUT_THRESHOLD must be positive, got %d", cfg.Lockout.Threshold)
	}

	return cfg, nil
}

func (c *DatabaseConfig) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)

	if c.ChannelBinding != "" {
		connStr += fmt.Sprintf(" channel_binding=%s", c.ChannelBinding)
	}

	return connStr
}

// Address returns Redis connection address (host:port)
func (c *RedisConfig) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// IsDevelopment returns true if the environment is set to dev
func (c *ServerConfig) IsDevelopment() bool {
	return c.Env == "dev"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}

	return boolValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	seconds, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return time.Duration(seconds) * time.Second
}

func getSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	if len(result) == 0 {
		return defaultValue
	}

	return result
}
