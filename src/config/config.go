package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	JWTSecret          string
	Port               string
	DatabasePath       string
	LogLevel           string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	AllowedOrigins     []string
	FrontendBaseURL    string

	// Key material for encrypting QuickBooks tokens at rest.
	TokenEncryptionKey string

	QBOClientID          string
	QBOClientSecret      string
	QBORedirectURL       string
	QBOAuthURL           string
	QBOTokenURL          string
	QBOAPIBaseURL        string
	QBOMinorVersion      string
	QBOSummarizeColumnBy string
	QBORequestsPerMinute int
	HTTPTimeout          time.Duration
	TokenRefreshSkew     time.Duration

	SyncMaxAttempts  int
	SyncBaseDelay    time.Duration
	SyncConcurrency  int
	SyncInterval     time.Duration
	SyncLookback     time.Duration
	PersistBatchSize int

	RawArchiveBucket string
}

var Cfg *AppConfig

func LoadConfig() {
	errEnv := godotenv.Load()
	if errEnv != nil {
		log.Println("Info: No .env file found or error loading .env file. Relying on OS environment variables and defaults. Error (if any):", errEnv)
	} else {
		log.Println(".env file loaded successfully.")
	}

	log.Println("Loading application configuration...")

	jwtSecret := getEnv("JWT_SECRET", "your-very-secure-and-long-jwt-secret-key-for-hs256-minimum-32-bytes")
	if jwtSecret == "your-very-secure-and-long-jwt-secret-key-for-hs256-minimum-32-bytes" {
		log.Println("WARNING: Using default insecure JWT_SECRET. Set JWT_SECRET environment variable for production.")
	}

	encryptionKey := getEnv("TOKEN_ENCRYPTION_KEY", "dev-only-token-encryption-key-change-me-32b")
	if encryptionKey == "dev-only-token-encryption-key-change-me-32b" {
		log.Println("WARNING: Using default insecure TOKEN_ENCRYPTION_KEY. Set TOKEN_ENCRYPTION_KEY for production.")
	}
	if len(encryptionKey) < 32 {
		log.Fatalf("FATAL: TOKEN_ENCRYPTION_KEY must be at least 32 bytes long. Current length: %d", len(encryptionKey))
	}

	Cfg = &AppConfig{
		JWTSecret:          jwtSecret,
		Port:               getEnv("PORT", "8080"),
		DatabasePath:       getEnv("DATABASE_PATH", "./ledgerdash.db"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		AccessTokenExpiry:  getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 60*time.Minute),
		RefreshTokenExpiry: getEnvAsDuration("REFRESH_TOKEN_EXPIRY", 7*24*time.Hour),
		AllowedOrigins:     splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		FrontendBaseURL:    getEnv("FRONTEND_BASE_URL", "http://localhost:3000"),

		TokenEncryptionKey: encryptionKey,

		QBOClientID:          getEnv("QBO_CLIENT_ID", ""),
		QBOClientSecret:      getEnv("QBO_CLIENT_SECRET", ""),
		QBORedirectURL:       getEnv("QBO_REDIRECT_URL", "http://localhost:8080/api/quickbooks/callback"),
		QBOAuthURL:           getEnv("QBO_AUTH_URL", "https://appcenter.intuit.com/connect/oauth2"),
		QBOTokenURL:          getEnv("QBO_TOKEN_URL", "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"),
		QBOAPIBaseURL:        getEnv("QBO_API_BASE_URL", "https://sandbox-quickbooks.api.intuit.com/v3"),
		QBOMinorVersion:      getEnv("QBO_MINOR_VERSION", "75"),
		QBOSummarizeColumnBy: getEnv("QBO_SUMMARIZE_COLUMN_BY", "Month"),
		QBORequestsPerMinute: getEnvAsInt("QBO_REQUESTS_PER_MINUTE", 400),
		HTTPTimeout:          getEnvAsDuration("HTTP_TIMEOUT", 30*time.Second),
		TokenRefreshSkew:     getEnvAsDuration("TOKEN_REFRESH_SKEW", 60*time.Second),

		SyncMaxAttempts:  getEnvAsInt("SYNC_MAX_ATTEMPTS", 3),
		SyncBaseDelay:    getEnvAsDuration("SYNC_BASE_DELAY", 2*time.Second),
		SyncConcurrency:  getEnvAsInt("SYNC_CONCURRENCY", 4),
		SyncInterval:     getEnvAsDuration("SYNC_INTERVAL", 0),
		SyncLookback:     getEnvAsDuration("SYNC_LOOKBACK", 365*24*time.Hour),
		PersistBatchSize: getEnvAsInt("PERSIST_BATCH_SIZE", 1000),

		RawArchiveBucket: getEnv("RAW_ARCHIVE_BUCKET", ""),
	}

	if Cfg.QBOClientID == "" || Cfg.QBOClientSecret == "" {
		log.Println("WARNING: QBO_CLIENT_ID / QBO_CLIENT_SECRET not set. QuickBooks connect and token refresh will fail.")
	}
	if Cfg.SyncMaxAttempts < 1 {
		log.Printf("WARNING: SYNC_MAX_ATTEMPTS=%d is invalid. Using 1.", Cfg.SyncMaxAttempts)
		Cfg.SyncMaxAttempts = 1
	}
	if Cfg.PersistBatchSize < 1 {
		log.Printf("WARNING: PERSIST_BATCH_SIZE=%d is invalid. Using default 1000.", Cfg.PersistBatchSize)
		Cfg.PersistBatchSize = 1000
	}

	log.Printf("Configuration loaded: Port=%s, LogLevel=%s, DBPath=%s, APIBase=%s, SyncInterval=%s",
		Cfg.Port, Cfg.LogLevel, Cfg.DatabasePath, Cfg.QBOAPIBaseURL, Cfg.SyncInterval)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	log.Printf("Environment variable %s not set, using default: %s", key, fallback)
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		log.Printf("Integer value for %s not set or empty, using default: %d", key, fallback)
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid integer value for %s ('%s'), using default: %d", key, valueStr, fallback)
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		log.Printf("Duration value for %s not set or empty, using default: %s", key, fallback.String())
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	log.Printf("Invalid duration value for %s ('%s'), using default: %s", key, valueStr, fallback.String())
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
