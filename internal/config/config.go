package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	Port   string
	Env    string
	APIUrl string

	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// JWT (verification only; tokens are issued by the identity service)
	JWTSecret string

	// Object storage (S3 compatible)
	S3Endpoint        string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3UsePathStyle    bool
	S3Bucket          string

	// Uploads
	UploadURLTTL        time.Duration
	UploadMaxSizeBytes  int64
	UploadMaxChunks     int
	UploadFinalizeGrace time.Duration
	AllowedMimePrefixes []string

	// Downloads
	DownloadURLTTL time.Duration

	// Trash
	TrashRetention time.Duration

	// Background sweeps
	UploadSweepInterval time.Duration
	TrashSweepInterval  time.Duration

	// Storage retry
	StorageRetryAttempts int
	StorageRetryBackoff  time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitDuration time.Duration
	UploadRateLimit   int
	UploadRateWindow  time.Duration

	// SMTP (audit watchdog alerts)
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
	SMTPFromName    string
	AdminAlertEmail string

	// CORS
	AllowedOrigins []string
}

func New() *Config {
	return &Config{
		// Server
		Port:   getEnv("PORT", "8080"),
		Env:    getEnv("ENV", "development"),
		APIUrl: getEnv("API_URL", "http://localhost:8080"),

		// Database
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "classvault"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "classvault_db"),
		DBSSLMode:  getEnv("DB_SSL_MODE", "disable"),

		// Redis
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "your-secret-key"),

		// Object storage
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3Region:          getEnv("S3_REGION", "us-east-1"),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3UsePathStyle:    getEnv("S3_USE_PATH_STYLE", "true") == "true",
		S3Bucket:          getEnv("S3_BUCKET", "classvault-assets"),

		// Uploads
		UploadURLTTL:        getEnvAsDuration("UPLOAD_URL_TTL", "15m"),
		UploadMaxSizeBytes:  getEnvAsInt64("UPLOAD_MAX_SIZE_BYTES", 5*1024*1024*1024),
		UploadMaxChunks:     getEnvAsInt("UPLOAD_MAX_CHUNKS", 1000),
		UploadFinalizeGrace: getEnvAsDuration("UPLOAD_FINALIZE_GRACE", "10m"),
		AllowedMimePrefixes: getEnvAsSlice("ALLOWED_MIME_PREFIXES", []string{"image/", "audio/", "video/", "application/", "text/"}),

		// Downloads
		DownloadURLTTL: getEnvAsDuration("DOWNLOAD_URL_TTL", "1h"),

		// Trash (default 30 days)
		TrashRetention: getEnvAsDuration("TRASH_RETENTION", "720h"),

		// Background sweeps
		UploadSweepInterval: getEnvAsDuration("UPLOAD_SWEEP_INTERVAL", "1m"),
		TrashSweepInterval:  getEnvAsDuration("TRASH_SWEEP_INTERVAL", "1h"),

		// Storage retry
		StorageRetryAttempts: getEnvAsInt("STORAGE_RETRY_ATTEMPTS", 3),
		StorageRetryBackoff:  getEnvAsDuration("STORAGE_RETRY_BACKOFF", "200ms"),

		// Rate limiting
		RateLimitRequests: getEnvAsInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitDuration: getEnvAsDuration("RATE_LIMIT_DURATION", "1m"),
		UploadRateLimit:   getEnvAsInt("UPLOAD_RATE_LIMIT", 30),
		UploadRateWindow:  getEnvAsDuration("UPLOAD_RATE_WINDOW", "1m"),

		// SMTP
		SMTPHost:        getEnv("SMTP_HOST", ""),
		SMTPPort:        getEnvAsInt("SMTP_PORT", 465),
		SMTPUsername:    getEnv("SMTP_USERNAME", ""),
		SMTPPassword:    getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:        getEnv("SMTP_FROM", "noreply@classvault.io"),
		SMTPFromName:    getEnv("SMTP_FROM_NAME", "ClassVault"),
		AdminAlertEmail: getEnv("ADMIN_ALERT_EMAIL", ""),

		// CORS
		AllowedOrigins: getEnvAsSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	if duration, err := time.ParseDuration(defaultValue); err == nil {
		return duration
	}
	return time.Hour
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	return strings.Split(valueStr, ",")
}
