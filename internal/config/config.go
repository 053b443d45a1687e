package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr        string
	DatabaseURL string
	JWTSecret   string
	AccessTTL   time.Duration
	// LocalStorePath is the guest-mode JSON file.
	LocalStorePath string
	BaseURL        string
	CORSOrigin     string
	MeiliURL       string
	MeiliMasterKey string
	// SMTP Configuration
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
	// Redis Configuration
	RedisURL string
}

func Load() Config {
	return Config{
		Addr: getenv("API_ADDR", ":8686"),
		// Empty DATABASE_URL means guest mode: local JSON only.
		DatabaseURL:    getenv("DATABASE_URL", ""),
		JWTSecret:      getenv("PUNCHTIME_JWT_SECRET", "punchtime-dev-secret"),
		AccessTTL:      time.Duration(getenvInt("PUNCHTIME_ACCESS_TTL_SECONDS", 86400)) * time.Second,
		LocalStorePath: getenv("PUNCHTIME_LOCAL_STORE", "./data/habits.json"),
		BaseURL:        getenv("PUNCHTIME_BASE_URL", "http://localhost:8686"),
		CORSOrigin:     getenv("PUNCHTIME_CORS_ORIGIN", "*"),
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		// SMTP - empty by default, email disabled if not configured
		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPPort:     getenv("SMTP_PORT", "587"),
		SMTPUsername: getenv("SMTP_USERNAME", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", ""),
		SMTPFromName: getenv("SMTP_FROM_NAME", "Punchtime"),
		// Redis - realtime change feed, optional
		RedisURL: getenv("REDIS_URL", ""),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
