package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server settings, read from environment variables with
// defaults (load a .env first via godotenv in main).
type Config struct {
	Addr             string
	DatabaseURL      string
	AllowedOrigins   []string
	InvitationTTL    time.Duration
	JoinRequestTTL   time.Duration
	CountdownSeconds int
	SweepInterval    time.Duration
	HeartbeatTimeout time.Duration
}

func FromEnv() Config {
	return Config{
		Addr:             getEnv("ADDR", ":8080"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		AllowedOrigins:   strings.Split(getEnv("ALLOWED_ORIGINS", "*"), ","),
		InvitationTTL:    getDuration("INVITATION_TTL", 5*time.Minute),
		JoinRequestTTL:   getDuration("JOIN_REQUEST_TTL", 5*time.Minute),
		CountdownSeconds: getInt("COUNTDOWN_SECONDS", 5),
		SweepInterval:    getDuration("SWEEP_INTERVAL", 15*time.Second),
		HeartbeatTimeout: getDuration("HEARTBEAT_TIMEOUT", 30*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
