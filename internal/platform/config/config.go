package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads .env files into the process environment. Variables already set
// in the environment win. With no paths, ".env" is used; a missing file is
// not an error.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool accepts the strconv.ParseBool spellings.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvDuration parses a time.Duration ("10s", "1m30s"). A bare integer is
// read as seconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// Config is the full runtime configuration of the server.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string
	LogFile   string

	DatabaseDriver string
	DatabaseDSN    string

	EncoderPath string
	StopTimeout time.Duration

	HLSOutputDir   string
	DASHOutputDir  string
	PublicBasePath string
	IngestBaseURL  string

	StatsInterval time.Duration

	RedisAddr     string
	EventsChannel string

	WebhookRateLimit int
}

// FromEnv builds a Config from the environment, applying defaults.
func FromEnv() Config {
	return Config{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),
		LogFile:   GetEnv("LOG_FILE", ""),

		DatabaseDriver: GetEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseDSN:    GetEnv("DATABASE_DSN", "orchestrator.db"),

		EncoderPath: GetEnv("ENCODER_PATH", "ffmpeg"),
		StopTimeout: GetEnvDuration("STOP_TIMEOUT", 10*time.Second),

		HLSOutputDir:   GetEnv("HLS_OUTPUT_DIR", "./static/streams/hls"),
		DASHOutputDir:  GetEnv("DASH_OUTPUT_DIR", "./static/streams/dash"),
		PublicBasePath: GetEnv("PUBLIC_BASE_PATH", "/static/streams"),
		IngestBaseURL:  GetEnv("INGEST_BASE_URL", "rtmp://localhost:1935/live"),

		StatsInterval: GetEnvDuration("STATS_INTERVAL", 10*time.Second),

		RedisAddr:     GetEnv("REDIS_ADDR", ""),
		EventsChannel: GetEnv("EVENTS_CHANNEL", "orchestrator:events"),

		WebhookRateLimit: GetEnvInt("WEBHOOK_RATE_LIMIT", 120),
	}
}
