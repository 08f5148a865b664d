package environment

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/programme-lv/referee/internal/logger"
	"github.com/programme-lv/referee/internal/xdg"
)

type EnvConfig struct {
	DatabaseURL   string // empty selects the in-memory store
	RedisAddr     string // empty keeps status in process memory
	NatsURL       string // empty disables NATS progress events
	NatsSubject   string
	SQSQueueURL   string
	SQSResultsURL string // empty disables SQS progress events
	AWSRegion     string

	CacheDir       string
	Workers        int
	StatusTTL      time.Duration
	ElementTimeout time.Duration
	StrictFinalize bool
	DockerBin      string

	LogLevel  string
	LogFormat string
}

// ReadEnvConfig loads .env if present and reads REFEREE_* variables.
// Malformed values are reported, not replaced by defaults.
func ReadEnvConfig() (*EnvConfig, error) {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	result := &EnvConfig{
		DatabaseURL:   os.Getenv("REFEREE_DATABASE_URL"),
		RedisAddr:     os.Getenv("REFEREE_REDIS_ADDR"),
		NatsURL:       os.Getenv("REFEREE_NATS_URL"),
		NatsSubject:   getenv("REFEREE_NATS_SUBJECT", "referee.events"),
		SQSQueueURL:   os.Getenv("REFEREE_SQS_QUEUE_URL"),
		SQSResultsURL: os.Getenv("REFEREE_SQS_RESULTS_URL"),
		AWSRegion:     getenv("REFEREE_AWS_REGION", "eu-central-1"),
		CacheDir:      os.Getenv("REFEREE_CACHE_DIR"),
		DockerBin:     getenv("REFEREE_DOCKER_BIN", "docker"),
		LogLevel:      getenv("REFEREE_LOG_LEVEL", "info"),
		LogFormat:     getenv("REFEREE_LOG_FORMAT", "text"),
	}
	if result.CacheDir == "" {
		result.CacheDir = xdg.ResultCacheDir("referee")
	}

	var errs []error
	result.Workers, err = intVar("REFEREE_WORKERS", runtime.NumCPU())
	errs = append(errs, err)
	if err == nil && result.Workers < 1 {
		errs = append(errs, fmt.Errorf("REFEREE_WORKERS must be positive, got %d", result.Workers))
	}
	result.StatusTTL, err = durationVar("REFEREE_STATUS_TTL", 24*time.Hour)
	errs = append(errs, err)
	result.ElementTimeout, err = durationVar("REFEREE_ELEMENT_TIMEOUT", 0)
	errs = append(errs, err)
	result.StrictFinalize, err = boolVar("REFEREE_STRICT_FINALIZE", false)
	errs = append(errs, err)

	if _, err := logger.ParseLevel(result.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("REFEREE_LOG_LEVEL: %w", err))
	}
	if result.LogFormat != "text" && result.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("REFEREE_LOG_FORMAT must be text or json, got %q", result.LogFormat))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return result, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intVar(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func durationVar(key string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	if v < 0 {
		return def, fmt.Errorf("%s must not be negative, got %s", key, s)
	}
	return v, nil
}

func boolVar(key string, def bool) (bool, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
