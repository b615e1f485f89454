package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes runtime settings for the API and pipeline workers.
type Config struct {
	Port      string
	AuthToken string

	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisConsumer string

	NATSURL string

	MessageLease     time.Duration
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int

	StorageDir string

	OCREndpoint    string
	OCRAPIKey      string
	OCRTimeout     time.Duration
	OCRRateLimit   float64
	OCRRateBurst   int
	CallbackTarget string
	HandleTTL      time.Duration
	ReaperInterval time.Duration

	LLMEndpoint   string
	LLMAPIKey     string
	LLMModel      string
	LLMTimeout    time.Duration
	LLMMaxRetries int
	LLMRateLimit  float64
	LLMRateBurst  int

	OpenAIAPIKey string
	OpenAIModel  string

	StageWorkers  int
	WorkerEnabled bool
}

func Load() Config {
	return Config{
		Port:      getEnv("PORT", "8080"),
		AuthToken: getEnv("API_AUTH_TOKEN", ""),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 40),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisConsumer: getEnv("REDIS_CONSUMER", "casepipe-1"),

		NATSURL: getEnv("NATS_URL", ""),

		MessageLease:     getEnvDuration("MESSAGE_LEASE", time.Minute),
		RetryBaseDelay:   getEnvDuration("RETRY_BASE_DELAY", 30*time.Second),
		RetryMaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 15*time.Minute),
		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 5),

		StorageDir: getEnv("STORAGE_DIR", ""),

		OCREndpoint:    getEnv("OCR_ENDPOINT", ""),
		OCRAPIKey:      getEnv("OCR_API_KEY", ""),
		OCRTimeout:     getEnvDuration("OCR_TIMEOUT", 30*time.Second),
		OCRRateLimit:   getEnvFloat("OCR_RATE_LIMIT", 5),
		OCRRateBurst:   getEnvInt("OCR_RATE_BURST", 5),
		CallbackTarget: getEnv("OCR_CALLBACK_TARGET", "http://localhost:8080/callbacks/ocr"),
		HandleTTL:      getEnvDuration("HANDLE_TTL", 30*time.Minute),
		ReaperInterval: getEnvDuration("REAPER_INTERVAL", time.Minute),

		LLMEndpoint:   getEnv("LLM_ENDPOINT", ""),
		LLMAPIKey:     getEnv("LLM_API_KEY", ""),
		LLMModel:      getEnv("LLM_MODEL", ""),
		LLMTimeout:    getEnvDuration("LLM_TIMEOUT", 60*time.Second),
		LLMMaxRetries: getEnvInt("LLM_MAX_RETRIES", 0),
		LLMRateLimit:  getEnvFloat("LLM_RATE_LIMIT", 2),
		LLMRateBurst:  getEnvInt("LLM_RATE_BURST", 2),

		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:  getEnv("OPENAI_MODEL", ""),

		StageWorkers:  getEnvInt("STAGE_WORKERS", 1),
		WorkerEnabled: getEnvBool("WORKER_ENABLED", true),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
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

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
