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
	AppEnv        string
	HTTPAddr      string
	RedisAddr     string
	RedisPassword string
	CORSOrigins   string

	// JobStore selects the job record backend: "redis" or "postgres".
	JobStore    string
	DatabaseURL string

	LLMProvider    string
	GeminiAPIKey   string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	LLMModel       string
	LLMTemperature float64
	LLMMaxTokens   int
	LLMTimeout     time.Duration

	ApifyToken      string
	ApifyTimeout    time.Duration
	ProfileCacheTTL time.Duration

	WorkerConcurrency int
	GenerationFanOut  int
	TaskMaxRetries    int
	JobRetention      time.Duration
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Load reads an optional .env file and then the process environment.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppEnv:        getenv("APP_ENV", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":3000"),
		RedisAddr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		CORSOrigins:   getenv("CORS_ORIGINS", "chrome-extension://cddlnbjaagmmldhnkccjmnhmdkfngoji"),

		JobStore:    strings.ToLower(getenv("JOB_STORE", "redis")),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		LLMProvider:    strings.ToLower(getenv("LLM_PROVIDER", "gemini")),
		GeminiAPIKey:   os.Getenv("GEMINI_API_KEY"),
		OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:  os.Getenv("OPENAI_BASE_URL"),
		LLMModel:       os.Getenv("DEFAULT_LLM_MODEL"),
		LLMTemperature: getenvFloat("LLM_TEMPERATURE", 0.7),
		LLMMaxTokens:   getenvInt("LLM_MAX_TOKENS", 1500),
		LLMTimeout:     getenvDuration("LLM_TIMEOUT", 60*time.Second),

		ApifyToken:      os.Getenv("APIFY_TOKEN"),
		ApifyTimeout:    getenvDuration("APIFY_TIMEOUT", 180*time.Second),
		ProfileCacheTTL: getenvDuration("PROFILE_CACHE_TTL", 24*time.Hour),

		WorkerConcurrency: getenvInt("WORKER_CONCURRENCY", 5),
		GenerationFanOut:  getenvInt("GENERATION_FANOUT", 5),
		TaskMaxRetries:    getenvInt("TASK_MAX_RETRIES", 3),
		JobRetention:      getenvDuration("JOB_RETENTION", 0),
	}
	if cfg.LLMModel == "" {
		cfg.LLMModel = defaultModel(cfg.LLMProvider)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

// Validate reports configuration that would keep the service from starting.
func (c Config) Validate() error {
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	switch c.JobStore {
	case "redis":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when JOB_STORE=postgres")
		}
	default:
		return fmt.Errorf("unsupported JOB_STORE %q (want redis or postgres)", c.JobStore)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.GenerationFanOut < 0 {
		return fmt.Errorf("GENERATION_FANOUT cannot be negative")
	}
	return nil
}

func defaultModel(provider string) string {
	if provider == "openai" {
		return "gpt-4o"
	}
	return "gemini-1.5-flash"
}

// AllowedOrigins splits CORS_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
