// Package config resolves the process environment into a single immutable
// Config at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultGeminiModel   = "gemini-1.5-flash-latest"
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	DefaultOpenAIModel   = "gpt-4o-mini"
	DefaultHTTPAddr      = ":8100"
	DefaultDatabaseURL   = "coach.db"
	DefaultLLMTimeout    = 60 * time.Second

	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"

	DriverSupabase = "supabase"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

type Config struct {
	SupabaseURL string
	ServiceKey  string
	AnonKey     string

	LLMProvider   string
	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	LLMTimeout    time.Duration

	StoreDriver string
	DatabaseURL string

	HTTPAddr            string
	TrustAssertedUserID bool

	LogLevel       string
	LogDevelopment bool
}

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv reads variables from the given files (or .env) into the process
// environment. Missing files are not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// FromEnv loads the configuration from the process environment.
func FromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// Load resolves every recognised variable through lookup. Only malformed values
// are errors; missing credentials are reported by Problems.
func Load(lookup LookupFunc) (Config, error) {
	first := func(def string, keys ...string) string {
		for _, k := range keys {
			if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		return def
	}

	cfg := Config{
		SupabaseURL:   strings.TrimRight(first("", "SUPABASE_URL", "VITE_SUPABASE_URL"), "/"),
		ServiceKey:    first("", "SUPABASE_SERVICE_ROLE_KEY", "SUPABASE_SERVICE_ROLE", "VITE_SUPABASE_SERVICE_ROLE_KEY"),
		AnonKey:       first("", "SUPABASE_ANON_KEY", "VITE_SUPABASE_ANON_KEY"),
		LLMProvider:   strings.ToLower(first(ProviderGemini, "LLM_PROVIDER")),
		GeminiAPIKey:  first("", "GEMINI_API_KEY"),
		GeminiModel:   first(DefaultGeminiModel, "GEMINI_MODEL"),
		GeminiBaseURL: strings.TrimRight(first(DefaultGeminiBaseURL, "GEMINI_BASE_URL"), "/"),
		OpenAIAPIKey:  first("", "OPENAI_API_KEY"),
		OpenAIBaseURL: first("", "OPENAI_BASE_URL"),
		OpenAIModel:   first(DefaultOpenAIModel, "OPENAI_MODEL"),
		StoreDriver:   strings.ToLower(first(DriverSupabase, "STORE_DRIVER")),
		DatabaseURL:   first(DefaultDatabaseURL, "DATABASE_URL"),
		LogLevel:      strings.ToLower(first("info", "LOG_LEVEL")),
	}

	cfg.HTTPAddr = first("", "HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		if port := first("", "PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = DefaultHTTPAddr
		}
	}

	var err error
	if cfg.LLMTimeout, err = parseDuration(first("", "LLM_TIMEOUT"), DefaultLLMTimeout); err != nil {
		return Config{}, fmt.Errorf("LLM_TIMEOUT: %w", err)
	}
	if cfg.TrustAssertedUserID, err = parseBool(first("", "TRUST_CLIENT_USER_ID"), true); err != nil {
		return Config{}, fmt.Errorf("TRUST_CLIENT_USER_ID: %w", err)
	}
	if cfg.LogDevelopment, err = parseBool(first("", "LOG_DEVELOPMENT"), false); err != nil {
		return Config{}, fmt.Errorf("LOG_DEVELOPMENT: %w", err)
	}

	switch cfg.LLMProvider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return Config{}, fmt.Errorf("LLM_PROVIDER: unknown provider %q", cfg.LLMProvider)
	}
	switch cfg.StoreDriver {
	case DriverSupabase, DriverSQLite, DriverPostgres:
	case "sqlite":
		cfg.StoreDriver = DriverSQLite
	default:
		return Config{}, fmt.Errorf("STORE_DRIVER: unknown driver %q", cfg.StoreDriver)
	}

	return cfg, nil
}

// Problems lists missing settings that will make requests fail. They are
// logged at startup and never stop the process.
func (c Config) Problems() []string {
	var problems []string
	if c.StoreDriver == DriverSupabase && (c.SupabaseURL == "" || c.ServiceKey == "") {
		problems = append(problems, "missing Supabase credentials (SUPABASE_URL, SUPABASE_SERVICE_ROLE_KEY)")
	}
	switch c.LLMProvider {
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			problems = append(problems, "missing GEMINI_API_KEY")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" && c.OpenAIBaseURL == "" {
			problems = append(problems, "missing OPENAI_API_KEY")
		}
	}
	if c.SupabaseURL == "" {
		problems = append(problems, "no identity provider configured, bearer tokens resolve to anonymous")
	}
	return problems
}

func parseDuration(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func parseBool(v string, def bool) (bool, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}
