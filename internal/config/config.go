package config

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"modelrouter/internal/core"
	"modelrouter/internal/storage"
	"modelrouter/internal/util"

	"github.com/bytedance/sonic"
)

// ServerConfig server configuration
type ServerConfig struct {
	Port            string
	GinMode         string
	ClientAPIKeys   []string
	CORSAllowOrigin string
	RateLimit       int
	SystemPrompt    string
	CatalogSeedPath string

	// Credentials are the server-side provider keys used when a request brings none.
	Credentials core.Credentials
	Endpoints   ProviderEndpoints
	Router      RouterSettings

	HTTPClientSettings HTTPClientSettings
	StorageOptions     storage.Options

	Storage core.StorageInterface
	Catalog core.Catalog
	History core.HistoryStore
	// Completer overrides the HTTP provider client, mainly for tests.
	Completer core.Completer
	Logger    core.Logger
}

// ProviderEndpoints holds the OpenAI-compatible base URLs.
type ProviderEndpoints struct {
	GroqBaseURL    string
	MistralBaseURL string
}

// Map keys the base URLs by provider name.
func (e ProviderEndpoints) Map() map[string]string {
	return map[string]string{
		core.ProviderGroq:    e.GroqBaseURL,
		core.ProviderMistral: e.MistralBaseURL,
	}
}

// RouterSettings tunes candidate ranking and attempts.
type RouterSettings struct {
	RatingDivisor  float64
	AttemptTimeout time.Duration
	RouteTimeout   time.Duration
}

// HTTPClientSettings HTTP client configuration
type HTTPClientSettings struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
	RequestTimeout      time.Duration
}

// DefaultHTTPClientSettings default HTTP client settings
func DefaultHTTPClientSettings() HTTPClientSettings {
	return HTTPClientSettings{
		MaxIdleConns:        core.HTTPMaxIdleConns,
		MaxIdleConnsPerHost: core.HTTPMaxIdleConnsPerHost,
		MaxConnsPerHost:     core.HTTPMaxConnsPerHost,
		IdleConnTimeout:     core.HTTPIdleConnTimeout,
		TLSHandshakeTimeout: core.HTTPTLSHandshakeTimeout,
		RequestTimeout:      core.HTTPRequestTimeout,
	}
}

// NewClient builds a pooled HTTP client for provider traffic.
func (s HTTPClientSettings) NewClient() *http.Client {
	return &http.Client{
		Timeout: s.RequestTimeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          s.MaxIdleConns,
			MaxIdleConnsPerHost:   s.MaxIdleConnsPerHost,
			MaxConnsPerHost:       s.MaxConnsPerHost,
			IdleConnTimeout:       s.IdleConnTimeout,
			TLSHandshakeTimeout:   s.TLSHandshakeTimeout,
			ResponseHeaderTimeout: core.HTTPResponseHeaderTimeout,
			ExpectContinueTimeout: core.HTTPExpectContinueTimeout,
			ForceAttemptHTTP2:     true,
		},
	}
}

// DefaultRouterSettings returns the ranking defaults.
func DefaultRouterSettings() RouterSettings {
	return RouterSettings{
		RatingDivisor:  core.DefaultRatingDivisor,
		AttemptTimeout: core.DefaultAttemptTimeout,
		RouteTimeout:   core.DefaultRouteTimeout,
	}
}

// CatalogSeed is the on-disk catalog seed format.
type CatalogSeed struct {
	Models []core.ModelRecord `json:"models"`
}

// LoadCatalogSeed reads seed records from path. Both {"models":[...]} and a bare array are accepted.
func LoadCatalogSeed(path string) ([]core.ModelRecord, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path from config, not user input
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var seed CatalogSeed
	if err := sonic.Unmarshal(data, &seed); err != nil {
		var records []core.ModelRecord
		if err := sonic.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		seed.Models = records
	}

	seen := make(map[string]bool, len(seed.Models))
	out := make([]core.ModelRecord, 0, len(seed.Models))
	for i, rec := range seed.Models {
		normalized, err := normalizeSeedRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("%s: entry %d: %w", path, i, err)
		}
		if seen[normalized.ModelID] {
			return nil, fmt.Errorf("%s: duplicate model_id %q", path, normalized.ModelID)
		}
		seen[normalized.ModelID] = true
		out = append(out, normalized)
	}
	return out, nil
}

func normalizeSeedRecord(rec core.ModelRecord) (core.ModelRecord, error) {
	rec.ModelID = strings.TrimSpace(rec.ModelID)
	if rec.ModelID == "" {
		return rec, fmt.Errorf("model_id is required")
	}

	rec.Provider = strings.ToLower(strings.TrimSpace(rec.Provider))
	if rec.Provider != core.ProviderGroq && rec.Provider != core.ProviderMistral {
		return rec, fmt.Errorf("model %s: unknown provider %q", rec.ModelID, rec.Provider)
	}

	category, err := core.ParseCategory(string(rec.Category))
	if err != nil {
		return rec, fmt.Errorf("model %s: %w", rec.ModelID, err)
	}
	rec.Category = category

	if rec.Rating == 0 {
		rec.Rating = core.DefaultRating
	}
	if rec.Rating < 1 || rec.Rating > 10 {
		return rec, fmt.Errorf("model %s: rating %d outside 1-10", rec.ModelID, rec.Rating)
	}
	return rec, nil
}

// LoadStorageOptionsFromEnv reads catalog and stats backend selection.
// With none of the catalog variables set the catalog lives in memory.
func LoadStorageOptionsFromEnv() storage.Options {
	return storage.Options{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  os.Getenv("SQLITE_PATH"),
		RedisURL:    os.Getenv("REDIS_URL"),
		CatalogFile: os.Getenv("CATALOG_FILE"),
		StatsFile:   util.GetEnvWithDefault("STATS_FILE", core.StatsFilePath),
	}
}

// LoadCredentialsFromEnv reads the server-side provider keys.
func LoadCredentialsFromEnv() core.Credentials {
	return core.Credentials{
		GroqAPIKey:    strings.TrimSpace(os.Getenv("GROQ_API_KEY")),
		MistralAPIKey: strings.TrimSpace(os.Getenv("MISTRAL_API_KEY")),
	}
}

// LoadServerConfigFromEnv loads server config from environment variables
func LoadServerConfigFromEnv(logger core.Logger) (ServerConfig, error) {
	clientAPIKeys := util.ParseEnvList(os.Getenv("CLIENT_API_KEYS"))
	if len(clientAPIKeys) == 0 {
		logger.Warn("CLIENT_API_KEYS environment variable is empty")
	} else {
		logger.Info("Loaded %d client API keys", len(clientAPIKeys))
	}

	creds := LoadCredentialsFromEnv()
	for _, provider := range core.Providers {
		if key, ok := creds.KeyFor(provider); ok {
			logger.Info("Server-side %s key configured (%s)", provider, util.MaskKey(key))
		}
	}

	router := DefaultRouterSettings()
	divisor, ok := util.GetEnvFloat("RATING_DIVISOR", core.DefaultRatingDivisor)
	if !ok {
		logger.Warn("Invalid RATING_DIVISOR value '%s', using default %.0f", os.Getenv("RATING_DIVISOR"), core.DefaultRatingDivisor)
	}
	router.RatingDivisor = divisor

	timeout, ok := util.GetEnvDuration("ATTEMPT_TIMEOUT", core.DefaultAttemptTimeout)
	if !ok {
		logger.Warn("Invalid ATTEMPT_TIMEOUT value '%s', using default %s", os.Getenv("ATTEMPT_TIMEOUT"), core.DefaultAttemptTimeout)
	}
	router.AttemptTimeout = timeout

	routeTimeout, ok := util.GetEnvDuration("ROUTE_TIMEOUT", core.DefaultRouteTimeout)
	if !ok {
		logger.Warn("Invalid ROUTE_TIMEOUT value '%s', using default %s", os.Getenv("ROUTE_TIMEOUT"), core.DefaultRouteTimeout)
	}
	router.RouteTimeout = routeTimeout

	rateLimit, ok := util.GetEnvInt("RATE_LIMIT", core.DefaultRateLimit)
	if !ok {
		logger.Warn("Invalid RATE_LIMIT value '%s', using default %d", os.Getenv("RATE_LIMIT"), core.DefaultRateLimit)
	}

	systemPrompt := core.DefaultSystemPrompt
	if v, set := os.LookupEnv("SYSTEM_PROMPT"); set {
		systemPrompt = strings.TrimSpace(v)
	}

	config := ServerConfig{
		Port:            util.GetEnvWithDefault("PORT", core.DefaultPort),
		GinMode:         util.GetEnvWithDefault("GIN_MODE", core.DefaultGinMode),
		ClientAPIKeys:   clientAPIKeys,
		CORSAllowOrigin: util.GetEnvWithDefault("CORS_ALLOW_ORIGIN", "*"),
		RateLimit:       rateLimit,
		SystemPrompt:    systemPrompt,
		CatalogSeedPath: os.Getenv("CATALOG_SEED"),
		Credentials:     creds,
		Endpoints: ProviderEndpoints{
			GroqBaseURL:    strings.TrimRight(util.GetEnvWithDefault("GROQ_BASE_URL", core.GroqBaseURL), "/"),
			MistralBaseURL: strings.TrimRight(util.GetEnvWithDefault("MISTRAL_BASE_URL", core.MistralBaseURL), "/"),
		},
		Router:             router,
		HTTPClientSettings: DefaultHTTPClientSettings(),
		StorageOptions:     LoadStorageOptionsFromEnv(),
	}

	return config, nil
}
