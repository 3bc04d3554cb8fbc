package core

import "time"

// Default config constants
const (
	DefaultPort        = "7860"
	DefaultGinMode     = "release"
	DefaultCatalogFile = "catalog.json"
	CORSMaxAge         = "86400"
	DefaultRateLimit   = 120
)

// Content type and header constants
const (
	ContentTypeJSON        = "application/json"
	ContentTypeEventStream = "text/event-stream"
	HeaderContentType      = "Content-Type"
	HeaderAuthorization    = "Authorization"
	HeaderAccept           = "Accept"
	HeaderCacheControl     = "Cache-Control"
	HeaderConnection       = "Connection"
	HeaderXAPIKey          = "x-api-key"
	HeaderRequestID        = "X-Request-ID"
	HeaderGroqAPIKey       = "X-Groq-Api-Key"
	HeaderMistralAPIKey    = "X-Mistral-Api-Key"
	AuthBearerPrefix       = "Bearer "
	CacheControlNoCache    = "no-cache"
	ConnectionKeepAlive    = "keep-alive"
)

// SSE constants
const (
	StreamChunkPrefix      = "data: "
	StreamChunkDoneMessage = "[DONE]"
)

// Groq diagnostic response headers
const (
	HeaderGroqRegion            = "x-groq-region"
	HeaderRateLimitRequests     = "x-ratelimit-limit-requests"
	HeaderRateLimitTokens       = "x-ratelimit-limit-tokens"
	HeaderRateRemainingRequests = "x-ratelimit-remaining-requests"
	HeaderRateRemainingTokens   = "x-ratelimit-remaining-tokens"
	HeaderRateResetRequests     = "x-ratelimit-reset-requests"
	HeaderRateResetTokens       = "x-ratelimit-reset-tokens"
	HeaderUpstreamRequestID     = "x-request-id"
)

// Role constants
const (
	RoleAssistant = "assistant"
	RoleUser      = "user"
	RoleSystem    = "system"
)

// ContentPartText is the part type whose text survives flattening.
const ContentPartText = "text"

// OpenAI-compatible object constants
const (
	ModelObjectType               = "model"
	ModelListObjectType           = "list"
	ChatCompletionObjectType      = "chat.completion"
	ChatCompletionChunkObjectType = "chat.completion.chunk"
	FinishReasonStop              = "stop"
	ResponseIDPrefix              = "chatcmpl-"
)

// Provider endpoint defaults
const (
	GroqBaseURL         = "https://api.groq.com/openai/v1"
	MistralBaseURL      = "https://api.mistral.ai/v1"
	ChatCompletionsPath = "/chat/completions"
	ModelsPath          = "/models"
)

// Routing constants
const (
	DefaultTemperature    = 0.7
	DefaultRatingDivisor  = 5.0
	DefaultAttemptTimeout = 60 * time.Second
	DefaultRating         = 3

	// DefaultRouteTimeout stays below the HTTP server's write timeout.
	DefaultRouteTimeout = 4 * time.Minute

	// Complexity tiers by cumulative user word count.
	ComplexityLowWords   = 20
	ComplexityMidWords   = 100
	ComplexityLow        = 0.1
	ComplexityMid        = 0.5
	ComplexityHigh       = 0.9
	AlphaBase            = 0.4
	AlphaComplexityScale = 0.6
)

// DefaultSystemPrompt is prepended by the HTTP layer when a conversation has no system turn.
const DefaultSystemPrompt = "Respond in GitHub-flavored markdown. Use headings, bullet points, and code blocks where needed."

// HTTP client config constants
const (
	HTTPMaxIdleConns          = 500
	HTTPMaxIdleConnsPerHost   = 100
	HTTPMaxConnsPerHost       = 200
	HTTPIdleConnTimeout       = 600 * time.Second
	HTTPTLSHandshakeTimeout   = 30 * time.Second
	HTTPResponseHeaderTimeout = 30 * time.Second
	HTTPExpectContinueTimeout = 5 * time.Second
	HTTPRequestTimeout        = 5 * time.Minute
)

// Cache config constants
const (
	CacheDefaultCapacity = 1000
	CacheCleanupInterval = 5 * time.Minute
	ModelListCacheTTL    = 10 * time.Minute
	CatalogListCacheTTL  = 5 * time.Second
	CacheKeyVersion      = "v1"
)

// Discovery constants
const (
	DiscoveryMaxAttempts  = 3
	DiscoveryRetryBackoff = 2 * time.Second
	DiscoveryTimeout      = 20 * time.Second
)

// History constants
const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

// Stats and monitoring constants
const (
	StatsFilePath     = "stats.json"
	MinSaveInterval   = 5 * time.Second
	HistoryBufferSize = 1000
)

// Response body size limits
const (
	MaxResponseBodySize = 10 * 1024 * 1024
	MaxErrorBodySize    = 4 * 1024
)

// Logging config constants
const (
	MaxDebugFilePathLength = 260
)

// File permission constants
const (
	FilePermissionReadWrite = 0644
)

// Time format constants
const (
	TimeFormatDateTime = "2006-01-02 15:04:05"
)
