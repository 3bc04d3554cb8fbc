package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Category is the coarse content tag attached to every catalog model.
type Category string

// Category values.
const (
	CategoryText       Category = "text"
	CategoryCoding     Category = "coding"
	CategoryVision     Category = "vision"
	CategoryAudio      Category = "audio"
	CategoryMultimodal Category = "multimodal"
)

// Categories lists every known category in a stable order.
var Categories = []Category{CategoryText, CategoryCoding, CategoryVision, CategoryAudio, CategoryMultimodal}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory normalizes s and validates it.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c == "" {
		return CategoryText, nil
	}
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// Provider identifiers.
const (
	ProviderGroq    = "groq"
	ProviderMistral = "mistral"
)

// Providers lists every provider the router can call.
var Providers = []string{ProviderGroq, ProviderMistral}

// ModelRecord is one catalog entry with its running latency statistics.
type ModelRecord struct {
	ModelID             string   `json:"model_id"`
	Provider            string   `json:"provider"`
	Category            Category `json:"category"`
	Rating              int      `json:"rating"`
	TotalRequests       int64    `json:"total_requests"`
	TotalResponseTime   float64  `json:"total_response_time"`
	AverageResponseTime *float64 `json:"average_response_time,omitempty"`
}

// HasAverage reports whether at least one successful call was recorded.
func (m *ModelRecord) HasAverage() bool {
	return m.AverageResponseTime != nil
}

// Clone returns a deep copy of the record.
func (m *ModelRecord) Clone() *ModelRecord {
	if m == nil {
		return nil
	}
	out := *m
	if m.AverageResponseTime != nil {
		avg := *m.AverageResponseTime
		out.AverageResponseTime = &avg
	}
	return &out
}

// ApplyLatency folds one latency sample (seconds) into the running stats.
// Records seeded with counters but no average start from total/n.
func (m *ModelRecord) ApplyLatency(sample float64) {
	avg := 0.0
	switch {
	case m.AverageResponseTime != nil:
		avg = *m.AverageResponseTime
	case m.TotalRequests > 0:
		avg = m.TotalResponseTime / float64(m.TotalRequests)
	}
	m.TotalRequests++
	m.TotalResponseTime += sample
	avg += (sample - avg) / float64(m.TotalRequests)
	m.AverageResponseTime = &avg
}

// ChatMessage is one role/content turn of a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Credentials holds the per-call provider API keys.
type Credentials struct {
	GroqAPIKey    string `json:"groq_api_key,omitempty"`
	MistralAPIKey string `json:"mistral_api_key,omitempty"`
}

// KeyFor returns the key for provider and whether it is usable.
func (c Credentials) KeyFor(provider string) (string, bool) {
	var key string
	switch strings.ToLower(provider) {
	case ProviderGroq:
		key = c.GroqAPIKey
	case ProviderMistral:
		key = c.MistralAPIKey
	}
	key = strings.TrimSpace(key)
	return key, key != ""
}

// Merge fills empty keys of c from fallback.
func (c Credentials) Merge(fallback Credentials) Credentials {
	if strings.TrimSpace(c.GroqAPIKey) == "" {
		c.GroqAPIKey = fallback.GroqAPIKey
	}
	if strings.TrimSpace(c.MistralAPIKey) == "" {
		c.MistralAPIKey = fallback.MistralAPIKey
	}
	return c
}

// Completion is the raw result of one provider call.
type Completion struct {
	// Content is either a string or a list of {type, text} parts.
	Content   any
	RequestID string
	Region    string
}

// RemoteModel is one entry of a provider's model listing.
type RemoteModel struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	OwnedBy  string `json:"owned_by,omitempty"`
}

// HistoryEntry is one persisted chat turn.
type HistoryEntry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FlexibleString accepts either a JSON string or a list of content parts.
type FlexibleString string

// UnmarshalJSON concatenates the text of "text" parts when given an array.
func (fs *FlexibleString) UnmarshalJSON(data []byte) error {
	var str string
	if err := sonic.Unmarshal(data, &str); err == nil {
		*fs = FlexibleString(str)
		return nil
	}

	var arr []map[string]any
	if err := sonic.Unmarshal(data, &arr); err == nil {
		var b strings.Builder
		for _, item := range arr {
			if typ, ok := item["type"].(string); ok && typ != ContentPartText {
				continue
			}
			if text, ok := item["text"].(string); ok {
				b.WriteString(text)
			}
		}
		*fs = FlexibleString(b.String())
		return nil
	}

	return fmt.Errorf("invalid content format")
}

// RequestStats holds aggregated request statistics for monitoring.
type RequestStats struct {
	TotalRequests      int64           `json:"total_requests"`
	SuccessfulRequests int64           `json:"successful_requests"`
	FailedRequests     int64           `json:"failed_requests"`
	TotalResponseTime  int64           `json:"total_response_time"`
	LastRequestTime    time.Time       `json:"last_request_time"`
	RequestHistory     []RequestRecord `json:"request_history"`
}

// RequestRecord is one routed request in the monitoring history.
type RequestRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	Success      bool      `json:"success"`
	ResponseTime int64     `json:"response_time"`
	Model        string    `json:"model"`
	Category     string    `json:"category"`
}

// PeriodStats holds computed statistics for a time period.
type PeriodStats struct {
	Requests        int64   `json:"requests"`
	SuccessRate     float64 `json:"successRate"`
	AvgResponseTime int64   `json:"avgResponseTime"`
	QPS             float64 `json:"qps"`
}
