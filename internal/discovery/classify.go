package discovery

import (
	"strings"

	"modelrouter/internal/core"
)

// Keyword tables are checked in order; the first match wins.
var (
	skipKeywords       = []string{"embed", "moderation", "guard", "ocr"}
	audioKeywords      = []string{"whisper", "voxtral", "tts", "playai"}
	visionKeywords     = []string{"pixtral", "vision"}
	codingKeywords     = []string{"codestral", "devstral", "coder", "code"}
	multimodalKeywords = []string{"llama-4", "maverick", "scout", "mistral-medium"}
)

// Classify guesses a model's category from its id. ok is false for models
// that cannot serve chat completions at all (embeddings, moderation).
func Classify(modelID string) (category core.Category, ok bool) {
	id := strings.ToLower(modelID)

	switch {
	case containsAny(id, skipKeywords):
		return "", false
	case containsAny(id, audioKeywords):
		return core.CategoryAudio, true
	case containsAny(id, visionKeywords):
		return core.CategoryVision, true
	case containsAny(id, codingKeywords):
		return core.CategoryCoding, true
	case containsAny(id, multimodalKeywords):
		return core.CategoryMultimodal, true
	}
	return core.CategoryText, true
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
