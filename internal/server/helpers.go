package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"modelrouter/internal/core"

	"github.com/gin-gonic/gin"
)

// setStreamingHeaders sets streaming response HTTP headers
func setStreamingHeaders(c *gin.Context) {
	c.Header(core.HeaderContentType, core.ContentTypeEventStream)
	c.Header(core.HeaderCacheControl, core.CacheControlNoCache)
	c.Header(core.HeaderConnection, core.ConnectionKeepAlive)
}

// writeSSEData writes SSE format data
func writeSSEData(w io.Writer, data []byte) (int, error) {
	return fmt.Fprintf(w, "%s%s\n\n", core.StreamChunkPrefix, string(data))
}

// writeSSEDone writes SSE end marker
func writeSSEDone(w io.Writer) (int, error) {
	return fmt.Fprintf(w, "%s%s\n\n", core.StreamChunkPrefix, core.StreamChunkDoneMessage)
}

// respondWithError writes {"error": message, "type": kind}.
func respondWithError(c *gin.Context, code int, kind, message string) {
	c.JSON(code, gin.H{"error": message, "type": kind})
}

// routeErrorStatus maps a routing failure to an HTTP status and an error type label.
func routeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrUnsupportedCategory):
		return http.StatusBadRequest, "unsupported_category"
	case errors.Is(err, core.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, core.ErrUnknownModel):
		return http.StatusNotFound, "unknown_model"
	case errors.Is(err, core.ErrNoEligibleModel):
		return http.StatusUnprocessableEntity, "no_eligible_model"
	case errors.Is(err, core.ErrAllModelsFailed):
		return http.StatusBadGateway, "all_models_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// credentialsFromRequest reads per-call provider keys, falling back to configured ones.
func credentialsFromRequest(c *gin.Context, fallback core.Credentials) core.Credentials {
	creds := core.Credentials{
		GroqAPIKey:    c.GetHeader(core.HeaderGroqAPIKey),
		MistralAPIKey: c.GetHeader(core.HeaderMistralAPIKey),
	}
	return creds.Merge(fallback)
}

// withSystemPrompt prepends prompt unless the conversation already has a system turn.
func withSystemPrompt(messages []core.ChatMessage, prompt string) []core.ChatMessage {
	if prompt == "" {
		return messages
	}
	for _, msg := range messages {
		if msg.Role == core.RoleSystem {
			return messages
		}
	}
	out := make([]core.ChatMessage, 0, len(messages)+1)
	out = append(out, core.ChatMessage{Role: core.RoleSystem, Content: prompt})
	return append(out, messages...)
}

// lastUserTurn returns the newest message sent with the user role.
func lastUserTurn(messages []core.ChatMessage) (core.ChatMessage, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == core.RoleUser {
			return messages[i], true
		}
	}
	return core.ChatMessage{}, false
}
