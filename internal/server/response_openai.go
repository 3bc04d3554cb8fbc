package server

import (
	"net/http"
	"time"

	"modelrouter/internal/core"
	"modelrouter/internal/router"
	"modelrouter/internal/util"

	"github.com/gin-gonic/gin"
)

// ChatCompletionResponse is the OpenAI-compatible reply with routing details attached.
type ChatCompletionResponse struct {
	ID        string                 `json:"id"`
	Object    string                 `json:"object"`
	Created   int64                  `json:"created"`
	Model     string                 `json:"model"`
	Choices   []ChatCompletionChoice `json:"choices"`
	Provider  string                 `json:"provider"`
	Category  core.Category          `json:"category"`
	Attempts  []AttemptInfo          `json:"attempts"`
	SessionID string                 `json:"session_id,omitempty"`
}

// ChatCompletionChoice is a single choice of a completion.
type ChatCompletionChoice struct {
	Index        int              `json:"index"`
	Message      core.ChatMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

// AttemptInfo describes one provider call made while routing.
type AttemptInfo struct {
	Model     string  `json:"model"`
	Provider  string  `json:"provider"`
	LatencyMs int64   `json:"latency_ms"`
	Error     *string `json:"error,omitempty"`
}

// StreamChunk is one chat.completion.chunk event.
type StreamChunk struct {
	ID       string        `json:"id"`
	Object   string        `json:"object"`
	Created  int64         `json:"created"`
	Model    string        `json:"model"`
	Provider string        `json:"provider"`
	Choices  []StreamDelta `json:"choices"`
}

// StreamDelta carries the delta of a streamed choice.
type StreamDelta struct {
	Index        int               `json:"index"`
	Delta        map[string]string `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

func stringPtr(s string) *string {
	return &s
}

func attemptInfos(attempts []router.Attempt) []AttemptInfo {
	infos := make([]AttemptInfo, 0, len(attempts))
	for _, a := range attempts {
		info := AttemptInfo{
			Model:     a.Model,
			Provider:  a.Provider,
			LatencyMs: a.Latency.Milliseconds(),
		}
		if a.Err != nil {
			info.Error = stringPtr(a.Err.Error())
		}
		infos = append(infos, info)
	}
	return infos
}

// buildChatCompletionResponse wraps a route result in the OpenAI response shape.
func buildChatCompletionResponse(result *router.Result, category core.Category, sessionID string) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      util.GenerateID(core.ResponseIDPrefix),
		Object:  core.ChatCompletionObjectType,
		Created: time.Now().Unix(),
		Model:   result.Model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			Message:      core.ChatMessage{Role: core.RoleAssistant, Content: result.Reply},
			FinishReason: core.FinishReasonStop,
		}},
		Provider:  result.Provider,
		Category:  category,
		Attempts:  attemptInfos(result.Attempts),
		SessionID: sessionID,
	}
}

// streamChatCompletion replays a finished reply as a single delta chunk, a finish chunk and [DONE].
func (s *Server) streamChatCompletion(c *gin.Context, result *router.Result) {
	setStreamingHeaders(c)
	c.Status(http.StatusOK)

	id := util.GenerateID(core.ResponseIDPrefix)
	created := time.Now().Unix()
	chunks := []StreamChunk{
		{
			ID: id, Object: core.ChatCompletionChunkObjectType, Created: created,
			Model: result.Model, Provider: result.Provider,
			Choices: []StreamDelta{{
				Index: 0,
				Delta: map[string]string{"role": core.RoleAssistant, "content": result.Reply},
			}},
		},
		{
			ID: id, Object: core.ChatCompletionChunkObjectType, Created: created,
			Model: result.Model, Provider: result.Provider,
			Choices: []StreamDelta{{
				Index:        0,
				Delta:        map[string]string{},
				FinishReason: stringPtr(core.FinishReasonStop),
			}},
		},
	}

	for _, chunk := range chunks {
		data, err := util.MarshalJSON(chunk)
		if err != nil {
			s.config.Logger.Error("Failed to marshal stream chunk: %v", err)
			return
		}
		if _, err := writeSSEData(c.Writer, data); err != nil {
			s.config.Logger.Debug("Client went away while streaming: %v", err)
			return
		}
		c.Writer.Flush()
	}

	if _, err := writeSSEDone(c.Writer); err != nil {
		s.config.Logger.Debug("Client went away before [DONE]: %v", err)
		return
	}
	c.Writer.Flush()
}
