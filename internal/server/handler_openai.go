package server

import (
	"net/http"
	"strconv"
	"time"

	"modelrouter/internal/core"
	"modelrouter/internal/router"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ChatCompletionRequest is the body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model     string           `json:"model" binding:"required"`
	Messages  []RequestMessage `json:"messages" binding:"required,min=1"`
	Category  string           `json:"category"`
	SessionID string           `json:"session_id"`
	Stream    bool             `json:"stream"`
}

// RequestMessage accepts string or part-list content.
type RequestMessage struct {
	Role    string              `json:"role" binding:"required"`
	Content core.FlexibleString `json:"content"`
}

// ModelEntry is one item of GET /v1/models.
type ModelEntry struct {
	ID                  string        `json:"id"`
	Object              string        `json:"object"`
	OwnedBy             string        `json:"owned_by"`
	Category            core.Category `json:"category"`
	Rating              int           `json:"rating"`
	TotalRequests       int64         `json:"total_requests"`
	AverageResponseTime *float64      `json:"average_response_time,omitempty"`
}

func (s *Server) chatCompletions(c *gin.Context) {
	var request ChatCompletionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondWithError(c, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error())
		return
	}

	category, err := core.ParseCategory(request.Category)
	if err != nil {
		respondWithError(c, http.StatusBadRequest, "unsupported_category", err.Error())
		return
	}

	messages := make([]core.ChatMessage, 0, len(request.Messages))
	for _, msg := range request.Messages {
		messages = append(messages, core.ChatMessage{Role: msg.Role, Content: string(msg.Content)})
	}
	userTurn, hasUserTurn := lastUserTurn(messages)
	messages = withSystemPrompt(messages, s.config.SystemPrompt)

	routeReq := &router.Request{
		Messages:    messages,
		Model:       request.Model,
		Category:    category,
		Credentials: credentialsFromRequest(c, s.config.Credentials),
	}

	result, err := s.modelRouter.Route(c.Request.Context(), routeReq)
	if err != nil {
		status, kind := routeErrorStatus(err)
		if status >= http.StatusInternalServerError {
			s.config.Logger.Warn("Routing %s (%s) failed: %v", request.Model, category, err)
		}
		respondWithError(c, status, kind, err.Error())
		return
	}

	if request.SessionID != "" {
		var turns []core.ChatMessage
		if hasUserTurn {
			turns = append(turns, userTurn)
		}
		s.saveTurns(c, request.SessionID, turns, result)
	}

	if request.Stream {
		s.streamChatCompletion(c, result)
		return
	}

	c.JSON(http.StatusOK, buildChatCompletionResponse(result, category, request.SessionID))
}

// saveTurns persists the given request turns followed by the reply. Failures are logged only.
func (s *Server) saveTurns(c *gin.Context, sessionID string, turns []core.ChatMessage, result *router.Result) {
	if s.history == nil {
		return
	}
	now := time.Now()
	entries := make([]core.HistoryEntry, 0, len(turns)+1)
	for i, turn := range turns {
		entries = append(entries, core.HistoryEntry{
			ID: uuid.NewString(), SessionID: sessionID, Role: turn.Role, Content: turn.Content,
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		})
	}
	entries = append(entries, core.HistoryEntry{
		ID: uuid.NewString(), SessionID: sessionID, Role: core.RoleAssistant, Content: result.Reply, Model: result.Model,
		CreatedAt: now.Add(time.Duration(len(turns)) * time.Millisecond),
	})
	for _, entry := range entries {
		if err := s.history.SaveMessage(c.Request.Context(), entry); err != nil {
			s.config.Logger.Warn("Failed to save %s turn for session %s: %v", entry.Role, sessionID, err)
		}
	}
}

func (s *Server) listModels(c *gin.Context) {
	filter := c.Query("category")
	var want core.Category
	if filter != "" {
		parsed, err := core.ParseCategory(filter)
		if err != nil {
			respondWithError(c, http.StatusBadRequest, "unsupported_category", err.Error())
			return
		}
		want = parsed
	}

	records, err := s.catalogRecords(c)
	if err != nil {
		s.config.Logger.Error("Failed to list catalog: %v", err)
		respondWithError(c, http.StatusInternalServerError, "internal_error", "failed to list models")
		return
	}

	data := make([]ModelEntry, 0, len(records))
	for _, rec := range records {
		if want != "" && rec.Category != want {
			continue
		}
		data = append(data, ModelEntry{
			ID:                  rec.ModelID,
			Object:              core.ModelObjectType,
			OwnedBy:             rec.Provider,
			Category:            rec.Category,
			Rating:              rec.Rating,
			TotalRequests:       rec.TotalRequests,
			AverageResponseTime: rec.AverageResponseTime,
		})
	}

	c.JSON(http.StatusOK, gin.H{"object": core.ModelListObjectType, "data": data})
}

// catalogRecords serves the catalog listing through a short-lived cache entry.
func (s *Server) catalogRecords(c *gin.Context) ([]core.ModelRecord, error) {
	if records, ok := s.cache.GetCatalog(); ok {
		s.metricsService.RecordCacheHit()
		return records, nil
	}
	s.metricsService.RecordCacheMiss()

	records, err := s.catalog.List(c.Request.Context())
	if err != nil {
		return nil, err
	}
	s.cache.SetCatalog(records, core.CatalogListCacheTTL)
	return records, nil
}

func (s *Server) sessionMessages(c *gin.Context) {
	if s.history == nil {
		respondWithError(c, http.StatusNotImplemented, "not_implemented", "chat history requires a SQL backend")
		return
	}

	limit := core.DefaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondWithError(c, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(n, core.MaxHistoryLimit)
	}

	sessionID := c.Param("id")
	entries, err := s.history.RecentMessages(c.Request.Context(), sessionID, limit)
	if err != nil {
		s.config.Logger.Error("Failed to load history for session %s: %v", sessionID, err)
		respondWithError(c, http.StatusInternalServerError, "internal_error", "failed to load history")
		return
	}
	if entries == nil {
		entries = []core.HistoryEntry{}
	}

	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "messages": entries})
}
