// Package relay forwards recommendation requests to the AI gateway so the
// provider key never reaches clients.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	systemPrompt = "You are a movie recommendation assistant. Provide only movie titles as a comma-separated list."
	temperature  = 0.7

	maxBodyBytes = 1 << 20
)

// Completer is the gateway as seen by the handler.
type Completer interface {
	Complete(ctx context.Context, messages []ChatMessage, temperature float64, maxTokens int) ([]byte, error)
	CompleteText(ctx context.Context, messages []ChatMessage, temperature float64, maxTokens int) (string, error)
}

type HandlerConfig struct {
	MaxTokens int
	// Passthrough enables forwarding of raw {messages} bodies.
	Passthrough bool
}

type Handler struct {
	gateway Completer
	cache   Cache
	cfg     HandlerConfig
	logger  *zap.Logger
}

// NewHandler builds the relay handler. cache may be nil.
func NewHandler(gateway Completer, cache Cache, cfg HandlerConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	return &Handler{gateway: gateway, cache: cache, cfg: cfg, logger: logger}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// Chat handles POST /api/chat.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err.Error(), ErrTypeValidation)
		return
	}
	if len(body) > 0 && !gjson.ValidBytes(body) {
		respondError(w, http.StatusBadRequest, "Invalid request body", "body is not valid JSON", ErrTypeValidation)
		return
	}

	if h.cfg.Passthrough && gjson.GetBytes(body, "messages.#").Int() > 0 {
		h.passthrough(w, r, body)
		return
	}
	h.recommend(w, r, body)
}

func (h *Handler) passthrough(w http.ResponseWriter, r *http.Request, body []byte) {
	var req struct {
		Messages []ChatMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err.Error(), ErrTypeValidation)
		return
	}

	completion, err := h.gateway.Complete(r.Context(), req.Messages, temperature, h.cfg.MaxTokens)
	if err != nil {
		h.gatewayFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(completion)
}

func (h *Handler) recommend(w http.ResponseWriter, r *http.Request, body []byte) {
	title := strings.TrimSpace(gjson.GetBytes(body, "movieTitle").String())
	genres := genreList(gjson.GetBytes(body, "genres"))
	if title == "" || genres == "" {
		var missing []string
		if title == "" {
			missing = append(missing, "movieTitle")
		}
		if genres == "" {
			missing = append(missing, "genres")
		}
		respondError(w, http.StatusBadRequest, "Missing required fields",
			strings.Join(missing, " and ")+" required", ErrTypeValidation)
		return
	}

	ctx := r.Context()
	key := cacheKey(title, genres)
	if h.cache != nil {
		titles, ok, err := h.cache.Get(ctx, key)
		if err != nil {
			h.logger.Warn("recommendation cache read failed", zap.Error(err))
		} else if ok {
			respondJSON(w, http.StatusOK, map[string][]string{"recommendations": titles})
			return
		}
	}

	messages := []ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf(
			"Recommend 5 movies similar to %q (genres: %s). Respond with the titles only.", title, genres)},
	}
	text, err := h.gateway.CompleteText(ctx, messages, temperature, h.cfg.MaxTokens)
	if err != nil {
		h.gatewayFailure(w, err)
		return
	}

	titles := ParseRecommendations(text)
	if len(titles) == 0 {
		h.logger.Warn("gateway returned no recommendations", zap.String("movie_title", title))
		respondError(w, http.StatusInternalServerError, "No recommendations returned", "", ErrTypeNoRecommendations)
		return
	}

	if h.cache != nil {
		if err := h.cache.Set(ctx, key, titles); err != nil {
			h.logger.Warn("recommendation cache write failed", zap.Error(err))
		}
	}
	respondJSON(w, http.StatusOK, map[string][]string{"recommendations": titles})
}

func (h *Handler) gatewayFailure(w http.ResponseWriter, err error) {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		respondError(w, gwErr.HTTPStatus(), gwErr.Message, "", gwErr.Type)
		return
	}
	h.logger.Error("relay failed", zap.Error(err))
	respondError(w, http.StatusInternalServerError, err.Error(), "", ErrTypeUpstream)
}

// genreList accepts either "A, B" or ["A", "B"].
func genreList(v gjson.Result) string {
	if !v.IsArray() {
		return strings.TrimSpace(v.String())
	}
	var parts []string
	for _, g := range v.Array() {
		if s := strings.TrimSpace(g.String()); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message, details, kind string) {
	body := map[string]string{"error": message, "type": kind}
	if details != "" {
		body["details"] = details
	}
	respondJSON(w, status, body)
}
