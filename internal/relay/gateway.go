package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"cinecredit/internal/metrics"
)

const (
	ErrTypeUpstream          = "UpstreamGatewayError"
	ErrTypeNoRecommendations = "NoRecommendationsError"
	ErrTypeValidation        = "ValidationError"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

// GatewayError is an upstream failure. Status is zero when the gateway never
// answered (network error) or answered with something unusable.
type GatewayError struct {
	Status  int
	Type    string
	Message string
}

func (e *GatewayError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("ai gateway: %d %s", e.Status, e.Message)
	}
	return "ai gateway: " + e.Message
}

// HTTPStatus is the status the relay should answer with.
func (e *GatewayError) HTTPStatus() int {
	if e.Status >= 400 {
		return e.Status
	}
	return http.StatusInternalServerError
}

type GatewayConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Gateway talks to an OpenAI-compatible chat completion API.
type Gateway struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewGateway(cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Gateway{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Complete sends messages and returns the raw completion body.
func (g *Gateway) Complete(ctx context.Context, messages []ChatMessage, temperature float64, maxTokens int) ([]byte, error) {
	start := time.Now()
	body, err := g.complete(ctx, messages, temperature, maxTokens)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		g.logger.Warn("ai gateway call failed", zap.Error(err))
	}
	metrics.ObserveGateway(outcome, time.Since(start))
	return body, err
}

// CompleteText returns only the first choice's message content.
func (g *Gateway) CompleteText(ctx context.Context, messages []ChatMessage, temperature float64, maxTokens int) (string, error) {
	body, err := g.Complete(ctx, messages, temperature, maxTokens)
	if err != nil {
		return "", err
	}
	content := gjson.GetBytes(body, "choices.0.message.content")
	if !content.Exists() {
		return "", &GatewayError{Type: ErrTypeUpstream, Message: "completion has no message content"}
	}
	return content.String(), nil
}

func (g *Gateway) complete(ctx context.Context, messages []ChatMessage, temperature float64, maxTokens int) ([]byte, error) {
	payload, err := json.Marshal(completionRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &GatewayError{Type: ErrTypeUpstream, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GatewayError{Status: resp.StatusCode, Type: ErrTypeUpstream, Message: "read response: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = resp.Status
		}
		return nil, &GatewayError{Status: resp.StatusCode, Type: ErrTypeUpstream, Message: msg}
	}
	if !gjson.ValidBytes(body) {
		return nil, &GatewayError{Type: ErrTypeUpstream, Message: "malformed completion body"}
	}
	return body, nil
}
