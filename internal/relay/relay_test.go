package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"
)

// fakeGateway serves a canned OpenAI-style reply and records requests.
type fakeGateway struct {
	status  int
	body    string
	lastReq []byte
	calls   int
}

func (f *fakeGateway) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls++
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		f.lastReq, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		_, _ = io.WriteString(w, f.body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func completion(content string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"id": "cmpl-1",
		"choices": []interface{}{
			map[string]interface{}{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
	return string(b)
}

func newTestHandler(t *testing.T, fg *fakeGateway, cache Cache, passthrough bool) *Handler {
	t.Helper()
	srv := fg.server(t)
	gw := NewGateway(GatewayConfig{BaseURL: srv.URL + "/", APIKey: "test-key", Model: "gpt-test"}, zaptest.NewLogger(t))
	return NewHandler(gw, cache, HandlerConfig{MaxTokens: 500, Passthrough: passthrough}, zaptest.NewLogger(t))
}

func post(h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestParseRecommendations(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"simple", "Interstellar, Tenet, Memento", []string{"Interstellar", "Tenet", "Memento"}},
		{"empties dropped", " , Heat,,  ,Ronin, ", []string{"Heat", "Ronin"}},
		{"duplicates", "Alien, alien , ALIEN, Aliens", []string{"Alien", "Aliens"}},
		{"empty", "   ", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRecommendations(tt.in))
		})
	}
}

func TestChat_ReturnsRecommendations(t *testing.T) {
	fg := &fakeGateway{status: http.StatusOK, body: completion("Interstellar, Tenet, Memento")}
	h := newTestHandler(t, fg, nil, false)

	rec := post(h.Chat, `{"movieTitle":"Inception","genres":"Sci-Fi, Thriller"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Recommendations []string `json:"recommendations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"Interstellar", "Tenet", "Memento"}, resp.Recommendations)

	assert.Equal(t, "gpt-test", gjson.GetBytes(fg.lastReq, "model").String())
	assert.Equal(t, 0.7, gjson.GetBytes(fg.lastReq, "temperature").Float())
	assert.Equal(t, int64(500), gjson.GetBytes(fg.lastReq, "max_tokens").Int())
	assert.Equal(t, systemPrompt, gjson.GetBytes(fg.lastReq, "messages.0.content").String())
	assert.Contains(t, gjson.GetBytes(fg.lastReq, "messages.1.content").String(), "Inception")
}

func TestChat_GenresAsArray(t *testing.T) {
	fg := &fakeGateway{status: http.StatusOK, body: completion("Heat")}
	h := newTestHandler(t, fg, nil, false)

	rec := post(h.Chat, `{"movieTitle":"Collateral","genres":["Crime","Drama"]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, gjson.GetBytes(fg.lastReq, "messages.1.content").String(), "Crime, Drama")
}

func TestChat_MissingFields(t *testing.T) {
	fg := &fakeGateway{status: http.StatusOK, body: completion("x")}
	h := newTestHandler(t, fg, nil, false)

	for _, body := range []string{`{"genres":"Drama"}`, `{"movieTitle":"Heat"}`, `{}`, ``} {
		rec := post(h.Chat, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, "Missing required fields", gjson.Get(rec.Body.String(), "error").String())
		assert.NotEmpty(t, gjson.Get(rec.Body.String(), "details").String())
	}
	assert.Zero(t, fg.calls)
}

func TestChat_InvalidJSON(t *testing.T) {
	fg := &fakeGateway{status: http.StatusOK, body: completion("x")}
	h := newTestHandler(t, fg, nil, false)

	rec := post(h.Chat, `{"movieTitle":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrTypeValidation, gjson.Get(rec.Body.String(), "type").String())
}

func TestChat_EmptyCompletion(t *testing.T) {
	fg := &fakeGateway{status: http.StatusOK, body: completion(" ,  , ")}
	h := newTestHandler(t, fg, nil, false)

	rec := post(h.Chat, `{"movieTitle":"Inception","genres":"Sci-Fi"}`)

	assert.GreaterOrEqual(t, rec.Code, 500)
	assert.Equal(t, ErrTypeNoRecommendations, gjson.Get(rec.Body.String(), "type").String())
}

func TestChat_UpstreamStatusIsForwarded(t *testing.T) {
	fg := &fakeGateway{status: http.StatusTooManyRequests, body: `{"error":{"message":"Rate limit reached","type":"requests"}}`}
	h := newTestHandler(t, fg, nil, false)

	rec := post(h.Chat, `{"movieTitle":"Inception","genres":"Sci-Fi"}`)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Rate limit reached", gjson.Get(rec.Body.String(), "error").String())
	assert.Equal(t, ErrTypeUpstream, gjson.Get(rec.Body.String(), "type").String())
}

func TestChat_MalformedUpstreamBody(t *testing.T) {
	fg := &fakeGateway{status: http.StatusOK, body: `<html>oops`}
	h := newTestHandler(t, fg, nil, false)

	rec := post(h.Chat, `{"movieTitle":"Inception","genres":"Sci-Fi"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrTypeUpstream, gjson.Get(rec.Body.String(), "type").String())
}

func TestChat_UnreachableGateway(t *testing.T) {
	gw := NewGateway(GatewayConfig{BaseURL: "http://127.0.0.1:1", APIKey: "k", Timeout: time.Second}, nil)
	h := NewHandler(gw, nil, HandlerConfig{}, nil)

	rec := post(h.Chat, `{"movieTitle":"Inception","genres":"Sci-Fi"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrTypeUpstream, gjson.Get(rec.Body.String(), "type").String())
}

func TestChat_Passthrough(t *testing.T) {
	fg := &fakeGateway{status: http.StatusOK, body: completion("Heat, Ronin")}
	h := newTestHandler(t, fg, nil, true)

	rec := post(h.Chat, `{"messages":[{"role":"user","content":"films like Heat"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Heat, Ronin", gjson.Get(rec.Body.String(), "choices.0.message.content").String())
	assert.Equal(t, "films like Heat", gjson.GetBytes(fg.lastReq, "messages.0.content").String())
}

func TestChat_PassthroughDisabledRequiresFields(t *testing.T) {
	fg := &fakeGateway{status: http.StatusOK, body: completion("Heat")}
	h := newTestHandler(t, fg, nil, false)

	rec := post(h.Chat, `{"messages":[{"role":"user","content":"films like Heat"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChat_UsesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := NewRedisCache(rdb, time.Hour)

	fg := &fakeGateway{status: http.StatusOK, body: completion("Interstellar, Tenet")}
	h := newTestHandler(t, fg, cache, false)

	first := post(h.Chat, `{"movieTitle":"Inception","genres":"Sci-Fi"}`)
	second := post(h.Chat, `{"movieTitle":"  inception ","genres":"sci-fi"}`)

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, fg.calls)
	assert.Equal(t, time.Hour, mr.TTL(cacheKey("Inception", "Sci-Fi")))
}

func TestRedisCache_Miss(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	_, ok, err := NewRedisCache(rdb, time.Minute).Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHealth(t *testing.T) {
	h := NewHandler(nil, nil, HandlerConfig{}, nil)
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"OK"}`, rec.Body.String())
}
