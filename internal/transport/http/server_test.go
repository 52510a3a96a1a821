package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"

	"cinecredit/internal/model"
	"cinecredit/internal/relay"
	"cinecredit/internal/repository/memory"
	"cinecredit/internal/retry"
	"cinecredit/internal/service"
	"cinecredit/internal/session"
	"cinecredit/internal/state"
)

type testEnv struct {
	srv      *httptest.Server
	store    *memory.Repository
	verifier *session.Verifier
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store := memory.New()
	ledger := service.NewLedger(store, logger,
		service.WithRetryPolicy(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}))
	registry := state.NewRegistry(ledger, logger)
	ledger.SetChangeHook(registry.Apply)
	t.Cleanup(func() {
		registry.Close()
		ledger.Close()
	})

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"Interstellar, Tenet, Memento"}}]}`)
	}))
	t.Cleanup(gateway.Close)
	chat := relay.NewHandler(
		relay.NewGateway(relay.GatewayConfig{BaseURL: gateway.URL, APIKey: "k", Model: "m"}, logger),
		nil, relay.HandlerConfig{}, logger)

	verifier := session.NewVerifier("test-secret")
	srv := httptest.NewServer(NewRouter(cfg, ledger, registry, chat, verifier, logger))
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: store, verifier: verifier}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.verifier.Issue(userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) serviceToken(t *testing.T) string {
	t.Helper()
	tok, err := e.verifier.IssueService("billing", time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) (int, string) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Config{})

	status, body := env.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"OK"}`, body)
}

func TestChatRoute(t *testing.T) {
	env := newTestEnv(t, Config{})

	status, body := env.do(t, http.MethodPost, "/api/chat", "", `{"movieTitle":"Inception","genres":"Sci-Fi, Thriller"}`)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"recommendations":["Interstellar","Tenet","Memento"]}`, body)
}

func TestCreditsLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{})
	tok := env.token(t, "u1")

	status, body := env.do(t, http.MethodPost, "/api/credits/u1/init", tok, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(50), gjson.Get(body, "credits").Int())

	status, body = env.do(t, http.MethodPost, "/api/credits/u1/deduct", tok, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(49), gjson.Get(body, "credits").Int())

	status, body = env.do(t, http.MethodPost, "/api/credits/u1/topup", env.serviceToken(t), `{"amount":10}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(59), gjson.Get(body, "credits").Int())

	status, body = env.do(t, http.MethodGet, "/api/credits/u1", tok, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(59), gjson.Get(body, "credits").Int())
}

func TestCreditsErrors(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.store.Put(context.Background(), model.Account{UserID: "broke", Credits: 0})
	tok := env.token(t, "u1")

	status, body := env.do(t, http.MethodGet, "/api/credits/u1", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, model.KindAuth, gjson.Get(body, "type").String())

	status, _ = env.do(t, http.MethodGet, "/api/credits/u1", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = env.do(t, http.MethodGet, "/api/credits/u2", tok, "")
	assert.Equal(t, http.StatusForbidden, status)

	status, body = env.do(t, http.MethodPost, "/api/credits/broke/deduct", env.token(t, "broke"), "")
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, "Insufficient credits, purchase more credits", gjson.Get(body, "error").String())

	svc := env.serviceToken(t)
	status, _ = env.do(t, http.MethodPost, "/api/credits/u1/topup", svc, `{"amount":0}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/api/credits/u1/topup", svc, `{"amount":`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestTopUp_UserTokenCannotMintCredits(t *testing.T) {
	env := newTestEnv(t, Config{})
	tok := env.token(t, "u1")

	status, body := env.do(t, http.MethodPost, "/api/credits/u1/init", tok, "")
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodPost, "/api/credits/u1/topup", tok, `{"amount":1000000000}`)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, model.KindAuth, gjson.Get(body, "type").String())

	status, _ = env.do(t, http.MethodPost, "/api/credits/u1/topup", "", `{"amount":5}`)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = env.do(t, http.MethodGet, "/api/credits/u1", tok, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(50), gjson.Get(body, "credits").Int())
}

// stubLedger returns a fixed error from every operation.
type stubLedger struct{ err error }

func (s stubLedger) InitializeBalance(context.Context, string) (int64, error) { return 0, s.err }
func (s stubLedger) GetBalance(context.Context, string) (int64, error)        { return 0, s.err }
func (s stubLedger) DeductOne(context.Context, string) (int64, error)         { return 0, s.err }
func (s stubLedger) AddCredits(context.Context, string, int64) (int64, error) { return 0, s.err }
func (s stubLedger) Subscribe(context.Context, string, func(int64)) (func(), error) {
	return nil, s.err
}

func TestLedgerErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"transient", &model.TransientError{Op: "deduct_one", Attempts: 3, Err: errors.New("unavailable")}, http.StatusServiceUnavailable, model.KindTransient},
		{"mismatch", &model.VerificationMismatchError{Expected: 4, Actual: 7}, http.StatusConflict, model.KindVerificationMismatch},
		{"not found", model.ErrNotFound, http.StatusNotFound, model.KindNotFound},
		{"corrupt account", model.ErrCorruptAccount, http.StatusInternalServerError, model.KindInternal},
		{"internal", errors.New("boom"), http.StatusInternalServerError, model.KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(stubLedger{err: tt.err}, zaptest.NewLogger(t))
			rec := httptest.NewRecorder()
			h.respondLedgerError(rec, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.kind, gjson.Get(rec.Body.String(), "type").String())
		})
	}

	rec := httptest.NewRecorder()
	NewHandler(stubLedger{}, zaptest.NewLogger(t)).respondLedgerError(rec, &model.VerificationMismatchError{Expected: 4, Actual: 7})
	assert.Equal(t, int64(7), gjson.Get(rec.Body.String(), "credits").Int())
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, Config{AllowedOrigins: []string{"https://app.example"}})

	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/credits/u1/deduct", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Authorization")

	req.Header.Set("Origin", "https://evil.example")
	resp, err = env.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{RateLimitRPS: 0.001, RateLimitBurst: 2})

	for i := 0; i < 2; i++ {
		status, _ := env.do(t, http.MethodGet, "/api/credits/u1", "", "")
		assert.Equal(t, http.StatusUnauthorized, status)
	}
	status, _ := env.do(t, http.MethodGet, "/api/credits/u1", "", "")
	assert.Equal(t, http.StatusTooManyRequests, status)

	status, _ = env.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.do(t, http.MethodGet, "/health", "", "")

	status, body := env.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "cinecredit_http_requests_total")
}

func TestStream(t *testing.T) {
	env := newTestEnv(t, Config{})
	tok := env.token(t, "u1")

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/credits/u1/stream?access_token=" + tok
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	read := func() state.Snapshot {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var snap state.Snapshot
		require.NoError(t, conn.ReadJSON(&snap))
		return snap
	}

	assert.Equal(t, state.Snapshot{Credits: 50}, read())

	status, _ := env.do(t, http.MethodPost, "/api/credits/u1/deduct", tok, "")
	require.Equal(t, http.StatusOK, status)

	var snap state.Snapshot
	for snap.Credits != 49 {
		snap = read()
	}
	assert.Equal(t, int64(49), snap.Credits)
}

func TestStream_RequiresSession(t *testing.T) {
	env := newTestEnv(t, Config{})

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/credits/u1/stream"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	assert.Equal(t, model.KindAuth, body["type"])
}
