package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cinecredit/internal/state"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Mirrors hands out per-user state mirrors.
type Mirrors interface {
	Mirror(ctx context.Context, userID string) (*state.Store, error)
	Release(userID string)
}

type StreamHandler struct {
	mirrors  Mirrors
	upgrader websocket.Upgrader
	logger   *zap.Logger
	ledger   *Handler
}

func NewStreamHandler(mirrors Mirrors, allowedOrigins []string, ledger *Handler, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		mirrors: mirrors,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
		ledger: ledger,
	}
}

// Stream sends the user's mirror snapshot on connect and after every change.
// Under backpressure intermediate snapshots are coalesced; the latest always
// gets through.
func (s *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	store, err := s.mirrors.Mirror(r.Context(), userID)
	if err != nil {
		s.ledger.respondLedgerError(w, err)
		return
	}
	defer s.mirrors.Release(userID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	defer conn.Close()

	updates := make(chan state.Snapshot, 1)
	push := func(snap state.Snapshot) {
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- snap:
		default:
		}
	}
	cancel := store.Observe(push)
	defer cancel()
	push(store.Snapshot())

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case snap := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				s.logger.Debug("websocket write failed", zap.String("user_id", userID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	if len(allowedOrigins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
