package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"cinecredit/internal/metrics"
	"cinecredit/internal/relay"
	"cinecredit/internal/service"
)

type Config struct {
	Addr           string
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
}

type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewRouter assembles every HTTP route. Rate limiting and session
// authentication apply to /api only.
func NewRouter(cfg Config, svc service.LedgerService, mirrors Mirrors, chat *relay.Handler, verifier TokenVerifier, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := mux.NewRouter()
	r.Use(instrument(logger))

	r.HandleFunc("/health", chat.Health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	if cfg.RateLimitRPS > 0 {
		api.Use(newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger).middleware)
	}
	api.Use(authenticate(verifier))

	api.HandleFunc("/chat", chat.Chat).Methods(http.MethodPost)

	h := NewHandler(svc, logger)
	h.Register(api)

	stream := NewStreamHandler(mirrors, cfg.AllowedOrigins, h, logger)
	api.HandleFunc("/credits/{userId}/stream", stream.Stream).Methods(http.MethodGet)

	return corsHandler(cfg.AllowedOrigins, r)
}

func NewServer(cfg Config, handler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			// Gateway completions can take a while.
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("http server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
