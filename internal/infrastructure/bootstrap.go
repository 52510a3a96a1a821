package infrastructure

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"cinecredit/internal/config"
	"cinecredit/internal/relay"
	"cinecredit/internal/repository"
	"cinecredit/internal/retry"
	"cinecredit/internal/service"
	"cinecredit/internal/session"
	"cinecredit/internal/state"
	transportGRPC "cinecredit/internal/transport/grpc"
	transportHTTP "cinecredit/internal/transport/http"
	transportNATS "cinecredit/internal/transport/nats"
	"cinecredit/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the application.
// Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, func(), error) {
	var cleanupFns []func()

	db, err := connectPostgres(ctx, cfg.DSN())
	if err != nil {
		return nil, nil, err
	}
	cleanupFns = append(cleanupFns, db.Close)

	rdb, err := connectRedis(ctx, cfg.RedisAddr())
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })

	// ── Infrastructure wiring ──────────────────────────────────────────────────
	var nc *nats.Conn
	if cfg.BusProvider == "nats" || cfg.WorkerProvider == "nats" {
		nc, err = connectNats(cfg.NatsAddr(), logger)
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		cleanupFns = append(cleanupFns, nc.Close)
	}

	// 1. Bus setup
	var bus repository.MessageBus
	switch cfg.BusProvider {
	case "nats":
		bus = transportNATS.NewBus(nc)
	case "grpc":
		grpcBus, cleanup, err := transportGRPC.NewGrpcBusFromAddr(cfg.GRPCAddr(), cfg.BusBufferSize, logger)
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		bus = grpcBus
		cleanupFns = append(cleanupFns, cleanup)
	}

	// 2. Ledger and the local mirrors it feeds
	repo := repository.NewLedgerRepo(rdb, db, bus, logger)
	ledger := service.NewLedger(repo, logger,
		service.WithInitialCredits(cfg.InitialCredits),
		service.WithRetryPolicy(retry.Policy{
			Attempts:  retry.DefaultAttempts,
			BaseDelay: cfg.RetryBaseDelay,
			Logger:    logger,
		}),
	)
	registry := state.NewRegistry(ledger, logger)
	ledger.SetChangeHook(registry.Apply)
	cleanupFns = append(cleanupFns, ledger.Close, registry.Close)

	// 3. Event persistence
	recorder := worker.NewPostgresRecorder(db)
	var servers []Server
	var sink transportGRPC.EventSink
	switch cfg.WorkerProvider {
	case "nats":
		servers = append(servers, worker.NewTransactionWorker(recorder, nc, logger))
	case "grpc":
		// The gRPC server acts as the worker (handled in Server.Publish).
		sink = recorder
	}

	// 4. Transports
	if nc != nil {
		servers = append(servers, transportNATS.NewHandler(ledger, nc, logger))
	}
	servers = append(servers, transportGRPC.NewServer(cfg.GRPCListenAddr(), ledger, sink, logger))

	var cache relay.Cache
	if cfg.RelayCacheTTL > 0 {
		cache = relay.NewRedisCache(rdb, cfg.RelayCacheTTL)
	}
	gateway := relay.NewGateway(relay.GatewayConfig{
		BaseURL: cfg.AIBaseURL,
		APIKey:  cfg.AIAPIKey,
		Model:   cfg.AIModel,
	}, logger)
	chat := relay.NewHandler(gateway, cache, relay.HandlerConfig{
		MaxTokens:   cfg.AIMaxTokens,
		Passthrough: cfg.RelayPassthrough,
	}, logger)

	httpCfg := transportHTTP.Config{
		Addr:           cfg.ApiAddr(),
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}
	router := transportHTTP.NewRouter(httpCfg, ledger, registry, chat, session.NewVerifier(cfg.JWTSecret), logger)
	servers = append(servers, transportHTTP.NewServer(httpCfg, router, logger))

	return NewApp(servers, logger), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
