package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"cinecredit/internal/model"
	"cinecredit/internal/repository"
)

// Recorder persists a credit event.
type Recorder interface {
	Record(ctx context.Context, event model.CreditEvent) error
}

// TransactionWorker listens on the credit events topic and persists every
// event to PostgreSQL.
type TransactionWorker struct {
	recorder Recorder
	natsConn *nats.Conn
	logger   *zap.Logger
}

func NewTransactionWorker(recorder Recorder, nc *nats.Conn, logger *zap.Logger) *TransactionWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionWorker{
		recorder: recorder,
		natsConn: nc,
		logger:   logger,
	}
}

// Run subscribes to the events topic and blocks until ctx is cancelled.
func (w *TransactionWorker) Run(ctx context.Context) error {
	// Each event goes to exactly one worker in the group.
	sub, err := w.natsConn.QueueSubscribe(repository.TopicCreditEvents, "worker_group", func(m *nats.Msg) {
		_ = w.handle(ctx, m.Data)
	})
	if err != nil {
		return fmt.Errorf("worker: failed to subscribe to NATS: %w", err)
	}

	w.logger.Info("credit event worker is running")

	<-ctx.Done()

	w.logger.Info("worker received shutdown signal, draining subscription...")
	return sub.Drain()
}

func (w *TransactionWorker) handle(ctx context.Context, data []byte) error {
	var event model.CreditEvent
	if err := json.Unmarshal(data, &event); err != nil {
		w.logger.Error("worker: failed to unmarshal nats message", zap.Error(err))
		return err
	}
	if event.ID == "" || event.UserID == "" {
		err := errors.New("worker: event missing id or user id")
		w.logger.Error("worker: invalid credit event", zap.Error(err))
		return err
	}

	if err := w.recorder.Record(ctx, event); err != nil {
		w.logger.Error("worker: failed to record credit event",
			zap.String("event_id", event.ID),
			zap.String("user_id", event.UserID),
			zap.Error(err),
		)
		return err
	}

	w.logger.Debug("worker: credit event recorded",
		zap.String("event_id", event.ID),
		zap.String("user_id", event.UserID),
		zap.String("kind", string(event.Kind)),
	)
	return nil
}

// Start implements the infrastructure.Server interface.
func (w *TransactionWorker) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (w *TransactionWorker) Stop(ctx context.Context) error {
	return nil
}
