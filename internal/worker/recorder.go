package worker

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"cinecredit/internal/model"
)

// TxBeginner is satisfied by *pgxpool.Pool and pgx.Tx.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRecorder appends credit events to the audit table and keeps the
// accounts mirror used for cache warm-up in step.
type PostgresRecorder struct {
	db TxBeginner
}

func NewPostgresRecorder(db TxBeginner) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

// Record is idempotent on event.ID: redelivered events are ignored.
func (r *PostgresRecorder) Record(ctx context.Context, event model.CreditEvent) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO credit_events (id, user_id, kind, delta, balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		event.ID, event.UserID, string(event.Kind), event.Delta, event.Balance, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert credit event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO accounts (user_id, credits, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET credits = EXCLUDED.credits, updated_at = EXCLUDED.updated_at
		WHERE accounts.updated_at <= EXCLUDED.updated_at`,
		event.UserID, event.Balance, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}

	return tx.Commit(ctx)
}
