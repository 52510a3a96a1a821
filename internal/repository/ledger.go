package repository

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cinecredit/internal/model"
)

var (
	//go:embed create.lua
	createLuaScript string
	//go:embed deduct.lua
	deductLuaScript string
	//go:embed add.lua
	addLuaScript string

	createScript = redis.NewScript(createLuaScript)
	deductScript = redis.NewScript(deductLuaScript)
	addScript    = redis.NewScript(addLuaScript)
)

// LedgerRepo keeps one Redis hash per user ("users:{id}") as the primary
// store. Postgres holds the durable mirror written by the worker and is only
// read to warm Redis up after a cold start.
type LedgerRepo struct {
	redisClient *redis.Client
	dbPool      *pgxpool.Pool
	bus         MessageBus
	logger      *zap.Logger
}

// NewLedgerRepo builds the repository. db and bus may be nil.
func NewLedgerRepo(rdb *redis.Client, db *pgxpool.Pool, bus MessageBus, logger *zap.Logger) *LedgerRepo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerRepo{
		redisClient: rdb,
		dbPool:      db,
		bus:         bus,
		logger:      logger,
	}
}

func accountKey(userID string) string { return "users:" + userID }

func changeChannel(userID string) string { return "credits:" + userID }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// Get returns the account, warming the cache from Postgres when Redis has no
// record. model.ErrNotFound means neither store knows the user.
func (r *LedgerRepo) Get(ctx context.Context, userID string) (*model.Account, error) {
	fields, err := r.redisClient.HGetAll(ctx, accountKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read account: %w", err)
	}
	if len(fields) > 0 {
		return decodeAccount(userID, fields)
	}

	if err := r.warmUpCache(ctx, userID); err != nil {
		return nil, err
	}

	fields, err = r.redisClient.HGetAll(ctx, accountKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read account after warmup: %w", err)
	}
	if len(fields) == 0 {
		return nil, model.ErrNotFound
	}
	return decodeAccount(userID, fields)
}

// Create seeds the account with credits unless it already exists, in which
// case the existing record is returned with created=false.
func (r *LedgerRepo) Create(ctx context.Context, userID string, credits int64, now time.Time) (*model.Account, bool, error) {
	acc, err := r.Get(ctx, userID)
	if err == nil {
		return acc, false, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, false, err
	}

	ts := formatTime(now)
	res, err := createScript.Run(ctx, r.redisClient,
		[]string{accountKey(userID)},
		credits, ts, ts, changeChannel(userID),
	).Int64Slice()
	if err != nil {
		return nil, false, fmt.Errorf("error executing create script: %w", err)
	}
	if len(res) < 2 {
		return nil, false, errors.New("unexpected response format from Redis")
	}

	if res[0] == 0 {
		// Lost the race against a concurrent initializer.
		acc, err := r.Get(ctx, userID)
		return acc, false, err
	}

	r.publishEvent(userID, model.EventInitialized, res[1], res[1], now)
	at := now.UTC()
	return &model.Account{
		UserID:         userID,
		Credits:        res[1],
		CreatedAt:      at,
		UpdatedAt:      at,
		LastRefillDate: at,
	}, true, nil
}

// DeductOne atomically decrements the balance when it is positive.
func (r *LedgerRepo) DeductOne(ctx context.Context, userID string, now time.Time) (int64, error) {
	res, err := deductScript.Run(ctx, r.redisClient,
		[]string{accountKey(userID)},
		formatTime(now), changeChannel(userID),
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("error executing deduct script: %w", err)
	}
	if len(res) < 2 {
		return 0, errors.New("unexpected response format from Redis")
	}

	switch res[0] {
	case 1:
		r.publishEvent(userID, model.EventDeducted, -1, res[1], now)
		return res[1], nil
	case -1:
		return 0, model.ErrNotFound
	case -2:
		return res[1], model.ErrInsufficientCredits
	case -3:
		return 0, fmt.Errorf("%w: users:%s", model.ErrCorruptAccount, userID)
	default:
		return 0, fmt.Errorf("unknown status from Lua: %d", res[0])
	}
}

// Add atomically increments the balance by amount.
func (r *LedgerRepo) Add(ctx context.Context, userID string, amount int64, now time.Time) (int64, error) {
	res, err := addScript.Run(ctx, r.redisClient,
		[]string{accountKey(userID)},
		amount, formatTime(now), changeChannel(userID),
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("error executing add script: %w", err)
	}
	if len(res) < 2 {
		return 0, errors.New("unexpected response format from Redis")
	}

	switch res[0] {
	case 1:
		r.publishEvent(userID, model.EventAdded, amount, res[1], now)
		return res[1], nil
	case -1:
		return 0, model.ErrNotFound
	default:
		return 0, fmt.Errorf("unknown status from Lua: %d", res[0])
	}
}

// WatchAll delivers every balance committed by the scripts above to fn, over
// one pattern subscription for all users, in the order Redis executed them,
// until the returned stop function is called.
func (r *LedgerRepo) WatchAll(ctx context.Context, fn func(userID string, credits int64)) (func(), error) {
	pubsub := r.redisClient.PSubscribe(ctx, changeChannel("*"))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", changeChannel("*"), err)
	}

	ch := pubsub.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ch {
			userID := strings.TrimPrefix(msg.Channel, changeChannel(""))
			credits, err := strconv.ParseInt(msg.Payload, 10, 64)
			if err != nil {
				r.logger.Error("credits feed: bad payload",
					zap.String("user_id", userID),
					zap.String("payload", msg.Payload),
					zap.Error(err),
				)
				continue
			}
			fn(userID, credits)
		}
	}()

	return func() {
		_ = pubsub.Close()
		<-done
	}, nil
}

// warmUpCache fetches the balance from Postgres and puts it into Redis.
func (r *LedgerRepo) warmUpCache(ctx context.Context, userID string) error {
	if r.dbPool == nil {
		return model.ErrNotFound
	}

	var (
		credits              int64
		createdAt, updatedAt time.Time
	)
	query := `SELECT credits, created_at, updated_at FROM accounts WHERE user_id = $1`
	err := r.dbPool.QueryRow(ctx, query, userID).Scan(&credits, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("database query error: %w", err)
	}

	r.logger.Info("cold start, warming cache from postgres",
		zap.String("user_id", userID),
		zap.Int64("credits", credits),
	)

	// Create-if-absent so a concurrent writer that got there first wins.
	err = createScript.Run(ctx, r.redisClient,
		[]string{accountKey(userID)},
		credits, formatTime(createdAt), formatTime(updatedAt), changeChannel(userID),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to save balance to Redis: %w", err)
	}
	return nil
}

func (r *LedgerRepo) publishEvent(userID string, kind model.EventKind, delta, balance int64, at time.Time) {
	if r.bus == nil {
		return
	}
	event := model.CreditEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Delta:     delta,
		Balance:   balance,
		CreatedAt: at.UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("marshal credit event", zap.Error(err))
		return
	}
	if err := r.bus.Publish(TopicCreditEvents, data); err != nil {
		r.logger.Warn("publish credit event",
			zap.String("user_id", userID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}

func decodeAccount(userID string, fields map[string]string) (*model.Account, error) {
	credits, err := strconv.ParseInt(fields["credits"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", model.ErrCorruptAccount, fields["credits"], err)
	}
	return &model.Account{
		UserID:            userID,
		Credits:           credits,
		CreatedAt:         parseTime(fields["createdAt"]),
		UpdatedAt:         parseTime(fields["updatedAt"]),
		LastRefillDate:    parseTime(fields["lastRefillDate"]),
		LastDeductionTime: parseTime(fields["lastDeductionTime"]),
		LastPurchaseTime:  parseTime(fields["lastPurchaseTime"]),
	}, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
