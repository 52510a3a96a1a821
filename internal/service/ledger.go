package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"cinecredit/internal/metrics"
	"cinecredit/internal/model"
	"cinecredit/internal/retry"
	"cinecredit/internal/session"
)

// LedgerService defines the business operations for the credit ledger.
// All transport layers (HTTP, gRPC, NATS) depend on this interface, not on the concrete type.
type LedgerService interface {
	InitializeBalance(ctx context.Context, userID string) (int64, error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	DeductOne(ctx context.Context, userID string) (int64, error)
	AddCredits(ctx context.Context, userID string, amount int64) (int64, error)
	Subscribe(ctx context.Context, userID string, onChange func(credits int64)) (func(), error)
}

// AccountStore is the remote document store holding one record per user.
type AccountStore interface {
	Get(ctx context.Context, userID string) (*model.Account, error)
	Create(ctx context.Context, userID string, credits int64, now time.Time) (*model.Account, bool, error)
	DeductOne(ctx context.Context, userID string, now time.Time) (int64, error)
	Add(ctx context.Context, userID string, amount int64, now time.Time) (int64, error)
	// WatchAll delivers every committed balance of every user, in commit
	// order per user, over a single feed until stop is called.
	WatchAll(ctx context.Context, fn func(userID string, credits int64)) (stop func(), err error)
}

// ChangeFunc receives balance pushes for a user.
type ChangeFunc func(userID string, credits int64)

var errLedgerClosed = errors.New("ledger closed")

type subscriber struct {
	onChange    func(int64)
	once        sync.Once
	unsubscribe func()

	mu     sync.Mutex
	active bool
}

func (s *subscriber) deliver(credits int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.onChange(credits)
	}
}

// Ledger is the only component that mutates balances.
type Ledger struct {
	store          AccountStore
	policy         retry.Policy
	logger         *zap.Logger
	initialCredits int64
	now            func() time.Time

	hookMu sync.RWMutex
	hook   ChangeFunc

	// One change feed serves every user; feedGroup collapses concurrent
	// attempts to open it.
	feedGroup singleflight.Group
	feedMu    sync.Mutex
	stopFeed  func()
	closed    bool

	mu          sync.Mutex
	subscribers map[string]*subscriber
}

type Option func(*Ledger)

func WithRetryPolicy(p retry.Policy) Option {
	return func(l *Ledger) { l.policy = p }
}

func WithInitialCredits(n int64) Option {
	return func(l *Ledger) { l.initialCredits = n }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(store AccountStore, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		store:          store,
		policy:         retry.Default(logger),
		logger:         logger,
		initialCredits: model.InitialCredits,
		now:            time.Now,
		subscribers:    map[string]*subscriber{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.policy.Logger == nil {
		l.policy.Logger = logger
	}
	return l
}

// SetChangeHook sets where the change feed opened by
// InitializeBalance/GetBalance pushes every user's balance, and where
// verification mismatches resync to.
func (l *Ledger) SetChangeHook(fn ChangeFunc) {
	l.hookMu.Lock()
	l.hook = fn
	l.hookMu.Unlock()
}

func (l *Ledger) notify(userID string, credits int64) {
	l.hookMu.RLock()
	fn := l.hook
	l.hookMu.RUnlock()
	if fn != nil {
		fn(userID, credits)
	}
}

// InitializeBalance returns the existing balance, or seeds a new record with
// the initial credits.
func (l *Ledger) InitializeBalance(ctx context.Context, userID string) (int64, error) {
	const op = "initialize_balance"
	if err := l.authorize(ctx, userID); err != nil {
		return 0, l.fail(op, userID, err)
	}

	var credits int64
	err := l.policy.Do(ctx, op, func(ctx context.Context) error {
		acc, created, err := l.store.Create(ctx, userID, l.initialCredits, l.now())
		if err != nil {
			return err
		}
		if created {
			l.logger.Info("credits initialized",
				zap.String("user_id", userID),
				zap.Int64("credits", acc.Credits),
			)
		}
		credits = acc.Credits
		return nil
	})
	if err != nil {
		return 0, l.fail(op, userID, err)
	}

	l.ensureFeed(ctx, userID)
	metrics.RecordLedgerOp(op, "ok")
	return credits, nil
}

// GetBalance returns the current balance, creating the record lazily.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (int64, error) {
	const op = "get_balance"
	if userID == "" {
		l.logger.Warn("get_balance called without user id")
		return 0, nil
	}
	if err := l.authorize(ctx, userID); err != nil {
		return 0, l.fail(op, userID, err)
	}

	var credits int64
	err := l.policy.Do(ctx, op, func(ctx context.Context) error {
		acc, err := l.store.Get(ctx, userID)
		if err != nil {
			return err
		}
		credits = acc.Credits
		return nil
	})
	if errors.Is(err, model.ErrNotFound) {
		return l.InitializeBalance(ctx, userID)
	}
	if err != nil {
		return 0, l.fail(op, userID, err)
	}

	l.ensureFeed(ctx, userID)
	metrics.RecordLedgerOp(op, "ok")
	return credits, nil
}

// DeductOne takes one credit. The decrement is a single conditional write in
// the store; it is not retried since it is not idempotent. A read-back
// verifies the result: on mismatch the write stands, the change hook is
// resynced to the observed value and a *model.VerificationMismatchError is
// returned so the caller does not trust the local value.
func (l *Ledger) DeductOne(ctx context.Context, userID string) (int64, error) {
	const op = "deduct_one"
	if err := l.authorize(ctx, userID); err != nil {
		return 0, l.fail(op, userID, err)
	}

	newBalance, err := l.store.DeductOne(ctx, userID, l.now())
	if err != nil {
		if !model.IsPermanent(err) {
			err = &model.TransientError{Op: op, Attempts: 1, Err: err}
		}
		return 0, l.fail(op, userID, err)
	}

	var verified int64
	err = l.policy.Do(ctx, op+"_verify", func(ctx context.Context) error {
		acc, err := l.store.Get(ctx, userID)
		if err != nil {
			return err
		}
		verified = acc.Credits
		return nil
	})
	if err != nil {
		return 0, l.fail(op, userID, err)
	}

	if verified != newBalance {
		l.notify(userID, verified)
		return 0, l.fail(op, userID, &model.VerificationMismatchError{Expected: newBalance, Actual: verified})
	}

	metrics.RecordLedgerOp(op, "ok")
	return newBalance, nil
}

// AddCredits increments the balance with the store's atomic increment. Only
// service sessions (the purchase flow, bus commands, gRPC peers) may add
// credits.
func (l *Ledger) AddCredits(ctx context.Context, userID string, amount int64) (int64, error) {
	const op = "add_credits"
	if err := session.RequireService(ctx); err != nil {
		return 0, l.fail(op, userID, err)
	}
	if userID == "" {
		return 0, l.fail(op, userID, model.ValidationError("userId", "is required"))
	}
	if amount <= 0 {
		return 0, l.fail(op, userID, model.ValidationError("amount", "must be positive"))
	}

	var balance int64
	add := func(ctx context.Context) error {
		b, err := l.store.Add(ctx, userID, amount, l.now())
		if err != nil {
			return err
		}
		balance = b
		return nil
	}

	err := l.policy.Do(ctx, op, add)
	if errors.Is(err, model.ErrNotFound) {
		if _, err = l.InitializeBalance(ctx, userID); err == nil {
			err = l.policy.Do(ctx, op, add)
		}
	}
	if err != nil {
		return 0, l.fail(op, userID, err)
	}

	l.logger.Info("credits added",
		zap.String("user_id", userID),
		zap.Int64("amount", amount),
		zap.Int64("balance", balance),
	)
	metrics.RecordLedgerOp(op, "ok")
	return balance, nil
}

// Subscribe registers onChange for userID. Only one subscriber exists per
// user: later calls get the first subscriber's unsubscribe handle back and
// their callback is not registered. The handle is idempotent and, once it
// returns, onChange is not called again.
func (l *Ledger) Subscribe(ctx context.Context, userID string, onChange func(credits int64)) (func(), error) {
	const op = "subscribe"
	if err := l.authorize(ctx, userID); err != nil {
		return nil, l.fail(op, userID, err)
	}
	if err := l.openFeed(ctx); err != nil {
		return nil, l.fail(op, userID, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if sub, ok := l.subscribers[userID]; ok {
		return sub.unsubscribe, nil
	}

	sub := &subscriber{onChange: onChange, active: true}
	sub.unsubscribe = func() {
		sub.once.Do(func() {
			l.mu.Lock()
			if l.subscribers[userID] == sub {
				delete(l.subscribers, userID)
			}
			l.mu.Unlock()

			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		})
	}
	l.subscribers[userID] = sub
	return sub.unsubscribe, nil
}

func (l *Ledger) subscribed(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.subscribers[userID]
	return ok
}

// ensureFeed opens the change feed if it is not active yet.
func (l *Ledger) ensureFeed(ctx context.Context, userID string) {
	if err := l.openFeed(ctx); err != nil && !errors.Is(err, errLedgerClosed) {
		l.logger.Warn("credits change feed not established",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

func (l *Ledger) openFeed(ctx context.Context) error {
	l.feedMu.Lock()
	open, closed := l.stopFeed != nil, l.closed
	l.feedMu.Unlock()
	if closed {
		return errLedgerClosed
	}
	if open {
		return nil
	}

	_, err, _ := l.feedGroup.Do("feed", func() (interface{}, error) {
		l.feedMu.Lock()
		open := l.stopFeed != nil
		l.feedMu.Unlock()
		if open {
			return nil, nil
		}

		var stop func()
		err := l.policy.Do(ctx, "watch", func(ctx context.Context) error {
			var err error
			stop, err = l.store.WatchAll(context.WithoutCancel(ctx), l.deliver)
			return err
		})
		if err != nil {
			return nil, err
		}

		l.feedMu.Lock()
		defer l.feedMu.Unlock()
		if l.closed {
			stop()
			return nil, errLedgerClosed
		}
		l.stopFeed = stop
		return nil, nil
	})
	return err
}

// deliver fans a committed balance out to the user's subscriber, then to the
// change hook.
func (l *Ledger) deliver(userID string, credits int64) {
	l.mu.Lock()
	sub := l.subscribers[userID]
	l.mu.Unlock()
	if sub != nil {
		sub.deliver(credits)
	}
	l.notify(userID, credits)
}

// Close stops the change feed and drops every subscriber.
func (l *Ledger) Close() {
	l.feedMu.Lock()
	l.closed = true
	stop := l.stopFeed
	l.stopFeed = nil
	l.feedMu.Unlock()
	if stop != nil {
		stop()
	}

	l.mu.Lock()
	handles := make([]func(), 0, len(l.subscribers))
	for _, sub := range l.subscribers {
		handles = append(handles, sub.unsubscribe)
	}
	l.mu.Unlock()

	for _, unsubscribe := range handles {
		unsubscribe()
	}
}

func (l *Ledger) authorize(ctx context.Context, userID string) error {
	if userID == "" {
		return model.ValidationError("userId", "is required")
	}
	return session.Require(ctx, userID)
}

// fail logs err once at the operation boundary and returns it unchanged.
func (l *Ledger) fail(op, userID string, err error) error {
	kind := model.ErrorKind(err)
	fields := []zap.Field{
		zap.String("user_id", userID),
		zap.String("operation", op),
		zap.String("code", kind),
		zap.Error(err),
	}
	switch kind {
	case model.KindInsufficientCredits, model.KindValidation:
		l.logger.Info("ledger operation rejected", fields...)
	default:
		l.logger.Error("ledger operation failed", fields...)
	}
	metrics.RecordLedgerOp(op, kind)
	return err
}
