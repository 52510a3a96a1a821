// Package memory is an in-process account store with the same semantics as
// the Redis repository. It backs tests and local runs without Redis.
package memory

import (
	"context"
	"sync"
	"time"

	"cinecredit/internal/model"
)

type change struct {
	userID  string
	credits int64
}

type watcher struct {
	ch chan change
}

// Repository defines a memory account repository.
type Repository struct {
	sync.RWMutex
	data     map[string]*model.Account
	watchers map[*watcher]struct{}
}

// New creates a new memory repository.
func New() *Repository {
	return &Repository{
		data:     map[string]*model.Account{},
		watchers: map[*watcher]struct{}{},
	}
}

// Put stores acc as is, notifying watchers.
func (r *Repository) Put(_ context.Context, acc model.Account) {
	r.Lock()
	defer r.Unlock()
	a := acc
	r.data[acc.UserID] = &a
	r.notifyLocked(acc.UserID, acc.Credits)
}

func (r *Repository) Get(_ context.Context, userID string) (*model.Account, error) {
	r.RLock()
	defer r.RUnlock()

	acc, ok := r.data[userID]
	if !ok {
		return nil, model.ErrNotFound
	}
	out := *acc
	return &out, nil
}

func (r *Repository) Create(_ context.Context, userID string, credits int64, now time.Time) (*model.Account, bool, error) {
	r.Lock()
	defer r.Unlock()

	if acc, ok := r.data[userID]; ok {
		out := *acc
		return &out, false, nil
	}
	at := now.UTC()
	acc := &model.Account{
		UserID:         userID,
		Credits:        credits,
		CreatedAt:      at,
		UpdatedAt:      at,
		LastRefillDate: at,
	}
	r.data[userID] = acc
	r.notifyLocked(userID, credits)
	out := *acc
	return &out, true, nil
}

func (r *Repository) DeductOne(_ context.Context, userID string, now time.Time) (int64, error) {
	r.Lock()
	defer r.Unlock()

	acc, ok := r.data[userID]
	if !ok {
		return 0, model.ErrNotFound
	}
	if acc.Credits <= 0 {
		return acc.Credits, model.ErrInsufficientCredits
	}
	acc.Credits--
	acc.UpdatedAt = now.UTC()
	acc.LastDeductionTime = now.UTC()
	r.notifyLocked(userID, acc.Credits)
	return acc.Credits, nil
}

func (r *Repository) Add(_ context.Context, userID string, amount int64, now time.Time) (int64, error) {
	r.Lock()
	defer r.Unlock()

	acc, ok := r.data[userID]
	if !ok {
		return 0, model.ErrNotFound
	}
	acc.Credits += amount
	acc.UpdatedAt = now.UTC()
	acc.LastPurchaseTime = now.UTC()
	r.notifyLocked(userID, acc.Credits)
	return acc.Credits, nil
}

// WatchAll registers fn for every committed change of any balance.
func (r *Repository) WatchAll(_ context.Context, fn func(userID string, credits int64)) (func(), error) {
	w := &watcher{ch: make(chan change, 256)}

	r.Lock()
	r.watchers[w] = struct{}{}
	r.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for c := range w.ch {
			fn(c.userID, c.credits)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.Lock()
			delete(r.watchers, w)
			close(w.ch)
			r.Unlock()
			<-done
		})
	}, nil
}

// WatcherCount reports active change feeds.
func (r *Repository) WatcherCount() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.watchers)
}

func (r *Repository) notifyLocked(userID string, credits int64) {
	for w := range r.watchers {
		w.ch <- change{userID: userID, credits: credits}
	}
}
