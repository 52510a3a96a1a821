package state

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Source is the part of the ledger a mirror reads from.
type Source interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	Subscribe(ctx context.Context, userID string, onChange func(credits int64)) (func(), error)
}

type entry struct {
	store       *Store
	refs        int
	unsubscribe func()

	// ready is closed once the first Mirror call has wired the store or
	// failed with err.
	ready chan struct{}
	err   error
}

// Registry owns one mirror per user. Mirrors are reference counted: the
// ledger subscription is released with the last Release call.
type Registry struct {
	source Source
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry(source Source, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		source:  source,
		logger:  logger,
		entries: map[string]*entry{},
	}
}

// Mirror returns userID's store, subscribing it to the ledger on first use
// and loading the current balance. Concurrent callers wait for that first
// load. Every successful call must be paired with Release.
func (r *Registry) Mirror(ctx context.Context, userID string) (*Store, error) {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if ok {
		e.refs++
		r.mu.Unlock()
		return r.await(ctx, e)
	}
	e = &entry{store: NewStore(), refs: 1, ready: make(chan struct{})}
	r.entries[userID] = e
	r.mu.Unlock()

	unsubscribe, err := r.source.Subscribe(ctx, userID, func(credits int64) {
		r.Apply(userID, credits)
	})
	if err != nil {
		r.abandon(userID, e, err)
		return nil, err
	}

	r.mu.Lock()
	e.unsubscribe = unsubscribe
	r.mu.Unlock()

	e.store.Dispatch(SetLoading(true))
	credits, err := r.source.GetBalance(ctx, userID)
	if err != nil {
		e.store.Dispatch(SetLoading(false), SetError(err.Error()))
		r.abandon(userID, e, err)
		return nil, err
	}
	e.store.Dispatch(SetCredits(credits), SetLoading(false), SetError(""))
	close(e.ready)
	return e.store, nil
}

func (r *Registry) await(ctx context.Context, e *entry) (*Store, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		// The loader still holds its own reference, so this never drops
		// the entry.
		r.mu.Lock()
		e.refs--
		r.mu.Unlock()
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.store, nil
}

// abandon removes an entry whose first load failed and wakes its waiters.
func (r *Registry) abandon(userID string, e *entry, err error) {
	r.mu.Lock()
	if r.entries[userID] == e {
		delete(r.entries, userID)
	}
	e.err = err
	unsubscribe := e.unsubscribe
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	close(e.ready)
}

// Apply pushes an authoritative balance into userID's mirror, if any. A
// value the mirror already shows is not dispatched again.
func (r *Registry) Apply(userID string, credits int64) {
	r.mu.Lock()
	e, ok := r.entries[userID]
	r.mu.Unlock()
	if !ok {
		return
	}
	if snap := e.store.Snapshot(); !snap.Loading && snap.Error == "" && snap.Credits == credits {
		return
	}
	e.store.Dispatch(SetCredits(credits), SetError(""))
}

// Dispatch forwards actions to userID's mirror. It reports whether a mirror
// exists.
func (r *Registry) Dispatch(userID string, actions ...Action) bool {
	r.mu.Lock()
	e, ok := r.entries[userID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.store.Dispatch(actions...)
	return true
}

// Release drops one reference to userID's mirror.
func (r *Registry) Release(userID string) {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, userID)
	unsubscribe := e.unsubscribe
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	r.logger.Debug("credit mirror released", zap.String("user_id", userID))
}

// Len reports the number of live mirrors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close releases every mirror regardless of references.
func (r *Registry) Close() {
	r.mu.Lock()
	handles := make([]func(), 0, len(r.entries))
	for id, e := range r.entries {
		if e.unsubscribe != nil {
			handles = append(handles, e.unsubscribe)
		}
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, unsubscribe := range handles {
		unsubscribe()
	}
}
