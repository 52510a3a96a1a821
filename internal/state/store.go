// Package state holds the local mirror of a user's credit balance. It never
// computes balances: values arrive from ledger calls and the ledger's push
// subscription.
package state

import "sync"

// Snapshot is the observable state of one mirror.
type Snapshot struct {
	Credits int64  `json:"credits"`
	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
}

// Action mutates a snapshot. Only the constructors below produce actions.
type Action struct {
	name  string
	apply func(*Snapshot)
}

func (a Action) Name() string { return a.name }

func SetCredits(credits int64) Action {
	return Action{name: "setCredits", apply: func(s *Snapshot) { s.Credits = credits }}
}

func SetLoading(loading bool) Action {
	return Action{name: "setLoading", apply: func(s *Snapshot) { s.Loading = loading }}
}

func SetError(msg string) Action {
	return Action{name: "setError", apply: func(s *Snapshot) { s.Error = msg }}
}

// Store is a reactive container updated by Dispatch. Observers run
// synchronously, in registration order, after every dispatch.
type Store struct {
	mu        sync.Mutex
	state     Snapshot
	observers map[int]func(Snapshot)
	order     []int
	nextID    int
}

func NewStore() *Store {
	return &Store{observers: map[int]func(Snapshot){}}
}

// Dispatch applies actions atomically and notifies observers once.
func (s *Store) Dispatch(actions ...Action) Snapshot {
	s.mu.Lock()
	for _, a := range actions {
		if a.apply != nil {
			a.apply(&s.state)
		}
	}
	snap := s.state
	observers := make([]func(Snapshot), 0, len(s.order))
	for _, id := range s.order {
		observers = append(observers, s.observers[id])
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
	return snap
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Observe registers fn and returns a function removing it.
func (s *Store) Observe(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	s.order = append(s.order, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.observers, id)
			for i, v := range s.order {
				if v == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
		})
	}
}
