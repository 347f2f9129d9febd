package wallet

import (
	"sync"

	"github.com/ecohub/rewards/internal/infra/observability"
)

// lockRegistry hands out one mutex per account. Entries are reference
// counted and removed once no goroutine holds or waits on them, so the map
// only grows with concurrently active accounts.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[string]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[string]*accountLock)}
}

// lock blocks until the account's mutex is held and returns its release func.
func (r *lockRegistry) lock(accountID string) (unlock func()) {
	r.mu.Lock()
	l, ok := r.locks[accountID]
	if !ok {
		l = &accountLock{}
		r.locks[accountID] = l
		observability.WalletActiveLocks.Inc()
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, accountID)
			observability.WalletActiveLocks.Dec()
		}
		r.mu.Unlock()
	}
}

// size reports how many accounts currently have a registry entry.
func (r *lockRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
