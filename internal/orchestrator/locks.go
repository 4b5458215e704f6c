package orchestrator

import "sync"

// pairLocks serializes work per (agent, entity) key. Locks are created
// lazily and never removed; the population is bounded by the number of
// watched pairs.
type pairLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPairLocks() *pairLocks {
	return &pairLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the lock for key and returns its unlock function.
func (p *pairLocks) Lock(key string) func() {
	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}
