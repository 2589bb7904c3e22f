package registry

import "sync"

// pairKey is the unordered (challenger, opponent) pair.
type pairKey struct{ a, b string }

func pairOf(x, y string) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

// pairLocks hands out one mutex per unordered player pair so that the
// "opponent is still available" check-then-act runs exclusively per pair.
// Locks are refcounted and dropped from the map when idle.
type pairLocks struct {
	mu    sync.Mutex
	locks map[pairKey]*pairLock
}

func newPairLocks() *pairLocks {
	return &pairLocks{locks: make(map[pairKey]*pairLock)}
}

func (p *pairLocks) lock(x, y string) (unlock func()) {
	k := pairOf(x, y)

	p.mu.Lock()
	l := p.locks[k]
	if l == nil {
		l = &pairLock{}
		p.locks[k] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, k)
		}
		p.mu.Unlock()
	}
}
