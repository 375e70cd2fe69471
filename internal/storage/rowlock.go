package storage

import "sync"

// RowLockManager hands out per-key exclusive locks owned by a
// transaction id. try_lock is always non-blocking: a caller that loses
// a race gets LOCK_CONFLICT immediately rather than waiting, so no RM
// operation ever busy-waits on a lock.
type RowLockManager struct {
	mu    sync.Mutex
	owner map[string]string // key -> xid
}

// NewRowLockManager returns an empty lock table.
func NewRowLockManager() *RowLockManager {
	return &RowLockManager{owner: make(map[string]string)}
}

// TryLock attempts to acquire key for xid. It succeeds if the key is
// unlocked or already owned by xid (reentrance is a no-op); it fails
// if another xid holds the key.
func (l *RowLockManager) TryLock(xid, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if owner, held := l.owner[key]; held {
		return owner == xid
	}
	l.owner[key] = xid
	return true
}

// Release drops xid's ownership of key, if any.
func (l *RowLockManager) Release(xid, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner[key] == xid {
		delete(l.owner, key)
	}
}

// ReleaseAll releases every key owned by xid.
func (l *RowLockManager) ReleaseAll(xid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, owner := range l.owner {
		if owner == xid {
			delete(l.owner, key)
		}
	}
}

// HeldBy reports whether xid currently holds key.
func (l *RowLockManager) HeldBy(xid, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner[key] == xid
}

// OwnerOf returns the xid currently holding key, if any.
func (l *RowLockManager) OwnerOf(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.owner[key]
	return owner, ok
}
