package ledger

import (
	"context"
	"sync"
)

// userLocks serializes mutations per user. Entries exist only while held or awaited.
type userLocks struct {
	mutex   sync.Mutex
	entries map[string]*userLock
}

type userLock struct {
	token   chan struct{}
	holders int
}

func newUserLocks() *userLocks {
	return &userLocks{entries: make(map[string]*userLock)}
}

// acquire blocks until the user's lock is free or ctx is done.
func (locks *userLocks) acquire(ctx context.Context, userID UserID) (func(), error) {
	key := userID.String()
	locks.mutex.Lock()
	entry, ok := locks.entries[key]
	if !ok {
		entry = &userLock{token: make(chan struct{}, 1)}
		locks.entries[key] = entry
	}
	entry.holders++
	locks.mutex.Unlock()

	select {
	case entry.token <- struct{}{}:
	case <-ctx.Done():
		locks.forget(key, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.token
			locks.forget(key, entry)
		})
	}, nil
}

func (locks *userLocks) forget(key string, entry *userLock) {
	locks.mutex.Lock()
	defer locks.mutex.Unlock()
	entry.holders--
	if entry.holders == 0 {
		delete(locks.entries, key)
	}
}

func (locks *userLocks) size() int {
	locks.mutex.Lock()
	defer locks.mutex.Unlock()
	return len(locks.entries)
}
