package keys

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
)

// State is where a user is in the unlock cycle.
type State int

const (
	Locked State = iota
	Unlocking
	Unlocked
)

func (s State) String() string {
	switch s {
	case Unlocking:
		return "unlocking"
	case Unlocked:
		return "unlocked"
	default:
		return "locked"
	}
}

// UnlockCache holds the data keys of users who proved their password in
// this process. Entries live until logout, lock, or process exit; they are
// never persisted.
type UnlockCache struct {
	mu        sync.RWMutex
	deks      map[string][]byte
	unlocking map[string]struct{}

	users userLocks
}

func NewUnlockCache() *UnlockCache {
	return &UnlockCache{
		deks:      make(map[string][]byte),
		unlocking: make(map[string]struct{}),
		users:     userLocks{locks: make(map[string]*userLock)},
	}
}

// DEK returns a copy of the user's data key, or common.ErrSessionExpired
// when the user is not unlocked.
func (c *UnlockCache) DEK(userID string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dek, ok := c.deks[userID]
	if !ok {
		return nil, common.ErrSessionExpired
	}
	out := make([]byte, len(dek))
	copy(out, dek)
	return out, nil
}

func (c *UnlockCache) IsUnlocked(userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.deks[userID]
	return ok
}

func (c *UnlockCache) State(userID string) State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.deks[userID]; ok {
		return Unlocked
	}
	if _, ok := c.unlocking[userID]; ok {
		return Unlocking
	}
	return Locked
}

// Count is the number of unlocked users.
func (c *UnlockCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.deks)
}

// Clear wipes every entry.
func (c *UnlockCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, dek := range c.deks {
		common.WipeByteArray(dek)
		delete(c.deks, id)
	}
}

func (c *UnlockCache) put(userID string, dek []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.deks[userID]; ok {
		common.WipeByteArray(old)
	}
	own := make([]byte, len(dek))
	copy(own, dek)
	c.deks[userID] = own
}

func (c *UnlockCache) remove(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	dek, ok := c.deks[userID]
	if ok {
		common.WipeByteArray(dek)
		delete(c.deks, userID)
	}
	return ok
}

func (c *UnlockCache) setUnlocking(userID string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.unlocking[userID] = struct{}{}
	} else {
		delete(c.unlocking, userID)
	}
}

// acquire takes the per-user lock that serializes unwrap, re-wrap, lock and
// logout for one user. It gives up when ctx is done.
func (c *UnlockCache) acquire(ctx context.Context, userID string) (func(), error) {
	return c.users.lock(ctx, userID)
}

type userLock struct {
	ch   chan struct{}
	refs int
}

// userLocks is a mutex per user id. Entries are dropped once nobody holds
// or waits for them.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

func (u *userLocks) lock(ctx context.Context, key string) (func(), error) {
	u.mu.Lock()
	l, ok := u.locks[key]
	if !ok {
		l = &userLock{ch: make(chan struct{}, 1)}
		u.locks[key] = l
	}
	l.refs++
	u.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			u.release(key, l)
		}, nil
	case <-ctx.Done():
		u.release(key, l)
		return nil, ctx.Err()
	}
}

func (u *userLocks) release(key string, l *userLock) {
	u.mu.Lock()
	defer u.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(u.locks, key)
	}
}

func (u *userLocks) size() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.locks)
}
