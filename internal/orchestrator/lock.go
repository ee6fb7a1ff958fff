package orchestrator

import (
	"context"
	"sync"
)

// keyedLock is a set of mutexes addressed by application ID. Slots are created on
// demand and dropped once nobody holds or waits for them.
type keyedLock struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{slots: make(map[string]*lockSlot)}
}

func (l *keyedLock) acquire(key string) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot, ok := l.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	return slot
}

func (l *keyedLock) release(key string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

// TryLock takes the lock for key without waiting. The returned func unlocks it.
func (l *keyedLock) TryLock(key string) (func(), bool) {
	slot := l.acquire(key)

	select {
	case slot.ch <- struct{}{}:
		return l.unlocker(key, slot), true
	default:
		l.release(key, slot)
		return nil, false
	}
}

// Lock waits for the lock on key or until ctx is done
func (l *keyedLock) Lock(ctx context.Context, key string) (func(), error) {
	slot := l.acquire(key)

	select {
	case slot.ch <- struct{}{}:
		return l.unlocker(key, slot), nil
	case <-ctx.Done():
		l.release(key, slot)
		return nil, ctx.Err()
	}
}

func (l *keyedLock) unlocker(key string, slot *lockSlot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			l.release(key, slot)
		})
	}
}

// size reports how many keys currently have a slot
func (l *keyedLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
