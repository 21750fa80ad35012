package supervisor

import (
	"context"
	"sync"
)

// keyLock serializes work per owner key. Different keys never contend.
type keyLock struct {
	mu sync.Mutex
	m  map[string]*keySlot
}

type keySlot struct {
	ch   chan struct{}
	refs int
}

func newKeyLock() *keyLock { return &keyLock{m: make(map[string]*keySlot)} }

func (k *keyLock) slot(key string) *keySlot {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.m[key]
	if !ok {
		s = &keySlot{ch: make(chan struct{}, 1)}
		k.m[key] = s
	}
	s.refs++
	return s
}

func (k *keyLock) put(key string, s *keySlot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.m, key)
	}
}

// Lock blocks until key is held or ctx is done.
func (k *keyLock) Lock(ctx context.Context, key string) (func(), error) {
	s := k.slot(key)
	select {
	case s.ch <- struct{}{}:
		return k.unlocker(key, s), nil
	case <-ctx.Done():
		k.put(key, s)
		return nil, ctx.Err()
	}
}

// Hold blocks until key is held, with no way to give up. Reaped exits use it.
func (k *keyLock) Hold(key string) func() {
	s := k.slot(key)
	s.ch <- struct{}{}
	return k.unlocker(key, s)
}

// TryLock takes key only if nobody holds it.
func (k *keyLock) TryLock(key string) (func(), bool) {
	s := k.slot(key)
	select {
	case s.ch <- struct{}{}:
		return k.unlocker(key, s), true
	default:
		k.put(key, s)
		return nil, false
	}
}

func (k *keyLock) unlocker(key string, s *keySlot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			k.put(key, s)
		})
	}
}
