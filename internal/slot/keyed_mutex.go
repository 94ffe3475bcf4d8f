package slot

import (
	"context"
	"sync"
)

// KeyedMutex 为每个 Key 提供独立的互斥锁，空闲的锁会被回收。
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[Key]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex 创建进程内的 Locker。
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[Key]*keyedEntry)}
}

// Lock 获取 key 对应的锁；ctx 结束时放弃等待。
func (m *KeyedMutex) Lock(ctx context.Context, key Key) (func(), error) {
	m.mu.Lock()
	entry, ok := m.locks[key]
	if !ok {
		entry = &keyedEntry{ch: make(chan struct{}, 1)}
		m.locks[key] = entry
	}
	entry.refs++
	m.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			m.release(key, entry)
		})
	}, nil
}

func (m *KeyedMutex) release(key Key, entry *keyedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(m.locks, key)
	}
}

func (m *KeyedMutex) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
