package pipeline

import (
	"sort"
	"sync"
)

// KeyedLocker hands out mutexes by key. Entries are dropped when unused.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedLocker creates an empty locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedEntry)}
}

// Lock acquires one key and returns its release function.
func (l *KeyedLocker) Lock(key string) func() {
	return l.LockAll([]string{key})
}

// LockAll acquires every key in sorted order, so two callers with
// overlapping key sets cannot deadlock.
func (l *KeyedLocker) LockAll(keys []string) func() {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			sorted = append(sorted, k)
		}
	}
	sort.Strings(sorted)

	entries := make([]*keyedEntry, len(sorted))
	l.mu.Lock()
	for i, k := range sorted {
		e, ok := l.locks[k]
		if !ok {
			e = &keyedEntry{}
			l.locks[k] = e
		}
		e.refs++
		entries[i] = e
	}
	l.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(entries) - 1; i >= 0; i-- {
				entries[i].mu.Unlock()
			}
			l.mu.Lock()
			for i, k := range sorted {
				entries[i].refs--
				if entries[i].refs == 0 {
					delete(l.locks, k)
				}
			}
			l.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (l *KeyedLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
