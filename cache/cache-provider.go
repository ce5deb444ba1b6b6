package cache

import (
	"errors"
	"sort"
	"sync"
)

// ErrNoGeneration is returned when writing to a generation that does not exist.
var ErrNoGeneration = errors.New("cache generation does not exist")

// ErrUnreadable is returned by Get when stored bytes cannot be decoded.
var ErrUnreadable = errors.New("stored entry unreadable")

// CacheProvider is an interface for a cache provider.
// It stores and retrieves []byte values, which represent HTTP responses,
// grouped into named generations. A generation is created as a whole by
// PutAll and afterwards only receives single-key writes through Put.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Generations returns the names of all stored generations.
	Generations() ([]string, error)
	// Get returns the cached response for the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	Get(generation, key string) ([]byte, bool, error)
	// Put stores the given response in an existing generation.
	// It returns ErrNoGeneration if the generation has been dropped.
	Put(generation, key string, bytes []byte) error
	// PutAll creates the generation with exactly the given entries.
	// Either all entries are stored or none is. An existing generation with
	// the same name is replaced.
	PutAll(generation string, entries []CacheEntry) error
	// Keys calls the given callback for each key of the generation, in order.
	Keys(generation string, cb func(string)) error
	// Purge removes the cache entry for the given key.
	Purge(generation, key string) error
	// Drop removes the generation and all its entries.
	Drop(generation string) error
}

type CacheEntry struct {
	Key   string
	Bytes []byte
}

type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]map[string][]byte
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string][]byte),
	}
}

func (m MemCache) Generations() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.db))
	for name := range m.db {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m MemCache) Get(generation, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[generation][key]
	return entry, ok, nil
}

func (m MemCache) Put(generation, key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	gen, ok := m.db[generation]
	if !ok {
		return ErrNoGeneration
	}
	gen[key] = bytes
	return nil
}

func (m MemCache) PutAll(generation string, entries []CacheEntry) error {
	gen := make(map[string][]byte, len(entries))
	for _, e := range entries {
		gen[e.Key] = e.Bytes
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[generation] = gen
	return nil
}

func (m MemCache) Keys(generation string, cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db[generation]))
	for key := range m.db[generation] {
		keys = append(keys, key)
	}
	m.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemCache) Purge(generation, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db[generation], key)
	return nil
}

func (m MemCache) Drop(generation string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, generation)
	return nil
}
