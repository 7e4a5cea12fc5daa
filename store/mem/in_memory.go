package mem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loomflow/loom/store"
)

var (
	_ store.Store = &memStore{}
)

/**
 * memStore keeps each snapshot family (definitions, instances) in its own
 * map keyed by the store prefix. For debugging & testing only: nothing
 * survives a restart.
 */
type memStore struct {
	mu       sync.Mutex
	families map[string]map[string][]byte

	// errHook lets tests inject store failures
	errHook func() error
}

func NewMemStore() store.Store {
	return &memStore{
		families: make(map[string]map[string][]byte),
		errHook:  func() error { return nil },
	}
}

// NewMemStoreWithErrHandler lets tests inject store failures.
func NewMemStoreWithErrHandler(errHandler func() error) store.Store {
	s := NewMemStore().(*memStore)
	s.errHook = errHandler
	return s
}

func (m *memStore) family(prefix string) map[string][]byte {
	f, exists := m.families[prefix]
	if !exists {
		f = make(map[string][]byte)
		m.families[prefix] = f
	}
	return f
}

func (m *memStore) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := "\n----------\n"
	for prefix, family := range m.families {
		for key, value := range family {
			s += fmt.Sprintf("%s%s: %s\n", prefix, key, string(value))
		}
	}
	s += "----------\n"
	return s
}

func (m *memStore) Get(ctx context.Context, prefix, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.families[prefix][key], m.errHook()
}

func (m *memStore) Set(ctx context.Context, prefix, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.family(prefix)[key] = value
	return m.errHook()
}

func (m *memStore) Remove(ctx context.Context, prefix, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.families[prefix], key)
	return m.errHook()
}

func (m *memStore) List(ctx context.Context, prefix string, iterator func(key string) bool) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.families[prefix]))
	for key := range m.families[prefix] {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	// deterministic walk order, matching the postgres backend
	sort.Strings(keys)
	for _, key := range keys {
		if !iterator(key) {
			break
		}
	}
	return m.errHook()
}
