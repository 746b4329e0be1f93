package intern

import "sync"

// Pool deduplicates hot strings. Service names, resource types, and region
// names repeat across tens of thousands of resources; keeping one canonical
// instance per value keeps large inventories cheap.
type Pool struct {
	mu    sync.RWMutex
	store map[string]string
}

var globalPool = &Pool{store: make(map[string]string, 256)}

// String returns the canonical instance of s.
func String(s string) string {
	if s == "" {
		return ""
	}

	globalPool.mu.RLock()
	v, ok := globalPool.store[s]
	globalPool.mu.RUnlock()
	if ok {
		return v
	}

	globalPool.mu.Lock()
	defer globalPool.mu.Unlock()

	// Double-check
	if v, ok := globalPool.store[s]; ok {
		return v
	}
	globalPool.store[s] = s
	return s
}

// Reset clears the global pool.
func Reset() {
	globalPool.mu.Lock()
	defer globalPool.mu.Unlock()
	globalPool.store = make(map[string]string, 256)
}
