package sessionkey

import (
	"crypto/subtle"
	"time"

	"github.com/patrickmn/go-cache"
)

// Storage is a session-scoped key/value store. Implementations must not
// outlive the client session that owns the manager.
type Storage interface {
	Load(key string) ([]byte, bool)
	Save(key string, value []byte, ttl time.Duration) error
	Delete(key string)
}

const storageCleanupInterval = 5 * time.Minute

// MemoryStorage keeps records in process memory only. Entries expire with
// the ttl given to Save and are gone when the process exits. Stored bytes are
// zeroed whenever an entry leaves the cache, expired or not.
type MemoryStorage struct {
	items *cache.Cache
}

func NewMemoryStorage() *MemoryStorage {
	items := cache.New(cache.NoExpiration, storageCleanupInterval)
	items.OnEvicted(func(_ string, v interface{}) {
		if b, ok := v.([]byte); ok {
			zero(b)
		}
	})
	return &MemoryStorage{items: items}
}

func (m *MemoryStorage) Load(key string) ([]byte, bool) {
	v, ok := m.items.Get(key)
	if !ok {
		return nil, false
	}
	stored := v.([]byte)
	out := make([]byte, len(stored))
	copy(out, stored)
	return out, true
}

func (m *MemoryStorage) Save(key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	// Set replaces without eviction, so drop the old entry first to zero it
	m.items.Delete(key)
	m.items.Set(key, stored, ttl)
	return nil
}

// Delete removes key. The eviction hook zeroes the stored bytes, including
// those of an entry that expired but was not swept yet.
func (m *MemoryStorage) Delete(key string) {
	m.items.Delete(key)
}

func zero(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}
