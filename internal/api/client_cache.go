package api

import (
	"container/list"
	"sync"
)

// fieldCache implements a thread-safe LRU cache of doctype field schemas
type fieldCache struct {
	capacity int
	cache    map[string]*list.Element
	lru      *list.List
	mu       sync.RWMutex
}

// fieldEntry represents one cached doctype schema
type fieldEntry struct {
	doctype string
	fields  []DestinationField
}

// newFieldCache creates a new LRU cache with the specified capacity
func newFieldCache(capacity int) *fieldCache {
	return &fieldCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get retrieves a doctype's fields from the cache
// Returns the fields and true if found, nil and false otherwise
func (c *fieldCache) Get(doctype string) ([]DestinationField, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.cache[doctype]; exists {
		// Move to front (most recently used)
		c.lru.MoveToFront(elem)
		return elem.Value.(*fieldEntry).fields, true
	}
	return nil, false
}

// Put adds or updates a doctype's fields in the cache
func (c *fieldCache) Put(doctype string, fields []DestinationField) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// If doctype exists, update and move to front
	if elem, exists := c.cache[doctype]; exists {
		c.lru.MoveToFront(elem)
		elem.Value.(*fieldEntry).fields = fields
		return
	}

	// Evict oldest if at capacity
	if c.lru.Len() >= c.capacity {
		oldest := c.lru.Back()
		if oldest != nil {
			c.lru.Remove(oldest)
			delete(c.cache, oldest.Value.(*fieldEntry).doctype)
		}
	}

	// Add new entry
	entry := &fieldEntry{doctype: doctype, fields: fields}
	elem := c.lru.PushFront(entry)
	c.cache[doctype] = elem
}

// Len returns the current number of cached schemas
func (c *fieldCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len()
}

// Clear removes all cached schemas
func (c *fieldCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*list.Element)
	c.lru = list.New()
}
