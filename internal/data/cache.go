package data

import (
	"container/list"
	"sync"
)

// mappingCache is a small LRU used to keep hot room and user lookups
// off the database
type mappingCache[T any] struct {
	mu    sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element
}

type cacheEntry[T any] struct {
	key   string
	value T
}

func newMappingCache[T any](capacity int) *mappingCache[T] {
	if capacity <= 0 {
		capacity = 1000
	}
	return &mappingCache[T]{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element, capacity),
	}
}

func (c *mappingCache[T]) get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(cacheEntry[T]).value, true
	}
	var zero T
	return zero, false
}

func (c *mappingCache[T]) put(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value = cacheEntry[T]{key: key, value: value}
		c.order.MoveToFront(el)
		return
	}

	c.items[key] = c.order.PushFront(cacheEntry[T]{key: key, value: value})
	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(cacheEntry[T]).key)
	}
}

func (c *mappingCache[T]) invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		if el, ok := c.items[key]; ok {
			c.order.Remove(el)
			delete(c.items, key)
		}
	}
}
