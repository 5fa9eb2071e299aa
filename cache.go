package sourced

import (
	"container/list"
	"sync"
)

type (
	// logCache memoizes committed event logs by entity id with LRU
	// eviction, letting a Session skip the repository read when its copy
	// of the log is still current. Staleness is detected by the commit's
	// own concurrency check, which invalidates the entry
	logCache struct {
		entries map[string]*list.Element
		lru     *list.List
		maxSize int
		mu      sync.Mutex
	}

	logEntry struct {
		id     string
		events []*EventRecord
	}
)

func newLogCache(maxSize int) *logCache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &logCache{
		entries: map[string]*list.Element{},
		lru:     list.New(),
		maxSize: maxSize,
	}
}

func (c *logCache) get(id string) ([]*EventRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return elem.Value.(*logEntry).events, true
}

func (c *logCache) put(id string, events []*EventRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[id]; ok {
		elem.Value.(*logEntry).events = events
		c.lru.MoveToFront(elem)
		return
	}

	c.entries[id] = c.lru.PushFront(&logEntry{id: id, events: events})
	if c.lru.Len() > c.maxSize {
		c.evictLast()
	}
}

func (c *logCache) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[id]
	if !ok {
		return
	}
	c.lru.Remove(elem)
	delete(c.entries, id)
}

func (c *logCache) evictLast() {
	back := c.lru.Back()
	if back != nil {
		c.lru.Remove(back)
		delete(c.entries, back.Value.(*logEntry).id)
	}
}
