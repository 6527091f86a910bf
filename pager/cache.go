package pager

import (
	"sync"

	"github.com/sombra/sombra/errs"
)

// frame is a cached, decoded copy of a page plus the bookkeeping the
// pager needs to decide eviction and visibility (spec.md §4.1 "Page
// cache").
type frame struct {
	pageID   PageID
	data     []byte
	pinCount int32
	dirty    bool
	lsn      uint64 // last known commit LSN that produced this image
	prev     *frame
	next     *frame
}

// frameCache is a bounded LRU of frames keyed by PageID, grounded on
// the teacher's storage.lruCache (doubly-linked list + map, own mutex)
// extended with pin counts so a pinned frame is never evicted.
type frameCache struct {
	mu       sync.Mutex
	capacity int
	items    map[PageID]*frame
	head     *frame // MRU
	tail     *frame // LRU

	hits   uint64
	misses uint64
}

func newFrameCache(capacity int) *frameCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &frameCache{capacity: capacity, items: make(map[PageID]*frame, capacity)}
}

func (c *frameCache) get(id PageID) (*frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.items[id]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.moveToFront(f)
	return f, true
}

// put inserts or refreshes a frame, evicting an unpinned/clean LRU
// victim if the cache is over capacity. If every frame is pinned or
// dirty, the cache grows past capacity and put still returns nil; only
// tryEvict reports NoEvictionCandidate.
func (c *frameCache) put(id PageID, data []byte, lsn uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.items[id]; ok {
		f.data = data
		f.lsn = lsn
		c.moveToFront(f)
		return nil
	}

	f := &frame{pageID: id, data: data, lsn: lsn}
	c.items[id] = f
	c.pushFront(f)

	if len(c.items) > c.capacity {
		if !c.evictOne() {
			// Over capacity but nothing evictable: allow the
			// temporary overshoot rather than corrupt state; the
			// caller should treat repeated failures as
			// NoEvictionCandidate via tryEvict.
			return nil
		}
	}
	return nil
}

// tryEvict explicitly requests room for one more frame, returning
// NoEvictionCandidate if nothing unpinned/clean exists.
func (c *frameCache) tryEvict() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) < c.capacity {
		return nil
	}
	if c.evictOne() {
		return nil
	}
	return errs.New("pager.cache", errs.NoEvictionCandidate, nil)
}

func (c *frameCache) pin(id PageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.items[id]; ok {
		f.pinCount++
	}
}

func (c *frameCache) unpin(id PageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.items[id]; ok && f.pinCount > 0 {
		f.pinCount--
	}
}

func (c *frameCache) markDirty(id PageID, dirty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.items[id]; ok {
		f.dirty = dirty
	}
}

func (c *frameCache) invalidate(id PageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.items[id]
	if !ok {
		return
	}
	c.removeNode(f)
	delete(c.items, id)
}

func (c *frameCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[PageID]*frame, c.capacity)
	c.head, c.tail = nil, nil
}

func (c *frameCache) stats() (hits, misses uint64, size, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.items), c.capacity
}

// ---- linked-list internals (unlocked; callers hold c.mu) ----

func (c *frameCache) pushFront(f *frame) {
	f.prev, f.next = nil, c.head
	if c.head != nil {
		c.head.prev = f
	}
	c.head = f
	if c.tail == nil {
		c.tail = f
	}
}

func (c *frameCache) removeNode(f *frame) {
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		c.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	} else {
		c.tail = f.prev
	}
	f.prev, f.next = nil, nil
}

func (c *frameCache) moveToFront(f *frame) {
	if f == c.head {
		return
	}
	c.removeNode(f)
	c.pushFront(f)
}

// evictOne removes the least-recently-used unpinned, clean frame. It
// walks from the tail since dirty/pinned frames must not be dropped
// silently (spec.md §4.1 "Eviction policy").
func (c *frameCache) evictOne() bool {
	for f := c.tail; f != nil; f = f.prev {
		if f.pinCount == 0 && !f.dirty {
			c.removeNode(f)
			delete(c.items, f.pageID)
			return true
		}
	}
	return false
}
