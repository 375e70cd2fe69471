package storage

import (
	"context"
	"sync"

	"github.com/rkozak/travelres/internal/record"
	"github.com/rkozak/travelres/pkg/lrucache"
)

// CommittedPagePool is the in-memory cache of committed pages shared by
// all transactions on one ResourceManager. It owns the pages it holds;
// callers must not mutate a returned Page in place.
type CommittedPagePool struct {
	idx    Index
	io     PageIO
	cache  *lrucache.Cache[string]
	mu     sync.Mutex
	pinned map[string]int

	pageLocksMu sync.Mutex
	pageLocks   map[string]*sync.Mutex
}

// NewCommittedPagePool builds a pool that loads misses through io and
// evicts least-recently-used pages once more than maxPages are cached.
func NewCommittedPagePool(idx Index, io PageIO, maxPages int) *CommittedPagePool {
	return &CommittedPagePool{
		idx:       idx,
		io:        io,
		cache:     lrucache.New[string](maxPages),
		pinned:    make(map[string]int),
		pageLocks: make(map[string]*sync.Mutex),
	}
}

// LockPage serializes every read-modify-write sequence against pageID
// (load, merge shadow writes, PageOut, cache Put) across concurrent
// committers. Two xids committing disjoint keys on the same page must
// not interleave their load and write-back, or one's PageOut can
// silently revert the other's already-committed key. Callers must call
// the returned func to release the lock.
func (c *CommittedPagePool) LockPage(pageID string) func() {
	c.pageLocksMu.Lock()
	l, ok := c.pageLocks[pageID]
	if !ok {
		l = &sync.Mutex{}
		c.pageLocks[pageID] = l
	}
	c.pageLocksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// Get returns the committed record for key, loading its page from the
// backend on first access.
func (c *CommittedPagePool) Get(ctx context.Context, key string) (record.Record, error) {
	page, err := c.loadPage(ctx, c.idx.PageID(key))
	if err != nil {
		return record.Record{}, err
	}
	return page.Get(key), nil
}

// LoadPage returns the cached page for pageID, loading it from the
// backend if it is not already resident. The returned Page is a value
// the caller keeps even if the pool later evicts pageID.
func (c *CommittedPagePool) LoadPage(ctx context.Context, pageID string) (Page, error) {
	return c.loadPage(ctx, pageID)
}

func (c *CommittedPagePool) loadPage(ctx context.Context, pageID string) (Page, error) {
	c.mu.Lock()
	if v, ok := c.cache.Get(pageID); ok {
		c.mu.Unlock()
		return v.(Page), nil
	}
	c.mu.Unlock()

	page, err := c.io.PageIn(ctx, pageID)
	if err != nil {
		return Page{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have loaded the same page while we were
	// reading from the backend; either value is equally valid, first
	// writer wins and the race is harmless.
	if v, ok := c.cache.Get(pageID); ok {
		return v.(Page), nil
	}
	c.putLocked(page)
	return page, nil
}

// Pin counts a hold on pageID. While pageID is pinned, installing its
// own image in the cache does not trigger an eviction; it is not
// protected from an eviction triggered by another page's insertion.
// Callers must call Unpin once they no longer need the hold, typically
// at the end of prepare/commit.
func (c *CommittedPagePool) Pin(pageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned[pageID]++
}

// Unpin releases a Pin.
func (c *CommittedPagePool) Unpin(pageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned[pageID] > 0 {
		c.pinned[pageID]--
		if c.pinned[pageID] == 0 {
			delete(c.pinned, pageID)
		}
	}
}

// Put installs or replaces the cached image of page, e.g. after a
// commit merges shadow writes into it.
func (c *CommittedPagePool) Put(page Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(page)
}

func (c *CommittedPagePool) putLocked(page Page) {
	_, pinned := c.pinned[page.ID]
	c.cache.Put(page.ID, page, !pinned)
}
