package heapstore

import (
	"fmt"
	"sync"
)

// frameKey identifies a cached page uniquely across every container.
type frameKey struct {
	container ContainerId
	page      PageId
}

// frame is one cached page and its bookkeeping bits.
type frame struct {
	key        frameKey
	page       *Page
	dirty      bool
	pinCount   int
	referenced bool
}

// heapFileSource resolves a container id to the HeapFile backing it, so the
// Buffer Pool can load pages on a miss and write them back on eviction
// without owning the container registry itself.
type heapFileSource interface {
	heapFileFor(ContainerId) (*HeapFile, error)
}

// BufferPool is a bounded cache of page frames shared across every
// container known to a Storage Manager. It holds at most PageSlots frames
// and evicts with a clock (second-chance) sweep: every frame carries a
// reference bit set on each fetch, and the hand clears bits as it sweeps,
// picking the first unpinned frame it finds already clear.
type BufferPool struct {
	mu     sync.Mutex
	frames []*frame
	index  map[frameKey]int
	hand   int
	source heapFileSource
}

// NewBufferPool returns an empty pool of capacity PageSlots, resolving
// misses and write-backs through source.
func NewBufferPool(source heapFileSource) *BufferPool {
	return &BufferPool{
		frames: make([]*frame, 0, PageSlots),
		index:  make(map[frameKey]int, PageSlots),
		source: source,
	}
}

// Fetch returns the page for (container, id), loading it from disk on a
// miss. The caller must call Unpin exactly once for every successful
// Fetch. perm is currently advisory: it does not gate access, since this
// core performs no transactional isolation.
func (bp *BufferPool) Fetch(container ContainerId, id PageId, perm Permissions) (*Page, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	key := frameKey{container, id}
	if i, ok := bp.index[key]; ok {
		f := bp.frames[i]
		f.referenced = true
		f.pinCount++
		return f.page, nil
	}

	if len(bp.frames) >= PageSlots {
		if err := bp.evictLocked(); err != nil {
			return nil, err
		}
	}

	hf, err := bp.source.heapFileFor(container)
	if err != nil {
		return nil, err
	}
	page, err := hf.ReadPage(id)
	if err != nil {
		return nil, err
	}

	f := &frame{key: key, page: page, referenced: true, pinCount: 1}
	bp.frames = append(bp.frames, f)
	bp.index[key] = len(bp.frames) - 1
	return page, nil
}

// Insert places an already-constructed page directly into the pool,
// pinning it once, without going to disk. Used when a page is newly
// allocated by the Storage Manager and has no on-disk image yet.
func (bp *BufferPool) Insert(container ContainerId, page *Page) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	key := frameKey{container, page.ID()}
	if _, ok := bp.index[key]; ok {
		return errAlreadyExists(fmt.Sprintf("page %d of container %d is already cached", page.ID(), container))
	}
	if len(bp.frames) >= PageSlots {
		if err := bp.evictLocked(); err != nil {
			return err
		}
	}
	f := &frame{key: key, page: page, referenced: true, pinCount: 1, dirty: true}
	bp.frames = append(bp.frames, f)
	bp.index[key] = len(bp.frames) - 1
	return nil
}

// Unpin releases one pin on (container, id). dirty, once set on any of a
// page's outstanding pins, stays set until the page is flushed.
func (bp *BufferPool) Unpin(container ContainerId, id PageId, dirty bool) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	i, ok := bp.index[frameKey{container, id}]
	if !ok {
		return
	}
	f := bp.frames[i]
	if dirty {
		f.dirty = true
	}
	if f.pinCount > 0 {
		f.pinCount--
	}
}

// FlushPage writes the cached page back to its HeapFile if dirty.
func (bp *BufferPool) FlushPage(container ContainerId, id PageId) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	i, ok := bp.index[frameKey{container, id}]
	if !ok {
		return nil
	}
	return bp.flushFrameLocked(bp.frames[i])
}

func (bp *BufferPool) flushFrameLocked(f *frame) error {
	if !f.dirty {
		return nil
	}
	hf, err := bp.source.heapFileFor(f.key.container)
	if err != nil {
		return err
	}
	if err := hf.WritePage(f.page); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// evictLocked runs one clock sweep to find a victim frame, writes it back
// if dirty, and removes it from the pool. Callers must hold bp.mu.
func (bp *BufferPool) evictLocked() error {
	n := len(bp.frames)
	if n == 0 {
		return errBufferExhausted("no frames to evict")
	}

	for swept := 0; swept < 2*n; swept++ {
		i := bp.hand % n
		bp.hand = (bp.hand + 1) % n
		f := bp.frames[i]

		if f.pinCount > 0 {
			continue
		}
		if f.referenced {
			f.referenced = false
			continue
		}

		if err := bp.flushFrameLocked(f); err != nil {
			return err
		}
		bp.removeFrameLocked(i)
		return nil
	}
	return errBufferExhausted("every frame is pinned")
}

// removeFrameLocked drops the frame at index i, fixing up the index of
// whatever frame the swap-delete moves into its place.
func (bp *BufferPool) removeFrameLocked(i int) {
	delete(bp.index, bp.frames[i].key)
	last := len(bp.frames) - 1
	bp.frames[i] = bp.frames[last]
	bp.frames[last] = nil
	bp.frames = bp.frames[:last]
	if i != last {
		bp.index[bp.frames[i].key] = i
	}
	if bp.hand > len(bp.frames) {
		bp.hand = 0
	}
}

// Discard drops a cached page without writing it back, regardless of its
// dirty bit or pin count. Used when a container is removed outright.
func (bp *BufferPool) Discard(container ContainerId, id PageId) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if i, ok := bp.index[frameKey{container, id}]; ok {
		bp.removeFrameLocked(i)
	}
}

// DiscardContainer drops every cached page belonging to container without
// writing any of them back.
func (bp *BufferPool) DiscardContainer(container ContainerId) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for i := 0; i < len(bp.frames); {
		if bp.frames[i].key.container == container {
			bp.removeFrameLocked(i)
			continue
		}
		i++
	}
}

// Reset flushes every dirty frame and empties the pool.
func (bp *BufferPool) Reset() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, f := range bp.frames {
		if err := bp.flushFrameLocked(f); err != nil {
			return err
		}
	}
	bp.frames = bp.frames[:0]
	bp.index = make(map[frameKey]int, PageSlots)
	bp.hand = 0
	return nil
}
