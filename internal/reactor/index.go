package reactor

import (
	"sync"

	"github.com/google/btree"
)

// indexItem adapts Index to btree.Item so the allocator can keep the
// in-use indices as an ordered set with O(log n) membership tests.
// Allocate still steps the cursor forward one index at a time, testing
// each candidate, until it finds one that is not in use.
type indexItem Index

func (a indexItem) Less(than btree.Item) bool {
	return a < than.(indexItem)
}

// IndexAllocator hands out connection indices per spec.md §3: "wraps to
// MIN_INDEX on overflow; the allocator skips indices still in use."
type IndexAllocator struct {
	mu     sync.Mutex
	inUse  *btree.BTree
	cursor Index
}

func NewIndexAllocator() *IndexAllocator {
	return &IndexAllocator{
		inUse:  btree.New(32),
		cursor: MinIndex,
	}
}

// Allocate returns the next free index, skipping any still marked in use
// and wrapping back to MinIndex on overflow.
func (a *IndexAllocator) Allocate() Index {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.cursor
	for {
		idx := a.cursor
		a.advance()
		if !a.inUse.Has(indexItem(idx)) {
			a.inUse.ReplaceOrInsert(indexItem(idx))
			return idx
		}
		if a.cursor == start {
			// Entire index space is in use; keep handing out the cursor
			// anyway rather than spinning forever — callers are expected
			// to bound concurrent flows well below 2^32-MinIndex.
			a.inUse.ReplaceOrInsert(indexItem(idx))
			return idx
		}
	}
}

func (a *IndexAllocator) advance() {
	if a.cursor == ^Index(0) {
		a.cursor = MinIndex
		return
	}
	a.cursor++
	if a.cursor < MinIndex {
		a.cursor = MinIndex
	}
}

// Release marks idx free again.
func (a *IndexAllocator) Release(idx Index) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse.Delete(indexItem(idx))
}

// InUse reports whether idx is currently allocated.
func (a *IndexAllocator) InUse(idx Index) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse.Has(indexItem(idx))
}
