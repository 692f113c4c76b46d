package diskio

import "fmt"

// checkInvariants walks every storage's cache and verifies the structural
// invariants named in spec §8. It is O(cache size) and meant for tests and
// debug builds, not the hot path; the teacher's build.Critical is what
// callers should invoke on the first violation found (build.DEBUG gates
// whether that panics or just logs).
func (c *Cache) checkInvariants(storages []*StorageHandle) []string {
	var violations []string
	report := func(format string, args ...interface{}) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}

	var totalNonGhostBlocks int64
	var computedPinned int64

	for _, sh := range storages {
		sh.mu.Lock()
		for _, e := range sh.cachedPieces {
			// Invariant 1: a piece's refcount equals the sum of its blocks'
			// refcounts.
			if got, want := e.refcount, e.recomputeRefcount(); got != want {
				report("piece (storage=%d piece=%d): refcount=%d but blocks sum to %d", sh.id, e.piece, got, want)
			}

			// Invariant: num_dirty > 0 ∨ hash ≠ ∅ ⇔ cache_state == WriteLRU.
			hasDirty := e.hasDirtyOrHash()
			onWriteLRU := e.cacheState == stateWriteLRU
			if hasDirty != onWriteLRU && !e.isGhost() {
				report("piece (storage=%d piece=%d): hasDirtyOrHash=%v but cacheState=%d", sh.id, e.piece, hasDirty, e.cacheState)
			}

			// Ghost entries hold no blocks.
			if e.isGhost() && (len(e.blocks) != 0 || e.numBlocks != 0) {
				report("ghost piece (storage=%d piece=%d): holds %d blocks", sh.id, e.piece, len(e.blocks))
			}

			if !e.isGhost() {
				totalNonGhostBlocks += int64(e.numBlocks)
			}

			for i := range e.blocks {
				b := &e.blocks[i]
				if b.dirty && b.uninitialized {
					report("block (storage=%d piece=%d block=%d): dirty and uninitialized both set", sh.id, e.piece, i)
				}
				if b.pending && b.refcount == 0 {
					report("block (storage=%d piece=%d block=%d): pending but refcount==0", sh.id, e.piece, i)
				}
				if b.buf == nil && (b.dirty || b.pending || b.refcount != 0) {
					report("block (storage=%d piece=%d block=%d): empty but dirty/pending/refcount set", sh.id, e.piece, i)
				}
				if b.refcount > 0 {
					computedPinned++
				}
			}

			// A piece not marked for deletion with zero blocks and no
			// waiters should not still be indexed.
			if !e.isGhost() && e.numBlocks == 0 && e.jobs.empty() && e.refcount == 0 && !e.markedForDeletion {
				report("piece (storage=%d piece=%d): empty, idle, and still indexed", sh.id, e.piece)
			}
		}
		sh.mu.Unlock()
	}

	// Invariant: cache_size bound is respected across all storages.
	if totalNonGhostBlocks > c.settings.CacheSize {
		report("total non-ghost blocks %d exceeds CacheSize %d", totalNonGhostBlocks, c.settings.CacheSize)
	}

	// Invariant: pinned_blocks tracked incrementally equals the recomputed
	// count of blocks with refcount>0 (a count, not a sum of refcounts).
	if computedPinned != c.pinnedBlocks {
		report("pinnedBlocks=%d but %d blocks have refcount>0", c.pinnedBlocks, computedPinned)
	}

	// Invariant: pool in-use count is at least the sum of present blocks
	// (it may exceed it transiently for buffers mid-transfer between
	// categories, but never be short).
	var presentBlocks int64
	for _, sh := range storages {
		sh.mu.Lock()
		for _, e := range sh.cachedPieces {
			for i := range e.blocks {
				if e.blocks[i].present() {
					presentBlocks++
				}
			}
		}
		sh.mu.Unlock()
	}
	if c.pool.InUse() < presentBlocks {
		report("pool InUse=%d is less than present block count %d", c.pool.InUse(), presentBlocks)
	}

	return violations
}
