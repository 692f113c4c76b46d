package diskio

import (
	"sync/atomic"
	"time"
)

// flushCandidate names a contiguous dirty run selected for write-back: the
// piece, and the [begin, end) block range to write.
type flushCandidate struct {
	entry *pieceEntry
	begin uint32
	end   uint32
}

// selectFlushCandidates implements spec §4.4: choose dirty runs to write
// back according to the configured DiskCacheAlgorithm, at most max runs.
// It does not read the clock; age-based flushing is expiredWriteLRU's job.
func (c *Cache) selectFlushCandidates(max int) []flushCandidate {
	switch c.settings.DiskCacheAlgorithm {
	case AlgorithmLargestContiguous:
		return c.selectLargestContiguous(max)
	default:
		return c.selectAvoidReadback(max)
	}
}

// selectLargestContiguous scans WriteLRU for the longest dirty,
// non-pending runs at least WriteCacheLineSize blocks long, largest first,
// without regard to each piece's hash cursor.
func (c *Cache) selectLargestContiguous(max int) []flushCandidate {
	minRun := uint32(c.settings.WriteCacheLineSize)
	if minRun == 0 {
		minRun = 1
	}
	var out []flushCandidate
	for e := c.lists[stateWriteLRU].head; e != nil && len(out) < max; e = e.lruNext {
		begin, end, ok := longestDirtyRun(e, 0, minRun)
		if ok {
			out = append(out, flushCandidate{entry: e, begin: begin, end: end})
		}
	}
	return out
}

// selectAvoidReadback scans WriteLRU for dirty runs within the already
// hashed prefix of each piece (so flushing never requires a later
// read-back to finish hashing), falling back to any dirty run at least
// WriteCacheLineSize long once a piece's hash cursor has caught up to its
// dirty prefix (hash == nil, i.e. already fully hashed and just waiting on
// I/O).
func (c *Cache) selectAvoidReadback(max int) []flushCandidate {
	minRun := uint32(c.settings.WriteCacheLineSize)
	if minRun == 0 {
		minRun = 1
	}
	var out []flushCandidate
	for e := c.lists[stateWriteLRU].head; e != nil && len(out) < max; e = e.lruNext {
		limit := uint32(len(e.blocks))
		if e.hash != nil {
			hashed := uint32(e.hash.offsetBytes / uint64(c.blockSize))
			if hashed < limit {
				limit = hashed
			}
		}
		if limit == 0 {
			continue
		}
		minLen := uint32(1)
		if e.hash == nil {
			minLen = minRun
		}
		begin, end, ok := longestDirtyRun(e, limit, minLen)
		if ok {
			out = append(out, flushCandidate{entry: e, begin: begin, end: end})
			continue
		}
		// Nothing hashed yet ready to flush; the piece still sits on
		// WriteLRU until flush_expired_write_blocks forces it or hashing
		// catches up.
	}
	return out
}

// longestDirtyRun finds the longest contiguous run of dirty, non-pending
// blocks within [0, limit) (limit==0 means the whole entry), requiring at
// least minLen blocks.
func longestDirtyRun(e *pieceEntry, limit uint32, minLen uint32) (begin, end uint32, ok bool) {
	if limit == 0 || limit > uint32(len(e.blocks)) {
		limit = uint32(len(e.blocks))
	}
	var bestBegin, bestEnd uint32
	var runBegin uint32
	inRun := false
	flush := func(curEnd uint32) {
		if inRun && curEnd-runBegin > bestEnd-bestBegin {
			bestBegin, bestEnd = runBegin, curEnd
		}
	}
	for i := uint32(0); i < limit; i++ {
		b := &e.blocks[i]
		if b.dirty && b.present() && !b.pending {
			if !inRun {
				runBegin = i
				inRun = true
			}
		} else {
			flush(i)
			inRun = false
		}
	}
	flush(limit)
	if bestEnd-bestBegin < minLen {
		return 0, 0, false
	}
	return bestBegin, bestEnd, true
}

// markPending marks [begin, end) on e as pending and bumps e.refcount, the
// bookkeeping a flush or read dispatch must do before handing blocks to
// the scheduler for an async Storage call. Per blockentry.go's invariant
// `pending ⇒ refcount ≥ 1`, each block's own refcount is pinned too, not
// just the piece-level count.
func (c *Cache) markPending(e *pieceEntry, begin, end uint32) {
	for i := begin; i < end; i++ {
		b := &e.blocks[i]
		b.pending = true
		b.incRef()
		if b.refcount == 1 {
			atomic.AddInt64(&c.pinnedBlocks, 1)
		}
	}
	e.refcount += end - begin
}

// expiredWriteLRU returns pieces on WriteLRU whose last promotion is older
// than CacheExpiry, per spec §4.4's flush_expired_write_blocks: these are
// flushed unconditionally regardless of run length, to bound how long a
// dirty block can sit in memory.
func (c *Cache) expiredWriteLRU(now time.Time) []flushCandidate {
	deadline := now.Add(-c.settings.CacheExpiry).UnixNano()
	var out []flushCandidate
	for e := c.lists[stateWriteLRU].tail; e != nil; e = e.lruPrev {
		if e.expire > deadline {
			continue
		}
		begin, end, ok := longestDirtyRun(e, 0, 1)
		if ok {
			out = append(out, flushCandidate{entry: e, begin: begin, end: end})
		}
	}
	return out
}
