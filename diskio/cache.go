package diskio

import (
	"sync/atomic"

	"github.com/svn2github/libtorrent-sub001/persist"
)

// Cache is the Block Cache from spec §4.2/§4.3: it maps (storage, piece) to
// a pieceEntry, tracks per-block state, and runs the five-list ARC variant
// described in §4.3. Only the disk thread ever calls its methods; see
// Scheduler for the goroutine that owns it.
type Cache struct {
	pool      *BufferPool
	blockSize int
	settings  *Settings
	log       *persist.Logger
	hasher    Hasher

	lists [5]pieceList

	ghostSize int64
	numGhost  int64

	lastCacheOp cacheOpSignal

	pinnedBlocks int64 // atomic

	blocksReadHit  uint64 // atomic
	blocksReadMiss uint64 // atomic
}

// cacheOpSignal records the ARC "last cache op" used to choose which
// non-ghost list to shrink on the next miss (spec §4.3).
type cacheOpSignal int

const (
	cacheOpNone cacheOpSignal = iota
	cacheOpGhostHitL1
	cacheOpGhostHitL2
)

// NewCache constructs an empty cache. settings must outlive the Cache; the
// scheduler swaps its contents (not the pointer) on an update-settings job.
func NewCache(pool *BufferPool, blockSize int, settings *Settings, log *persist.Logger, hasher Hasher) *Cache {
	c := &Cache{
		pool:      pool,
		blockSize: blockSize,
		settings:  settings,
		log:       log,
		hasher:    hasher,
	}
	c.ghostSize = settings.CacheSize / 2
	return c
}

// blockRange converts a byte [offset, offset+size) range into a
// [beginBlock, endBlock) block index range.
func (c *Cache) blockRange(offset int64, size int) (begin, end uint32) {
	begin = uint32(offset / int64(c.blockSize))
	end = uint32((offset + int64(size) + int64(c.blockSize) - 1) / int64(c.blockSize))
	return begin, end
}

// find returns the cached entry for (storage, piece), if any non-ghost
// entry exists. Ghost entries are not returned by find; callers that care
// about ghost hits use findAny.
func (c *Cache) find(storage *StorageHandle, piece uint32) *pieceEntry {
	e := c.findAny(storage, piece)
	if e != nil && e.isGhost() {
		return nil
	}
	return e
}

// findAny returns the cached entry for (storage, piece) including ghost
// entries.
func (c *Cache) findAny(storage *StorageHandle, piece uint32) *pieceEntry {
	storage.mu.Lock()
	e := storage.cachedPieces[piece]
	storage.mu.Unlock()
	return e
}

// allocatePiece returns the existing entry for (storage, piece), or
// inserts a zero-block entry in the given initial state if absent.
func (c *Cache) allocatePiece(storage *StorageHandle, piece uint32, numBlocksTotal uint32, initial cacheState) *pieceEntry {
	storage.mu.Lock()
	e, ok := storage.cachedPieces[piece]
	storage.mu.Unlock()
	if ok {
		if e.isGhost() {
			c.recordGhostHit(e)
		}
		return e
	}
	e = newPieceEntry(storage, piece, 0, initial)
	c.insertEntry(e, initial)
	storage.mu.Lock()
	storage.cachedPieces[piece] = e
	storage.mu.Unlock()
	return e
}

// addDirtyBlock implements spec §4.2's add_dirty_block.
func (c *Cache) addDirtyBlock(storage *StorageHandle, piece uint32, numBlocksTotal uint32, blockIndex uint32, owned []byte, waiter *Job) *pieceEntry {
	e := c.allocatePiece(storage, piece, numBlocksTotal, stateWriteLRU)
	c.growBlocks(e, numBlocksTotal)

	// Evict read blocks if necessary to stay within cache_size.
	c.evictReadsToFit(1, e)

	b := &e.blocks[blockIndex]
	if b.present() {
		if b.dirty {
			c.log.Critical("addDirtyBlock: slot already dirty; the submitter's owned buffer invariant was violated")
		}
		c.pool.Free(b.buf)
		*b = blockEntry{}
	} else {
		e.numBlocks++
	}

	b.buf = owned
	b.dirty = true
	b.pending = false
	b.refcount = 0
	e.numDirty++

	c.promote(e)
	if waiter != nil {
		e.jobs.push(waiter)
	}
	c.kickHasher(e)
	return e
}

// tryReadResult is the outcome of tryRead, matching the three-way plus
// out-of-memory result described in spec §4.2.
type tryReadResult int

const (
	tryReadHit tryReadResult = iota
	tryReadMiss
	tryReadNoMemory
)

// tryRead implements spec §4.2's try_read. On a hit it returns either a
// copy (into dst, which must be size bytes) or, when the request is
// exactly one aligned block and acceptZeroCopy is true, a BlockRef in ref
// (dst is left untouched and n is size in that case).
func (c *Cache) tryRead(storage *StorageHandle, piece uint32, offset int64, size int, dst []byte, acceptZeroCopy bool) (n int, ref *BlockRef, result tryReadResult) {
	e := c.find(storage, piece)
	if e == nil {
		atomic.AddUint64(&c.blocksReadMiss, 1)
		return 0, nil, tryReadMiss
	}

	begin, end := c.blockRange(offset, size)
	if end > uint32(len(e.blocks)) {
		atomic.AddUint64(&c.blocksReadMiss, 1)
		return 0, nil, tryReadMiss
	}
	for i := begin; i < end; i++ {
		b := &e.blocks[i]
		if !b.present() || b.pending {
			atomic.AddUint64(&c.blocksReadMiss, 1)
			return 0, nil, tryReadMiss
		}
	}

	if acceptZeroCopy && end-begin == 1 && int64(begin)*int64(c.blockSize) == offset && size == c.blockSize {
		b := &e.blocks[begin]
		if !b.incRef() {
			return 0, nil, tryReadNoMemory
		}
		if b.refcount == 1 {
			atomic.AddInt64(&c.pinnedBlocks, 1)
		}
		b.recordHit()
		atomic.AddUint64(&c.blocksReadHit, 1)
		c.promote(e)
		return size, &BlockRef{storage: storage, piece: piece, block: begin, data: b.buf}, tryReadHit
	}

	if len(dst) < size {
		return 0, nil, tryReadNoMemory
	}
	copied := 0
	for i := begin; i < end; i++ {
		b := &e.blocks[i]
		srcStart := int64(0)
		if int64(i)*int64(c.blockSize) < offset {
			srcStart = offset - int64(i)*int64(c.blockSize)
		}
		remaining := size - copied
		avail := c.blockSize - int(srcStart)
		n := avail
		if n > remaining {
			n = remaining
		}
		copy(dst[copied:copied+n], b.buf[srcStart:srcStart+int64(n)])
		b.recordHit()
		copied += n
	}
	atomic.AddUint64(&c.blocksReadHit, 1)
	c.promote(e)
	return copied, nil, tryReadHit
}

// allocatePendingResult distinguishes "allocated N new blocks" from the
// NO_SPACE signal described in spec §4.2.
const allocatePendingNoSpace = -1

// allocatePending implements spec §4.2's allocate_pending.
func (c *Cache) allocatePending(storage *StorageHandle, piece uint32, numBlocksTotal uint32, begin, end uint32, waiter *Job, priority int, force bool) int {
	e := c.allocatePiece(storage, piece, numBlocksTotal, stateReadLRU1)
	c.growBlocks(e, numBlocksTotal)

	needed := 0
	for i := begin; i < end; i++ {
		b := &e.blocks[i]
		if !b.present() && !b.pending {
			needed++
		}
	}
	if needed == 0 {
		if waiter != nil {
			e.jobs.push(waiter)
		}
		return 0
	}

	shortfall := c.evictReadsToFit(needed, e)
	if shortfall > 0 {
		if priority < 1 {
			return allocatePendingNoSpace
		}
		if force {
			// Shrink the range from the tail until it fits.
			for shortfall > 0 && end > begin {
				end--
				b := &e.blocks[end]
				if !b.present() && !b.pending {
					shortfall--
				}
			}
		}
	}

	allocated := 0
	for i := begin; i < end; i++ {
		b := &e.blocks[i]
		if b.present() || b.pending {
			continue
		}
		buf, _, ok := c.pool.Allocate(CategoryReadCache)
		if !ok {
			break
		}
		b.buf = buf
		b.uninitialized = true
		e.numBlocks++
		allocated++
	}

	if waiter != nil {
		e.jobs.push(waiter)
	}
	if e.numDirty == 0 {
		e.markedForDeletion = false
	}
	return allocated
}

// markAsDone implements mark_as_done for the contiguous block range
// [begin, end) of e once the backend I/O covering it has finished (err is
// that I/O's error, or nil). It returns the waiters it completed and the
// jobs the storage's fence released.
func (c *Cache) markAsDone(e *pieceEntry, begin, end uint32, err error) (completed []*Job, released []*Job) {
	for i := begin; i < end && i < uint32(len(e.blocks)); i++ {
		b := &e.blocks[i]
		wasPending := b.pending
		b.pending = false
		if b.refcount > 0 {
			b.decRef()
			if b.refcount == 0 {
				atomic.AddInt64(&c.pinnedBlocks, -1)
			}
		}
		if e.refcount > 0 {
			e.refcount--
		}

		if err != nil {
			if buf := b.clear(); buf != nil {
				c.pool.Free(buf)
			}
			if e.numBlocks > 0 {
				e.numBlocks--
			}
			continue
		}
		if b.uninitialized {
			b.uninitialized = false
		}
		if wasPending && b.dirty {
			b.dirty = false
			b.written = true
			if e.numDirty > 0 {
				e.numDirty--
			}
		}
	}

	c.reclassify(e)
	c.kickHasher(e)

	completed = c.reapWaiters(e, err)

	if e.markedForDeletion && e.refcount == 0 {
		c.removeEntry(e)
	}
	if done := e.storage.checkAbortComplete(); done != nil {
		completed = append(completed, done)
	}

	// One markAsDone call corresponds to exactly one physical read or
	// write completing (issueReadv/issueFlush each call fence.newJob once
	// before issuing); release the pairing unconditionally so the fence's
	// outstanding count reaches zero exactly when every issued ACB chain
	// for this storage has actually finished, regardless of unrelated
	// cache-side waiters still pending.
	var freedFIFO jobFIFO
	e.storage.fence.jobComplete(&freedFIFO)
	for j := freedFIFO.pop(); j != nil; j = freedFIFO.pop() {
		released = append(released, j)
	}
	return completed, released
}

// reapWaiters completes every waiter on e.jobs whose contract is now met,
// leaving the rest attached. rangeErr, if non-nil, completes every waiter
// immediately with that error instead of checking satisfaction: once any
// block in the piece has failed, no waiter's contract can still be
// fulfilled as originally submitted.
func (c *Cache) reapWaiters(e *pieceEntry, rangeErr error) (completed []*Job) {
	var keep jobFIFO
	for j := e.jobs.pop(); j != nil; j = e.jobs.pop() {
		switch {
		case rangeErr != nil:
			j.err = rangeErr
			completed = append(completed, j)
		case c.waiterSatisfied(e, j):
			if j.Kind == JobRead {
				j.resultBytes = c.copyReadResult(e, j)
			}
			completed = append(completed, j)
		default:
			keep.push(j)
		}
	}
	e.jobs = keep
	return completed
}

// waiterSatisfied reports whether j's per-kind completion contract (spec
// §4.5) is met given e's current state.
func (c *Cache) waiterSatisfied(e *pieceEntry, j *Job) bool {
	switch j.Kind {
	case JobRead:
		begin, end := c.blockRange(j.Offset, j.Size)
		for i := begin; i < end && i < uint32(len(e.blocks)); i++ {
			if !e.blocks[i].present() || e.blocks[i].pending {
				return false
			}
		}
		return true
	case JobWrite:
		begin, _ := c.blockRange(j.Offset, j.Size)
		if begin >= uint32(len(e.blocks)) {
			return true
		}
		return !e.blocks[begin].pending
	case JobHash:
		return e.hash != nil && e.hash.offsetBytes >= uint64(len(e.blocks))*uint64(c.blockSize)
	case JobSyncPiece:
		return e.refcount == 0
	default:
		return true
	}
}

// copyReadResult copies a now-satisfied JobRead waiter's blocks into its
// destination buffer, mirroring tryRead's hit-path copy loop. Called from
// reapWaiters once mark_as_done has made every block in j's range present,
// since a waiter that started as a miss never ran tryRead's own copy.
func (c *Cache) copyReadResult(e *pieceEntry, j *Job) int {
	if j.Block != nil {
		return 0
	}
	begin, end := c.blockRange(j.Offset, j.Size)
	if end > uint32(len(e.blocks)) || len(j.Buffer) < j.Size {
		return 0
	}
	copied := 0
	for i := begin; i < end; i++ {
		b := &e.blocks[i]
		srcStart := int64(0)
		if int64(i)*int64(c.blockSize) < j.Offset {
			srcStart = j.Offset - int64(i)*int64(c.blockSize)
		}
		remaining := j.Size - copied
		avail := c.blockSize - int(srcStart)
		n := avail
		if n > remaining {
			n = remaining
		}
		copy(j.Buffer[copied:copied+n], b.buf[srcStart:srcStart+int64(n)])
		b.recordHit()
		copied += n
	}
	return copied
}

// growBlocks extends e.blocks to numBlocksTotal slots if it is currently
// shorter (e.g. it was allocated as a zero-block entry by allocatePiece).
func (c *Cache) growBlocks(e *pieceEntry, numBlocksTotal uint32) {
	if uint32(len(e.blocks)) >= numBlocksTotal {
		return
	}
	grown := make([]blockEntry, numBlocksTotal)
	copy(grown, e.blocks)
	e.blocks = grown
}
