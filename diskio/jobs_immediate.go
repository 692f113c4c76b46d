package diskio

import (
	"sync/atomic"

	nerrors "github.com/NebulousLabs/errors"
)

// CacheInfo is the cache statistics snapshot a get-cache-info job builds
// (spec §4.5). The job's Completion carries only BlocksUsed, as
// BytesTransferred; the rest of the snapshot is not returned to the caller.
type CacheInfo struct {
	BlocksUsed    int64
	BlocksRead    int64
	BlocksWritten int64
	ReadHits      uint64
	ReadMisses    uint64
	PinnedBlocks  int64
	QueuedJobs    int
}

// dispatchImmediate is spec §4.7's jump table entry for every job kind that
// is not Read/Write/Hash/SyncPiece: it completes within this single call
// (spec §4.5's "immediate jobs" definition), including the fenceable
// storage-destructive operations once their fence has actually dropped.
// The exception is abort-torrent, which returns no completion and stays
// stashed on its storage while any of that storage's pieces remain cached.
func (s *Scheduler) dispatchImmediate(j *Job) []Completion {
	switch j.Kind {
	case JobUpdateSettings:
		return s.doUpdateSettings(j)
	case JobGetCacheInfo:
		return s.doGetCacheInfo(j)
	case JobFileStatus:
		return s.doFileStatus(j)
	case JobTrimCache:
		return s.doTrimCache(j)
	case JobClearReadCache:
		return s.doClearReadCache(j)
	case JobFinalizeFile:
		return s.doFinalizeFile(j)
	case JobCheckFastresume:
		return s.doCheckFastresume(j)
	case JobMoveStorage:
		return s.doMoveStorage(j)
	case JobRenameFile:
		return s.doRenameFile(j)
	case JobReleaseFiles:
		return s.doReleaseFiles(j)
	case JobDeleteFiles:
		return s.doDeleteFiles(j)
	case JobSaveResumeData:
		return s.doSaveResumeData(j)
	case JobAbortTorrent:
		return s.doAbortTorrent(j)
	case JobAbortThread:
		return s.doAbortThread(j)
	case JobCachePiece:
		return s.doCachePiece(j)
	case JobReclaimBlock:
		return s.doReclaimBlock(j)
	case JobClearPiece:
		return s.doClearPiece(j)
	case JobFlushPiece:
		return s.doFlushPiece(j)
	case JobAIOComplete:
		return s.doAIOComplete(j)
	case JobHashingDone:
		return s.doHashingDone(j)
	default:
		return []Completion{{Job: j, Err: nerrors.New("diskio: unhandled job kind"), ErrKind: ErrKindIoError}}
	}
}

func (s *Scheduler) doUpdateSettings(j *Job) []Completion {
	if j.NewSettings != nil {
		s.mu.Lock()
		s.settings = *j.NewSettings
		s.mu.Unlock()
		*s.cache.settings = *j.NewSettings
		s.cache.ghostSize = s.cache.settings.CacheSize / 2
		s.pool.SetLimit(s.cache.settings.CacheSize)
	}
	return []Completion{{Job: j}}
}

func (s *Scheduler) doGetCacheInfo(j *Job) []Completion {
	info := CacheInfo{
		BlocksUsed:   s.pool.InUse(),
		ReadHits:     s.cache.blocksReadHit,
		ReadMisses:   s.cache.blocksReadMiss,
		PinnedBlocks: atomic.LoadInt64(&s.cache.pinnedBlocks),
	}
	return []Completion{{Job: j, BytesTransferred: int(info.BlocksUsed)}}
}

func (s *Scheduler) doFileStatus(j *Job) []Completion {
	if j.Storage == nil {
		return []Completion{{Job: j, Err: ErrIoError, ErrKind: ErrKindIoError}}
	}
	present := j.Storage.backend.HasAnyFile()
	n := 0
	if present {
		n = 1
	}
	return []Completion{{Job: j, BytesTransferred: n}}
}

// doTrimCache evicts clean blocks until the pool is back within its limit,
// the emergency counterpart to the gradual eviction try_read/allocate_pending
// already perform on every miss (spec §4.1's trim-cache job).
func (s *Scheduler) doTrimCache(j *Job) []Completion {
	s.cache.evictReadsToFit(0, nil)
	return []Completion{{Job: j}}
}

// doClearReadCache evicts every clean, unpinned entry across all storages,
// used when a torrent's read cache should be dropped without touching its
// dirty blocks (spec §4.5, "clear-read-cache").
func (s *Scheduler) doClearReadCache(j *Job) []Completion {
	for _, state := range []cacheState{stateReadLRU1, stateReadLRU2} {
		e := s.cache.lists[state].head
		for e != nil {
			next := e.lruNext
			if !e.hasDirtyOrHash() && e.refcount == 0 {
				s.cache.evictPiece(e)
			}
			e = next
		}
	}
	return []Completion{{Job: j}}
}

func (s *Scheduler) doFinalizeFile(j *Job) []Completion {
	if j.Storage == nil {
		return []Completion{{Job: j, Err: ErrIoError, ErrKind: ErrKindIoError}}
	}
	err := j.Storage.backend.FinalizeFile(j.FileIndex)
	if err != nil {
		return []Completion{{Job: j, Err: extendErr(ErrIoError, err.Error()), ErrKind: ErrKindIoError}}
	}
	return []Completion{{Job: j}}
}

func (s *Scheduler) doCheckFastresume(j *Job) []Completion {
	if j.Storage == nil {
		return []Completion{{Job: j, Err: ErrIoError, ErrKind: ErrKindIoError}}
	}
	ok := j.Storage.backend.VerifyResumeData(j.ResumeData)
	n := 0
	if ok {
		n = 1
	}
	return []Completion{{Job: j, BytesTransferred: n}}
}

// doMoveStorage runs once the fence has dropped (spec §4.5's fence
// protocol): by the time a fenceable job's second dispatch runs, every
// backend read and write issued for the storage has completed and new jobs
// were held back meanwhile. The storage's cached pieces stay in the cache.
func (s *Scheduler) doMoveStorage(j *Job) []Completion {
	err := j.Storage.backend.MoveStorage(j.NewPath)
	return []Completion{fenceResult(j, err)}
}

func (s *Scheduler) doRenameFile(j *Job) []Completion {
	err := j.Storage.backend.RenameFile(j.FileIndex, j.NewName)
	return []Completion{fenceResult(j, err)}
}

func (s *Scheduler) doReleaseFiles(j *Job) []Completion {
	s.cache.purgeStorage(j.Storage)
	err := j.Storage.backend.ReleaseFiles()
	return []Completion{fenceResult(j, err)}
}

func (s *Scheduler) doDeleteFiles(j *Job) []Completion {
	s.cache.purgeStorage(j.Storage)
	err := j.Storage.backend.DeleteFiles()
	return []Completion{fenceResult(j, err)}
}

func (s *Scheduler) doSaveResumeData(j *Job) []Completion {
	data, err := j.Storage.backend.WriteResumeData()
	c := fenceResult(j, err)
	if err == nil {
		c.BytesTransferred = len(data)
	}
	return []Completion{c}
}

func fenceResult(j *Job, err error) Completion {
	if err != nil {
		return Completion{Job: j, Err: extendErr(ErrIoError, err.Error()), ErrKind: ErrKindIoError}
	}
	return Completion{Job: j}
}

// doAbortTorrent stashes j on its storage until every cached piece has
// drained (spec §4.5's "Abort-torrent" job), evicting what it can
// immediately.
func (s *Scheduler) doAbortTorrent(j *Job) []Completion {
	s.cache.purgeStorage(j.Storage)
	if done := j.Storage.checkAbortComplete(); done != nil {
		return []Completion{{Job: done}}
	}
	j.Storage.setAbortJob(j)
	return nil
}

// doAbortThread stops accepting new work and drains everything still
// queued, used for a full-shutdown request rather than a per-torrent one.
func (s *Scheduler) doAbortThread(j *Job) []Completion {
	go func() {
		_ = s.tg.Stop()
	}()
	return []Completion{{Job: j}}
}

// doCachePiece allocates read-ahead blocks for a piece without attaching
// any waiter, used to warm the cache (spec §4.5, "cache-piece").
func (s *Scheduler) doCachePiece(j *Job) []Completion {
	numBlocksTotal := uint32((j.Size + s.cache.blockSize - 1) / s.cache.blockSize)
	begin, end := uint32(0), numBlocksTotal
	allocated := s.cache.allocatePending(j.Storage, j.Piece, numBlocksTotal, begin, end, nil, j.Priority, false)
	if allocated == allocatePendingNoSpace {
		return []Completion{{Job: j, Err: ErrNoSpaceInCache, ErrKind: ErrKindNoSpaceInCache}}
	}
	if allocated > 0 {
		e := s.cache.find(j.Storage, j.Piece)
		s.cache.markPending(e, begin, end)
		s.issueReadv(j.Storage, e, begin, end)
	}
	return []Completion{{Job: j}}
}

// doReclaimBlock returns a previously lent BlockRef's pin, the counterpart
// to the zero-copy path in tryRead.
func (s *Scheduler) doReclaimBlock(j *Job) []Completion {
	ref := j.Block
	e := s.cache.find(ref.storage, ref.piece)
	if e != nil && ref.block < uint32(len(e.blocks)) {
		b := &e.blocks[ref.block]
		if b.refcount > 0 {
			b.decRef()
			if b.refcount == 0 {
				atomic.AddInt64(&s.cache.pinnedBlocks, -1)
			}
		}
		s.cache.reclassify(e)
		if done := ref.storage.checkAbortComplete(); done != nil {
			return []Completion{{Job: j}, {Job: done}}
		}
	}
	return []Completion{{Job: j}}
}

// doClearPiece drops a single piece from the cache, freeing its buffers,
// used when a piece is known bad (hash mismatch) and must not be served
// again. A piece that is pinned or has waiters is only marked for deletion.
func (s *Scheduler) doClearPiece(j *Job) []Completion {
	e := s.cache.find(j.Storage, j.Piece)
	if e == nil {
		return []Completion{{Job: j}}
	}
	if e.refcount > 0 || !e.jobs.empty() {
		e.markedForDeletion = true
		return []Completion{{Job: j}}
	}
	e.toGhost(s.cache.pool, e.cacheState)
	s.cache.removeEntry(e)
	if done := j.Storage.checkAbortComplete(); done != nil {
		return []Completion{{Job: j}, {Job: done}}
	}
	return []Completion{{Job: j}}
}

// doFlushPiece forces every dirty block of a single piece that is not
// already in flight out to the backend, regardless of run length or the
// configured algorithm. The job completes once the writes are issued, not
// when the backend acknowledges them.
func (s *Scheduler) doFlushPiece(j *Job) []Completion {
	e := s.cache.find(j.Storage, j.Piece)
	if e == nil {
		return []Completion{{Job: j}}
	}
	// issueFlush marks each run pending, so the next search skips it.
	for {
		begin, end, ok := longestDirtyRun(e, 0, 1)
		if !ok {
			break
		}
		s.issueFlush(flushCandidate{entry: e, begin: begin, end: end})
	}
	return []Completion{{Job: j}}
}

func (s *Scheduler) doAIOComplete(j *Job) []Completion {
	return []Completion{{Job: j}}
}

func (s *Scheduler) doHashingDone(j *Job) []Completion {
	completed := s.cache.HashingDone(j.Storage, j.Piece, uint32(j.Offset), uint32(j.Offset)+uint32(j.Size))
	var out []Completion
	for _, cj := range completed {
		c := Completion{Job: cj}
		if cj.Kind == JobHash {
			c.Digest = cj.resultDigest
		}
		out = append(out, c)
	}
	out = append(out, Completion{Job: j})
	return out
}

// purgeStorage evicts every piece belonging to storage immediately,
// regardless of ARC state, for the destructive fenceable jobs. Pieces that
// are pinned or have waiters attached are skipped and stay cached.
func (c *Cache) purgeStorage(storage *StorageHandle) {
	storage.mu.Lock()
	pieces := make([]*pieceEntry, 0, len(storage.cachedPieces))
	for _, e := range storage.cachedPieces {
		pieces = append(pieces, e)
	}
	storage.mu.Unlock()

	for _, e := range pieces {
		if e.refcount > 0 || !e.jobs.empty() {
			continue
		}
		c.lists[e.cacheState].remove(e)
		for i := range e.blocks {
			if buf := e.blocks[i].buf; buf != nil {
				c.pool.Free(buf)
			}
		}
		storage.mu.Lock()
		delete(storage.cachedPieces, e.piece)
		storage.mu.Unlock()
	}
}
