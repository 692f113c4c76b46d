package diskio

import (
	"sync"
	"time"

	"github.com/NebulousLabs/threadgroup"

	"github.com/svn2github/libtorrent-sub001/persist"
)

// Scheduler is the disk thread from spec §4.7/§5: a single goroutine that
// owns the Cache exclusively, draining JobQueue, running the ARC
// bookkeeping, handing async work to Storage, and posting completions
// through a CompletionHook.
type Scheduler struct {
	cache *Cache
	pool  *BufferPool
	queue *JobQueue
	log   *persist.Logger
	tg    threadgroup.ThreadGroup

	hook     CompletionHook
	userdata interface{}

	mu           sync.Mutex
	settings     Settings
	storages     map[uint64]*StorageHandle
	nextStorage  uint64

	expiryTicker *time.Ticker
	completeChan chan completionSignal
}

// completionSignal is posted by a Handler's onComplete callback (running
// on whatever goroutine the Storage backend completes work from) to wake
// the scheduler and hand it the finished range.
type completionSignal struct {
	entry *pieceEntry
	begin uint32
	end   uint32
	err   error
}

// NewScheduler wires a Cache, BufferPool, JobQueue, logger and completion
// hook together, analogous to the teacher's newContractManager wiring its
// WAL, its file set and its persist directory.
func NewScheduler(cache *Cache, pool *BufferPool, queue *JobQueue, settings Settings, log *persist.Logger, hook CompletionHook, userdata interface{}) *Scheduler {
	return &Scheduler{
		cache:        cache,
		pool:         pool,
		queue:        queue,
		log:          log,
		settings:     settings,
		storages:     make(map[uint64]*StorageHandle),
		hook:         hook,
		userdata:     userdata,
		completeChan: make(chan completionSignal, 64),
		expiryTicker: time.NewTicker(expiryTickInterval * time.Second),
	}
}

// AddStorage registers a Storage backend and returns the handle jobs must
// target. The returned id is stable for the lifetime of the Scheduler.
func (s *Scheduler) AddStorage(backend Storage) *StorageHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextStorage++
	sh := newStorageHandle(backend, s.nextStorage)
	s.storages[sh.id] = sh
	return sh
}

// Run is the dispatch loop: it must be started in exactly one goroutine
// (diskio.New starts it with `go sched.Run()`). It returns once the
// ThreadGroup is stopped.
func (s *Scheduler) Run() {
	if err := s.tg.Add(); err != nil {
		return
	}
	defer s.tg.Done()

	for {
		select {
		case <-s.tg.StopChan():
			s.drainShutdown()
			return
		case <-s.queue.notify:
			s.drainAndDispatch()
		case sig := <-s.completeChan:
			s.handleCompletion(sig)
		case <-s.expiryTicker.C:
			s.flushExpired()
		}
	}
}

// drainShutdown stops the expiry ticker, closes the queue, and completes
// every job still queued with ErrOperationAbort. It does not wait for
// backend reads, writes or hashes already in flight: Run returns without
// processing their completion signals.
func (s *Scheduler) drainShutdown() {
	s.expiryTicker.Stop()
	s.queue.close()
	var pending jobFIFO
	s.queue.drain(&pending)
	for j := pending.pop(); j != nil; j = pending.pop() {
		s.post(Completion{Job: j, Err: ErrOperationAbort, ErrKind: ErrKindOperationAborted, CompletedAt: jobClock()})
	}
}

// jobClock is a seam so tests can stub out wall-clock reads; production
// code always calls time.Now.
var jobClock = time.Now

// drainAndDispatch pulls every job submitted since the last wakeup and
// runs perform_async_job on each, per spec §4.7 step 3.
func (s *Scheduler) drainAndDispatch() {
	var batch jobFIFO
	s.queue.drain(&batch)
	for j := batch.pop(); j != nil; j = batch.pop() {
		s.dispatch(j)
	}
}

// dispatch is spec §4.7's perform_async_job jump table. Immediate jobs run
// to completion here; async jobs (read/write/hash/sync-piece) either
// complete inline on a cache hit or hand off to the backend and return.
//
// The fence itself is accounted for at the point physical I/O is issued
// (issueReadv/issueFlush) and released when that I/O completes
// (markAsDone), not here: a job that merely waits on cache state (a
// queued write, a hash waiter, a sync-piece waiter) never touches the
// backend and so is not something a destructive fenced operation needs to
// drain before it is safe to run.
func (s *Scheduler) dispatch(j *Job) {
	if j.Storage != nil && fenceableKinds[j.Kind] && !j.fenceRaised {
		j.fenceRaised = true
		if ready := j.Storage.fence.raiseFence(j); ready != nil {
			s.dispatch(ready)
		}
		return
	}
	if j.Storage != nil && j.Storage.fence.isBlocked(j) {
		return
	}

	var completions []Completion
	switch j.Kind {
	case JobRead:
		completions = s.dispatchRead(j)
	case JobWrite:
		completions = s.dispatchWrite(j)
	case JobHash:
		completions = s.dispatchHash(j)
	case JobSyncPiece:
		completions = s.dispatchSyncPiece(j)
	default:
		completions = s.dispatchImmediate(j)
	}

	if completions != nil {
		s.post(completions...)
	}
}

// post stamps CompletedAt and forwards completions to the hook.
func (s *Scheduler) post(completions ...Completion) {
	if s.hook == nil || len(completions) == 0 {
		return
	}
	now := jobClock()
	for i := range completions {
		completions[i].CompletedAt = now
	}
	s.hook(s.userdata, completions)
}

// dispatchRead implements the Read job: try_read against the cache, and on
// a miss allocate_pending + issue an AsyncReadv.
func (s *Scheduler) dispatchRead(j *Job) []Completion {
	n, ref, result := s.cache.tryRead(j.Storage, j.Piece, j.Offset, j.Size, j.Buffer, j.Block != nil || j.VolatileRead)
	switch result {
	case tryReadHit:
		return []Completion{{Job: j, BytesTransferred: n, BlockRef: ref}}
	case tryReadNoMemory:
		return []Completion{{Job: j, Err: ErrNoMemory, ErrKind: ErrKindNoMemory}}
	}

	numBlocksTotal := uint32((j.Offset+int64(j.Size)+int64(s.cache.blockSize)-1) / int64(s.cache.blockSize))
	begin, end := s.cache.blockRange(j.Offset, j.Size)
	if numBlocksTotal < end {
		numBlocksTotal = end
	}
	priority := j.Priority
	allocated := s.cache.allocatePending(j.Storage, j.Piece, numBlocksTotal, begin, end, j, priority, j.ForceCopy)
	if allocated == allocatePendingNoSpace {
		return []Completion{{Job: j, Err: ErrNoSpaceInCache, ErrKind: ErrKindNoSpaceInCache}}
	}

	// allocated == 0 means every block in [begin, end) was already
	// present-or-pending before this call: some earlier job's read chain
	// already covers this range. j has already been attached as a waiter by
	// allocatePending above and will complete when that chain's markAsDone
	// reaps it; issuing another backend read here would double the physical
	// I/O and double-count markPending's refcount bump for a range that is
	// only actually outstanding once.
	if allocated == 0 {
		return nil
	}

	e := s.cache.find(j.Storage, j.Piece)
	s.cache.markPending(e, begin, end)
	s.issueReadv(j.Storage, e, begin, end)
	return nil
}

// issueReadv builds the iovec for [begin,end) and hands it to the backend.
// It raises the fence's outstanding-job count for the duration of the
// backend call; markAsDone drops the matching count once the completion
// signal this Handler posts has been processed.
func (s *Scheduler) issueReadv(sh *StorageHandle, e *pieceEntry, begin, end uint32) {
	sh.fence.newJob()
	iovec := make([][]byte, 0, end-begin)
	for i := begin; i < end; i++ {
		iovec = append(iovec, e.blocks[i].buf)
	}
	h := newHandler(1, nil, begin, end, func(hd *Handler) {
		s.completeChan <- completionSignal{entry: e, begin: begin, end: end, err: hd.Err()}
	})
	offset := int64(begin) * int64(s.cache.blockSize)
	_, err := sh.backend.AsyncReadv(iovec, e.piece, offset, 0, h)
	if err != nil {
		h.SetError(err)
		h.Release()
	}
}

// dispatchWrite implements the Write job: copy (or adopt) the caller's
// buffer into the cache as a dirty block. Writes complete synchronously
// from the caller's point of view (spec §4.5): the data is durably queued
// once add_dirty_block returns, even though the backend I/O is deferred to
// write-back.
func (s *Scheduler) dispatchWrite(j *Job) []Completion {
	blockIdx := uint32(j.Offset / int64(s.cache.blockSize))
	numBlocksTotal := blockIdx + 1

	buf, exceeded, ok := s.pool.Allocate(CategoryWriteCache)
	if !ok {
		return []Completion{{Job: j, Err: ErrNoMemory, ErrKind: ErrKindNoMemory}}
	}
	copy(buf, j.Buffer)

	s.cache.addDirtyBlock(j.Storage, j.Piece, numBlocksTotal, blockIdx, buf, nil)
	if exceeded {
		s.dispatch(&Job{Kind: JobTrimCache, Priority: 1})
	}
	return []Completion{{Job: j, BytesTransferred: j.Size}}
}

// dispatchHash implements the Hash job: attach as a waiter and kick the
// hasher. If that finishes the piece inline, the job completes here;
// otherwise the hashing-done job for the final range completes it.
func (s *Scheduler) dispatchHash(j *Job) []Completion {
	e := s.cache.allocatePiece(j.Storage, j.Piece, 0, stateWriteLRU)
	if e.hash != nil && e.hash.offsetBytes >= uint64(len(e.blocks))*uint64(s.cache.blockSize) && len(e.blocks) > 0 {
		digest := s.cache.hasher.FinalDigest(j.Storage, j.Piece)
		return []Completion{{Job: j, Digest: digest}}
	}
	e.jobs.push(j)
	s.cache.kickHasher(e)
	// A synchronous Hasher finishes the piece inside kickHasher, which pops
	// j off e.jobs with its digest set; complete it here in that case.
	for w := e.jobs.head; w != nil; w = w.next {
		if w == j {
			return nil
		}
	}
	return []Completion{{Job: j, Digest: j.resultDigest}}
}

// dispatchSyncPiece implements the SyncPiece job (spec §4.5): complete
// immediately if the piece has no pinned blocks, else wait as a FIFO
// waiter for mark_as_done to release it.
func (s *Scheduler) dispatchSyncPiece(j *Job) []Completion {
	e := s.cache.find(j.Storage, j.Piece)
	if e == nil || e.refcount == 0 {
		return []Completion{{Job: j}}
	}
	e.jobs.push(j)
	return nil
}

// handleCompletion is invoked on the disk thread (via completeChan) once a
// backend finishes an AsyncReadv/AsyncWritev chain. It runs mark_as_done
// and posts whatever waiters that unblocked.
func (s *Scheduler) handleCompletion(sig completionSignal) {
	completed, released := s.cache.markAsDone(sig.entry, sig.begin, sig.end, sig.err)
	var out []Completion
	for _, j := range completed {
		c := Completion{Job: j}
		if j.err != nil {
			c.Err = j.err
			c.ErrKind = errKindOf(j.err)
		}
		switch j.Kind {
		case JobHash:
			c.Digest = j.resultDigest
		case JobRead:
			c.BytesTransferred = j.resultBytes
		}
		out = append(out, c)
	}
	s.post(out...)

	// released holds jobs the fence was withholding (the fence-raiser
	// itself, plus anything that arrived while it was up); now that the
	// last outstanding backend operation for this storage has finished,
	// they are free to run for real.
	for _, rj := range released {
		s.dispatch(rj)
	}
}

// flushExpired runs flush_expired_write_blocks plus the configured
// selection algorithm, issuing AsyncWritev for every candidate.
func (s *Scheduler) flushExpired() {
	for _, fc := range s.cache.expiredWriteLRU(jobClock()) {
		s.issueFlush(fc)
	}
	for _, fc := range s.cache.selectFlushCandidates(8) {
		s.issueFlush(fc)
	}
}

func (s *Scheduler) issueFlush(fc flushCandidate) {
	e := fc.entry
	e.storage.fence.newJob()
	s.cache.markPending(e, fc.begin, fc.end)
	iovec := make([][]byte, 0, fc.end-fc.begin)
	for i := fc.begin; i < fc.end; i++ {
		iovec = append(iovec, e.blocks[i].buf)
	}
	h := newHandler(1, nil, fc.begin, fc.end, func(hd *Handler) {
		s.completeChan <- completionSignal{entry: e, begin: fc.begin, end: fc.end, err: hd.Err()}
	})
	offset := int64(fc.begin) * int64(s.cache.blockSize)
	_, err := e.storage.backend.AsyncWritev(iovec, e.piece, offset, 0, h)
	if err != nil {
		h.SetError(err)
		h.Release()
	}
}

// UpdateSettings submits an immediate settings swap, synchronized through
// the same job queue as everything else so it is never applied
// mid-dispatch.
func (s *Scheduler) UpdateSettings(newSettings Settings) {
	s.queue.Submit(&Job{Kind: JobUpdateSettings, NewSettings: &newSettings})
}

// Stop signals the dispatch loop to exit and waits for it.
func (s *Scheduler) Stop() error {
	return s.tg.Stop()
}
