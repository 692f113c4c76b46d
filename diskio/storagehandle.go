package diskio

import "sync"

// StorageHandle is the opaque per-torrent identity named in spec §3: it
// carries the storage's fence, the set of its cached pieces, a pending
// abort-job slot, and the Storage trait implementation backing it.
//
// Every field below is touched only by the single disk thread that owns
// the Cache and Scheduler (spec §5); the mutex exists solely so that
// get-cache-info / file-status immediate jobs (which also run on the disk
// thread, so in practice never contend) have the same access discipline as
// everything else reachable from outside the package, such as a future
// caller inspecting StorageHandle from a debug endpoint.
type StorageHandle struct {
	backend Storage
	fence   fence

	mu           sync.Mutex
	cachedPieces map[uint32]*pieceEntry
	abortJob     *Job

	id uint64 // key of this handle in Scheduler.storages
}

// newStorageHandle wraps a Storage implementation. id is the opaque
// identifier the Scheduler registers the handle under.
func newStorageHandle(backend Storage, id uint64) *StorageHandle {
	return &StorageHandle{
		backend:      backend,
		cachedPieces: make(map[uint32]*pieceEntry),
		id:           id,
	}
}

// setAbortJob stashes an abort-torrent job for this storage until every
// piece it owns has been evicted (spec §4.5, "Abort-torrent").
func (sh *StorageHandle) setAbortJob(j *Job) {
	sh.mu.Lock()
	sh.abortJob = j
	sh.mu.Unlock()
}

// checkAbortComplete returns and clears the pending abort job if the
// storage no longer has any cached pieces.
func (sh *StorageHandle) checkAbortComplete() *Job {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.abortJob == nil || len(sh.cachedPieces) != 0 {
		return nil
	}
	j := sh.abortJob
	sh.abortJob = nil
	return j
}
