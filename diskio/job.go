package diskio

import "time"

// JobKind tags a Job with the unit of work it describes, per spec §3.
type JobKind int

const (
	JobRead JobKind = iota
	JobWrite
	JobHash
	JobMoveStorage
	JobReleaseFiles
	JobDeleteFiles
	JobCheckFastresume
	JobSaveResumeData
	JobRenameFile
	JobAbortThread
	JobAbortTorrent
	JobClearReadCache
	JobUpdateSettings
	JobCachePiece
	JobFinalizeFile
	JobGetCacheInfo
	JobHashingDone
	JobFileStatus
	JobReclaimBlock
	JobClearPiece
	JobSyncPiece
	JobFlushPiece
	JobTrimCache
	JobAIOComplete
)

// fenceableKinds are jobs that participate in the fence machinery (spec
// §4.5, "fence-raising jobs"): move-storage, rename-file, release-files,
// delete-files and save-resume-data. Abort-torrent is not in the set: it
// stashes itself on its storage (doAbortTorrent) instead of raising the
// fence.
var fenceableKinds = map[JobKind]bool{
	JobMoveStorage:    true,
	JobRenameFile:     true,
	JobReleaseFiles:   true,
	JobDeleteFiles:    true,
	JobSaveResumeData: true,
}

// Job is a tagged unit of work submitted to the scheduler, matching spec
// §3's Job description. Job values are owned by the disk thread once
// submitted; callers must not mutate a Job after calling JobQueue.Submit.
type Job struct {
	Kind JobKind

	Storage *StorageHandle // nil for jobs with no per-storage target
	Piece   uint32
	Offset  int64
	Size    int

	Buffer []byte
	Block  *BlockRef

	ForceCopy    bool
	VolatileRead bool
	NewPath      string
	FileIndex    int
	NewName      string
	ResumeData   []byte
	NewSettings  *Settings

	Priority int

	Callback func(Completion)

	SubmittedAt time.Time

	// err accumulates a failure recorded against this job before it has a
	// completion record built for it (e.g. by mark_as_done failing every
	// waiter on an aborted range).
	err error

	// resultDigest carries a JobHash job's completed digest from
	// finishHashRange through to the Completion built for it.
	resultDigest [20]byte

	// resultBytes carries a JobRead job's copied byte count from
	// reapWaiters (the cache-miss path, where the read only satisfies once
	// mark_as_done runs) through to the Completion built for it. The
	// cache-hit path in dispatchRead builds its Completion directly from
	// tryRead's return value instead and never touches this field.
	resultBytes int

	// fenceRaised marks a fenceable job that has already raised its
	// storage's fence once; the second time the scheduler dispatches it
	// (released by fence.jobComplete once outstanding_jobs reaches zero)
	// it runs for real instead of raising the fence again.
	fenceRaised bool

	// next links jobs in the piece-entry waiter FIFO (entry.jobs) and in
	// the fence's blocked_jobs list. A Job is only ever on one such list at
	// a time.
	next *Job
}

// BlockRef is the opaque (storage, piece, block) triple handed to the
// network layer when a cache block is lent out zero-copy for sending (spec
// §3, "Block Reference"). It must be returned via a reclaim-block job or
// the pinned block leaks.
type BlockRef struct {
	storage *StorageHandle
	piece   uint32
	block   uint32
	data    []byte
}

// Bytes returns the lent buffer. The caller must not retain it past
// reclaiming the reference.
func (r *BlockRef) Bytes() []byte {
	return r.data
}

// Reclaim builds a reclaim-block job returning this reference's pin. The
// caller is still responsible for submitting the returned Job to a
// JobQueue; Reclaim does not submit it itself so callers can batch
// reclamation with other job submissions.
func (r *BlockRef) Reclaim(callback func(Completion)) *Job {
	return &Job{
		Kind:     JobReclaimBlock,
		Storage:  r.storage,
		Piece:    r.piece,
		Block:    r,
		Callback: callback,
	}
}

// jobFIFO is an intrusive singly-linked FIFO of *Job, used both for a piece
// entry's waiter queue (entry.jobs) and for a fence's blocked_jobs list.
// Pushing and popping are O(1); nothing here is safe for concurrent use; all
// callers hold whatever lock guards the container this FIFO lives in.
type jobFIFO struct {
	head, tail *Job
	len        int
}

func (q *jobFIFO) empty() bool { return q.head == nil }

func (q *jobFIFO) push(j *Job) {
	j.next = nil
	if q.tail == nil {
		q.head, q.tail = j, j
	} else {
		q.tail.next = j
		q.tail = j
	}
	q.len++
}

func (q *jobFIFO) pop() *Job {
	if q.head == nil {
		return nil
	}
	j := q.head
	q.head = j.next
	if q.head == nil {
		q.tail = nil
	}
	j.next = nil
	q.len--
	return j
}

// drainInto pops every job from q and pushes it onto dst, preserving FIFO
// order, leaving q empty. Used when a fence drops and splices blocked_jobs
// onto the front of the scheduler's queue.
func (q *jobFIFO) drainInto(dst *jobFIFO) int {
	n := q.len
	for j := q.pop(); j != nil; j = q.pop() {
		dst.push(j)
	}
	return n
}

// filterInPlace removes jobs for which keep returns false, preserving the
// relative order of the jobs that remain, and returns the removed ones in
// a new jobFIFO. The scheduler does not call it: writes complete at
// dispatch and never wait on a piece's waiter list, so clear-piece has no
// queued writes to pull off.
func (q *jobFIFO) filterInPlace(keep func(*Job) bool) jobFIFO {
	var kept, removed jobFIFO
	for j := q.pop(); j != nil; j = q.pop() {
		if keep(j) {
			kept.push(j)
		} else {
			removed.push(j)
		}
	}
	*q = kept
	return removed
}
