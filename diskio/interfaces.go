package diskio

import "time"

// ACBOp identifies whether an Async Control Block is a read or a write.
type ACBOp int

const (
	ACBRead ACBOp = iota
	ACBWrite
)

// ACB is one pending backend operation: an iovec, an offset, and a back
// reference to the Handler aggregating it with its siblings. Storage
// implementations may build chains of these and return the head; the
// scheduler discards the returned ACB, so ordering and issuing chained ACBs
// is left to the backend, and it never looks inside FileHandle or Iovec.
type ACB struct {
	FileHandle     interface{}
	PhysicalOffset uint64
	Iovec          [][]byte
	Op             ACBOp

	SiblingPrev *ACB
	SiblingNext *ACB

	Handler *Handler

	// ACB has no engine-private list links: the scheduler keeps no
	// to_issue or in_progress list of ACBs.
}

// Storage is the out-of-scope backend trait named in spec §6: file layout,
// padding, and sparse-hole detection all live on the other side of this
// interface. The core only ever calls through it.
type Storage interface {
	Initialize(allocateFiles bool) error

	AsyncReadv(iovec [][]byte, piece uint32, offset int64, flags int, handler *Handler) (*ACB, error)
	AsyncWritev(iovec [][]byte, piece uint32, offset int64, flags int, handler *Handler) (*ACB, error)

	ReadvDone(iovec [][]byte, piece uint32, offset int64) error

	HasAnyFile() bool

	MoveStorage(path string) error
	RenameFile(index int, newName string) error
	ReleaseFiles() error
	DeleteFiles() error
	FinalizeFile(index int) error

	VerifyResumeData(encoded []byte) bool
	WriteResumeData() ([]byte, error)

	PhysicalOffset(piece uint32, offset int64) uint64
	HintRead(piece uint32, offset int64, length int)

	// SparseEnd returns the next piece index not inside a sparse hole,
	// starting the search at piece.
	SparseEnd(piece uint32) uint32
}

// Hasher is the out-of-scope hash-primitive trait named in spec §6. The
// core only ever submits block ranges to it and waits for a hashing-done
// job to be posted back through the completion hook.
type Hasher interface {
	// AsyncHash submits [beginBlock, endBlock) of the given piece for
	// hashing. It returns true if the work was handed to a worker (a
	// hashing-done job will eventually be posted), or false if the caller
	// should hash the range inline before returning.
	AsyncHash(storage *StorageHandle, piece uint32, beginBlock, endBlock uint32) bool

	// HashJobDone is invoked by the scheduler's completion path once a
	// hashing-done job for this (storage, piece) has been dispatched, so
	// the Hasher can release any resources it held for the submission.
	HashJobDone(storage *StorageHandle, piece uint32)

	// FinalDigest returns the completed digest for a piece whose hash
	// cursor has reached the piece size. Called once, after which the
	// Hasher may discard its state for that piece.
	FinalDigest(storage *StorageHandle, piece uint32) [20]byte
}

// CompletionHook is the injected function the scheduler uses to post
// completed jobs back to the network I/O runtime (spec §6, "Completion
// hook"). userdata is opaque to the core.
type CompletionHook func(userdata interface{}, completed []Completion)

// Completion is the user-visible result of a job, always carrying an error
// value (possibly nil) per spec §7.
type Completion struct {
	Job     *Job
	Err     error
	ErrKind ErrorKind

	BytesTransferred int
	Digest           [20]byte
	BlockRef         *BlockRef

	CompletedAt time.Time
}
