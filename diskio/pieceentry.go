package diskio

// cacheState identifies which of the five ARC-variant lists a pieceEntry
// currently sits on (spec §4.3 / glossary).
type cacheState int

const (
	stateWriteLRU cacheState = iota
	stateReadLRU1
	stateReadLRU1Ghost
	stateReadLRU2
	stateReadLRU2Ghost
)

// pieceHash is the optional partial-hash state carried by a pieceEntry
// (spec §3): a monotonically advancing byte cursor, plus whichever opaque
// identity the Hasher implementation needs to resume a digest (tracked
// entirely on the Hasher's side of the interface; the core only needs the
// cursor and a hashing-in-progress marker).
type pieceHash struct {
	offsetBytes uint64
}

// hashIdle is the sentinel value of pieceEntry.hashing meaning "no hash
// range is currently submitted to the Hasher".
const hashIdle = -1

// pieceEntry is the Cached Piece Entry from spec §3, keyed by (storage,
// piece-index) via the storage's cachedPieces map.
type pieceEntry struct {
	storage *StorageHandle
	piece   uint32

	blocks    []blockEntry
	numBlocks uint32
	numDirty  uint32
	refcount  uint32

	jobs jobFIFO

	hash    *pieceHash
	hashing int32 // hashIdle, or the first block index being hashed

	cacheState cacheState
	expire     int64 // unix nanos of last promotion; monotonic via injected clock

	markedForDeletion bool
	needReadback      bool

	// intrusive doubly-linked list membership within whichever list
	// cacheState names (see arc.go).
	lruPrev, lruNext *pieceEntry
}

// newPieceEntry allocates a piece entry with numBlocksTotal blocks, all
// empty, in the given initial cache state.
func newPieceEntry(storage *StorageHandle, piece uint32, numBlocksTotal uint32, state cacheState) *pieceEntry {
	return &pieceEntry{
		storage:    storage,
		piece:      piece,
		blocks:     make([]blockEntry, numBlocksTotal),
		hashing:    hashIdle,
		cacheState: state,
	}
}

// isGhost reports whether the entry holds only metadata (spec §3: "A ghost
// entry has num_blocks == 0 and holds only metadata").
func (e *pieceEntry) isGhost() bool {
	return e.cacheState == stateReadLRU1Ghost || e.cacheState == stateReadLRU2Ghost
}

// toGhost releases every block's buffer back to pool and truncates the
// entry to metadata-only, transitioning it to the given ghost state.
func (e *pieceEntry) toGhost(pool *BufferPool, state cacheState) {
	var toFree [][]byte
	for i := range e.blocks {
		if buf := e.blocks[i].buf; buf != nil {
			toFree = append(toFree, buf)
		}
	}
	if len(toFree) > 0 {
		pool.FreeMany(toFree)
	}
	e.blocks = nil
	e.numBlocks = 0
	e.numDirty = 0
	e.refcount = 0
	e.cacheState = state
}

// hasDirtyOrHash reports whether the entry must live on WriteLRU per the
// invariant `num_dirty > 0 ∨ hash ≠ ∅ ⇔ cache_state ∈ {WriteLRU}`.
func (e *pieceEntry) hasDirtyOrHash() bool {
	return e.numDirty > 0 || e.hash != nil
}

// recomputeRefcount recomputes e.refcount from its blocks, used by
// checkInvariants (spec §8, invariant 1) and by call sites that have just
// bulk-mutated blocks directly.
func (e *pieceEntry) recomputeRefcount() uint32 {
	var sum uint32
	for i := range e.blocks {
		sum += uint32(e.blocks[i].refcount)
	}
	return sum
}
