package diskio

import (
	"bytes"
	"testing"
)

// TestScenarioWriteReadRoundTripAcrossWholePiece exercises the common path
// end to end through the Scheduler: every block of a multi-block piece is
// written, then read back in a single call spanning the whole piece, with
// no backend I/O touched at all (every block is still dirty in cache).
func TestScenarioWriteReadRoundTripAcrossWholePiece(t *testing.T) {
	s, backend, sh, _ := newTestScheduler(t)
	blockSize := s.cache.blockSize
	numBlocks := 4

	payload := make([]byte, numBlocks*blockSize)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	for i := 0; i < numBlocks; i++ {
		chunk := payload[i*blockSize : (i+1)*blockSize]
		s.dispatch(&Job{Kind: JobWrite, Storage: sh, Piece: 3, Offset: int64(i * blockSize), Size: blockSize, Buffer: chunk})
	}

	dst := make([]byte, numBlocks*blockSize)
	readJob := &Job{Kind: JobRead, Storage: sh, Piece: 3, Offset: 0, Size: len(dst), Buffer: dst}
	s.dispatch(readJob)

	if !bytes.Equal(dst, payload) {
		t.Fatal("reading back a fully dirty multi-block piece should return exactly what was written")
	}
	if backend.takeHandler() != nil {
		t.Fatal("a read fully satisfied from dirty cache state must never reach the backend")
	}
}

// TestScenarioFullPieceHashCompletesAfterLastBlockWritten drives the hash
// pipeline end to end: once every block of a piece has been written,
// submitting a JobHash against it must complete with the Hasher's final
// digest for the whole piece, exercising kickHasher/finishHashRange through
// the real dispatch path rather than by poking Cache internals directly.
func TestScenarioFullPieceHashCompletesAfterLastBlockWritten(t *testing.T) {
	s, _, sh, drain := newTestScheduler(t)
	blockSize := s.cache.blockSize
	numBlocks := uint32(3)

	hasher := &fakeHasher{digest: [20]byte{9, 9, 9}}
	s.cache.hasher = hasher

	block := make([]byte, blockSize)
	for i := uint32(0); i < numBlocks; i++ {
		s.dispatch(&Job{Kind: JobWrite, Storage: sh, Piece: 0, Offset: int64(i * uint32(blockSize)), Size: blockSize, Buffer: block})
	}
	drain() // discard the write completions; only the hash job matters below

	e := s.cache.find(sh, 0)
	if e.numBlocks != numBlocks {
		t.Fatalf("expected %d blocks present, got %d", numBlocks, e.numBlocks)
	}

	hashJob := &Job{Kind: JobHash, Storage: sh, Piece: 0}
	s.dispatch(hashJob)

	got := drain()
	var found *Completion
	for i := range got {
		if got[i].Job == hashJob {
			found = &got[i]
		}
	}
	if found == nil {
		t.Fatal("the hash job should complete once every block of the piece is present")
	}
	if found.Digest != hasher.digest {
		t.Fatal("the completed hash job should carry the Hasher's final digest")
	}
}

// TestScenarioMoveStorageWaitsForOutstandingFlush exercises the fence
// against the write-back path rather than a read: a dirty block flushed by
// flushExpired leaves an outstanding backend write, and a move-storage job
// submitted while that write is unacknowledged must queue behind it.
func TestScenarioMoveStorageWaitsForOutstandingFlush(t *testing.T) {
	s, backend, sh, _ := newTestScheduler(t)

	e := s.cache.allocatePiece(sh, 0, 0, stateWriteLRU)
	markDirtyRun(s.cache, e, 0, 1)
	e.expire = jobClock().Add(-1000000000000).UnixNano()

	for _, fc := range s.cache.expiredWriteLRU(jobClock()) {
		s.issueFlush(fc)
	}
	h := backend.takeHandler()
	if h == nil {
		t.Fatal("expiredWriteLRU should have issued a backend write for the stale dirty block")
	}

	moveJob := &Job{Kind: JobMoveStorage, Storage: sh, NewPath: "/new/path"}
	s.dispatch(moveJob)

	if backend.moveCalled {
		t.Fatal("move-storage must not run while the flush it raced against is still in flight")
	}

	h.Release()
	sig := <-s.completeChan
	s.handleCompletion(sig)

	if !backend.moveCalled {
		t.Fatal("move-storage should run once the flush's completion has drained the fence")
	}
}

// TestScenarioZeroCopyHitThenReclaim covers a block lent out zero-copy: a
// read that lands exactly on one aligned, unpinned, clean block and asks to
// accept zero-copy gets back a BlockRef into the live cache buffer (not a
// copy), with the full block's byte count reported transferred and
// pinnedBlocks incremented; reclaiming it afterward drops the pin again.
func TestScenarioZeroCopyHitThenReclaim(t *testing.T) {
	s, _, sh, _ := newTestScheduler(t)
	blockSize := s.cache.blockSize

	e := s.cache.allocatePiece(sh, 5, 1, stateReadLRU1)
	s.cache.growBlocks(e, 1)
	payload := make([]byte, blockSize)
	for i := range payload {
		payload[i] = 0xAA
	}
	e.blocks[0].buf = payload
	e.numBlocks = 1

	n, ref, result := s.cache.tryRead(sh, 5, 0, blockSize, nil, true)

	if result != tryReadHit {
		t.Fatalf("result = %v, want tryReadHit", result)
	}
	if n != blockSize {
		t.Fatalf("bytes transferred = %d, want %d", n, blockSize)
	}
	if ref == nil || ref.Bytes()[0] != 0xAA {
		t.Fatal("expected a BlockRef into the original 0xAA-filled buffer")
	}
	if s.cache.pinnedBlocks != 1 {
		t.Fatalf("pinnedBlocks = %d, want 1", s.cache.pinnedBlocks)
	}

	reclaimJob := ref.Reclaim(nil)
	s.dispatch(reclaimJob)
	if s.cache.pinnedBlocks != 0 {
		t.Fatalf("pinnedBlocks after reclaim = %d, want 0", s.cache.pinnedBlocks)
	}
}

// TestScenarioReadErrorFailsAllWaiters covers spec scenario S5: two reads
// against overlapping ranges of the same cache-miss piece both attach as
// waiters on the pending allocation, and a backend error on the resulting
// read must fail both of them and leave the affected blocks freed rather
// than stuck half-pending.
func TestScenarioReadErrorFailsAllWaiters(t *testing.T) {
	s, backend, sh, _ := newTestScheduler(t)
	blockSize := s.cache.blockSize

	dst1 := make([]byte, blockSize)
	job1 := &Job{Kind: JobRead, Storage: sh, Piece: 2, Offset: 0, Size: blockSize, Buffer: dst1}
	s.dispatch(job1)

	dst2 := make([]byte, blockSize)
	job2 := &Job{Kind: JobRead, Storage: sh, Piece: 2, Offset: 0, Size: blockSize, Buffer: dst2}
	s.dispatch(job2)

	e := s.cache.find(sh, 2)
	if e == nil || e.jobs.empty() {
		t.Fatal("both overlapping reads should have attached as waiters on the pending piece")
	}

	h := backend.takeHandler()
	if h == nil {
		t.Fatal("expected the first read to issue a backend call")
	}
	h.SetError(ErrIoError)
	h.Release()

	sig := <-s.completeChan
	completions, _ := s.cache.markAsDone(sig.entry, sig.begin, sig.end, sig.err)

	foundJob1, foundJob2 := false, false
	for _, j := range completions {
		if j == job1 {
			foundJob1 = true
		}
		if j == job2 {
			foundJob2 = true
		}
		if j.err != ErrIoError {
			t.Fatalf("job completed with err=%v, want ErrIoError", j.err)
		}
	}
	if !foundJob1 || !foundJob2 {
		t.Fatal("both waiters on the failed range should complete with an error")
	}
	if e.blocks[0].present() {
		t.Fatal("a block that failed to read should be freed, not left present")
	}
}

// TestScenarioGhostHitAfterEvictionPromotesEntry covers a full ARC cycle:
// a clean piece evicted to a ghost, then a subsequent access for the same
// (storage, piece) must be recognized as a ghost hit and promoted back onto
// a live list rather than treated as an ordinary cold miss.
func TestScenarioGhostHitAfterEvictionPromotesEntry(t *testing.T) {
	s, _, sh, _ := newTestScheduler(t)

	e := s.cache.allocatePiece(sh, 9, 1, stateReadLRU1)
	s.cache.growBlocks(e, 1)
	e.blocks[0].buf = make([]byte, s.cache.blockSize)
	e.numBlocks = 1

	freed := s.cache.evictPiece(e)
	if freed != 1 {
		t.Fatalf("evictPiece freed %d blocks, want 1", freed)
	}
	if !e.isGhost() {
		t.Fatal("evictPiece should convert the entry to a ghost")
	}

	found := s.cache.findAny(sh, 9)
	if found != e {
		t.Fatal("the ghost entry should still be findable via findAny")
	}

	s.cache.recordGhostHit(found)
	if found.isGhost() {
		t.Fatal("recordGhostHit should promote the entry off the ghost list")
	}
	if s.cache.lastCacheOp != cacheOpGhostHitL1 {
		t.Fatal("the adaptation signal should reflect an L1 ghost hit")
	}
}
