package diskio

// kickHasher implements spec §4.6: whenever a piece entry's written range
// advances, check whether a contiguous run starting at its hash cursor is
// now fully present (a pending read ends the run; a dirty block in flight
// to the backend does not), and if so submit it to the Hasher.
// Only one hash submission is ever outstanding per piece (hashing tracks
// this); kickHasher is a no-op if one is already in flight.
func (c *Cache) kickHasher(e *pieceEntry) {
	if c.hasher == nil || e.hashing != hashIdle {
		return
	}
	if e.numBlocks == 0 {
		return
	}

	startBlock := uint32(0)
	if e.hash != nil {
		startBlock = uint32(e.hash.offsetBytes / uint64(c.blockSize))
	}

	end := startBlock
	for end < uint32(len(e.blocks)) {
		b := &e.blocks[end]
		// A block in flight for a dirty write-back is still the same bytes
		// the hasher would read; only a pending *read* (still uninitialized
		// on disk) must stop the run.
		if !b.present() || (b.pending && !b.dirty) || b.uninitialized {
			break
		}
		end++
	}
	if end == startBlock {
		return
	}

	// The whole present run is hashed regardless of the write-back
	// algorithm; under AvoidReadback, finishHashRange clears needReadback
	// once the hash cursor reaches the end of the piece.
	e.hashing = int32(startBlock)
	if e.hash == nil {
		e.hash = &pieceHash{}
	}

	submitted := c.hasher.AsyncHash(e.storage, e.piece, startBlock, end)
	if !submitted {
		c.finishHashRange(e, startBlock, end)
	}
}

// finishHashRange advances a piece's hash cursor past [begin, end) and, if
// that reaches the end of the piece, fetches the final digest and
// completes the hash job waiting on entry.jobs (a JobHash job per spec
// §4.5's "Hash" job semantics).
func (c *Cache) finishHashRange(e *pieceEntry, begin, end uint32) []*Job {
	e.hash.offsetBytes = uint64(end) * uint64(c.blockSize)
	e.hashing = hashIdle

	if end >= uint32(len(e.blocks)) && c.settings.DiskCacheAlgorithm == AlgorithmAvoidReadback {
		e.needReadback = false
	}

	var completed []*Job
	if e.hash.offsetBytes >= uint64(len(e.blocks))*uint64(c.blockSize) {
		digest := c.hasher.FinalDigest(e.storage, e.piece)
		var keep jobFIFO
		for j := e.jobs.pop(); j != nil; j = e.jobs.pop() {
			if j.Kind == JobHash {
				j.resultDigest = digest
				completed = append(completed, j)
			} else {
				keep.push(j)
			}
		}
		e.jobs = keep
		e.hash = nil
	}

	c.hasher.HashJobDone(e.storage, e.piece)

	// Only chase further blocks if the piece isn't fully hashed yet
	// (e.hash is nil exactly when it just finished above): once a piece's
	// hash reaches its end, nothing will ever extend it again, and kicking
	// here unconditionally would rediscover the same already-hashed
	// blocks still sitting present in cache and resubmit the whole piece
	// every time an unrelated job (e.g. an ordinary read) calls kickHasher
	// on it afterwards.
	if e.hash != nil {
		c.kickHasher(e)
	}
	return completed
}

// HashingDone is the immediate job handler backing spec §4.5's
// "hashing-done" job: the Hasher posts this once an AsyncHash submission
// completes, carrying the same [begin, end) range it was given.
func (c *Cache) HashingDone(storage *StorageHandle, piece uint32, begin, end uint32) []*Job {
	e := c.find(storage, piece)
	if e == nil {
		return nil
	}
	return c.finishHashRange(e, begin, end)
}
