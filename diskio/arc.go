package diskio

// pieceList is one of the five intrusive doubly-linked lists the cache
// keeps pieceEntry values on (spec §4.3). head is the most-recently-used
// end; tail is the eviction candidate.
type pieceList struct {
	head, tail *pieceEntry
	len        int64
}

func (l *pieceList) pushFront(e *pieceEntry) {
	e.lruPrev, e.lruNext = nil, l.head
	if l.head != nil {
		l.head.lruPrev = e
	}
	l.head = e
	if l.tail == nil {
		l.tail = e
	}
	l.len++
}

func (l *pieceList) remove(e *pieceEntry) {
	if e.lruPrev != nil {
		e.lruPrev.lruNext = e.lruNext
	} else if l.head == e {
		l.head = e.lruNext
	}
	if e.lruNext != nil {
		e.lruNext.lruPrev = e.lruPrev
	} else if l.tail == e {
		l.tail = e.lruPrev
	}
	e.lruPrev, e.lruNext = nil, nil
	l.len--
}

// insertEntry places a freshly allocated entry at the front of the list
// for its initial state.
func (c *Cache) insertEntry(e *pieceEntry, state cacheState) {
	e.cacheState = state
	c.lists[state].pushFront(e)
}

// removeEntry detaches e from whichever list it is on and drops it from
// its storage's index entirely, used once an entry has no blocks, no
// waiters and is not a ghost worth remembering.
func (c *Cache) removeEntry(e *pieceEntry) {
	c.lists[e.cacheState].remove(e)
	e.storage.mu.Lock()
	delete(e.storage.cachedPieces, e.piece)
	e.storage.mu.Unlock()
}

// moveTo detaches e from its current list and pushes it to the front of
// dst, updating e.cacheState.
func (c *Cache) moveTo(e *pieceEntry, dst cacheState) {
	c.lists[e.cacheState].remove(e)
	e.cacheState = dst
	c.lists[dst].pushFront(e)
}

// promote implements the classic ARC access rule (spec §4.3): a hit (or a
// fresh dirty write) moves an entry to ReadLRU2 if it was already anywhere
// in the cache, or keeps dirty entries on WriteLRU.
func (c *Cache) promote(e *pieceEntry) {
	e.expire = jobClock().UnixNano()
	if e.hasDirtyOrHash() {
		if e.cacheState != stateWriteLRU {
			c.moveTo(e, stateWriteLRU)
		} else {
			c.lists[stateWriteLRU].remove(e)
			c.lists[stateWriteLRU].pushFront(e)
		}
		return
	}
	switch e.cacheState {
	case stateReadLRU1, stateReadLRU2, stateReadLRU1Ghost, stateReadLRU2Ghost:
		c.moveTo(e, stateReadLRU2)
	default:
		c.lists[e.cacheState].remove(e)
		c.lists[e.cacheState].pushFront(e)
	}
}

// reclassify re-derives e's list membership from its current block state,
// used after mark_as_done finishes mutating blocks: a piece that just lost
// its last dirty block drops off WriteLRU onto ReadLRU2 (it was recently
// used); a piece with zero blocks and zero waiters is pruned entirely.
func (c *Cache) reclassify(e *pieceEntry) {
	if e.numBlocks == 0 && e.jobs.empty() && e.refcount == 0 && !e.markedForDeletion {
		if e.isGhost() {
			return
		}
		c.removeEntry(e)
		return
	}
	if e.hasDirtyOrHash() && e.cacheState != stateWriteLRU {
		c.moveTo(e, stateWriteLRU)
	} else if !e.hasDirtyOrHash() && e.cacheState == stateWriteLRU {
		c.moveTo(e, stateReadLRU2)
	}
}

// nonGhostBlocks returns the total number of present blocks across the
// three non-ghost lists, i.e. the quantity bounded by settings.CacheSize.
func (c *Cache) nonGhostBlocks() int64 {
	var n int64
	for _, state := range []cacheState{stateWriteLRU, stateReadLRU1, stateReadLRU2} {
		for e := c.lists[state].head; e != nil; e = e.lruNext {
			n += int64(e.numBlocks)
		}
	}
	return n
}

// evictReadsToFit tries to free at least `need` blocks' worth of room by
// evicting clean read blocks, per spec §4.3's try_evict_blocks, favouring
// whichever of ReadLRU1/ReadLRU2 the ARC balance rule picks; protect, if
// non-nil, is never evicted (the entry currently being grown). It returns
// the remaining shortfall (0 if fully satisfied).
func (c *Cache) evictReadsToFit(need int, protect *pieceEntry) int {
	limit := c.settings.CacheSize
	for c.nonGhostBlocks()+int64(need) > limit {
		victim := c.pickEvictionVictim(protect)
		if victim == nil {
			break
		}
		if freed := c.evictPiece(victim); freed == 0 {
			break
		}
	}
	short := c.nonGhostBlocks() + int64(need) - limit
	if short <= 0 {
		return 0
	}
	if short > int64(need) {
		return need
	}
	return int(short)
}

// pickEvictionVictim applies the ARC list-balance rule from spec §4.3: the
// last ghost-hit signal picks the list to shrink (an L1 ghost hit shrinks
// ReadLRU2 so ReadLRU1 can grow, and vice versa); with no ghost hit,
// ReadLRU1 is shrunk first whenever it is non-empty. The tail entry of
// that list (skipping dirty/pinned/protected entries) is returned, falling
// back to the other list.
func (c *Cache) pickEvictionVictim(protect *pieceEntry) *pieceEntry {
	primary, secondary := stateReadLRU1, stateReadLRU2
	switch c.lastCacheOp {
	case cacheOpGhostHitL2:
		primary, secondary = stateReadLRU1, stateReadLRU2
	case cacheOpGhostHitL1:
		primary, secondary = stateReadLRU2, stateReadLRU1
	default:
		if c.lists[stateReadLRU1].len > 0 {
			primary, secondary = stateReadLRU1, stateReadLRU2
		} else {
			primary, secondary = stateReadLRU2, stateReadLRU1
		}
	}

	if v := c.tailCandidate(primary, protect); v != nil {
		return v
	}
	return c.tailCandidate(secondary, protect)
}

// tailCandidate scans state's list from the tail for the first entry that
// is unprotected, has no dirty blocks, and has no pinned (refcount>0)
// blocks.
func (c *Cache) tailCandidate(state cacheState, protect *pieceEntry) *pieceEntry {
	for e := c.lists[state].tail; e != nil; e = e.lruPrev {
		if e == protect {
			continue
		}
		if e.hasDirtyOrHash() || e.refcount > 0 {
			continue
		}
		if e.numBlocks == 0 {
			continue
		}
		return e
	}
	return nil
}

// evictPiece frees every clean block on e, converts it to a ghost entry
// on the ghost list matching its read list, and enforces the ghost-list
// size bound. Returns the number of blocks freed.
func (c *Cache) evictPiece(e *pieceEntry) int {
	freed := int(e.numBlocks)
	ghostState := stateReadLRU1Ghost
	if e.cacheState == stateReadLRU2 {
		ghostState = stateReadLRU2Ghost
	}
	e.toGhost(c.pool, ghostState)
	c.moveTo(e, ghostState)
	c.numGhost++
	c.trimGhosts()
	return freed
}

// trimGhosts drops the least-recently-used ghost entries once the
// combined ghost population exceeds ghostSize, per spec §4.3's closing
// note that ghost entries are themselves bounded to avoid unbounded
// metadata growth.
func (c *Cache) trimGhosts() {
	for c.numGhost > c.ghostSize {
		victim := c.oldestGhost()
		if victim == nil {
			return
		}
		c.removeEntry(victim)
		c.numGhost--
	}
}

func (c *Cache) oldestGhost() *pieceEntry {
	if e := c.lists[stateReadLRU1Ghost].tail; e != nil {
		return e
	}
	return c.lists[stateReadLRU2Ghost].tail
}

// recordGhostHit applies spec §4.3's ARC adaptation rule: a hit on a ghost
// entry means the corresponding non-ghost list should be allowed to grow,
// so lastCacheOp is recorded and the ghost entry is promoted back to a
// real (empty) entry on the matching non-ghost list, ready for
// allocate_pending to refill its blocks.
func (c *Cache) recordGhostHit(e *pieceEntry) {
	switch e.cacheState {
	case stateReadLRU1Ghost:
		c.lastCacheOp = cacheOpGhostHitL1
		c.moveTo(e, stateReadLRU1)
	case stateReadLRU2Ghost:
		c.lastCacheOp = cacheOpGhostHitL2
		c.moveTo(e, stateReadLRU2)
	}
	c.numGhost--
}
