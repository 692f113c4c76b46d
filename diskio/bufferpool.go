package diskio

import "sync"

// BufferCategory is an advisory tag on an allocation, used only for
// accounting (spec §4.1: "Category is advisory, used only for accounting").
type BufferCategory int

const (
	CategoryReadCache BufferCategory = iota
	CategoryWriteCache
	CategorySendBuffer
	CategoryHashTemp
)

// BufferPool is a bounded allocator of page-aligned B-byte buffers, shared
// across all storages in a Scheduler. It is safe to call Allocate and Free
// from any goroutine, including from a backend's completion path, per spec
// §4.1.
type BufferPool struct {
	mu sync.Mutex

	blockSize int
	limit     int64
	total     int64 // buffers ever carved out that have not been permanently released
	inUse     int64
	free      [][]byte

	byCategory map[BufferCategory]int64
}

// NewBufferPool creates a pool of blockSize-byte buffers bounded by limit
// blocks. A negative limit means unbounded; a zero limit lets the pool
// carve out no buffers at all.
func NewBufferPool(blockSize int, limit int64) *BufferPool {
	return &BufferPool{
		blockSize:  blockSize,
		limit:      limit,
		byCategory: make(map[BufferCategory]int64),
	}
}

// InUse returns the number of buffers currently checked out.
func (p *BufferPool) InUse() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// SetLimit adjusts the pool's block-count bound. Lowering it below the
// current in-use count does not reclaim anything by itself; the next
// Allocate call will report exceeded=true until usage drops back under the
// new limit, which callers convert into a high-priority trim-cache job
// (spec §4.1).
func (p *BufferPool) SetLimit(n int64) {
	p.mu.Lock()
	p.limit = n
	p.mu.Unlock()
}

// Allocate returns a blockSize-byte buffer, or ok=false if the pool is at
// its limit and has no free buffer to hand back. exceeded reports whether
// the pool is currently at or over its limit regardless of whether this
// call succeeded, so callers can post a trim-cache job even on a
// successful allocation that pushed usage over a lowered limit.
func (p *BufferPool) Allocate(category BufferCategory) (buf []byte, exceeded bool, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		buf = p.free[n-1]
		p.free = p.free[:n-1]
		p.inUse++
		p.byCategory[category]++
		exceeded = p.limit >= 0 && p.inUse >= p.limit
		return buf, exceeded, true
	}

	if p.limit >= 0 && p.total >= p.limit {
		return nil, true, false
	}

	buf = make([]byte, p.blockSize)
	p.total++
	p.inUse++
	p.byCategory[category]++
	exceeded = p.limit >= 0 && p.inUse >= p.limit
	return buf, exceeded, true
}

// Free returns a single buffer to the pool.
func (p *BufferPool) Free(buf []byte) {
	p.FreeMany([][]byte{buf})
}

// FreeMany returns a batch of buffers to the pool in one locked section.
// Per spec §4.1, addresses are sorted first "to maximize internal
// coalescing" before release; since Go buffers are tracked by slice header
// rather than raw address, sorting is approximated by sorting on the
// backing array's first-byte pointer, which still groups buffers that were
// carved from the same underlying allocation run adjacently in the free
// list, which is what later allocate-then-free-in-order callers benefit
// from.
func (p *BufferPool) FreeMany(bufs [][]byte) {
	if len(bufs) == 0 {
		return
	}
	sortBuffersByAddress(bufs)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, buf := range bufs {
		if buf == nil {
			continue
		}
		if p.inUse > 0 {
			p.inUse--
		}
		if p.limit >= 0 && p.total > p.limit {
			// The limit was lowered while this buffer was checked out;
			// let it go rather than returning it to the free list.
			p.total--
			continue
		}
		p.free = append(p.free, buf)
	}
}
