package diskio

import (
	"sync"
	"sync/atomic"
)

// Handler aggregates a chain of ACBs into one logical request (spec §3,
// "Async Handler"). Each ACB in the chain holds a reference to the same
// Handler; when the last one completes, onComplete runs exactly once.
type Handler struct {
	refcount    int32 // atomic
	transferred int64 // atomic

	errOnce sync.Once
	errMu   sync.Mutex
	err     error

	onComplete func(h *Handler)

	// job/entry back-references let onComplete route into the cache or
	// straight to a job completion without a second lookup.
	job   *Job
	begin uint32
	end   uint32
}

// newHandler creates a Handler covering n ACBs. onComplete is invoked
// exactly once, when the refcount reaches zero, from whichever goroutine
// processes the final completion.
func newHandler(n int32, job *Job, begin, end uint32, onComplete func(h *Handler)) *Handler {
	return &Handler{
		refcount:   n,
		onComplete: onComplete,
		job:        job,
		begin:      begin,
		end:        end,
	}
}

// NewHandler constructs a Handler covering n ACBs, for Storage
// implementations' own tests that drive AsyncReadv/AsyncWritev directly
// without a Scheduler backing them. Production code never calls this
// itself; the scheduler builds its own Handlers via issueReadv/issueFlush.
func NewHandler(n int32, onComplete func(h *Handler)) *Handler {
	return newHandler(n, nil, 0, 0, onComplete)
}

// AddTransferred accumulates bytes transferred by one ACB in the chain.
// Called by Storage implementations as each ACB in a chain completes.
func (h *Handler) AddTransferred(n int) {
	atomic.AddInt64(&h.transferred, int64(n))
}

// BytesTransferred returns the total bytes transferred by all ACBs in the
// chain so far.
func (h *Handler) BytesTransferred() int64 {
	return atomic.LoadInt64(&h.transferred)
}

// SetError records err as the handler's error if none has been recorded
// yet. Per spec §7, "later failures are ignored" once the first is set.
// Called by Storage implementations when an ACB in the chain fails.
func (h *Handler) SetError(err error) {
	if err == nil {
		return
	}
	h.errOnce.Do(func() {
		h.errMu.Lock()
		h.err = err
		h.errMu.Unlock()
	})
}

// Err returns the first error recorded against the handler, or nil.
func (h *Handler) Err() error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return h.err
}

// Release decrements the handler's refcount by one, as one ACB in its
// chain completes. When the count reaches zero, onComplete runs. Release
// must only be called once per ACB, by whichever Storage implementation
// owns that ACB.
func (h *Handler) Release() {
	if atomic.AddInt32(&h.refcount, -1) == 0 && h.onComplete != nil {
		h.onComplete(h)
	}
}

// outstanding reports how many ACBs in the chain have not yet completed.
func (h *Handler) outstanding() int32 {
	return atomic.LoadInt32(&h.refcount)
}

// acbChainLen walks a chain of ACBs via SiblingNext and returns its length,
// used when a Storage implementation hands back a chain and the scheduler
// needs to know how many refs to give the Handler.
func acbChainLen(head *ACB) int32 {
	var n int32
	for a := head; a != nil; a = a.SiblingNext {
		n++
	}
	return n
}

// acbChainAppend appends chain b after the tail of chain a and returns the
// new head (a, unless a was nil). Used when a job's translation produces
// more than one independent Storage call (e.g. a write that spans a region
// the backend prefers to split).
func acbChainAppend(a, b *ACB) *ACB {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	tail := a
	for tail.SiblingNext != nil {
		tail = tail.SiblingNext
	}
	tail.SiblingNext = b
	b.SiblingPrev = tail
	return a
}
