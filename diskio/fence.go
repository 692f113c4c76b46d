package diskio

import (
	"github.com/NebulousLabs/demotemutex"
)

// fence is the per-storage barrier described in spec §4.8: once raised, no
// new job for the storage begins execution until the raiser completes;
// jobs already in flight are allowed to drain.
//
// The fence state is guarded by a demotemutex.DemoteMutex used as a plain
// exclusive lock: every method takes Lock and releases it with Unlock, and
// none demotes to the shared lock.
type fence struct {
	lock demotemutex.DemoteMutex

	hasFence         bool
	blockedJobs      jobFIFO
	outstandingJobs  int
}

// newJob records that a job has become attached to a piece belonging to
// this storage, incrementing outstanding_jobs.
func (f *fence) newJob() {
	f.lock.Lock()
	f.outstandingJobs++
	f.lock.Unlock()
}

// jobComplete records that a job belonging to this storage has detached.
// If the fence is up and outstanding_jobs has reached zero, the fence drops
// and blocked_jobs is spliced onto the front of out. Returns the number of
// jobs released.
func (f *fence) jobComplete(out *jobFIFO) int {
	f.lock.Lock()
	f.outstandingJobs--
	if f.outstandingJobs < 0 {
		f.outstandingJobs = 0
	}
	released := 0
	if f.hasFence && f.outstandingJobs == 0 {
		f.hasFence = false
		var released2 jobFIFO
		// Splice blocked_jobs onto the FRONT of out: pop everything
		// currently in out, then push blocked_jobs, then push the old
		// contents back. This preserves "blocked_jobs drained to the
		// front" without requiring out to support prepend natively.
		for j := out.pop(); j != nil; j = out.pop() {
			released2.push(j)
		}
		released = f.blockedJobs.drainInto(out)
		released2.drainInto(out)
	}
	f.lock.Unlock()
	return released
}

// isBlocked reports whether a fence is currently up for this storage,
// pushing j onto blocked_jobs if so. Safe to call concurrently with other
// isBlocked calls and with the demoted tail of raiseFence/jobComplete.
func (f *fence) isBlocked(j *Job) bool {
	f.lock.RLock()
	blocked := f.hasFence
	f.lock.RUnlock()
	if !blocked {
		return false
	}
	// A second check under the exclusive lock avoids a lost wakeup if the
	// fence dropped between the RLock check and here.
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.hasFence {
		return false
	}
	f.blockedJobs.push(j)
	return true
}

// raiseFence sets has_fence and enqueues j as the fence-raising operation
// itself; j executes only once the fence drops and no outstanding jobs
// remain. Raising a fence while one is already up is idempotent in the
// sense required by spec §8: the raiser is simply enqueued as another
// blocked job, no state is lost.
//
// If no backend operation is outstanding at the moment the fence is
// raised, there is nothing left for it to wait on; j is returned via
// ready rather than queued, since no future jobComplete call would ever
// arrive to release it otherwise.
func (f *fence) raiseFence(j *Job) (ready *Job) {
	f.lock.Lock()
	f.hasFence = true
	if f.outstandingJobs == 0 {
		f.hasFence = false
		f.lock.Unlock()
		return j
	}
	f.blockedJobs.push(j)
	f.lock.Unlock()
	return nil
}

// up reports whether the fence is currently raised.
func (f *fence) up() bool {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return f.hasFence
}
