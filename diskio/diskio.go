package diskio

import (
	"github.com/svn2github/libtorrent-sub001/persist"
)

// DiskIO is the entry point into the subsystem, analogous to the
// teacher's ContractManager: it owns a BufferPool, a Cache, a JobQueue and
// a Scheduler, and starts the single disk-thread goroutine that drives
// them.
type DiskIO struct {
	Pool      *BufferPool
	Cache     *Cache
	Queue     *JobQueue
	Scheduler *Scheduler
	log       *persist.Logger
}

// New constructs a DiskIO and launches its disk thread. logPath is passed
// straight to persist.NewLogger; callers that don't want file logging can
// pass os.DevNull. physicalRAM is used only to resolve an auto-selected
// CacheSize (-1) into a concrete block budget.
func New(settings Settings, blockSize int, physicalRAM int64, hasher Hasher, hook CompletionHook, userdata interface{}, logPath string) (*DiskIO, error) {
	log, err := persist.NewLogger(logPath)
	if err != nil {
		return nil, extendErr(err, "could not open diskio log")
	}

	if settings.CacheSize < 0 {
		settings.CacheSize = resolveCacheSize(settings, blockSize, physicalRAM)
	}

	pool := NewBufferPool(blockSize, settings.CacheSize)
	cache := NewCache(pool, blockSize, &settings, log, hasher)
	queue := NewJobQueue()
	sched := NewScheduler(cache, pool, queue, settings, log, hook, userdata)

	d := &DiskIO{
		Pool:      pool,
		Cache:     cache,
		Queue:     queue,
		Scheduler: sched,
		log:       log,
	}
	go sched.Run()
	return d, nil
}

// AddStorage registers a new per-torrent Storage backend and returns the
// handle every Job targeting it must carry.
func (d *DiskIO) AddStorage(backend Storage) *StorageHandle {
	return d.Scheduler.AddStorage(backend)
}

// Submit enqueues a job for the disk thread. Safe to call from any
// goroutine.
func (d *DiskIO) Submit(j *Job) {
	d.Queue.Submit(j)
}

// Close stops the disk thread and closes the log. Jobs still queued are
// completed with ErrOperationAbort; backend I/O already in flight is not
// waited for.
func (d *DiskIO) Close() error {
	err := d.Scheduler.Stop()
	if logErr := d.log.Close(); logErr != nil && err == nil {
		err = logErr
	}
	return err
}
