package diskio

import "time"

// DiskCacheAlgorithm selects the write-back strategy used by the scheduler
// when draining dirty blocks from WriteLRU (spec §4.4).
type DiskCacheAlgorithm int

const (
	// AlgorithmAvoidReadback flushes the dirty prefix of each piece up to
	// the piece's hash cursor, so that no flushed block will later need to
	// be read back to complete hashing. This is the default.
	AlgorithmAvoidReadback DiskCacheAlgorithm = iota

	// AlgorithmLargestContiguous flushes the longest run of dirty,
	// non-pending blocks at least write_cache_line_size long, without
	// regard to the hash cursor.
	AlgorithmLargestContiguous
)

// Settings enumerates the configuration surface named in spec §6. All
// fields have the documented defaults via DefaultSettings. Settings is
// swapped under the scheduler's lock by an update-settings job; nothing
// reads it without going through the scheduler.
type Settings struct {
	// CacheSize is the maximum number of blocks the cache may hold. A
	// negative value means "auto-select"; New resolves auto-selection
	// before storing it here, so by the time a Settings is observed by the
	// cache CacheSize is always concrete.
	CacheSize int64

	// CacheExpiry is how long a piece may sit in WriteLRU with dirty blocks
	// before flush_expired_write_blocks flushes it unconditionally.
	CacheExpiry time.Duration

	ReadCacheLineSize  int
	WriteCacheLineSize int

	DiskCacheAlgorithm DiskCacheAlgorithm

	UseReadCache        bool
	ExplicitReadCache   bool
	VolatileReadCache   bool
	DontFlushWriteCache bool

	DisableHashChecks bool

	AllowReorderedDiskOperations bool

	FilePoolSize   int
	AIOThreads     int
	HashingThreads int

	LowPrioDisk    bool
	LockDiskCache  bool
	NoAtimeStorage bool

	CoalesceReads  bool
	CoalesceWrites bool
}

// DefaultSettings returns the configuration defaults enumerated in spec §6.
// CacheSize of -1 means auto-select; callers that want a concrete cache
// budget without probing physical memory should set CacheSize explicitly
// before passing Settings to New.
func DefaultSettings() Settings {
	return Settings{
		CacheSize:                    -1,
		CacheExpiry:                  300 * time.Second,
		ReadCacheLineSize:            32,
		WriteCacheLineSize:           32,
		DiskCacheAlgorithm:           AlgorithmAvoidReadback,
		UseReadCache:                 true,
		ExplicitReadCache:            false,
		VolatileReadCache:            false,
		DontFlushWriteCache:          false,
		DisableHashChecks:            false,
		AllowReorderedDiskOperations: true,
		FilePoolSize:                 40,
		AIOThreads:                   4,
		HashingThreads:               1,
		LowPrioDisk:                  true,
		LockDiskCache:                false,
		NoAtimeStorage:               true,
		CoalesceReads:                false,
		CoalesceWrites:               false,
	}
}

// resolveCacheSize turns an auto-select (-1) CacheSize into a concrete block
// count. physicalRAM is injected rather than probed so tests are
// deterministic; production callers pass the real value.
func resolveCacheSize(s Settings, blockSize int, physicalRAM int64) int64 {
	if s.CacheSize >= 0 {
		return s.CacheSize
	}
	if blockSize <= 0 {
		return 0
	}
	return physicalRAM / 8 / int64(blockSize)
}
