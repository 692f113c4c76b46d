// Package diskio implements the asynchronous disk I/O and block-cache core
// of a BitTorrent engine: a fixed-size buffer pool, an ARC-style block cache
// keyed by (storage, piece), a per-piece incremental hash pipeline, a job
// queue, a per-storage fence that serializes destructive operations against
// in-flight I/O, and an I/O scheduler that turns jobs into chains of async
// control blocks (ACBs) issued to a pluggable Storage backend.
//
// The package does not parse torrent metadata, speak the peer protocol, or
// compute hashes itself; those are the caller's responsibility, reached
// through the Storage and Hasher interfaces in interfaces.go.
package diskio

const (
	// DefaultBlockSize is the fixed block size B used throughout the cache
	// when no override is supplied to New. 16 KiB matches the historical
	// default of the engine this core was adapted from.
	DefaultBlockSize = 16 * 1024

	// maxBlockRefcount is the exclusive upper bound on blockEntry.refcount:
	// incRef refuses to go past maxBlockRefcount-1 (values 0..2^15-1).
	maxBlockRefcount = 1 << 15

	// maxBlockHitcount is the exclusive upper bound on blockEntry.hitcount:
	// recordHit saturates at maxBlockHitcount-1 (values 0..2^13-1).
	maxBlockHitcount = 1 << 13

	// expiryTickInterval is the dispatch loop's tick period: the interval at
	// which flush_expired_write_blocks runs even absent other activity.
	expiryTickInterval = 5 // seconds, see spec §4.7 step 1/4
)
