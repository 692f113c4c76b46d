package diskio

import (
	nerrors "github.com/NebulousLabs/errors"
)

// ErrorKind classifies a completion error so callers can branch on it
// without string matching, per spec §7's error taxonomy.
type ErrorKind int

const (
	// ErrKindNone indicates a completion carries no error.
	ErrKindNone ErrorKind = iota
	ErrKindNoMemory
	ErrKindIoError
	ErrKindFileTooShort
	ErrKindOperationAborted
	ErrKindHashMismatch
	ErrKindNoSpaceInCache
)

// Sentinel errors for each taxonomy kind named in spec §7. Completion
// errors are built by composing or extending these with
// github.com/NebulousLabs/errors so that "which block" / "what path"
// context survives alongside the kind.
var (
	ErrNoMemory       = nerrors.New("buffer pool empty and eviction was insufficient")
	ErrIoError        = nerrors.New("backend reported an I/O failure")
	ErrFileTooShort   = nerrors.New("read returned fewer bytes than requested")
	ErrOperationAbort = nerrors.New("operation aborted")
	ErrHashMismatch   = nerrors.New("computed digest does not match the expected hash")
	ErrNoSpaceInCache = nerrors.New("no space in cache")

	// ErrSectorNotFound mirrors the teacher's ErrSectorNotFound: returned by
	// the reference storage backend, not the core, when a piece has no
	// on-disk location.
	ErrSectorNotFound = nerrors.New("could not find the requested piece on disk")
)

// errKindOf classifies err against the taxonomy sentinels by containment,
// so that an error that was Extended with extra context still reports the
// right kind.
func errKindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrKindNone
	case nerrors.Contains(err, ErrNoMemory):
		return ErrKindNoMemory
	case nerrors.Contains(err, ErrIoError):
		return ErrKindIoError
	case nerrors.Contains(err, ErrFileTooShort):
		return ErrKindFileTooShort
	case nerrors.Contains(err, ErrOperationAbort):
		return ErrKindOperationAborted
	case nerrors.Contains(err, ErrHashMismatch):
		return ErrKindHashMismatch
	case nerrors.Contains(err, ErrNoSpaceInCache):
		return ErrKindNoSpaceInCache
	default:
		return ErrKindIoError
	}
}

// extendErr is a small convenience wrapper kept for call sites that only
// have a single error to decorate; it defers to errors.Extend from the
// NebulousLabs/errors package rather than hand-rolling string
// concatenation, so that the result remains Contains()-compatible with the
// taxonomy sentinels above.
func extendErr(base error, context string) error {
	if base == nil {
		return nil
	}
	return nerrors.Extend(base, nerrors.New(context))
}
