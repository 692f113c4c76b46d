package diskio

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/svn2github/libtorrent-sub001/build"
	"github.com/svn2github/libtorrent-sub001/persist"
)

// fenceTestBackend is a minimal Storage implementation for exercising the
// scheduler's dispatch/fence interaction. AsyncReadv/AsyncWritev never
// complete on their own; the test completes the handed-back *Handler
// manually to control exactly when the simulated backend I/O finishes.
type fenceTestBackend struct {
	mu          sync.Mutex
	moveCalled  bool
	moveErr     error
	lastHandler *Handler
}

func (b *fenceTestBackend) Initialize(allocateFiles bool) error { return nil }

func (b *fenceTestBackend) AsyncReadv(iovec [][]byte, piece uint32, offset int64, flags int, h *Handler) (*ACB, error) {
	b.mu.Lock()
	b.lastHandler = h
	b.mu.Unlock()
	return nil, nil
}

func (b *fenceTestBackend) AsyncWritev(iovec [][]byte, piece uint32, offset int64, flags int, h *Handler) (*ACB, error) {
	b.mu.Lock()
	b.lastHandler = h
	b.mu.Unlock()
	return nil, nil
}

func (b *fenceTestBackend) ReadvDone(iovec [][]byte, piece uint32, offset int64) error { return nil }
func (b *fenceTestBackend) HasAnyFile() bool                                          { return true }

func (b *fenceTestBackend) MoveStorage(path string) error {
	b.mu.Lock()
	b.moveCalled = true
	err := b.moveErr
	b.mu.Unlock()
	return err
}

func (b *fenceTestBackend) RenameFile(index int, newName string) error { return nil }
func (b *fenceTestBackend) ReleaseFiles() error                        { return nil }
func (b *fenceTestBackend) DeleteFiles() error                         { return nil }
func (b *fenceTestBackend) FinalizeFile(index int) error               { return nil }

func (b *fenceTestBackend) VerifyResumeData(encoded []byte) bool   { return true }
func (b *fenceTestBackend) WriteResumeData() ([]byte, error)       { return nil, nil }
func (b *fenceTestBackend) PhysicalOffset(piece uint32, offset int64) uint64 {
	return uint64(offset)
}
func (b *fenceTestBackend) HintRead(piece uint32, offset int64, length int) {}
func (b *fenceTestBackend) SparseEnd(piece uint32) uint32                  { return piece }

func (b *fenceTestBackend) takeHandler() *Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.lastHandler
	b.lastHandler = nil
	return h
}

func newTestScheduler(t *testing.T) (*Scheduler, *fenceTestBackend, *StorageHandle, func() []Completion) {
	t.Helper()
	dir := build.TempDir(t.Name())
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir temp dir: %v", err)
	}
	log, err := persist.NewLogger(filepath.Join(dir, "test.log"))
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	const blockSize = 16 * 1024
	pool := NewBufferPool(blockSize, -1)
	settings := DefaultSettings()
	settings.CacheSize = 64
	cache := NewCache(pool, blockSize, &settings, log, nil)
	queue := NewJobQueue()

	var mu sync.Mutex
	var completions []Completion
	hook := func(userdata interface{}, c []Completion) {
		mu.Lock()
		completions = append(completions, c...)
		mu.Unlock()
	}

	s := NewScheduler(cache, pool, queue, settings, log, hook, nil)
	backend := &fenceTestBackend{}
	sh := s.AddStorage(backend)

	drain := func() []Completion {
		mu.Lock()
		defer mu.Unlock()
		out := completions
		completions = nil
		return out
	}
	return s, backend, sh, drain
}

// TestSchedulerFenceWaitsForInFlightRead exercises the exact bug fixed in
// this package's fence accounting: a fenceable job (move-storage) submitted
// while a read is still physically in flight must not run the backend call
// until that read's completion has actually been processed, and must run
// automatically once it has.
func TestSchedulerFenceWaitsForInFlightRead(t *testing.T) {
	s, backend, sh, drain := newTestScheduler(t)

	readJob := &Job{Kind: JobRead, Storage: sh, Piece: 0, Offset: 0, Size: s.cache.blockSize, Buffer: make([]byte, s.cache.blockSize)}
	s.dispatch(readJob)

	h := backend.takeHandler()
	if h == nil {
		t.Fatal("expected the read to hand off to the backend")
	}

	moveJob := &Job{Kind: JobMoveStorage, Storage: sh, NewPath: "/new/path"}
	s.dispatch(moveJob)

	if backend.moveCalled {
		t.Fatal("move-storage must not run while the read is still in flight")
	}
	if !sh.fence.up() {
		t.Fatal("fence should be up once move-storage is submitted")
	}

	h.Release()
	sig := <-s.completeChan
	s.handleCompletion(sig)

	if !backend.moveCalled {
		t.Fatal("move-storage should run once the in-flight read's completion has drained the fence")
	}
	if sh.fence.up() {
		t.Fatal("fence should be back down after the fenced job ran")
	}

	got := drain()
	foundRead, foundMove := false, false
	for _, c := range got {
		switch c.Job {
		case readJob:
			foundRead = true
		case moveJob:
			foundMove = true
		}
	}
	if !foundRead || !foundMove {
		t.Fatalf("expected both the read and the move-storage completion to post, got %d completions", len(got))
	}
}

// TestSchedulerFenceRunsImmediatelyWithNoOutstandingIO covers the
// complementary raiseFence path: a fenceable job submitted when nothing is
// outstanding for its storage must run without waiting on anything.
func TestSchedulerFenceRunsImmediatelyWithNoOutstandingIO(t *testing.T) {
	s, backend, sh, drain := newTestScheduler(t)

	moveJob := &Job{Kind: JobMoveStorage, Storage: sh, NewPath: "/elsewhere"}
	s.dispatch(moveJob)

	if !backend.moveCalled {
		t.Fatal("move-storage with nothing outstanding should run immediately")
	}
	if sh.fence.up() {
		t.Fatal("fence must not remain up when nothing was outstanding")
	}

	got := drain()
	if len(got) != 1 || got[0].Job != moveJob {
		t.Fatalf("expected exactly one completion for moveJob, got %d", len(got))
	}
}
