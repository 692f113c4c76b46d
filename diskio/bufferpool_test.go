package diskio

import "testing"

func TestBufferPoolAllocateFree(t *testing.T) {
	p := NewBufferPool(16, 2)

	buf1, exceeded, ok := p.Allocate(CategoryReadCache)
	if !ok || exceeded {
		t.Fatalf("first allocation: ok=%v exceeded=%v", ok, exceeded)
	}
	if len(buf1) != 16 {
		t.Fatalf("buffer len = %d, want 16", len(buf1))
	}

	buf2, exceeded, ok := p.Allocate(CategoryWriteCache)
	if !ok || !exceeded {
		t.Fatalf("second allocation: ok=%v exceeded=%v, want ok=true exceeded=true", ok, exceeded)
	}

	_, _, ok = p.Allocate(CategoryReadCache)
	if ok {
		t.Fatal("allocation beyond limit should fail")
	}

	if p.InUse() != 2 {
		t.Fatalf("InUse = %d, want 2", p.InUse())
	}

	p.Free(buf1)
	if p.InUse() != 1 {
		t.Fatalf("InUse after Free = %d, want 1", p.InUse())
	}

	buf3, _, ok := p.Allocate(CategoryReadCache)
	if !ok {
		t.Fatal("allocation after a Free should succeed by reusing the freed buffer")
	}
	if len(buf3) != 16 {
		t.Fatalf("reused buffer len = %d, want 16", len(buf3))
	}

	p.Free(buf2)
	p.Free(buf3)
}

func TestBufferPoolUnboundedWithNegativeLimit(t *testing.T) {
	p := NewBufferPool(8, -1)
	for i := 0; i < 100; i++ {
		_, exceeded, ok := p.Allocate(CategoryHashTemp)
		if !ok || exceeded {
			t.Fatalf("allocation %d: ok=%v exceeded=%v, want ok=true exceeded=false", i, ok, exceeded)
		}
	}
	if p.InUse() != 100 {
		t.Fatalf("InUse = %d, want 100", p.InUse())
	}
}

func TestBufferPoolSetLimitShrinksFreeList(t *testing.T) {
	p := NewBufferPool(8, 4)
	bufs := make([][]byte, 4)
	for i := range bufs {
		buf, _, ok := p.Allocate(CategorySendBuffer)
		if !ok {
			t.Fatalf("allocation %d failed", i)
		}
		bufs[i] = buf
	}
	p.SetLimit(1)
	p.FreeMany(bufs)
	if p.InUse() != 0 {
		t.Fatalf("InUse after freeing everything = %d, want 0", p.InUse())
	}
	// Only one buffer should have survived on the free list under the
	// lowered limit; the next allocation reuses it, succeeds, and reports
	// that the pool is now at its new bound.
	_, exceeded, ok := p.Allocate(CategoryReadCache)
	if !ok || !exceeded {
		t.Fatalf("allocation at the lowered limit: ok=%v exceeded=%v", ok, exceeded)
	}
}

func TestResolveCacheSize(t *testing.T) {
	s := Settings{CacheSize: 42}
	if got := resolveCacheSize(s, 16*1024, 1<<30); got != 42 {
		t.Fatalf("explicit CacheSize should be returned unchanged, got %d", got)
	}

	s.CacheSize = -1
	got := resolveCacheSize(s, 16*1024, 16*1024*8*10)
	if got != 10 {
		t.Fatalf("auto-selected CacheSize = %d, want 10", got)
	}
}
