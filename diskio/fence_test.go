package diskio

import "testing"

func TestFenceRaiseWhileOutstandingThenDrain(t *testing.T) {
	var f fence
	f.newJob()
	f.newJob()

	raiser := &Job{Kind: JobMoveStorage}
	if ready := f.raiseFence(raiser); ready != nil {
		t.Fatal("raiseFence should queue the raiser while jobs are outstanding")
	}
	if !f.up() {
		t.Fatal("fence should be up")
	}

	blocked := &Job{Kind: JobRead}
	if !f.isBlocked(blocked) {
		t.Fatal("new jobs must be blocked while the fence is up")
	}

	var out jobFIFO
	if n := f.jobComplete(&out); n != 0 {
		t.Fatalf("fence should not drop with one outstanding job left, released %d", n)
	}
	if !out.empty() {
		t.Fatal("nothing should have been released yet")
	}

	if n := f.jobComplete(&out); n != 2 {
		t.Fatalf("fence should drop once the last outstanding job completes, released %d want 2", n)
	}
	if f.up() {
		t.Fatal("fence should be down after draining")
	}

	first := out.pop()
	second := out.pop()
	if first != raiser || second != blocked {
		t.Fatal("blocked jobs should be released in FIFO order with the raiser first")
	}
	if out.pop() != nil {
		t.Fatal("unexpected extra released job")
	}
}

func TestFenceRaiseWithNoOutstandingReleasesImmediately(t *testing.T) {
	var f fence
	raiser := &Job{Kind: JobDeleteFiles}
	ready := f.raiseFence(raiser)
	if ready != raiser {
		t.Fatal("raiseFence must hand the raiser straight back when nothing is outstanding")
	}
	if f.up() {
		t.Fatal("fence must not remain up when there was nothing to wait on")
	}
}

func TestFenceIsBlockedFalseWhenDown(t *testing.T) {
	var f fence
	j := &Job{Kind: JobRead}
	if f.isBlocked(j) {
		t.Fatal("isBlocked must report false when no fence is up")
	}
}

func TestFenceJobCompleteNeverGoesNegative(t *testing.T) {
	var f fence
	var out jobFIFO
	f.jobComplete(&out)
	f.newJob()
	if n := f.jobComplete(&out); n != 0 {
		t.Fatalf("jobComplete with no fence up should release nothing, got %d", n)
	}
}

func TestFenceMultipleRaisersQueueInOrder(t *testing.T) {
	var f fence
	f.newJob()

	r1 := &Job{Kind: JobMoveStorage}
	r2 := &Job{Kind: JobRenameFile}
	if ready := f.raiseFence(r1); ready != nil {
		t.Fatal("first raise should queue")
	}
	if ready := f.raiseFence(r2); ready != nil {
		t.Fatal("second raise while fence already up should also queue, not bypass")
	}

	var out jobFIFO
	if n := f.jobComplete(&out); n != 2 {
		t.Fatalf("released = %d, want 2", n)
	}
	if out.pop() != r1 || out.pop() != r2 {
		t.Fatal("raisers must be released in the order they queued")
	}
}
