package diskio

import "testing"

func TestHandlerCompletesOnLastRelease(t *testing.T) {
	done := 0
	h := newHandler(3, nil, 0, 3, func(hd *Handler) { done++ })

	h.Release()
	h.Release()
	if done != 0 {
		t.Fatal("onComplete must not run before every ACB has released")
	}
	h.Release()
	if done != 1 {
		t.Fatalf("onComplete should run exactly once, ran %d times", done)
	}
}

func TestHandlerFirstErrorWins(t *testing.T) {
	h := newHandler(2, nil, 0, 1, func(hd *Handler) {})
	first := errIoErrorForTest("first")
	second := errIoErrorForTest("second")
	h.SetError(first)
	h.SetError(second)
	if h.Err() != first {
		t.Fatal("the first error recorded should stick")
	}
}

func TestHandlerAddTransferredAccumulates(t *testing.T) {
	h := newHandler(1, nil, 0, 1, func(hd *Handler) {})
	h.AddTransferred(10)
	h.AddTransferred(5)
	if h.BytesTransferred() != 15 {
		t.Fatalf("BytesTransferred = %d, want 15", h.BytesTransferred())
	}
}

func TestAcbChainLenAndAppend(t *testing.T) {
	a := &ACB{}
	b := &ACB{}
	c := &ACB{}
	a.SiblingNext = b
	b.SiblingNext = c

	if n := acbChainLen(a); n != 3 {
		t.Fatalf("acbChainLen = %d, want 3", n)
	}

	d := &ACB{}
	joined := acbChainAppend(a, d)
	if joined != a {
		t.Fatal("acbChainAppend should keep a's head")
	}
	if c.SiblingNext != d || d.SiblingPrev != c {
		t.Fatal("acbChainAppend should link d after the old tail")
	}

	if acbChainAppend(nil, d) != d {
		t.Fatal("acbChainAppend with a nil head should return b")
	}
	if acbChainAppend(a, nil) != a {
		t.Fatal("acbChainAppend with a nil tail should return a unchanged")
	}
}

func errIoErrorForTest(msg string) error {
	return extendErr(ErrIoError, msg)
}
