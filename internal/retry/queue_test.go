package retry

import (
	"errors"
	"testing"
)

func TestDrainEmptyQueue(t *testing.T) {
	q := New()
	called := false
	err := q.Drain(func(e *Entry) (bool, error) {
		called = true
		return true, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if called {
		t.Fatal("handler should not be called on an empty queue")
	}
}

func TestDrainFIFOOrder(t *testing.T) {
	q := New()
	q.Push(&Entry{Kind: KindRingWriteHeader, ConnID: 1})
	q.Push(&Entry{Kind: KindRingWriteHeader, ConnID: 2})
	q.Push(&Entry{Kind: KindRingWriteHeader, ConnID: 3})

	var seen []uint64
	err := q.Drain(func(e *Entry) (bool, error) {
		seen = append(seen, e.ConnID)
		return true, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{1, 2, 3}
	if len(seen) != len(want) {
		t.Fatalf("got %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("got %v, want %v", seen, want)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue to be drained, got len %d", q.Len())
	}
}

func TestDrainStopsAtBlockedHead(t *testing.T) {
	q := New()
	q.Push(&Entry{ConnID: 1})
	q.Push(&Entry{ConnID: 2})

	calls := 0
	err := q.Drain(func(e *Entry) (bool, error) {
		calls++
		return false, nil // still back-pressured
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one call before stopping, got %d", calls)
	}
	if q.Len() != 2 {
		t.Fatalf("expected both entries to remain queued, got len %d", q.Len())
	}
}

func TestDrainPropagatesError(t *testing.T) {
	q := New()
	q.Push(&Entry{ConnID: 1})
	q.Push(&Entry{ConnID: 2})

	wantErr := errors.New("boom")
	err := q.Drain(func(e *Entry) (bool, error) {
		return false, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
	if q.Len() != 2 {
		t.Fatalf("expected entries to remain queued after error, got len %d", q.Len())
	}
}

func TestRxGetContinuationEntry(t *testing.T) {
	q := New()
	resumed := false
	q.Push(&Entry{
		Kind: KindRxGetContinuation,
		Continuation: func() (bool, error) {
			resumed = true
			return true, nil
		},
	})
	err := q.Drain(func(e *Entry) (bool, error) {
		if e.Kind != KindRxGetContinuation {
			t.Fatalf("unexpected kind %v", e.Kind)
		}
		return e.Continuation()
	})
	if err != nil {
		t.Fatal(err)
	}
	if !resumed {
		t.Fatal("expected continuation to run")
	}
}
