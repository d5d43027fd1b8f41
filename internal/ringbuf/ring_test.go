package ringbuf

import (
	"testing"

	"github.com/zhpe-fabric/progress-engine/internal/wire"
)

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := New(3, 64); err == nil {
		t.Fatal("expected error for non-power-of-two slot count")
	}
}

func TestPeekEmptyRing(t *testing.T) {
	r, err := New(4, 64)
	if err != nil {
		t.Fatal(err)
	}
	_, _, ok, err := r.Peek()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected empty ring to report no entry")
	}
}

func TestWriteAdvancePeekSingleSlot(t *testing.T) {
	r, err := New(4, 64)
	if err != nil {
		t.Fatal(err)
	}
	hdr := wire.MsgHdr{Opcode: wire.OpSend, TxEntryID: 1}
	rev := RevolutionForHead(r.Head(), r.NumSlots())
	if err := r.WriteSlot(0, rev, hdr, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, payload, ok, err := r.Peek()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a valid entry")
	}
	if got.Opcode != wire.OpSend || got.TxEntryID != 1 {
		t.Fatalf("unexpected header: %+v", got)
	}
	if string(payload[:5]) != "hello" {
		t.Fatalf("unexpected payload: %q", payload[:5])
	}
	r.Advance()
	_, _, ok, err = r.Peek()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected slot to be empty again after advancing past it")
	}
}

// TestTwoRevolutions exhaustively drives a small ring through two full
// revolutions, confirming the toggle bit flips each revolution and the
// consumer never mistakes a stale (previous-revolution) slot for a fresh
// entry, per spec.md §8 invariant 4.
func TestTwoRevolutions(t *testing.T) {
	const numSlots = 4
	const slotSize = 32
	r, err := New(numSlots, slotSize)
	if err != nil {
		t.Fatal(err)
	}

	for rev := 0; rev < 2; rev++ {
		for slot := uint32(0); slot < numSlots; slot++ {
			// Before the producer writes, the ring must still report empty.
			_, _, ok, err := r.Peek()
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Fatalf("rev=%d slot=%d: expected empty before write", rev, slot)
			}

			wantRev := RevolutionForHead(r.Head(), numSlots)
			hdr := wire.MsgHdr{Opcode: wire.OpSend, TxEntryID: uint16(rev*numSlots + int(slot))}
			if err := r.WriteSlot(slot, wantRev, hdr, nil); err != nil {
				t.Fatal(err)
			}

			got, _, ok, err := r.Peek()
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				t.Fatalf("rev=%d slot=%d: expected entry after write", rev, slot)
			}
			if got.TxEntryID != hdr.TxEntryID {
				t.Fatalf("rev=%d slot=%d: got TxEntryID %d, want %d", rev, slot, got.TxEntryID, hdr.TxEntryID)
			}
			r.Advance()
		}
	}
}

func TestWriteSlotRejectsOversizedPayload(t *testing.T) {
	r, err := New(2, wire.HdrSize+4)
	if err != nil {
		t.Fatal(err)
	}
	err = r.WriteSlot(0, true, wire.MsgHdr{}, []byte("too much data"))
	if err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestWriteSlotRejectsOutOfRangeIndex(t *testing.T) {
	r, err := New(2, 64)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.WriteSlot(5, true, wire.MsgHdr{}, nil); err == nil {
		t.Fatal("expected error for out-of-range slot index")
	}
}
