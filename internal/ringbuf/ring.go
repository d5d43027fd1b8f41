// Package ringbuf implements the single-producer/single-consumer descriptor
// ring used to deliver incoming messages to a connection (spec.md §2). The
// remote peer writes slots via RDMA PUT; the local consumer polls for new
// entries by comparing each slot's toggle bit against the expected value for
// the ring's current revolution, with no producer-consumer signalling beyond
// the memory itself.
package ringbuf

import (
	"fmt"

	"github.com/zhpe-fabric/progress-engine/internal/wire"
)

// Ring is a fixed-size array of byte slots, each slotSize bytes, holding one
// wire.MsgHdr plus its payload. numSlots must be a power of two.
type Ring struct {
	buf      []byte
	slotSize int
	numSlots uint32
	mask     uint32 // numSlots - 1
	revBit   uint32 // numSlots; head&revBit distinguishes successive revolutions

	head uint32 // consumer cursor, counts mod 2*numSlots
}

// New allocates a ring of numSlots slots, each slotSize bytes. numSlots must
// be a power of two and at least 2.
func New(numSlots uint32, slotSize int) (*Ring, error) {
	if numSlots < 2 || numSlots&(numSlots-1) != 0 {
		return nil, fmt.Errorf("ringbuf: numSlots %d must be a power of two >= 2", numSlots)
	}
	if slotSize < wire.HdrSize {
		return nil, fmt.Errorf("ringbuf: slotSize %d smaller than header size %d", slotSize, wire.HdrSize)
	}
	return &Ring{
		buf:      make([]byte, int(numSlots)*slotSize),
		slotSize: slotSize,
		numSlots: numSlots,
		mask:     numSlots - 1,
		revBit:   numSlots,
	}, nil
}

// NumSlots returns the slot count.
func (r *Ring) NumSlots() uint32 { return r.numSlots }

// SlotSize returns the per-slot byte capacity, including the header.
func (r *Ring) SlotSize() int { return r.slotSize }

// Head returns the raw consumer cursor (not yet reduced mod numSlots).
func (r *Ring) Head() uint32 { return r.head }

// expectedToggle returns the toggle-bit value a valid, not-yet-consumed
// entry must carry at the current head position.
func (r *Ring) expectedToggle() wire.HdrFlags {
	if r.head&r.revBit != 0 {
		return 0
	}
	return wire.FlagValidToggle
}

// slotIndex returns the physical slot the current head addresses.
func (r *Ring) slotIndex() uint32 { return r.head & r.mask }

func (r *Ring) slotBytes(idx uint32) []byte {
	off := int(idx) * r.slotSize
	return r.buf[off : off+r.slotSize]
}

// Peek inspects the slot at the current head without consuming it. It
// returns ok=false if the slot does not yet carry the expected toggle value,
// meaning no new entry has arrived.
func (r *Ring) Peek() (hdr wire.MsgHdr, payload []byte, ok bool, err error) {
	slot := r.slotBytes(r.slotIndex())
	h, err := wire.UnmarshalHdr(slot)
	if err != nil {
		return wire.MsgHdr{}, nil, false, err
	}
	if h.Flags&wire.FlagValidToggle != r.expectedToggle() {
		return wire.MsgHdr{}, nil, false, nil
	}
	return h, slot[wire.HdrSize:], true, nil
}

// Advance moves the consumer cursor past the slot last returned by Peek. The
// cursor wraps modulo 2*numSlots so expectedToggle flips once per full
// revolution of the ring.
func (r *Ring) Advance() {
	r.head = (r.head + 1) % (2 * r.numSlots)
}

// WriteSlot is the producer-side operation: it writes hdr (with its toggle
// bit set to match the slot's current revolution) and payload into the slot
// named by index, as a real transport's RDMA PUT would. idx must be in
// [0, numSlots). rev selects which of the two toggle values this write uses
// and must match the consumer's current notion of that slot's revolution.
func (r *Ring) WriteSlot(idx uint32, rev bool, hdr wire.MsgHdr, payload []byte) error {
	if idx >= r.numSlots {
		return fmt.Errorf("ringbuf: slot index %d out of range [0,%d)", idx, r.numSlots)
	}
	if len(payload) > r.slotSize-wire.HdrSize {
		return fmt.Errorf("ringbuf: payload %d bytes exceeds slot capacity %d", len(payload), r.slotSize-wire.HdrSize)
	}
	if rev {
		hdr.Flags |= wire.FlagValidToggle
	} else {
		hdr.Flags &^= wire.FlagValidToggle
	}
	slot := r.slotBytes(idx)
	hdr.MarshalTo(slot[:wire.HdrSize])
	n := copy(slot[wire.HdrSize:], payload)
	for i := wire.HdrSize + n; i < len(slot); i++ {
		slot[i] = 0
	}
	return nil
}

// RevolutionForHead returns the toggle-bit value a producer must stamp onto
// the slot that the given (unwrapped) consumer head addresses, i.e. the
// value expectedToggle would compute for that head.
func RevolutionForHead(head, numSlots uint32) bool {
	return head&numSlots == 0
}
