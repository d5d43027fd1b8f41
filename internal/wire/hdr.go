package wire

import (
	"encoding/binary"
	"fmt"
)

// HdrSize is the fixed, on-the-wire size of MsgHdr in bytes.
const HdrSize = 12

// MsgHdr is the fixed-layout header prefixing every message placed in a
// connection's incoming ring (spec.md §3, §6.5). It is followed by zero or
// more bytes of opcode-specific payload, up to the ring slot's capacity.
type MsgHdr struct {
	Opcode    Opcode
	Flags     HdrFlags
	InlineLen uint16
	RxCtxID   uint16
	TxEntryID uint16
}

// Marshal encodes h into a freshly allocated HdrSize-byte big-endian buffer.
func (h MsgHdr) Marshal() []byte {
	buf := make([]byte, HdrSize)
	h.MarshalTo(buf)
	return buf
}

// MarshalTo encodes h into buf, which must be at least HdrSize bytes.
func (h MsgHdr) MarshalTo(buf []byte) {
	_ = buf[HdrSize-1]
	buf[0] = byte(h.Opcode)
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.Flags))
	binary.BigEndian.PutUint16(buf[4:6], h.InlineLen)
	binary.BigEndian.PutUint16(buf[6:8], h.RxCtxID)
	binary.BigEndian.PutUint16(buf[8:10], h.TxEntryID)
	buf[10], buf[11] = 0, 0
}

// UnmarshalHdr decodes a MsgHdr from the front of buf.
func UnmarshalHdr(buf []byte) (MsgHdr, error) {
	if len(buf) < HdrSize {
		return MsgHdr{}, fmt.Errorf("wire: short header: %d bytes < %d", len(buf), HdrSize)
	}
	return MsgHdr{
		Opcode:    Opcode(buf[0]),
		Flags:     HdrFlags(binary.BigEndian.Uint16(buf[2:4])),
		InlineLen: binary.BigEndian.Uint16(buf[4:6]),
		RxCtxID:   binary.BigEndian.Uint16(buf[6:8]),
		TxEntryID: binary.BigEndian.Uint16(buf[8:10]),
	}, nil
}
