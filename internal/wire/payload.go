package wire

import (
	"encoding/binary"
	"fmt"
)

// InlineTrailer carries the optional tag/CQ-data words appended after the
// raw bytes of an inline SEND (spec.md §3: "tag and remote CQ data, when
// present, follow the message body rather than the header").
type InlineTrailer struct {
	Tag    uint64
	CQData uint64
}

const InlineTrailerSize = 16

func (t InlineTrailer) Marshal() []byte {
	buf := make([]byte, InlineTrailerSize)
	binary.BigEndian.PutUint64(buf[0:8], t.Tag)
	binary.BigEndian.PutUint64(buf[8:16], t.CQData)
	return buf
}

func UnmarshalInlineTrailer(buf []byte) (InlineTrailer, error) {
	if len(buf) < InlineTrailerSize {
		return InlineTrailer{}, fmt.Errorf("wire: short inline trailer: %d bytes", len(buf))
	}
	return InlineTrailer{
		Tag:    binary.BigEndian.Uint64(buf[0:8]),
		CQData: binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// SendIndirectPayload describes a rendezvous SEND: the sender's buffer is
// registered and exported by (VAddr, RKey); the receiver issues a GET
// against it rather than waiting for the bytes to arrive inline.
type SendIndirectPayload struct {
	Len    uint64
	VAddr  uint64
	RKey   uint64
	Tag    uint64
	CQData uint64
}

const SendIndirectPayloadSize = 40

func (p SendIndirectPayload) Marshal() []byte {
	buf := make([]byte, SendIndirectPayloadSize)
	binary.BigEndian.PutUint64(buf[0:8], p.Len)
	binary.BigEndian.PutUint64(buf[8:16], p.VAddr)
	binary.BigEndian.PutUint64(buf[16:24], p.RKey)
	binary.BigEndian.PutUint64(buf[24:32], p.Tag)
	binary.BigEndian.PutUint64(buf[32:40], p.CQData)
	return buf
}

func UnmarshalSendIndirectPayload(buf []byte) (SendIndirectPayload, error) {
	if len(buf) < SendIndirectPayloadSize {
		return SendIndirectPayload{}, fmt.Errorf("wire: short send-indirect payload: %d bytes", len(buf))
	}
	return SendIndirectPayload{
		Len:    binary.BigEndian.Uint64(buf[0:8]),
		VAddr:  binary.BigEndian.Uint64(buf[8:16]),
		RKey:   binary.BigEndian.Uint64(buf[16:24]),
		Tag:    binary.BigEndian.Uint64(buf[24:32]),
		CQData: binary.BigEndian.Uint64(buf[32:40]),
	}, nil
}

// AtomicOp identifies the RMW op an ATOMIC_REQ asks the target to perform.
type AtomicOp uint8

const (
	AtomicRead AtomicOp = iota
	AtomicWrite
	AtomicBand
	AtomicBor
	AtomicBxor
	AtomicCswap
	AtomicSum
)

// AtomicDatatype and width are carried separately so the target can decode
// Operand/Compare without guessing the element size from the op alone.
type AtomicDatatype uint8

const (
	AtomicInt8 AtomicDatatype = iota
	AtomicInt16
	AtomicInt32
	AtomicInt64
)

// AtomicReqPayload is the ATOMIC_REQ payload (spec.md §4.4, S6): one RMW
// operation against a single element at the target's exported (VAddr, RKey).
type AtomicReqPayload struct {
	Op       AtomicOp
	Datatype AtomicDatatype
	VAddr    uint64
	RKey     uint64
	Operand  uint64
	Compare  uint64
}

const AtomicReqPayloadSize = 2 + 6 + 8 + 8 + 8 + 8 + 8 // op, datatype, 6 pad bytes, VAddr/RKey/Operand/Compare, 8 trailing pad bytes

func (p AtomicReqPayload) Marshal() []byte {
	buf := make([]byte, 48)
	buf[0] = byte(p.Op)
	buf[1] = byte(p.Datatype)
	binary.BigEndian.PutUint64(buf[8:16], p.VAddr)
	binary.BigEndian.PutUint64(buf[16:24], p.RKey)
	binary.BigEndian.PutUint64(buf[24:32], p.Operand)
	binary.BigEndian.PutUint64(buf[32:40], p.Compare)
	return buf
}

func UnmarshalAtomicReqPayload(buf []byte) (AtomicReqPayload, error) {
	if len(buf) < 48 {
		return AtomicReqPayload{}, fmt.Errorf("wire: short atomic-req payload: %d bytes", len(buf))
	}
	return AtomicReqPayload{
		Op:       AtomicOp(buf[0]),
		Datatype: AtomicDatatype(buf[1]),
		VAddr:    binary.BigEndian.Uint64(buf[8:16]),
		RKey:     binary.BigEndian.Uint64(buf[16:24]),
		Operand:  binary.BigEndian.Uint64(buf[24:32]),
		Compare:  binary.BigEndian.Uint64(buf[32:40]),
	}, nil
}

// StatusPayload reports the outcome of a previously issued op back to its
// initiator (spec.md §4, "writeback" completion path).
type StatusPayload struct {
	Status int32
	Rem    uint64
}

const StatusPayloadSize = 16

func (p StatusPayload) Marshal() []byte {
	buf := make([]byte, StatusPayloadSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(p.Status))
	binary.BigEndian.PutUint64(buf[8:16], p.Rem)
	return buf
}

func UnmarshalStatusPayload(buf []byte) (StatusPayload, error) {
	if len(buf) < StatusPayloadSize {
		return StatusPayload{}, fmt.Errorf("wire: short status payload: %d bytes", len(buf))
	}
	return StatusPayload{
		Status: int32(binary.BigEndian.Uint32(buf[0:4])),
		Rem:    binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// WritedataPayload accompanies a RDMA WRITE that must surface a completion
// on the target side carrying FI_REMOTE_CQ_DATA (spec.md §8 S6).
type WritedataPayload struct {
	EntryFlags EntryFlags
	CQData     uint64
}

const WritedataPayloadSize = 16

func (p WritedataPayload) Marshal() []byte {
	buf := make([]byte, WritedataPayloadSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(p.EntryFlags))
	binary.BigEndian.PutUint64(buf[8:16], p.CQData)
	return buf
}

func UnmarshalWritedataPayload(buf []byte) (WritedataPayload, error) {
	if len(buf) < WritedataPayloadSize {
		return WritedataPayload{}, fmt.Errorf("wire: short writedata payload: %d bytes", len(buf))
	}
	return WritedataPayload{
		EntryFlags: EntryFlags(binary.BigEndian.Uint32(buf[0:4])),
		CQData:     binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// KeyRef names one memory-registration key, as carried in a KEY_REQUEST
// (spec.md §4.6, "key broker"): a list of IDs the sender does not yet hold
// exported (VAddr, RKey) data for.
type KeyRef struct {
	KeyID uint64
}

const KeyRefSize = 8

// KeyReqPayload is the KEY_REQUEST payload: the caller's missing-key list.
type KeyReqPayload struct {
	Keys []KeyRef
}

func (p KeyReqPayload) Marshal() []byte {
	buf := make([]byte, len(p.Keys)*KeyRefSize)
	for i, k := range p.Keys {
		binary.BigEndian.PutUint64(buf[i*KeyRefSize:i*KeyRefSize+8], k.KeyID)
	}
	return buf
}

func UnmarshalKeyReqPayload(buf []byte) (KeyReqPayload, error) {
	if len(buf)%KeyRefSize != 0 {
		return KeyReqPayload{}, fmt.Errorf("wire: key-request payload not a multiple of %d bytes", KeyRefSize)
	}
	n := len(buf) / KeyRefSize
	keys := make([]KeyRef, n)
	for i := 0; i < n; i++ {
		keys[i] = KeyRef{KeyID: binary.BigEndian.Uint64(buf[i*KeyRefSize : i*KeyRefSize+8])}
	}
	return KeyReqPayload{Keys: keys}, nil
}

// KeyDataPayload carries one key's exported (VAddr, RKey, Len) triple, used
// by both KEY_EXPORT (broker -> requester) and KEY_RESPONSE. KEY_REVOKE
// reuses the same layout with VAddr/RKey/Len zeroed.
type KeyDataPayload struct {
	KeyID uint64
	VAddr uint64
	RKey  uint64
	Len   uint64
}

const KeyDataPayloadSize = 32

func (p KeyDataPayload) Marshal() []byte {
	buf := make([]byte, KeyDataPayloadSize)
	binary.BigEndian.PutUint64(buf[0:8], p.KeyID)
	binary.BigEndian.PutUint64(buf[8:16], p.VAddr)
	binary.BigEndian.PutUint64(buf[16:24], p.RKey)
	binary.BigEndian.PutUint64(buf[24:32], p.Len)
	return buf
}

func UnmarshalKeyDataPayload(buf []byte) (KeyDataPayload, error) {
	if len(buf) < KeyDataPayloadSize {
		return KeyDataPayload{}, fmt.Errorf("wire: short key-data payload: %d bytes", len(buf))
	}
	return KeyDataPayload{
		KeyID: binary.BigEndian.Uint64(buf[0:8]),
		VAddr: binary.BigEndian.Uint64(buf[8:16]),
		RKey:  binary.BigEndian.Uint64(buf[16:24]),
		Len:   binary.BigEndian.Uint64(buf[24:32]),
	}, nil
}
