package ringreader

import (
	"context"
	"errors"
	"testing"

	"github.com/zhpe-fabric/progress-engine/internal/interfaces"
	"github.com/zhpe-fabric/progress-engine/internal/keybroker"
	"github.com/zhpe-fabric/progress-engine/internal/ringbuf"
	"github.com/zhpe-fabric/progress-engine/internal/rx"
	"github.com/zhpe-fabric/progress-engine/internal/wire"
)

type stubTransport struct {
	sent [][]byte
}

func (s *stubTransport) SubmitGet(ctx context.Context, local interfaces.MRHandle, localOff, remoteAddr, remoteKey, length uint64) (uint64, error) {
	return 0, nil
}
func (s *stubTransport) SubmitPut(ctx context.Context, local interfaces.MRHandle, localOff, remoteAddr, remoteKey, length, cqData uint64) (uint64, error) {
	return 0, nil
}
func (s *stubTransport) SubmitAtomic(ctx context.Context, local interfaces.MRHandle, remoteAddr, remoteKey uint64, op, datatype uint8, operand, compare uint64) (uint64, error) {
	return 0, nil
}
func (s *stubTransport) SubmitSend(ctx context.Context, connID uint64, payload []byte) (uint64, error) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.sent = append(s.sent, cp)
	return 0, nil
}
func (s *stubTransport) PollCQ(out []interfaces.CQEntry) (int, error)      { return 0, nil }
func (s *stubTransport) RegisterMR(buf []byte) (interfaces.MRHandle, error) { return 0, nil }
func (s *stubTransport) DeregisterMR(h interfaces.MRHandle) error           { return nil }

type stubStore struct {
	local  map[uint64][3]uint64
	cached map[uint64][3]uint64
}

func newStubStore() *stubStore {
	return &stubStore{local: map[uint64][3]uint64{}, cached: map[uint64][3]uint64{}}
}
func (s *stubStore) Lookup(keyID uint64) (uint64, uint64, uint64, bool) {
	v, ok := s.local[keyID]
	return v[0], v[1], v[2], ok
}
func (s *stubStore) Cache(keyID, vaddr, rkey, length uint64) {
	s.cached[keyID] = [3]uint64{vaddr, rkey, length}
}
func (s *stubStore) CachedLookup(keyID uint64) (uint64, uint64, uint64, bool) {
	v, ok := s.cached[keyID]
	return v[0], v[1], v[2], ok
}
func (s *stubStore) Revoke(keyID uint64) { delete(s.cached, keyID) }

func TestPollDispatchesInlineSendToStateMachine(t *testing.T) {
	ring, err := ringbuf.New(4, 64)
	if err != nil {
		t.Fatal(err)
	}
	ctx := rx.NewContext()
	sm := rx.NewStateMachine(ctx, rx.NewMatcher(), nil, nil, rx.Config{})
	buf := make([]byte, 16)
	if _, err := sm.PostRecv(rx.AddrAny, buf, false, 0, 0); err != nil {
		t.Fatal(err)
	}

	hdr := wire.MsgHdr{Opcode: wire.OpSend, Flags: wire.FlagInline, InlineLen: 5}
	if err := ring.WriteSlot(0, true, hdr, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	reader := New(Config{Ring: ring, ConnID: 1, SM: sm})
	n, err := reader.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 entry processed, got %d", n)
	}
	if ctx.Work.Len() != 1 {
		t.Fatalf("expected entry delivered onto work list, got %d", ctx.Work.Len())
	}
}

func TestPollDispatchesKeyRequest(t *testing.T) {
	ring, err := ringbuf.New(4, 64)
	if err != nil {
		t.Fatal(err)
	}
	store := newStubStore()
	store.local[9] = [3]uint64{1, 2, 3}
	tr := &stubTransport{}
	broker := keybroker.New(store, tr, nil, nil)

	req := wire.KeyReqPayload{Keys: []wire.KeyRef{{KeyID: 9}}}
	body := req.Marshal()
	hdr := wire.MsgHdr{Opcode: wire.OpKeyRequest, InlineLen: uint16(len(body))}
	if err := ring.WriteSlot(0, true, hdr, body); err != nil {
		t.Fatal(err)
	}

	reader := New(Config{Ring: ring, ConnID: 5, Transport: tr, Broker: broker})
	if _, err := reader.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("expected key broker to answer with KEY_EXPORT, got %d sends", len(tr.sent))
	}
}

type stubAtomics struct {
	fetched uint64
	status  int32
}

func (s *stubAtomics) ApplyAtomic(req wire.AtomicReqPayload) (uint64, int32) {
	return s.fetched, s.status
}

func TestPollDispatchesAtomicAndRepliesStatus(t *testing.T) {
	ring, err := ringbuf.New(4, 64)
	if err != nil {
		t.Fatal(err)
	}
	req := wire.AtomicReqPayload{Op: wire.AtomicSum, Datatype: wire.AtomicInt64, VAddr: 1, RKey: 2, Operand: 3}
	body := req.Marshal()
	hdr := wire.MsgHdr{Opcode: wire.OpAtomicReq, Flags: wire.FlagDeliveryComplete, InlineLen: uint16(len(body)), TxEntryID: 77}
	if err := ring.WriteSlot(0, true, hdr, body); err != nil {
		t.Fatal(err)
	}

	tr := &stubTransport{}
	reader := New(Config{Ring: ring, ConnID: 1, Transport: tr, Atomics: &stubAtomics{fetched: 55, status: 0}})
	if _, err := reader.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("expected a STATUS reply, got %d sends", len(tr.sent))
	}
	gotHdr, err := wire.UnmarshalHdr(tr.sent[0])
	if err != nil {
		t.Fatal(err)
	}
	if gotHdr.Opcode != wire.OpStatus || gotHdr.TxEntryID != 77 {
		t.Fatalf("unexpected reply header: %+v", gotHdr)
	}
}

func TestPollDispatchesAtomicWithoutDeliveryCompleteSendsNoReply(t *testing.T) {
	ring, err := ringbuf.New(4, 64)
	if err != nil {
		t.Fatal(err)
	}
	req := wire.AtomicReqPayload{Op: wire.AtomicSum, Datatype: wire.AtomicInt64, VAddr: 1, RKey: 2, Operand: 3}
	body := req.Marshal()
	hdr := wire.MsgHdr{Opcode: wire.OpAtomicReq, InlineLen: uint16(len(body)), TxEntryID: 78}
	if err := ring.WriteSlot(0, true, hdr, body); err != nil {
		t.Fatal(err)
	}

	tr := &stubTransport{}
	reader := New(Config{Ring: ring, ConnID: 1, Transport: tr, Atomics: &stubAtomics{fetched: 55, status: 0}})
	if _, err := reader.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(tr.sent) != 0 {
		t.Fatalf("expected no reply without DELIVERY_COMPLETE, got %d sends", len(tr.sent))
	}
}

func TestPollEmptyRingProcessesNothing(t *testing.T) {
	ring, err := ringbuf.New(4, 64)
	if err != nil {
		t.Fatal(err)
	}
	reader := New(Config{Ring: ring, ConnID: 1})
	n, err := reader.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 entries processed, got %d", n)
	}
}

func TestPollStopsOnIllegalOpcode(t *testing.T) {
	ring, err := ringbuf.New(4, 64)
	if err != nil {
		t.Fatal(err)
	}
	hdr := wire.MsgHdr{Opcode: 0xff}
	if err := ring.WriteSlot(0, true, hdr, nil); err != nil {
		t.Fatal(err)
	}

	reader := New(Config{Ring: ring, ConnID: 9})
	_, err = reader.Poll(context.Background())
	if !errors.Is(err, ErrIllegalOpcode) {
		t.Fatalf("expected ErrIllegalOpcode, got %v", err)
	}
}
