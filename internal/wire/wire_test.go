package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMsgHdrRoundTrip(t *testing.T) {
	h := MsgHdr{
		Opcode:    OpSend,
		Flags:     FlagInline | FlagTagged | FlagValidToggle,
		InlineLen: 128,
		RxCtxID:   7,
		TxEntryID: 42,
	}
	buf := h.Marshal()
	if len(buf) != HdrSize {
		t.Fatalf("Marshal produced %d bytes, want %d", len(buf), HdrSize)
	}
	got, err := UnmarshalHdr(buf)
	if err != nil {
		t.Fatalf("UnmarshalHdr: %v", err)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Fatalf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalHdrShort(t *testing.T) {
	if _, err := UnmarshalHdr(make([]byte, HdrSize-1)); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestHdrFlagsHas(t *testing.T) {
	f := FlagInline | FlagValidToggle
	if !f.Has(FlagInline) {
		t.Error("expected FlagInline set")
	}
	if f.Has(FlagTagged) {
		t.Error("did not expect FlagTagged set")
	}
}

func TestSendIndirectPayloadRoundTrip(t *testing.T) {
	p := SendIndirectPayload{Len: 4096, VAddr: 0xdeadbeef, RKey: 99, Tag: 0x1234, CQData: 0xcafe}
	buf := p.Marshal()
	got, err := UnmarshalSendIndirectPayload(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != p {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestAtomicReqPayloadRoundTrip(t *testing.T) {
	p := AtomicReqPayload{Op: AtomicCswap, Datatype: AtomicInt64, VAddr: 10, RKey: 20, Operand: 30, Compare: 40}
	got, err := UnmarshalAtomicReqPayload(p.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != p {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestStatusPayloadRoundTrip(t *testing.T) {
	p := StatusPayload{Status: -5, Rem: 1024}
	got, err := UnmarshalStatusPayload(p.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != p {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestKeyReqPayloadRoundTrip(t *testing.T) {
	p := KeyReqPayload{Keys: []KeyRef{{KeyID: 1}, {KeyID: 2}, {KeyID: 3}}}
	buf := p.Marshal()
	if len(buf) != 3*KeyRefSize {
		t.Fatalf("Marshal produced %d bytes, want %d", len(buf), 3*KeyRefSize)
	}
	got, err := UnmarshalKeyReqPayload(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Keys) != len(p.Keys) {
		t.Fatalf("got %d keys, want %d", len(got.Keys), len(p.Keys))
	}
	for i := range p.Keys {
		if got.Keys[i] != p.Keys[i] {
			t.Errorf("key %d: got %+v, want %+v", i, got.Keys[i], p.Keys[i])
		}
	}
}

func TestKeyReqPayloadMisaligned(t *testing.T) {
	if _, err := UnmarshalKeyReqPayload(make([]byte, 5)); err == nil {
		t.Fatal("expected error for misaligned buffer")
	}
}

func TestKeyDataPayloadRoundTrip(t *testing.T) {
	p := KeyDataPayload{KeyID: 1, VAddr: 2, RKey: 3, Len: 4}
	got, err := UnmarshalKeyDataPayload(p.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != p {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestInlineTrailerRoundTrip(t *testing.T) {
	tr := InlineTrailer{Tag: 0xabc, CQData: 0xdef}
	got, err := UnmarshalInlineTrailer(tr.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != tr {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, tr)
	}
}

func TestWritedataPayloadRoundTrip(t *testing.T) {
	p := WritedataPayload{EntryFlags: FlagRemoteWrite | FlagEntryRemoteCQData, CQData: 0x77}
	got, err := UnmarshalWritedataPayload(p.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != p {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestOpcodeString(t *testing.T) {
	cases := map[Opcode]string{
		OpSend:       "SEND",
		OpKeyRequest: "KEY_REQUEST",
		Opcode(0xff): "UNKNOWN",
	}
	for op, want := range cases {
		if got := op.String(); got != want {
			t.Errorf("Opcode(%d).String() = %q, want %q", op, got, want)
		}
	}
}
