package tx

import (
	"context"
	"sync"
	"testing"

	"github.com/zhpe-fabric/progress-engine/internal/interfaces"
	"github.com/zhpe-fabric/progress-engine/internal/retry"
	"github.com/zhpe-fabric/progress-engine/internal/wire"
)

// fakeTransport completes every submitted op immediately: the next PollCQ
// call reports everything submitted since the previous PollCQ.
type fakeTransport struct {
	mu               sync.Mutex
	nextOpID         uint64
	ready            []interfaces.CQEntry
	failNext         bool
	backpressureNext bool
	sent             [][]byte

	lastOp, lastDatatype     uint8
	lastOperand, lastCompare uint64
}

func (f *fakeTransport) submit(length uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return 0, errSubmit
	}
	if f.backpressureNext {
		f.backpressureNext = false
		return 0, errBackpressure
	}
	id := f.nextOpID
	f.nextOpID++
	f.ready = append(f.ready, interfaces.CQEntry{OpID: id, Status: 0, Bytes: length})
	return id, nil
}

type submitErr string

func (e submitErr) Error() string { return string(e) }

var errSubmit = submitErr("submit failed")

// tempErr implements the net.Error-style Temporary() convention isTemporary
// checks for, mirroring pe.Error's own Temporary method without importing
// the root package (which imports tx and would cycle).
type tempErr string

func (e tempErr) Error() string   { return string(e) }
func (e tempErr) Temporary() bool { return true }

var errBackpressure = tempErr("backpressured")

func (f *fakeTransport) SubmitGet(ctx context.Context, local interfaces.MRHandle, localOff, remoteAddr, remoteKey, length uint64) (uint64, error) {
	return f.submit(length)
}
func (f *fakeTransport) SubmitPut(ctx context.Context, local interfaces.MRHandle, localOff, remoteAddr, remoteKey, length, cqData uint64) (uint64, error) {
	return f.submit(length)
}
func (f *fakeTransport) SubmitAtomic(ctx context.Context, local interfaces.MRHandle, remoteAddr, remoteKey uint64, op, datatype uint8, operand, compare uint64) (uint64, error) {
	f.mu.Lock()
	f.lastOp, f.lastDatatype, f.lastOperand, f.lastCompare = op, datatype, operand, compare
	f.mu.Unlock()
	return f.submit(0)
}
func (f *fakeTransport) SubmitSend(ctx context.Context, connID uint64, payload []byte) (uint64, error) {
	f.mu.Lock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.sent = append(f.sent, cp)
	f.mu.Unlock()
	return f.submit(uint64(len(payload)))
}
func (f *fakeTransport) PollCQ(out []interfaces.CQEntry) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := copy(out, f.ready)
	f.ready = f.ready[n:]
	return n, nil
}
func (f *fakeTransport) RegisterMR(buf []byte) (interfaces.MRHandle, error) { return 0, nil }
func (f *fakeTransport) DeregisterMR(h interfaces.MRHandle) error           { return nil }

func TestSubmitGetSingleChunk(t *testing.T) {
	ft := &fakeTransport{}
	d := NewDriver(ft, 16, 1<<20)

	var gotBytes uint64
	var gotStatus int32
	e := d.SubmitGet(1, 0, 0x1000, 42, 100, func(b uint64, s int32) {
		gotBytes += b
		gotStatus = s
	})
	if err := d.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gotBytes != 100 {
		t.Fatalf("got %d bytes, want 100", gotBytes)
	}
	if gotStatus != 0 {
		t.Fatalf("got status %d, want 0", gotStatus)
	}
	if !e.Done {
		t.Fatal("expected entry to be marked done")
	}
}

func TestSubmitPutChunksOverBudget(t *testing.T) {
	ft := &fakeTransport{}
	d := NewDriver(ft, 16, 40) // force 3 chunks for a 100-byte put

	var totalBytes uint64
	var chunkCount int
	e := d.SubmitPut(1, 0, 0x2000, 7, 100, 0xcafe, func(b uint64, s int32) {
		totalBytes += b
		chunkCount++
	})
	if d.PendingCount() != 3 {
		t.Fatalf("expected 3 pending chunks, got %d", d.PendingCount())
	}
	if err := d.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := d.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if totalBytes != 100 {
		t.Fatalf("got %d total bytes, want 100", totalBytes)
	}
	if chunkCount != 3 {
		t.Fatalf("got %d chunks, want 3", chunkCount)
	}
	if !e.Done {
		t.Fatal("expected entry to be marked done")
	}
}

func TestIssueChunksRespectsMaxIOOpsPerTick(t *testing.T) {
	ft := &fakeTransport{}
	d := NewDriver(ft, 2, 1<<20) // at most 2 chunks issued per tick

	d.SubmitPut(1, 0, 0, 0, 10, 0, nil)
	d.SubmitPut(1, 0, 0, 0, 10, 0, nil)
	d.SubmitPut(1, 0, 0, 0, 10, 0, nil)
	if d.PendingCount() != 3 {
		t.Fatalf("expected 3 pending, got %d", d.PendingCount())
	}
	if err := d.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d.PendingCount() != 1 {
		t.Fatalf("expected 1 still pending after a budget-limited tick, got %d", d.PendingCount())
	}
}

func TestSubmitFailureMarksStatusAndFinishes(t *testing.T) {
	ft := &fakeTransport{failNext: true}
	d := NewDriver(ft, 16, 1<<20)

	var gotStatus int32 = 1
	d.SubmitGet(1, 0, 0, 0, 10, func(b uint64, s int32) {
		gotStatus = s
	})
	if err := d.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gotStatus >= 0 {
		t.Fatalf("expected negative status after submit failure, got %d", gotStatus)
	}
}

func TestApplyAtomicOps(t *testing.T) {
	mem := make([]byte, 8)
	storeWidth(mem, 8, 10)

	fetched, err := ApplyAtomic(wire.AtomicSum, wire.AtomicInt64, mem, 0, 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if fetched != 10 {
		t.Fatalf("expected fetched=10, got %d", fetched)
	}
	if got := loadWidth(mem, 8); got != 15 {
		t.Fatalf("expected memory=15 after sum, got %d", got)
	}

	fetched, err = ApplyAtomic(wire.AtomicCswap, wire.AtomicInt64, mem, 0, 99, 15)
	if err != nil {
		t.Fatal(err)
	}
	if fetched != 15 {
		t.Fatalf("expected fetched=15, got %d", fetched)
	}
	if got := loadWidth(mem, 8); got != 99 {
		t.Fatalf("expected memory=99 after successful cswap, got %d", got)
	}

	// Compare mismatch must leave memory unchanged.
	fetched, err = ApplyAtomic(wire.AtomicCswap, wire.AtomicInt64, mem, 0, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if fetched != 99 {
		t.Fatalf("expected fetched=99, got %d", fetched)
	}
	if got := loadWidth(mem, 8); got != 99 {
		t.Fatalf("expected memory unchanged at 99, got %d", got)
	}
}

func TestApplyAtomicWidths(t *testing.T) {
	mem8 := make([]byte, 1)
	if _, err := ApplyAtomic(wire.AtomicWrite, wire.AtomicInt8, mem8, 0, 0xff, 0); err != nil {
		t.Fatal(err)
	}
	if mem8[0] != 0xff {
		t.Fatalf("got %x", mem8[0])
	}

	mem32 := make([]byte, 4)
	if _, err := ApplyAtomic(wire.AtomicBor, wire.AtomicInt32, mem32, 0, 0x0000ff00, 0); err != nil {
		t.Fatal(err)
	}
	if loadWidth(mem32, 4) != 0xff00 {
		t.Fatalf("got %x", loadWidth(mem32, 4))
	}
}

func TestApplyAtomicOutOfRange(t *testing.T) {
	mem := make([]byte, 2)
	if _, err := ApplyAtomic(wire.AtomicRead, wire.AtomicInt32, mem, 0, 0, 0); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestSubmitAtomicForwardsRealParams(t *testing.T) {
	ft := &fakeTransport{}
	d := NewDriver(ft, 16, 1<<20)

	d.SubmitAtomic(1, 0, 0x3000, 9, uint8(wire.AtomicSum), uint8(wire.AtomicInt64), 42, 7, nil)
	if err := d.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ft.lastOp != uint8(wire.AtomicSum) || ft.lastDatatype != uint8(wire.AtomicInt64) {
		t.Fatalf("got op=%d datatype=%d, want %d/%d", ft.lastOp, ft.lastDatatype, wire.AtomicSum, wire.AtomicInt64)
	}
	if ft.lastOperand != 42 || ft.lastCompare != 7 {
		t.Fatalf("got operand=%d compare=%d, want 42/7", ft.lastOperand, ft.lastCompare)
	}
}

func TestSubmitPutEmitsWritedataOnFinalChunk(t *testing.T) {
	ft := &fakeTransport{}
	d := NewDriver(ft, 16, 40) // force 3 chunks for a 100-byte put

	d.SubmitPut(1, 0, 0x2000, 7, 100, 0xcafe, nil)
	if err := d.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := d.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(ft.sent) != 1 {
		t.Fatalf("expected exactly one WRITEDATA send, got %d", len(ft.sent))
	}
	hdr, err := wire.UnmarshalHdr(ft.sent[0])
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Opcode != wire.OpWriteData {
		t.Fatalf("got opcode %v, want OpWriteData", hdr.Opcode)
	}
	body, err := wire.UnmarshalWritedataPayload(ft.sent[0][wire.HdrSize:])
	if err != nil {
		t.Fatal(err)
	}
	if body.CQData != 0xcafe {
		t.Fatalf("got CQData %x, want 0xcafe", body.CQData)
	}
}

func TestSubmitGetRetriesOnBackpressureInsteadOfFailing(t *testing.T) {
	ft := &fakeTransport{backpressureNext: true}
	d := NewDriver(ft, 16, 1<<20)
	d.SetRetryQueue(retry.New())

	var gotBytes uint64
	var gotStatus int32 = -2 // sentinel: onChunk not yet called
	d.SubmitGet(1, 0, 0x1000, 42, 100, func(b uint64, s int32) {
		gotBytes, gotStatus = b, s
	})
	if err := d.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d.PendingCount() != 0 {
		t.Fatalf("expected chunk to leave the pending queue, got %d", d.PendingCount())
	}
	if gotStatus != -2 {
		t.Fatalf("chunk must not fail on back-pressure, got status %d", gotStatus)
	}

	// Drain the retry queue directly, the way pe.go's retryHandler does.
	if err := d.retryQ.Drain(func(e *retry.Entry) (bool, error) { return e.Continuation() }); err != nil {
		t.Fatal(err)
	}
	if err := d.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gotBytes != 100 || gotStatus != 0 {
		t.Fatalf("expected chunk to complete after retry, got bytes=%d status=%d", gotBytes, gotStatus)
	}
}

func TestSubmitFailureStillTerminalWithRetryQueueSet(t *testing.T) {
	// A non-temporary error must still fail the chunk even with a retry
	// queue wired up: only back-pressure gets deferred.
	ft := &fakeTransport{failNext: true}
	d := NewDriver(ft, 16, 1<<20)
	d.SetRetryQueue(retry.New())

	var gotStatus int32
	d.SubmitGet(1, 0, 0, 0, 10, func(b uint64, s int32) {
		gotStatus = s
	})
	if err := d.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gotStatus >= 0 {
		t.Fatalf("expected negative status after a non-temporary submit failure, got %d", gotStatus)
	}
	if d.retryQ.Len() != 0 {
		t.Fatalf("expected nothing deferred, got %d", d.retryQ.Len())
	}
}
