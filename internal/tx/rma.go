package tx

import (
	"context"
	"errors"
	"sync"

	"github.com/zhpe-fabric/progress-engine/internal/constants"
	"github.com/zhpe-fabric/progress-engine/internal/interfaces"
	"github.com/zhpe-fabric/progress-engine/internal/retry"
	"github.com/zhpe-fabric/progress-engine/internal/wire"
)

// Driver issues GET/PUT/atomic/send ops against a Transport, splitting any
// op whose length exceeds maxIOBytes into multiple chunks and never issuing
// more than maxIOOps chunks in a single Tick (spec.md §4.4, EP_MAX_IO_OPS /
// EP_MAX_IO_BYTES). It is the only thing in this module that talks directly
// to interfaces.Transport for data-plane ops.
type Driver struct {
	transport interfaces.Transport

	maxIOOps   int
	maxIOBytes uint64

	mu       sync.Mutex
	pending  []*chunkJob // chunks not yet issued this tick
	inflight map[uint64]*chunkJob
	nextID   uint64

	retryQ *retry.Queue // optional; set via SetRetryQueue
}

// chunkJob is one outstanding (or queued) chunk of a larger Entry.
type chunkJob struct {
	entry   *Entry
	local   interfaces.MRHandle
	offset  uint64 // offset into entry's remote/local range
	length  uint64
	payload []byte // KindSend only: the control-message body to deliver

	// KindAtomic only.
	op, datatype     uint8
	operand, compare uint64

	cqData uint64 // KindPut only: nonzero on the chunk that must emit WRITEDATA
}

// NewDriver builds a Driver. maxIOOps/maxIOBytes of zero fall back to
// constants.DefaultMaxIOOps/DefaultMaxIOBytes.
func NewDriver(transport interfaces.Transport, maxIOOps int, maxIOBytes uint64) *Driver {
	if maxIOOps <= 0 {
		maxIOOps = constants.DefaultMaxIOOps
	}
	if maxIOBytes == 0 {
		maxIOBytes = constants.DefaultMaxIOBytes
	}
	return &Driver{
		transport:  transport,
		maxIOOps:   maxIOOps,
		maxIOBytes: maxIOBytes,
		inflight:   make(map[uint64]*chunkJob),
	}
}

// SubmitGet schedules an RDMA READ of length bytes from (remoteAddr,
// remoteKey) into local, chunked per the driver's budget. onChunk, if
// non-nil, is called once per completed chunk with the bytes that chunk
// delivered and its status (0 on success).
func (d *Driver) SubmitGet(connID uint64, local interfaces.MRHandle, remoteAddr, remoteKey, length uint64, onChunk func(uint64, int32)) *Entry {
	e := d.newEntry(KindGet, connID, remoteAddr, remoteKey, length, 0, onChunk)
	d.scheduleChunks(e, local)
	return e
}

// SubmitPut schedules an RDMA WRITE of length bytes from local into
// (remoteAddr, remoteKey), chunked per the driver's budget. cqData, if
// nonzero, is carried on the final chunk only, so the target sees exactly
// one FI_REMOTE_CQ_DATA completion regardless of chunking.
func (d *Driver) SubmitPut(connID uint64, local interfaces.MRHandle, remoteAddr, remoteKey, length, cqData uint64, onChunk func(uint64, int32)) *Entry {
	e := d.newEntry(KindPut, connID, remoteAddr, remoteKey, length, cqData, onChunk)
	d.scheduleChunks(e, local)
	return e
}

// SubmitAtomic schedules a single-element RMW; atomics are never chunked.
func (d *Driver) SubmitAtomic(connID uint64, local interfaces.MRHandle, remoteAddr, remoteKey uint64, op, datatype uint8, operand, compare uint64, onChunk func(uint64, int32)) *Entry {
	e := d.newEntry(KindAtomic, connID, remoteAddr, remoteKey, 0, 0, onChunk)
	d.mu.Lock()
	d.pending = append(d.pending, &chunkJob{
		entry: e, local: local, length: 0,
		op: op, datatype: datatype, operand: operand, compare: compare,
	})
	d.mu.Unlock()
	return e
}

// SetRetryQueue wires q as the destination for chunks a Submit* call
// back-pressures on. Called by pe.AddTxCtx when registering a TX context;
// a Driver with no retry queue set fails a back-pressured chunk terminally,
// as it always did before.
func (d *Driver) SetRetryQueue(q *retry.Queue) {
	d.mu.Lock()
	d.retryQ = q
	d.mu.Unlock()
}

// SubmitSend schedules a control-message delivery; sends are never chunked.
func (d *Driver) SubmitSend(connID uint64, payload []byte, onChunk func(uint64, int32)) *Entry {
	e := d.newEntry(KindSend, connID, 0, 0, uint64(len(payload)), 0, onChunk)
	d.mu.Lock()
	d.pending = append(d.pending, &chunkJob{entry: e, length: uint64(len(payload)), payload: payload})
	d.mu.Unlock()
	return e
}

func (d *Driver) newEntry(kind Kind, connID, remoteAddr, remoteKey, length, cqData uint64, onChunk func(uint64, int32)) *Entry {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.mu.Unlock()

	e := newEntry()
	e.ID = id
	e.Kind = kind
	e.ConnID = connID
	e.RemoteAddr = remoteAddr
	e.RemoteKey = remoteKey
	e.Length = length
	e.CQData = cqData
	e.onChunk = onChunk
	return e
}

func (d *Driver) scheduleChunks(e *Entry, local interfaces.MRHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e.Length == 0 {
		d.pending = append(d.pending, &chunkJob{entry: e, local: local})
		return
	}
	var off uint64
	for off < e.Length {
		n := e.Length - off
		if n > d.maxIOBytes {
			n = d.maxIOBytes
		}
		d.pending = append(d.pending, &chunkJob{entry: e, local: local, offset: off, length: n})
		off += n
	}
}

// Tick issues up to maxIOOps queued chunks and polls the transport's
// completion queue, folding any completions into their owning Entry and
// firing onChunk. It is meant to be called once per progress-loop pass.
func (d *Driver) Tick(ctx context.Context) error {
	if err := d.issueChunks(ctx); err != nil {
		return err
	}
	return d.pollCompletions()
}

func (d *Driver) issueChunks(ctx context.Context) error {
	d.mu.Lock()
	n := d.maxIOOps
	if n > len(d.pending) {
		n = len(d.pending)
	}
	batch := d.pending[:n]
	d.pending = d.pending[n:]
	retryQ := d.retryQ
	d.mu.Unlock()

	for _, job := range batch {
		opID, err := d.issueJob(ctx, job)
		if err != nil {
			if retryQ != nil && isTemporary(err) {
				d.deferJob(job)
				continue
			}
			job.entry.UpdateStatus(-1)
			d.finish(job, 0, job.entry.Status)
			continue
		}
		d.mu.Lock()
		d.inflight[opID] = job
		d.mu.Unlock()
	}
	return nil
}

// issueJob submits job's op to the transport, filling in the op-specific
// arguments from job and job.entry. For KindPut it also records whether
// this chunk is the one that must carry CQData, since the completion queue
// entry that later reports it back doesn't echo that back itself.
func (d *Driver) issueJob(ctx context.Context, job *chunkJob) (uint64, error) {
	switch job.entry.Kind {
	case KindGet:
		return d.transport.SubmitGet(ctx, job.local, job.offset, job.entry.RemoteAddr+job.offset, job.entry.RemoteKey, job.length)
	case KindPut:
		job.cqData = 0
		if job.offset+job.length >= job.entry.Length {
			job.cqData = job.entry.CQData
		}
		return d.transport.SubmitPut(ctx, job.local, job.offset, job.entry.RemoteAddr+job.offset, job.entry.RemoteKey, job.length, job.cqData)
	case KindAtomic:
		return d.transport.SubmitAtomic(ctx, job.local, job.entry.RemoteAddr, job.entry.RemoteKey, job.op, job.datatype, job.operand, job.compare)
	case KindSend:
		return d.transport.SubmitSend(ctx, job.entry.ConnID, job.payload)
	default:
		return 0, nil
	}
}

// deferJob pushes a back-pressured job onto the retry queue, to be reissued
// on a later tick through the same issueJob path. It never fails the chunk
// terminally itself; only a non-temporary error on a later attempt does.
// The continuation runs with context.Background(), matching every other
// retry.Entry.Continuation in this module: a deferred op must not inherit a
// context scoped to the Tick call that originally queued it.
func (d *Driver) deferJob(job *chunkJob) {
	d.retryQ.Push(&retry.Entry{
		Kind: retry.KindTxChunkRetry,
		Continuation: func() (bool, error) {
			opID, err := d.issueJob(context.Background(), job)
			if err != nil {
				if isTemporary(err) {
					return false, nil // still back-pressured, retry next tick
				}
				job.entry.UpdateStatus(-1)
				d.finish(job, 0, job.entry.Status)
				return true, nil
			}
			d.mu.Lock()
			d.inflight[opID] = job
			d.mu.Unlock()
			return true, nil
		},
	})
}

// isTemporary reports whether err (or something it wraps) identifies as
// transient via the net.Error-style Temporary() convention.
func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

func (d *Driver) pollCompletions() error {
	buf := make([]interfaces.CQEntry, 64)
	n, err := d.transport.PollCQ(buf)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		cqe := buf[i]
		d.mu.Lock()
		job, ok := d.inflight[cqe.OpID]
		if ok {
			delete(d.inflight, cqe.OpID)
		}
		d.mu.Unlock()
		if !ok {
			continue
		}
		d.finish(job, cqe.Bytes, cqe.Status)
	}
	return nil
}

func (d *Driver) finish(job *chunkJob, bytes uint64, status int32) {
	e := job.entry
	e.Completed += bytes
	e.Completions++
	e.UpdateStatus(status)
	if e.Kind == KindPut && job.cqData != 0 && status == 0 {
		d.sendWritedata(e.ConnID, job.cqData)
	}
	if e.onChunk != nil {
		e.onChunk(bytes, e.Status)
	}
	if e.Status < 0 || e.Completed >= e.Length {
		e.Done = true
		releaseEntry(e)
	}
}

// sendWritedata delivers the WRITEDATA control message a PUT's final chunk
// owes the target once it lands (spec.md §8 S6), ahead of the local onChunk
// report so the target never observes its own data before being told why.
func (d *Driver) sendWritedata(connID, cqData uint64) {
	body := wire.WritedataPayload{EntryFlags: wire.FlagRemoteWrite | wire.FlagEntryRemoteCQData, CQData: cqData}.Marshal()
	hdr := wire.MsgHdr{Opcode: wire.OpWriteData, InlineLen: uint16(len(body))}
	buf := append(hdr.Marshal(), body...)
	_, _ = d.transport.SubmitSend(context.Background(), connID, buf)
}

// PendingCount reports how many chunks are queued but not yet issued.
func (d *Driver) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// InflightCount reports how many chunks have been issued but not completed.
func (d *Driver) InflightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}
