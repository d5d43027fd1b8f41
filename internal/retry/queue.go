// Package retry implements the per-endpoint retry queue that holds
// operations deferred by transport back-pressure (spec.md §4.7): a ring
// write that found no free slot, or an RX-side GET that the transport
// declined to issue immediately. Entries are retried in submission order;
// a still-blocked head-of-queue entry holds up everything behind it, since
// that is the order the wire protocol requires them to complete in.
package retry

import (
	"sync"

	"github.com/zhpe-fabric/progress-engine/internal/wire"
)

// Kind distinguishes the retry-entry shapes named in spec.md §4.7, plus the
// TX chunk-reissue shape this module added alongside them.
type Kind int

const (
	// KindRingWriteHeader retries a ring write whose header and payload
	// were fully formed ahead of time and must be replayed byte-for-byte.
	KindRingWriteHeader Kind = iota
	// KindRingWriteIndexed retries a ring write addressed to a specific
	// slot/revolution pair (used when the slot choice itself is fixed,
	// e.g. replaying into the same toggle position after a prior attempt).
	KindRingWriteIndexed
	// KindRxGetContinuation retries an RX-side GET continuation: resuming
	// a chunked rendezvous fetch that stalled mid-flight.
	KindRxGetContinuation
	// KindTxChunkRetry retries a TX-side chunk (GET/PUT/atomic/send) whose
	// Submit* call reported back-pressure rather than a terminal error.
	KindTxChunkRetry
)

// Entry is one deferred operation. Only the fields relevant to Kind are
// populated; the rest are left zero.
type Entry struct {
	Kind Kind

	// KindRingWriteHeader / KindRingWriteIndexed
	ConnID    uint64
	Hdr       wire.MsgHdr
	Payload   []byte
	SlotIndex uint32
	Rev       bool

	// KindRxGetContinuation, KindTxChunkRetry
	Continuation func() (done bool, err error)
}

// Handler attempts to complete one retry entry. It returns done=true if the
// entry was consumed (successfully issued, or abandoned with a terminal
// error folded into err) and false if the operation is still back-pressured
// and must be retried on a later tick.
type Handler func(*Entry) (done bool, err error)

// Queue is a FIFO of deferred entries, safe for concurrent Push from any
// goroutine and Drain from the progress loop.
type Queue struct {
	mu    sync.Mutex
	items []*Entry
}

// New returns an empty retry queue.
func New() *Queue {
	return &Queue{}
}

// Push appends e to the tail of the queue.
func (q *Queue) Push(e *Entry) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain calls handle on entries from the head of the queue, in order,
// removing each one handle reports done. It stops at the first entry handle
// reports not-done (preserving FIFO order for whatever remains) or at the
// first error, which it returns to the caller. The lock is held only to
// peek/pop the head; handle runs with no lock held.
func (q *Queue) Drain(handle Handler) error {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return nil
		}
		e := q.items[0]
		q.mu.Unlock()

		done, err := handle(e)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}

		q.mu.Lock()
		q.items = q.items[1:]
		q.mu.Unlock()
	}
}
