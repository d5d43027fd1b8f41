// Package completion maps internal RX/TX entry results onto the ordered
// completion records the application observes, preserving the order
// entries were posted in (spec.md §4.3, §8 invariant 2).
package completion

import (
	"sync"
	"sync/atomic"

	"github.com/zhpe-fabric/progress-engine/internal/interfaces"
	"github.com/zhpe-fabric/progress-engine/internal/rx"
	"github.com/zhpe-fabric/progress-engine/internal/tx"
	"github.com/zhpe-fabric/progress-engine/internal/wire"
)

// Record is one completion-queue entry.
type Record struct {
	ConnID uint64
	Kind   wire.EntryFlags // FlagSend/FlagRecv/FlagReadOp/FlagWriteOp/FlagAtomic
	Tag    uint64
	Tagged bool
	Bytes  uint64
	Status int32
	CQData uint64
}

// Reporter accumulates Records in the order ReportRx/ReportTx are called
// (which, because DrainCompletions walks each context's work list in FIFO
// order, is also posting order) and hands them out via Drain.
type Reporter struct {
	mu      sync.Mutex
	records []Record
	count   uint64 // atomic

	observer interfaces.Observer
}

// NewReporter returns a Reporter. observer may be nil.
func NewReporter(observer interfaces.Observer) *Reporter {
	return &Reporter{observer: observer}
}

// ReportRx converts a terminal rx.Entry into a completion record. Intended
// as the rx.CompletionFunc passed to rx.NewStateMachine.
func (r *Reporter) ReportRx(e *rx.Entry) {
	rec := Record{
		ConnID: e.ConnID,
		Kind:   wire.FlagRecv,
		Tag:    e.Tag,
		Tagged: e.Tagged,
		Bytes:  e.Got,
		Status: e.Status,
		CQData: e.CQData,
	}
	r.push(rec)
	if r.observer != nil {
		r.observer.ObserveRecv(e.Got, e.Status == 0)
	}
}

// ReportTx converts a finished tx.Entry into a completion record.
func (r *Reporter) ReportTx(e *tx.Entry) {
	var kind wire.EntryFlags
	switch e.Kind {
	case tx.KindGet:
		kind = wire.FlagReadOp
	case tx.KindPut:
		kind = wire.FlagWriteOp
	case tx.KindAtomic:
		kind = wire.FlagAtomic
	case tx.KindSend:
		kind = wire.FlagSend
	}
	rec := Record{
		ConnID: e.ConnID,
		Kind:   kind,
		Bytes:  e.Completed,
		Status: e.Status,
		CQData: e.CQData,
	}
	r.push(rec)
	if r.observer == nil {
		return
	}
	switch e.Kind {
	case tx.KindGet:
		r.observer.ObserveGet(e.Completed, 0, e.Status == 0)
	case tx.KindPut:
		r.observer.ObservePut(e.Completed, 0, e.Status == 0)
	case tx.KindAtomic:
		r.observer.ObserveAtomic(0, e.Status == 0)
	case tx.KindSend:
		r.observer.ObserveSend(e.Completed, e.Status == 0)
	}
}

func (r *Reporter) push(rec Record) {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	atomic.AddUint64(&r.count, 1)
}

// Drain returns up to max pending records, in the order they were reported,
// removing them from the reporter. A max of 0 or less returns everything.
func (r *Reporter) Drain(max int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if max <= 0 || max > len(r.records) {
		max = len(r.records)
	}
	out := make([]Record, max)
	copy(out, r.records[:max])
	r.records = r.records[max:]
	return out
}

// Pending reports how many records are waiting to be drained.
func (r *Reporter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Count returns the total number of records ever reported, including ones
// already drained.
func (r *Reporter) Count() uint64 {
	return atomic.LoadUint64(&r.count)
}
