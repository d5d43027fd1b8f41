package completion

import (
	"testing"

	"github.com/zhpe-fabric/progress-engine/internal/rx"
	"github.com/zhpe-fabric/progress-engine/internal/tx"
)

func TestReportRxPreservesOrder(t *testing.T) {
	r := NewReporter(nil)
	e1 := &rx.Entry{ConnID: 1, Got: 10}
	e2 := &rx.Entry{ConnID: 2, Got: 20}
	r.ReportRx(e1)
	r.ReportRx(e2)

	recs := r.Drain(0)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].ConnID != 1 || recs[1].ConnID != 2 {
		t.Fatalf("expected posting order preserved, got %+v", recs)
	}
	if r.Count() != 2 {
		t.Fatalf("expected count 2, got %d", r.Count())
	}
}

func TestDrainPartial(t *testing.T) {
	r := NewReporter(nil)
	r.ReportRx(&rx.Entry{ConnID: 1})
	r.ReportRx(&rx.Entry{ConnID: 2})
	r.ReportRx(&rx.Entry{ConnID: 3})

	first := r.Drain(2)
	if len(first) != 2 {
		t.Fatalf("expected 2, got %d", len(first))
	}
	if r.Pending() != 1 {
		t.Fatalf("expected 1 remaining, got %d", r.Pending())
	}
	rest := r.Drain(0)
	if len(rest) != 1 || rest[0].ConnID != 3 {
		t.Fatalf("unexpected remainder: %+v", rest)
	}
}

func TestReportTxKinds(t *testing.T) {
	r := NewReporter(nil)
	r.ReportTx(&tx.Entry{Kind: tx.KindGet, Completed: 5})
	r.ReportTx(&tx.Entry{Kind: tx.KindPut, Completed: 7})
	recs := r.Drain(0)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Bytes != 5 || recs[1].Bytes != 7 {
		t.Fatalf("unexpected byte counts: %+v", recs)
	}
}
