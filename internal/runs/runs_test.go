package runs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hypetoken/ledger-engine/internal/model"
	"github.com/hypetoken/ledger-engine/internal/store"
)

type seen struct {
	runs  []model.Run
	fresh [][]model.Discrepancy
}

func (s *seen) PassRecorded(run model.Run, fresh []model.Discrepancy) {
	s.runs = append(s.runs, run)
	s.fresh = append(s.fresh, fresh)
}

func finding(desc string) model.Finding {
	return model.Finding{
		Kind:        model.KindTotalSupply,
		Description: desc,
		Expected:    decimal.NewFromInt(100),
		Actual:      decimal.NewFromInt(90),
		Severity:    model.SeverityCritical,
	}
}

func TestRecord_DedupesAgainstPreviousPass(t *testing.T) {
	ms := store.NewMemoryStore()
	l := &seen{}
	r := NewRecorder(ms, l)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	out := Outcome{
		Source:    model.SourceReconciler,
		StartedAt: started,
		Findings:  []model.Finding{finding("supply drift")},
		Errors:    1,
		Detail:    map[string]int{"checks": 4},
	}
	run, fresh, err := r.Record(ctx, out)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(fresh) != 1 || run.Discrepancies != 1 || run.Passed {
		t.Errorf("first pass: run %+v fresh %d", run, len(fresh))
	}
	var detail map[string]int
	if err := json.Unmarshal(run.Detail, &detail); err != nil || detail["checks"] != 4 {
		t.Errorf("detail = %s, %v", run.Detail, err)
	}

	_, fresh, err = r.Record(ctx, out)
	if err != nil {
		t.Fatal(err)
	}
	if len(fresh) != 0 {
		t.Errorf("unchanged state appended %d discrepancies", len(fresh))
	}

	out.Findings = append(out.Findings, finding("second drift"))
	_, fresh, _ = r.Record(ctx, out)
	if len(fresh) != 1 || fresh[0].Description != "second drift" {
		t.Errorf("third pass fresh = %+v", fresh)
	}

	logged, _ := ms.ListDiscrepancies(ctx, model.SourceReconciler, 0)
	if len(logged) != 2 {
		t.Errorf("log has %d discrepancies, want 2", len(logged))
	}
	history, _ := ms.ListRuns(ctx, model.SourceReconciler, 0)
	if len(history) != 3 || len(l.runs) != 3 {
		t.Errorf("history %d runs, listener %d", len(history), len(l.runs))
	}
}

func TestRecord_NilListener(t *testing.T) {
	r := NewRecorder(store.NewMemoryStore(), nil)
	run, _, err := r.Record(context.Background(), Outcome{Source: model.SourceValidator, Passed: true})
	if err != nil || !run.Passed || run.Detail != nil {
		t.Errorf("run = %+v, err %v", run, err)
	}
}
