package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hypetoken/ledger-engine/internal/ledger"
	"github.com/hypetoken/ledger-engine/internal/model"
	"github.com/hypetoken/ledger-engine/internal/runs"
	"github.com/hypetoken/ledger-engine/internal/store"
	"github.com/hypetoken/ledger-engine/internal/tokenomics"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = tokenomics.Default().Supply.LaunchDate.Add(400 * 24 * time.Hour)

func stateWith(supply tokenomics.SupplyConfig, distributed map[tokenomics.Category]decimal.Decimal) model.LedgerState {
	st := model.LedgerState{
		Distributed: make(map[tokenomics.Category]decimal.Decimal),
		Locked:      make(map[tokenomics.Category]decimal.Decimal),
	}
	for c, a := range supply.Allocations {
		dist := distributed[c]
		st.Distributed[c] = dist
		st.Locked[c] = a.Amount.Sub(dist)
	}
	return st
}

func TestCheckFlows_Mismatch(t *testing.T) {
	supply := tokenomics.Default().Supply
	st := stateWith(supply, map[tokenomics.Category]decimal.Decimal{
		tokenomics.Presale:   d(10_500),
		tokenomics.Marketing: d(2_500),
	})
	flows := []model.TokenFlow{
		{ID: "1", Category: tokenomics.Presale, Amount: d(6_000)},
		{ID: "2", Category: tokenomics.Presale, Amount: d(4_000)},
		{ID: "3", Category: tokenomics.Marketing, Amount: d(2_000)},
	}

	checks, total := CheckFlows(st, flows, DefaultEpsilon)
	if !total.Equal(d(12_000)) {
		t.Errorf("total flows = %s, want 12000", total)
	}

	var mismatched []Check
	for _, c := range checks {
		if !c.Matched {
			mismatched = append(mismatched, c)
		}
	}
	if len(mismatched) != 2 {
		t.Fatalf("mismatched = %+v, want presale and marketing", mismatched)
	}
	for _, c := range mismatched {
		if !c.Difference.Equal(d(500)) {
			t.Errorf("%s difference = %s, want 500", c.Name, c.Difference)
		}
		if c.finding == nil || c.finding.Kind != model.KindFlowMismatch || c.finding.Severity != model.SeverityHigh {
			t.Errorf("%s finding = %+v", c.Name, c.finding)
		}
	}

	disc := model.NewDiscrepancy(model.SourceReconciler, *mismatched[0].finding, now)
	if !disc.Difference.Equal(d(500)) {
		t.Errorf("discrepancy difference = %s, want 500", disc.Difference)
	}
}

func TestCheckFlows_WithinEpsilon(t *testing.T) {
	supply := tokenomics.Default().Supply
	st := stateWith(supply, map[tokenomics.Category]decimal.Decimal{tokenomics.Presale: d(1_001)})
	checks, _ := CheckFlows(st, []model.TokenFlow{{Category: tokenomics.Presale, Amount: d(1_000)}}, DefaultEpsilon)
	for _, c := range checks {
		if !c.Matched {
			t.Errorf("%s: 1 unit of slop should match", c.Name)
		}
	}
}

func TestCheckTotalSupplyAndAllocations(t *testing.T) {
	supply := tokenomics.Default().Supply
	st := stateWith(supply, nil)

	if c := CheckTotalSupply(st, supply.TotalSupply, DefaultEpsilon); !c.Matched {
		t.Errorf("total supply = %+v", c)
	}
	for _, c := range CheckAllocations(st, supply, DefaultEpsilon) {
		if !c.Matched {
			t.Errorf("allocation %s = %+v", c.Name, c)
		}
	}

	st.Locked[tokenomics.Team] = st.Locked[tokenomics.Team].Add(d(5_000))

	c := CheckTotalSupply(st, supply.TotalSupply, DefaultEpsilon)
	if c.Matched || c.finding.Severity != model.SeverityCritical || c.finding.Kind != model.KindTotalSupply {
		t.Errorf("total supply = %+v", c)
	}

	bad := 0
	for _, c := range CheckAllocations(st, supply, DefaultEpsilon) {
		if !c.Matched {
			bad++
			if c.Name != string(tokenomics.Team) || c.finding.Kind != model.KindAllocation {
				t.Errorf("allocation check = %+v", c)
			}
		}
	}
	if bad != 1 {
		t.Errorf("mismatched allocations = %d, want 1", bad)
	}
}

func TestCheckStaking(t *testing.T) {
	positions := []model.StakingPosition{{Amount: d(1_000)}, {Amount: d(10_000)}}

	c := CheckStaking(positions, nil, DefaultEpsilon)
	if !c.Skipped || !c.Matched {
		t.Errorf("no summary: %+v", c)
	}

	c = CheckStaking(positions, &model.StakingSummary{TotalStaked: d(11_000)}, DefaultEpsilon)
	if !c.Matched || c.Skipped {
		t.Errorf("matching summary: %+v", c)
	}

	c = CheckStaking(positions, &model.StakingSummary{TotalStaked: d(9_000)}, DefaultEpsilon)
	if c.Matched || c.finding.Severity != model.SeverityHigh || !c.Difference.Equal(d(-2_000)) {
		t.Errorf("stale summary: %+v", c)
	}
}

func TestReconcile_EndToEnd(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	p := tokenomics.Default()

	l := ledger.New(ms, p, ledger.WithClock(func() time.Time { return now }))
	if err := l.Init(ctx); err != nil {
		t.Fatal(err)
	}
	for _, req := range []ledger.FlowRequest{
		{Category: "presale", Amount: d(50_000_000), Destination: "wallet1", Reason: "presale buy"},
		{Category: "team", Amount: d(1_000_000), Destination: "team-multisig", Reason: "vesting release"},
	} {
		if _, err := l.RecordFlow(ctx, req); err != nil {
			t.Fatalf("record flow: %v", err)
		}
	}
	_ = ms.SavePosition(ctx, model.StakingPosition{ID: "a", Tier: "silver", Amount: d(10_000), StartTime: now})
	_ = ms.SaveStakingSummary(ctx, model.StakingSummary{ComputedAt: now, Positions: 1, TotalStaked: d(10_000)})

	r := New(ms, p, runs.NewRecorder(ms, nil), decimal.Zero)
	res, err := r.Reconcile(ctx, now)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !res.AllMatched {
		t.Fatalf("expected all matched, mismatches: %+v", res.Mismatches())
	}
	if !res.TotalFlows.Equal(d(51_000_000)) {
		t.Errorf("total flows = %s", res.TotalFlows)
	}

	_ = ms.SaveStakingSummary(ctx, model.StakingSummary{ComputedAt: now, Positions: 1, TotalStaked: d(5_000)})
	res, err = r.Reconcile(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.AllMatched {
		t.Fatal("expected a staking mismatch")
	}

	run, _ := ms.LatestRun(ctx, model.SourceReconciler)
	if run.Passed || run.Errors != 1 || len(run.Detail) == 0 {
		t.Errorf("run = %+v", run)
	}
	history, _ := ms.ListRuns(ctx, model.SourceReconciler, 0)
	if len(history) != 2 || !history[1].Passed {
		t.Errorf("history = %+v, want newest first", history)
	}
}

func TestReconcile_UninitializedLedger(t *testing.T) {
	r := New(store.NewMemoryStore(), tokenomics.Default(), nil, decimal.Zero)
	if _, err := r.Reconcile(context.Background(), now); !errors.Is(err, store.ErrLedgerNotInitialized) {
		t.Errorf("err = %v, want ErrLedgerNotInitialized", err)
	}
}
