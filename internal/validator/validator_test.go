package validator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hypetoken/ledger-engine/internal/model"
	"github.com/hypetoken/ledger-engine/internal/runs"
	"github.com/hypetoken/ledger-engine/internal/store"
	"github.com/hypetoken/ledger-engine/internal/tokenomics"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func codes(issues []Issue) map[string]bool {
	out := make(map[string]bool, len(issues))
	for _, is := range issues {
		out[is.Code] = true
	}
	return out
}

func TestCheckConfig_DefaultIsValid(t *testing.T) {
	r := CheckConfig(tokenomics.Default())
	if !r.Valid {
		t.Fatalf("default params invalid: %+v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Errorf("unexpected warnings: %+v", r.Warnings)
	}
	if len(r.Calculations) != 3 {
		t.Errorf("calculations = %d, want 3", len(r.Calculations))
	}
}

func TestCheckDistribution_SumOff(t *testing.T) {
	p := tokenomics.Default()
	p.Supply.Distribution[tokenomics.Treasury] = d(0.04) // sums to 0.99

	r := CheckConfig(p)
	if r.Valid {
		t.Fatal("expected invalid result")
	}
	if !codes(r.Errors)[CodeDistributionSum] {
		t.Fatalf("errors = %+v, want %s", r.Errors, CodeDistributionSum)
	}

	f := r.Errors[0].Finding
	if f.Kind != model.KindTotalSupply || f.Severity != model.SeverityCritical {
		t.Errorf("finding = %+v, want critical total_supply", f)
	}
	if !f.Actual.Equal(d(0.99)) {
		t.Errorf("actual = %s, want 0.99", f.Actual)
	}
}

func TestCheckDistribution_WithinTolerance(t *testing.T) {
	p := tokenomics.Default()
	p.Supply.Distribution[tokenomics.Treasury] = d(0.05005)

	if issues := CheckDistribution(p); len(issues) != 0 {
		t.Errorf("unexpected issues: %+v", issues)
	}
}

func TestCheckDistribution_DerivedFromAmounts(t *testing.T) {
	p := tokenomics.Default()
	p.Supply.Distribution = nil

	if issues := CheckDistribution(p); len(issues) != 0 {
		t.Errorf("unexpected issues: %+v", issues)
	}

	a := p.Supply.Allocations[tokenomics.Marketing]
	a.Amount = d(90_000_000)
	p.Supply.Allocations[tokenomics.Marketing] = a

	got := codes(CheckDistribution(p))
	if !got[CodeDistributionSum] || !got[CodeAllocationSum] {
		t.Errorf("codes = %v, want distribution and allocation sum", got)
	}
}

func TestCheckDistribution_NegativeAllocation(t *testing.T) {
	p := tokenomics.Default()
	a := p.Supply.Allocations[tokenomics.Marketing]
	a.Amount = d(-1)
	p.Supply.Allocations[tokenomics.Marketing] = a

	var neg *Issue
	for _, is := range CheckDistribution(p) {
		if is.Code == CodeNegativeAlloc {
			neg = &is
		}
	}
	if neg == nil {
		t.Fatal("expected a negative allocation issue")
	}
	if neg.Finding.Kind != model.KindAllocation || neg.Finding.Severity != model.SeverityCritical {
		t.Errorf("finding = %+v", neg.Finding)
	}
}

func TestCheckTiers(t *testing.T) {
	tiers := tokenomics.Default().Tiers
	tiers[tokenomics.Bronze] = tokenomics.StakingTier{Name: tokenomics.Bronze, APY: decimal.Zero, LockDays: 0, MinAmount: d(-5)}

	got := codes(CheckTiers(tiers))
	for _, c := range []string{CodeInvalidAPY, CodeInvalidLock, CodeInvalidMinAmount} {
		if !got[c] {
			t.Errorf("missing %s in %v", c, got)
		}
	}
	for _, is := range CheckTiers(tiers) {
		if is.Finding.Severity != model.SeverityCritical || is.Finding.Kind != model.KindConfiguration {
			t.Errorf("finding = %+v, want critical configuration", is.Finding)
		}
	}
}

func TestCheckBurnRate(t *testing.T) {
	for _, tt := range []struct {
		rate float64
		ok   bool
	}{{0, true}, {0.01, true}, {1, true}, {-0.1, false}, {1.5, false}} {
		p := tokenomics.Default()
		p.BurnRate = d(tt.rate)
		if got := len(CheckBurnRate(p)) == 0; got != tt.ok {
			t.Errorf("burn rate %v: ok = %v, want %v", tt.rate, got, tt.ok)
		}
	}
}

func TestCheckAntiWhale(t *testing.T) {
	p := tokenomics.Default()
	p.MaxWalletPercent = d(0.25)

	issues := CheckAntiWhale(p)
	if len(issues) != 1 || !issues[0].Warning {
		t.Fatalf("issues = %+v, want one warning", issues)
	}
	if issues[0].Finding.Severity != model.SeverityMedium {
		t.Errorf("severity = %s, want medium", issues[0].Finding.Severity)
	}

	r := CheckConfig(p)
	if !r.Valid {
		t.Error("an anti-whale warning must not invalidate the result")
	}

	p.MaxWalletPercent = d(0.0001)
	if len(CheckAntiWhale(p)) != 1 {
		t.Error("expected a warning below the lower bound")
	}
}

func TestCheckSupply(t *testing.T) {
	total := d(1_000_000_000)

	tests := []struct {
		name string
		b    SupplyBreakdown
		want []string
	}{
		{"fully accounted", SupplyBreakdown{CurrentSupply: total, Distributed: d(900_000_000), Staked: d(100_000_000)}, nil},
		{"burned accounted", SupplyBreakdown{CurrentSupply: d(999_000_000), Burned: d(1_000_000), Distributed: d(999_000_000)}, nil},
		{"within epsilon", SupplyBreakdown{CurrentSupply: d(999_999_999), Distributed: d(999_999_999)}, nil},
		{"unaccounted", SupplyBreakdown{CurrentSupply: total, Distributed: d(50_000_000)}, []string{CodeUnaccounted}},
		{"circulating gap", SupplyBreakdown{CurrentSupply: d(999_000_000), Distributed: total}, []string{CodeCirculatingGap}},
		{"exceeded", SupplyBreakdown{CurrentSupply: d(1_000_000_500), Distributed: total}, []string{CodeSupplyExceeded, CodeCirculatingGap}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := CheckSupply(total, tt.b, DefaultEpsilon)
			if len(issues) != len(tt.want) {
				t.Fatalf("issues = %+v, want %v", issues, tt.want)
			}
			for i, c := range tt.want {
				if issues[i].Code != c {
					t.Errorf("issue %d = %s, want %s", i, issues[i].Code, c)
				}
			}
		})
	}
}

func TestCheckSupply_UnaccountedFinding(t *testing.T) {
	total := d(1_000_000_000)
	issues := CheckSupply(total, SupplyBreakdown{CurrentSupply: total, Distributed: d(40_000_000), Burned: d(5_000_000), Staked: d(5_000_000)}, DefaultEpsilon)
	if len(issues) != 1 {
		t.Fatalf("issues = %+v", issues)
	}
	is := issues[0]
	if !is.Warning || is.Finding.Severity != model.SeverityHigh || is.Finding.Kind != model.KindTotalSupply {
		t.Errorf("issue = %+v", is)
	}
	if !is.Finding.Actual.Equal(d(50_000_000)) || !is.Finding.Expected.Equal(total) {
		t.Errorf("expected/actual = %s/%s", is.Finding.Expected, is.Finding.Actual)
	}
}

func TestValidate_RecordsRunAndIsIdempotent(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	p := tokenomics.Default()
	p.Supply.Distribution[tokenomics.Treasury] = d(0.04)
	v := New(ms, p, runs.NewRecorder(ms, nil), decimal.Zero)

	r, err := v.Validate(ctx, now)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if r.Valid {
		t.Fatal("expected invalid result")
	}
	if r.Supply == nil || r.Supply.Reported {
		t.Errorf("supply = %+v, want default unreported breakdown", r.Supply)
	}

	run, err := ms.LatestRun(ctx, model.SourceValidator)
	if err != nil {
		t.Fatalf("latest run: %v", err)
	}
	if run.Passed || run.Errors != 1 {
		t.Errorf("run = %+v", run)
	}

	if _, err := v.Validate(ctx, now.Add(5*time.Minute)); err != nil {
		t.Fatalf("second validate: %v", err)
	}
	all, _ := ms.ListDiscrepancies(ctx, model.SourceValidator, 0)
	// distribution error plus the unaccounted warning of an empty ledger
	if len(all) != 2 {
		t.Errorf("discrepancies = %d after two passes, want 2", len(all))
	}
}

func TestValidate_UsesSupplyReport(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	_ = ms.SaveSupplyReport(ctx, model.SupplyReport{ReportedAt: now, CurrentSupply: d(990_000_000), Burned: d(5_000_000)})

	v := New(ms, tokenomics.Default(), nil, decimal.Zero)
	r, err := v.Validate(ctx, now)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !r.Valid {
		t.Errorf("supply gaps should only warn: %+v", r.Errors)
	}
	if !codes(r.Warnings)[CodeCirculatingGap] {
		t.Errorf("warnings = %+v, want %s", r.Warnings, CodeCirculatingGap)
	}
	if !r.Supply.CirculatingGap.Equal(d(5_000_000)) {
		t.Errorf("circulating gap = %s, want 5000000", r.Supply.CirculatingGap)
	}
}

func TestValidate_DistributedTokensAreAccounted(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	p := tokenomics.Default()

	allocs := make(map[tokenomics.Category]decimal.Decimal)
	for c, a := range p.Supply.Allocations {
		allocs[c] = a.Amount
	}
	if err := ms.InitLedger(ctx, allocs); err != nil {
		t.Fatal(err)
	}
	flow := model.TokenFlow{ID: "f1", Timestamp: now, Category: tokenomics.Presale, Amount: d(50_000_000), Destination: "w1"}
	if err := ms.CommitFlow(ctx, 0, flow); err != nil {
		t.Fatalf("commit flow: %v", err)
	}

	v := New(ms, p, nil, decimal.Zero)
	r, err := v.Validate(ctx, now)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !r.Supply.Distributed.Equal(d(50_000_000)) || !r.Supply.Unaccounted.Equal(d(950_000_000)) {
		t.Errorf("supply = %+v", r.Supply)
	}
	if !codes(r.Warnings)[CodeUnaccounted] {
		t.Errorf("warnings = %+v, want %s", r.Warnings, CodeUnaccounted)
	}
	if !r.Valid {
		t.Errorf("unaccounted tokens should only warn: %+v", r.Errors)
	}
}
