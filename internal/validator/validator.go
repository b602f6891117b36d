// Package validator checks the static tokenomics parameters and the
// supply-level accounting identity.
//
// Configuration checks are pure functions of tokenomics.Params; the
// Validator service adds the supply report from the store and records the
// outcome as a validator run.
package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hypetoken/ledger-engine/internal/model"
	"github.com/hypetoken/ledger-engine/internal/runs"
	"github.com/hypetoken/ledger-engine/internal/staking"
	"github.com/hypetoken/ledger-engine/internal/store"
	"github.com/hypetoken/ledger-engine/internal/tokenomics"
	"github.com/hypetoken/ledger-engine/internal/traces"
)

// Issue codes.
const (
	CodeDistributionSum  = "DISTRIBUTION_SUM_ERROR"
	CodeNegativeAlloc    = "NEGATIVE_ALLOCATION"
	CodeAllocationSum    = "ALLOCATION_SUM_ERROR"
	CodeInvalidAPY       = "INVALID_APY"
	CodeInvalidLock      = "INVALID_LOCK_PERIOD"
	CodeInvalidMinAmount = "INVALID_MIN_AMOUNT"
	CodeSupplyExceeded   = "SUPPLY_EXCEEDED"
	CodeUnaccounted      = "UNACCOUNTED_TOKENS"
	CodeCirculatingGap   = "CIRCULATING_MISMATCH"
	CodeInvalidBurnRate  = "INVALID_BURN_RATE"
	CodeUnusualMaxWallet = "UNUSUAL_MAX_WALLET"
)

var (
	// DistributionTolerance bounds |Σ percentages - 1|.
	DistributionTolerance = decimal.RequireFromString("0.0001")

	// MaxWalletMin and MaxWalletMax bound the anti-whale percentage before
	// it is reported as unusual.
	MaxWalletMin = decimal.RequireFromString("0.001")
	MaxWalletMax = decimal.RequireFromString("0.10")

	// DefaultEpsilon is the supply accounting slack in token units.
	DefaultEpsilon = decimal.NewFromInt(1)
)

var one = decimal.NewFromInt(1)

// Issue is one failed check. Warnings do not make a result invalid.
type Issue struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Warning bool          `json:"warning,omitempty"`
	Finding model.Finding `json:"-"`
}

// SupplyBreakdown is the accounting view the supply checks ran against.
type SupplyBreakdown struct {
	TotalSupply    decimal.Decimal `json:"total_supply"`
	CurrentSupply  decimal.Decimal `json:"current_supply"`
	Burned         decimal.Decimal `json:"burned"`
	Distributed    decimal.Decimal `json:"distributed"`
	Locked         decimal.Decimal `json:"locked"`
	Staked         decimal.Decimal `json:"staked"`
	Accounted      decimal.Decimal `json:"accounted"`
	Unaccounted    decimal.Decimal `json:"unaccounted"`
	CirculatingGap decimal.Decimal `json:"circulating_gap"`
	Reported       bool            `json:"reported"`
}

// Result aggregates one validation pass.
type Result struct {
	Timestamp    time.Time            `json:"timestamp"`
	Valid        bool                 `json:"valid"`
	Errors       []Issue              `json:"errors"`
	Warnings     []Issue              `json:"warnings"`
	Calculations []staking.Simulation `json:"calculations"`
	Supply       *SupplyBreakdown     `json:"supply,omitempty"`
}

func (r *Result) add(issues []Issue) {
	for _, is := range issues {
		if is.Warning {
			r.Warnings = append(r.Warnings, is)
		} else {
			r.Errors = append(r.Errors, is)
		}
	}
	r.Valid = len(r.Errors) == 0
}

// Findings returns the findings of every issue, errors first.
func (r *Result) Findings() []model.Finding {
	out := make([]model.Finding, 0, len(r.Errors)+len(r.Warnings))
	for _, is := range r.Errors {
		out = append(out, is.Finding)
	}
	for _, is := range r.Warnings {
		out = append(out, is.Finding)
	}
	return out
}

// CheckDistribution verifies the configured percentages sum to 1 and that
// no allocation is negative. When the config carries no percentages they
// are derived from the allocation amounts.
func CheckDistribution(p tokenomics.Params) []Issue {
	var out []Issue
	supply := p.Supply

	dist := supply.Distribution
	if len(dist) == 0 && supply.TotalSupply.IsPositive() {
		dist = make(map[tokenomics.Category]decimal.Decimal, len(supply.Allocations))
		for c, a := range supply.Allocations {
			dist[c] = a.Amount.Div(supply.TotalSupply)
		}
	}

	total := decimal.Zero
	for _, pct := range dist {
		total = total.Add(pct)
	}
	if total.Sub(one).Abs().GreaterThan(DistributionTolerance) {
		out = append(out, Issue{
			Code:    CodeDistributionSum,
			Message: fmt.Sprintf("distribution percentages sum to %s, must be 1.0", total),
			Finding: model.Finding{
				Kind:          model.KindTotalSupply,
				Description:   "token distribution percentages do not sum to 100%",
				ExpectedLabel: "percent sum",
				ActualLabel:   "configured sum",
				Expected:      one,
				Actual:        total,
				Severity:      model.SeverityCritical,
			},
		})
	}

	for _, c := range tokenomics.Categories {
		pct, hasPct := dist[c]
		a, hasAlloc := supply.Allocations[c]
		if !hasPct && !hasAlloc {
			continue
		}
		tokens := supply.TotalSupply.Mul(pct)
		if hasAlloc {
			tokens = a.Amount
		}
		if tokens.IsNegative() || pct.IsNegative() {
			out = append(out, Issue{
				Code:    CodeNegativeAlloc,
				Message: fmt.Sprintf("%s has negative allocation %s", c, tokens),
				Finding: model.Finding{
					Kind:          model.KindAllocation,
					Description:   fmt.Sprintf("negative token allocation: %s", c),
					ExpectedLabel: "minimum",
					ActualLabel:   "allocation",
					Expected:      decimal.Zero,
					Actual:        tokens,
					Severity:      model.SeverityCritical,
				},
			})
		}
	}

	if sum := supply.AllocationSum(); !sum.Equal(supply.TotalSupply) {
		out = append(out, Issue{
			Code:    CodeAllocationSum,
			Message: fmt.Sprintf("allocations sum to %s, total supply is %s", sum, supply.TotalSupply),
			Finding: model.Finding{
				Kind:          model.KindTotalSupply,
				Description:   "allocation amounts do not sum to total supply",
				ExpectedLabel: "total supply",
				ActualLabel:   "allocation sum",
				Expected:      supply.TotalSupply,
				Actual:        sum,
				Severity:      model.SeverityCritical,
			},
		})
	}
	return out
}

// CheckTiers verifies every tier has a positive APY, lock period and
// minimum amount.
func CheckTiers(tiers tokenomics.TierTable) []Issue {
	var out []Issue
	tierIssue := func(code string, name tokenomics.TierName, field string, v decimal.Decimal) Issue {
		return Issue{
			Code:    code,
			Message: fmt.Sprintf("%s tier has invalid %s: %s", name, field, v),
			Finding: model.Finding{
				Kind:          model.KindConfiguration,
				Description:   fmt.Sprintf("invalid %s for %s tier", field, name),
				ExpectedLabel: "minimum (exclusive)",
				ActualLabel:   field,
				Expected:      decimal.Zero,
				Actual:        v,
				Severity:      model.SeverityCritical,
			},
		}
	}

	for _, name := range tiers.Names() {
		t := tiers[name]
		if !t.APY.IsPositive() {
			out = append(out, tierIssue(CodeInvalidAPY, name, "apy", t.APY))
		}
		if t.LockDays <= 0 {
			out = append(out, tierIssue(CodeInvalidLock, name, "lock period", decimal.NewFromInt(int64(t.LockDays))))
		}
		if !t.MinAmount.IsPositive() {
			out = append(out, tierIssue(CodeInvalidMinAmount, name, "minimum amount", t.MinAmount))
		}
	}
	return out
}

// CheckBurnRate verifies 0 <= burnRate <= 1.
func CheckBurnRate(p tokenomics.Params) []Issue {
	if !p.BurnRate.IsNegative() && p.BurnRate.LessThanOrEqual(one) {
		return nil
	}
	return []Issue{{
		Code:    CodeInvalidBurnRate,
		Message: fmt.Sprintf("burn rate must be between 0 and 1, got %s", p.BurnRate),
		Finding: model.Finding{
			Kind:          model.KindConfiguration,
			Description:   "invalid burn rate configuration",
			ExpectedLabel: "maximum",
			ActualLabel:   "burn rate",
			Expected:      one,
			Actual:        p.BurnRate,
			Severity:      model.SeverityCritical,
		},
	}}
}

// CheckAntiWhale warns when the max wallet percentage is outside the usual
// range.
func CheckAntiWhale(p tokenomics.Params) []Issue {
	pct := p.MaxWalletPercent
	if pct.GreaterThanOrEqual(MaxWalletMin) && pct.LessThanOrEqual(MaxWalletMax) {
		return nil
	}
	bound := MaxWalletMin
	if pct.GreaterThan(MaxWalletMax) {
		bound = MaxWalletMax
	}
	return []Issue{{
		Code:    CodeUnusualMaxWallet,
		Message: fmt.Sprintf("max wallet percentage %s is unusual (%s cap)", pct, p.MaxWalletTokens()),
		Warning: true,
		Finding: model.Finding{
			Kind:          model.KindConfiguration,
			Description:   "unusual max wallet configuration",
			ExpectedLabel: "usual bound",
			ActualLabel:   "max wallet percent",
			Expected:      bound,
			Actual:        pct,
			Severity:      model.SeverityMedium,
		},
	}}
}

// CheckSupply verifies the reported supply never exceeds the total, that
// distributed, burned and staked tokens account for the whole supply within
// epsilon, and that circulating plus burned tokens match the total.
func CheckSupply(total decimal.Decimal, b SupplyBreakdown, epsilon decimal.Decimal) []Issue {
	var out []Issue
	if b.CurrentSupply.GreaterThan(total) {
		out = append(out, Issue{
			Code:    CodeSupplyExceeded,
			Message: fmt.Sprintf("current supply %s exceeds total supply %s", b.CurrentSupply, total),
			Finding: model.Finding{
				Kind:          model.KindTotalSupply,
				Description:   "token supply exceeded maximum",
				ExpectedLabel: "max supply",
				ActualLabel:   "current supply",
				Expected:      total,
				Actual:        b.CurrentSupply,
				Severity:      model.SeverityCritical,
			},
		})
	}

	accounted := b.Distributed.Add(b.Burned).Add(b.Staked)
	if total.Sub(accounted).Abs().GreaterThan(epsilon) {
		out = append(out, Issue{
			Code:    CodeUnaccounted,
			Message: fmt.Sprintf("%s tokens not accounted for", total.Sub(accounted)),
			Warning: true,
			Finding: model.Finding{
				Kind:          model.KindTotalSupply,
				Description:   "token accounting mismatch",
				ExpectedLabel: "total supply",
				ActualLabel:   "distributed + burned + staked",
				Expected:      total,
				Actual:        accounted,
				Severity:      model.SeverityHigh,
			},
		})
	}

	circulating := b.CurrentSupply.Add(b.Burned)
	if total.Sub(circulating).Abs().GreaterThan(epsilon) {
		out = append(out, Issue{
			Code:    CodeCirculatingGap,
			Message: fmt.Sprintf("circulating plus burned differs from total supply by %s", total.Sub(circulating)),
			Warning: true,
			Finding: model.Finding{
				Kind:          model.KindTotalSupply,
				Description:   "circulating supply mismatch",
				ExpectedLabel: "total supply",
				ActualLabel:   "current + burned",
				Expected:      total,
				Actual:        circulating,
				Severity:      model.SeverityMedium,
			},
		})
	}
	return out
}

// CheckConfig runs every static check.
func CheckConfig(p tokenomics.Params) *Result {
	r := &Result{Valid: true}
	r.add(CheckDistribution(p))
	r.add(CheckTiers(p.Tiers))
	r.add(CheckBurnRate(p))
	r.add(CheckAntiWhale(p))
	r.Calculations = staking.Illustrate(p.Tiers)
	return r
}

// Validator runs the full battery against the persisted state.
type Validator struct {
	store    store.Store
	params   tokenomics.Params
	recorder *runs.Recorder
	epsilon  decimal.Decimal
}

// New creates a validator. A non-positive epsilon falls back to
// DefaultEpsilon.
func New(st store.Store, params tokenomics.Params, rec *runs.Recorder, epsilon decimal.Decimal) *Validator {
	if !epsilon.IsPositive() {
		epsilon = DefaultEpsilon
	}
	return &Validator{store: st, params: params, recorder: rec, epsilon: epsilon}
}

// Breakdown gathers the supply accounting view. A missing supply report
// defaults to the full supply circulating with nothing burned.
func (v *Validator) Breakdown(ctx context.Context) (*SupplyBreakdown, error) {
	b := &SupplyBreakdown{
		TotalSupply:   v.params.Supply.TotalSupply,
		CurrentSupply: v.params.Supply.TotalSupply,
	}

	rep, err := v.store.LatestSupplyReport(ctx)
	switch {
	case err == nil:
		b.CurrentSupply, b.Burned, b.Reported = rep.CurrentSupply, rep.Burned, true
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("latest supply report: %w", err)
	}

	snap, err := v.store.LedgerSnapshot(ctx)
	switch {
	case err == nil:
		b.Distributed, b.Locked = snap.State.Total()
	case !errors.Is(err, store.ErrLedgerNotInitialized):
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	positions, err := v.store.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	for _, p := range positions {
		b.Staked = b.Staked.Add(p.Amount)
	}

	b.Accounted = b.Distributed.Add(b.Burned).Add(b.Staked)
	b.Unaccounted = b.TotalSupply.Sub(b.Accounted)
	b.CirculatingGap = b.TotalSupply.Sub(b.CurrentSupply.Add(b.Burned))
	return b, nil
}

// Validate runs every check and records a validator run.
func (v *Validator) Validate(ctx context.Context, now time.Time) (result *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "validator.Validate")
	defer func() { traces.End(span, err) }()

	started := time.Now()
	result = CheckConfig(v.params)
	result.Timestamp = now.UTC()

	b, err := v.Breakdown(ctx)
	if err != nil {
		return nil, err
	}
	result.Supply = b
	result.add(CheckSupply(v.params.Supply.TotalSupply, *b, v.epsilon))

	if v.recorder != nil {
		if _, _, err := v.recorder.Record(ctx, runs.Outcome{
			Source:    model.SourceValidator,
			StartedAt: started,
			Findings:  result.Findings(),
			Errors:    len(result.Errors),
			Warnings:  len(result.Warnings),
			Passed:    result.Valid,
			Detail:    result,
		}); err != nil {
			return nil, err
		}
	}
	return result, nil
}
