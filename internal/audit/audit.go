// Package audit independently re-derives staking rewards and allocation
// totals from source records and flags any divergence as a discrepancy.
package audit

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

// StakingAudit summarises the position checks.
type StakingAudit struct {
	Audited          int             `json:"audited"`
	Skipped          int             `json:"skipped"`
	Complete         int             `json:"complete"`
	TotalStaked      decimal.Decimal `json:"total_staked"`
	TotalAccumulated decimal.Decimal `json:"total_accumulated"`
	SummaryChecked   bool            `json:"summary_checked"`
}

// DistributionAudit summarises the allocation checks.
type DistributionAudit struct {
	Audited          int             `json:"audited"`
	TotalDistributed decimal.Decimal `json:"total_distributed"`
	TotalLocked      decimal.Decimal `json:"total_locked"`
	Initialized      bool            `json:"initialized"`
}

// Result is the outcome of one audit pass.
type Result struct {
	Timestamp    time.Time         `json:"timestamp"`
	Passed       bool              `json:"passed"`
	Audited      int               `json:"audited"`
	Findings     []model.Finding   `json:"findings"`
	Staking      StakingAudit      `json:"staking"`
	Distribution DistributionAudit `json:"distribution"`
}

// Counts splits findings into errors (critical, high) and warnings.
func (r *Result) Counts() (errs, warnings int) {
	for _, f := range r.Findings {
		switch f.Severity {
		case model.SeverityCritical, model.SeverityHigh:
			errs++
		default:
			warnings++
		}
	}
	return errs, warnings
}

// Auditor runs audit passes over the persisted state.
type Auditor struct {
	store    store.Store
	params   tokenomics.Params
	recorder *runs.Recorder
}

// New creates an auditor.
func New(st store.Store, params tokenomics.Params, rec *runs.Recorder) *Auditor {
	return &Auditor{store: st, params: params, recorder: rec}
}

// AuditPositions recomputes every position at now and checks the reward
// identities.
func AuditPositions(positions []model.StakingPosition, tiers tokenomics.TierTable, now time.Time) (StakingAudit, []model.Finding) {
	var (
		sa       StakingAudit
		findings []model.Finding
	)
	for _, p := range positions {
		tier, err := staking.ResolveTier(p.Tier, tiers)
		if err != nil {
			sa.Skipped++
			findings = append(findings, model.Finding{
				Kind:          model.KindConfiguration,
				Description:   fmt.Sprintf("position %s has unknown tier %q", p.ID, p.Tier),
				ExpectedLabel: "configured tier",
				ActualLabel:   "staked amount",
				Actual:        p.Amount,
				Severity:      model.SeverityHigh,
			})
			continue
		}
		if p.Amount.LessThan(tier.MinAmount) {
			findings = append(findings, model.Finding{
				Kind:          model.KindStakingBalance,
				Description:   fmt.Sprintf("position %s is below the %s minimum", p.ID, tier.Name),
				ExpectedLabel: "tier minimum",
				ActualLabel:   "staked amount",
				Expected:      tier.MinAmount,
				Actual:        p.Amount,
				Severity:      model.SeverityMedium,
			})
		}

		b, err := staking.ComputeRewards(p, tiers, now)
		if err != nil {
			sa.Skipped++
			continue
		}
		sa.Audited++
		sa.TotalStaked = sa.TotalStaked.Add(b.StakedAmount)
		sa.TotalAccumulated = sa.TotalAccumulated.Add(b.AccumulatedReward)
		if b.IsComplete {
			sa.Complete++
		}

		for _, v := range staking.Verify(b) {
			findings = append(findings, model.Finding{
				Kind:        model.KindRewardCalculation,
				Description: fmt.Sprintf("position %s: %s", p.ID, v.Check),
				Expected:    v.Expected,
				Actual:      v.Actual,
				Severity:    model.SeverityHigh,
			})
		}
	}
	return sa, findings
}

// AuditSummary recomputes the accumulated rewards as of the summary's
// computation time and compares them to the reported total. It only
// applies when the summary covers the same number of positions.
func AuditSummary(positions []model.StakingPosition, tiers tokenomics.TierTable, summary model.StakingSummary) (checked bool, findings []model.Finding) {
	var (
		count int
		total decimal.Decimal
	)
	for _, p := range positions {
		b, err := staking.ComputeRewards(p, tiers, summary.ComputedAt)
		if err != nil {
			continue
		}
		count++
		total = total.Add(b.AccumulatedReward)
	}
	if count != summary.Positions {
		return false, nil
	}
	if total.Sub(summary.TotalAccumulated).Abs().GreaterThan(staking.Tolerance) {
		findings = append(findings, model.Finding{
			Kind:          model.KindRewardCalculation,
			Description:   "reported accumulated staking rewards diverge from recomputation",
			ExpectedLabel: "recomputed",
			ActualLabel:   "reported",
			Expected:      total,
			Actual:        summary.TotalAccumulated,
			Severity:      model.SeverityHigh,
		})
	}
	return true, findings
}

// AuditDistribution checks distributed + locked against each allocation and
// the grand total against the total supply.
func AuditDistribution(state model.LedgerState, supply tokenomics.SupplyConfig) (DistributionAudit, []model.Finding) {
	da := DistributionAudit{Initialized: true}
	var findings []model.Finding

	for _, c := range supply.SortedCategories() {
		alloc := supply.Allocations[c].Amount
		dist, locked := state.Distributed[c], state.Locked[c]
		da.Audited++
		if got := dist.Add(locked); !got.Equal(alloc) {
			findings = append(findings, model.Finding{
				Kind:          model.KindDistributionMismatch,
				Description:   fmt.Sprintf("%s allocation mismatch", c),
				ExpectedLabel: "allocation",
				ActualLabel:   "distributed + locked",
				Expected:      alloc,
				Actual:        got,
				Severity:      model.SeverityCritical,
			})
		}
	}

	da.TotalDistributed, da.TotalLocked = state.Total()
	da.Audited++
	if got := da.TotalDistributed.Add(da.TotalLocked); !got.Equal(supply.TotalSupply) {
		findings = append(findings, model.Finding{
			Kind:          model.KindTotalSupply,
			Description:   "total accounted tokens do not match supply",
			ExpectedLabel: "total supply",
			ActualLabel:   "distributed + locked",
			Expected:      supply.TotalSupply,
			Actual:        got,
			Severity:      model.SeverityCritical,
		})
	}
	return da, findings
}

// Audit runs a full pass at now and records an auditor run.
func (a *Auditor) Audit(ctx context.Context, now time.Time) (result *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "audit.Audit")
	defer func() { traces.End(span, err) }()

	started := time.Now()
	result = &Result{Timestamp: now.UTC()}

	positions, err := a.store.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	sa, findings := AuditPositions(positions, a.params.Tiers, now)
	result.Staking = sa
	result.Findings = append(result.Findings, findings...)

	summary, err := a.store.LatestStakingSummary(ctx)
	switch {
	case err == nil:
		checked, f := AuditSummary(positions, a.params.Tiers, *summary)
		result.Staking.SummaryChecked = checked
		result.Findings = append(result.Findings, f...)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("latest staking summary: %w", err)
	}

	snap, err := a.store.LedgerSnapshot(ctx)
	switch {
	case err == nil:
		da, f := AuditDistribution(snap.State, a.params.Supply)
		result.Distribution = da
		result.Findings = append(result.Findings, f...)
	case !errors.Is(err, store.ErrLedgerNotInitialized):
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	result.Audited = result.Staking.Audited + result.Distribution.Audited
	errs, warnings := result.Counts()
	result.Passed = errs == 0

	if a.recorder != nil {
		if _, _, err := a.recorder.Record(ctx, runs.Outcome{
			Source:    model.SourceAuditor,
			StartedAt: started,
			Findings:  result.Findings,
			Errors:    errs,
			Warnings:  warnings,
			Passed:    result.Passed,
			Detail:    result,
		}); err != nil {
			return nil, err
		}
	}
	return result, nil
}
