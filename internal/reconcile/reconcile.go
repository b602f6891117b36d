// Package reconcile cross-checks the ledger against independently computed
// totals: the total supply, the staking position sum, the static
// allocations and the flow log.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hypetoken/ledger-engine/internal/model"
	"github.com/hypetoken/ledger-engine/internal/runs"
	"github.com/hypetoken/ledger-engine/internal/store"
	"github.com/hypetoken/ledger-engine/internal/tokenomics"
	"github.com/hypetoken/ledger-engine/internal/traces"
)

// DefaultEpsilon is the slack, in token units, below which two views are
// considered to agree.
var DefaultEpsilon = decimal.NewFromInt(1)

// Check is the comparison of two views of the same figure.
type Check struct {
	Name       string          `json:"name"`
	Label1     string          `json:"label1"`
	Label2     string          `json:"label2"`
	Value1     decimal.Decimal `json:"value1"`
	Value2     decimal.Decimal `json:"value2"`
	Difference decimal.Decimal `json:"difference"` // value2 - value1
	Matched    bool            `json:"matched"`
	Skipped    bool            `json:"skipped,omitempty"`
	Note       string          `json:"note,omitempty"`

	finding *model.Finding
}

// Result composes the four checks of one reconciliation cycle.
type Result struct {
	Timestamp   time.Time       `json:"timestamp"`
	AllMatched  bool            `json:"all_matched"`
	TotalSupply Check           `json:"total_supply"`
	Staking     Check           `json:"staking"`
	Allocations []Check         `json:"allocations"`
	Flows       []Check         `json:"flows"`
	TotalFlows  decimal.Decimal `json:"total_flows"`
}

// Mismatches returns the finding of every failed check in check order.
func (r *Result) Mismatches() []model.Finding {
	var out []model.Finding
	collect := func(c Check) {
		if c.finding != nil {
			out = append(out, *c.finding)
		}
	}
	collect(r.TotalSupply)
	collect(r.Staking)
	for _, c := range r.Allocations {
		collect(c)
	}
	for _, c := range r.Flows {
		collect(c)
	}
	return out
}

func (r *Result) matched() bool {
	if !r.TotalSupply.Matched || !r.Staking.Matched {
		return false
	}
	for _, list := range [][]Check{r.Allocations, r.Flows} {
		for _, c := range list {
			if !c.Matched {
				return false
			}
		}
	}
	return true
}

func compare(name, label1, label2 string, v1, v2, epsilon decimal.Decimal, kind model.Kind, sev model.Severity, desc string) Check {
	c := Check{
		Name:       name,
		Label1:     label1,
		Label2:     label2,
		Value1:     v1,
		Value2:     v2,
		Difference: v2.Sub(v1),
	}
	c.Matched = c.Difference.Abs().LessThanOrEqual(epsilon)
	if !c.Matched {
		c.finding = &model.Finding{
			Kind:          kind,
			Description:   desc,
			ExpectedLabel: label1,
			ActualLabel:   label2,
			Expected:      v1,
			Actual:        v2,
			Severity:      sev,
		}
	}
	return c
}

// CheckTotalSupply compares the total supply to Σ(distributed + locked).
func CheckTotalSupply(state model.LedgerState, totalSupply, epsilon decimal.Decimal) Check {
	dist, locked := state.Total()
	return compare("total_supply", "expected total supply", "distributed + locked",
		totalSupply, dist.Add(locked), epsilon,
		model.KindTotalSupply, model.SeverityCritical,
		"total supply mismatch between expected and calculated")
}

// CheckStaking compares Σ position amounts to the reported staking total.
// A nil summary skips the check.
func CheckStaking(positions []model.StakingPosition, summary *model.StakingSummary, epsilon decimal.Decimal) Check {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Amount)
	}
	if summary == nil {
		return Check{
			Name:    "staking_balance",
			Label1:  "positions total",
			Label2:  "reported total",
			Value1:  total,
			Matched: true,
			Skipped: true,
			Note:    "no reported total",
		}
	}
	return compare("staking_balance", "positions total", "reported total",
		total, summary.TotalStaked, epsilon,
		model.KindStakingBalance, model.SeverityHigh,
		"staking balance mismatch between positions and reported")
}

// CheckAllocations compares each category's distributed + locked to its
// static allocation.
func CheckAllocations(state model.LedgerState, supply tokenomics.SupplyConfig, epsilon decimal.Decimal) []Check {
	var out []Check
	for _, c := range supply.SortedCategories() {
		actual := state.Distributed[c].Add(state.Locked[c])
		out = append(out, compare(string(c), "expected allocation", "distributed + locked",
			supply.Allocations[c].Amount, actual, epsilon,
			model.KindAllocation, model.SeverityCritical,
			fmt.Sprintf("%s allocation mismatch", c)))
	}
	return out
}

// CheckFlows compares Σ flow amounts per category to the ledger's
// distributed balance, over every category seen in either view.
func CheckFlows(state model.LedgerState, flows []model.TokenFlow, epsilon decimal.Decimal) ([]Check, decimal.Decimal) {
	totals := make(map[tokenomics.Category]decimal.Decimal)
	all := decimal.Zero
	for _, f := range flows {
		totals[f.Category] = totals[f.Category].Add(f.Amount)
		all = all.Add(f.Amount)
	}

	seen := make(map[tokenomics.Category]bool)
	var cats []tokenomics.Category
	for _, c := range tokenomics.Categories {
		_, inFlows := totals[c]
		_, inState := state.Distributed[c]
		if inFlows || inState {
			cats = append(cats, c)
			seen[c] = true
		}
	}
	for c := range totals {
		if !seen[c] {
			cats = append(cats, c)
		}
	}

	var out []Check
	for _, c := range cats {
		out = append(out, compare(string(c), "flow total", "reported distributed",
			totals[c], state.Distributed[c], epsilon,
			model.KindFlowMismatch, model.SeverityHigh,
			fmt.Sprintf("%s flow total doesn't match reported distributed", c)))
	}
	return out, all
}

// Reconciler runs reconciliation cycles over the persisted state.
type Reconciler struct {
	store    store.Store
	params   tokenomics.Params
	recorder *runs.Recorder
	epsilon  decimal.Decimal
}

// New creates a reconciler. A non-positive epsilon falls back to
// DefaultEpsilon.
func New(st store.Store, params tokenomics.Params, rec *runs.Recorder, epsilon decimal.Decimal) *Reconciler {
	if !epsilon.IsPositive() {
		epsilon = DefaultEpsilon
	}
	return &Reconciler{store: st, params: params, recorder: rec, epsilon: epsilon}
}

// Reconcile runs the four checks against one consistent ledger snapshot
// and records a reconciler run.
func (r *Reconciler) Reconcile(ctx context.Context, now time.Time) (result *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "reconcile.Reconcile")
	defer func() { traces.End(span, err) }()

	started := time.Now()

	snap, err := r.store.LedgerSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	positions, err := r.store.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	summary, err := r.store.LatestStakingSummary(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("latest staking summary: %w", err)
		}
		summary = nil
	}

	result = &Result{
		Timestamp:   now.UTC(),
		TotalSupply: CheckTotalSupply(snap.State, r.params.Supply.TotalSupply, r.epsilon),
		Staking:     CheckStaking(positions, summary, r.epsilon),
		Allocations: CheckAllocations(snap.State, r.params.Supply, r.epsilon),
	}
	result.Flows, result.TotalFlows = CheckFlows(snap.State, snap.Flows, r.epsilon)
	result.AllMatched = result.matched()

	mismatches := result.Mismatches()
	if r.recorder != nil {
		if _, _, err := r.recorder.Record(ctx, runs.Outcome{
			Source:    model.SourceReconciler,
			StartedAt: started,
			Findings:  mismatches,
			Errors:    len(mismatches),
			Passed:    result.AllMatched,
			Detail:    result,
		}); err != nil {
			return nil, err
		}
	}
	return result, nil
}
