package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hypetoken/ledger-engine/internal/tokenomics"
)

var hundred = decimal.NewFromInt(100)

// CategoryStatus is the release position of one allocation category.
type CategoryStatus struct {
	Category           tokenomics.Category `json:"category"`
	Allocation         decimal.Decimal     `json:"allocation"`
	Distributed        decimal.Decimal     `json:"distributed"`
	Locked             decimal.Decimal     `json:"locked"`
	Vested             decimal.Decimal     `json:"vested"`
	Available          decimal.Decimal     `json:"available"` // vested - distributed, floored at 0
	PercentDistributed decimal.Decimal     `json:"percent_distributed"`
	PercentVested      decimal.Decimal     `json:"percent_vested"`
	VestingDays        int                 `json:"vesting_days,omitempty"`
	CliffDays          int                 `json:"cliff_days,omitempty"`
}

// Status is the allocation monitor view of the ledger.
type Status struct {
	AsOf               time.Time        `json:"as_of"`
	DaysSinceLaunch    int              `json:"days_since_launch"`
	Version            int64            `json:"version"`
	TotalSupply        decimal.Decimal  `json:"total_supply"`
	TotalDistributed   decimal.Decimal  `json:"total_distributed"`
	TotalLocked        decimal.Decimal  `json:"total_locked"`
	TotalVested        decimal.Decimal  `json:"total_vested"`
	PercentDistributed decimal.Decimal  `json:"percent_distributed"`
	Categories         []CategoryStatus `json:"categories"`
}

// Status computes the per-category release position at now.
func (l *Ledger) Status(ctx context.Context, now time.Time) (*Status, error) {
	snap, err := l.store.LedgerSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	supply := l.params.Supply

	st := &Status{
		AsOf:            now.UTC(),
		DaysSinceLaunch: tokenomics.DaysSince(supply.LaunchDate, now),
		Version:         snap.State.Version,
		TotalSupply:     supply.TotalSupply,
	}
	for _, c := range supply.SortedCategories() {
		a := supply.Allocations[c]
		dist := snap.State.Distributed[c]
		vested := Vested(a, supply.LaunchDate, now)
		avail := vested.Sub(dist)
		if avail.IsNegative() {
			avail = decimal.Zero
		}
		cs := CategoryStatus{
			Category:           c,
			Allocation:         a.Amount,
			Distributed:        dist,
			Locked:             snap.State.Locked[c],
			Vested:             vested,
			Available:          avail,
			PercentDistributed: percent(dist, a.Amount),
			PercentVested:      percent(vested, a.Amount),
		}
		if a.Vested {
			cs.CliffDays, cs.VestingDays = a.CliffDays, a.VestingDays
		}
		st.Categories = append(st.Categories, cs)

		st.TotalDistributed = st.TotalDistributed.Add(dist)
		st.TotalLocked = st.TotalLocked.Add(cs.Locked)
		st.TotalVested = st.TotalVested.Add(vested)
	}
	st.PercentDistributed = percent(st.TotalDistributed, supply.TotalSupply)
	return st, nil
}

// CategoryFlowStats aggregates the flow log of one category.
type CategoryFlowStats struct {
	Count  int             `json:"count"`
	Total  decimal.Decimal `json:"total"`
	Latest *time.Time      `json:"latest,omitempty"`
}

// FlowStats aggregates the whole flow log.
type FlowStats struct {
	Count      int                                        `json:"count"`
	Total      decimal.Decimal                            `json:"total"`
	Average    decimal.Decimal                            `json:"average"`
	ByCategory map[tokenomics.Category]*CategoryFlowStats `json:"by_category"`
}

// FlowStats summarises every recorded flow.
func (l *Ledger) FlowStats(ctx context.Context) (*FlowStats, error) {
	snap, err := l.store.LedgerSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	fs := &FlowStats{ByCategory: make(map[tokenomics.Category]*CategoryFlowStats)}
	for _, f := range snap.Flows {
		fs.Count++
		fs.Total = fs.Total.Add(f.Amount)

		cs, ok := fs.ByCategory[f.Category]
		if !ok {
			cs = &CategoryFlowStats{}
			fs.ByCategory[f.Category] = cs
		}
		cs.Count++
		cs.Total = cs.Total.Add(f.Amount)
		if cs.Latest == nil || f.Timestamp.After(*cs.Latest) {
			ts := f.Timestamp
			cs.Latest = &ts
		}
	}
	if fs.Count > 0 {
		fs.Average = fs.Total.Div(decimal.NewFromInt(int64(fs.Count))).Round(2)
	}
	return fs, nil
}

// percent returns part/whole*100 to two places, 0 when whole is 0.
func percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(2)
}
