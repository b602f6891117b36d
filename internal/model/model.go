// Package model defines the ledger records shared across the engine.
// All token amounts use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hypetoken/ledger-engine/internal/tokenomics"
)

// LedgerState is the running balance of every allocation category.
// Invariant: Distributed[c] + Locked[c] == allocation amount of c.
type LedgerState struct {
	Version     int64                                   `json:"version"`
	Distributed map[tokenomics.Category]decimal.Decimal `json:"distributed"`
	Locked      map[tokenomics.Category]decimal.Decimal `json:"locked"`
	UpdatedAt   time.Time                               `json:"updated_at"`
}

// Clone returns a deep copy so callers cannot mutate store internals.
func (s LedgerState) Clone() LedgerState {
	out := LedgerState{
		Version:     s.Version,
		Distributed: make(map[tokenomics.Category]decimal.Decimal, len(s.Distributed)),
		Locked:      make(map[tokenomics.Category]decimal.Decimal, len(s.Locked)),
		UpdatedAt:   s.UpdatedAt,
	}
	for k, v := range s.Distributed {
		out.Distributed[k] = v
	}
	for k, v := range s.Locked {
		out.Locked[k] = v
	}
	return out
}

// Total returns Σ distributed and Σ locked across categories.
func (s LedgerState) Total() (distributed, locked decimal.Decimal) {
	for _, v := range s.Distributed {
		distributed = distributed.Add(v)
	}
	for _, v := range s.Locked {
		locked = locked.Add(v)
	}
	return distributed, locked
}

// TokenFlow is an immutable record of tokens released from a category.
// Once created, these are never modified or deleted.
type TokenFlow struct {
	ID          string              `json:"id" db:"id"`
	Timestamp   time.Time           `json:"timestamp" db:"timestamp"`
	Category    tokenomics.Category `json:"category" db:"category"`
	Amount      decimal.Decimal     `json:"amount" db:"amount"`
	Destination string              `json:"destination" db:"destination"`
	Reason      string              `json:"reason" db:"reason"`
	TxRef       string              `json:"tx_ref,omitempty" db:"tx_ref"`
}

// LedgerSnapshot is a consistent read of state and flow log.
type LedgerSnapshot struct {
	State LedgerState `json:"state"`
	Flows []TokenFlow `json:"flows"`
}

// FlowTotals sums flow amounts per category.
func (s LedgerSnapshot) FlowTotals() map[tokenomics.Category]decimal.Decimal {
	totals := make(map[tokenomics.Category]decimal.Decimal)
	for _, f := range s.Flows {
		totals[f.Category] = totals[f.Category].Add(f.Amount)
	}
	return totals
}

// StakingPosition is created by collaborators and read-only here.
type StakingPosition struct {
	ID        string          `json:"id" db:"id"`
	UserRef   string          `json:"user_ref" db:"user_ref"`
	Tier      string          `json:"tier" db:"tier"` // untrusted; parsed by staking
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	StartTime time.Time       `json:"start_time" db:"start_time"`
}

// RewardBreakdown is the derived reward figure set of one position.
type RewardBreakdown struct {
	PositionID        string              `json:"position_id"`
	Tier              tokenomics.TierName `json:"tier"`
	StakedAmount      decimal.Decimal     `json:"staked_amount"`
	APY               decimal.Decimal     `json:"apy"`
	LockDays          int                 `json:"lock_days"`
	DaysElapsed       int                 `json:"days_elapsed"`
	DaysRemaining     int                 `json:"days_remaining"`
	AnnualReward      decimal.Decimal     `json:"annual_reward"`
	DailyReward       decimal.Decimal     `json:"daily_reward"`
	LockPeriodReward  decimal.Decimal     `json:"lock_period_reward"`
	AccumulatedReward decimal.Decimal     `json:"accumulated_reward"`
	RemainingReward   decimal.Decimal     `json:"remaining_reward"`
	IsComplete        bool                `json:"is_complete"`
}

// TierStats aggregates positions of one tier.
type TierStats struct {
	Positions    int             `json:"positions"`
	TotalStaked  decimal.Decimal `json:"total_staked"`
	TotalRewards decimal.Decimal `json:"total_rewards"`
	Utilization  decimal.Decimal `json:"utilization"` // % of MaxSlots
}

// StakingSummary is the persisted output of a staking recompute pass.
type StakingSummary struct {
	ComputedAt       time.Time                         `json:"computed_at"`
	Positions        int                               `json:"positions"`
	TotalStaked      decimal.Decimal                   `json:"total_staked"`
	TotalAccumulated decimal.Decimal                   `json:"total_accumulated"`
	TotalRemaining   decimal.Decimal                   `json:"total_remaining"`
	ByTier           map[tokenomics.TierName]TierStats `json:"by_tier"`
}

// SupplyReport is the externally observed circulating supply.
type SupplyReport struct {
	ReportedAt    time.Time       `json:"reported_at"`
	CurrentSupply decimal.Decimal `json:"current_supply"`
	Burned        decimal.Decimal `json:"burned"`
}

// Source names the pass family that produced a record.
type Source string

const (
	SourceValidator  Source = "validator"
	SourceAuditor    Source = "auditor"
	SourceReconciler Source = "reconciler"
	SourceStaking    Source = "staking"
)

// Sources lists every pass family.
var Sources = []Source{SourceValidator, SourceAuditor, SourceReconciler, SourceStaking}

// Run is the summary of one pass.
type Run struct {
	ID            string          `json:"id" db:"id"`
	Source        Source          `json:"source" db:"source"`
	StartedAt     time.Time       `json:"started_at" db:"started_at"`
	FinishedAt    time.Time       `json:"finished_at" db:"finished_at"`
	Passed        bool            `json:"passed" db:"passed"`
	Errors        int             `json:"errors" db:"errors"`
	Warnings      int             `json:"warnings" db:"warnings"`
	Discrepancies int             `json:"discrepancies" db:"discrepancies"`
	Detail        json.RawMessage `json:"detail,omitempty" db:"detail"`
}
