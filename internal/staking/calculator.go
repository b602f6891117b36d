// Package staking computes deterministic reward figures for staking
// positions and keeps the persisted staking summary current.
//
// The calculator is stateless: positions and the tier table are passed
// as arguments. Reward figures are rounded to RewardScale places.
package staking

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hypetoken/ledger-engine/internal/model"
	"github.com/hypetoken/ledger-engine/internal/tokenomics"
)

// RewardScale is the number of decimal places reward figures keep.
const RewardScale = 6

// Tolerance is the slack allowed on reward identities after rounding.
var Tolerance = decimal.RequireFromString("0.01")

var (
	// ErrInvalidAmount is returned for a non-positive staked amount.
	ErrInvalidAmount = errors.New("staking: amount must be positive")

	// ErrBelowMinimum is returned when a position is smaller than the
	// tier minimum.
	ErrBelowMinimum = errors.New("staking: amount below tier minimum")
)

var (
	daysPerYear = decimal.NewFromInt(365)
	hundred     = decimal.NewFromInt(100)
)

// ResolveTier parses a position's tier label and looks it up in tiers.
// Labels are case-insensitive.
func ResolveTier(label string, tiers tokenomics.TierTable) (tokenomics.StakingTier, error) {
	name, err := tokenomics.ParseTier(strings.ToLower(strings.TrimSpace(label)))
	if err != nil {
		return tokenomics.StakingTier{}, err
	}
	t, ok := tiers[name]
	if !ok {
		return tokenomics.StakingTier{}, fmt.Errorf("%w: %q not configured", tokenomics.ErrUnknownTier, name)
	}
	return t, nil
}

// ComputeRewards derives the reward breakdown of pos at now.
//
//	daily       = amount * apy / 365
//	lockPeriod  = daily * lockDays
//	accumulated = min(daily * daysElapsed, lockPeriod)
//	remaining   = lockPeriod - accumulated
//
// daysElapsed is floor((now - start) / 24h) and is not clamped, so a
// start time in the future yields a negative accumulated reward.
func ComputeRewards(pos model.StakingPosition, tiers tokenomics.TierTable, now time.Time) (model.RewardBreakdown, error) {
	tier, err := ResolveTier(pos.Tier, tiers)
	if err != nil {
		return model.RewardBreakdown{}, err
	}

	days := tokenomics.DaysSince(pos.StartTime, now)
	annual := pos.Amount.Mul(tier.APY)
	daily := annual.Div(daysPerYear)
	lockPeriod := daily.Mul(decimal.NewFromInt(int64(tier.LockDays)))
	accumulated := decimal.Min(daily.Mul(decimal.NewFromInt(int64(days))), lockPeriod)

	lockPeriod = lockPeriod.Round(RewardScale)
	accumulated = accumulated.Round(RewardScale)

	remainingDays := tier.LockDays - days
	if remainingDays < 0 {
		remainingDays = 0
	}

	return model.RewardBreakdown{
		PositionID:        pos.ID,
		Tier:              tier.Name,
		StakedAmount:      pos.Amount,
		APY:               tier.APY,
		LockDays:          tier.LockDays,
		DaysElapsed:       days,
		DaysRemaining:     remainingDays,
		AnnualReward:      annual.Round(RewardScale),
		DailyReward:       daily.Round(RewardScale),
		LockPeriodReward:  lockPeriod,
		AccumulatedReward: accumulated,
		RemainingReward:   lockPeriod.Sub(accumulated),
		IsComplete:        days >= tier.LockDays,
	}, nil
}

// ValidatePosition is the ingest check for a new position. It returns the
// tier the position resolved to.
func ValidatePosition(pos model.StakingPosition, tiers tokenomics.TierTable) (tokenomics.StakingTier, error) {
	tier, err := ResolveTier(pos.Tier, tiers)
	if err != nil {
		return tokenomics.StakingTier{}, err
	}
	if !pos.Amount.IsPositive() {
		return tokenomics.StakingTier{}, fmt.Errorf("%w: %s", ErrInvalidAmount, pos.Amount)
	}
	if pos.Amount.LessThan(tier.MinAmount) {
		return tokenomics.StakingTier{}, fmt.Errorf("%w: %s < %s for %s", ErrBelowMinimum, pos.Amount, tier.MinAmount, tier.Name)
	}
	return tier, nil
}

// Violation is one failed reward identity.
type Violation struct {
	Check    string          `json:"check"`
	Expected decimal.Decimal `json:"expected"`
	Actual   decimal.Decimal `json:"actual"`
}

// Verify re-checks the arithmetic identities of a breakdown.
func Verify(b model.RewardBreakdown) []Violation {
	var out []Violation
	add := func(check string, expected, actual decimal.Decimal) {
		out = append(out, Violation{Check: check, Expected: expected, Actual: actual})
	}

	if !b.StakedAmount.IsPositive() {
		add("staked amount positive", decimal.Zero, b.StakedAmount)
	}
	for _, f := range []struct {
		name string
		v    decimal.Decimal
	}{
		{"annual reward non-negative", b.AnnualReward},
		{"daily reward non-negative", b.DailyReward},
		{"lock period reward non-negative", b.LockPeriodReward},
		{"accumulated reward non-negative", b.AccumulatedReward},
	} {
		if f.v.IsNegative() {
			add(f.name, decimal.Zero, f.v)
		}
	}

	if exp := b.DailyReward.Mul(daysPerYear); !within(exp, b.AnnualReward) {
		add("annual equals daily * 365", exp, b.AnnualReward)
	}
	if exp := b.DailyReward.Mul(decimal.NewFromInt(int64(b.LockDays))); !within(exp, b.LockPeriodReward) {
		add("lock period equals daily * lock days", exp, b.LockPeriodReward)
	}
	if b.AccumulatedReward.GreaterThan(b.LockPeriodReward.Add(Tolerance)) {
		add("accumulated within lock period", b.LockPeriodReward, b.AccumulatedReward)
	}
	if sum := b.AccumulatedReward.Add(b.RemainingReward); !within(b.LockPeriodReward, sum) {
		add("accumulated plus remaining equals lock period", b.LockPeriodReward, sum)
	}
	return out
}

func within(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// Simulation is the projected outcome of staking amount in one tier for
// its full lock period.
type Simulation struct {
	Tier             tokenomics.TierName `json:"tier"`
	Amount           decimal.Decimal     `json:"amount"`
	APY              decimal.Decimal     `json:"apy"`
	LockDays         int                 `json:"lock_days"`
	AnnualReward     decimal.Decimal     `json:"annual_reward"`
	DailyReward      decimal.Decimal     `json:"daily_reward"`
	LockPeriodReward decimal.Decimal     `json:"lock_period_reward"`
	FinalAmount      decimal.Decimal     `json:"final_amount"`
	ROIPercent       decimal.Decimal     `json:"roi_percent"`
}

// Simulate projects a full-term stake of amount in tier.
func Simulate(amount decimal.Decimal, tier string, tiers tokenomics.TierTable) (*Simulation, error) {
	t, err := ResolveTier(tier, tiers)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if amount.LessThan(t.MinAmount) {
		return nil, fmt.Errorf("%w: %s < %s for %s", ErrBelowMinimum, amount, t.MinAmount, t.Name)
	}

	annual := amount.Mul(t.APY)
	daily := annual.Div(daysPerYear)
	lock := daily.Mul(decimal.NewFromInt(int64(t.LockDays)))

	return &Simulation{
		Tier:             t.Name,
		Amount:           amount,
		APY:              t.APY,
		LockDays:         t.LockDays,
		AnnualReward:     annual.Round(RewardScale),
		DailyReward:      daily.Round(RewardScale),
		LockPeriodReward: lock.Round(RewardScale),
		FinalAmount:      amount.Add(lock).Round(RewardScale),
		ROIPercent:       lock.Div(amount).Mul(hundred).Round(2),
	}, nil
}

// Illustrate computes the tier table's reward figures at each tier's
// minimum stake. Used by the config validator.
func Illustrate(tiers tokenomics.TierTable) []Simulation {
	var out []Simulation
	for _, name := range tiers.Names() {
		t := tiers[name]
		if !t.MinAmount.IsPositive() {
			continue
		}
		if sim, err := Simulate(t.MinAmount, string(name), tiers); err == nil {
			out = append(out, *sim)
		}
	}
	return out
}
