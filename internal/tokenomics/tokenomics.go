// Package tokenomics holds the static token parameters: total supply, the
// allocation categories with their vesting rules, the staking tier table,
// and the burn-rate and anti-whale bounds.
//
// These values are loaded once at process start and never mutated at
// runtime. All amounts use shopspring/decimal, never float64.
package tokenomics

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownCategory is returned for a category outside the closed set.
	ErrUnknownCategory = errors.New("tokenomics: unknown allocation category")

	// ErrUnknownTier is returned for a tier name outside the closed set.
	ErrUnknownTier = errors.New("tokenomics: unknown staking tier")
)

// Category is one named bucket of the total supply.
type Category string

const (
	Presale   Category = "presale"
	Liquidity Category = "liquidity"
	Staking   Category = "staking"
	Team      Category = "team"
	Marketing Category = "marketing"
	Treasury  Category = "treasury"
)

// Categories lists every allocation category in reporting order.
var Categories = []Category{Presale, Liquidity, Staking, Team, Marketing, Treasury}

// ParseCategory validates s against the closed category set.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// TierName identifies a staking tier.
type TierName string

const (
	Bronze TierName = "bronze"
	Silver TierName = "silver"
	Gold   TierName = "gold"
)

// TierNames lists every tier in ascending order.
var TierNames = []TierName{Bronze, Silver, Gold}

// ParseTier validates s against the closed tier set.
func ParseTier(s string) (TierName, error) {
	for _, t := range TierNames {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

// Allocation is the static share and vesting rule of one category.
type Allocation struct {
	Amount      decimal.Decimal `json:"amount"`
	Vested      bool            `json:"vested"`
	CliffDays   int             `json:"cliff_days"`
	VestingDays int             `json:"vesting_days"`
}

// SupplyConfig fixes the total supply and how it is split.
type SupplyConfig struct {
	TotalSupply decimal.Decimal         `json:"total_supply"`
	LaunchDate  time.Time               `json:"launch_date"`
	Allocations map[Category]Allocation `json:"allocations"`

	// Distribution holds the configured percentage (fraction of 1) per
	// category. When a config omits it, it is derived from the amounts.
	Distribution map[Category]decimal.Decimal `json:"distribution"`
}

// AllocationSum returns Σ allocation amounts.
func (c SupplyConfig) AllocationSum() decimal.Decimal {
	sum := decimal.Zero
	for _, a := range c.Allocations {
		sum = sum.Add(a.Amount)
	}
	return sum
}

// SortedCategories returns the configured categories in reporting order.
func (c SupplyConfig) SortedCategories() []Category {
	out := make([]Category, 0, len(c.Allocations))
	for _, cat := range Categories {
		if _, ok := c.Allocations[cat]; ok {
			out = append(out, cat)
		}
	}
	return out
}

// StakingTier is the immutable reward rule for one tier.
type StakingTier struct {
	Name      TierName        `json:"name"`
	APY       decimal.Decimal `json:"apy"` // fraction, 0.27 = 27%
	LockDays  int             `json:"lock_days"`
	MinAmount decimal.Decimal `json:"min_amount"`
	MaxSlots  int             `json:"max_slots"`
}

// TierTable maps tier name to its rule.
type TierTable map[TierName]StakingTier

// Names returns the configured tier names in ascending order.
func (t TierTable) Names() []TierName {
	names := make([]TierName, 0, len(t))
	for n := range t {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return tierRank(names[i]) < tierRank(names[j]) })
	return names
}

func tierRank(n TierName) int {
	for i, t := range TierNames {
		if t == n {
			return i
		}
	}
	return len(TierNames)
}

// Params is the complete static parameter set.
type Params struct {
	Symbol           string          `json:"symbol"`
	Supply           SupplyConfig    `json:"supply"`
	Tiers            TierTable       `json:"tiers"`
	BurnRate         decimal.Decimal `json:"burn_rate"`
	MaxWalletPercent decimal.Decimal `json:"max_wallet_percent"`
}

// MaxWalletTokens is the anti-whale cap expressed in token units.
func (p Params) MaxWalletTokens() decimal.Decimal {
	return p.Supply.TotalSupply.Mul(p.MaxWalletPercent).Floor()
}

// Default returns the launch parameters of the HYPE token.
func Default() Params {
	m := decimal.NewFromInt
	pct := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }

	supply := SupplyConfig{
		TotalSupply: m(1_000_000_000),
		LaunchDate:  time.Date(2025, 11, 15, 0, 0, 0, 0, time.UTC),
		Allocations: map[Category]Allocation{
			Presale:   {Amount: m(300_000_000)},
			Liquidity: {Amount: m(200_000_000)},
			Staking:   {Amount: m(250_000_000)},
			Team:      {Amount: m(100_000_000), Vested: true, CliffDays: 180, VestingDays: 720},
			Marketing: {Amount: m(100_000_000), Vested: true, CliffDays: 0, VestingDays: 365},
			Treasury:  {Amount: m(50_000_000), Vested: true, CliffDays: 90, VestingDays: 365},
		},
		Distribution: map[Category]decimal.Decimal{
			Presale:   pct("0.30"),
			Liquidity: pct("0.20"),
			Staking:   pct("0.25"),
			Team:      pct("0.10"),
			Marketing: pct("0.10"),
			Treasury:  pct("0.05"),
		},
	}

	return Params{
		Symbol: "HYPE",
		Supply: supply,
		Tiers: TierTable{
			Bronze: {Name: Bronze, APY: pct("0.17"), LockDays: 30, MinAmount: m(1_000), MaxSlots: 1000},
			Silver: {Name: Silver, APY: pct("0.27"), LockDays: 90, MinAmount: m(10_000), MaxSlots: 500},
			Gold:   {Name: Gold, APY: pct("0.62"), LockDays: 180, MinAmount: m(50_000), MaxSlots: 100},
		},
		BurnRate:         pct("0.01"),
		MaxWalletPercent: pct("0.02"),
	}
}

// DaysSince returns floor((now - from) / 24h). Negative when now is
// before from.
func DaysSince(from, now time.Time) int {
	const day = 24 * time.Hour
	d := now.Sub(from)
	days := int(d / day)
	if d < 0 && d%day != 0 {
		days--
	}
	return days
}
