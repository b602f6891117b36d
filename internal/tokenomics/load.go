package tokenomics

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidConfig wraps every structural problem found while loading.
var ErrInvalidConfig = errors.New("tokenomics: invalid config")

// fileSupply mirrors SupplyConfig with optional fields so a config file
// only needs to name what it overrides.
type fileSupply struct {
	TotalSupply  *decimal.Decimal           `json:"total_supply"`
	LaunchDate   *time.Time                 `json:"launch_date"`
	Allocations  map[string]Allocation      `json:"allocations"`
	Distribution map[string]decimal.Decimal `json:"distribution"`
}

type fileParams struct {
	Symbol           *string                `json:"symbol"`
	Supply           *fileSupply            `json:"supply"`
	Tiers            map[string]StakingTier `json:"tiers"`
	BurnRate         *decimal.Decimal       `json:"burn_rate"`
	MaxWalletPercent *decimal.Decimal       `json:"max_wallet_percent"`
}

// LoadFile reads a JSON parameter file. Sections present in the file
// replace the corresponding defaults wholesale; absent sections keep them.
func LoadFile(path string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("read tokenomics config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a JSON parameter document on top of Default().
func Parse(data []byte) (Params, error) {
	var fp fileParams
	if err := json.Unmarshal(data, &fp); err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	p := Default()
	if fp.Symbol != nil {
		p.Symbol = *fp.Symbol
	}
	if fp.BurnRate != nil {
		p.BurnRate = *fp.BurnRate
	}
	if fp.MaxWalletPercent != nil {
		p.MaxWalletPercent = *fp.MaxWalletPercent
	}

	if s := fp.Supply; s != nil {
		if s.TotalSupply != nil {
			p.Supply.TotalSupply = *s.TotalSupply
		}
		if s.LaunchDate != nil {
			p.Supply.LaunchDate = s.LaunchDate.UTC()
		}
		if s.Allocations != nil {
			allocs := make(map[Category]Allocation, len(s.Allocations))
			for name, a := range s.Allocations {
				cat, err := ParseCategory(name)
				if err != nil {
					return Params{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
				}
				allocs[cat] = a
			}
			p.Supply.Allocations = allocs
			p.Supply.Distribution = nil
		}
		if s.Distribution != nil {
			dist := make(map[Category]decimal.Decimal, len(s.Distribution))
			for name, v := range s.Distribution {
				cat, err := ParseCategory(name)
				if err != nil {
					return Params{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
				}
				dist[cat] = v
			}
			p.Supply.Distribution = dist
		}
	}

	if fp.Tiers != nil {
		tiers := make(TierTable, len(fp.Tiers))
		for name, t := range fp.Tiers {
			tn, err := ParseTier(name)
			if err != nil {
				return Params{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
			}
			t.Name = tn
			tiers[tn] = t
		}
		p.Tiers = tiers
	}

	if p.Supply.Distribution == nil {
		p.Supply.Distribution = deriveDistribution(p.Supply)
	}

	if err := p.checkStructure(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// deriveDistribution computes amount/totalSupply per category.
func deriveDistribution(s SupplyConfig) map[Category]decimal.Decimal {
	dist := make(map[Category]decimal.Decimal, len(s.Allocations))
	if !s.TotalSupply.IsPositive() {
		return dist
	}
	for cat, a := range s.Allocations {
		dist[cat] = a.Amount.Div(s.TotalSupply)
	}
	return dist
}

// checkStructure rejects documents that cannot be interpreted at all.
// Semantic invariants (sums, positivity of rates) are left to the validator
// so that they surface as discrepancies instead of a startup failure.
func (p Params) checkStructure() error {
	if !p.Supply.TotalSupply.IsInteger() {
		return fmt.Errorf("%w: total supply must be a whole number of units", ErrInvalidConfig)
	}
	if len(p.Supply.Allocations) == 0 {
		return fmt.Errorf("%w: no allocations", ErrInvalidConfig)
	}
	for cat, a := range p.Supply.Allocations {
		if !a.Amount.IsInteger() {
			return fmt.Errorf("%w: %s amount %s is not a whole number of units", ErrInvalidConfig, cat, a.Amount)
		}
		if a.CliffDays < 0 || a.VestingDays < 0 {
			return fmt.Errorf("%w: %s has negative vesting days", ErrInvalidConfig, cat)
		}
		if a.Vested && a.CliffDays > a.VestingDays {
			return fmt.Errorf("%w: %s cliff %d exceeds vesting period %d", ErrInvalidConfig, cat, a.CliffDays, a.VestingDays)
		}
	}
	if len(p.Tiers) == 0 {
		return fmt.Errorf("%w: no staking tiers", ErrInvalidConfig)
	}
	return nil
}
