package tokenomics

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestDefault_AllocationsSumToSupply(t *testing.T) {
	p := Default()
	if !p.Supply.AllocationSum().Equal(p.Supply.TotalSupply) {
		t.Errorf("allocations sum to %s, supply is %s", p.Supply.AllocationSum(), p.Supply.TotalSupply)
	}

	sum := decimal.Zero
	for _, v := range p.Supply.Distribution {
		sum = sum.Add(v)
	}
	if !sum.Equal(decimal.NewFromInt(1)) {
		t.Errorf("distribution sums to %s, want 1", sum)
	}
}

func TestParseCategory(t *testing.T) {
	if c, err := ParseCategory("team"); err != nil || c != Team {
		t.Fatalf("ParseCategory(team) = %q, %v", c, err)
	}
	if _, err := ParseCategory("advisors"); !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("expected ErrUnknownCategory, got %v", err)
	}
}

func TestParseTier(t *testing.T) {
	if n, err := ParseTier("gold"); err != nil || n != Gold {
		t.Fatalf("ParseTier(gold) = %q, %v", n, err)
	}
	if _, err := ParseTier("platinum"); !errors.Is(err, ErrUnknownTier) {
		t.Errorf("expected ErrUnknownTier, got %v", err)
	}
}

func TestParse_EmptyDocumentKeepsDefaults(t *testing.T) {
	p, err := Parse([]byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Symbol != "HYPE" {
		t.Errorf("symbol = %q", p.Symbol)
	}
	if len(p.Supply.Allocations) != 6 {
		t.Errorf("expected 6 allocations, got %d", len(p.Supply.Allocations))
	}
}

func TestParse_ReplacesAllocationsAndDerivesDistribution(t *testing.T) {
	doc := `{
		"supply": {
			"total_supply": 1000,
			"allocations": {
				"presale": {"amount": 600},
				"team": {"amount": 400, "vested": true, "cliff_days": 10, "vesting_days": 100}
			}
		}
	}`
	p, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Supply.Allocations) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(p.Supply.Allocations))
	}
	if got := p.Supply.Distribution[Presale]; !got.Equal(decimal.RequireFromString("0.6")) {
		t.Errorf("presale distribution = %s, want 0.6", got)
	}
	if !p.Supply.Allocations[Team].Vested {
		t.Error("team should be vested")
	}
}

func TestParse_UnknownCategoryFailsLoad(t *testing.T) {
	doc := `{"supply": {"allocations": {"advisors": {"amount": 5}}}}`
	_, err := Parse([]byte(doc))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestParse_UnknownTierFailsLoad(t *testing.T) {
	doc := `{"tiers": {"diamond": {"apy": 0.9, "lock_days": 10, "min_amount": 1}}}`
	if _, err := Parse([]byte(doc)); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestParse_StructuralErrors(t *testing.T) {
	tests := map[string]string{
		"fractional amount": `{"supply": {"allocations": {"presale": {"amount": 1.5}}}}`,
		"cliff after vest":  `{"supply": {"allocations": {"team": {"amount": 1, "vested": true, "cliff_days": 50, "vesting_days": 10}}}}`,
		"negative days":     `{"supply": {"allocations": {"team": {"amount": 1, "cliff_days": -1}}}}`,
		"malformed json":    `{"supply": `,
	}
	for name, doc := range tests {
		if _, err := Parse([]byte(doc)); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}

func TestParse_SemanticProblemsAreNotLoadErrors(t *testing.T) {
	// Sums to 0.99: reported by the validator, not rejected here.
	doc := `{"supply": {"distribution": {"presale": 0.29, "liquidity": 0.20, "staking": 0.25, "team": 0.10, "marketing": 0.10, "treasury": 0.05}}}`
	if _, err := Parse([]byte(doc)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestTierTable_NamesOrdered(t *testing.T) {
	names := Default().Tiers.Names()
	want := []TierName{Bronze, Silver, Gold}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}

func TestMaxWalletTokens(t *testing.T) {
	if got := Default().MaxWalletTokens(); !got.Equal(decimal.NewFromInt(20_000_000)) {
		t.Errorf("max wallet = %s, want 20000000", got)
	}
}
