package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind classifies the invariant a discrepancy breaks.
type Kind string

const (
	KindTotalSupply          Kind = "total_supply"
	KindAllocation           Kind = "allocation"
	KindStakingBalance       Kind = "staking_balance"
	KindFlowMismatch         Kind = "flow_mismatch"
	KindDistributionMismatch Kind = "distribution_mismatch"
	KindRewardCalculation    Kind = "reward_calculation"
	KindConfiguration        Kind = "configuration"
)

// Severity orders findings for alerting.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Discrepancy is a recorded violation of a conservation or configuration
// invariant. Created only, never mutated.
type Discrepancy struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        Source          `json:"source"`
	Kind          Kind            `json:"kind"`
	Description   string          `json:"description"`
	ExpectedLabel string          `json:"expected_label"`
	ActualLabel   string          `json:"actual_label"`
	Expected      decimal.Decimal `json:"expected"`
	Actual        decimal.Decimal `json:"actual"`
	Difference    decimal.Decimal `json:"difference"`   // actual - expected
	PercentDiff   decimal.Decimal `json:"percent_diff"` // difference / expected * 100
	Severity      Severity        `json:"severity"`
	Fingerprint   string          `json:"fingerprint"`
}

// Finding is the input needed to build a Discrepancy.
type Finding struct {
	Kind          Kind            `json:"kind"`
	Description   string          `json:"description"`
	ExpectedLabel string          `json:"expected_label,omitempty"`
	ActualLabel   string          `json:"actual_label,omitempty"`
	Expected      decimal.Decimal `json:"expected"`
	Actual        decimal.Decimal `json:"actual"`
	Severity      Severity        `json:"severity"`
}

var hundred = decimal.NewFromInt(100)

// NewDiscrepancy stamps a finding with id, time and derived magnitudes.
func NewDiscrepancy(source Source, f Finding, now time.Time) Discrepancy {
	expLabel, actLabel := f.ExpectedLabel, f.ActualLabel
	if expLabel == "" {
		expLabel = "expected"
	}
	if actLabel == "" {
		actLabel = "actual"
	}

	diff := f.Actual.Sub(f.Expected)
	pct := decimal.Zero
	if !f.Expected.IsZero() {
		pct = diff.Div(f.Expected).Mul(hundred).Round(4)
	}

	return Discrepancy{
		ID:            uuid.New().String(),
		Timestamp:     now.UTC(),
		Source:        source,
		Kind:          f.Kind,
		Description:   f.Description,
		ExpectedLabel: expLabel,
		ActualLabel:   actLabel,
		Expected:      f.Expected,
		Actual:        f.Actual,
		Difference:    diff,
		PercentDiff:   pct,
		Severity:      f.Severity,
		Fingerprint:   fingerprint(source, f),
	}
}

// fingerprint identifies a finding independently of when it was observed,
// so an unchanged state yields the same set on every pass.
func fingerprint(source Source, f Finding) string {
	h := sha256.New()
	for _, part := range []string{
		string(source), string(f.Kind), f.Description,
		f.Expected.String(), f.Actual.String(),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
