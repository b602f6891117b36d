package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/hypetoken/ledger-engine/internal/tokenomics"
)

// SectionStatus is the outcome of one subsystem in a health report.
type SectionStatus string

const (
	StatusPassed SectionStatus = "PASSED"
	StatusFailed SectionStatus = "FAILED"
	StatusNoData SectionStatus = "NO_DATA"
)

// Section summarises the latest run of one source.
type Section struct {
	Status        SectionStatus `json:"status"`
	LastRun       *time.Time    `json:"last_run,omitempty"`
	Errors        int           `json:"errors"`
	Warnings      int           `json:"warnings"`
	Discrepancies int           `json:"discrepancies"`
	Recent        []Discrepancy `json:"recent,omitempty"`
}

// DistributionSection summarises ledger totals.
type DistributionSection struct {
	TotalDistributed   decimal.Decimal                         `json:"total_distributed"`
	TotalLocked        decimal.Decimal                         `json:"total_locked"`
	PercentDistributed decimal.Decimal                         `json:"percent_distributed"`
	PercentLocked      decimal.Decimal                         `json:"percent_locked"`
	ByCategory         map[tokenomics.Category]decimal.Decimal `json:"by_category"`
}

// HealthReport aggregates the latest pass outcomes into one score.
type HealthReport struct {
	ID           string               `json:"id"`
	Timestamp    time.Time            `json:"timestamp"`
	Sections     map[Source]Section   `json:"sections"`
	HealthScore  int                  `json:"health_score"`
	HealthStatus string               `json:"health_status"`
	Issues       []string             `json:"issues"`
	Distribution *DistributionSection `json:"distribution,omitempty"`
	Staking      *StakingSummary      `json:"staking,omitempty"`
}
