// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (multi-process source of truth),
// SQLite (single-host), Redis (read-through cache) and in-memory (testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/hypetoken/ledger-engine/internal/model"
	"github.com/hypetoken/ledger-engine/internal/tokenomics"
)

var (
	// ErrNotFound is returned when a singleton record has never been written.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned by CommitFlow when the ledger changed
	// since the caller's snapshot.
	ErrVersionConflict = errors.New("store: ledger version conflict")

	// ErrLedgerNotInitialized is returned when the ledger has no state row.
	ErrLedgerNotInitialized = errors.New("store: ledger not initialized")

	// ErrDuplicate is returned when a record id already exists.
	ErrDuplicate = errors.New("store: duplicate id")

	// ErrCorrupt is returned when a persisted column cannot be decoded.
	ErrCorrupt = errors.New("store: corrupt record")
)

// Retention bounds for the append-only logs.
const (
	DiscrepancyRetention = 1000
	RunRetention         = 100
	ReportRetention      = 100
)

// Store is the persistence interface. The ledger tuple
// {distributed, locked, flows} is only mutated through CommitFlow.
type Store interface {
	// --- Ledger ---

	// InitLedger seeds distributed=0, locked=amount when no state exists.
	// It is a no-op on an initialized ledger.
	InitLedger(ctx context.Context, allocations map[tokenomics.Category]decimal.Decimal) error

	// LedgerSnapshot returns state and the full flow log from one
	// consistent read.
	LedgerSnapshot(ctx context.Context) (*model.LedgerSnapshot, error)

	// CommitFlow atomically increments distributed, decrements locked,
	// appends the flow and bumps the version. It fails with
	// ErrVersionConflict if the version is not expectedVersion.
	CommitFlow(ctx context.Context, expectedVersion int64, flow model.TokenFlow) error

	// --- Staking ---

	// SavePosition persists a new staking position.
	SavePosition(ctx context.Context, pos model.StakingPosition) error

	// ListPositions returns all staking positions.
	ListPositions(ctx context.Context) ([]model.StakingPosition, error)

	// SaveStakingSummary persists the latest recompute output.
	SaveStakingSummary(ctx context.Context, s model.StakingSummary) error

	// LatestStakingSummary returns ErrNotFound before the first recompute.
	LatestStakingSummary(ctx context.Context) (*model.StakingSummary, error)

	// --- Supply ---

	SaveSupplyReport(ctx context.Context, r model.SupplyReport) error
	LatestSupplyReport(ctx context.Context) (*model.SupplyReport, error)

	// --- Findings ---

	// RecordDiscrepancies appends the findings of one pass that were not
	// present in the previous pass of the same source, and returns them.
	// The batch becomes the source's active set.
	RecordDiscrepancies(ctx context.Context, source model.Source, batch []model.Discrepancy) ([]model.Discrepancy, error)

	// ListDiscrepancies returns the newest records first. An empty source
	// lists all sources.
	ListDiscrepancies(ctx context.Context, source model.Source, limit int) ([]model.Discrepancy, error)

	// --- Runs ---

	SaveRun(ctx context.Context, run model.Run) error
	LatestRun(ctx context.Context, source model.Source) (*model.Run, error)
	ListRuns(ctx context.Context, source model.Source, limit int) ([]model.Run, error)

	// --- Health reports ---

	SaveHealthReport(ctx context.Context, r model.HealthReport) error
	LatestHealthReport(ctx context.Context) (*model.HealthReport, error)
	ListHealthReports(ctx context.Context, limit int) ([]model.HealthReport, error)
}

// newFindings filters batch down to records whose fingerprint is not in
// previous, preserving order and collapsing duplicates within the batch.
func newFindings(previous map[string]bool, batch []model.Discrepancy) []model.Discrepancy {
	seen := make(map[string]bool, len(batch))
	var fresh []model.Discrepancy
	for _, d := range batch {
		if previous[d.Fingerprint] || seen[d.Fingerprint] {
			continue
		}
		seen[d.Fingerprint] = true
		fresh = append(fresh, d)
	}
	return fresh
}

// applyFlow returns the state after releasing amount from category.
func applyFlow(s model.LedgerState, flow model.TokenFlow) model.LedgerState {
	next := s.Clone()
	next.Distributed[flow.Category] = next.Distributed[flow.Category].Add(flow.Amount)
	next.Locked[flow.Category] = next.Locked[flow.Category].Sub(flow.Amount)
	next.Version = s.Version + 1
	next.UpdatedAt = flow.Timestamp
	return next
}
