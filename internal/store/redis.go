package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/hypetoken/ledger-engine/internal/model"
	"github.com/hypetoken/ledger-engine/internal/tokenomics"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// the "latest" singletons read by the dashboard and the reporter. Writes
// go to the primary store and invalidate the cache; reads check Redis
// first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveStakingSummary(ctx context.Context, sum model.StakingSummary) error {
	if err := s.primary.SaveStakingSummary(ctx, sum); err != nil {
		return err
	}
	s.rdb.Del(ctx, stakingSummaryKey)
	return nil
}

func (s *CachedStore) SaveSupplyReport(ctx context.Context, r model.SupplyReport) error {
	if err := s.primary.SaveSupplyReport(ctx, r); err != nil {
		return err
	}
	s.rdb.Del(ctx, supplyReportKey)
	return nil
}

func (s *CachedStore) SaveRun(ctx context.Context, run model.Run) error {
	if err := s.primary.SaveRun(ctx, run); err != nil {
		return err
	}
	s.rdb.Del(ctx, runKey(run.Source))
	return nil
}

func (s *CachedStore) SaveHealthReport(ctx context.Context, r model.HealthReport) error {
	if err := s.primary.SaveHealthReport(ctx, r); err != nil {
		return err
	}
	s.rdb.Del(ctx, healthReportKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) LatestStakingSummary(ctx context.Context) (*model.StakingSummary, error) {
	return readThrough(ctx, s, stakingSummaryKey, s.primary.LatestStakingSummary)
}

func (s *CachedStore) LatestSupplyReport(ctx context.Context) (*model.SupplyReport, error) {
	return readThrough(ctx, s, supplyReportKey, s.primary.LatestSupplyReport)
}

func (s *CachedStore) LatestRun(ctx context.Context, source model.Source) (*model.Run, error) {
	return readThrough(ctx, s, runKey(source), func(ctx context.Context) (*model.Run, error) {
		return s.primary.LatestRun(ctx, source)
	})
}

func (s *CachedStore) LatestHealthReport(ctx context.Context) (*model.HealthReport, error) {
	return readThrough(ctx, s, healthReportKey, s.primary.LatestHealthReport)
}

// --- Passthrough (not cached) ---

// Ledger reads are never cached; CommitFlow relies on a fresh version.

func (s *CachedStore) InitLedger(ctx context.Context, allocations map[tokenomics.Category]decimal.Decimal) error {
	return s.primary.InitLedger(ctx, allocations)
}

func (s *CachedStore) LedgerSnapshot(ctx context.Context) (*model.LedgerSnapshot, error) {
	return s.primary.LedgerSnapshot(ctx)
}

func (s *CachedStore) CommitFlow(ctx context.Context, expectedVersion int64, flow model.TokenFlow) error {
	return s.primary.CommitFlow(ctx, expectedVersion, flow)
}

func (s *CachedStore) SavePosition(ctx context.Context, pos model.StakingPosition) error {
	return s.primary.SavePosition(ctx, pos)
}

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.StakingPosition, error) {
	return s.primary.ListPositions(ctx)
}

func (s *CachedStore) RecordDiscrepancies(ctx context.Context, source model.Source, batch []model.Discrepancy) ([]model.Discrepancy, error) {
	return s.primary.RecordDiscrepancies(ctx, source, batch)
}

func (s *CachedStore) ListDiscrepancies(ctx context.Context, source model.Source, limit int) ([]model.Discrepancy, error) {
	return s.primary.ListDiscrepancies(ctx, source, limit)
}

func (s *CachedStore) ListRuns(ctx context.Context, source model.Source, limit int) ([]model.Run, error) {
	return s.primary.ListRuns(ctx, source, limit)
}

func (s *CachedStore) ListHealthReports(ctx context.Context, limit int) ([]model.HealthReport, error) {
	return s.primary.ListHealthReports(ctx, limit)
}

// --- Cache helpers ---

func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func(context.Context) (*T, error)) (*T, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	// Cache miss: read from primary.
	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return v, nil
}

const (
	stakingSummaryKey = "ledger:staking:summary"
	supplyReportKey   = "ledger:supply:latest"
	healthReportKey   = "ledger:report:latest"
)

func runKey(source model.Source) string { return fmt.Sprintf("ledger:run:%s", source) }
