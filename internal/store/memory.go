package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/hypetoken/ledger-engine/internal/model"
	"github.com/hypetoken/ledger-engine/internal/tokenomics"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu sync.RWMutex

	state       *model.LedgerState
	flows       []model.TokenFlow
	positions   []model.StakingPosition
	positionIDs map[string]bool
	summary     *model.StakingSummary
	supply      *model.SupplyReport

	discrepancies map[model.Source][]model.Discrepancy
	active        map[model.Source]map[string]bool
	runs          map[model.Source][]model.Run
	reports       []model.HealthReport
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positionIDs:   make(map[string]bool),
		discrepancies: make(map[model.Source][]model.Discrepancy),
		active:        make(map[model.Source]map[string]bool),
		runs:          make(map[model.Source][]model.Run),
	}
}

func (s *MemoryStore) InitLedger(_ context.Context, allocations map[tokenomics.Category]decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != nil {
		return nil
	}
	st := model.LedgerState{
		Distributed: make(map[tokenomics.Category]decimal.Decimal, len(allocations)),
		Locked:      make(map[tokenomics.Category]decimal.Decimal, len(allocations)),
	}
	for c, amt := range allocations {
		st.Distributed[c] = decimal.Zero
		st.Locked[c] = amt
	}
	s.state = &st
	return nil
}

func (s *MemoryStore) LedgerSnapshot(_ context.Context) (*model.LedgerSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return nil, ErrLedgerNotInitialized
	}
	flows := make([]model.TokenFlow, len(s.flows))
	copy(flows, s.flows)
	return &model.LedgerSnapshot{State: s.state.Clone(), Flows: flows}, nil
}

func (s *MemoryStore) CommitFlow(_ context.Context, expectedVersion int64, flow model.TokenFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return ErrLedgerNotInitialized
	}
	if s.state.Version != expectedVersion {
		return ErrVersionConflict
	}
	next := applyFlow(*s.state, flow)
	s.state = &next
	s.flows = append(s.flows, flow)
	return nil
}

func (s *MemoryStore) SavePosition(_ context.Context, pos model.StakingPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.positionIDs[pos.ID] {
		return fmt.Errorf("position %s: %w", pos.ID, ErrDuplicate)
	}
	s.positionIDs[pos.ID] = true
	s.positions = append(s.positions, pos)
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.StakingPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.StakingPosition, len(s.positions))
	copy(out, s.positions)
	return out, nil
}

func (s *MemoryStore) SaveStakingSummary(_ context.Context, sum model.StakingSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTier := make(map[tokenomics.TierName]model.TierStats, len(sum.ByTier))
	for k, v := range sum.ByTier {
		byTier[k] = v
	}
	sum.ByTier = byTier
	s.summary = &sum
	return nil
}

func (s *MemoryStore) LatestStakingSummary(_ context.Context) (*model.StakingSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.summary == nil {
		return nil, ErrNotFound
	}
	return cloneSummary(s.summary), nil
}

func (s *MemoryStore) SaveSupplyReport(_ context.Context, r model.SupplyReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.supply = &r
	return nil
}

func (s *MemoryStore) LatestSupplyReport(_ context.Context) (*model.SupplyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.supply == nil {
		return nil, ErrNotFound
	}
	cp := *s.supply
	return &cp, nil
}

func (s *MemoryStore) RecordDiscrepancies(_ context.Context, source model.Source, batch []model.Discrepancy) ([]model.Discrepancy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := newFindings(s.active[source], batch)

	next := make(map[string]bool, len(batch))
	for _, d := range batch {
		next[d.Fingerprint] = true
	}
	s.active[source] = next

	log := append(s.discrepancies[source], fresh...)
	if over := len(log) - DiscrepancyRetention; over > 0 {
		log = append([]model.Discrepancy(nil), log[over:]...)
	}
	s.discrepancies[source] = log

	return fresh, nil
}

func (s *MemoryStore) ListDiscrepancies(_ context.Context, source model.Source, limit int) ([]model.Discrepancy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []model.Discrepancy
	if source != "" {
		all = append(all, s.discrepancies[source]...)
	} else {
		for _, src := range model.Sources {
			all = append(all, s.discrepancies[src]...)
		}
	}
	// Stable on append order so same-timestamp records keep insertion order.
	reverse(all)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	return truncate(all, limit), nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := append(s.runs[run.Source], cloneRun(run))
	if over := len(runs) - RunRetention; over > 0 {
		runs = append([]model.Run(nil), runs[over:]...)
	}
	s.runs[run.Source] = runs
	return nil
}

func (s *MemoryStore) LatestRun(_ context.Context, source model.Source) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := s.runs[source]
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	r := cloneRun(runs[len(runs)-1])
	return &r, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, source model.Source, limit int) ([]model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.Run, 0, len(s.runs[source]))
	for _, r := range s.runs[source] {
		runs = append(runs, cloneRun(r))
	}
	reverse(runs)
	return truncate(runs, limit), nil
}

func (s *MemoryStore) SaveHealthReport(_ context.Context, r model.HealthReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reports = append(s.reports, cloneReport(r))
	if over := len(s.reports) - ReportRetention; over > 0 {
		s.reports = append([]model.HealthReport(nil), s.reports[over:]...)
	}
	return nil
}

func (s *MemoryStore) LatestHealthReport(_ context.Context) (*model.HealthReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.reports) == 0 {
		return nil, ErrNotFound
	}
	r := cloneReport(s.reports[len(s.reports)-1])
	return &r, nil
}

func (s *MemoryStore) ListHealthReports(_ context.Context, limit int) ([]model.HealthReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reports := make([]model.HealthReport, 0, len(s.reports))
	for _, r := range s.reports {
		reports = append(reports, cloneReport(r))
	}
	reverse(reports)
	return truncate(reports, limit), nil
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

func cloneRun(r model.Run) model.Run {
	if r.Detail != nil {
		r.Detail = append([]byte(nil), r.Detail...)
	}
	return r
}

func cloneSummary(sum *model.StakingSummary) *model.StakingSummary {
	if sum == nil {
		return nil
	}
	cp := *sum
	if sum.ByTier != nil {
		cp.ByTier = make(map[tokenomics.TierName]model.TierStats, len(sum.ByTier))
		for k, v := range sum.ByTier {
			cp.ByTier[k] = v
		}
	}
	return &cp
}

// cloneReport copies every map, slice and pointer reachable from r.
func cloneReport(r model.HealthReport) model.HealthReport {
	if r.Sections != nil {
		sections := make(map[model.Source]model.Section, len(r.Sections))
		for src, sec := range r.Sections {
			if sec.LastRun != nil {
				t := *sec.LastRun
				sec.LastRun = &t
			}
			if sec.Recent != nil {
				sec.Recent = append([]model.Discrepancy(nil), sec.Recent...)
			}
			sections[src] = sec
		}
		r.Sections = sections
	}
	if r.Issues != nil {
		r.Issues = append([]string(nil), r.Issues...)
	}
	if r.Distribution != nil {
		dist := *r.Distribution
		if dist.ByCategory != nil {
			dist.ByCategory = make(map[tokenomics.Category]decimal.Decimal, len(r.Distribution.ByCategory))
			for c, v := range r.Distribution.ByCategory {
				dist.ByCategory[c] = v
			}
		}
		r.Distribution = &dist
	}
	r.Staking = cloneSummary(r.Staking)
	return r
}
