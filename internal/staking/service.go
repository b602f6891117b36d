package staking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hypetoken/ledger-engine/internal/model"
	"github.com/hypetoken/ledger-engine/internal/runs"
	"github.com/hypetoken/ledger-engine/internal/store"
	"github.com/hypetoken/ledger-engine/internal/tokenomics"
	"github.com/hypetoken/ledger-engine/internal/traces"
)

// Service keeps the persisted staking summary in step with the position set.
type Service struct {
	store    store.Store
	tiers    tokenomics.TierTable
	recorder *runs.Recorder
}

// NewService creates a staking service.
func NewService(st store.Store, tiers tokenomics.TierTable, rec *runs.Recorder) *Service {
	return &Service{store: st, tiers: tiers, recorder: rec}
}

// Tiers returns the tier table rewards are computed against.
func (s *Service) Tiers() tokenomics.TierTable { return s.tiers }

// AddPosition validates pos and persists it.
func (s *Service) AddPosition(ctx context.Context, pos model.StakingPosition) (*model.StakingPosition, error) {
	tier, err := ValidatePosition(pos, s.tiers)
	if err != nil {
		return nil, err
	}
	pos.Tier = string(tier.Name)
	if pos.ID == "" {
		pos.ID = uuid.New().String()
	}
	if pos.StartTime.IsZero() {
		pos.StartTime = time.Now().UTC()
	}
	if err := s.store.SavePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("save position: %w", err)
	}
	slog.Info("staking position added",
		"id", pos.ID, "tier", pos.Tier, "amount", pos.Amount.String())
	return &pos, nil
}

// Breakdowns computes the reward breakdown of every position at now.
// Positions with an unknown tier are skipped.
func (s *Service) Breakdowns(ctx context.Context, now time.Time) ([]model.RewardBreakdown, error) {
	positions, err := s.store.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	out := make([]model.RewardBreakdown, 0, len(positions))
	for _, p := range positions {
		b, err := ComputeRewards(p, s.tiers, now)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// Position computes the breakdown of the position with id at now.
func (s *Service) Position(ctx context.Context, id string, now time.Time) (*model.RewardBreakdown, error) {
	positions, err := s.store.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	for _, p := range positions {
		if p.ID == id {
			b, err := ComputeRewards(p, s.tiers, now)
			if err != nil {
				return nil, err
			}
			return &b, nil
		}
	}
	return nil, store.ErrNotFound
}

// Recompute derives every position's rewards at now, persists the summary
// and records a staking run. Positions that cannot be computed or whose
// figures fail Verify count as errors.
func (s *Service) Recompute(ctx context.Context, now time.Time) (summary *model.StakingSummary, err error) {
	ctx, span := traces.StartSpan(ctx, "staking.Recompute")
	defer func() { traces.End(span, err) }()

	started := time.Now()
	positions, err := s.store.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	summary = &model.StakingSummary{
		ComputedAt: now.UTC(),
		ByTier:     make(map[tokenomics.TierName]model.TierStats, len(s.tiers)),
	}
	for _, name := range s.tiers.Names() {
		summary.ByTier[name] = model.TierStats{}
	}

	var findings []model.Finding
	errCount := 0
	for _, p := range positions {
		b, err := ComputeRewards(p, s.tiers, now)
		if err != nil {
			errCount++
			if errors.Is(err, tokenomics.ErrUnknownTier) {
				findings = append(findings, model.Finding{
					Kind:          model.KindConfiguration,
					Description:   fmt.Sprintf("position %s has unknown tier %q", p.ID, p.Tier),
					ExpectedLabel: "configured tier",
					ActualLabel:   "staked amount",
					Actual:        p.Amount,
					Severity:      model.SeverityHigh,
				})
			}
			continue
		}
		if v := Verify(b); len(v) > 0 {
			errCount++
			for _, viol := range v {
				findings = append(findings, model.Finding{
					Kind:        model.KindRewardCalculation,
					Description: fmt.Sprintf("position %s: %s", p.ID, viol.Check),
					Expected:    viol.Expected,
					Actual:      viol.Actual,
					Severity:    model.SeverityHigh,
				})
			}
		}

		summary.Positions++
		summary.TotalStaked = summary.TotalStaked.Add(b.StakedAmount)
		summary.TotalAccumulated = summary.TotalAccumulated.Add(b.AccumulatedReward)
		summary.TotalRemaining = summary.TotalRemaining.Add(b.RemainingReward)

		ts := summary.ByTier[b.Tier]
		ts.Positions++
		ts.TotalStaked = ts.TotalStaked.Add(b.StakedAmount)
		ts.TotalRewards = ts.TotalRewards.Add(b.AccumulatedReward)
		summary.ByTier[b.Tier] = ts
	}

	for name, ts := range summary.ByTier {
		if slots := s.tiers[name].MaxSlots; slots > 0 {
			ts.Utilization = decimal.NewFromInt(int64(ts.Positions)).
				Div(decimal.NewFromInt(int64(slots))).Mul(hundred).Round(2)
			summary.ByTier[name] = ts
		}
	}

	if err := s.store.SaveStakingSummary(ctx, *summary); err != nil {
		return nil, fmt.Errorf("save staking summary: %w", err)
	}

	if s.recorder != nil {
		if _, _, err := s.recorder.Record(ctx, runs.Outcome{
			Source:    model.SourceStaking,
			StartedAt: started,
			Findings:  findings,
			Errors:    errCount,
			Passed:    errCount == 0,
			Detail:    summary,
		}); err != nil {
			return nil, err
		}
	}

	slog.Info("staking recomputed",
		"positions", summary.Positions,
		"total_staked", summary.TotalStaked.String(),
		"total_accumulated", summary.TotalAccumulated.String(),
		"errors", errCount,
	)
	return summary, nil
}
