// Package report aggregates the latest validator, auditor and reconciler
// runs into a scored health report.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hypetoken/ledger-engine/internal/metrics"
	"github.com/hypetoken/ledger-engine/internal/model"
	"github.com/hypetoken/ledger-engine/internal/store"
	"github.com/hypetoken/ledger-engine/internal/tokenomics"
	"github.com/hypetoken/ledger-engine/internal/traces"
)

// Health status buckets.
const (
	Excellent = "EXCELLENT"
	Good      = "GOOD"
	Fair      = "FAIR"
	Poor      = "POOR"
)

// Penalty is subtracted from the score for every failed section.
const Penalty = 25

// RecentDiscrepancies is how many findings a section carries.
const RecentDiscrepancies = 5

// scored lists the sources that affect the score, with the issue reported
// when they fail.
var scored = []struct {
	source model.Source
	issue  string
}{
	{model.SourceValidator, "Validation errors detected"},
	{model.SourceAuditor, "Audit discrepancies found"},
	{model.SourceReconciler, "Balance mismatches detected"},
}

var hundred = decimal.NewFromInt(100)

// Listener is notified after a report is persisted.
type Listener interface {
	ReportGenerated(r model.HealthReport)
}

// Reporter builds and persists health reports.
type Reporter struct {
	store    store.Store
	supply   tokenomics.SupplyConfig
	listener Listener
}

// New creates a reporter. listener may be nil.
func New(st store.Store, supply tokenomics.SupplyConfig, listener Listener) *Reporter {
	return &Reporter{store: st, supply: supply, listener: listener}
}

// Score returns 100 minus Penalty per FAILED section, clamped at 0, the
// matching status bucket and the issue list. NO_DATA is not penalised.
func Score(sections map[model.Source]model.Section) (int, string, []string) {
	score := 100
	issues := []string{}
	for _, s := range scored {
		if sections[s.source].Status == model.StatusFailed {
			score -= Penalty
			issues = append(issues, s.issue)
		}
	}
	if score < 0 {
		score = 0
	}
	return score, Status(score), issues
}

// Status maps a score to its bucket.
func Status(score int) string {
	switch {
	case score == 100:
		return Excellent
	case score >= 75:
		return Good
	case score >= 50:
		return Fair
	default:
		return Poor
	}
}

// SectionFor summarises the latest run of a source. A nil run is NO_DATA.
func SectionFor(run *model.Run, recent []model.Discrepancy) model.Section {
	if run == nil {
		return model.Section{Status: model.StatusNoData}
	}
	sec := model.Section{
		Status:        model.StatusPassed,
		Errors:        run.Errors,
		Warnings:      run.Warnings,
		Discrepancies: run.Discrepancies,
		Recent:        recent,
	}
	if !run.Passed {
		sec.Status = model.StatusFailed
	}
	finished := run.FinishedAt
	sec.LastRun = &finished
	return sec
}

func (r *Reporter) section(ctx context.Context, source model.Source) (model.Section, error) {
	run, err := r.store.LatestRun(ctx, source)
	if errors.Is(err, store.ErrNotFound) {
		return SectionFor(nil, nil), nil
	}
	if err != nil {
		return model.Section{}, fmt.Errorf("latest %s run: %w", source, err)
	}
	recent, err := r.store.ListDiscrepancies(ctx, source, RecentDiscrepancies)
	if err != nil {
		return model.Section{}, fmt.Errorf("list %s discrepancies: %w", source, err)
	}
	return SectionFor(run, recent), nil
}

func (r *Reporter) distribution(ctx context.Context) (*model.DistributionSection, error) {
	snap, err := r.store.LedgerSnapshot(ctx)
	if errors.Is(err, store.ErrLedgerNotInitialized) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	dist, locked := snap.State.Total()
	ds := &model.DistributionSection{
		TotalDistributed: dist,
		TotalLocked:      locked,
		ByCategory:       make(map[tokenomics.Category]decimal.Decimal, len(snap.State.Distributed)),
	}
	if total := r.supply.TotalSupply; total.IsPositive() {
		ds.PercentDistributed = dist.Div(total).Mul(hundred).Round(2)
		ds.PercentLocked = locked.Div(total).Mul(hundred).Round(2)
	}
	for c, v := range snap.State.Distributed {
		ds.ByCategory[c] = v
	}
	return ds, nil
}

// Generate builds a report from the latest persisted runs and saves it.
func (r *Reporter) Generate(ctx context.Context, now time.Time) (rep *model.HealthReport, err error) {
	ctx, span := traces.StartSpan(ctx, "report.Generate")
	defer func() { traces.End(span, err) }()

	rep = &model.HealthReport{
		ID:        uuid.New().String(),
		Timestamp: now.UTC(),
		Sections:  make(map[model.Source]model.Section, len(model.Sources)),
	}
	for _, s := range model.Sources {
		sec, err := r.section(ctx, s)
		if err != nil {
			return nil, err
		}
		rep.Sections[s] = sec
	}

	if rep.Distribution, err = r.distribution(ctx); err != nil {
		return nil, err
	}
	summary, err := r.store.LatestStakingSummary(ctx)
	switch {
	case err == nil:
		rep.Staking = summary
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("latest staking summary: %w", err)
	}

	rep.HealthScore, rep.HealthStatus, rep.Issues = Score(rep.Sections)

	if err := r.store.SaveHealthReport(ctx, *rep); err != nil {
		return nil, fmt.Errorf("save health report: %w", err)
	}
	metrics.HealthScore.Set(float64(rep.HealthScore))

	slog.Info("health report generated",
		"id", rep.ID,
		"score", rep.HealthScore,
		"status", rep.HealthStatus,
		"issues", len(rep.Issues),
	)
	if r.listener != nil {
		r.listener.ReportGenerated(*rep)
	}
	return rep, nil
}

// Trend summarises the most recent reports.
type Trend struct {
	Reports      int                 `json:"reports"`
	AverageScore float64             `json:"average_score"`
	ByStatus     map[string]int      `json:"by_status"`
	Latest       *model.HealthReport `json:"latest,omitempty"`
}

// Summary averages the score over the last n reports (all retained when
// n <= 0).
func (r *Reporter) Summary(ctx context.Context, n int) (*Trend, error) {
	reports, err := r.store.ListHealthReports(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("list health reports: %w", err)
	}
	tr := &Trend{Reports: len(reports), ByStatus: make(map[string]int)}
	if len(reports) == 0 {
		return tr, nil
	}
	sum := 0
	for _, rep := range reports {
		sum += rep.HealthScore
		tr.ByStatus[rep.HealthStatus]++
	}
	tr.AverageScore = float64(sum) / float64(len(reports))
	latest := reports[0]
	tr.Latest = &latest
	return tr, nil
}
