package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hypetoken/ledger-engine/internal/api"
	"github.com/hypetoken/ledger-engine/internal/ledger"
	"github.com/hypetoken/ledger-engine/internal/model"
	"github.com/hypetoken/ledger-engine/internal/report"
	"github.com/hypetoken/ledger-engine/internal/runs"
	"github.com/hypetoken/ledger-engine/internal/scheduler"
	"github.com/hypetoken/ledger-engine/internal/staking"
	"github.com/hypetoken/ledger-engine/internal/store"
	"github.com/hypetoken/ledger-engine/internal/tokenomics"
	"github.com/hypetoken/ledger-engine/internal/validator"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = tokenomics.Default().Supply.LaunchDate.Add(400 * 24 * time.Hour)

type fakeJobs struct {
	err   error
	calls []string
}

func (f *fakeJobs) RunNow(_ context.Context, name string) error {
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeJobs) Statuses() []scheduler.Status {
	return []scheduler.Status{{Name: "validator", Interval: 5 * time.Minute, Runs: len(f.calls)}}
}

type testEnv struct {
	store  *store.MemoryStore
	jobs   *fakeJobs
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	p := tokenomics.Default()
	clock := func() time.Time { return now }

	l := ledger.New(ms, p, ledger.WithClock(clock))
	if err := l.Init(context.Background()); err != nil {
		t.Fatalf("init ledger: %v", err)
	}
	rec := runs.NewRecorder(ms, nil)
	jobs := &fakeJobs{}
	srv := &api.Server{
		Store:     ms,
		Ledger:    l,
		Staking:   staking.NewService(ms, p.Tiers, rec),
		Validator: validator.New(ms, p, rec, decimal.Zero),
		Reporter:  report.New(ms, p.Supply, nil),
		Jobs:      jobs,
		Now:       clock,
	}
	return &testEnv{store: ms, jobs: jobs, router: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode[map[string]any](t, w)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestRecordFlow(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/flows", ledger.FlowRequest{
		Category: "presale", Amount: d(1_000_000), Destination: "wallet1", Reason: "presale buy",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	receipt := decode[ledger.Receipt](t, w)
	if !receipt.Distributed.Equal(d(1_000_000)) || !receipt.Locked.Equal(d(299_000_000)) {
		t.Errorf("receipt = %+v", receipt)
	}

	w = env.do(t, "GET", "/api/v1/flows?category=presale", nil)
	flows := decode[[]model.TokenFlow](t, w)
	if len(flows) != 1 || flows[0].ID != receipt.Flow.ID {
		t.Errorf("flows = %+v", flows)
	}

	w = env.do(t, "GET", "/api/v1/flows/stats", nil)
	stats := decode[ledger.FlowStats](t, w)
	if stats.Count != 1 || !stats.Total.Equal(d(1_000_000)) {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRecordFlow_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		req  any
		code int
	}{
		{"bad body", "not an object", http.StatusBadRequest},
		{"unknown category", ledger.FlowRequest{Category: "airdrop", Amount: d(1)}, http.StatusUnprocessableEntity},
		{"zero amount", ledger.FlowRequest{Category: "presale", Amount: d(0)}, http.StatusUnprocessableEntity},
		{"fractional amount", ledger.FlowRequest{Category: "presale", Amount: d(1.5)}, http.StatusUnprocessableEntity},
		{"over allocation", ledger.FlowRequest{Category: "presale", Amount: d(300_000_001)}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/flows", tt.req)
			if w.Code != tt.code {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.code, w.Body.String())
			}
		})
	}

	snap, _ := env.store.LedgerSnapshot(context.Background())
	if len(snap.Flows) != 0 || snap.State.Version != 0 {
		t.Errorf("rejected flows mutated state: %+v", snap.State)
	}
}

func TestLedgerAndVesting(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/ledger", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	st := decode[ledger.Status](t, w)
	if !st.TotalLocked.Equal(d(1_000_000_000)) || len(st.Categories) != 6 {
		t.Errorf("status = %+v", st)
	}

	w = env.do(t, "GET", "/api/v1/ledger/vesting/team?at=2026-01-01T00:00:00Z", nil)
	body := decode[map[string]any](t, w)
	if body["vested"] != "0" {
		t.Errorf("team vested before cliff = %v", body["vested"])
	}

	if w := env.do(t, "GET", "/api/v1/ledger/vesting/airdrop", nil); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown category status = %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/ledger/vesting/team?at=yesterday", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad at status = %d", w.Code)
	}
}

func TestPositions(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/positions", model.StakingPosition{
		UserRef: "u1", Tier: "Silver", Amount: d(10_000), StartTime: now.Add(-45 * 24 * time.Hour),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	pos := decode[model.StakingPosition](t, w)
	if pos.ID == "" || pos.Tier != "silver" {
		t.Errorf("position = %+v", pos)
	}

	w = env.do(t, "GET", "/api/v1/positions/"+pos.ID, nil)
	b := decode[model.RewardBreakdown](t, w)
	if b.DaysElapsed != 45 || !b.AccumulatedReward.Equal(decimal.RequireFromString("332.876712")) {
		t.Errorf("breakdown = %+v", b)
	}

	w = env.do(t, "GET", "/api/v1/positions", nil)
	if list := decode[[]model.RewardBreakdown](t, w); len(list) != 1 {
		t.Errorf("positions = %+v", list)
	}

	if w := env.do(t, "GET", "/api/v1/positions/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing position status = %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/positions", model.StakingPosition{Tier: "platinum", Amount: d(1)}); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown tier status = %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/positions", model.StakingPosition{Tier: "gold", Amount: d(10)}); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("below minimum status = %d", w.Code)
	}
}

func TestStakingViews(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, "GET", "/api/v1/staking/summary", nil); w.Code != http.StatusNotFound {
		t.Errorf("summary before recompute status = %d", w.Code)
	}

	w := env.do(t, "GET", "/api/v1/staking/simulate?amount=10000&tier=silver", nil)
	sim := decode[staking.Simulation](t, w)
	if !sim.ROIPercent.Equal(d(6.66)) {
		t.Errorf("simulation = %+v", sim)
	}
	if w := env.do(t, "GET", "/api/v1/staking/simulate?amount=lots&tier=silver", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad amount status = %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/staking/tiers", nil)
	tiers := decode[map[string][]json.RawMessage](t, w)
	if len(tiers["tiers"]) != 3 || len(tiers["examples"]) != 3 {
		t.Errorf("tiers = %v", tiers)
	}
}

func TestSupply(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/supply", model.SupplyReport{CurrentSupply: d(990_000_000), Burned: d(10_000_000)})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "POST", "/api/v1/supply", model.SupplyReport{CurrentSupply: d(-1)}); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("negative supply status = %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/supply", nil)
	b := decode[validator.SupplyBreakdown](t, w)
	if !b.Reported || !b.Burned.Equal(d(10_000_000)) || !b.CirculatingGap.IsZero() || !b.Unaccounted.Equal(d(990_000_000)) {
		t.Errorf("breakdown = %+v", b)
	}
}

func TestFindingsAndRuns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_ = env.store.SaveRun(ctx, model.Run{ID: "r1", Source: model.SourceAuditor, FinishedAt: now, Passed: true})
	_, _ = env.store.RecordDiscrepancies(ctx, model.SourceAuditor, []model.Discrepancy{
		model.NewDiscrepancy(model.SourceAuditor, model.Finding{Kind: model.KindRewardCalculation, Description: "drift", Severity: model.SeverityHigh}, now),
	})

	w := env.do(t, "GET", "/api/v1/discrepancies?source=auditor", nil)
	if list := decode[[]model.Discrepancy](t, w); len(list) != 1 {
		t.Errorf("discrepancies = %+v", list)
	}
	w = env.do(t, "GET", "/api/v1/discrepancies", nil)
	if list := decode[[]model.Discrepancy](t, w); len(list) != 1 {
		t.Errorf("all discrepancies = %+v", list)
	}

	w = env.do(t, "GET", "/api/v1/runs/auditor/latest", nil)
	if run := decode[model.Run](t, w); run.ID != "r1" {
		t.Errorf("latest run = %+v", run)
	}
	if w := env.do(t, "GET", "/api/v1/runs/validator/latest", nil); w.Code != http.StatusNotFound {
		t.Errorf("no run status = %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/runs?source=nobody", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad source status = %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/runs?source=auditor&limit=0", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", w.Code)
	}
}

func TestReports(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if w := env.do(t, "GET", "/api/v1/reports/latest", nil); w.Code != http.StatusNotFound {
		t.Errorf("latest before any report status = %d", w.Code)
	}
	_ = env.store.SaveHealthReport(ctx, model.HealthReport{ID: "h1", Timestamp: now, HealthScore: 75, HealthStatus: report.Good})

	w := env.do(t, "GET", "/api/v1/reports/latest", nil)
	if rep := decode[model.HealthReport](t, w); rep.ID != "h1" {
		t.Errorf("latest = %+v", rep)
	}
	w = env.do(t, "GET", "/api/v1/reports/summary", nil)
	if tr := decode[report.Trend](t, w); tr.Reports != 1 || tr.AverageScore != 75 {
		t.Errorf("summary = %+v", tr)
	}
	w = env.do(t, "GET", "/api/v1/reports", nil)
	if list := decode[[]model.HealthReport](t, w); len(list) != 1 {
		t.Errorf("reports = %+v", list)
	}
}

func TestJobs(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/jobs/validator/run", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(env.jobs.calls) != 1 || env.jobs.calls[0] != "validator" {
		t.Errorf("calls = %v", env.jobs.calls)
	}

	env.jobs.err = scheduler.ErrJobRunning
	if w := env.do(t, "POST", "/api/v1/jobs/validator/run", nil); w.Code != http.StatusConflict {
		t.Errorf("running status = %d", w.Code)
	}
	env.jobs.err = scheduler.ErrUnknownJob
	if w := env.do(t, "POST", "/api/v1/jobs/nope/run", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown status = %d", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/jobs", nil)
	if list := decode[[]scheduler.Status](t, w); len(list) != 1 {
		t.Errorf("jobs = %+v", list)
	}
}

func TestUninitializedLedger(t *testing.T) {
	ms := store.NewMemoryStore()
	p := tokenomics.Default()
	srv := &api.Server{Store: ms, Ledger: ledger.New(ms, p), Jobs: &fakeJobs{}}
	req := httptest.NewRequest("GET", "/api/v1/ledger", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}
