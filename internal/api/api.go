// Package api exposes the ledger engine over HTTP: ledger status and flow
// recording, staking views, supply reports, findings, pass history, health
// reports and on-demand jobs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hypetoken/ledger-engine/internal/ledger"
	"github.com/hypetoken/ledger-engine/internal/metrics"
	"github.com/hypetoken/ledger-engine/internal/model"
	"github.com/hypetoken/ledger-engine/internal/report"
	"github.com/hypetoken/ledger-engine/internal/scheduler"
	"github.com/hypetoken/ledger-engine/internal/staking"
	"github.com/hypetoken/ledger-engine/internal/store"
	"github.com/hypetoken/ledger-engine/internal/tokenomics"
	"github.com/hypetoken/ledger-engine/internal/validator"
)

// DefaultLimit caps list endpoints when no limit is given.
const DefaultLimit = 50

// Jobs is the scheduler surface the API drives.
type Jobs interface {
	RunNow(ctx context.Context, name string) error
	Statuses() []scheduler.Status
}

// Server holds the handler dependencies.
type Server struct {
	Store     store.Store
	Ledger    *ledger.Ledger
	Staking   *staking.Service
	Validator *validator.Validator
	Reporter  *report.Reporter
	Jobs      Jobs
	Hub       *Hub // optional
	Now       func() time.Time
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Routes mounts /health, /metrics and /api/v1 on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.Hub != nil {
			r.Get("/ws", s.Hub.HandleWS)
		}

		r.Get("/ledger", s.GetLedger)
		r.Get("/ledger/vesting/{category}", s.GetVesting)

		r.Get("/flows", s.ListFlows)
		r.Post("/flows", s.RecordFlow)
		r.Get("/flows/stats", s.GetFlowStats)

		r.Get("/positions", s.ListPositions)
		r.Post("/positions", s.CreatePosition)
		r.Get("/positions/{positionID}", s.GetPosition)
		r.Get("/staking/summary", s.GetStakingSummary)
		r.Get("/staking/tiers", s.GetTiers)
		r.Get("/staking/simulate", s.Simulate)

		r.Get("/supply", s.GetSupply)
		r.Post("/supply", s.ReportSupply)

		r.Get("/discrepancies", s.ListDiscrepancies)
		r.Get("/runs", s.ListRuns)
		r.Get("/runs/{source}/latest", s.GetLatestRun)

		r.Get("/reports", s.ListReports)
		r.Get("/reports/latest", s.GetLatestReport)
		r.Get("/reports/summary", s.GetReportSummary)

		r.Get("/jobs", s.ListJobs)
		r.Post("/jobs/{name}/run", s.RunJob)
	})
}

// Health handles GET /health.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "service": "ledger-engine"}
	if _, err := s.Store.LedgerSnapshot(r.Context()); err != nil {
		body["status"] = "degraded"
		body["error"] = err.Error()
	}
	if s.Hub != nil {
		body["ws_clients"] = s.Hub.Clients()
	}
	writeJSON(w, http.StatusOK, body)
}

// --- Ledger ---

// GetLedger handles GET /api/v1/ledger
func (s *Server) GetLedger(w http.ResponseWriter, r *http.Request) {
	st, err := s.Ledger.Status(r.Context(), s.now())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetVesting handles GET /api/v1/ledger/vesting/{category}?at=RFC3339
func (s *Server) GetVesting(w http.ResponseWriter, r *http.Request) {
	cat, err := tokenomics.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		writeErr(w, err)
		return
	}
	at := s.now()
	if v := r.URL.Query().Get("at"); v != "" {
		if at, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, "at must be an RFC3339 timestamp", http.StatusBadRequest)
			return
		}
	}
	vested, err := s.Ledger.VestedAmount(cat, at)
	if err != nil {
		writeErr(w, err)
		return
	}
	alloc := s.Ledger.Params().Supply.Allocations[cat]
	writeJSON(w, http.StatusOK, map[string]any{
		"category":     cat,
		"at":           at.UTC(),
		"allocation":   alloc.Amount,
		"vested":       vested,
		"cliff_days":   alloc.CliffDays,
		"vesting_days": alloc.VestingDays,
	})
}

// ListFlows handles GET /api/v1/flows?category=&limit=
func (s *Server) ListFlows(w http.ResponseWriter, r *http.Request) {
	var filter tokenomics.Category
	if v := r.URL.Query().Get("category"); v != "" {
		c, err := tokenomics.ParseCategory(v)
		if err != nil {
			writeErr(w, err)
			return
		}
		filter = c
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}

	snap, err := s.Ledger.Snapshot(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	flows := []model.TokenFlow{}
	for i := len(snap.Flows) - 1; i >= 0 && len(flows) < limit; i-- {
		if f := snap.Flows[i]; filter == "" || f.Category == filter {
			flows = append(flows, f)
		}
	}
	writeJSON(w, http.StatusOK, flows)
}

// RecordFlow handles POST /api/v1/flows
func (s *Server) RecordFlow(w http.ResponseWriter, r *http.Request) {
	var req ledger.FlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	receipt, err := s.Ledger.RecordFlow(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// GetFlowStats handles GET /api/v1/flows/stats
func (s *Server) GetFlowStats(w http.ResponseWriter, r *http.Request) {
	fs, err := s.Ledger.FlowStats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fs)
}

// --- Staking ---

// ListPositions handles GET /api/v1/positions
func (s *Server) ListPositions(w http.ResponseWriter, r *http.Request) {
	rows, err := s.Staking.Breakdowns(r.Context(), s.now())
	if err != nil {
		writeErr(w, err)
		return
	}
	if rows == nil {
		rows = []model.RewardBreakdown{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// CreatePosition handles POST /api/v1/positions
func (s *Server) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var pos model.StakingPosition
	if err := json.NewDecoder(r.Body).Decode(&pos); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	created, err := s.Staking.AddPosition(r.Context(), pos)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Server) GetPosition(w http.ResponseWriter, r *http.Request) {
	b, err := s.Staking.Position(r.Context(), chi.URLParam(r, "positionID"), s.now())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetStakingSummary handles GET /api/v1/staking/summary
func (s *Server) GetStakingSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Store.LatestStakingSummary(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GetTiers handles GET /api/v1/staking/tiers
func (s *Server) GetTiers(w http.ResponseWriter, _ *http.Request) {
	tiers := s.Staking.Tiers()
	list := make([]tokenomics.StakingTier, 0, len(tiers))
	for _, n := range tiers.Names() {
		list = append(list, tiers[n])
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tiers":    list,
		"examples": staking.Illustrate(tiers),
	})
}

// Simulate handles GET /api/v1/staking/simulate?amount=&tier=
func (s *Server) Simulate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := parseDecimal(q.Get("amount"))
	if err != nil {
		writeError(w, "amount must be a number", http.StatusBadRequest)
		return
	}
	sim, err := staking.Simulate(amount, q.Get("tier"), s.Staking.Tiers())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sim)
}

// --- Supply ---

// GetSupply handles GET /api/v1/supply
func (s *Server) GetSupply(w http.ResponseWriter, r *http.Request) {
	b, err := s.Validator.Breakdown(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// ReportSupply handles POST /api/v1/supply
func (s *Server) ReportSupply(w http.ResponseWriter, r *http.Request) {
	var rep model.SupplyReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if rep.CurrentSupply.IsNegative() || rep.Burned.IsNegative() {
		writeError(w, "supply figures must be non-negative", http.StatusUnprocessableEntity)
		return
	}
	if rep.ReportedAt.IsZero() {
		rep.ReportedAt = s.now().UTC()
	}
	if err := s.Store.SaveSupplyReport(r.Context(), rep); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rep)
}

// --- Findings and passes ---

// ListDiscrepancies handles GET /api/v1/discrepancies?source=&limit=
func (s *Server) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	var src model.Source
	if v := r.URL.Query().Get("source"); v != "" {
		var ok bool
		if src, ok = parseSource(w, v); !ok {
			return
		}
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	list, err := s.Store.ListDiscrepancies(r.Context(), src, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []model.Discrepancy{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ListRuns handles GET /api/v1/runs?source=&limit=
func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	src, ok := parseSource(w, r.URL.Query().Get("source"))
	if !ok {
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	list, err := s.Store.ListRuns(r.Context(), src, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []model.Run{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetLatestRun handles GET /api/v1/runs/{source}/latest
func (s *Server) GetLatestRun(w http.ResponseWriter, r *http.Request) {
	src, ok := parseSource(w, chi.URLParam(r, "source"))
	if !ok {
		return
	}
	run, err := s.Store.LatestRun(r.Context(), src)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- Reports ---

// ListReports handles GET /api/v1/reports?limit=
func (s *Server) ListReports(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	list, err := s.Store.ListHealthReports(r.Context(), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []model.HealthReport{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetLatestReport handles GET /api/v1/reports/latest
func (s *Server) GetLatestReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Store.LatestHealthReport(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GetReportSummary handles GET /api/v1/reports/summary?limit=
func (s *Server) GetReportSummary(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	tr, err := s.Reporter.Summary(r.Context(), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// --- Jobs ---

// ListJobs handles GET /api/v1/jobs
func (s *Server) ListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Jobs.Statuses())
}

// RunJob handles POST /api/v1/jobs/{name}/run and blocks until the pass ends.
func (s *Server) RunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.Jobs.RunNow(r.Context(), name)
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrJobRunning), errors.Is(err, scheduler.ErrUnknownJob):
		writeErr(w, err)
		return
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"job": name, "error": err.Error()})
		return
	}
	for _, st := range s.Jobs.Statuses() {
		if st.Name == name {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"job": name})
}

// --- helpers ---

func parseSource(w http.ResponseWriter, v string) (model.Source, bool) {
	for _, s := range model.Sources {
		if string(s) == v {
			return s, true
		}
	}
	writeError(w, "source must be one of validator, auditor, reconciler, staking", http.StatusBadRequest)
	return "", false
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return DefaultLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeError(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}
