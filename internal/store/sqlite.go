package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/hypetoken/ledger-engine/internal/model"
	"github.com/hypetoken/ledger-engine/internal/store/migrations"
	"github.com/hypetoken/ledger-engine/internal/tokenomics"
)

// SQLiteStore implements Store on a single SQLite file. Amounts are stored
// as decimal TEXT and timestamps as RFC 3339 TEXT.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single writer; serializes CommitFlow transactions.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrations.Up(ctx, db, migrations.SQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- Ledger ---

func (s *SQLiteStore) InitLedger(ctx context.Context, allocations map[tokenomics.Category]decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_state (id, version) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("init ledger state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	for c, amt := range allocations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_balances (category, distributed, locked) VALUES (?, '0', ?)`,
			string(c), amt.String()); err != nil {
			return fmt.Errorf("init balance %s: %w", c, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LedgerSnapshot(ctx context.Context) (*model.LedgerSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	st := model.LedgerState{
		Distributed: make(map[tokenomics.Category]decimal.Decimal),
		Locked:      make(map[tokenomics.Category]decimal.Decimal),
	}
	var updated sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT version, updated_at FROM ledger_state WHERE id = 1`).
		Scan(&st.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLedgerNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger state: %w", err)
	}
	if updated.Valid {
		if st.UpdatedAt, err = parseTime("ledger_state.updated_at", updated.String); err != nil {
			return nil, err
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT category, distributed, locked FROM ledger_balances`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var c, dist, locked string
		if err := rows.Scan(&c, &dist, &locked); err != nil {
			rows.Close()
			return nil, err
		}
		var dec decoder
		st.Distributed[tokenomics.Category(c)] = dec.decimal("ledger_balances.distributed", dist)
		st.Locked[tokenomics.Category(c)] = dec.decimal("ledger_balances.locked", locked)
		if dec.err != nil {
			rows.Close()
			return nil, dec.err
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	flowRows, err := tx.QueryContext(ctx,
		`SELECT id, timestamp, category, amount, destination, reason, tx_ref
		 FROM token_flows ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer flowRows.Close()

	var flows []model.TokenFlow
	for flowRows.Next() {
		var f model.TokenFlow
		var ts, c, amt string
		if err := flowRows.Scan(&f.ID, &ts, &c, &amt, &f.Destination, &f.Reason, &f.TxRef); err != nil {
			return nil, err
		}
		var dec decoder
		f.Timestamp = dec.time("token_flows.timestamp", ts)
		f.Category = tokenomics.Category(c)
		f.Amount = dec.decimal("token_flows.amount", amt)
		if dec.err != nil {
			return nil, dec.err
		}
		flows = append(flows, f)
	}
	if err := flowRows.Err(); err != nil {
		return nil, err
	}
	return &model.LedgerSnapshot{State: st, Flows: flows}, nil
}

func (s *SQLiteStore) CommitFlow(ctx context.Context, expectedVersion int64, flow model.TokenFlow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE ledger_state SET version = version + 1, updated_at = ? WHERE id = 1 AND version = ?`,
		formatTime(flow.Timestamp), expectedVersion)
	if err != nil {
		return fmt.Errorf("bump ledger version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger_state`).Scan(&exists); err == nil && exists == 0 {
			return ErrLedgerNotInitialized
		}
		return ErrVersionConflict
	}

	var dist, locked string
	if err := tx.QueryRowContext(ctx,
		`SELECT distributed, locked FROM ledger_balances WHERE category = ?`, string(flow.Category)).
		Scan(&dist, &locked); err != nil {
		return fmt.Errorf("read balance %s: %w", flow.Category, err)
	}
	var dec decoder
	curDist := dec.decimal("ledger_balances.distributed", dist)
	curLocked := dec.decimal("ledger_balances.locked", locked)
	if dec.err != nil {
		return dec.err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE ledger_balances SET distributed = ?, locked = ? WHERE category = ?`,
		curDist.Add(flow.Amount).String(),
		curLocked.Sub(flow.Amount).String(),
		string(flow.Category)); err != nil {
		return fmt.Errorf("update balance %s: %w", flow.Category, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO token_flows (id, timestamp, category, amount, destination, reason, tx_ref)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		flow.ID, formatTime(flow.Timestamp), string(flow.Category), flow.Amount.String(),
		flow.Destination, flow.Reason, flow.TxRef); err != nil {
		return fmt.Errorf("insert flow: %w", err)
	}
	return tx.Commit()
}

// --- Staking ---

func (s *SQLiteStore) SavePosition(ctx context.Context, pos model.StakingPosition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO staking_positions (id, user_ref, tier, amount, start_time) VALUES (?, ?, ?, ?, ?)`,
		pos.ID, pos.UserRef, pos.Tier, pos.Amount.String(), formatTime(pos.StartTime))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("position %s: %w", pos.ID, ErrDuplicate)
	}
	return err
}

func (s *SQLiteStore) ListPositions(ctx context.Context) ([]model.StakingPosition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_ref, tier, amount, start_time FROM staking_positions ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StakingPosition
	for rows.Next() {
		var p model.StakingPosition
		var amt, start string
		if err := rows.Scan(&p.ID, &p.UserRef, &p.Tier, &amt, &start); err != nil {
			return nil, err
		}
		var dec decoder
		p.Amount = dec.decimal("staking_positions.amount", amt)
		p.StartTime = dec.time("staking_positions.start_time", start)
		if dec.err != nil {
			return nil, dec.err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveStakingSummary(ctx context.Context, sum model.StakingSummary) error {
	body, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO staking_summaries (computed_at, body) VALUES (?, ?)`,
		formatTime(sum.ComputedAt), string(body))
	return err
}

func (s *SQLiteStore) LatestStakingSummary(ctx context.Context) (*model.StakingSummary, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM staking_summaries ORDER BY seq DESC LIMIT 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sum model.StakingSummary
	if err := json.Unmarshal([]byte(body), &sum); err != nil {
		return nil, fmt.Errorf("decode staking summary: %w", err)
	}
	return &sum, nil
}

// --- Supply ---

func (s *SQLiteStore) SaveSupplyReport(ctx context.Context, r model.SupplyReport) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO supply_reports (reported_at, current_supply, burned) VALUES (?, ?, ?)`,
		formatTime(r.ReportedAt), r.CurrentSupply.String(), r.Burned.String())
	return err
}

func (s *SQLiteStore) LatestSupplyReport(ctx context.Context) (*model.SupplyReport, error) {
	var r model.SupplyReport
	var at, supply, burned string
	err := s.db.QueryRowContext(ctx,
		`SELECT reported_at, current_supply, burned FROM supply_reports ORDER BY seq DESC LIMIT 1`).
		Scan(&at, &supply, &burned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var dec decoder
	r.ReportedAt = dec.time("supply_reports.reported_at", at)
	r.CurrentSupply = dec.decimal("supply_reports.current_supply", supply)
	r.Burned = dec.decimal("supply_reports.burned", burned)
	if dec.err != nil {
		return nil, dec.err
	}
	return &r, nil
}

// --- Findings ---

func (s *SQLiteStore) RecordDiscrepancies(ctx context.Context, source model.Source, batch []model.Discrepancy) ([]model.Discrepancy, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	previous := make(map[string]bool)
	rows, err := tx.QueryContext(ctx, `SELECT fingerprint FROM active_findings WHERE source = ?`, string(source))
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			rows.Close()
			return nil, err
		}
		previous[fp] = true
	}
	rows.Close()

	fresh := newFindings(previous, batch)

	if _, err := tx.ExecContext(ctx, `DELETE FROM active_findings WHERE source = ?`, string(source)); err != nil {
		return nil, err
	}
	for _, d := range batch {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO active_findings (source, fingerprint) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			string(source), d.Fingerprint); err != nil {
			return nil, err
		}
	}
	for _, d := range fresh {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO discrepancies (id, timestamp, source, kind, description, expected_label, actual_label,
			                            expected, actual, difference, percent_diff, severity, fingerprint)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, formatTime(d.Timestamp), string(d.Source), string(d.Kind), d.Description,
			d.ExpectedLabel, d.ActualLabel,
			d.Expected.String(), d.Actual.String(), d.Difference.String(), d.PercentDiff.String(),
			string(d.Severity), d.Fingerprint); err != nil {
			return nil, fmt.Errorf("insert discrepancy: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM discrepancies WHERE source = ? AND seq NOT IN (
			SELECT seq FROM discrepancies WHERE source = ? ORDER BY seq DESC LIMIT ?)`,
		string(source), string(source), DiscrepancyRetention); err != nil {
		return nil, fmt.Errorf("prune discrepancies: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (s *SQLiteStore) ListDiscrepancies(ctx context.Context, source model.Source, limit int) ([]model.Discrepancy, error) {
	q := `SELECT id, timestamp, source, kind, description, expected_label, actual_label,
	             expected, actual, difference, percent_diff, severity, fingerprint
	      FROM discrepancies`
	args := []any{}
	if source != "" {
		q += ` WHERE source = ?`
		args = append(args, string(source))
	}
	q += ` ORDER BY seq DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Discrepancy
	for rows.Next() {
		var d model.Discrepancy
		var ts, src, kind, exp, act, diff, pct, sev string
		if err := rows.Scan(&d.ID, &ts, &src, &kind, &d.Description, &d.ExpectedLabel, &d.ActualLabel,
			&exp, &act, &diff, &pct, &sev, &d.Fingerprint); err != nil {
			return nil, err
		}
		var dec decoder
		d.Timestamp = dec.time("discrepancies.timestamp", ts)
		d.Source = model.Source(src)
		d.Kind = model.Kind(kind)
		d.Severity = model.Severity(sev)
		d.Expected = dec.decimal("discrepancies.expected", exp)
		d.Actual = dec.decimal("discrepancies.actual", act)
		d.Difference = dec.decimal("discrepancies.difference", diff)
		d.PercentDiff = dec.decimal("discrepancies.percent_diff", pct)
		if dec.err != nil {
			return nil, dec.err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Runs ---

func (s *SQLiteStore) SaveRun(ctx context.Context, run model.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var detail sql.NullString
	if len(run.Detail) > 0 {
		detail = sql.NullString{String: string(run.Detail), Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, source, started_at, finished_at, passed, errors, warnings, discrepancies, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Source), formatTime(run.StartedAt), formatTime(run.FinishedAt),
		run.Passed, run.Errors, run.Warnings, run.Discrepancies, detail); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM runs WHERE source = ? AND seq NOT IN (
			SELECT seq FROM runs WHERE source = ? ORDER BY seq DESC LIMIT ?)`,
		string(run.Source), string(run.Source), RunRetention); err != nil {
		return fmt.Errorf("prune runs: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) LatestRun(ctx context.Context, source model.Source) (*model.Run, error) {
	runs, err := s.ListRuns(ctx, source, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return &runs[0], nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, source model.Source, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = RunRetention
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, started_at, finished_at, passed, errors, warnings, discrepancies, detail
		 FROM runs WHERE source = ? ORDER BY seq DESC LIMIT ?`, string(source), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		var r model.Run
		var src, started, finished string
		var detail sql.NullString
		if err := rows.Scan(&r.ID, &src, &started, &finished, &r.Passed,
			&r.Errors, &r.Warnings, &r.Discrepancies, &detail); err != nil {
			return nil, err
		}
		r.Source = model.Source(src)
		var dec decoder
		r.StartedAt = dec.time("runs.started_at", started)
		r.FinishedAt = dec.time("runs.finished_at", finished)
		if dec.err != nil {
			return nil, dec.err
		}
		if detail.Valid {
			r.Detail = json.RawMessage(detail.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Health reports ---

func (s *SQLiteStore) SaveHealthReport(ctx context.Context, r model.HealthReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO health_reports (id, timestamp, health_score, body) VALUES (?, ?, ?, ?)`,
		r.ID, formatTime(r.Timestamp), r.HealthScore, string(body)); err != nil {
		return fmt.Errorf("insert health report: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM health_reports WHERE seq NOT IN (
			SELECT seq FROM health_reports ORDER BY seq DESC LIMIT ?)`, ReportRetention); err != nil {
		return fmt.Errorf("prune health reports: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) LatestHealthReport(ctx context.Context) (*model.HealthReport, error) {
	reports, err := s.ListHealthReports(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, ErrNotFound
	}
	return &reports[0], nil
}

func (s *SQLiteStore) ListHealthReports(ctx context.Context, limit int) ([]model.HealthReport, error) {
	if limit <= 0 {
		limit = ReportRetention
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM health_reports ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HealthReport
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r model.HealthReport
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("decode health report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
