package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/hypetoken/ledger-engine/internal/model"
	"github.com/hypetoken/ledger-engine/internal/store/migrations"
	"github.com/hypetoken/ledger-engine/internal/tokenomics"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All token amounts are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies pending schema migrations through the pool.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	return migrations.Up(ctx, db, migrations.Postgres)
}

// --- Ledger ---

func (s *PostgresStore) InitLedger(ctx context.Context, allocations map[tokenomics.Category]decimal.Decimal) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO ledger_state (id, version) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("init ledger state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		for c, amt := range allocations {
			if _, err := tx.Exec(ctx,
				`INSERT INTO ledger_balances (category, distributed, locked) VALUES ($1, 0, $2::NUMERIC)`,
				string(c), amt.String()); err != nil {
				return fmt.Errorf("init balance %s: %w", c, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) LedgerSnapshot(ctx context.Context) (*model.LedgerSnapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	st := model.LedgerState{
		Distributed: make(map[tokenomics.Category]decimal.Decimal),
		Locked:      make(map[tokenomics.Category]decimal.Decimal),
	}
	var updated *time.Time
	err = tx.QueryRow(ctx, `SELECT version, updated_at FROM ledger_state WHERE id = 1`).
		Scan(&st.Version, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLedgerNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger state: %w", err)
	}
	if updated != nil {
		st.UpdatedAt = *updated
	}

	rows, err := tx.Query(ctx, `SELECT category, distributed::TEXT, locked::TEXT FROM ledger_balances`)
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

	flowRows, err := tx.Query(ctx,
		`SELECT id, timestamp, category, amount::TEXT, destination, reason, tx_ref
		 FROM token_flows ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer flowRows.Close()

	var flows []model.TokenFlow
	for flowRows.Next() {
		var f model.TokenFlow
		var c, amt string
		if err := flowRows.Scan(&f.ID, &f.Timestamp, &c, &amt, &f.Destination, &f.Reason, &f.TxRef); err != nil {
			return nil, err
		}
		f.Category = tokenomics.Category(c)
		if f.Amount, err = parseDecimal("token_flows.amount", amt); err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	if err := flowRows.Err(); err != nil {
		return nil, err
	}
	return &model.LedgerSnapshot{State: st, Flows: flows}, nil
}

func (s *PostgresStore) CommitFlow(ctx context.Context, expectedVersion int64, flow model.TokenFlow) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE ledger_state SET version = version + 1, updated_at = $2
			 WHERE id = 1 AND version = $1`, expectedVersion, flow.Timestamp)
		if err != nil {
			return fmt.Errorf("bump ledger version: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_state)`).Scan(&exists); err == nil && !exists {
				return ErrLedgerNotInitialized
			}
			return ErrVersionConflict
		}

		if _, err := tx.Exec(ctx,
			`UPDATE ledger_balances
			 SET distributed = distributed + $2::NUMERIC, locked = locked - $2::NUMERIC
			 WHERE category = $1`,
			string(flow.Category), flow.Amount.String()); err != nil {
			return fmt.Errorf("update balance %s: %w", flow.Category, err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO token_flows (id, timestamp, category, amount, destination, reason, tx_ref)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
			flow.ID, flow.Timestamp, string(flow.Category), flow.Amount.String(),
			flow.Destination, flow.Reason, flow.TxRef); err != nil {
			return fmt.Errorf("insert flow: %w", err)
		}
		return nil
	})
}

// --- Staking ---

func (s *PostgresStore) SavePosition(ctx context.Context, pos model.StakingPosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO staking_positions (id, user_ref, tier, amount, start_time)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		pos.ID, pos.UserRef, pos.Tier, pos.Amount.String(), pos.StartTime)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("position %s: %w", pos.ID, ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.StakingPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_ref, tier, amount::TEXT, start_time FROM staking_positions ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StakingPosition
	for rows.Next() {
		var p model.StakingPosition
		var amt string
		if err := rows.Scan(&p.ID, &p.UserRef, &p.Tier, &amt, &p.StartTime); err != nil {
			return nil, err
		}
		if p.Amount, err = parseDecimal("staking_positions.amount", amt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveStakingSummary(ctx context.Context, sum model.StakingSummary) error {
	body, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO staking_summaries (computed_at, body) VALUES ($1, $2)`, sum.ComputedAt, body)
	return err
}

func (s *PostgresStore) LatestStakingSummary(ctx context.Context) (*model.StakingSummary, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM staking_summaries ORDER BY seq DESC LIMIT 1`).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sum model.StakingSummary
	if err := json.Unmarshal(body, &sum); err != nil {
		return nil, fmt.Errorf("decode staking summary: %w", err)
	}
	return &sum, nil
}

// --- Supply ---

func (s *PostgresStore) SaveSupplyReport(ctx context.Context, r model.SupplyReport) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO supply_reports (reported_at, current_supply, burned)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC)`,
		r.ReportedAt, r.CurrentSupply.String(), r.Burned.String())
	return err
}

func (s *PostgresStore) LatestSupplyReport(ctx context.Context) (*model.SupplyReport, error) {
	var r model.SupplyReport
	var supply, burned string
	err := s.pool.QueryRow(ctx,
		`SELECT reported_at, current_supply::TEXT, burned::TEXT
		 FROM supply_reports ORDER BY seq DESC LIMIT 1`).
		Scan(&r.ReportedAt, &supply, &burned)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var dec decoder
	r.CurrentSupply = dec.decimal("supply_reports.current_supply", supply)
	r.Burned = dec.decimal("supply_reports.burned", burned)
	if dec.err != nil {
		return nil, dec.err
	}
	return &r, nil
}

// --- Findings ---

func (s *PostgresStore) RecordDiscrepancies(ctx context.Context, source model.Source, batch []model.Discrepancy) ([]model.Discrepancy, error) {
	var fresh []model.Discrepancy
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serialize passes of the same source.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "findings:"+string(source)); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `SELECT fingerprint FROM active_findings WHERE source = $1`, string(source))
		if err != nil {
			return err
		}
		previous := make(map[string]bool)
		for rows.Next() {
			var fp string
			if err := rows.Scan(&fp); err != nil {
				rows.Close()
				return err
			}
			previous[fp] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		fresh = newFindings(previous, batch)

		b := &pgx.Batch{}
		b.Queue(`DELETE FROM active_findings WHERE source = $1`, string(source))
		for _, d := range batch {
			b.Queue(`INSERT INTO active_findings (source, fingerprint) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				string(source), d.Fingerprint)
		}
		for _, d := range fresh {
			b.Queue(`INSERT INTO discrepancies (id, timestamp, source, kind, description, expected_label, actual_label,
			                                    expected, actual, difference, percent_diff, severity, fingerprint)
			         VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13)`,
				d.ID, d.Timestamp, string(d.Source), string(d.Kind), d.Description,
				d.ExpectedLabel, d.ActualLabel,
				d.Expected.String(), d.Actual.String(), d.Difference.String(), d.PercentDiff.String(),
				string(d.Severity), d.Fingerprint)
		}
		b.Queue(`DELETE FROM discrepancies WHERE source = $1 AND seq NOT IN (
			SELECT seq FROM discrepancies WHERE source = $1 ORDER BY seq DESC LIMIT $2)`,
			string(source), DiscrepancyRetention)
		return tx.SendBatch(ctx, b).Close()
	})
	if err != nil {
		return nil, fmt.Errorf("record discrepancies: %w", err)
	}
	return fresh, nil
}

func (s *PostgresStore) ListDiscrepancies(ctx context.Context, source model.Source, limit int) ([]model.Discrepancy, error) {
	if limit <= 0 {
		limit = DiscrepancyRetention * len(model.Sources)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, timestamp, source, kind, description, expected_label, actual_label,
		        expected::TEXT, actual::TEXT, difference::TEXT, percent_diff::TEXT, severity, fingerprint
		 FROM discrepancies
		 WHERE $1 = '' OR source = $1
		 ORDER BY timestamp DESC, seq DESC LIMIT $2`, string(source), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Discrepancy
	for rows.Next() {
		var d model.Discrepancy
		var src, kind, exp, act, diff, pct, sev string
		if err := rows.Scan(&d.ID, &d.Timestamp, &src, &kind, &d.Description, &d.ExpectedLabel, &d.ActualLabel,
			&exp, &act, &diff, &pct, &sev, &d.Fingerprint); err != nil {
			return nil, err
		}
		d.Source = model.Source(src)
		d.Kind = model.Kind(kind)
		d.Severity = model.Severity(sev)
		var dec decoder
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

func (s *PostgresStore) SaveRun(ctx context.Context, run model.Run) error {
	var detail []byte
	if len(run.Detail) > 0 {
		detail = run.Detail
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO runs (id, source, started_at, finished_at, passed, errors, warnings, discrepancies, detail)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			run.ID, string(run.Source), run.StartedAt, run.FinishedAt,
			run.Passed, run.Errors, run.Warnings, run.Discrepancies, detail); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		_, err := tx.Exec(ctx,
			`DELETE FROM runs WHERE source = $1 AND seq NOT IN (
				SELECT seq FROM runs WHERE source = $1 ORDER BY seq DESC LIMIT $2)`,
			string(run.Source), RunRetention)
		return err
	})
}

func (s *PostgresStore) LatestRun(ctx context.Context, source model.Source) (*model.Run, error) {
	runs, err := s.ListRuns(ctx, source, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return &runs[0], nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, source model.Source, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = RunRetention
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, source, started_at, finished_at, passed, errors, warnings, discrepancies, detail
		 FROM runs WHERE source = $1 ORDER BY seq DESC LIMIT $2`, string(source), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		var r model.Run
		var src string
		var detail []byte
		if err := rows.Scan(&r.ID, &src, &r.StartedAt, &r.FinishedAt, &r.Passed,
			&r.Errors, &r.Warnings, &r.Discrepancies, &detail); err != nil {
			return nil, err
		}
		r.Source = model.Source(src)
		if len(detail) > 0 {
			r.Detail = detail
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Health reports ---

func (s *PostgresStore) SaveHealthReport(ctx context.Context, r model.HealthReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO health_reports (id, timestamp, health_score, body) VALUES ($1, $2, $3, $4)`,
			r.ID, r.Timestamp, r.HealthScore, body); err != nil {
			return fmt.Errorf("insert health report: %w", err)
		}
		_, err := tx.Exec(ctx,
			`DELETE FROM health_reports WHERE seq NOT IN (
				SELECT seq FROM health_reports ORDER BY seq DESC LIMIT $1)`, ReportRetention)
		return err
	})
}

func (s *PostgresStore) LatestHealthReport(ctx context.Context) (*model.HealthReport, error) {
	reports, err := s.ListHealthReports(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, ErrNotFound
	}
	return &reports[0], nil
}

func (s *PostgresStore) ListHealthReports(ctx context.Context, limit int) ([]model.HealthReport, error) {
	if limit <= 0 {
		limit = ReportRetention
	}
	rows, err := s.pool.Query(ctx,
		`SELECT body FROM health_reports ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HealthReport
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r model.HealthReport
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("decode health report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
