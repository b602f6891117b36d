package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hypetoken/ledger-engine/internal/model"
	"github.com/hypetoken/ledger-engine/internal/tokenomics"
)

func openTestSQLite(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenSQLite_Pragmas(t *testing.T) {
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "ledger.db"))
	ctx := context.Background()

	var mode string
	if err := s.db.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}

	var timeout, fk int
	if err := s.db.QueryRowContext(ctx, `PRAGMA busy_timeout`).Scan(&timeout); err != nil {
		t.Fatal(err)
	}
	if timeout != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", timeout)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA foreign_keys`).Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

func TestSQLite_TwoHandlesShareFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	a := openTestSQLite(t, path)
	b := openTestSQLite(t, path)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for _, s := range []*SQLiteStore{a, b} {
		wg.Add(1)
		go func(s *SQLiteStore) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				errs <- s.SaveSupplyReport(ctx, model.SupplyReport{
					ReportedAt:    time.Now(),
					CurrentSupply: decimal.NewFromInt(int64(i)),
					Burned:        decimal.Zero,
				})
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent write: %v", err)
		}
	}
}

func TestSQLite_CorruptBalanceIsNotOverwritten(t *testing.T) {
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "ledger.db"))
	ctx := context.Background()

	if err := s.InitLedger(ctx, map[tokenomics.Category]decimal.Decimal{
		tokenomics.Presale: decimal.NewFromInt(1000),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE ledger_balances SET distributed = 'x' WHERE category = ?`, string(tokenomics.Presale)); err != nil {
		t.Fatal(err)
	}

	if _, err := s.LedgerSnapshot(ctx); !errors.Is(err, ErrCorrupt) {
		t.Errorf("snapshot err = %v, want ErrCorrupt", err)
	}

	err := s.CommitFlow(ctx, 0, model.TokenFlow{
		ID:        "f1",
		Timestamp: time.Now(),
		Category:  tokenomics.Presale,
		Amount:    decimal.NewFromInt(10),
	})
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("commit err = %v, want ErrCorrupt", err)
	}

	var dist string
	var version int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT distributed FROM ledger_balances WHERE category = ?`, string(tokenomics.Presale)).Scan(&dist); err != nil {
		t.Fatal(err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM ledger_state WHERE id = 1`).Scan(&version); err != nil {
		t.Fatal(err)
	}
	if dist != "x" || version != 0 {
		t.Errorf("corrupt row rewritten: distributed %q version %d", dist, version)
	}
}

func TestParseDecimal(t *testing.T) {
	if v, err := parseDecimal("col", "12.5"); err != nil || !v.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("parseDecimal = %s, %v", v, err)
	}
	if _, err := parseDecimal("col", ""); !errors.Is(err, ErrCorrupt) {
		t.Errorf("empty decimal err = %v", err)
	}
	if _, err := parseTime("col", "yesterday"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("bad time err = %v", err)
	}
}
