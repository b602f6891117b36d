package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/hypetoken/ledger-engine/internal/ledger"
	"github.com/hypetoken/ledger-engine/internal/scheduler"
	"github.com/hypetoken/ledger-engine/internal/staking"
	"github.com/hypetoken/ledger-engine/internal/store"
	"github.com/hypetoken/ledger-engine/internal/tokenomics"
)

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tokenomics.ErrUnknownCategory),
		errors.Is(err, tokenomics.ErrUnknownTier),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, staking.ErrInvalidAmount),
		errors.Is(err, staking.ErrBelowMinimum):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrExceedsAllocation),
		errors.Is(err, ledger.ErrExceedsVested),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, store.ErrDuplicate),
		errors.Is(err, scheduler.ErrJobRunning):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, scheduler.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, store.ErrLedgerNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeErr writes err with its mapped status. Internal errors are logged
// and their text is not echoed.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseDecimal(v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, errors.New("empty")
	}
	return decimal.NewFromString(v)
}
