// Package ledger implements the allocation ledger: the running balance of
// released versus locked tokens per category and the append-only flow log.
//
// Every mutation goes through RecordFlow, which validates the request
// against the static allocation and the vesting schedule and then commits
// the three-part update (distributed += amount, locked -= amount, append
// flow) atomically through store.CommitFlow.
package ledger

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
	"github.com/hypetoken/ledger-engine/internal/retry"
	"github.com/hypetoken/ledger-engine/internal/store"
	"github.com/hypetoken/ledger-engine/internal/tokenomics"
	"github.com/hypetoken/ledger-engine/internal/traces"
)

var (
	// ErrInvalidAmount is returned for a non-positive or fractional amount.
	ErrInvalidAmount = errors.New("ledger: amount must be a positive whole number of tokens")

	// ErrExceedsAllocation is returned when a flow would release more than
	// the category's static allocation.
	ErrExceedsAllocation = errors.New("ledger: flow exceeds category allocation")

	// ErrExceedsVested is returned when a flow would release more than has
	// vested at the time of the request.
	ErrExceedsVested = errors.New("ledger: flow exceeds vested amount")
)

// LargeDistributionShare is the fraction of a category allocation above
// which a single flow carries a LargeDistribution warning.
var LargeDistributionShare = decimal.RequireFromString("0.10")

// WarningKind classifies a non-fatal flow warning.
type WarningKind string

const (
	LargeDistribution WarningKind = "large_distribution"
	WalletLimit       WarningKind = "wallet_limit"
)

// Warning is attached to a committed flow; it never blocks the commit.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Message string      `json:"message"`
}

// FlowRequest asks the ledger to release tokens from a category.
type FlowRequest struct {
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"destination"`
	Reason      string          `json:"reason"`
	TxRef       string          `json:"tx_ref,omitempty"`
}

// Receipt describes a committed flow.
type Receipt struct {
	Flow        model.TokenFlow `json:"flow"`
	Distributed decimal.Decimal `json:"distributed"`
	Locked      decimal.Decimal `json:"locked"`
	Vested      decimal.Decimal `json:"vested"`
	Warnings    []Warning       `json:"warnings,omitempty"`
}

// Ledger is the allocation ledger service. Safe for concurrent use; all
// serialisation happens in the store's versioned commit.
type Ledger struct {
	store  store.Store
	params tokenomics.Params
	now    func() time.Time
	policy retry.Policy
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock used for vesting and timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRetryPolicy overrides the backoff used on version conflicts.
func WithRetryPolicy(p retry.Policy) Option {
	return func(l *Ledger) { l.policy = p }
}

// New creates a ledger over st using params.
func New(st store.Store, params tokenomics.Params, opts ...Option) *Ledger {
	l := &Ledger{
		store:  st,
		params: params,
		now:    time.Now,
		policy: retry.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Params returns the static parameters the ledger validates against.
func (l *Ledger) Params() tokenomics.Params { return l.params }

// Init seeds the ledger state from the allocations. Idempotent.
func (l *Ledger) Init(ctx context.Context) error {
	allocs := make(map[tokenomics.Category]decimal.Decimal, len(l.params.Supply.Allocations))
	for c, a := range l.params.Supply.Allocations {
		allocs[c] = a.Amount
	}
	if err := l.store.InitLedger(ctx, allocs); err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}
	return nil
}

// Vested returns the amount of a unlocked at now for a launch at launch.
// Non-vested allocations are fully available; vested ones release linearly
// after the cliff and are floored to whole tokens.
func Vested(a tokenomics.Allocation, launch, now time.Time) decimal.Decimal {
	if !a.Vested {
		return a.Amount
	}
	days := tokenomics.DaysSince(launch, now)
	if days < a.CliffDays {
		return decimal.Zero
	}
	if days >= a.VestingDays {
		return a.Amount
	}
	elapsed := decimal.NewFromInt(int64(days - a.CliffDays))
	span := decimal.NewFromInt(int64(a.VestingDays - a.CliffDays))
	q, _ := a.Amount.Mul(elapsed).QuoRem(span, 0)
	return q
}

// VestedAmount returns the vested amount of category at now.
func (l *Ledger) VestedAmount(category tokenomics.Category, now time.Time) (decimal.Decimal, error) {
	a, ok := l.params.Supply.Allocations[category]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", tokenomics.ErrUnknownCategory, category)
	}
	return Vested(a, l.params.Supply.LaunchDate, now), nil
}

// RecordFlow validates req and commits it. Input errors never mutate
// state. Version conflicts are retried with backoff.
func (l *Ledger) RecordFlow(ctx context.Context, req FlowRequest) (receipt *Receipt, err error) {
	ctx, span := traces.StartSpan(ctx, "ledger.RecordFlow",
		traces.Category(req.Category), traces.Amount(req.Amount.String()))
	defer func() { traces.End(span, err) }()

	defer func() {
		if err != nil {
			metrics.FlowsRejected.WithLabelValues(rejectReason(err)).Inc()
		}
	}()

	cat, err := tokenomics.ParseCategory(req.Category)
	if err != nil {
		return nil, err
	}
	alloc, ok := l.params.Supply.Allocations[cat]
	if !ok {
		return nil, fmt.Errorf("%w: %q not configured", tokenomics.ErrUnknownCategory, cat)
	}
	if !req.Amount.IsPositive() || !req.Amount.IsInteger() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}

	now := l.now().UTC()
	flow := model.TokenFlow{
		ID:          uuid.New().String(),
		Timestamp:   now,
		Category:    cat,
		Amount:      req.Amount,
		Destination: req.Destination,
		Reason:      req.Reason,
		TxRef:       req.TxRef,
	}
	vested := Vested(alloc, l.params.Supply.LaunchDate, now)

	err = retry.Do(ctx, l.policy, func(attempt int) error {
		snap, err := l.store.LedgerSnapshot(ctx)
		if err != nil {
			return retry.Permanent(fmt.Errorf("read ledger: %w", err))
		}

		next := snap.State.Distributed[cat].Add(req.Amount)
		if next.GreaterThan(alloc.Amount) {
			return retry.Permanent(fmt.Errorf("%w: %s would bring %s to %s of %s",
				ErrExceedsAllocation, req.Amount, cat, next, alloc.Amount))
		}
		if next.GreaterThan(vested) {
			return retry.Permanent(fmt.Errorf("%w: %s would bring %s to %s, vested %s",
				ErrExceedsVested, req.Amount, cat, next, vested))
		}

		warnings := l.warnings(snap, alloc, flow)

		if err := l.store.CommitFlow(ctx, snap.State.Version, flow); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				metrics.CommitConflicts.Inc()
				slog.Debug("ledger commit conflict, retrying",
					"category", cat, "attempt", attempt, "version", snap.State.Version)
				return err
			}
			return retry.Permanent(fmt.Errorf("commit flow: %w", err))
		}

		receipt = &Receipt{
			Flow:        flow,
			Distributed: next,
			Locked:      alloc.Amount.Sub(next),
			Vested:      vested,
			Warnings:    warnings,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.FlowsRecorded.WithLabelValues(string(cat)).Inc()
	metrics.TokensDistributed.WithLabelValues(string(cat)).Set(receipt.Distributed.InexactFloat64())

	slog.Info("flow recorded",
		"id", flow.ID,
		"category", cat,
		"amount", req.Amount.String(),
		"destination", req.Destination,
		"distributed", receipt.Distributed.String(),
		"locked", receipt.Locked.String(),
	)
	for _, w := range receipt.Warnings {
		metrics.FlowWarnings.WithLabelValues(string(w.Kind)).Inc()
		slog.Warn("flow warning", "id", flow.ID, "kind", w.Kind, "message", w.Message)
	}
	return receipt, nil
}

func (l *Ledger) warnings(snap *model.LedgerSnapshot, alloc tokenomics.Allocation, flow model.TokenFlow) []Warning {
	var out []Warning

	if limit := alloc.Amount.Mul(LargeDistributionShare); flow.Amount.GreaterThan(limit) {
		out = append(out, Warning{
			Kind: LargeDistribution,
			Message: fmt.Sprintf("%s is more than %s%% of the %s allocation",
				flow.Amount, LargeDistributionShare.Shift(2), flow.Category),
		})
	}

	if maxWallet := l.params.MaxWalletTokens(); flow.Destination != "" && maxWallet.IsPositive() {
		inflow := flow.Amount
		for _, f := range snap.Flows {
			if f.Destination == flow.Destination {
				inflow = inflow.Add(f.Amount)
			}
		}
		if inflow.GreaterThan(maxWallet) {
			out = append(out, Warning{
				Kind: WalletLimit,
				Message: fmt.Sprintf("%s has received %s, above the %s wallet cap",
					flow.Destination, inflow, maxWallet),
			})
		}
	}
	return out
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, tokenomics.ErrUnknownCategory):
		return "unknown_category"
	case errors.Is(err, ErrExceedsAllocation):
		return "exceeds_allocation"
	case errors.Is(err, ErrExceedsVested):
		return "exceeds_vested"
	case errors.Is(err, store.ErrVersionConflict):
		return "conflict"
	default:
		return "error"
	}
}

// Snapshot returns the current ledger state and flow log.
func (l *Ledger) Snapshot(ctx context.Context) (*model.LedgerSnapshot, error) {
	return l.store.LedgerSnapshot(ctx)
}
