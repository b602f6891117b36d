// Package runs records the outcome of a consistency pass: the findings are
// deduplicated into the discrepancy log, a Run summary is persisted, and
// listeners (the alert feed) are told about anything new.
package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hypetoken/ledger-engine/internal/logging"
	"github.com/hypetoken/ledger-engine/internal/metrics"
	"github.com/hypetoken/ledger-engine/internal/model"
	"github.com/hypetoken/ledger-engine/internal/store"
)

// Listener is notified after a pass is persisted. fresh holds only the
// discrepancies that were not active in the previous pass.
type Listener interface {
	PassRecorded(run model.Run, fresh []model.Discrepancy)
}

// Outcome is what a pass hands to the recorder.
type Outcome struct {
	Source    model.Source
	StartedAt time.Time
	Findings  []model.Finding
	Errors    int
	Warnings  int
	Passed    bool
	Detail    any
}

// Recorder persists pass outcomes.
type Recorder struct {
	store    store.Store
	listener Listener
	now      func() time.Time
}

// NewRecorder creates a recorder over st. listener may be nil.
func NewRecorder(st store.Store, listener Listener) *Recorder {
	return &Recorder{store: st, listener: listener, now: time.Now}
}

// Record writes the findings and run summary of one pass and returns the
// persisted run with the newly appended discrepancies.
func (r *Recorder) Record(ctx context.Context, o Outcome) (*model.Run, []model.Discrepancy, error) {
	now := r.now().UTC()

	batch := make([]model.Discrepancy, 0, len(o.Findings))
	for _, f := range o.Findings {
		batch = append(batch, model.NewDiscrepancy(o.Source, f, now))
	}
	fresh, err := r.store.RecordDiscrepancies(ctx, o.Source, batch)
	if err != nil {
		return nil, nil, fmt.Errorf("record %s discrepancies: %w", o.Source, err)
	}

	run := model.Run{
		ID:            uuid.New().String(),
		Source:        o.Source,
		StartedAt:     o.StartedAt.UTC(),
		FinishedAt:    now,
		Passed:        o.Passed,
		Errors:        o.Errors,
		Warnings:      o.Warnings,
		Discrepancies: len(batch),
	}
	if o.Detail != nil {
		raw, err := json.Marshal(o.Detail)
		if err != nil {
			return nil, nil, fmt.Errorf("encode %s detail: %w", o.Source, err)
		}
		run.Detail = raw
	}
	if err := r.store.SaveRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("save %s run: %w", o.Source, err)
	}

	logger := logging.L(ctx)
	metrics.ActiveDiscrepancies.WithLabelValues(string(o.Source)).Set(float64(len(batch)))
	for _, d := range fresh {
		metrics.Discrepancies.WithLabelValues(string(d.Source), string(d.Severity)).Inc()
		level := slog.LevelWarn
		if d.Severity == model.SeverityCritical {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "discrepancy detected",
			"source", d.Source,
			"kind", d.Kind,
			"severity", d.Severity,
			"description", d.Description,
			"expected", d.Expected.String(),
			"actual", d.Actual.String(),
			"difference", d.Difference.String(),
		)
	}

	logger.Info("pass finished",
		"source", o.Source,
		"passed", run.Passed,
		"errors", run.Errors,
		"warnings", run.Warnings,
		"discrepancies", run.Discrepancies,
		"new", len(fresh),
		"duration_ms", now.Sub(run.StartedAt).Milliseconds(),
	)

	if r.listener != nil {
		r.listener.PassRecorded(run, fresh)
	}
	return &run, fresh, nil
}
