package store

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(col, s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s %q: %v", ErrCorrupt, col, s, err)
	}
	return t, nil
}

func parseDecimal(col, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q: %v", ErrCorrupt, col, s, err)
	}
	return d, nil
}

// decoder keeps the first column failure while a row is decoded.
type decoder struct {
	err error
}

func (d *decoder) decimal(col, s string) decimal.Decimal {
	v, err := parseDecimal(col, s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return v
}

func (d *decoder) time(col, s string) time.Time {
	v, err := parseTime(col, s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return v
}
