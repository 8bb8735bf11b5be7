// Package quota tracks per-user, per-day metered API usage against a daily
// ceiling and classifies the result into normal/warning/critical bands.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/krroki/Dhacle-sub006/instrumentation"
	"github.com/krroki/Dhacle-sub006/security"
	"github.com/krroki/Dhacle-sub006/storage"
)

const (
	// DefaultDailyLimit matches the YouTube Data API default project
	// quota. Overridable per deployment since actual ceilings vary by
	// API tier.
	DefaultDailyLimit int64 = 10000

	// WarningThresholdPct and CriticalThresholdPct are the percentage
	// bands for the advisory flags.
	WarningThresholdPct  = 80.0
	CriticalThresholdPct = 95.0

	// dayKeyLayout formats the UTC calendar day a record belongs to.
	dayKeyLayout = "2006-01-02"
)

// Status is the quota picture for one user's current UTC day.
type Status struct {
	Used       int64            `json:"used"`
	Limit      int64            `json:"limit"`
	Remaining  int64            `json:"remaining"`
	Percentage float64          `json:"percentage"`
	Warning    bool             `json:"warning"`
	Critical   bool             `json:"critical"`
	ResetAt    time.Time        `json:"resetAt"`
	Categories map[string]int64 `json:"categories,omitempty"`
}

// Exceeded reports whether usage has reached the ceiling. Advisory only:
// the tracker never blocks calls itself, that policy belongs to the caller.
func (s *Status) Exceeded() bool {
	return s.Used >= s.Limit
}

// Tracker records metered usage and reports quota status. All day
// boundaries are computed in UTC so resets are deterministic and auditable
// regardless of where the user or server sits.
type Tracker struct {
	store   storage.QuotaStore
	limit   int64
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
	now     func() time.Time
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithAuditor attaches a security auditor; threshold crossings are logged
// through it.
func WithAuditor(a *security.Auditor) Option {
	return func(t *Tracker) { t.auditor = a }
}

// WithMetrics attaches metric instruments; recorded units and threshold
// crossings are counted through them.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithClock injects a clock for deterministic day-boundary tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker over the given store. limit <= 0 selects
// DefaultDailyLimit.
func New(store storage.QuotaStore, limit int64, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = DefaultDailyLimit
	}

	t := &Tracker{
		store:  store,
		limit:  limit,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// DayKey returns the UTC calendar day key for an instant.
func DayKey(t time.Time) string {
	return t.UTC().Format(dayKeyLayout)
}

// RecordUsage atomically adds units of usage under a category for the
// current UTC day. The store performs the add atomically, so concurrent
// metered calls for the same user never lose updates. When the addition
// crosses the warning or critical threshold, the crossing is logged and
// audited once.
func (t *Tracker) RecordUsage(ctx context.Context, userID string, units int64, category string) error {
	if units < 0 {
		return fmt.Errorf("units must be non-negative, got %d", units)
	}
	if units == 0 {
		return nil
	}

	dayKey := DayKey(t.now())
	if err := t.store.AddUsage(ctx, userID, dayKey, units, category); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	t.metrics.RecordQuotaUnits(ctx, units, category)

	status, err := t.GetStatus(ctx, userID)
	if err != nil {
		// Usage landed; only the threshold check failed.
		t.logger.Warn("quota status check after record failed", "error", err)
		return nil
	}

	before := percentage(status.Used-units, t.limit)
	t.noteThresholdCrossing(ctx, userID, before, status)
	return nil
}

// noteThresholdCrossing logs warning/critical transitions exactly once, at
// the recording that crossed the line.
func (t *Tracker) noteThresholdCrossing(ctx context.Context, userID string, beforePct float64, status *Status) {
	switch {
	case status.Critical && beforePct < CriticalThresholdPct:
		t.logger.Warn("quota critical threshold crossed",
			"used", status.Used, "limit", status.Limit)
		t.metrics.RecordQuotaThreshold(ctx, "critical")
		if t.auditor != nil {
			t.auditor.LogQuotaThreshold(userID, "critical", status.Used, status.Limit)
		}
	case status.Warning && beforePct < WarningThresholdPct:
		t.logger.Info("quota warning threshold crossed",
			"used", status.Used, "limit", status.Limit)
		t.metrics.RecordQuotaThreshold(ctx, "warning")
		if t.auditor != nil {
			t.auditor.LogQuotaThreshold(userID, "warning", status.Used, status.Limit)
		}
	}
}

// GetStatus returns the user's quota status for the current UTC day. A user
// with no usage yet today gets a zeroed status, not an error.
func (t *Tracker) GetStatus(ctx context.Context, userID string) (*Status, error) {
	now := t.now()
	dayKey := DayKey(now)

	status := &Status{
		Limit:     t.limit,
		Remaining: t.limit,
		ResetAt:   nextUTCMidnight(now),
	}

	rec, err := t.store.GetUsage(ctx, userID, dayKey)
	if errors.Is(err, storage.ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quota status: %w", err)
	}

	status.Used = rec.UnitsUsed
	status.Remaining = t.limit - rec.UnitsUsed
	if status.Remaining < 0 {
		status.Remaining = 0
	}
	status.Percentage = percentage(rec.UnitsUsed, t.limit)
	status.Warning = status.Percentage >= WarningThresholdPct
	status.Critical = status.Percentage >= CriticalThresholdPct
	status.Categories = rec.CategoryCounts
	return status, nil
}

// percentage computes used/limit as a percentage, clamped at 0 for negative
// used values (which only occur in the before-crossing computation).
func percentage(used, limit int64) float64 {
	if used <= 0 || limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100.0
}

// nextUTCMidnight returns the next UTC day boundary after now, which is
// when the current day's counter stops accumulating and a fresh record
// takes over.
func nextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
