package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/fraudstream/internal/decisions"
	"github.com/mbd888/fraudstream/internal/events"
)

// RepublishReport summarizes one Republisher run.
type RepublishReport struct {
	Scanned     int `json:"scanned"`
	Republished int `json:"republished"`
	Failed      int `json:"failed"`
}

// Republisher closes the gap left by a failed publish: it re-publishes
// stored events that still have no decision.
type Republisher struct {
	events    events.Store
	decisions decisions.Store
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewRepublisher creates a Republisher.
func NewRepublisher(es events.Store, ds decisions.Store, publisher Publisher, logger *slog.Logger) *Republisher {
	return &Republisher{events: es, decisions: ds, publisher: publisher, logger: logger, now: time.Now}
}

// Run pages through events stored more than olderThan ago and publishes
// those without a decision, stopping after limit publish attempts. Decided
// events are skipped without counting against limit. The age filter leaves
// recent events to the consumer. Per-event publish failures are counted,
// not returned.
func (r *Republisher) Run(ctx context.Context, olderThan time.Duration, limit int) (*RepublishReport, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := r.now().Add(-olderThan)
	report := &RepublishReport{}

	var cursor events.Cursor
	for report.Republished+report.Failed < limit {
		page, err := r.events.ListBefore(ctx, cutoff, cursor, limit)
		if err != nil {
			return report, fmt.Errorf("%w: %w", ErrStorage, err)
		}

		for _, e := range page {
			if report.Republished+report.Failed >= limit {
				return report, nil
			}
			if err := ctx.Err(); err != nil {
				return report, err
			}
			report.Scanned++
			cursor = events.CursorOf(e)

			_, err := r.decisions.Get(ctx, e.ID)
			if err == nil {
				continue
			}
			if !errors.Is(err, decisions.ErrNotFound) {
				return report, fmt.Errorf("%w: %w", ErrStorage, err)
			}
			r.republish(ctx, e, report)
		}

		if len(page) < limit {
			break
		}
	}
	return report, nil
}

func (r *Republisher) republish(ctx context.Context, e *events.Event, report *RepublishReport) {
	payload, err := e.ToPayload().Encode()
	if err == nil {
		err = r.publisher.Publish(ctx, e.ID, payload)
	}
	if err != nil {
		report.Failed++
		r.logger.Warn("republish failed", "event_id", e.ID, "error", err)
		return
	}
	report.Republished++
	r.logger.Info("event republished", "event_id", e.ID)
}
