// Package monitoring surfaces pipeline health: per-source freshness, queue
// depth, and record counts, with webhook alerts for the conditions that need
// an operator.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/claimguardian/ingest-cli/internal/model"
	"github.com/claimguardian/ingest-cli/internal/queue"
)

// SourceHealth is one source's freshness view.
type SourceHealth struct {
	ID                  string       `json:"id"`
	Family              model.Family `json:"family"`
	Disabled            bool         `json:"disabled"`
	Stale               bool         `json:"stale"`
	LastSuccessAt       *time.Time   `json:"last_success_at,omitempty"`
	SinceSuccess        string       `json:"since_success,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	SchemaFailures      int          `json:"schema_failures"`
}

// HealthSnapshot holds a point-in-time view of pipeline health.
type HealthSnapshot struct {
	Sources     []SourceHealth             `json:"sources"`
	Queue       queue.Stats                `json:"queue"`
	Records     map[model.RecordKind]int64 `json:"records"`
	CollectedAt time.Time                  `json:"collected_at"`
}

// Healthy reports whether nothing in the snapshot needs attention.
func (s *HealthSnapshot) Healthy() bool {
	for _, src := range s.Sources {
		if src.Stale || src.Disabled {
			return false
		}
	}
	return true
}

// SourceLister abstracts the scheduler state methods needed by the collector.
type SourceLister interface {
	List(ctx context.Context) ([]model.SourceDescriptor, error)
}

// QueueStatser abstracts the queue stats method.
type QueueStatser interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// RecordCounter abstracts the store count method.
type RecordCounter interface {
	CountsByKind(ctx context.Context) (map[model.RecordKind]int64, error)
}

// Collector gathers health snapshots from the scheduler state, queue, and
// record store.
type Collector struct {
	sources SourceLister
	queue   QueueStatser
	records RecordCounter

	// staleFactor stretches each source's cadence into a freshness budget:
	// a source is stale once its last success is older than factor * cadence.
	staleFactor float64
	nowFunc     func() time.Time
}

// NewCollector creates a health collector.
func NewCollector(sources SourceLister, q QueueStatser, records RecordCounter, staleFactor float64) *Collector {
	if staleFactor <= 1 {
		staleFactor = 2
	}
	return &Collector{
		sources:     sources,
		queue:       q,
		records:     records,
		staleFactor: staleFactor,
		nowFunc:     func() time.Time { return time.Now().UTC() },
	}
}

// Collect gathers a snapshot of pipeline health.
func (c *Collector) Collect(ctx context.Context) (*HealthSnapshot, error) {
	now := c.nowFunc()
	snap := &HealthSnapshot{
		Records:     map[model.RecordKind]int64{},
		CollectedAt: now,
	}

	sources, err := c.sources.List(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list sources")
	}
	for _, src := range sources {
		health := SourceHealth{
			ID:                  src.ID,
			Family:              src.Family,
			Disabled:            src.Disabled,
			LastSuccessAt:       src.LastSuccessAt,
			ConsecutiveFailures: src.ConsecutiveFailures,
			SchemaFailures:      src.SchemaFailures,
		}
		health.Stale = c.isStale(src, now)
		if src.LastSuccessAt != nil {
			health.SinceSuccess = now.Sub(*src.LastSuccessAt).Round(time.Minute).String()
		}
		snap.Sources = append(snap.Sources, health)
	}

	stats, err := c.queue.Stats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: queue stats")
	}
	snap.Queue = stats

	counts, err := c.records.CountsByKind(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: record counts")
	}
	snap.Records = counts

	return snap, nil
}

// isStale reports whether a source has gone too long without a success.
// Disabled sources are excluded; they are reported separately. A source
// that has run but never succeeded is stale once past its freshness budget
// from first run.
func (c *Collector) isStale(src model.SourceDescriptor, now time.Time) bool {
	if src.Disabled || src.Cadence <= 0 {
		return false
	}
	budget := time.Duration(float64(src.Cadence) * c.staleFactor)
	anchor := src.LastSuccessAt
	if anchor == nil {
		anchor = src.LastRunAt
	}
	if anchor == nil {
		return false
	}
	return now.Sub(*anchor) > budget
}
