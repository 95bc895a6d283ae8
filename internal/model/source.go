// Package model defines the pipeline's core types: sources, raw documents,
// canonical records, and their enriched and stored forms.
package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Family groups data sources that share a connector implementation.
type Family string

const (
	FamilyRegulatory Family = "regulatory" // OIR bulletins, orders, memoranda
	FamilyFiling     Family = "filing"     // insurance rate filings
	FamilyParcel     Family = "parcel"     // county property rolls
)

// ParseFamily converts a string into a Family.
func ParseFamily(s string) (Family, error) {
	switch Family(s) {
	case FamilyRegulatory, FamilyFiling, FamilyParcel:
		return Family(s), nil
	default:
		return "", eris.Errorf("model: unknown source family %q", s)
	}
}

// FetchMode selects full or incremental ingestion for a connector run.
type FetchMode string

const (
	ModeFull        FetchMode = "full"
	ModeIncremental FetchMode = "incremental"
)

// SourceDescriptor identifies one external data source and its run state.
// The scheduler owns these rows exclusively; they are mutated only after a
// connector run completes.
type SourceDescriptor struct {
	ID                  string        `json:"id"`
	Family              Family        `json:"family"`
	Endpoint            string        `json:"endpoint"`
	FetchMode           FetchMode     `json:"fetch_mode"`
	Cadence             time.Duration `json:"cadence"`
	LastRunAt           *time.Time    `json:"last_run_at,omitempty"`
	LastSuccessAt       *time.Time    `json:"last_success_at,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	SchemaFailures      int           `json:"schema_failures"`
	Disabled            bool          `json:"disabled"`
}

// EffectiveCadence returns the cadence stretched by exponential backoff:
// cadence * 2^min(consecutiveFailures, cap).
func (s *SourceDescriptor) EffectiveCadence(backoffCap int) time.Duration {
	n := s.ConsecutiveFailures
	if n > backoffCap {
		n = backoffCap
	}
	return s.Cadence << uint(n)
}

// Due reports whether the source should run at the given time. Disabled
// sources are never due; never-run sources are always due.
func (s *SourceDescriptor) Due(now time.Time, backoffCap int) bool {
	if s.Disabled {
		return false
	}
	if s.LastRunAt == nil {
		return true
	}
	return !now.Before(s.LastRunAt.Add(s.EffectiveCadence(backoffCap)))
}
