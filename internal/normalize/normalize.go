// Package normalize converts raw source payloads into canonical records.
//
// Normalization is deterministic: the same raw document always yields the
// same canonical record, so replaying a queue item after a crash produces
// no new versions downstream.
package normalize

import (
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/claimguardian/ingest-cli/internal/model"
)

// Normalizer converts one raw document into zero or one canonical record.
// A nil record with nil error means the payload carried nothing ingestible
// (e.g. an empty listing page). Bad source data fails with *ValidationError.
type Normalizer interface {
	Kind() model.RecordKind
	Normalize(doc model.RawDocument) (*model.CanonicalRecord, error)
}

// ValidationError marks bad source data. The affected row is dropped and
// logged; the batch continues. Sources are only paused when the validation
// rate crosses the configured threshold, which the scheduler tracks.
type ValidationError struct {
	SourceID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: field %q: %s", e.SourceID, e.Field, e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.SourceID, e.Reason)
}

func missingField(sourceID, field string) error {
	return &ValidationError{SourceID: sourceID, Field: field, Reason: "required field missing"}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return eris.As(err, &ve)
}

// Registry dispatches raw documents to the normalizer for their record kind.
type Registry struct {
	byKind map[model.RecordKind]Normalizer
}

// NewRegistry builds a registry over the given normalizers.
func NewRegistry(normalizers ...Normalizer) *Registry {
	byKind := make(map[model.RecordKind]Normalizer, len(normalizers))
	for _, n := range normalizers {
		byKind[n.Kind()] = n
	}
	return &Registry{byKind: byKind}
}

// DefaultRegistry returns a registry wired with every production normalizer.
func DefaultRegistry() *Registry {
	return NewRegistry(
		NewBulletinNormalizer(),
		NewFilingNormalizer(),
		NewParcelNormalizer(),
	)
}

// Normalize routes the document to the normalizer for kind.
func (r *Registry) Normalize(kind model.RecordKind, doc model.RawDocument) (*model.CanonicalRecord, error) {
	n, ok := r.byKind[kind]
	if !ok {
		return nil, eris.Errorf("normalize: no normalizer registered for kind %q", kind)
	}

	rec, err := n.Normalize(doc)
	if err != nil {
		if IsValidation(err) {
			zap.L().Warn("normalize: dropping invalid row",
				zap.String("source_id", doc.SourceID),
				zap.String("kind", string(kind)),
				zap.String("origin_url", doc.OriginURL),
				zap.Error(err),
			)
		}
		return nil, err
	}

	return rec, nil
}
