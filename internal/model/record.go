package model

import (
	"fmt"
	"time"

	"github.com/twpayne/go-geom"
)

// RecordKind identifies the canonical entity type of a record.
type RecordKind string

const (
	KindParcel   RecordKind = "parcel"
	KindBulletin RecordKind = "bulletin"
	KindFiling   RecordKind = "filing"
)

// ParcelRecordID derives the stable record ID for a county parcel.
// Re-ingesting an updated roll updates the same record: the ID depends on
// the natural key (county FIPS + parcel number), never on content.
func ParcelRecordID(countyFIPS, parcelNumber string) string {
	return fmt.Sprintf("parcel:%s:%s", countyFIPS, parcelNumber)
}

// BulletinRecordID derives the stable record ID for a regulatory bulletin.
func BulletinRecordID(sourceID, documentNumber string) string {
	return fmt.Sprintf("bulletin:%s:%s", sourceID, documentNumber)
}

// FilingRecordID derives the stable record ID for a rate filing.
func FilingRecordID(sourceID, filingNumber string) string {
	return fmt.Sprintf("filing:%s:%s", sourceID, filingNumber)
}

// CanonicalRecord is the normalized, schema-consistent representation of a
// source entity. It is a pure function of the raw payload: the same
// RawDocument always normalizes to the same CanonicalRecord.
type CanonicalRecord struct {
	RecordID    string         `json:"record_id"`
	SourceID    string         `json:"source_id"`
	Kind        RecordKind     `json:"kind"`
	Fields      map[string]any `json:"fields"`
	Geometry    geom.T         `json:"-"`
	RawText     string         `json:"raw_text"` // text sent to the embedding oracle
	ContentHash string         `json:"content_hash"`
	IngestedAt  time.Time      `json:"ingested_at"`
}

// EnrichedRecord is a CanonicalRecord plus AI-derived vector and scores.
// A record is only persisted once Embedding is non-empty.
type EnrichedRecord struct {
	CanonicalRecord
	Embedding         []float32          `json:"embedding"`
	DerivedScores     map[string]float64 `json:"derived_scores,omitempty"`
	Tags              []string           `json:"tags,omitempty"`
	EnrichmentVersion int                `json:"enrichment_version"`
}

// StoredRecord is the persisted form of an EnrichedRecord. Exactly one
// version per record ID carries IsCurrent=true; superseded versions are
// retained for audit, never deleted.
type StoredRecord struct {
	EnrichedRecord
	Version   int       `json:"version"`
	IsCurrent bool      `json:"is_current"`
	StoredAt  time.Time `json:"stored_at"`
}
