package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// PayloadKind tags the raw payload format so the right normalizer can be
// dispatched.
type PayloadKind string

const (
	PayloadHTML      PayloadKind = "html"
	PayloadCSV       PayloadKind = "csv"
	PayloadJSON      PayloadKind = "json"
	PayloadXLSX      PayloadKind = "xlsx"
	PayloadShapefile PayloadKind = "shapefile"
	PayloadPDF       PayloadKind = "pdf"
)

// RawDocument is an immutable payload captured from a source. Created by a
// connector, consumed once by the normalizer, never mutated.
type RawDocument struct {
	SourceID    string      `json:"source_id"`
	Kind        PayloadKind `json:"kind"`
	FetchedAt   time.Time   `json:"fetched_at"`
	ContentHash string      `json:"content_hash"`
	OriginURL   string      `json:"origin_url"`
	Payload     []byte      `json:"payload"`
}

// NewRawDocument builds a RawDocument and computes its content hash.
func NewRawDocument(sourceID string, kind PayloadKind, originURL string, payload []byte, fetchedAt time.Time) RawDocument {
	return RawDocument{
		SourceID:    sourceID,
		Kind:        kind,
		FetchedAt:   fetchedAt,
		ContentHash: HashContent(payload),
		OriginURL:   originURL,
		Payload:     payload,
	}
}

// HashContent returns the hex-encoded SHA-256 of the payload. The hash is
// the cheap unchanged-content check used throughout the pipeline: the
// normalizer skips unchanged payloads and the store no-ops on unchanged
// records.
func HashContent(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
