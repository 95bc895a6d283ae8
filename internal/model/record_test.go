package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordIDs_NaturalKeys(t *testing.T) {
	assert.Equal(t, "parcel:12086:30-4015-001-0230", ParcelRecordID("12086", "30-4015-001-0230"))
	assert.Equal(t, "bulletin:oir-bulletins:OIR-26-03M", BulletinRecordID("oir-bulletins", "OIR-26-03M"))
	assert.Equal(t, "filing:oir-filings:26-011883", FilingRecordID("oir-filings", "26-011883"))
}

func TestHashContent_Deterministic(t *testing.T) {
	a := HashContent([]byte("same payload"))
	b := HashContent([]byte("same payload"))
	c := HashContent([]byte("different payload"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestNewRawDocument(t *testing.T) {
	fetched := time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)
	doc := NewRawDocument("oir-bulletins", PayloadJSON, "https://portal.example/page/1", []byte(`{"items":[]}`), fetched)

	assert.Equal(t, "oir-bulletins", doc.SourceID)
	assert.Equal(t, PayloadJSON, doc.Kind)
	assert.Equal(t, HashContent([]byte(`{"items":[]}`)), doc.ContentHash)
	assert.Equal(t, fetched, doc.FetchedAt)
}
