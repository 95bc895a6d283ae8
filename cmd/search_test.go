package main

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimguardian/ingest-cli/internal/model"
)

func TestParseSpatialFlags_BBox(t *testing.T) {
	f, err := parseSpatialFlags("-81,25,-80,26", "")
	require.NoError(t, err)
	require.NotNil(t, f.BBox)
	assert.Equal(t, -81.0, f.BBox.MinLon)
	assert.Equal(t, 26.0, f.BBox.MaxLat)
}

func TestParseSpatialFlags_Near(t *testing.T) {
	f, err := parseSpatialFlags("", "-80.19,25.77,5000")
	require.NoError(t, err)
	require.NotNil(t, f.Radius)
	assert.Equal(t, 5000.0, f.Radius.Meters)
}

func TestParseSpatialFlags_Exclusive(t *testing.T) {
	_, err := parseSpatialFlags("-81,25,-80,26", "-80,25,100")
	require.Error(t, err)
}

func TestParseSpatialFlags_None(t *testing.T) {
	f, err := parseSpatialFlags("", "")
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestParseFloats_WrongCount(t *testing.T) {
	_, err := parseFloats("1,2,3", 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 4")
}

func TestSearchRequestFromQuery(t *testing.T) {
	req := httptest.NewRequest("GET",
		"/api/search?q=hurricane+deductible&kind=bulletin&kind=filing&tag=hurricane&prefer=bulletin&limit=5&near=-80.19,25.77,1000", nil)

	sreq, err := searchRequestFromQuery(req)
	require.NoError(t, err)
	assert.Equal(t, "hurricane deductible", sreq.Query)
	assert.Equal(t, []string{"bulletin", "filing"}, sreq.Kinds)
	assert.Equal(t, []string{"hurricane"}, sreq.Tags)
	assert.Equal(t, model.RecordKind("bulletin"), sreq.PreferKind)
	assert.Equal(t, 5, sreq.Limit)
	require.NotNil(t, sreq.Spatial)
	require.NotNil(t, sreq.Spatial.Radius)
}

func TestSearchRequestFromQuery_BadLimit(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/search?limit=abc", nil)
	_, err := searchRequestFromQuery(req)
	require.Error(t, err)
}
