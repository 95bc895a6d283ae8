package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingsToPolygon_ClosesOpenRings(t *testing.T) {
	poly, err := RingsToPolygon([][][]float64{
		{{-80.2, 25.7}, {-80.1, 25.7}, {-80.1, 25.8}, {-80.2, 25.8}},
	})
	require.NoError(t, err)

	ring := poly.LinearRing(0)
	coords := ring.Coords()
	assert.Equal(t, coords[0], coords[len(coords)-1])
	assert.Equal(t, 4326, poly.SRID())
}

func TestRingsToPolygon_Errors(t *testing.T) {
	_, err := RingsToPolygon(nil)
	assert.Error(t, err)

	_, err = RingsToPolygon([][][]float64{{{-80, 25}, {-79, 25}}})
	assert.Error(t, err)
}

func TestPointLonLat(t *testing.T) {
	pt := PointLonLat(-80.19, 25.77)
	assert.Equal(t, []float64{-80.19, 25.77}, pt.FlatCoords())
	assert.Equal(t, 4326, pt.SRID())
}

func TestCoerceHelpers(t *testing.T) {
	assert.Equal(t, 450000.0, parseFloatOr("450,000", -1))
	assert.Equal(t, -1.0, parseFloatOr("*", -1))
	assert.Equal(t, 1987, parseIntOr(" 1987 ", 0))
	assert.InDelta(t, 14.9, parsePercent("+14.9%"), 1e-9)
	assert.Equal(t, "a b c", collapseSpaces("  a \t b   c "))
	assert.True(t, parseDate("01/15/2026").Equal(parseDate("2026-01-15")))
	assert.True(t, parseDate("garbage").IsZero())
}
