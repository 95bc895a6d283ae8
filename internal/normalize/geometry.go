package normalize

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
)

// srid4326 is the spatial reference for everything the pipeline stores;
// parcel sources publish in NAD83 / WGS84 lon-lat and the store keeps one SRID.
const srid4326 = 4326

// RingsToPolygon builds a polygon from shapefile-style rings: the first ring
// is the exterior, the rest are holes. Coordinates are [lon, lat] pairs.
func RingsToPolygon(rings [][][]float64) (*geom.Polygon, error) {
	if len(rings) == 0 {
		return nil, eris.New("geometry: no rings")
	}

	poly := geom.NewPolygon(geom.XY).SetSRID(srid4326)
	for i, ring := range rings {
		if len(ring) < 4 {
			return nil, eris.Errorf("geometry: ring %d has %d points, need at least 4", i, len(ring))
		}
		coords := make([]geom.Coord, 0, len(ring))
		for _, pt := range ring {
			if len(pt) < 2 {
				return nil, eris.Errorf("geometry: ring %d has a point with %d ordinates", i, len(pt))
			}
			coords = append(coords, geom.Coord{pt[0], pt[1]})
		}
		// Close the ring if the source left it open.
		if !coords[0].Equal(geom.XY, coords[len(coords)-1]) {
			coords = append(coords, coords[0])
		}
		if err := poly.Push(geom.NewLinearRing(geom.XY).MustSetCoords(coords)); err != nil {
			return nil, eris.Wrapf(err, "geometry: push ring %d", i)
		}
	}

	return poly, nil
}

// PointLonLat builds a point geometry from a lon/lat pair.
func PointLonLat(lon, lat float64) *geom.Point {
	return geom.NewPointFlat(geom.XY, []float64{lon, lat}).SetSRID(srid4326)
}

