package oracle

import (
	"strconv"
	"time"

	"github.com/twpayne/go-geom"

	"github.com/claimguardian/ingest-cli/internal/model"
)

// Hurricane risk component weights. Tuned against historical landfall data;
// the weighted blend stands in until enough labeled loss data exists to fit
// a model.
const (
	weightHistorical = 0.25
	weightWind       = 0.25
	weightSurge      = 0.20
	weightEconomic   = 0.15
	weightGeographic = 0.15
)

// RiskScorer derives hurricane risk component scores for parcel records.
// All components are clamped to [0, 1].
type RiskScorer struct {
	nowFunc func() time.Time
}

// NewRiskScorer creates a parcel risk scorer.
func NewRiskScorer() *RiskScorer {
	return &RiskScorer{nowFunc: time.Now}
}

// Score computes component scores and the blended overall for a parcel.
// Non-parcel records get no derived scores.
func (s *RiskScorer) Score(rec model.CanonicalRecord) map[string]float64 {
	if rec.Kind != model.KindParcel {
		return nil
	}

	justValue := fieldFloat(rec.Fields, "just_value", 100_000)
	yearBuilt := fieldInt(rec.Fields, "year_built", 0)
	countyFIPS, _ := rec.Fields["county_fips"].(string)

	buildingAge := 30.0
	if yearBuilt > 0 {
		buildingAge = float64(s.nowFunc().Year() - yearBuilt)
	}

	// Without per-parcel wind and surge history the structural proxies carry
	// the component: age drives wind vulnerability, latitude and county drive
	// surge and geography.
	windVulnerability := clamp01(buildingAge / 50.0)

	lat := centroidLat(rec.Geometry)
	surgeExposure := surgeFromLatitude(lat)

	historical := historicalFromCounty(countyFIPS)

	economicFactor := clamp01(justValue / 2_000_000) // $2M+ is max economic exposure

	geographic := geographicFactor(lat, countyFIPS)

	overall := clamp01(historical*weightHistorical +
		windVulnerability*weightWind +
		surgeExposure*weightSurge +
		economicFactor*weightEconomic +
		geographic*weightGeographic)

	return map[string]float64{
		"hurricane_historical": historical,
		"wind_vulnerability":   windVulnerability,
		"surge_exposure":       surgeExposure,
		"economic_factor":      economicFactor,
		"geographic_factor":    geographic,
		"overall":              overall,
	}
}

// RiskCategory buckets an overall score for tag output.
func RiskCategory(overall float64) string {
	switch {
	case overall >= 0.8:
		return "risk:extreme"
	case overall >= 0.6:
		return "risk:high"
	case overall >= 0.4:
		return "risk:moderate"
	case overall >= 0.2:
		return "risk:low"
	default:
		return "risk:minimal"
	}
}

// highRiskCounties maps county FIPS to a 20-year hurricane impact count.
// Derived from NOAA HURDAT landfall tracks; counties absent from the map get
// the statewide baseline.
var highRiskCounties = map[string]float64{
	"12087": 8, // Monroe (Keys)
	"12086": 6, // Miami-Dade
	"12011": 6, // Broward
	"12099": 6, // Palm Beach
	"12071": 7, // Lee
	"12021": 6, // Collier
	"12015": 7, // Charlotte
	"12103": 5, // Pinellas
	"12005": 6, // Bay
	"12033": 6, // Escambia
}

const baselineHurricaneCount = 3

func historicalFromCounty(fips string) float64 {
	count, ok := highRiskCounties[fips]
	if !ok {
		count = baselineHurricaneCount
	}
	return clamp01(count / 8.0) // 8+ impacts in 20 years is max risk
}

// surgeFromLatitude approximates surge exposure: south Florida coastal
// latitudes score highest, tapering north.
func surgeFromLatitude(lat float64) float64 {
	if lat == 0 {
		return 0.5 // unknown centroid, statewide midpoint
	}
	switch {
	case lat < 25.5:
		return 1.0
	case lat < 26.5:
		return 0.85
	case lat < 27.5:
		return 0.65
	case lat < 28.5:
		return 0.5
	default:
		return 0.35
	}
}

// geographicFactor combines the south Florida latitude gradient with the
// extreme exposure of the Keys.
func geographicFactor(lat float64, fips string) float64 {
	southFlorida := 0.5
	switch {
	case lat != 0 && lat < 26.5:
		southFlorida = 1.0
	case lat != 0 && lat < 27.5:
		southFlorida = 0.7
	}
	keys := 0.0
	if fips == "12087" {
		keys = 1.0
	}
	return clamp01(southFlorida + keys)
}

// centroidLat returns the latitude of the geometry's bounding-box center,
// or 0 when there is no geometry.
func centroidLat(g geom.T) float64 {
	if g == nil {
		return 0
	}
	b := g.Bounds()
	if b == nil || b.IsEmpty() {
		return 0
	}
	return (b.Min(1) + b.Max(1)) / 2
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func fieldFloat(fields map[string]any, key string, def float64) float64 {
	switch v := fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func fieldInt(fields map[string]any, key string, def int) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
