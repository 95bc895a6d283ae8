package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/twpayne/go-geom"

	"github.com/claimguardian/ingest-cli/internal/model"
)

// parcelPayload is the JSON shape the parcel connector emits per roll row.
// Geometry arrives either as shapefile rings or, when only the roll CSV is
// available, as a situs centroid.
type parcelPayload struct {
	ParcelID     string        `json:"parcel_id"`
	CountyFIPS   string        `json:"county_fips"`
	OwnerName    string        `json:"owner_name"`
	SitusAddress string        `json:"situs_address"`
	SitusCity    string        `json:"situs_city"`
	LandUseCode  string        `json:"land_use_code"`
	JustValue    string        `json:"just_value"`
	LandValue    string        `json:"land_value"`
	YearBuilt    string        `json:"year_built"`
	TotalLivArea string        `json:"total_living_area"`
	Rings        [][][]float64 `json:"rings,omitempty"`
	Lon          *float64      `json:"lon,omitempty"`
	Lat          *float64      `json:"lat,omitempty"`
}

// ParcelNormalizer maps county tax-roll rows to canonical records.
type ParcelNormalizer struct{}

// NewParcelNormalizer returns a normalizer for county parcels.
func NewParcelNormalizer() *ParcelNormalizer { return &ParcelNormalizer{} }

func (n *ParcelNormalizer) Kind() model.RecordKind { return model.KindParcel }

func (n *ParcelNormalizer) Normalize(doc model.RawDocument) (*model.CanonicalRecord, error) {
	var p parcelPayload
	if err := json.Unmarshal(doc.Payload, &p); err != nil {
		return nil, &ValidationError{SourceID: doc.SourceID, Reason: "payload is not valid parcel JSON"}
	}

	p.ParcelID = trimQuotes(p.ParcelID)
	p.CountyFIPS = strings.TrimSpace(p.CountyFIPS)
	if p.ParcelID == "" {
		return nil, missingField(doc.SourceID, "parcel_id")
	}
	if p.CountyFIPS == "" {
		return nil, missingField(doc.SourceID, "county_fips")
	}

	fields := map[string]any{
		"parcel_id":   p.ParcelID,
		"county_fips": p.CountyFIPS,
	}
	if owner := collapseSpaces(sanitizeUTF8(p.OwnerName)); owner != "" {
		fields["owner_name"] = owner
	}
	if addr := collapseSpaces(sanitizeUTF8(p.SitusAddress)); addr != "" {
		fields["situs_address"] = addr
	}
	if city := collapseSpaces(p.SitusCity); city != "" {
		fields["situs_city"] = city
	}
	if luc := strings.TrimSpace(p.LandUseCode); luc != "" {
		fields["land_use_code"] = luc
	}
	if jv := parseFloatOr(p.JustValue, -1); jv >= 0 {
		fields["just_value"] = jv
	}
	if lv := parseFloatOr(p.LandValue, -1); lv >= 0 {
		fields["land_value"] = lv
	}
	if yb := parseIntOr(p.YearBuilt, 0); yb > 0 {
		fields["year_built"] = yb
	}
	if area := parseFloatOr(p.TotalLivArea, 0); area > 0 {
		fields["total_living_area"] = area
	}

	var g geom.T
	switch {
	case len(p.Rings) > 0:
		poly, err := RingsToPolygon(p.Rings)
		if err != nil {
			return nil, &ValidationError{SourceID: doc.SourceID, Field: "rings", Reason: err.Error()}
		}
		g = poly
	case p.Lon != nil && p.Lat != nil:
		g = PointLonLat(*p.Lon, *p.Lat)
	}

	// Parcels have no prose; the embedding text is a composed description so
	// address queries still land on them.
	var sb strings.Builder
	fmt.Fprintf(&sb, "Parcel %s in county %s", p.ParcelID, p.CountyFIPS)
	if addr, ok := fields["situs_address"].(string); ok {
		fmt.Fprintf(&sb, " at %s", addr)
		if city, ok := fields["situs_city"].(string); ok {
			fmt.Fprintf(&sb, ", %s", city)
		}
	}
	if owner, ok := fields["owner_name"].(string); ok {
		fmt.Fprintf(&sb, ", owned by %s", owner)
	}
	if yb, ok := fields["year_built"].(int); ok {
		fmt.Fprintf(&sb, ", built %d", yb)
	}
	if jv, ok := fields["just_value"].(float64); ok {
		fmt.Fprintf(&sb, ", just value $%.0f", jv)
	}

	return &model.CanonicalRecord{
		RecordID:    model.ParcelRecordID(p.CountyFIPS, p.ParcelID),
		SourceID:    doc.SourceID,
		Kind:        model.KindParcel,
		Fields:      fields,
		Geometry:    g,
		RawText:     sb.String(),
		ContentHash: doc.ContentHash,
		IngestedAt:  doc.FetchedAt,
	}, nil
}
