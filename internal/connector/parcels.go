package connector

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"

	"github.com/claimguardian/ingest-cli/internal/fetcher"
	"github.com/claimguardian/ingest-cli/internal/model"
	"github.com/claimguardian/ingest-cli/internal/resilience"
)

// parcelRow mirrors the DOR parcel shapefile attribute schema (NAL layout).
type parcelRow struct {
	ParcelID     string        `json:"parcel_id"`
	CountyFIPS   string        `json:"county_fips"`
	OwnerName    string        `json:"owner_name,omitempty"`
	SitusAddress string        `json:"situs_address,omitempty"`
	SitusCity    string        `json:"situs_city,omitempty"`
	LandUseCode  string        `json:"land_use_code,omitempty"`
	JustValue    string        `json:"just_value,omitempty"`
	LandValue    string        `json:"land_value,omitempty"`
	YearBuilt    string        `json:"year_built,omitempty"`
	TotalLivArea string        `json:"total_living_area,omitempty"`
	Rings        [][][]float64 `json:"rings,omitempty"`
}

// ftpClient is the slice of fetcher.FTPFetcher the connector needs.
type ftpClient interface {
	DownloadToFile(ctx context.Context, url, path string) (int64, error)
	ListDir(ctx context.Context, dirURL, suffix string) ([]string, error)
}

// ParcelConnector downloads a county parcel shapefile bundle from the DOR FTP
// site and emits one document per parcel polygon. The DOR FTP site drops
// connections under load, so archive downloads retry with backoff.
type ParcelConnector struct {
	sourceID   string
	countyFIPS string
	ftp        ftpClient
	tempDir    string
	retry      resilience.RetryConfig
	nowFunc    func() time.Time
}

// NewParcelConnector creates a connector for one county's parcel roll.
func NewParcelConnector(sourceID, countyFIPS string, ftp *fetcher.FTPFetcher, tempDir string) *ParcelConnector {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("dor-ftp", "download archive")
	return &ParcelConnector{
		sourceID:   sourceID,
		countyFIPS: countyFIPS,
		ftp:        ftp,
		tempDir:    tempDir,
		retry:      retry,
		nowFunc:    time.Now,
	}
}

func (c *ParcelConnector) SourceID() string       { return c.sourceID }
func (c *ParcelConnector) Family() model.Family   { return model.FamilyParcel }
func (c *ParcelConnector) Kind() model.RecordKind { return model.KindParcel }

func (c *ParcelConnector) Fetch(ctx context.Context, src model.SourceDescriptor, emit EmitFunc) error {
	log := zap.L().With(zap.String("component", "connector.parcels"), zap.String("source_id", c.sourceID))

	zipURL, err := c.resolveArchive(ctx, src.Endpoint)
	if err != nil {
		return err
	}

	workDir := filepath.Join(c.tempDir, c.sourceID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return eris.Wrap(err, "parcels: create work dir")
	}
	defer os.RemoveAll(workDir) //nolint:errcheck

	zipPath := filepath.Join(workDir, "parcels.zip")
	log.Info("parcels: downloading archive", zap.String("url", zipURL))

	dlCtx, cancel := context.WithTimeout(ctx, pageTimeout)
	defer cancel()
	err = resilience.DoErr(dlCtx, c.retry, func(ctx context.Context) error {
		_, err := c.ftp.DownloadToFile(ctx, zipURL, zipPath)
		return err
	})
	if err != nil {
		return eris.Wrap(err, "parcels: download archive")
	}

	extracted, err := fetcher.ExtractZIP(zipPath, workDir)
	if err != nil {
		return eris.Wrap(err, "parcels: extract archive")
	}

	var shpPath string
	for _, p := range extracted {
		if strings.EqualFold(filepath.Ext(p), ".shp") {
			shpPath = p
			break
		}
	}
	if shpPath == "" {
		return eris.New("parcels: no .shp file in archive")
	}

	emitted, skipped, err := c.emitShapes(ctx, shpPath, zipURL, emit)
	if err != nil {
		return err
	}

	log.Info("parcels: fetch complete", zap.Int("documents", emitted), zap.Int("skipped", skipped))
	return nil
}

// resolveArchive turns a directory endpoint (trailing slash) into the newest
// ZIP inside it; file endpoints pass through unchanged. The DOR re-stamps the
// archive name each roll year.
func (c *ParcelConnector) resolveArchive(ctx context.Context, endpoint string) (string, error) {
	if !strings.HasSuffix(endpoint, "/") {
		return endpoint, nil
	}
	names, err := c.ftp.ListDir(ctx, endpoint, ".zip")
	if err != nil {
		return "", eris.Wrap(err, "parcels: list archive dir")
	}
	if len(names) == 0 {
		return "", eris.Errorf("parcels: no .zip archives under %s", endpoint)
	}
	sort.Strings(names)
	return endpoint + names[len(names)-1], nil
}

func (c *ParcelConnector) emitShapes(ctx context.Context, shpPath, originURL string, emit EmitFunc) (int, int, error) {
	reader, err := shp.Open(shpPath)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "parcels: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	// Build field name → index map. DBF headers are NUL-padded.
	fields := reader.Fields()
	fieldIdx := make(map[string]int, len(fields))
	for i, f := range fields {
		name := strings.TrimRight(f.String(), "\x00")
		fieldIdx[strings.ToUpper(name)] = i
	}

	// DBF attribute text is Latin-1 in the DOR bundles; owner names with
	// accented characters arrive mangled unless decoded.
	latin1 := charmap.ISO8859_1.NewDecoder()
	attr := func(name string) string {
		idx, ok := fieldIdx[name]
		if !ok {
			return ""
		}
		raw := strings.TrimRight(reader.Attribute(idx), "\x00")
		decoded, err := latin1.String(raw)
		if err != nil {
			decoded = raw
		}
		return strings.TrimSpace(decoded)
	}

	fetchedAt := c.nowFunc().UTC()
	var emitted, skipped int

	for reader.Next() {
		if ctx.Err() != nil {
			return emitted, skipped, eris.Wrap(ctx.Err(), "parcels: context cancelled")
		}

		_, shape := reader.Shape()

		row := parcelRow{
			ParcelID:     attr("PARCELNO"),
			CountyFIPS:   c.countyFIPS,
			OwnerName:    attr("OWN_NAME"),
			SitusAddress: attr("PHY_ADDR1"),
			SitusCity:    attr("PHY_CITY"),
			LandUseCode:  attr("DOR_UC"),
			JustValue:    attr("JV"),
			LandValue:    attr("LNDVAL"),
			YearBuilt:    attr("ACT_YR_BLT"),
			TotalLivArea: attr("TOT_LVG_AR"),
			Rings:        polygonRings(shape),
		}
		if row.ParcelID == "" {
			skipped++
			continue
		}

		payload, err := json.Marshal(row)
		if err != nil {
			return emitted, skipped, eris.Wrap(err, "parcels: marshal row")
		}
		doc := model.NewRawDocument(c.sourceID, model.PayloadJSON, originURL, payload, fetchedAt)
		if err := emit(doc); err != nil {
			return emitted, skipped, err
		}
		emitted++
	}

	return emitted, skipped, nil
}

// polygonRings converts a shapefile polygon into ring coordinate lists.
// Non-polygon shapes yield nil; the record is still ingested without geometry.
func polygonRings(shape shp.Shape) [][][]float64 {
	poly, ok := shape.(*shp.Polygon)
	if !ok || len(poly.Points) == 0 {
		return nil
	}

	rings := make([][][]float64, 0, len(poly.Parts))
	for i, start := range poly.Parts {
		end := len(poly.Points)
		if i+1 < len(poly.Parts) {
			end = int(poly.Parts[i+1])
		}
		if int(start) >= end {
			continue
		}
		ring := make([][]float64, 0, end-int(start))
		for _, pt := range poly.Points[start:end] {
			ring = append(ring, []float64{pt.X, pt.Y})
		}
		rings = append(rings, ring)
	}

	if len(rings) == 0 {
		return nil
	}
	return rings
}
