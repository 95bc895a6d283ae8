package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimguardian/ingest-cli/internal/fetcher"
	"github.com/claimguardian/ingest-cli/internal/model"
	"github.com/claimguardian/ingest-cli/internal/resilience"
)

func TestPolygonRings(t *testing.T) {
	poly := &shp.Polygon{
		NumParts:  2,
		NumPoints: 7,
		Parts:     []int32{0, 4},
		Points: []shp.Point{
			{X: -80.2, Y: 25.7}, {X: -80.1, Y: 25.7}, {X: -80.1, Y: 25.8}, {X: -80.2, Y: 25.7},
			{X: -80.15, Y: 25.72}, {X: -80.14, Y: 25.72}, {X: -80.15, Y: 25.73},
		},
	}

	rings := polygonRings(poly)
	require.Len(t, rings, 2)
	assert.Len(t, rings[0], 4)
	assert.Len(t, rings[1], 3)
	assert.Equal(t, []float64{-80.2, 25.7}, rings[0][0])
}

func TestPolygonRings_NonPolygon(t *testing.T) {
	assert.Nil(t, polygonRings(&shp.Point{X: -80, Y: 25}))
	assert.Nil(t, polygonRings(nil))
	assert.Nil(t, polygonRings(&shp.Polygon{}))
}

// flakyFTP fails every download with a transient error.
type flakyFTP struct {
	downloads int
}

func (f *flakyFTP) DownloadToFile(_ context.Context, _, _ string) (int64, error) {
	f.downloads++
	return 0, resilience.NewTransientError(errors.New("ftp: connection reset"), 0)
}

func (f *flakyFTP) ListDir(_ context.Context, _, _ string) ([]string, error) {
	return []string{"dade_2026.zip"}, nil
}

func TestParcelConnector_RetriesArchiveDownload(t *testing.T) {
	ftp := &flakyFTP{}
	c := &ParcelConnector{
		sourceID:   "dor-parcels-12086",
		countyFIPS: "12086",
		ftp:        ftp,
		tempDir:    t.TempDir(),
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
		nowFunc: time.Now,
	}

	src := model.SourceDescriptor{Endpoint: "ftp://sdrftp03.dor.state.fl.us/Map_Data/dade/"}
	err := c.Fetch(context.Background(), src, collectDocs(&[]model.RawDocument{}))
	require.Error(t, err)
	assert.Equal(t, 3, ftp.downloads)
}

func TestResolveArchive_FileEndpointPassthrough(t *testing.T) {
	c := NewParcelConnector("dor-parcels-dade", "12086", fetcher.NewFTPFetcher(fetcher.FTPOptions{}), t.TempDir())

	url, err := c.resolveArchive(context.Background(),
		"ftp://sdrftp03.dor.state.fl.us/Map%20Data/2026/dade_2026.zip")
	require.NoError(t, err)
	assert.Equal(t, "ftp://sdrftp03.dor.state.fl.us/Map%20Data/2026/dade_2026.zip", url)
}
