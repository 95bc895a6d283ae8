package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/claimguardian/ingest-cli/internal/model"
)

func buildFilingWorkbook(t *testing.T, rows [][]string) []byte {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Export")
	require.NoError(t, err)
	for _, row := range rows {
		r := sheet.AddRow()
		for _, cell := range row {
			r.AddCell().SetString(cell)
		}
	}
	path := filepath.Join(t.TempDir(), "export.xlsx")
	require.NoError(t, f.Save(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestFilingConnector_Fetch(t *testing.T) {
	workbook := buildFilingWorkbook(t, [][]string{
		{"File Log Number", "Company Name", "Line of Business", "Status", "Received Date", "Overall Rate Change"},
		{"26-011883", "Citizens Property Insurance", "Homeowners", "Approved", "03/10/2026", "+14.9%"},
		{"", "Row without log number", "", "", "", ""},
		{"26-011901", "Universal P&C", "Homeowners", "Pending", "03/12/2026", ""},
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(workbook) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewFilingConnector("oir-filings", newHTTPFetcher(), t.TempDir())
	src := model.SourceDescriptor{ID: "oir-filings", Endpoint: srv.URL}

	var docs []model.RawDocument
	require.NoError(t, c.Fetch(context.Background(), src, collectDocs(&docs)))

	// The blank log-number row is skipped.
	require.Len(t, docs, 2)

	var row map[string]string
	require.NoError(t, json.Unmarshal(docs[0].Payload, &row))
	assert.Equal(t, "26-011883", row["file_log_number"])
	assert.Equal(t, "Citizens Property Insurance", row["company_name"])
	assert.Equal(t, "+14.9%", row["rate_change_given"])
}

func TestFilingConnector_SkipsUnchangedExport(t *testing.T) {
	workbook := buildFilingWorkbook(t, [][]string{
		{"File Log Number", "Company Name"},
		{"26-011883", "Citizens Property Insurance"},
	})

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write(workbook) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewFilingConnector("oir-filings", newHTTPFetcher(), t.TempDir())
	src := model.SourceDescriptor{ID: "oir-filings", Endpoint: srv.URL, FetchMode: model.ModeIncremental}

	var docs []model.RawDocument
	require.NoError(t, c.Fetch(context.Background(), src, collectDocs(&docs)))
	require.Len(t, docs, 1)

	// Second incremental run: the remembered ETag turns into a 304 and the
	// connector emits nothing.
	docs = nil
	require.NoError(t, c.Fetch(context.Background(), src, collectDocs(&docs)))
	assert.Empty(t, docs)
	assert.Equal(t, 2, hits)
}

func TestFilingConnector_DownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewFilingConnector("oir-filings", newHTTPFetcher(), t.TempDir())
	err := c.Fetch(context.Background(), model.SourceDescriptor{Endpoint: srv.URL}, collectDocs(&[]model.RawDocument{}))
	assert.Error(t, err)
}
